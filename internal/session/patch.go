package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/sandboxbroker/sandboxd/internal/apierr"
	"github.com/sandboxbroker/sandboxd/internal/dockerengine"
	"github.com/sandboxbroker/sandboxd/internal/metrics"
)

const (
	patchOldDir      = WorkdirRoot + "/old"
	patchNewDir      = WorkdirRoot + "/new"
	patchMetaDir     = WorkdirRoot + "/meta"
	patchExcludeFile = WorkdirRoot + "/.git-excludes"
)

// prepareScript purges and recreates the OLD/META trees and writes the
// nested-.git exclude file, per step 1-2 of the patch algorithm. It runs
// before the baseline archive is staged so that put_archive never has to
// contend with stale state.
var prepareScript = fmt.Sprintf(`set -eu
rm -rf -- %[1]s %[2]s
mkdir -p -- %[1]s %[2]s
printf '.git\n.git/\n' > %[3]s
`, patchOldDir, patchMetaDir, patchExcludeFile)

// diffScript implements steps 4-7: initialize the throwaway repo, commit
// the OLD worktree as a baseline (allowing an empty commit so HEAD always
// exists), commit the NEW worktree as "post" (tolerating "nothing to
// commit", which simply leaves HEAD at the baseline), and emit the
// rename-aware binary diff between the two.
var diffScript = fmt.Sprintf(`set -eu
git -C %[1]s init -q
git -C %[1]s config user.name daiv-sandbox
git -C %[1]s config user.email daiv-sandbox@local
git -C %[1]s config core.excludesFile %[4]s

git -C %[1]s --work-tree=%[2]s add -A
git -C %[1]s --work-tree=%[2]s commit -q --allow-empty -m baseline

BASE_COMMIT=$(git -C %[1]s rev-parse HEAD)

git -C %[1]s --work-tree=%[3]s add -A
git -C %[1]s --work-tree=%[3]s commit -q -m post || true

git -C %[1]s -c diff.renames=true diff -M --binary "$BASE_COMMIT"..HEAD
`, patchMetaDir, patchOldDir, patchNewDir, patchExcludeFile)

// buildPatch computes the binary-safe, rename-aware diff between baseline
// (the sanitized archive bytes from the turn that started the patch
// window) and the patch-extractor's read-only view of the current
// workspace state. A nil, nil return means "no changes."
func (e *Engine) buildPatch(ctx context.Context, rec *record, baseline []byte) ([]byte, error) {
	extractorID := rec.patchExtractorID
	if extractorID == "" {
		return nil, nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PatchDuration)

	if _, err := e.docker.Exec(ctx, extractorID, dockerengine.ExecSpec{
		Cmd:  []string{"/bin/sh", "-c", prepareScript},
		User: e.identity(),
	}); err != nil {
		return nil, apierr.Wrap(apierr.PatchFailed, "failed to prepare patch workspace", err)
	}

	if err := e.docker.PutArchive(ctx, extractorID, patchOldDir, baseline); err != nil {
		return nil, apierr.Wrap(apierr.PatchFailed, "failed to stage baseline archive", err)
	}

	res, err := e.docker.Exec(ctx, extractorID, dockerengine.ExecSpec{
		Cmd:  []string{"/bin/sh", "-c", diffScript},
		User: e.identity(),
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.PatchFailed, "failed to run diff script", err)
	}
	if res.ExitCode != 0 {
		return nil, apierr.New(apierr.PatchFailed, fmt.Sprintf("diff script exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	if res.Stdout == "" {
		return nil, nil
	}
	return []byte(res.Stdout), nil
}
