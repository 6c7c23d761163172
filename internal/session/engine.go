// Package session implements the Session Engine: the stateful coordinator
// that allocates workspace volumes, boots command-executor and (optionally)
// patch-extractor containers, routes exec/copy/diff operations against a
// session, and tears everything down on close.
package session

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/sandboxbroker/sandboxd/internal/apierr"
	"github.com/sandboxbroker/sandboxd/internal/archive"
	"github.com/sandboxbroker/sandboxd/internal/dockerengine"
	"github.com/sandboxbroker/sandboxd/internal/logging"
	"github.com/sandboxbroker/sandboxd/internal/metrics"
)

// Config is the identity and runtime posture every sandbox container is
// started with.
type Config struct {
	RunUID   int
	RunGID   int
	Runtime  string
	GitImage string
}

// record is the engine's in-memory cache entry for one session. It is
// never the source of truth — the container/volume labels are — but it
// saves a round trip to the engine on the common path.
type record struct {
	mu sync.Mutex

	executorID       string
	patchExtractorID string
	workdirVolume    string
	ephemeral        bool
	networkEnabled   bool
	patchEnabled     bool
	baseImage        string

	// lastArchiveBaseline holds the sanitized bytes of the most recent
	// archive-bearing turn, so a later command-only turn can still
	// produce a patch against it (see the turn-without-archive decision).
	lastArchiveBaseline []byte
	closed              bool
}

// Engine is the Session Engine. It depends only on the dockerengine.Engine
// capability set, never on a concrete SDK type.
type Engine struct {
	docker dockerengine.Engine
	cfg    Config

	mu    sync.Mutex
	cache map[string]*record
}

// New builds a Session Engine bound to docker and cfg.
func New(docker dockerengine.Engine, cfg Config) *Engine {
	return &Engine{
		docker: docker,
		cfg:    cfg,
		cache:  make(map[string]*record),
	}
}

func (e *Engine) identity() string {
	return fmt.Sprintf("%d:%d", e.cfg.RunUID, e.cfg.RunGID)
}

// StartSession provisions a command-executor container and, when
// ExtractPatch is set, a companion patch-extractor container sharing a
// named workspace volume, per the state machine's CREATED -> READY path.
func (e *Engine) StartSession(ctx context.Context, req StartRequest) (string, error) {
	if strings.TrimSpace(req.BaseImage) == "" {
		return "", apierr.New(apierr.InvalidInput, "base_image is required")
	}

	var volumeName, patchExtractorID string

	if req.ExtractPatch {
		volumeName = "daiv-sandbox-workdir-" + uuid.NewString()
		if err := e.docker.CreateVolume(ctx, volumeName, volumeManagedLabels()); err != nil {
			return "", err
		}

		if err := e.docker.PullImageIfAbsent(ctx, e.cfg.GitImage); err != nil {
			return "", err
		}
		var err error
		patchExtractorID, err = e.docker.RunContainer(ctx, dockerengine.ContainerSpec{
			Image:      e.cfg.GitImage,
			Entrypoint: []string{"/bin/sh"},
			Cmd:        []string{"-lc", "sleep 3600"},
			User:       e.identity(),
			Runtime:    e.cfg.Runtime,
			TTY:        true,
			Network:    false,
			Mounts: []dockerengine.Mount{
				{VolumeName: volumeName, Target: WorkdirRoot + "/new", ReadOnly: true},
			},
			Labels: map[string]string{
				LabelType:          TypePatchExtractor,
				LabelWorkdirVolume: volumeName,
			},
		}, "")
		if err != nil {
			return "", err
		}
		if err := e.prepareCanonicalDirs(ctx, patchExtractorID); err != nil {
			return "", err
		}

		return e.startExecutor(ctx, req, volumeName, patchExtractorID)
	}

	return e.startExecutor(ctx, req, "", "")
}

func (e *Engine) startExecutor(ctx context.Context, req StartRequest, volumeName, patchExtractorID string) (string, error) {
	if err := e.docker.PullImageIfAbsent(ctx, req.BaseImage); err != nil {
		return "", err
	}

	networkEnabled := req.NetworkEnabled

	labels := map[string]string{
		LabelType:           TypeCmdExecutor,
		LabelNetworkEnabled: strconv.FormatBool(networkEnabled),
	}
	if req.Ephemeral {
		labels[LabelEphemeral] = "1"
	}
	var mounts []dockerengine.Mount
	if volumeName != "" {
		labels[LabelWorkdirVolume] = volumeName
		labels[LabelPatchExtractorID] = patchExtractorID
		mounts = []dockerengine.Mount{{VolumeName: volumeName, Target: RepoRoot, ReadOnly: false}}
	}

	executorID, err := e.docker.RunContainer(ctx, dockerengine.ContainerSpec{
		Image:      req.BaseImage,
		Entrypoint: []string{"/bin/sh"},
		Cmd:        []string{"-lc", "sleep 3600"},
		User:       e.identity(),
		Runtime:    e.cfg.Runtime,
		TTY:        true,
		Network:    networkEnabled,
		Mounts:     mounts,
		Labels:     labels,
		Env:        envList(req.Environment),
		Resources: dockerengine.Resources{
			MemoryBytes: req.MemoryBytes,
			NanoCPUs:    int64(req.CPUs * 1e9),
		},
	}, "")
	if err != nil {
		return "", err
	}

	if err := e.prepareCanonicalDirs(ctx, executorID); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.cache[executorID] = &record{
		executorID:       executorID,
		patchExtractorID: patchExtractorID,
		workdirVolume:    volumeName,
		ephemeral:        req.Ephemeral,
		networkEnabled:   networkEnabled,
		patchEnabled:     volumeName != "",
		baseImage:        req.BaseImage,
	}
	e.mu.Unlock()

	logging.WithSessionID(executorID).Info().
		Str("base_image", req.BaseImage).
		Bool("patch_enabled", volumeName != "").
		Bool("ephemeral", req.Ephemeral).
		Msg("session started")

	return executorID, nil
}

// envList flattens a key/value environment map into the "KEY=VALUE" form
// the Docker Engine API expects.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// prepareCanonicalDirs creates and chowns /repo, /workdir, and the sandbox
// HOME inside containerID, as root, per the READY-state requirement.
func (e *Engine) prepareCanonicalDirs(ctx context.Context, containerID string) error {
	dirs := []string{RepoRoot, WorkdirRoot, SandboxHome}
	if _, err := e.docker.Exec(ctx, containerID, dockerengine.ExecSpec{
		Cmd:  append([]string{"mkdir", "-p", "--"}, dirs...),
		User: "root",
	}); err != nil {
		return err
	}
	chown := append([]string{"chown", e.identity(), "--"}, dirs...)
	if _, err := e.docker.Exec(ctx, containerID, dockerengine.ExecSpec{Cmd: chown, User: "root"}); err != nil {
		return err
	}
	return nil
}

// lookup resolves sessionID to its cached record, recovering from an
// in-memory cache miss by inspecting the container's labels directly (the
// cache is a convenience, not the source of truth).
func (e *Engine) lookup(ctx context.Context, sessionID string) (*record, error) {
	e.mu.Lock()
	rec, ok := e.cache[sessionID]
	e.mu.Unlock()
	if ok {
		return rec, nil
	}

	info, err := e.docker.InspectContainer(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	networkEnabled, _ := strconv.ParseBool(info.Labels[LabelNetworkEnabled])
	rec = &record{
		executorID:       info.ID,
		patchExtractorID: info.Labels[LabelPatchExtractorID],
		workdirVolume:    info.Labels[LabelWorkdirVolume],
		ephemeral:        info.Labels[LabelEphemeral] == "1",
		networkEnabled:   networkEnabled,
		patchEnabled:     info.Labels[LabelWorkdirVolume] != "",
	}
	e.mu.Lock()
	e.cache[sessionID] = rec
	e.mu.Unlock()
	return rec, nil
}

// ensureRunning resolves sessionID and, if its container is not running,
// attempts a single restart before giving up with SESSION_NOT_FOUND.
func (e *Engine) ensureRunning(ctx context.Context, sessionID string) (*record, error) {
	rec, err := e.lookup(ctx, sessionID)
	if err != nil {
		return nil, apierr.Wrap(apierr.SessionNotFound, fmt.Sprintf("session %q not found", sessionID), err)
	}
	rec.mu.Lock()
	closed := rec.closed
	rec.mu.Unlock()
	if closed {
		return nil, apierr.New(apierr.SessionNotFound, fmt.Sprintf("session %q is closed", sessionID))
	}

	info, err := e.docker.InspectContainer(ctx, sessionID)
	if err != nil {
		return nil, apierr.Wrap(apierr.SessionNotFound, fmt.Sprintf("session %q not found", sessionID), err)
	}
	if info.State == "running" {
		return rec, nil
	}

	if err := e.docker.RestartContainer(ctx, sessionID); err != nil {
		return nil, apierr.Wrap(apierr.SessionNotFound, fmt.Sprintf("session %q could not be restarted", sessionID), err)
	}
	info, err = e.docker.InspectContainer(ctx, sessionID)
	if err != nil || info.State != "running" {
		return nil, apierr.New(apierr.SessionNotFound, fmt.Sprintf("session %q remains non-running after restart", sessionID))
	}
	return rec, nil
}

// RunOnSession extracts an optional archive, executes commands in order,
// and optionally produces a patch, per the READY-state contract.
func (e *Engine) RunOnSession(ctx context.Context, sessionID string, req RunRequest) (RunResponse, error) {
	rec, err := e.ensureRunning(ctx, sessionID)
	if err != nil {
		return RunResponse{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	var baseline []byte
	if len(req.Archive) > 0 {
		sanitized, err := archive.Sanitize(bytes.NewReader(req.Archive), archive.Identity{UID: e.cfg.RunUID, GID: e.cfg.RunGID})
		if err != nil {
			return RunResponse{}, err
		}
		baseline = sanitized

		destRoot := RepoRoot
		if rec.ephemeral {
			if _, err := e.docker.Exec(ctx, sessionID, dockerengine.ExecSpec{
				Cmd:  []string{"/bin/sh", "-c", fmt.Sprintf("rm -rf -- %s/.[!.]* %s/*", destRoot, destRoot)},
				User: "root",
			}); err != nil {
				return RunResponse{}, err
			}
		}
		if err := e.docker.PutArchive(ctx, sessionID, destRoot, sanitized); err != nil {
			return RunResponse{}, err
		}
		if _, err := e.docker.Exec(ctx, sessionID, dockerengine.ExecSpec{
			Cmd:  []string{"chmod", "-R", "a+rX,u+w", "--", destRoot},
			User: "root",
		}); err != nil {
			return RunResponse{}, err
		}
		if _, err := e.docker.Exec(ctx, sessionID, dockerengine.ExecSpec{
			Cmd:  []string{"chown", "-R", e.identity(), "--", destRoot},
			User: "root",
		}); err != nil {
			return RunResponse{}, err
		}
		rec.lastArchiveBaseline = sanitized
	}

	workdir := resolvePath(req.Workdir, RepoRoot)

	execTimer := metrics.ExecDuration.WithLabelValues(strconv.FormatBool(req.FailFast))
	results := make([]RunResult, 0, len(req.Commands))
	for _, cmd := range req.Commands {
		timer := metrics.NewTimer()
		res, err := e.docker.Exec(ctx, sessionID, dockerengine.ExecSpec{
			Cmd:     []string{"/bin/sh", "-c", cmd},
			Env:     execEnv(),
			WorkDir: workdir,
			User:    e.identity(),
		})
		timer.ObserveDuration(execTimer)
		if err != nil {
			return RunResponse{}, err
		}
		results = append(results, RunResult{Command: cmd, Output: res.Output, ExitCode: res.ExitCode, Workdir: workdir})
		if req.FailFast && res.ExitCode != 0 {
			break
		}
	}

	resp := RunResponse{Results: results}

	if rec.patchEnabled {
		if baseline == nil {
			baseline = rec.lastArchiveBaseline
		}
		if baseline != nil {
			patch, err := e.buildPatch(ctx, rec, baseline)
			if err != nil {
				return RunResponse{}, err
			}
			resp.Patch = patch
		}
	}

	return resp, nil
}

// CloseSession tears down the patch-extractor (if any), then the executor,
// then the shared workspace volume, swallowing NotFound/VolumeInUse so
// that closing an already-closed or unknown session still succeeds.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) error {
	rec, err := e.lookup(ctx, sessionID)
	if err != nil {
		if apierr.CodeOf(err) == apierr.SessionNotFound || apierr.CodeOf(err) == apierr.ContainerGone {
			return nil
		}
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return nil
	}

	// Attempt every teardown step even if an earlier one fails, so a stuck
	// patch-extractor never leaves the executor or volume leaked behind it.
	var result *multierror.Error
	if rec.patchExtractorID != "" {
		if err := e.docker.RemoveContainer(ctx, rec.patchExtractorID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := e.docker.RemoveContainer(ctx, rec.executorID); err != nil {
		result = multierror.Append(result, err)
	}
	if rec.workdirVolume != "" {
		if err := e.docker.RemoveVolume(ctx, rec.workdirVolume); err != nil && apierr.CodeOf(err) != apierr.VolumeInUse {
			result = multierror.Append(result, err)
		}
	}

	rec.closed = true
	e.mu.Lock()
	delete(e.cache, sessionID)
	e.mu.Unlock()

	err = result.ErrorOrNil()
	logEvent := logging.WithSessionID(sessionID).Info()
	if err != nil {
		logEvent = logging.WithSessionID(sessionID).Warn().Err(err)
	}
	logEvent.Msg("session closed")

	return err
}

// resolvePath resolves a possibly-relative path under root; an empty input
// resolves to root itself.
func resolvePath(path, root string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return root
	}
	if strings.HasPrefix(path, "/") {
		return path
	}
	return root + "/" + path
}
