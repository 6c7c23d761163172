package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/sandboxbroker/sandboxd/internal/apierr"
)

func buildTar(t *testing.T, entries []tar.Header, bodies map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for i := range entries {
		hdr := entries[i]
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(bodies[hdr.Name]))
		}
		if err := tw.WriteHeader(&hdr); err != nil {
			t.Fatalf("write header %q: %v", hdr.Name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(bodies[hdr.Name])); err != nil {
				t.Fatalf("write body %q: %v", hdr.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	return buf.Bytes()
}

func readTar(t *testing.T, data []byte) map[string]*tar.Header {
	t.Helper()
	out := make(map[string]*tar.Header)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read normalized tar: %v", err)
		}
		cp := *hdr
		out[hdr.Name] = &cp
	}
	return out
}

func TestSanitizeNormalizesOwnershipAndMode(t *testing.T) {
	raw := buildTar(t, []tar.Header{
		{Name: "dir", Typeflag: tar.TypeDir, Mode: 0o700, Uid: 501, Gid: 20},
		{Name: "dir/script.sh", Typeflag: tar.TypeReg, Mode: 0o600, Uid: 501, Gid: 20},
	}, map[string]string{"dir/script.sh": "#!/bin/sh\necho hi\n"})

	out, err := Sanitize(bytes.NewReader(raw), Identity{UID: 1000, GID: 1000})
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	members := readTar(t, out)

	dir, ok := members["dir"]
	if !ok {
		t.Fatalf("missing dir entry")
	}
	if dir.Uid != 1000 || dir.Gid != 1000 {
		t.Fatalf("dir ownership not rewritten: %+v", dir)
	}
	if dir.Mode != 0o755 {
		t.Fatalf("dir mode = %o, want 0755", dir.Mode)
	}

	file, ok := members["dir/script.sh"]
	if !ok {
		t.Fatalf("missing file entry")
	}
	if file.Uid != 1000 || file.Gid != 1000 {
		t.Fatalf("file ownership not rewritten: %+v", file)
	}
	if file.Mode != 0o644 {
		t.Fatalf("non-executable file mode = %o, want 0644", file.Mode)
	}
}

func TestSanitizePreservesExecuteBitOnFiles(t *testing.T) {
	raw := buildTar(t, []tar.Header{
		{Name: "run.sh", Typeflag: tar.TypeReg, Mode: 0o700},
	}, map[string]string{"run.sh": "echo hi\n"})

	out, err := Sanitize(bytes.NewReader(raw), Identity{UID: 1000, GID: 1000})
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	members := readTar(t, out)
	if members["run.sh"].Mode != 0o755 {
		t.Fatalf("executable file mode = %o, want 0755", members["run.sh"].Mode)
	}
}

func TestSanitizeRejectsPathTraversal(t *testing.T) {
	raw := buildTar(t, []tar.Header{
		{Name: "../escape.txt", Typeflag: tar.TypeReg, Mode: 0o644},
	}, map[string]string{"../escape.txt": "x"})

	_, err := Sanitize(bytes.NewReader(raw), Identity{UID: 1000, GID: 1000})
	if apierr.CodeOf(err) != apierr.InvalidArchive {
		t.Fatalf("expected InvalidArchive, got %v", err)
	}
}

func TestSanitizeRejectsAbsolutePath(t *testing.T) {
	raw := buildTar(t, []tar.Header{
		{Name: "/etc/passwd", Typeflag: tar.TypeReg, Mode: 0o644},
	}, map[string]string{"/etc/passwd": "x"})

	_, err := Sanitize(bytes.NewReader(raw), Identity{UID: 1000, GID: 1000})
	if apierr.CodeOf(err) != apierr.InvalidArchive {
		t.Fatalf("expected InvalidArchive, got %v", err)
	}
}

func TestSanitizeRejectsSymlinks(t *testing.T) {
	raw := buildTar(t, []tar.Header{
		{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd", Mode: 0o777},
	}, nil)

	_, err := Sanitize(bytes.NewReader(raw), Identity{UID: 1000, GID: 1000})
	if apierr.CodeOf(err) != apierr.InvalidArchive {
		t.Fatalf("expected InvalidArchive, got %v", err)
	}
}

func TestSanitizeStripsLeadingDotSlash(t *testing.T) {
	raw := buildTar(t, []tar.Header{
		{Name: "./a.txt", Typeflag: tar.TypeReg, Mode: 0o644},
	}, map[string]string{"./a.txt": "x"})

	out, err := Sanitize(bytes.NewReader(raw), Identity{UID: 1000, GID: 1000})
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	members := readTar(t, out)
	if _, ok := members["a.txt"]; !ok {
		t.Fatalf("expected normalized path %q, got %+v", "a.txt", members)
	}
}

func TestSanitizeAcceptsGzipFramedInput(t *testing.T) {
	raw := buildTar(t, []tar.Header{
		{Name: "a.txt", Typeflag: tar.TypeReg, Mode: 0o644},
	}, map[string]string{"a.txt": "hello"})

	var gzbuf bytes.Buffer
	gz := gzip.NewWriter(&gzbuf)
	if _, err := gz.Write(raw); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	out, err := Sanitize(bytes.NewReader(gzbuf.Bytes()), Identity{UID: 1000, GID: 1000})
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	members := readTar(t, out)
	if _, ok := members["a.txt"]; !ok {
		t.Fatalf("expected a.txt in normalized output, got %+v", members)
	}
}

func TestSanitizeIsDeterministic(t *testing.T) {
	raw := buildTar(t, []tar.Header{
		{Name: "a.txt", Typeflag: tar.TypeReg, Mode: 0o644},
		{Name: "b", Typeflag: tar.TypeDir, Mode: 0o750},
	}, map[string]string{"a.txt": "hello"})

	first, err := Sanitize(bytes.NewReader(raw), Identity{UID: 1000, GID: 1000})
	if err != nil {
		t.Fatalf("Sanitize (first): %v", err)
	}
	second, err := Sanitize(bytes.NewReader(raw), Identity{UID: 1000, GID: 1000})
	if err != nil {
		t.Fatalf("Sanitize (second): %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("Sanitize output is not deterministic across runs")
	}
}
