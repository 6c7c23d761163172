// Package archive normalizes untrusted tar (optionally gzip-framed) streams
// into a safe, deterministic tar archive suitable for extraction inside a
// sandbox container.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"time"

	"github.com/sandboxbroker/sandboxd/internal/apierr"
)

// gzipMagic is the two-byte gzip header used to sniff compressed input
// before falling back to a plain tar reader.
var gzipMagic = []byte{0x1f, 0x8b}

// Identity is the sandbox uid/gid and ownership every normalized member is
// rewritten to.
type Identity struct {
	UID int
	GID int
}

// Sanitize reads a (possibly gzip-compressed) tar stream and returns an
// uncompressed tar archive whose members satisfy the sandbox's safety
// invariants: only regular files and directories, relative paths with no
// ".." segments, rewritten ownership/timestamps, and normalized
// permissions. It fails with an apierr of code InvalidArchive on any
// violation.
func Sanitize(r io.Reader, id Identity) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidArchive, "failed to read archive bytes", err)
	}

	tr, closeReader, err := openTarReader(raw)
	if err != nil {
		return nil, err
	}
	defer closeReader()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apierr.Wrap(apierr.InvalidArchive, "malformed tar stream", err)
		}

		outHdr, include, err := normalizeHeader(hdr, id)
		if err != nil {
			return nil, err
		}
		if !include {
			continue
		}

		if err := tw.WriteHeader(outHdr); err != nil {
			return nil, apierr.Wrap(apierr.InvalidArchive, "failed to write normalized header", err)
		}
		if outHdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return nil, apierr.Wrap(apierr.InvalidArchive, fmt.Sprintf("failed to read file %q", outHdr.Name), err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, apierr.Wrap(apierr.InvalidArchive, "failed to finalize tar stream", err)
	}
	return buf.Bytes(), nil
}

// openTarReader sniffs raw for a gzip header and returns a tar.Reader over
// the (possibly decompressed) bytes, plus a closer for the gzip reader when
// one was opened.
func openTarReader(raw []byte) (*tar.Reader, func(), error) {
	noop := func() {}
	if len(raw) >= 2 && bytes.Equal(raw[:2], gzipMagic) {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, noop, apierr.Wrap(apierr.InvalidArchive, "invalid gzip framing", err)
		}
		return tar.NewReader(gz), func() { _ = gz.Close() }, nil
	}
	return tar.NewReader(bytes.NewReader(raw)), noop, nil
}

// normalizeHeader applies the path, ownership, timestamp, and permission
// policy from the sanitizer contract. include is false when the member
// should be silently skipped (empty/root entries); an error is returned
// when the member itself must be rejected.
func normalizeHeader(hdr *tar.Header, id Identity) (*tar.Header, bool, error) {
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeRegA:
		hdr.Typeflag = tar.TypeReg
	case tar.TypeDir:
		// ok
	default:
		return nil, false, apierr.New(apierr.InvalidArchive, fmt.Sprintf("disallowed tar member type for %q", hdr.Name))
	}

	name, skip, err := normalizePath(hdr.Name)
	if err != nil {
		return nil, false, err
	}
	if skip {
		return nil, false, nil
	}

	isDir := hdr.Typeflag == tar.TypeDir
	mode := normalizeMode(hdr.Mode, isDir)

	out := &tar.Header{
		Name:     name,
		Typeflag: hdr.Typeflag,
		Size:     hdr.Size,
		Mode:     mode,
		Uid:      id.UID,
		Gid:      id.GID,
		Uname:    "",
		Gname:    "",
		ModTime:  epoch,
	}
	if isDir {
		out.Size = 0
	}
	return out, true, nil
}

// normalizePath strips a leading "./", rejects absolute paths and ".."
// traversal, and reports whether the (now-empty) entry should be skipped.
func normalizePath(name string) (string, bool, error) {
	cleaned := name
	for len(cleaned) >= 2 && cleaned[0] == '.' && cleaned[1] == '/' {
		cleaned = cleaned[2:]
	}
	if cleaned == "." || cleaned == "" {
		return "", true, nil
	}
	if cleaned[0] == '/' {
		return "", false, apierr.New(apierr.InvalidArchive, fmt.Sprintf("absolute path not allowed: %q", name))
	}
	if containsDotDotSegment(cleaned) {
		return "", false, apierr.New(apierr.InvalidArchive, fmt.Sprintf("path traversal not allowed: %q", name))
	}
	return cleaned, false, nil
}

func containsDotDotSegment(p string) bool {
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if p[start:i] == ".." {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// normalizeMode mirrors `chmod -R a+rX,u+w`: mask to the permission bits,
// clear setuid/setgid/sticky, add a+r and u+w, and set a+x iff the entry is
// a directory or any execute bit was present in the input.
func normalizeMode(mode int64, isDir bool) int64 {
	perm := mode & 0o777
	hadExec := perm&0o111 != 0
	perm |= 0o444 // a+r
	perm |= 0o200 // u+w
	if isDir || hadExec {
		perm |= 0o111 // a+x
	}
	return perm
}

// epoch is the fixed modification time written to every normalized member,
// so that two sanitizer runs over equivalent input always produce
// byte-identical output.
var epoch = time.Unix(0, 0).UTC()
