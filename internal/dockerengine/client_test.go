package dockerengine

import (
	"context"
	"errors"
	"testing"

	"github.com/sandboxbroker/sandboxd/internal/apierr"
)

func TestTranslateMapsContextDeadlineToEngineUnavailable(t *testing.T) {
	err := translate(context.DeadlineExceeded, "timed out")
	if apierr.CodeOf(err) != apierr.EngineUnavailable {
		t.Fatalf("CodeOf = %v, want %v", apierr.CodeOf(err), apierr.EngineUnavailable)
	}
}

func TestTranslateDefaultsToEngineError(t *testing.T) {
	err := translate(errors.New("boom"), "failed")
	if apierr.CodeOf(err) != apierr.EngineError {
		t.Fatalf("CodeOf = %v, want %v", apierr.CodeOf(err), apierr.EngineError)
	}
}

func TestTranslateNilIsNil(t *testing.T) {
	if translate(nil, "irrelevant") != nil {
		t.Fatalf("expected nil error to pass through unchanged")
	}
}

func TestBuildMountsTranslatesReadOnlyFlag(t *testing.T) {
	mounts := buildMounts([]mountSpec{
		{source: "workdir-vol", target: "/repo", readOnly: false},
		{source: "workdir-vol", target: "/workdir/new", readOnly: true},
	})
	if len(mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(mounts))
	}
	if mounts[0].ReadOnly {
		t.Fatalf("expected first mount to be writable")
	}
	if !mounts[1].ReadOnly {
		t.Fatalf("expected second mount to be read-only")
	}
}

func TestBuildMountsEmptyIsNil(t *testing.T) {
	if buildMounts(nil) != nil {
		t.Fatalf("expected nil slice for no mounts")
	}
}

func TestNetworkModeFor(t *testing.T) {
	if networkModeFor(true) != "bridge" {
		t.Fatalf("expected bridge network mode when enabled")
	}
	if networkModeFor(false) != "none" {
		t.Fatalf("expected none network mode when disabled")
	}
}
