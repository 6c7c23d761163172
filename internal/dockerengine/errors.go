package dockerengine

import (
	"context"
	"errors"

	dockerclient "github.com/docker/docker/client"

	"github.com/sandboxbroker/sandboxd/internal/apierr"
)

// translate maps a Docker SDK error (or context error) onto the broker's
// error taxonomy. It is the single place where engine-specific error types
// cross into apierr.Code values; nothing above this package inspects
// *dockerclient errors directly.
func translate(err error, message string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apierr.Wrap(apierr.EngineUnavailable, message, err)
	case dockerclient.IsErrNotFound(err):
		return apierr.Wrap(apierr.ContainerGone, message, err)
	case dockerclient.IsErrConnectionFailed(err):
		return apierr.Wrap(apierr.EngineUnavailable, message, err)
	default:
		return apierr.Wrap(apierr.EngineError, message, err)
	}
}
