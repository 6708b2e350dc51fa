package api

import (
	"errors"
	"net/http"

	"github.com/ignite/push-dispatch/internal/pkg/httputil"
	"github.com/ignite/push-dispatch/internal/pkg/logger"
	"github.com/ignite/push-dispatch/internal/segmentation"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

// respondError maps service errors to status codes. 4xx messages describe
// the caller's mistake; anything unrecognised is logged and returned as a
// generic 500 so storage details never reach the client.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, dispatch.ErrSegmentNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, dispatch.ErrNotSendable), errors.Is(err, dispatch.ErrInvalidTransition):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, segmentation.ErrInvalidRule):
		httputil.BadRequest(w, err.Error())
	default:
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
	}
}
