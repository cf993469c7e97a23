package httpx

import (
	"errors"
	"net/http"

	"github.com/splax/launchpad/internal/service/build"
	"github.com/splax/launchpad/internal/service/project"
)

// statusForError maps service errors to a status code and client message.
// Anything unclassified is reported as a generic 500.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, project.ErrInvalidSlugFormat),
		errors.Is(err, project.ErrInvalidEnvConfig),
		errors.Is(err, build.ErrMissingField):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, project.ErrAccessDenied):
		return http.StatusForbidden, "access denied: slug belongs to another user"
	case errors.Is(err, project.ErrNotFound):
		return http.StatusNotFound, "project not found"
	case errors.Is(err, build.ErrNotFound):
		return http.StatusNotFound, "build not found"
	case errors.Is(err, build.ErrBuildInProgress):
		return http.StatusConflict, err.Error()
	case errors.Is(err, project.ErrSlugGenerationExhausted):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	status, msg := statusForError(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", "error", err)
	}
	writeError(w, status, msg)
}
