package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/remote"
)

type errorResponse struct {
	Error     string `json:"error"`
	Op        string `json:"op,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

func statusFor(err error) int {
	var inconsistent *domain.ReferentialInconsistencyError
	switch {
	case errors.As(err, &inconsistent):
		return http.StatusInternalServerError
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrMissingSession):
		return http.StatusUnauthorized
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, remote.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, remote.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, remote.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err as JSON. Referential inconsistencies carry the ids
// of the documents that are out of step.
func writeError(c echo.Context, logger *log.Logger, err error) error {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var inconsistent *domain.ReferentialInconsistencyError
	if errors.As(err, &inconsistent) {
		resp.Op = inconsistent.Op
		resp.TaskID = inconsistent.TaskID
		resp.ProjectID = inconsistent.ProjectID
	}
	if status >= http.StatusInternalServerError {
		logger.WithFields(log.Fields{
			"method": c.Request().Method,
			"path":   c.Path(),
			"status": status,
		}).WithError(err).Error("request failed")
	}
	return c.JSON(status, resp)
}
