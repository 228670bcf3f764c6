package importer

import (
	"context"
	"errors"
	"net/http"

	"census-import/internal/models"
	"census-import/internal/source"
)

var (
	ErrNotFound          = models.ErrNotFound
	ErrSourceUnavailable = source.ErrUnavailable
	ErrPersistence       = errors.New("persistence error")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrTimeout           = errors.New("operation timed out")
	ErrChunkFailed       = errors.New("chunk failed")
	ErrInvalidSource     = errors.New("invalid source")
)

// IsTransient reports whether retrying the same call may succeed. Failed
// chunks and invalid sources are final; the job is already failed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChunkFailed) || errors.Is(err, ErrInvalidSource) {
		return false
	}
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrPersistence) ||
		errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus maps an importer error onto a response code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidSource):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrSourceUnavailable), errors.Is(err, ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
