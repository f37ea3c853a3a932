// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them. Every
// error response carries an HTTP status and one of these codes:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "conflict",
//	  "message": "batch already open"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-watchbot/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeInvalidState = "invalid_state"
	ErrCodeNoOpenBatch  = "no_open_batch"
	ErrCodeDuplicate    = "duplicate_resource"
	ErrCodeValidation   = "validation_failed"
	ErrCodeStatsFailed  = "stats_failed"
)

// failService maps a service error to a status and code. Unknown errors
// become 500 without leaking their text.
func failService(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrInvalidState):
		fail(c, http.StatusConflict, ErrCodeInvalidState, err.Error())
	case errors.Is(err, services.ErrNoOpenBatch):
		fail(c, http.StatusConflict, ErrCodeNoOpenBatch, err.Error())
	case errors.Is(err, services.ErrDuplicateResource):
		fail(c, http.StatusConflict, ErrCodeDuplicate, err.Error())
	case errors.Is(err, services.ErrBatchNotFound), errors.Is(err, services.ErrUserNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrEmptyContent), errors.Is(err, services.ErrInvalidKind):
		fail(c, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
