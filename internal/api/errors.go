package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/scry-batch/internal/api/shared"
	"github.com/phrazzld/scry-batch/internal/batch"
)

// ErrInvalidJobID is returned when a path does not carry a valid job UUID.
var ErrInvalidJobID = errors.New("invalid job id")

// MapErrorToStatusCode maps engine errors to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, batch.ErrValidation),
		errors.Is(err, ErrInvalidJobID):
		return http.StatusBadRequest
	case errors.Is(err, batch.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-safe message for err.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, ErrInvalidJobID):
		return "Invalid job ID"
	case errors.Is(err, batch.ErrValidation):
		return "Validation failed"
	case errors.Is(err, batch.ErrNotFound):
		return "Batch job not found"
	case errors.Is(err, batch.ErrFatalSetup):
		return "Failed to start batch job"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the error response for err. Validation failures carry
// the rejected fields.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status := MapErrorToStatusCode(err)

	var opts []shared.ResponseOption
	var verr *batch.ValidationError
	if errors.As(err, &verr) {
		opts = append(opts, shared.WithDetails(verr.Fields))
	}

	shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err, opts...)
}
