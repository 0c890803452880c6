// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"errors"
	"net/http"

	"github.com/slotbook/slotbook/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var (
		validation *shared.ValidationError
		forbidden  *shared.ForbiddenError
		notFound   *shared.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		Problem(w, http.StatusBadRequest, "Validation Failed", validation.Error())
	case errors.As(err, &forbidden):
		Problem(w, http.StatusForbidden, "Forbidden", forbidden.Error())
	case errors.As(err, &notFound):
		Problem(w, http.StatusNotFound, "Not Found", notFound.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
