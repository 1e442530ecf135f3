package executor

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ceciliomichael/antigravity-gateway/internal/auth"
)

// StatusError is a dispatch failure with the HTTP status the gateway should answer with.
type StatusError struct {
	Code    int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusCode maps a dispatch error to an HTTP status.
func StatusCode(err error) int {
	var se *StatusError
	var pre *auth.ProjectRequiredError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &se):
		return se.Code
	case errors.As(err, &pre):
		return http.StatusPreconditionFailed
	case errors.Is(err, auth.ErrNoAccounts), errors.Is(err, auth.ErrInvalidGrant):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrMissingClientSecret):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
