package marzban

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthenticationError means the panel rejected our admin credentials.
type AuthenticationError struct {
	Body string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Body)
}

// APIError is any non-2xx panel response other than an auth failure.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s (status: %d)", e.Body, e.Status)
}

// IsNotFound reports whether err is a 404 from the panel. Callers treat
// this as "not provisioned", not as a fatal condition.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
