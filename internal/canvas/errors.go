package canvas

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized marks a Canvas call that was still rejected after the
// token refresh. Callers treat it as "credentials need attention", never as
// "resource missing".
var ErrUnauthorized = errors.New("canvas: unauthorized")

// APIError is a failed Canvas REST/AGS call. Status is the provider's.
type APIError struct {
	Status  int
	Message string
	URL     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("canvas %s: %d %s", e.URL, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// IsNotFound reports whether err is a 404 from Canvas.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// OAuthError is the token endpoint's {"error","error_description"} reply.
type OAuthError struct {
	Status      int
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("canvas oauth: %s: %s", e.Code, e.Description)
	}
	return "canvas oauth: " + e.Code
}
