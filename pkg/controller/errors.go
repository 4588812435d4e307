package controller

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/holon-run/restspawner/pkg/redact"
)

// maxErrorBody bounds how much of a failure response is kept for diagnostics.
const maxErrorBody = 4096

// ErrLabNotFound is returned by GetLab when the controller has no record of
// the user's lab.
var ErrLabNotFound = errors.New("lab not found")

// WebError is a failure talking to the controller. Status is zero when no
// response was received at all (DNS, connect, TLS or read failures).
type WebError struct {
	Method string
	URL    string
	Status int
	Reason string
	Body   string
	Err    error
}

func (e *WebError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("failed to %s %s: %v", e.Method, e.URL, e.Err)
	}
	msg := fmt.Sprintf("status %d", e.Status)
	if e.Reason != "" {
		msg += " " + e.Reason
	}
	msg += fmt.Sprintf(" from %s %s", e.Method, e.URL)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *WebError) Unwrap() error {
	return e.Err
}

// MissingFieldError is returned when a controller reply lacks a required field.
type MissingFieldError struct {
	Field string
	User  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("invalid lab status for %s: missing %s", e.User, e.Field)
}

func transportError(req *http.Request, err error) *WebError {
	return &WebError{
		Method: req.Method,
		URL:    req.URL.String(),
		Err:    err,
	}
}

// responseError consumes and closes the response body. Credentials echoed
// back by the controller or a proxy are scrubbed from the kept body.
func responseError(req *http.Request, resp *http.Response) *WebError {
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	return &WebError{
		Method: req.Method,
		URL:    req.URL.String(),
		Status: resp.StatusCode,
		Reason: reason,
		Body:   redact.String(strings.TrimSpace(string(body)), redact.BearerToken(req.Header.Get("Authorization"))),
	}
}
