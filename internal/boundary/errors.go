package boundary

import (
	"errors"
	"fmt"
)

// ConfigurationError is returned when a required selection is missing, such as
// calling the local backend without a model. It is never retried.
type ConfigurationError struct {
	Setting string
	Msg     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Msg)
}

// UnavailableError is returned when no backend connection exists.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("backend %s unavailable", e.Backend)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// BackendError is returned on a non-success transport response. StatusCode
// is zero when the failure happened before a response was received.
type BackendError struct {
	Backend    string
	StatusCode int
	Body       string
	Err        error
}

func (e *BackendError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("backend %s returned status %d: %s", e.Backend, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("backend %s request failed: %v", e.Backend, e.Err)
	default:
		return fmt.Sprintf("backend %s request failed", e.Backend)
	}
}

func (e *BackendError) Unwrap() error { return e.Err }

// maxRawInError bounds how much of an LLM payload is carried for diagnostics.
const maxRawInError = 200

// ParseError is returned when LLM output cannot be turned into records even
// after repair. Raw holds a truncated copy of the original text.
type ParseError struct {
	Raw string
	Err error
}

// NewParseError builds a ParseError, truncating raw to a diagnostic excerpt.
func NewParseError(raw string, err error) *ParseError {
	return &ParseError{Raw: Truncate(raw, maxRawInError), Err: err}
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to parse LLM response: %v (raw: %q)", e.Err, e.Raw)
	}
	return fmt.Sprintf("failed to parse LLM response (raw: %q)", e.Raw)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NotFoundError is returned when an operation references an unknown entity.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("character %q not found", e.Name)
}

// InvalidStateError marks an internal invariant violation.
type InvalidStateError struct {
	Msg string
}

func (e *InvalidStateError) Error() string {
	return "invalid state: " + e.Msg
}

// IsPermanent reports whether err is structural and must not be retried.
func IsPermanent(err error) bool {
	var (
		cfgErr      *ConfigurationError
		notFoundErr *NotFoundError
		stateErr    *InvalidStateError
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &notFoundErr), errors.As(err, &stateErr):
		return true
	}
	return false
}

// Truncate shortens s to at most n bytes, marking the cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
