package indexer

import (
	"errors"
	"fmt"
)

// ConfigurationError means the site rejected the configured credentials, a
// captcha is missing, or the login response carried a site-specific error.
// It is never retried automatically.
type ConfigurationError struct {
	Indexer string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("indexer %s: configuration error: %s", e.Indexer, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool {
	_, ok := target.(*ConfigurationError)
	return ok
}

// SessionExpiredError is returned when the single automatic
// re-authentication did not produce a usable session.
type SessionExpiredError struct {
	Indexer string
	Err     error
}

func (e *SessionExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("indexer %s: session expired and re-authentication failed: %v", e.Indexer, e.Err)
	}
	return fmt.Sprintf("indexer %s: session expired and re-authentication failed", e.Indexer)
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

func (e *SessionExpiredError) Is(target error) bool {
	_, ok := target.(*SessionExpiredError)
	return ok
}

// TransportError wraps network failures, timeouts and unexpected HTTP status
// codes. StatusCode is zero when no response was received.
type TransportError struct {
	Indexer    string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("indexer %s: request to %s returned status %d", e.Indexer, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("indexer %s: request to %s failed: %v", e.Indexer, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	_, ok := target.(*TransportError)
	return ok
}

// RowParseError describes one result row that could not be converted. It is
// collected and logged; it never fails the query.
type RowParseError struct {
	Indexer string
	Index   int
	Row     RawRow
	Err     error
}

func (e *RowParseError) Error() string {
	return fmt.Sprintf("indexer %s: row %d (%q): %v", e.Indexer, e.Index, e.Row.Title, e.Err)
}

func (e *RowParseError) Unwrap() error { return e.Err }

func (e *RowParseError) Is(target error) bool {
	_, ok := target.(*RowParseError)
	return ok
}

// ResponseStructureError means the result container itself was missing or
// unparsable, which usually indicates the site changed its layout.
type ResponseStructureError struct {
	Indexer string
	Err     error
}

func (e *ResponseStructureError) Error() string {
	return fmt.Sprintf("indexer %s: unexpected response structure: %v", e.Indexer, e.Err)
}

func (e *ResponseStructureError) Unwrap() error { return e.Err }

func (e *ResponseStructureError) Is(target error) bool {
	_, ok := target.(*ResponseStructureError)
	return ok
}

var (
	// ErrIndexerNotFound is returned for unknown indexer keys.
	ErrIndexerNotFound = errors.New("indexer not found")
	// ErrIndexerDisabled is returned when searching a disabled indexer directly.
	ErrIndexerDisabled = errors.New("indexer is disabled")
	// ErrNoContainer can be returned by row parsers when the result container is absent.
	ErrNoContainer = errors.New("result container not found")
	// ErrNoLogin is returned when authentication is requested for a site without a login.
	ErrNoLogin = errors.New("indexer does not support login")
)

// IsSessionFailure reports whether err means the site needs reconfiguration.
func IsSessionFailure(err error) bool {
	return errors.Is(err, &ConfigurationError{}) || errors.Is(err, &SessionExpiredError{})
}
