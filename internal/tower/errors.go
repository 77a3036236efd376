package tower

import (
	"fmt"
	"strings"
)

// RequestError reports a failed HTTP exchange: either the transport failed
// (Cause is set) or the platform answered with a non-2xx status.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Cause      error
}

func (e *RequestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tower request %s %s failed: %v", e.Method, e.Path, e.Cause)
	}
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("tower request %s %s failed (status=%d)", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("tower request %s %s failed (status=%d): %s", e.Method, e.Path, e.StatusCode, body)
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}

// ProtocolError reports a response that does not have the expected shape.
type ProtocolError struct {
	Path    string
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tower protocol error on %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("tower protocol error on %s: %s", e.Path, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}
