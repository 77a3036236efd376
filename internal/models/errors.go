package models

import (
	"fmt"
	"strings"
)

// InvalidSpecError reports a launch request the caller must fix. It is never
// worth retrying.
type InvalidSpecError struct {
	Fields  []string
	Message string
	Cause   error
}

func (e *InvalidSpecError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "invalid fields: " + strings.Join(e.Fields, ", ")
	}
	return fmt.Sprintf("invalid launch spec: %s", msg)
}

func (e *InvalidSpecError) Unwrap() error {
	return e.Cause
}
