package orchestrator

import (
	"fmt"
	"strings"
)

// AmbiguousStateError means more than one unfinished run matches the same
// logical launch. It is surfaced rather than resolved.
type AmbiguousStateError struct {
	Pipeline string
	RunName  string
	RunIDs   []string
}

func (e *AmbiguousStateError) Error() string {
	return fmt.Sprintf("%d unfinished runs match pipeline %q run name %q: %s",
		len(e.RunIDs), e.Pipeline, e.RunName, strings.Join(e.RunIDs, ", "))
}
