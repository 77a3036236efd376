package resolver

import "fmt"

// NoMatchError means no resource satisfied the selection criteria.
type NoMatchError struct {
	Resource string
	Filter   string
}

func (e *NoMatchError) Error() string {
	if e.Filter == "" {
		return fmt.Sprintf("no eligible %s found", e.Resource)
	}
	return fmt.Sprintf("no eligible %s found matching %q", e.Resource, e.Filter)
}
