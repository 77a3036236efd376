package models

import (
	"fmt"
	"time"
)

const ComputeEnvAvailable = "AVAILABLE"

// timeLayout is the RFC 3339 form the platform uses for every date field.
const timeLayout = "2006-01-02T15:04:05Z"

type Label struct {
	ID         int64
	Name       string
	Value      string
	IsResource bool
}

// ComputeEnvSummary is the projection returned by the list endpoint.
type ComputeEnvSummary struct {
	ID      string
	Name    string
	Status  string
	WorkDir string
}

type ComputeEnvironment struct {
	ID           string
	Name         string
	Status       string
	WorkDir      string
	PreRunScript string
	CreatedAt    time.Time
	Labels       []Label
}

func (c ComputeEnvironment) LabelIDs() []int64 {
	ids := make([]int64, 0, len(c.Labels))
	for _, l := range c.Labels {
		ids = append(ids, l.ID)
	}
	return ids
}

// ParseTime parses a platform timestamp. Empty strings yield the zero time.
func ParseTime(text string) (time.Time, error) {
	if text == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, text)
	if err != nil {
		if t, err2 := time.Parse(time.RFC3339Nano, text); err2 == nil {
			return t.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("parse platform time %q: %w", text, err)
	}
	return t.UTC(), nil
}
