package orchestrator

import (
	"strconv"
	"strings"
)

// IncrementSuffix bumps the numeric counter after the last underscore, or
// appends "_2" when there is no counter.
//
//	foo     -> foo_2
//	foo_    -> foo_2
//	foo_1   -> foo_2
//	foo_99  -> foo_100
//	foo_bar -> foo_bar_2
func IncrementSuffix(name string) string {
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return name + "_2"
	}
	head, suffix := name[:idx], name[idx+1:]
	if suffix == "" {
		return head + "_2"
	}
	n, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return name + "_2"
	}
	return head + "_" + strconv.FormatUint(n+1, 10)
}
