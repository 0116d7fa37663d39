// Package dedup decides whether a candidate task duplicates one already stored.
package dedup

import (
	"reflect"
	"sort"

	"taskmanager/internal/task"
)

// Equal reports whether a and b describe the same task configuration: same kind,
// interval, unit and structurally equal parameters. Names are ignored. List-valued
// parameters compare in order.
func Equal(a, b task.Record) bool {
	if a.Kind != b.Kind || a.Interval != b.Interval || a.Unit != b.Unit {
		return false
	}
	if len(a.Params) == 0 && len(b.Params) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Params, b.Params)
}

// IsDuplicate reports whether any existing record equals candidate.
func IsDuplicate(existing []task.Record, candidate task.Record) bool {
	for _, r := range existing {
		if Equal(r, candidate) {
			return true
		}
	}
	return false
}

// Find returns the name of the stored record equal to candidate. When several match
// (a hand-edited table), the lexically smallest name wins.
func Find(existing map[string]task.Record, candidate task.Record) (string, bool) {
	var hits []string
	for name, r := range existing {
		if Equal(r, candidate) {
			hits = append(hits, name)
		}
	}
	if len(hits) == 0 {
		return "", false
	}
	sort.Strings(hits)
	return hits[0], true
}
