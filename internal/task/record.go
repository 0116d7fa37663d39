package task

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Params holds kind-specific task arguments (scalars and lists).
type Params map[string]any

// Detail is free-form structured output of a handler run.
type Detail map[string]any

// Record is a persisted task definition. Records are immutable once added;
// editing a task is remove + add.
type Record struct {
	Name     string `json:"-"`
	Kind     Kind   `json:"kind"`
	Interval int    `json:"interval"`
	Unit     Unit   `json:"unit"`
	Params   Params `json:"parameters"`
}

// NewRecord validates input and returns a candidate record without a name.
//
// Params are normalized (see NormalizeParams) so the candidate compares equal to the
// same record after a save/load round trip.
func NewRecord(kind Kind, interval int, unit Unit, params Params) (Record, error) {
	if !kind.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownTaskKind, string(kind))
	}
	if interval <= 0 {
		return Record{}, fmt.Errorf("%w: interval must be > 0, got %d", ErrValidation, interval)
	}
	if _, err := (Record{Interval: interval, Unit: unit}).Every(); err != nil {
		return Record{}, err
	}
	norm, err := NormalizeParams(params)
	if err != nil {
		return Record{}, err
	}
	if err := CheckRequired(kind, norm); err != nil {
		return Record{}, err
	}
	return Record{Kind: kind, Interval: interval, Unit: unit, Params: norm}, nil
}

// CheckRequired reports the first required key (in sorted order) missing from params.
// A key whose value is nil counts as missing.
func CheckRequired(kind Kind, params Params) error {
	keys, err := kind.RequiredParams()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if v, ok := params[k]; !ok || v == nil {
			return &MissingParameterError{Kind: kind, Key: k}
		}
	}
	return nil
}

// Every returns the task interval as a duration. Intervals that do not fit in a
// time.Duration (about 292 years) are rejected.
func (r Record) Every() (time.Duration, error) {
	d, err := r.Unit.Duration()
	if err != nil {
		return 0, err
	}
	if r.Interval <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0, got %d", ErrValidation, r.Interval)
	}
	if int64(r.Interval) > math.MaxInt64/int64(d) {
		return 0, fmt.Errorf("%w: interval %d %s is too large", ErrValidation, r.Interval, r.Unit)
	}
	return time.Duration(r.Interval) * d, nil
}

// NormalizeParams drops nil values and round-trips the rest through JSON, so numbers
// become float64 and typed slices become []any. List order is kept.
func NormalizeParams(in Params) (Params, error) {
	clean := make(Params, len(in))
	for k, v := range in {
		k = strings.TrimSpace(k)
		if k == "" || v == nil {
			continue
		}
		clean[k] = v
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: parameters are not serializable: %v", ErrValidation, err)
	}
	out := Params{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: parameters are not serializable: %v", ErrValidation, err)
	}
	return out, nil
}

// NameFor returns the next free name for kind: "<Kind>_task_<n>", where n is one more
// than the highest suffix already used by that kind.
func NameFor(kind Kind, existing map[string]Record) string {
	prefix := string(kind) + "_task_"
	maxN := 0
	for name := range existing {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err == nil && n > maxN {
			maxN = n
		}
	}
	return prefix + strconv.Itoa(maxN+1)
}

// SortedNames returns the table keys in lexical order.
func SortedNames(m map[string]Record) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// String renders a stable, human-friendly view used by the CLI.
func (p Params) String() string {
	if len(p) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		v, _ := json.Marshal(p[k])
		b.WriteString(k)
		b.WriteString("=")
		b.Write(v)
	}
	b.WriteString("}")
	return b.String()
}
