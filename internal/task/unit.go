package task

import (
	"fmt"
	"strings"
	"time"
)

// Unit is the time unit of a task interval.
type Unit string

const (
	Seconds Unit = "seconds"
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
)

func (u Unit) String() string { return string(u) }

// Duration returns the length of one unit.
func (u Unit) Duration() (time.Duration, error) {
	switch u {
	case Seconds:
		return time.Second, nil
	case Minutes:
		return time.Minute, nil
	case Hours:
		return time.Hour, nil
	case Days:
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown unit %q", ErrValidation, string(u))
	}
}

// ParseUnit accepts plural and singular unit names ("hours", "hour").
func ParseUnit(raw string) (Unit, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s != "" && !strings.HasSuffix(s, "s") {
		s += "s"
	}
	u := Unit(s)
	if _, err := u.Duration(); err != nil {
		return "", fmt.Errorf("%w: unknown unit %q (use seconds, minutes, hours or days)", ErrValidation, raw)
	}
	return u, nil
}
