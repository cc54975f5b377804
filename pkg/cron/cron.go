// Package cron implements the five-field cron grammar used by workflow and
// backup schedules: minute, hour, day-of-month, month, day-of-week. A time
// matches only when all five fields match (no day-of-month/day-of-week OR
// rule). Supported field forms: *, a, a-b, a,b,c, */n, a/n.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// nextScanBound caps the minute-by-minute scan in Next at roughly five
// years, enough for any satisfiable schedule (a yearly date constrained to
// one weekday can be several years out). Unsatisfiable expressions, like
// February 30th, report no upcoming time.
const nextScanBound = 5 * 366 * 24 * 60

type fieldSpec struct {
	min, max int
}

var fieldSpecs = [5]fieldSpec{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, 0 = Sunday
}

// Expression is a parsed cron schedule. The zero value matches nothing.
type Expression struct {
	raw    string
	fields [5]uint64 // bitmask per field
}

// Parse parses a five-field cron expression.
func Parse(expr string) (*Expression, error) {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d: %q", len(parts), expr)
	}

	e := &Expression{raw: expr}
	for i, part := range parts {
		mask, err := parseField(part, fieldSpecs[i])
		if err != nil {
			return nil, fmt.Errorf("invalid cron field %d (%q): %w", i+1, part, err)
		}
		e.fields[i] = mask
	}
	return e, nil
}

// MustParse parses expr and panics on error. For fixed schedules in code.
func MustParse(expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// parseField parses one field into a bitmask of allowed values.
func parseField(field string, spec fieldSpec) (uint64, error) {
	var mask uint64

	for _, token := range strings.Split(field, ",") {
		if token == "" {
			return 0, fmt.Errorf("empty list element")
		}

		step := 1
		if idx := strings.Index(token, "/"); idx != -1 {
			stepStr := token[idx+1:]
			n, err := strconv.Atoi(stepStr)
			if err != nil || n < 1 {
				return 0, fmt.Errorf("invalid step %q", stepStr)
			}
			step = n
			token = token[:idx]
		}

		lo, hi := spec.min, spec.max
		switch {
		case token == "*":
			// full range
		case strings.Contains(token, "-"):
			bounds := strings.SplitN(token, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil {
				return 0, fmt.Errorf("invalid range %q", token)
			}
			lo, hi = a, b
		default:
			n, err := strconv.Atoi(token)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", token)
			}
			lo, hi = n, n
			// "a/n" means start at a, step n to the field max
			if step > 1 {
				hi = spec.max
			}
		}

		if lo < spec.min || hi > spec.max || lo > hi {
			return 0, fmt.Errorf("value out of range [%d,%d]: %q", spec.min, spec.max, token)
		}

		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(v)
		}
	}

	if mask == 0 {
		return 0, fmt.Errorf("field matches nothing")
	}
	return mask, nil
}

// Matches reports whether t (truncated to the minute) satisfies the
// expression. All five fields must match.
func (e *Expression) Matches(t time.Time) bool {
	if e == nil {
		return false
	}
	return e.fields[0]&(1<<uint(t.Minute())) != 0 &&
		e.fields[1]&(1<<uint(t.Hour())) != 0 &&
		e.fields[2]&(1<<uint(t.Day())) != 0 &&
		e.fields[3]&(1<<uint(int(t.Month()))) != 0 &&
		e.fields[4]&(1<<uint(int(t.Weekday()))) != 0
}

// Next returns the first matching time strictly after t, scanning minute by
// minute up to the scan bound. ok is false when nothing matches within the
// bound.
func (e *Expression) Next(t time.Time) (next time.Time, ok bool) {
	if e == nil {
		return time.Time{}, false
	}
	candidate := t.Truncate(time.Minute)
	for i := 0; i < nextScanBound; i++ {
		candidate = candidate.Add(time.Minute)
		if e.Matches(candidate) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

// String returns the original expression text.
func (e *Expression) String() string {
	return e.raw
}
