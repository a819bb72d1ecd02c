package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// oncePrefix marks a one-shot schedule: "once:2026-03-01 09:30", with the
// timestamp in the task's local zone and no zone suffix.
const oncePrefix = "once:"

const onceLayout = "2006-01-02 15:04"

// Schedule is a parsed five-field cron expression (minute hour day-of-month
// month day-of-week) or a one-shot timestamp. Fields support "*", lists,
// ranges, and "/step".
type Schedule struct {
	once   time.Time
	isOnce bool

	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64

	// restricted when the field was not "*"; cron matches dom OR dow when
	// both are restricted.
	domAny bool
	dowAny bool
}

// ParseSchedule parses expr in the given location. loc applies both to the
// once timestamp and to cron evaluation.
func ParseSchedule(expr string, loc *time.Location) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if loc == nil {
		loc = time.UTC
	}

	if rest, ok := strings.CutPrefix(expr, oncePrefix); ok {
		ts, err := time.ParseInLocation(onceLayout, strings.TrimSpace(rest), loc)
		if err != nil {
			return nil, fmt.Errorf("parse once schedule %q: %w", expr, err)
		}
		return &Schedule{once: ts, isOnce: true}, nil
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("parse schedule %q: want 5 fields, got %d", expr, len(fields))
	}

	s := &Schedule{}
	specs := []struct {
		dst      *uint64
		min, max int
		any      *bool
	}{
		{&s.minute, 0, 59, nil},
		{&s.hour, 0, 23, nil},
		{&s.dom, 1, 31, &s.domAny},
		{&s.month, 1, 12, nil},
		{&s.dow, 0, 6, &s.dowAny},
	}
	for i, spec := range specs {
		mask, any, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
		}
		*spec.dst = mask
		if spec.any != nil {
			*spec.any = any
		}
	}
	return s, nil
}

// IsOnce reports whether the schedule fires a single time.
func (s *Schedule) IsOnce() bool { return s.isOnce }

// Next returns the first firing time strictly after t, in t's location for
// cron schedules. A once schedule in the past returns the zero time.
func (s *Schedule) Next(after time.Time) time.Time {
	if s.isOnce {
		if s.once.After(after) {
			return s.once
		}
		return time.Time{}
	}

	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(5, 0, 0)
	for t.Before(limit) {
		if s.month&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if s.hour&(1<<uint(t.Hour())) == 0 {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if s.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// dayMatches applies the cron day rule: with both day fields restricted a
// date matches when either does.
func (s *Schedule) dayMatches(t time.Time) bool {
	domHit := s.dom&(1<<uint(t.Day())) != 0
	dowHit := s.dow&(1<<uint(t.Weekday())) != 0
	switch {
	case s.domAny && s.dowAny:
		return true
	case s.domAny:
		return dowHit
	case s.dowAny:
		return domHit
	default:
		return domHit || dowHit
	}
}

func parseField(field string, min, max int) (mask uint64, any bool, err error) {
	if field == "*" {
		for v := min; v <= max; v++ {
			mask |= 1 << uint(v)
		}
		return mask, true, nil
	}

	for _, part := range strings.Split(field, ",") {
		step := 1
		if base, stepStr, ok := strings.Cut(part, "/"); ok {
			step, err = strconv.Atoi(stepStr)
			if err != nil || step < 1 {
				return 0, false, fmt.Errorf("bad step %q", part)
			}
			part = base
		}

		lo, hi := min, max
		switch {
		case part == "*":
			// range stays full
		case strings.Contains(part, "-"):
			loStr, hiStr, _ := strings.Cut(part, "-")
			if lo, err = strconv.Atoi(loStr); err != nil {
				return 0, false, fmt.Errorf("bad range %q", part)
			}
			if hi, err = strconv.Atoi(hiStr); err != nil {
				return 0, false, fmt.Errorf("bad range %q", part)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return 0, false, fmt.Errorf("bad value %q", part)
			}
			lo, hi = v, v
		}
		if lo < min || hi > max || lo > hi {
			return 0, false, fmt.Errorf("value out of range %q", part)
		}
		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(v)
		}
	}
	if mask == 0 {
		return 0, false, fmt.Errorf("empty field %q", field)
	}
	return mask, false, nil
}
