// Package schedule implements the time-of-day allocation schedules attached
// to allocation groups.
//
// A schedule partitions the day into intervals, each carrying a table of
// priority thresholds and their maximum current in amperes. Text form:
//
//	00:00-05:59>0=48;06:00-16:59>0=16:3=32:5=48;17:00-20:59>0=0:5=48;21:00-23:59>0=32:5=48
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// Bucket maps a priority threshold to a current cap in amperes.
// A connector with session priority p counts against the bucket with the
// greatest threshold not exceeding p.
type Bucket struct {
	Priority int
	Cap      int
}

// Interval covers the minutes [Start, End], both inclusive.
type Interval struct {
	Start   int
	End     int
	Buckets []Bucket // ascending by Priority
}

// Schedule is an immutable, full-day covering set of intervals.
type Schedule struct {
	intervals []Interval
}

// InvalidScheduleError reports a malformed schedule definition.
type InvalidScheduleError struct {
	Definition string
	Reason     string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %s", e.Definition, e.Reason)
}

func invalid(definition, format string, args ...interface{}) error {
	return &InvalidScheduleError{Definition: definition, Reason: fmt.Sprintf(format, args...)}
}

func parseMinute(definition, token string) (int, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, invalid(definition, "malformed time %q", token)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, invalid(definition, "malformed hour %q", token)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, invalid(definition, "malformed minute %q", token)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, invalid(definition, "time %q out of range", token)
	}
	return hh*60 + mm, nil
}

// Parse parses the text form of a schedule, validating that the intervals
// cover the full day without overlap or gaps and that priorities within each
// interval are strictly ascending.
func Parse(definition string) (*Schedule, error) {
	if strings.TrimSpace(definition) == "" {
		return nil, invalid(definition, "empty definition")
	}
	var intervals []Interval
	for _, part := range strings.Split(definition, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		timesAndCaps := strings.SplitN(part, ">", 2)
		if len(timesAndCaps) != 2 {
			return nil, invalid(definition, "missing '>' in %q", part)
		}
		timeRange := strings.SplitN(timesAndCaps[0], "-", 2)
		if len(timeRange) != 2 {
			return nil, invalid(definition, "missing '-' in %q", timesAndCaps[0])
		}
		start, err := parseMinute(definition, timeRange[0])
		if err != nil {
			return nil, err
		}
		end, err := parseMinute(definition, timeRange[1])
		if err != nil {
			return nil, err
		}
		if end < start {
			return nil, invalid(definition, "interval %q ends before it starts", part)
		}
		var buckets []Bucket
		for _, pair := range strings.Split(timesAndCaps[1], ":") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				return nil, invalid(definition, "malformed priority setting %q", pair)
			}
			priority, err := strconv.Atoi(kv[0])
			if err != nil || priority < 0 {
				return nil, invalid(definition, "malformed priority %q", kv[0])
			}
			cap, err := strconv.Atoi(kv[1])
			if err != nil || cap < 0 {
				return nil, invalid(definition, "malformed cap %q", kv[1])
			}
			if len(buckets) > 0 && priority <= buckets[len(buckets)-1].Priority {
				return nil, invalid(definition, "priorities not ascending in %q", part)
			}
			buckets = append(buckets, Bucket{Priority: priority, Cap: cap})
		}
		if len(buckets) == 0 {
			return nil, invalid(definition, "no priority settings in %q", part)
		}
		intervals = append(intervals, Interval{Start: start, End: end, Buckets: buckets})
	}
	if len(intervals) == 0 {
		return nil, invalid(definition, "no intervals")
	}

	sort.Slice(intervals, func(i, j int) bool { return intervals[i].Start < intervals[j].Start })
	if intervals[0].Start != 0 {
		return nil, invalid(definition, "day does not start at 00:00")
	}
	for i := 1; i < len(intervals); i++ {
		prev, cur := intervals[i-1], intervals[i]
		if cur.Start <= prev.End {
			return nil, invalid(definition, "overlapping intervals at %s", minuteStr(cur.Start))
		}
		if cur.Start != prev.End+1 {
			return nil, invalid(definition, "gap between %s and %s", minuteStr(prev.End), minuteStr(cur.Start))
		}
	}
	if intervals[len(intervals)-1].End != minutesPerDay-1 {
		return nil, invalid(definition, "day does not end at 23:59")
	}
	return &Schedule{intervals: intervals}, nil
}

func minuteStr(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

func (s *Schedule) interval(t time.Time) *Interval {
	minute := t.Hour()*60 + t.Minute()
	for i := range s.intervals {
		if minute >= s.intervals[i].Start && minute <= s.intervals[i].End {
			return &s.intervals[i]
		}
	}
	return nil
}

// Buckets returns the cap table valid at t, descending by priority threshold.
// The allocator accounts every connector against exactly one bucket.
func (s *Schedule) Buckets(t time.Time) []Bucket {
	in := s.interval(t)
	if in == nil {
		return nil
	}
	buckets := make([]Bucket, len(in.Buckets))
	copy(buckets, in.Buckets)
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Priority > buckets[j].Priority })
	return buckets
}

// CapAt returns the group cap in amperes for the given time and priority.
// The cap is the one keyed by the greatest threshold not above the priority;
// 0 when no threshold qualifies (charging disabled for that priority).
func (s *Schedule) CapAt(t time.Time, priority int) int {
	for _, b := range s.Buckets(t) {
		if priority >= b.Priority {
			return b.Cap
		}
	}
	return 0
}

// MaxCap returns the cap for the highest threshold valid at t, the overall
// ceiling for the interval.
func (s *Schedule) MaxCap(t time.Time) int {
	buckets := s.Buckets(t)
	if len(buckets) == 0 {
		return 0
	}
	return buckets[0].Cap
}

// String reserializes the schedule in canonical text form.
func (s *Schedule) String() string {
	parts := make([]string, 0, len(s.intervals))
	for _, in := range s.intervals {
		settings := make([]string, 0, len(in.Buckets))
		for _, b := range in.Buckets {
			settings = append(settings, fmt.Sprintf("%d=%d", b.Priority, b.Cap))
		}
		parts = append(parts, fmt.Sprintf("%s-%s>%s", minuteStr(in.Start), minuteStr(in.End), strings.Join(settings, ":")))
	}
	return strings.Join(parts, ";")
}
