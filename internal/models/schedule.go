package models

import (
	"sort"
	"time"
)

// ScheduleSegment is one piecewise-constant interval of a therapy timeline.
type ScheduleSegment[T any] struct {
	StartDate time.Time `json:"startDate" msgpack:"startDate"`
	EndDate   time.Time `json:"endDate" msgpack:"endDate"`
	Value     T         `json:"value" msgpack:"value"`
}

// Contains reports whether t falls in [StartDate, EndDate)
func (s ScheduleSegment[T]) Contains(t time.Time) bool {
	return !t.Before(s.StartDate) && t.Before(s.EndDate)
}

// Schedule is a timeline of segments sorted by StartDate.
type Schedule[T any] []ScheduleSegment[T]

// ClosestPrior returns the segment with the latest start at or before t.
func (s Schedule[T]) ClosestPrior(t time.Time) (ScheduleSegment[T], bool) {
	idx := sort.Search(len(s), func(i int) bool {
		return s[i].StartDate.After(t)
	})
	if idx == 0 {
		return ScheduleSegment[T]{}, false
	}
	return s[idx-1], true
}

// ValueAt returns the value effective at t
func (s Schedule[T]) ValueAt(t time.Time) (T, bool) {
	seg, ok := s.ClosestPrior(t)
	return seg.Value, ok
}

// Covers reports whether the schedule has no gap over [start, end].
func (s Schedule[T]) Covers(start, end time.Time) bool {
	if len(s) == 0 || s[0].StartDate.After(start) {
		return false
	}
	cursor := s[0].EndDate
	for _, seg := range s[1:] {
		if !cursor.Before(end) {
			break
		}
		if seg.StartDate.After(cursor) {
			return false
		}
		if seg.EndDate.After(cursor) {
			cursor = seg.EndDate
		}
	}
	return !cursor.Before(end)
}

// Between returns the segments overlapping [start, end)
func (s Schedule[T]) Between(start, end time.Time) Schedule[T] {
	var out Schedule[T]
	for _, seg := range s {
		if seg.EndDate.After(start) && seg.StartDate.Before(end) {
			out = append(out, seg)
		}
	}
	return out
}

// StartDate returns the start of the first segment, or the zero time
func (s Schedule[T]) StartDate() time.Time {
	if len(s) == 0 {
		return time.Time{}
	}
	return s[0].StartDate
}

// IsSorted reports whether segments are ordered by start date.
func (s Schedule[T]) IsSorted() bool {
	return sort.SliceIsSorted(s, func(i, j int) bool {
		return s[i].StartDate.Before(s[j].StartDate)
	})
}

// GlucoseRange is a target range in mg/dL.
type GlucoseRange struct {
	MinValue float64 `json:"minValue" msgpack:"minValue"`
	MaxValue float64 `json:"maxValue" msgpack:"maxValue"`
}

// Midpoint returns the centre of the range
func (r GlucoseRange) Midpoint() float64 {
	return (r.MinValue + r.MaxValue) / 2
}

// Contains reports whether v is within [MinValue, MaxValue]
func (r GlucoseRange) Contains(v float64) bool {
	return v >= r.MinValue && v <= r.MaxValue
}

// Typed schedules used by the algorithm.
type (
	BasalSchedule       = Schedule[float64]      // U/hr
	SensitivitySchedule = Schedule[float64]      // mg/dL per U
	CarbRatioSchedule   = Schedule[float64]      // g per U
	TargetSchedule      = Schedule[GlucoseRange] // mg/dL
)
