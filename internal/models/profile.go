package models

import (
	"fmt"
	"strings"
	"time"
)

// ProfileSet is a Nightscout profile document (GET /api/v1/profile).
type ProfileSet struct {
	ID             string             `json:"_id"`
	DefaultProfile string             `json:"defaultProfile"`
	StartDate      string             `json:"startDate"`
	Store          map[string]Profile `json:"store"`
}

// Active returns the default profile of the set
func (p *ProfileSet) Active() (Profile, error) {
	prof, ok := p.Store[p.DefaultProfile]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found in store", p.DefaultProfile)
	}
	return prof, nil
}

// Profile holds daily therapy schedules as entered in Nightscout.
type Profile struct {
	DIA        float64      `json:"dia"`
	Timezone   string       `json:"timezone"`
	Units      string       `json:"units"`
	Basal      []ProfileRow `json:"basal"`
	Sens       []ProfileRow `json:"sens"`
	CarbRatio  []ProfileRow `json:"carbratio"`
	TargetLow  []ProfileRow `json:"target_low"`
	TargetHigh []ProfileRow `json:"target_high"`
}

// ProfileRow is one entry of a repeating daily schedule.
type ProfileRow struct {
	Time          string  `json:"time"` // "HH:MM"
	Value         float64 `json:"value"`
	TimeAsSeconds *int    `json:"timeAsSeconds"`
}

// offset returns the row's offset from midnight
func (r ProfileRow) offset() (time.Duration, error) {
	if r.TimeAsSeconds != nil {
		return time.Duration(*r.TimeAsSeconds) * time.Second, nil
	}
	var h, m int
	if _, err := fmt.Sscanf(r.Time, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid profile time %q: %w", r.Time, err)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// location returns the profile timezone, UTC when unset or unknown
func (p Profile) location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (p Profile) isMmol() bool {
	return strings.HasPrefix(strings.ToLower(p.Units), "mmol")
}

func (p Profile) toMgdl(v float64) float64 {
	if p.isMmol() {
		return ToMgdl(v)
	}
	return v
}

// expand repeats a daily schedule into absolute segments covering [start, end].
func expand(rows []ProfileRow, loc *time.Location, start, end time.Time) (Schedule[float64], error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty daily schedule")
	}
	offsets := make([]time.Duration, len(rows))
	for i, row := range rows {
		off, err := row.offset()
		if err != nil {
			return nil, err
		}
		offsets[i] = off
	}

	local := start.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -1)

	var out Schedule[float64]
	for !day.After(end) {
		next := day.AddDate(0, 0, 1)
		for i, row := range rows {
			segStart := day.Add(offsets[i])
			segEnd := next
			if i+1 < len(rows) {
				segEnd = day.Add(offsets[i+1])
			}
			if !segEnd.After(start) || segStart.After(end) {
				continue
			}
			out = append(out, ScheduleSegment[float64]{
				StartDate: segStart.UTC(),
				EndDate:   segEnd.UTC(),
				Value:     row.Value,
			})
		}
		day = next
	}
	return out, nil
}

// BasalSchedule expands the daily basal rates (U/hr) over [start, end]
func (p Profile) BasalSchedule(start, end time.Time) (BasalSchedule, error) {
	return expand(p.Basal, p.location(), start, end)
}

// CarbRatioSchedule expands the daily carb ratios (g/U) over [start, end]
func (p Profile) CarbRatioSchedule(start, end time.Time) (CarbRatioSchedule, error) {
	return expand(p.CarbRatio, p.location(), start, end)
}

// SensitivitySchedule expands the daily sensitivities over [start, end], in mg/dL per U
func (p Profile) SensitivitySchedule(start, end time.Time) (SensitivitySchedule, error) {
	sched, err := expand(p.Sens, p.location(), start, end)
	if err != nil {
		return nil, err
	}
	for i := range sched {
		sched[i].Value = p.toMgdl(sched[i].Value)
	}
	return sched, nil
}

// TargetSchedule expands the daily target ranges over [start, end], in mg/dL.
// Lower and upper bounds come from target_low and target_high independently.
func (p Profile) TargetSchedule(start, end time.Time) (TargetSchedule, error) {
	low, err := expand(p.TargetLow, p.location(), start, end)
	if err != nil {
		return nil, fmt.Errorf("target_low: %w", err)
	}
	high, err := expand(p.TargetHigh, p.location(), start, end)
	if err != nil {
		return nil, fmt.Errorf("target_high: %w", err)
	}

	// Merge the two timelines on the union of their boundaries.
	var out TargetSchedule
	i, j := 0, 0
	for i < len(low) && j < len(high) {
		segStart := low[i].StartDate
		if high[j].StartDate.After(segStart) {
			segStart = high[j].StartDate
		}
		segEnd := low[i].EndDate
		if high[j].EndDate.Before(segEnd) {
			segEnd = high[j].EndDate
		}
		if segEnd.After(segStart) {
			out = append(out, ScheduleSegment[GlucoseRange]{
				StartDate: segStart,
				EndDate:   segEnd,
				Value: GlucoseRange{
					MinValue: p.toMgdl(low[i].Value),
					MaxValue: p.toMgdl(high[j].Value),
				},
			})
		}
		if low[i].EndDate.Equal(segEnd) {
			i++
		}
		if high[j].EndDate.Equal(segEnd) {
			j++
		}
	}
	return out, nil
}

// ActionDuration returns the profile's duration of insulin action
func (p Profile) ActionDuration() time.Duration {
	return time.Duration(p.DIA * float64(time.Hour))
}
