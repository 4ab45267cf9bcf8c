package carbs

import (
	"math"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// Absorbed is an amount of carbs observed to absorb over an interval.
type Absorbed struct {
	StartDate time.Time `json:"startDate" msgpack:"startDate"`
	EndDate   time.Time `json:"endDate" msgpack:"endDate"`
	Grams     float64   `json:"grams" msgpack:"grams"`
}

// Status is the absorption state of one carb entry after mapping observed counteraction onto it.
type Status struct {
	Entry models.CarbEntry `json:"entry" msgpack:"entry"`
	// CSF is the carb sensitivity at the entry start, mg/dL per gram.
	CSF               float64       `json:"csf" msgpack:"csf"`
	AbsorptionTime    time.Duration `json:"absorptionTime" msgpack:"absorptionTime"`
	MaxAbsorptionTime time.Duration `json:"maxAbsorptionTime" msgpack:"maxAbsorptionTime"`
	// Rates in grams per minute.
	MinAbsorptionRate float64 `json:"minAbsorptionRate" msgpack:"minAbsorptionRate"`
	MaxAbsorptionRate float64 `json:"maxAbsorptionRate" msgpack:"maxAbsorptionRate"`

	ObservedGrams    float64    `json:"observedGrams" msgpack:"observedGrams"`
	ObservedTimeline []Absorbed `json:"observedTimeline,omitempty" msgpack:"observedTimeline,omitempty"`
	// ObservationEnd is the end of the last counteraction interval considered for the entry.
	// It equals the entry start when nothing was observed.
	ObservationEnd time.Time `json:"observationEnd" msgpack:"observationEnd"`
	Complete       bool      `json:"complete" msgpack:"complete"`

	// Static is set when no counteraction was available; absorption then follows the model alone.
	Static bool `json:"static" msgpack:"static"`
}

// MaxEndDate is the latest instant the entry may still be absorbing
func (s *Status) MaxEndDate(delay time.Duration) time.Time {
	return s.Entry.StartDate.Add(s.MaxAbsorptionTime + delay)
}

func (s *Status) remainingEffect() float64 {
	return math.Max(0, (s.Entry.Grams-s.ObservedGrams)*s.CSF)
}

// Map distributes the positive counteraction velocities over the carb entries active during each interval.
// Each entry receives a share proportional to its minimum absorption rate, capped at its remaining effect.
func Map(
	entries []models.CarbEntry,
	velocities []models.GlucoseEffectVelocity,
	carbRatio models.CarbRatioSchedule,
	sensitivity models.SensitivitySchedule,
	cfg Config,
) []Status {
	statuses := make([]Status, 0, len(entries))
	for _, entry := range entries {
		absorption := entry.AbsorptionTime
		if absorption <= 0 {
			absorption = cfg.DefaultAbsorptionTime
		}
		maxAbsorption := time.Duration(float64(absorption) * cfg.AbsorptionTimeOverrun)
		st := Status{
			Entry:             entry,
			CSF:               csfAt(carbRatio, sensitivity, entry.StartDate),
			AbsorptionTime:    absorption,
			MaxAbsorptionTime: maxAbsorption,
			MinAbsorptionRate: entry.Grams / maxAbsorption.Minutes(),
			MaxAbsorptionRate: cfg.Model.PeakRate() * entry.Grams * cfg.AbsorptionTimeOverrun / absorption.Minutes(),
			ObservationEnd:    entry.StartDate,
			Static:            len(velocities) == 0,
		}
		if entry.Grams <= 0 {
			st.Complete = true
		}
		statuses = append(statuses, st)
	}
	if len(velocities) == 0 {
		return statuses
	}

	active := make([]int, 0, len(statuses))
	for _, v := range velocities {
		active = active[:0]
		var totalRate float64
		for i := range statuses {
			st := &statuses[i]
			if st.Complete || v.StartDate.Before(st.Entry.StartDate) || !v.StartDate.Before(st.MaxEndDate(cfg.Delay)) {
				continue
			}
			active = append(active, i)
			totalRate += st.MinAbsorptionRate * st.CSF
		}
		if len(active) == 0 {
			continue
		}

		effect := math.Max(0, v.Effect())
		for _, i := range active {
			st := &statuses[i]
			st.ObservationEnd = v.EndDate
			if totalRate <= 0 || st.CSF <= 0 {
				continue
			}
			share := effect * st.MinAbsorptionRate * st.CSF / totalRate
			share = math.Min(share, st.remainingEffect())
			grams := share / st.CSF
			st.ObservedGrams += grams
			st.ObservedTimeline = append(st.ObservedTimeline, Absorbed{StartDate: v.StartDate, EndDate: v.EndDate, Grams: grams})
			if st.ObservedGrams >= st.Entry.Grams-1e-9 {
				st.Complete = true
			}
		}
	}

	// Observation is capped at the latest instant the entry may absorb.
	for i := range statuses {
		if maxEnd := statuses[i].MaxEndDate(cfg.Delay); statuses[i].ObservationEnd.After(maxEnd) {
			statuses[i].ObservationEnd = maxEnd
		}
	}
	return statuses
}

// observedUpTo returns the observed grams absorbed before t, prorating the interval containing t
func (s *Status) observedUpTo(t time.Time) float64 {
	var total float64
	for _, a := range s.ObservedTimeline {
		switch {
		case !t.After(a.StartDate):
			return total
		case !t.Before(a.EndDate):
			total += a.Grams
		default:
			total += a.Grams * float64(t.Sub(a.StartDate)) / float64(a.EndDate.Sub(a.StartDate))
		}
	}
	return total
}

// AbsorbedAt returns the grams absorbed by t, observed up to ObservationEnd and projected after it.
func (s *Status) AbsorbedAt(t time.Time, cfg Config) float64 {
	grams := s.Entry.Grams
	start := s.Entry.StartDate
	if grams <= 0 || !t.After(start) {
		return 0
	}

	elapsed := s.ObservationEnd.Sub(start)
	if s.Static || elapsed <= 0 {
		percentTime := float64(t.Sub(start)-cfg.Delay) / float64(s.AbsorptionTime)
		return grams * cfg.Model.PercentAbsorbed(percentTime)
	}

	clamped := s.clampedObserved()
	if !t.After(s.ObservationEnd) {
		if s.ObservedGrams > 0 {
			return clamped * s.observedUpTo(t) / s.ObservedGrams
		}
		return clamped * float64(t.Sub(start)) / float64(elapsed)
	}

	remaining := grams - clamped
	if remaining <= 0 {
		return grams
	}
	etr := s.EstimatedTimeRemaining(cfg)
	fraction := math.Min(1, float64(t.Sub(s.ObservationEnd))/float64(etr))
	return clamped + remaining*fraction
}

// clampedObserved bounds the observed grams below by the minimum absorption rate and above by the entry
func (s *Status) clampedObserved() float64 {
	if s.Complete {
		return s.Entry.Grams
	}
	elapsed := s.ObservationEnd.Sub(s.Entry.StartDate).Minutes()
	floor := s.MinAbsorptionRate * elapsed
	return math.Max(floor, math.Min(s.ObservedGrams, s.Entry.Grams))
}

// EstimatedTimeRemaining returns how long the unabsorbed carbs will take to absorb after ObservationEnd.
func (s *Status) EstimatedTimeRemaining(cfg Config) time.Duration {
	clamped := math.Min(s.clampedObserved(), s.Entry.Grams)
	remaining := s.Entry.Grams - clamped
	elapsed := s.ObservationEnd.Sub(s.Entry.StartDate)
	limit := s.MaxAbsorptionTime - elapsed

	etr := limit
	if elapsed > 0 && clamped > 0 {
		avgRate := clamped / elapsed.Minutes()
		etr = time.Duration(remaining / avgRate * float64(time.Minute))
		if etr > limit {
			etr = limit
		}
	}
	if s.MaxAbsorptionRate > 0 {
		if fastest := time.Duration(remaining / s.MaxAbsorptionRate * float64(time.Minute)); etr < fastest {
			etr = fastest
		}
	}
	if etr < cfg.Delta {
		etr = cfg.Delta
	}
	return etr
}

// DynamicGlucoseEffects returns the cumulative glucose effect of the entries' absorption every delta over [start, end].
// Each step's newly absorbed grams are scaled by the carb sensitivity effective at that step.
func DynamicGlucoseEffects(
	statuses []Status,
	carbRatio models.CarbRatioSchedule,
	sensitivity models.SensitivitySchedule,
	start, end time.Time,
	cfg Config,
) []models.GlucoseEffect {
	if cfg.Delta <= 0 || end.Before(start) {
		return nil
	}
	effects := make([]models.GlucoseEffect, 0, int(end.Sub(start)/cfg.Delta)+1)
	previous := make([]float64, len(statuses))
	var value float64
	for date := start; !date.After(end); date = date.Add(cfg.Delta) {
		var absorbed float64
		for i := range statuses {
			a := statuses[i].AbsorbedAt(date, cfg)
			absorbed += a - previous[i]
			previous[i] = a
		}
		value += absorbed * csfAt(carbRatio, sensitivity, date)
		effects = append(effects, models.GlucoseEffect{Date: date, Quantity: value})
	}
	return effects
}

// OnBoard returns the grams not yet absorbed at t, counting only entries started by then.
func OnBoard(statuses []Status, at time.Time, cfg Config) float64 {
	var cob float64
	for i := range statuses {
		st := &statuses[i]
		if st.Entry.StartDate.After(at) {
			continue
		}
		cob += math.Max(0, st.Entry.Grams-st.AbsorbedAt(at, cfg))
	}
	return cob
}

// csfAt returns the carb sensitivity factor (mg/dL per g) at t
func csfAt(carbRatio models.CarbRatioSchedule, sensitivity models.SensitivitySchedule, t time.Time) float64 {
	cr := valueOrFirst(carbRatio, t)
	if cr <= 0 {
		return 0
	}
	return valueOrFirst(sensitivity, t) / cr
}

func valueOrFirst(s models.Schedule[float64], t time.Time) float64 {
	if v, ok := s.ValueAt(t); ok {
		return v
	}
	if len(s) > 0 {
		return s[0].Value
	}
	return 0
}
