package glucose

import (
	"sort"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// ValueAt returns the effect curve's value at t by linear interpolation.
// Instants outside the curve take the nearest end value; an empty curve is zero.
func ValueAt(effects []models.GlucoseEffect, t time.Time) float64 {
	if len(effects) == 0 {
		return 0
	}
	idx := sort.Search(len(effects), func(i int) bool {
		return !effects[i].Date.Before(t)
	})
	switch {
	case idx == 0:
		return effects[0].Quantity
	case idx == len(effects):
		return effects[len(effects)-1].Quantity
	}
	after := effects[idx]
	if after.Date.Equal(t) {
		return after.Quantity
	}
	before := effects[idx-1]
	span := after.Date.Sub(before.Date)
	fraction := float64(t.Sub(before.Date)) / float64(span)
	return before.Quantity + (after.Quantity-before.Quantity)*fraction
}

// Subtract removes the modelled effect change from each velocity interval, leaving the
// glucose change neither curve explains.
func Subtract(velocities []models.GlucoseEffectVelocity, effects []models.GlucoseEffect) []models.GlucoseChange {
	out := make([]models.GlucoseChange, 0, len(velocities))
	for _, v := range velocities {
		modelled := ValueAt(effects, v.EndDate) - ValueAt(effects, v.StartDate)
		out = append(out, models.GlucoseChange{
			StartDate: v.StartDate,
			EndDate:   v.EndDate,
			Quantity:  v.Effect() - modelled,
		})
	}
	return out
}

// CombinedSums returns, for each change, the sum of it and every earlier change starting
// no more than duration before its end.
func CombinedSums(changes []models.GlucoseChange, duration time.Duration) []models.GlucoseChange {
	sums := make([]models.GlucoseChange, 0, len(changes))
	first := 0
	for i, c := range changes {
		for first < i && c.EndDate.Sub(changes[first].StartDate) > duration {
			first++
		}
		sum := models.GlucoseChange{StartDate: changes[first].StartDate, EndDate: c.EndDate}
		for _, prior := range changes[first : i+1] {
			sum.Quantity += prior.Quantity
		}
		sums = append(sums, sum)
	}
	return sums
}

// DecayEffect returns an effect that starts at zero at the interval containing start, grows by
// velocity (mg/dL per minute) over the first delta, and decays linearly to no further change at duration.
func DecayEffect(start time.Time, velocity float64, duration, delta time.Duration) []models.GlucoseEffect {
	if duration <= delta || delta <= 0 {
		return nil
	}
	from := FloorToInterval(start, delta)
	end := CeilToInterval(start.Add(duration), delta)

	intercept := velocity * delta.Minutes()
	slope := -intercept / (duration - delta).Minutes()
	decayStart := from.Add(delta)

	effects := []models.GlucoseEffect{{Date: from, Quantity: 0}}
	var value float64
	for date := decayStart; date.Before(end); date = date.Add(delta) {
		value += intercept + slope*date.Sub(decayStart).Minutes()
		effects = append(effects, models.GlucoseEffect{Date: date, Quantity: value})
	}
	return effects
}
