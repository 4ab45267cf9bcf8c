package glucose

import (
	"sort"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// Counteraction defaults
const (
	MinCounteractionInterval = 4 * time.Minute
	MaxCounteractionGap      = 30 * time.Minute
)

// CounteractionEffects returns, for each pair of consecutive readings, the glucose velocity
// not explained by the insulin effect curve.
//
// Pairs closer than MinCounteractionInterval are merged into the next pair. Pairs further apart
// than maxGap emit nothing. Pairs starting before the insulin curve starts are skipped, and
// processing stops at the first pair extending past its end.
func CounteractionEffects(samples []models.GlucoseSample, effects []models.GlucoseEffect, maxGap time.Duration) []models.GlucoseEffectVelocity {
	if len(samples) < 2 || len(effects) == 0 {
		return nil
	}

	var velocities []models.GlucoseEffectVelocity
	start := samples[0]
	for _, end := range samples[1:] {
		interval := end.Date.Sub(start.Date)
		if interval <= MinCounteractionInterval {
			continue
		}
		pairStart := start
		start = end

		if interval > maxGap || pairStart.Date.Before(effects[0].Date) {
			continue
		}

		startEffect, ok := effectAtOrAfter(effects, pairStart.Date)
		if !ok {
			break
		}
		endEffect, ok := effectAtOrAfter(effects, end.Date)
		if !ok {
			break
		}

		discrepancy := (end.Quantity - pairStart.Quantity) - (endEffect.Quantity - startEffect.Quantity)
		velocities = append(velocities, models.GlucoseEffectVelocity{
			StartDate: pairStart.Date,
			EndDate:   end.Date,
			Quantity:  discrepancy / interval.Minutes(),
		})
	}
	return velocities
}

// effectAtOrAfter returns the first effect dated at or after t
func effectAtOrAfter(effects []models.GlucoseEffect, t time.Time) (models.GlucoseEffect, bool) {
	idx := sort.Search(len(effects), func(i int) bool {
		return !effects[i].Date.Before(t)
	})
	if idx == len(effects) {
		return models.GlucoseEffect{}, false
	}
	return effects[idx], true
}
