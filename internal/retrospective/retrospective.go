// Package retrospective turns recent prediction error into a forward glucose correction effect.
package retrospective

import (
	"math"
	"time"

	"github.com/mrcode/nightscout-loop/internal/glucose"
	"github.com/mrcode/nightscout-loop/internal/models"
)

// Retrospection defaults
const (
	GroupingInterval              = 30 * time.Minute
	GroupingMultiplier            = 1.01
	EffectDuration                = 60 * time.Minute
	RetrospectionInterval         = 60 * time.Minute
	IntegralRetrospectionInterval = 180 * time.Minute
)

// Correction computes a correction effect from summed discrepancies.
// Implementations are stateless.
type Correction interface {
	ComputeEffect(latest models.GlucoseSample, summed []models.GlucoseChange, recency time.Duration) Outcome
	// Window is how far back discrepancies must be available.
	Window() time.Duration
}

// Outcome is the result of one correction computation.
type Outcome struct {
	Effects []models.GlucoseEffect `json:"effects" msgpack:"effects"`
	// Discrepancy is the most recent summed discrepancy, nil when none was recent enough.
	Discrepancy     *models.GlucoseChange `json:"discrepancy,omitempty" msgpack:"discrepancy,omitempty"`
	TotalCorrection float64               `json:"totalCorrection" msgpack:"totalCorrection"`
	EffectDuration  time.Duration         `json:"effectDuration" msgpack:"effectDuration"`
}

// currentDiscrepancy returns the last summed discrepancy when it ends within recency of the latest reading
func currentDiscrepancy(latest models.GlucoseSample, summed []models.GlucoseChange, recency time.Duration) (models.GlucoseChange, bool) {
	if len(summed) == 0 {
		return models.GlucoseChange{}, false
	}
	last := summed[len(summed)-1]
	if latest.Date.Sub(last.EndDate) > recency {
		return models.GlucoseChange{}, false
	}
	return last, true
}

// Standard is proportional retrospective correction: the latest discrepancy rate decays over a fixed duration.
type Standard struct {
	EffectDuration   time.Duration
	GroupingInterval time.Duration
	Delta            time.Duration
}

// NewStandard returns a standard correction with default durations
func NewStandard() Standard {
	return Standard{EffectDuration: EffectDuration, GroupingInterval: GroupingInterval, Delta: 5 * time.Minute}
}

// Window implements Correction
func (s Standard) Window() time.Duration {
	return RetrospectionInterval
}

// ComputeEffect implements Correction
func (s Standard) ComputeEffect(latest models.GlucoseSample, summed []models.GlucoseChange, recency time.Duration) Outcome {
	current, ok := currentDiscrepancy(latest, summed, recency)
	if !ok {
		return Outcome{}
	}
	span := current.EndDate.Sub(current.StartDate)
	if span < s.GroupingInterval {
		span = s.GroupingInterval
	}
	velocity := current.Quantity / span.Minutes()
	return Outcome{
		Effects:         glucose.DecayEffect(latest.Date, velocity, s.EffectDuration, s.Delta),
		Discrepancy:     &current,
		TotalCorrection: current.Quantity,
		EffectDuration:  s.EffectDuration,
	}
}

// Integral is proportional-integral retrospective correction. Persistent discrepancies of one sign
// accumulate into an integral term and lengthen the correction effect.
type Integral struct {
	CurrentGain      float64
	PersistentGain   float64
	TimeConstant     time.Duration
	EffectDuration   time.Duration
	MaxEffect        time.Duration
	GroupingInterval time.Duration
	Delta            time.Duration
	// MaxIntegral bounds the integral term in mg/dL.
	MaxIntegral float64
}

// NewIntegral returns an integral correction with default gains
func NewIntegral() Integral {
	return Integral{
		CurrentGain:      1,
		PersistentGain:   2,
		TimeConstant:     60 * time.Minute,
		EffectDuration:   EffectDuration,
		MaxEffect:        180 * time.Minute,
		GroupingInterval: GroupingInterval,
		Delta:            5 * time.Minute,
		MaxIntegral:      90,
	}
}

// Window implements Correction
func (c Integral) Window() time.Duration {
	return IntegralRetrospectionInterval
}

func (c Integral) gains() (integral, proportional float64) {
	forget := math.Exp(-c.Delta.Minutes() / c.TimeConstant.Minutes())
	integral = (1 - forget) / forget * (c.PersistentGain - c.CurrentGain)
	return integral, c.CurrentGain - integral
}

// ComputeEffect implements Correction
func (c Integral) ComputeEffect(latest models.GlucoseSample, summed []models.GlucoseChange, recency time.Duration) Outcome {
	current, ok := currentDiscrepancy(latest, summed, recency)
	if !ok {
		return Outcome{}
	}
	forget := math.Exp(-c.Delta.Minutes() / c.TimeConstant.Minutes())
	integralGain, proportionalGain := c.gains()

	var integral float64
	count := 0
	for i := len(summed) - 1; i >= 0; i-- {
		d := summed[i].Quantity
		if d == 0 || math.Signbit(d) != math.Signbit(current.Quantity) {
			break
		}
		integral = forget*integral + d
		count++
	}
	integral = math.Max(-c.MaxIntegral, math.Min(c.MaxIntegral, integral))

	duration := c.EffectDuration - 10*time.Minute + time.Duration(count)*10*time.Minute
	if duration > c.MaxEffect {
		duration = c.MaxEffect
	}
	if duration < c.EffectDuration {
		duration = c.EffectDuration
	}

	total := proportionalGain*current.Quantity + integralGain*integral
	span := current.EndDate.Sub(current.StartDate)
	if span < c.GroupingInterval {
		span = c.GroupingInterval
	}
	return Outcome{
		Effects:         glucose.DecayEffect(latest.Date, total/span.Minutes(), duration, c.Delta),
		Discrepancy:     &current,
		TotalCorrection: total,
		EffectDuration:  duration,
	}
}
