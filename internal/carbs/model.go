// Package carbs estimates carbohydrate absorption: static absorption curves, mapping of observed
// insulin counteraction onto carb entries, projected glucose effects and carbs on board.
package carbs

import (
	"math"
	"time"
)

// AbsorptionModel maps elapsed fraction of absorption time to absorbed fraction of carbs.
type AbsorptionModel interface {
	PercentAbsorbed(percentTime float64) float64
	// PeakRate is the maximum of the absorption rate, in fraction of carbs per fraction of time.
	PeakRate() float64
}

// PiecewiseLinear absorbs with a rate that rises linearly until RiseEnd, stays flat until
// FallStart and falls linearly to zero at the end of the absorption time.
type PiecewiseLinear struct {
	RiseEnd   float64
	FallStart float64
}

// DefaultPiecewiseLinear is the standard carb absorption shape.
var DefaultPiecewiseLinear = PiecewiseLinear{RiseEnd: 0.15, FallStart: 0.5}

// PeakRate implements AbsorptionModel
func (m PiecewiseLinear) PeakRate() float64 {
	return 2 / (1 + m.FallStart - m.RiseEnd)
}

// PercentAbsorbed implements AbsorptionModel
func (m PiecewiseLinear) PercentAbsorbed(t float64) float64 {
	a, b := m.RiseEnd, m.FallStart
	s := m.PeakRate()
	switch {
	case t <= 0:
		return 0
	case t <= a:
		return s * t * t / (2 * a)
	case t <= b:
		return s*a/2 + s*(t-a)
	case t < 1:
		return s*a/2 + s*(b-a) + s*((t-b)-math.Pow(t-b, 2)/(2*(1-b)))
	default:
		return 1
	}
}

// Linear absorbs at a constant rate.
type Linear struct{}

// PeakRate implements AbsorptionModel
func (Linear) PeakRate() float64 { return 1 }

// PercentAbsorbed implements AbsorptionModel
func (Linear) PercentAbsorbed(t float64) float64 {
	return math.Max(0, math.Min(1, t))
}

// Config holds the carb absorption parameters.
type Config struct {
	DefaultAbsorptionTime time.Duration
	// AbsorptionTimeOverrun stretches an entry's absorption time to its slowest allowed absorption.
	AbsorptionTimeOverrun float64
	Delay                 time.Duration
	Delta                 time.Duration
	Model                 AbsorptionModel
}

// DefaultConfig returns the standard carb configuration
func DefaultConfig() Config {
	return Config{
		DefaultAbsorptionTime: 3 * time.Hour,
		AbsorptionTimeOverrun: 1.5,
		Delay:                 10 * time.Minute,
		Delta:                 5 * time.Minute,
		Model:                 DefaultPiecewiseLinear,
	}
}

// MaxAbsorptionWindow is the longest time any entry in cfg can keep absorbing
func (c Config) MaxAbsorptionWindow(absorption time.Duration) time.Duration {
	if absorption <= 0 {
		absorption = c.DefaultAbsorptionTime
	}
	return time.Duration(float64(absorption)*c.AbsorptionTimeOverrun) + c.Delay
}
