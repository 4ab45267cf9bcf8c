package dosing

import "math"

// Rounder quantizes a rate or volume to what the pump can deliver.
type Rounder func(float64) float64

// roundingEpsilon absorbs float error so already quantized values round to themselves
const roundingEpsilon = 1e-7

// FloorToIncrement returns a Rounder that rounds down to a multiple of increment.
// A non-positive increment disables rounding.
func FloorToIncrement(increment float64) Rounder {
	if increment <= 0 {
		return nil
	}
	factor := 1 / increment
	return func(v float64) float64 {
		return math.Floor(v*factor+roundingEpsilon) / factor
	}
}

// apply rounds v, or returns it unchanged when r is nil
func (r Rounder) apply(v float64) float64 {
	if r == nil {
		return v
	}
	return r(v)
}
