package glucose

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// Momentum defaults
const (
	MomentumDataInterval = 15 * time.Minute
	MomentumDuration     = 30 * time.Minute
)

// RecentSamples returns the samples within [end-window, end]
func RecentSamples(samples []models.GlucoseSample, end time.Time, window time.Duration) []models.GlucoseSample {
	from := end.Add(-window)
	var out []models.GlucoseSample
	for _, s := range samples {
		if !s.Date.Before(from) && !s.Date.After(end) {
			out = append(out, s)
		}
	}
	return out
}

// LinearMomentumEffect extrapolates the least-squares slope of samples for duration past the last sample.
// Fewer than two samples, or samples sharing one instant, produce no effect.
func LinearMomentumEffect(samples []models.GlucoseSample, duration, delta time.Duration) []models.GlucoseEffect {
	if len(samples) < 2 {
		return nil
	}
	first := samples[0].Date
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.Date.Sub(first).Minutes()
		ys[i] = s.Quantity
	}
	if xs[len(xs)-1] == 0 {
		return nil
	}

	_, slope := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return nil
	}
	return momentumCurve(samples[len(samples)-1].Date, duration, delta, func(minutes float64) float64 {
		return minutes * slope
	})
}

// PolynomialMomentumEffect fits a polynomial of the given degree to samples and extrapolates
// its change since the last sample. With too few samples for the degree it falls back to the linear fit.
func PolynomialMomentumEffect(samples []models.GlucoseSample, degree int, duration, delta time.Duration) []models.GlucoseEffect {
	if degree <= 1 || len(samples) <= degree {
		return LinearMomentumEffect(samples, duration, delta)
	}

	last := samples[len(samples)-1].Date
	n := len(samples)

	// Vandermonde matrix with x in minutes relative to the last sample
	x := mat.NewDense(n, degree+1, nil)
	for i, s := range samples {
		minutes := s.Date.Sub(last).Minutes()
		for j := 0; j <= degree; j++ {
			x.Set(i, j, math.Pow(minutes, float64(j)))
		}
	}
	ys := make([]float64, n)
	for i, s := range samples {
		ys[i] = s.Quantity
	}
	y := mat.NewVecDense(n, ys)

	var qr mat.QR
	qr.Factorize(x)
	coeffs := mat.NewVecDense(degree+1, nil)
	if err := qr.SolveVecTo(coeffs, false, y); err != nil {
		return LinearMomentumEffect(samples, duration, delta)
	}

	poly := func(minutes float64) float64 {
		var v float64
		for j := 0; j <= degree; j++ {
			v += coeffs.AtVec(j) * math.Pow(minutes, float64(j))
		}
		return v
	}
	origin := poly(0)
	return momentumCurve(last, duration, delta, func(minutes float64) float64 {
		return poly(minutes) - origin
	})
}

// momentumCurve samples f(minutes since last) every delta from floor(last) through ceil(last+duration)
func momentumCurve(last time.Time, duration, delta time.Duration, f func(float64) float64) []models.GlucoseEffect {
	start := FloorToInterval(last, delta)
	end := CeilToInterval(last.Add(duration), delta)

	var effects []models.GlucoseEffect
	for date := start; !date.After(end); date = date.Add(delta) {
		minutes := math.Max(0, date.Sub(last).Minutes())
		effects = append(effects, models.GlucoseEffect{Date: date, Quantity: f(minutes)})
	}
	return effects
}
