// Package insulin models insulin activity: activity curves per insulin type,
// dose annotation against the basal schedule, glucose effects and insulin on board.
package insulin

import (
	"math"
	"time"
)

// Model describes how much of a unit of insulin is still to act after a dose.
type Model interface {
	// PercentEffectRemaining returns the fraction (0-1) of the dose's effect still to come
	// after elapsed time since delivery.
	PercentEffectRemaining(elapsed time.Duration) float64
	// EffectDuration is the time after which no effect remains.
	EffectDuration() time.Duration
	// Delay is the time between delivery and onset.
	Delay() time.Duration
}

// ExponentialModel is the exponential insulin activity curve.
//
// Activity rises to a peak at PeakActivityTime and decays to zero at ActionDuration.
// The curve's shape is derived from those two values alone; the normalisation
// constant S makes total activity over ActionDuration integrate to one.
type ExponentialModel struct {
	ActionDuration   time.Duration
	PeakActivityTime time.Duration
	OnsetDelay       time.Duration

	tau, a, s float64 // minutes, precomputed
}

// NewExponentialModel creates an exponential model and precomputes its curve constants
func NewExponentialModel(actionDuration, peakActivityTime, delay time.Duration) *ExponentialModel {
	dur := actionDuration.Minutes()
	peak := peakActivityTime.Minutes()

	tau := peak * (1 - peak/dur) / (1 - 2*peak/dur)
	a := 2 * tau / dur
	s := 1 / (1 - a + (1+a)*math.Exp(-dur/tau))

	return &ExponentialModel{
		ActionDuration:   actionDuration,
		PeakActivityTime: peakActivityTime,
		OnsetDelay:       delay,
		tau:              tau,
		a:                a,
		s:                s,
	}
}

// PercentEffectRemaining implements Model
func (m *ExponentialModel) PercentEffectRemaining(elapsed time.Duration) float64 {
	t := (elapsed - m.OnsetDelay).Minutes()
	dur := m.ActionDuration.Minutes()

	switch {
	case t <= 0:
		return 1
	case t >= dur:
		return 0
	}

	remaining := 1 - m.s*(1-m.a)*
		((math.Pow(t, 2)/(m.tau*dur*(1-m.a))-t/m.tau-1)*math.Exp(-t/m.tau)+1)
	return math.Max(0, math.Min(1, remaining))
}

// EffectDuration implements Model
func (m *ExponentialModel) EffectDuration() time.Duration {
	return m.ActionDuration + m.OnsetDelay
}

// Delay implements Model
func (m *ExponentialModel) Delay() time.Duration {
	return m.OnsetDelay
}

// WalshModel is the legacy polynomial activity curve, fitted for 3 to 6 hour action durations.
type WalshModel struct {
	ActionDuration time.Duration
	OnsetDelay     time.Duration
}

// NewWalshModel creates a Walsh model. Durations outside 3-6 hours use the nearest fitted curve.
func NewWalshModel(actionDuration, delay time.Duration) *WalshModel {
	return &WalshModel{ActionDuration: actionDuration, OnsetDelay: delay}
}

// PercentEffectRemaining implements Model
func (m *WalshModel) PercentEffectRemaining(elapsed time.Duration) float64 {
	t := elapsed - m.OnsetDelay
	switch {
	case t <= 0:
		return 1
	case t >= m.ActionDuration:
		return 0
	}

	hours := math.Round(m.ActionDuration.Hours())
	hours = math.Max(3, math.Min(6, hours))
	minutes := t.Minutes() * hours * 60 / m.ActionDuration.Minutes()

	var iob float64
	switch hours {
	case 3:
		iob = -3.2030e-9*math.Pow(minutes, 4) + 1.354e-6*math.Pow(minutes, 3) - 1.759e-4*math.Pow(minutes, 2) + 9.255e-4*minutes + 0.99951
	case 4:
		iob = -3.310e-10*math.Pow(minutes, 4) + 2.530e-7*math.Pow(minutes, 3) - 5.510e-5*math.Pow(minutes, 2) - 9.086e-4*minutes + 0.99950
	case 5:
		iob = -2.950e-10*math.Pow(minutes, 4) + 2.320e-7*math.Pow(minutes, 3) - 5.550e-5*math.Pow(minutes, 2) + 4.490e-4*minutes + 0.99300
	default:
		iob = -1.493e-10*math.Pow(minutes, 4) + 1.413e-7*math.Pow(minutes, 3) - 4.095e-5*math.Pow(minutes, 2) + 6.365e-4*minutes + 0.99700
	}
	return math.Max(0, math.Min(1, iob))
}

// EffectDuration implements Model
func (m *WalshModel) EffectDuration() time.Duration {
	return m.ActionDuration + m.OnsetDelay
}

// Delay implements Model
func (m *WalshModel) Delay() time.Duration {
	return m.OnsetDelay
}
