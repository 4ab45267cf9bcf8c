// Package dosing turns a glucose forecast into a bounded insulin delivery recommendation.
package dosing

import (
	"math"
	"time"

	"github.com/mrcode/nightscout-loop/internal/insulin"
	"github.com/mrcode/nightscout-loop/internal/models"
)

// Correction classifies a forecast against the target range.
// The concrete types are InRange, AboveRange, BelowRange, EntirelyBelowRange and Suspend.
type Correction interface {
	// Units is the signed insulin needed to reach target; zero when none is computed.
	Units() float64
	Kind() string
	correction()
}

// InRange means no correction is needed.
type InRange struct{}

// AboveRange means the eventual glucose is above the target range.
type AboveRange struct {
	Min        models.PredictedGlucoseValue
	Correcting models.PredictedGlucoseValue
	// MinTarget is the lower target bound at the eventual glucose; a Min below it
	// limits the correction to basal only.
	MinTarget   float64
	CorrectionU float64
}

// BelowRange means the forecast dips below target but ends within it.
type BelowRange struct {
	Min       models.PredictedGlucoseValue
	MinTarget float64
}

// EntirelyBelowRange means both the minimum and eventual glucose are below target.
type EntirelyBelowRange struct {
	Min         models.PredictedGlucoseValue
	MinTarget   float64
	CorrectionU float64
}

// Suspend means a predicted value falls below the suspend threshold.
type Suspend struct {
	Min models.PredictedGlucoseValue
}

func (InRange) Units() float64              { return 0 }
func (c AboveRange) Units() float64         { return c.CorrectionU }
func (BelowRange) Units() float64           { return 0 }
func (c EntirelyBelowRange) Units() float64 { return c.CorrectionU }
func (Suspend) Units() float64              { return 0 }

func (InRange) Kind() string            { return "inRange" }
func (AboveRange) Kind() string         { return "aboveRange" }
func (BelowRange) Kind() string         { return "belowRange" }
func (EntirelyBelowRange) Kind() string { return "entirelyBelowRange" }
func (Suspend) Kind() string            { return "suspend" }

func (InRange) correction()            {}
func (AboveRange) correction()         {}
func (BelowRange) correction()         {}
func (EntirelyBelowRange) correction() {}
func (Suspend) correction()            {}

// Summary is the flat encoding of a Correction.
type Summary struct {
	Kind       string                        `json:"kind" msgpack:"kind"`
	Units      float64                       `json:"units" msgpack:"units"`
	Min        *models.PredictedGlucoseValue `json:"min,omitempty" msgpack:"min,omitempty"`
	Correcting *models.PredictedGlucoseValue `json:"correcting,omitempty" msgpack:"correcting,omitempty"`
	MinTarget  *float64                      `json:"minTarget,omitempty" msgpack:"minTarget,omitempty"`
}

// Summarize flattens c for encoding
func Summarize(c Correction) Summary {
	s := Summary{Kind: c.Kind(), Units: c.Units()}
	switch v := c.(type) {
	case InRange:
	case AboveRange:
		s.Min, s.Correcting, s.MinTarget = &v.Min, &v.Correcting, &v.MinTarget
	case BelowRange:
		s.Min, s.MinTarget = &v.Min, &v.MinTarget
	case EntirelyBelowRange:
		s.Min, s.MinTarget = &v.Min, &v.MinTarget
	case Suspend:
		s.Min = &v.Min
	}
	return s
}

// useSuspendThresholdUntil is the fraction of the effect duration during which
// predictions are corrected towards the suspend threshold instead of the target.
const useSuspendThresholdUntil = 0.5

const ulpOfOne = 0x1p-52

// targetValue blends from the suspend threshold to the target midpoint over the second half of the effect duration
func targetValue(percentEffectDuration, suspendThreshold, target float64) float64 {
	if percentEffectDuration <= useSuspendThresholdUntil {
		return suspendThreshold
	}
	if percentEffectDuration >= 1 {
		return target
	}
	slope := (target - suspendThreshold) / (1 - useSuspendThresholdUntil)
	return suspendThreshold + slope*(percentEffectDuration-useSuspendThresholdUntil)
}

// effectedSensitivity is the glucose drop one unit delivered at start produces by end
func effectedSensitivity(sensitivity models.SensitivitySchedule, model insulin.Model, start, end time.Time) float64 {
	var total float64
	for _, seg := range sensitivity.Between(start, end) {
		from := seg.StartDate
		if from.Before(start) {
			from = start
		}
		to := seg.EndDate
		if to.After(end) {
			to = end
		}
		total += (model.PercentEffectRemaining(from.Sub(start)) - model.PercentEffectRemaining(to.Sub(start))) * seg.Value
	}
	return total
}

func correctionUnits(from, to, sensitivity float64) (float64, bool) {
	if sensitivity <= 0 {
		return 0, false
	}
	return (from - to) / sensitivity, true
}

// InsulinCorrection compares the forecast within the model's effect duration after at against the target range.
//
// Any value below suspendThreshold yields Suspend. Otherwise the correction is the smallest dose that brings
// any single prediction to its time-dependent target, and the classification follows the minimum and eventual values.
func InsulinCorrection(
	prediction []models.PredictedGlucoseValue,
	at time.Time,
	target models.TargetSchedule,
	suspendThreshold float64,
	sensitivity models.SensitivitySchedule,
	model insulin.Model,
) Correction {
	var (
		minGlucose, eventual, correcting models.PredictedGlucoseValue
		found, haveCorrection            bool
		minUnits                         float64
	)
	duration := model.EffectDuration()
	end := at.Add(duration)

	for _, p := range prediction {
		if p.Date.Before(at) || p.Date.After(end) {
			continue
		}
		if p.Quantity < suspendThreshold {
			return Suspend{Min: p}
		}
		if !found || p.Quantity < minGlucose.Quantity {
			minGlucose = p
		}
		eventual = p
		found = true

		rng, ok := target.ValueAt(p.Date)
		if !ok {
			continue
		}
		elapsed := p.Date.Sub(at)
		goal := targetValue(elapsed.Seconds()/duration.Seconds(), suspendThreshold, rng.Midpoint())
		units, ok := correctionUnits(p.Quantity, goal, effectedSensitivity(sensitivity, model, at, p.Date))
		if !ok || units <= 0 {
			continue
		}
		if !haveCorrection || units < minUnits {
			correcting, minUnits, haveCorrection = p, units, true
		}
	}
	if !found {
		return InRange{}
	}

	minTargets, okMin := target.ValueAt(minGlucose.Date)
	eventualTargets, okEventual := target.ValueAt(eventual.Date)
	if !okMin || !okEventual {
		return InRange{}
	}

	switch {
	case minGlucose.Quantity < minTargets.MinValue && eventual.Quantity < eventualTargets.MinValue:
		// at elapsed 0 nothing is effected yet; a tiny fraction keeps the result a large negative number
		percent := math.Max(ulpOfOne, 1-model.PercentEffectRemaining(minGlucose.Date.Sub(at)))
		isf, _ := sensitivity.ValueAt(minGlucose.Date)
		units, ok := correctionUnits(minGlucose.Quantity, minTargets.Midpoint(), isf*percent)
		if !ok {
			return InRange{}
		}
		return EntirelyBelowRange{Min: minGlucose, MinTarget: minTargets.MinValue, CorrectionU: units}
	case eventual.Quantity > eventualTargets.MaxValue && haveCorrection:
		return AboveRange{Min: minGlucose, Correcting: correcting, MinTarget: eventualTargets.MinValue, CorrectionU: minUnits}
	case minGlucose.Quantity < minTargets.MinValue:
		return BelowRange{Min: minGlucose, MinTarget: minTargets.MinValue}
	default:
		return InRange{}
	}
}
