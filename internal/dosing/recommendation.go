package dosing

import (
	"math"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// Dosing defaults
const (
	BolusPartialApplicationFactor = 0.4
	TempBasalDuration             = 30 * time.Minute
	TempBasalContinuationInterval = 11 * time.Minute
)

// rateTolerance is how close two rounded rates must be to count as equal
const rateTolerance = 1e-7

// Policy holds the translator constants.
type Policy struct {
	TempBasalDuration             time.Duration
	ContinuationInterval          time.Duration
	BolusPartialApplicationFactor float64
}

// DefaultPolicy returns the standard translator constants
func DefaultPolicy() Policy {
	return Policy{
		TempBasalDuration:             TempBasalDuration,
		ContinuationInterval:          TempBasalContinuationInterval,
		BolusPartialApplicationFactor: BolusPartialApplicationFactor,
	}
}

// Limits is the pump state and safety bounds a recommendation is made under.
type Limits struct {
	ScheduledBasalRate float64
	ActiveInsulin      float64
	MaxBolus           float64
	MaxBasalRate       float64
	RateRounder        Rounder
	VolumeRounder      Rounder
	// LastTempBasal is the temp basal running at the decision time, if any.
	LastTempBasal *models.DoseEntry
	// OverrideActive means the pump's basal schedule differs from the scheduled rate.
	OverrideActive bool
}

// TempBasal is a temporary basal rate command. A zero duration cancels the running temp basal.
type TempBasal struct {
	UnitsPerHour float64       `json:"unitsPerHour" msgpack:"unitsPerHour"`
	Duration     time.Duration `json:"duration" msgpack:"duration"`
}

// CancelTempBasal returns the command that resumes the scheduled basal
func CancelTempBasal() TempBasal {
	return TempBasal{}
}

// IsCancel reports whether t cancels the running temp basal
func (t TempBasal) IsCancel() bool {
	return t.Duration == 0
}

func (t TempBasal) matchesRate(rate float64) bool {
	return math.Abs(rate-t.UnitsPerHour) < rateTolerance
}

// AutomaticDose is a combined temp basal and bolus command.
type AutomaticDose struct {
	BasalAdjustment *TempBasal `json:"basalAdjustment,omitempty" msgpack:"basalAdjustment,omitempty"`
	BolusUnits      float64    `json:"bolusUnits" msgpack:"bolusUnits"`
}

// NoticeKind names an advisory attached to a manual bolus.
type NoticeKind string

// Manual bolus notices
const (
	NoticeGlucoseBelowSuspendThreshold NoticeKind = "glucoseBelowSuspendThreshold"
	NoticeAllGlucoseBelowTarget        NoticeKind = "allGlucoseBelowTarget"
	NoticePredictedGlucoseBelowTarget  NoticeKind = "predictedGlucoseBelowTarget"
	NoticeCurrentGlucoseBelowTarget    NoticeKind = "currentGlucoseBelowTarget"
)

// Notice is an advisory that does not change the recommended units.
type Notice struct {
	Kind    NoticeKind `json:"kind" msgpack:"kind"`
	Date    time.Time  `json:"date" msgpack:"date"`
	Glucose float64    `json:"glucose" msgpack:"glucose"`
}

// ManualBolus is a suggested bolus for the user to confirm.
type ManualBolus struct {
	Units  float64 `json:"units" msgpack:"units"`
	Notice *Notice `json:"notice,omitempty" msgpack:"notice,omitempty"`
}

// asTempBasal converts c into a rate over duration, clamped to [0, maxRate]
func asTempBasal(c Correction, scheduledRate, maxRate float64, duration time.Duration, rounder Rounder) TempBasal {
	rate := c.Units() / duration.Hours()
	switch c.(type) {
	case Suspend:
	case InRange, AboveRange, BelowRange, EntirelyBelowRange:
		rate += scheduledRate
	}
	rate = math.Max(0, math.Min(maxRate, rate))
	return TempBasal{UnitsPerHour: rounder.apply(rate), Duration: duration}
}

// ifNecessary drops commands the pump is already executing.
//
// A running temp basal at the same rate that started less than the continuation interval ago is left alone.
// When the new rate equals the scheduled rate the running temp basal is cancelled, or nothing is sent if
// none is running.
func ifNecessary(t TempBasal, at time.Time, lim Limits, continuation time.Duration) *TempBasal {
	last := lim.LastTempBasal
	if last != nil && last.Type == models.DoseTypeTempBasal && last.EndDate.After(at) {
		if t.matchesRate(programmedRate(*last)) && at.Sub(last.StartDate) < continuation {
			return nil
		}
		if t.matchesRate(lim.ScheduledBasalRate) && !lim.OverrideActive {
			cancel := CancelTempBasal()
			return &cancel
		}
		return &t
	}
	if t.matchesRate(lim.ScheduledBasalRate) && !lim.OverrideActive {
		return nil
	}
	return &t
}

// programmedRate is the rate the pump was told to run, not the average delivered so far
func programmedRate(d models.DoseEntry) float64 {
	if d.Unit == models.DoseUnitUnitsPerHour {
		return d.Value
	}
	return d.UnitsPerHour()
}

// basalOnly reports whether c is a high correction whose forecast minimum is still under the lower target
func basalOnly(c Correction) bool {
	above, ok := c.(AboveRange)
	return ok && above.Min.Quantity < above.MinTarget
}

// RecommendTempBasal converts c into a temp basal, or nil when the pump needs no new command.
//
// The rate is capped so that delivering it for the temp basal duration keeps insulin on board
// under twice the maximum bolus.
func RecommendTempBasal(c Correction, at time.Time, lim Limits, p Policy) *TempBasal {
	maxRate := lim.MaxBasalRate
	if basalOnly(c) {
		maxRate = lim.ScheduledBasalRate
	}

	headroom := 2*lim.MaxBolus - lim.ActiveInsulin
	iobCap := headroom/p.TempBasalDuration.Hours() + lim.ScheduledBasalRate
	maxRate = math.Min(maxRate, iobCap)

	temp := asTempBasal(c, lim.ScheduledBasalRate, maxRate, p.TempBasalDuration, lim.RateRounder)
	return ifNecessary(temp, at, lim, p.ContinuationInterval)
}

// RecommendAutomaticDose splits c into an immediate partial bolus and a temp basal no higher than the
// scheduled rate. It returns nil when neither is needed.
func RecommendAutomaticDose(c Correction, at time.Time, lim Limits, p Policy) *AutomaticDose {
	maxAutomaticBolus := lim.MaxBolus * p.BolusPartialApplicationFactor
	if basalOnly(c) {
		maxAutomaticBolus = 0
	}

	temp := asTempBasal(c, lim.ScheduledBasalRate, lim.ScheduledBasalRate, p.TempBasalDuration, lim.RateRounder)
	basal := ifNecessary(temp, at, lim, p.ContinuationInterval)

	partial := lim.VolumeRounder.apply(c.Units() * p.BolusPartialApplicationFactor)
	bolus := math.Min(math.Max(0, partial), lim.VolumeRounder.apply(maxAutomaticBolus))

	if basal == nil && bolus <= 0 {
		return nil
	}
	return &AutomaticDose{BasalAdjustment: basal, BolusUnits: bolus}
}

// notice returns the advisory implied by the correction itself
func notice(c Correction) *Notice {
	switch v := c.(type) {
	case Suspend:
		return &Notice{Kind: NoticeGlucoseBelowSuspendThreshold, Date: v.Min.Date, Glucose: v.Min.Quantity}
	case EntirelyBelowRange:
		return &Notice{Kind: NoticeAllGlucoseBelowTarget, Date: v.Min.Date, Glucose: v.Min.Quantity}
	case AboveRange:
		if v.CorrectionU > 0 && v.Min.Quantity < v.MinTarget {
			return &Notice{Kind: NoticePredictedGlucoseBelowTarget, Date: v.Min.Date, Glucose: v.Min.Quantity}
		}
	case BelowRange:
		return &Notice{Kind: NoticePredictedGlucoseBelowTarget, Date: v.Min.Date, Glucose: v.Min.Quantity}
	case InRange:
	}
	return nil
}

// RecommendManualBolus converts the full correction into bolus units capped at maxBolus.
// A current reading below the lower target replaces any other notice.
func RecommendManualBolus(c Correction, maxBolus float64, current models.GlucoseSample, target models.TargetSchedule) ManualBolus {
	bolus := ManualBolus{
		Units:  math.Min(maxBolus, math.Max(0, c.Units())),
		Notice: notice(c),
	}
	if rng, ok := target.ValueAt(current.Date); ok && current.Quantity < rng.MinValue {
		bolus.Notice = &Notice{Kind: NoticeCurrentGlucoseBelowTarget, Date: current.Date, Glucose: current.Quantity}
	}
	return bolus
}
