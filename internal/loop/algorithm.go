package loop

import (
	"sort"
	"time"

	"github.com/mrcode/nightscout-loop/internal/dosing"
	"github.com/mrcode/nightscout-loop/internal/models"
	"github.com/mrcode/nightscout-loop/internal/prediction"
)

// Algorithm computes recommendations. It holds only read-only configuration and is safe for concurrent use.
type Algorithm struct {
	cfg Config
}

// NewAlgorithm creates an algorithm with the given constants
func NewAlgorithm(cfg Config) *Algorithm {
	return &Algorithm{cfg: cfg}
}

// Config returns the algorithm constants
func (a *Algorithm) Config() Config {
	return a.cfg
}

// validate checks the input and returns the decision time and the scheduled basal rate at it
func (a *Algorithm) validate(in *Input) (time.Time, float64, error) {
	if len(in.GlucoseHistory) == 0 {
		return time.Time{}, 0, ErrMissingGlucose
	}
	if !sort.SliceIsSorted(in.GlucoseHistory, func(i, j int) bool {
		return in.GlucoseHistory[i].Date.Before(in.GlucoseHistory[j].Date)
	}) {
		return time.Time{}, 0, &ValidationError{Field: "glucoseHistory", Reason: "not in chronological order"}
	}
	if !sort.SliceIsSorted(in.Doses, func(i, j int) bool {
		return in.Doses[i].StartDate.Before(in.Doses[j].StartDate)
	}) {
		return time.Time{}, 0, &ValidationError{Field: "doses", Reason: "not in chronological order"}
	}
	for _, d := range in.Doses {
		if !d.Type.Valid() {
			return time.Time{}, 0, &ValidationError{Field: "doses", Reason: "unknown dose type " + string(d.Type)}
		}
	}
	if in.MaxBolus < 0 {
		return time.Time{}, 0, &ValidationError{Field: "maxBolus", Reason: "must not be negative"}
	}
	if in.MaxBasalRate < 0 {
		return time.Time{}, 0, &ValidationError{Field: "maxBasalRate", Reason: "must not be negative"}
	}
	if !in.RecommendationType.Valid() {
		return time.Time{}, 0, &ValidationError{Field: "recommendationType", Reason: "unknown type " + string(in.RecommendationType)}
	}

	start := in.start()
	latest := in.GlucoseHistory[len(in.GlucoseHistory)-1]
	if start.Sub(latest.Date) >= a.cfg.RecencyInterval {
		return time.Time{}, 0, ErrGlucoseTooOld
	}

	if !in.Basal.IsSorted() || !in.Sensitivity.IsSorted() || !in.CarbRatio.IsSorted() || !in.Target.IsSorted() {
		return time.Time{}, 0, &ValidationError{Field: "schedules", Reason: "segments not ordered by start date"}
	}
	scheduled, ok := in.Basal.ValueAt(start)
	if !ok {
		return time.Time{}, 0, &CoverageError{Schedule: "basal", At: start}
	}
	if len(in.Doses) > 0 && in.Doses[0].StartDate.Before(in.Basal.StartDate()) {
		return time.Time{}, 0, &CoverageError{Schedule: "basal", At: in.Doses[0].StartDate}
	}
	if _, ok := in.Sensitivity.ValueAt(start); !ok {
		return time.Time{}, 0, &CoverageError{Schedule: "sensitivity", At: start}
	}
	if _, ok := in.Target.ValueAt(start); !ok {
		return time.Time{}, 0, &CoverageError{Schedule: "target", At: start}
	}
	if len(in.CarbEntries) > 0 && len(in.CarbRatio) == 0 {
		return time.Time{}, 0, &CoverageError{Schedule: "carbRatio", At: in.CarbEntries[0].StartDate}
	}
	return start, scheduled, nil
}

func (a *Algorithm) generate(in *Input, start time.Time) prediction.Prediction {
	options := in.Effects
	if options == 0 {
		options = prediction.All
	}
	return prediction.Generate(prediction.Input{
		Start:                              start,
		Glucose:                            in.GlucoseHistory,
		Doses:                              in.Doses,
		CarbEntries:                        in.CarbEntries,
		Basal:                              in.Basal,
		Sensitivity:                        in.Sensitivity,
		CarbRatio:                          in.CarbRatio,
		Options:                            options,
		UseIntegralRetrospectiveCorrection: in.UseIntegralRetrospectiveCorrection,
	}, a.cfg.Prediction)
}

// Predict validates in and returns the forecast with its intermediate effects
func (a *Algorithm) Predict(in Input) (prediction.Prediction, error) {
	start, _, err := a.validate(&in)
	if err != nil {
		return prediction.Prediction{}, err
	}
	return a.generate(&in, start), nil
}

// lastTempBasal returns the temp basal running at t
func lastTempBasal(doses []models.DoseEntry, t time.Time) *models.DoseEntry {
	for i := range doses {
		d := doses[i]
		if d.Type == models.DoseTypeTempBasal && d.StartDate.Before(t) && d.EndDate.After(t) {
			return &d
		}
	}
	return nil
}

// Run validates in and returns the recommendation for its recommendation type
func (a *Algorithm) Run(in Input) (Output, error) {
	start, scheduled, err := a.validate(&in)
	if err != nil {
		return Output{}, err
	}
	pred := a.generate(&in, start)

	model := a.cfg.Prediction.Models.Model(in.InsulinType)
	correction := dosing.InsulinCorrection(pred.Glucose, start, in.Target, in.SuspendThreshold, in.Sensitivity, model)

	out := Output{
		Type:             in.RecommendationType,
		Correction:       dosing.Summarize(correction),
		ActiveInsulin:    pred.ActiveInsulin,
		ActiveCarbs:      pred.ActiveCarbs,
		PredictionStart:  start,
		PredictedGlucose: pred.Glucose,
	}
	limits := dosing.Limits{
		ScheduledBasalRate: scheduled,
		ActiveInsulin:      pred.ActiveInsulin,
		MaxBolus:           in.MaxBolus,
		MaxBasalRate:       in.MaxBasalRate,
		RateRounder:        dosing.FloorToIncrement(a.cfg.RateIncrement),
		VolumeRounder:      dosing.FloorToIncrement(a.cfg.VolumeIncrement),
		LastTempBasal:      lastTempBasal(in.Doses, start),
	}

	switch in.RecommendationType {
	case ManualBolus:
		latest := in.GlucoseHistory[len(in.GlucoseHistory)-1]
		bolus := dosing.RecommendManualBolus(correction, in.MaxBolus, latest, in.Target)
		out.ManualBolus = &bolus
	case AutomaticBolus:
		out.AutomaticBolus = dosing.RecommendAutomaticDose(correction, start, limits, a.cfg.Policy)
	case TempBasal:
		out.TempBasal = dosing.RecommendTempBasal(correction, start, limits, a.cfg.Policy)
	}
	return out, nil
}
