package prediction

import (
	"time"

	"github.com/mrcode/nightscout-loop/internal/carbs"
	"github.com/mrcode/nightscout-loop/internal/glucose"
	"github.com/mrcode/nightscout-loop/internal/insulin"
	"github.com/mrcode/nightscout-loop/internal/models"
	"github.com/mrcode/nightscout-loop/internal/retrospective"
)

// Config contains the forecast parameters
type Config struct {
	Delta time.Duration
	// InsulinHistory is how far before the prediction start insulin effects are modelled.
	InsulinHistory       time.Duration
	MomentumDataInterval time.Duration
	MomentumDuration     time.Duration
	// MomentumDegree above 1 fits a polynomial instead of a line.
	MomentumDegree      int
	MaxCounteractionGap time.Duration
	// RecencyInterval is how old the latest discrepancy may be for retrospective correction.
	RecencyInterval time.Duration

	Carbs  carbs.Config
	Models *insulin.ModelProvider
}

// DefaultConfig returns the standard forecast configuration
func DefaultConfig() Config {
	return Config{
		Delta:                5 * time.Minute,
		InsulinHistory:       10 * time.Hour,
		MomentumDataInterval: glucose.MomentumDataInterval,
		MomentumDuration:     glucose.MomentumDuration,
		MomentumDegree:       1,
		MaxCounteractionGap:  glucose.MaxCounteractionGap,
		RecencyInterval:      15 * time.Minute,
		Carbs:                carbs.DefaultConfig(),
		Models:               insulin.NewModelProvider(nil),
	}
}

// Input is the history and therapy settings a forecast is computed from.
// Slices must be in chronological order.
type Input struct {
	Start       time.Time
	Glucose     []models.GlucoseSample
	Doses       []models.DoseEntry
	CarbEntries []models.CarbEntry
	Basal       models.BasalSchedule
	Sensitivity models.SensitivitySchedule
	CarbRatio   models.CarbRatioSchedule

	Options                            EffectsOptions
	UseIntegralRetrospectiveCorrection bool
}

// Effects holds the intermediate effect curves of a forecast.
type Effects struct {
	Insulin                    []models.GlucoseEffect         `json:"insulin" msgpack:"insulin"`
	Carbs                      []models.GlucoseEffect         `json:"carbs" msgpack:"carbs"`
	RetrospectiveCorrection    []models.GlucoseEffect         `json:"retrospectiveCorrection" msgpack:"retrospectiveCorrection"`
	Momentum                   []models.GlucoseEffect         `json:"momentum" msgpack:"momentum"`
	InsulinCounteraction       []models.GlucoseEffectVelocity `json:"insulinCounteraction" msgpack:"insulinCounteraction"`
	RetrospectiveDiscrepancies []models.GlucoseChange         `json:"retrospectiveDiscrepancies" msgpack:"retrospectiveDiscrepancies"`
}

// Prediction is a forecast with everything it was built from.
type Prediction struct {
	Glucose        []models.PredictedGlucoseValue `json:"glucose" msgpack:"glucose"`
	Effects        Effects                        `json:"effects" msgpack:"effects"`
	Retrospection  retrospective.Outcome          `json:"retrospection" msgpack:"retrospection"`
	CarbStatuses   []carbs.Status                 `json:"carbStatuses" msgpack:"carbStatuses"`
	AnnotatedDoses []models.DoseEntry             `json:"-" msgpack:"-"`
	ActiveInsulin  float64                        `json:"activeInsulin" msgpack:"activeInsulin"`
	ActiveCarbs    float64                        `json:"activeCarbs" msgpack:"activeCarbs"`
}

// Generate computes the glucose forecast for in.
// in.Glucose must not be empty; callers validate freshness and schedule coverage.
func Generate(in Input, cfg Config) Prediction {
	latest := in.Glucose[len(in.Glucose)-1]
	annotated := insulin.Annotate(in.Doses, in.Basal)

	// Insulin effects over the whole history the other stages look at
	insulinStart := glucose.FloorToInterval(in.Start.Add(-cfg.InsulinHistory), cfg.Delta)
	if first := glucose.FloorToInterval(in.Glucose[0].Date, cfg.Delta); first.After(insulinStart) {
		insulinStart = first
	}
	insulinEnd := in.Start
	for _, d := range annotated {
		if d.EndDate.After(insulinEnd) {
			insulinEnd = d.EndDate
		}
	}
	insulinEnd = glucose.CeilToInterval(insulinEnd.Add(cfg.Models.EffectDuration()), cfg.Delta)
	insulinEffects := insulin.GlucoseEffects(annotated, in.Sensitivity, cfg.Models, insulinStart, insulinEnd, cfg.Delta)

	ice := glucose.CounteractionEffects(in.Glucose, insulinEffects, cfg.MaxCounteractionGap)

	var rc retrospective.Correction = retrospective.NewStandard()
	if in.UseIntegralRetrospectiveCorrection {
		rc = retrospective.NewIntegral()
	}

	statuses := carbs.Map(in.CarbEntries, ice, in.CarbRatio, in.Sensitivity, cfg.Carbs)
	var carbEffects []models.GlucoseEffect
	if len(statuses) > 0 {
		carbStart := glucose.FloorToInterval(in.Start.Add(-retrospective.IntegralRetrospectionInterval), cfg.Delta)
		carbEnd := in.Start
		for i := range statuses {
			if end := statuses[i].MaxEndDate(cfg.Carbs.Delay); end.After(carbEnd) {
				carbEnd = end
			}
		}
		carbEffects = carbs.DynamicGlucoseEffects(statuses, in.CarbRatio, in.Sensitivity, carbStart, glucose.CeilToInterval(carbEnd, cfg.Delta), cfg.Carbs)
	}

	discrepancies := glucose.Subtract(ice, carbEffects)
	grouping := time.Duration(float64(retrospective.GroupingInterval) * retrospective.GroupingMultiplier)
	summed := glucose.CombinedSums(discrepancies, grouping)
	outcome := rc.ComputeEffect(latest, summed, cfg.RecencyInterval)

	var selected [][]models.GlucoseEffect
	if in.Options.Contains(Carbs) {
		selected = append(selected, carbEffects)
	}
	if in.Options.Contains(Insulin) {
		selected = append(selected, insulinEffects)
	}
	if in.Options.Contains(Retrospection) {
		selected = append(selected, outcome.Effects)
	}

	var momentum []models.GlucoseEffect
	if in.Options.Contains(Momentum) {
		recent := glucose.RecentSamples(in.Glucose, in.Start, cfg.MomentumDataInterval)
		momentum = glucose.PolynomialMomentumEffect(recent, cfg.MomentumDegree, cfg.MomentumDuration, cfg.Delta)
	}

	forecast := PredictGlucose(latest, momentum, selected...)
	forecast = ExtendFlat(forecast, latest.Date.Add(cfg.Models.EffectDuration()), cfg.Delta)

	iobDoses := make([]models.DoseEntry, 0, len(annotated))
	for _, d := range annotated {
		if d.StartDate.Before(in.Start) {
			iobDoses = append(iobDoses, d.Trimmed(d.StartDate, in.Start))
		}
	}

	return Prediction{
		Glucose: forecast,
		Effects: Effects{
			Insulin:                    insulinEffects,
			Carbs:                      carbEffects,
			RetrospectiveCorrection:    outcome.Effects,
			Momentum:                   momentum,
			InsulinCounteraction:       ice,
			RetrospectiveDiscrepancies: summed,
		},
		Retrospection:  outcome,
		CarbStatuses:   statuses,
		AnnotatedDoses: annotated,
		ActiveInsulin:  insulin.OnBoard(iobDoses, cfg.Models, in.Start, cfg.Delta),
		ActiveCarbs:    carbs.OnBoard(statuses, in.Start, cfg.Carbs),
	}
}
