package loop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
	"github.com/mrcode/nightscout-loop/internal/prediction"
)

// Fixture wire types. Schedules are absolute segments; glucose values and targets are mg/dL
// unless the threshold names mmol/L.

type fixtureGlucose struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

type fixtureDose struct {
	Type            models.DoseType    `json:"type"`
	StartDate       time.Time          `json:"startDate"`
	EndDate         time.Time          `json:"endDate"`
	Volume          float64            `json:"volume"`
	Unit            models.DoseUnit    `json:"unit,omitempty"`
	DeliveredUnits  *float64           `json:"deliveredUnits,omitempty"`
	InsulinType     models.InsulinType `json:"insulinType,omitempty"`
	ManuallyEntered bool               `json:"manuallyEntered,omitempty"`
}

type fixtureCarb struct {
	Date  time.Time `json:"date"`
	Grams float64   `json:"grams"`
	// AbsorptionTime is in seconds.
	AbsorptionTime float64 `json:"absorptionTime,omitempty"`
}

type fixtureSegment[T any] struct {
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Value     T         `json:"value"`
}

type fixtureThreshold struct {
	Unit  string  `json:"unit"`
	Value float64 `json:"value"`
}

type fixtureSettings struct {
	Basal                              []fixtureSegment[float64]             `json:"basal"`
	Sensitivity                        []fixtureSegment[float64]             `json:"sensitivity"`
	CarbRatio                          []fixtureSegment[float64]             `json:"carbRatio"`
	Target                             []fixtureSegment[models.GlucoseRange] `json:"target"`
	MaximumBasalRatePerHour            *float64                              `json:"maximumBasalRatePerHour,omitempty"`
	MaximumBolus                       float64                               `json:"maximumBolus"`
	SuspendThreshold                   fixtureThreshold                      `json:"suspendThreshold"`
	UseIntegralRetrospectiveCorrection bool                                  `json:"useIntegralRetrospectiveCorrection,omitempty"`
	Effects                            []string                              `json:"algorithmEffectsOptions,omitempty"`
}

type fixtureInput struct {
	PredictionStart           *time.Time         `json:"predictionStart,omitempty"`
	GlucoseHistory            []fixtureGlucose   `json:"glucoseHistory"`
	Doses                     []fixtureDose      `json:"doses"`
	CarbEntries               []fixtureCarb      `json:"carbEntries"`
	Settings                  fixtureSettings    `json:"settings"`
	RecommendationInsulinType models.InsulinType `json:"recommendationInsulinType,omitempty"`
	RecommendationType        RecommendationType `json:"recommendationType"`
}

func toSchedule[T any](segments []fixtureSegment[T]) models.Schedule[T] {
	out := make(models.Schedule[T], len(segments))
	for i, s := range segments {
		out[i] = models.ScheduleSegment[T]{StartDate: s.StartDate.UTC(), EndDate: s.EndDate.UTC(), Value: s.Value}
	}
	return out
}

func fromSchedule[T any](schedule models.Schedule[T]) []fixtureSegment[T] {
	out := make([]fixtureSegment[T], len(schedule))
	for i, s := range schedule {
		out[i] = fixtureSegment[T]{StartDate: s.StartDate, EndDate: s.EndDate, Value: s.Value}
	}
	return out
}

// DecodeFixture reads an algorithm input from JSON.
// Target lower and upper bounds come from minValue and maxValue respectively.
func DecodeFixture(r io.Reader) (Input, error) {
	var f fixtureInput
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return Input{}, fmt.Errorf("failed to decode fixture: %w", err)
	}

	in := Input{
		GlucoseHistory:                     make([]models.GlucoseSample, len(f.GlucoseHistory)),
		Doses:                              make([]models.DoseEntry, len(f.Doses)),
		CarbEntries:                        make([]models.CarbEntry, len(f.CarbEntries)),
		Basal:                              toSchedule(f.Settings.Basal),
		Sensitivity:                        toSchedule(f.Settings.Sensitivity),
		CarbRatio:                          toSchedule(f.Settings.CarbRatio),
		Target:                             toSchedule(f.Settings.Target),
		MaxBolus:                           f.Settings.MaximumBolus,
		MaxBasalRate:                       math.Inf(1),
		RecommendationType:                 f.RecommendationType,
		InsulinType:                        f.RecommendationInsulinType,
		UseIntegralRetrospectiveCorrection: f.Settings.UseIntegralRetrospectiveCorrection,
	}
	if f.PredictionStart != nil {
		in.PredictionStart = f.PredictionStart.UTC()
	}
	if f.Settings.MaximumBasalRatePerHour != nil {
		in.MaxBasalRate = *f.Settings.MaximumBasalRatePerHour
	}

	switch strings.ToLower(f.Settings.SuspendThreshold.Unit) {
	case "", "mg/dl":
		in.SuspendThreshold = f.Settings.SuspendThreshold.Value
	case "mmol/l":
		in.SuspendThreshold = models.ToMgdl(f.Settings.SuspendThreshold.Value)
	default:
		return Input{}, &ValidationError{Field: "suspendThreshold", Reason: "unknown unit " + f.Settings.SuspendThreshold.Unit}
	}

	for _, seg := range in.Target {
		if seg.Value.MinValue > seg.Value.MaxValue {
			return Input{}, &ValidationError{Field: "target", Reason: fmt.Sprintf("minValue %v above maxValue %v", seg.Value.MinValue, seg.Value.MaxValue)}
		}
	}

	if len(f.Settings.Effects) > 0 {
		options, err := prediction.ParseEffectsOptions(f.Settings.Effects)
		if err != nil {
			return Input{}, &ValidationError{Field: "algorithmEffectsOptions", Reason: err.Error()}
		}
		in.Effects = options
	}

	for i, g := range f.GlucoseHistory {
		in.GlucoseHistory[i] = models.GlucoseSample{Date: g.Date.UTC(), Quantity: g.Value}
	}
	for i, d := range f.Doses {
		unit := d.Unit
		if unit == "" {
			unit = models.DoseUnitUnits
		}
		in.Doses[i] = models.DoseEntry{
			Type:            d.Type,
			StartDate:       d.StartDate.UTC(),
			EndDate:         d.EndDate.UTC(),
			Value:           d.Volume,
			Unit:            unit,
			DeliveredUnits:  d.DeliveredUnits,
			InsulinType:     d.InsulinType,
			ManuallyEntered: d.ManuallyEntered,
		}
	}
	for i, c := range f.CarbEntries {
		in.CarbEntries[i] = models.CarbEntry{
			StartDate:      c.Date.UTC(),
			Grams:          c.Grams,
			AbsorptionTime: time.Duration(c.AbsorptionTime * float64(time.Second)),
		}
	}
	return in, nil
}

// EncodeFixture writes in as indented JSON readable by DecodeFixture
func EncodeFixture(w io.Writer, in Input) error {
	f := fixtureInput{
		GlucoseHistory: make([]fixtureGlucose, len(in.GlucoseHistory)),
		Doses:          make([]fixtureDose, len(in.Doses)),
		CarbEntries:    make([]fixtureCarb, len(in.CarbEntries)),
		Settings: fixtureSettings{
			Basal:                              fromSchedule(in.Basal),
			Sensitivity:                        fromSchedule(in.Sensitivity),
			CarbRatio:                          fromSchedule(in.CarbRatio),
			Target:                             fromSchedule(in.Target),
			MaximumBolus:                       in.MaxBolus,
			SuspendThreshold:                   fixtureThreshold{Unit: "mg/dL", Value: in.SuspendThreshold},
			UseIntegralRetrospectiveCorrection: in.UseIntegralRetrospectiveCorrection,
		},
		RecommendationInsulinType: in.InsulinType,
		RecommendationType:        in.RecommendationType,
	}
	if !in.PredictionStart.IsZero() {
		start := in.PredictionStart
		f.PredictionStart = &start
	}
	if !math.IsInf(in.MaxBasalRate, 1) {
		rate := in.MaxBasalRate
		f.Settings.MaximumBasalRatePerHour = &rate
	}
	if in.Effects != 0 && in.Effects != prediction.All {
		f.Settings.Effects = strings.Split(in.Effects.String(), ",")
	}
	for i, g := range in.GlucoseHistory {
		f.GlucoseHistory[i] = fixtureGlucose{Date: g.Date, Value: g.Quantity}
	}
	for i, d := range in.Doses {
		f.Doses[i] = fixtureDose{
			Type:            d.Type,
			StartDate:       d.StartDate,
			EndDate:         d.EndDate,
			Volume:          d.Value,
			Unit:            d.Unit,
			DeliveredUnits:  d.DeliveredUnits,
			InsulinType:     d.InsulinType,
			ManuallyEntered: d.ManuallyEntered,
		}
	}
	for i, c := range in.CarbEntries {
		f.CarbEntries[i] = fixtureCarb{Date: c.StartDate, Grams: c.Grams, AbsorptionTime: c.AbsorptionTime.Seconds()}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("failed to encode fixture: %w", err)
	}
	return nil
}

// MarshalJSON encodes in in the fixture format
func (in Input) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeFixture(&buf, in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the fixture format
func (in *Input) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeFixture(bytes.NewReader(data))
	if err != nil {
		return err
	}
	*in = decoded
	return nil
}
