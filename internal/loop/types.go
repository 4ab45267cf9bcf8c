package loop

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mrcode/nightscout-loop/internal/dosing"
	"github.com/mrcode/nightscout-loop/internal/models"
	"github.com/mrcode/nightscout-loop/internal/prediction"
)

// RecommendationType selects the dosing strategy.
type RecommendationType string

// Recommendation types
const (
	ManualBolus    RecommendationType = models.RecommendationManualBolus
	AutomaticBolus RecommendationType = models.RecommendationAutomaticBolus
	TempBasal      RecommendationType = models.RecommendationTempBasal
)

// Valid reports whether t is a known recommendation type
func (t RecommendationType) Valid() bool {
	switch t {
	case ManualBolus, AutomaticBolus, TempBasal:
		return true
	}
	return false
}

// Input is everything one decision is computed from. Histories are chronological; glucose in mg/dL.
type Input struct {
	// PredictionStart is the decision time; zero means the latest glucose reading.
	PredictionStart time.Time
	GlucoseHistory  []models.GlucoseSample
	Doses           []models.DoseEntry
	CarbEntries     []models.CarbEntry

	Basal       models.BasalSchedule
	Sensitivity models.SensitivitySchedule
	CarbRatio   models.CarbRatioSchedule
	Target      models.TargetSchedule

	SuspendThreshold   float64
	MaxBolus           float64
	MaxBasalRate       float64
	RecommendationType RecommendationType
	InsulinType        models.InsulinType

	// Effects selects the forecast effects; zero selects all of them.
	Effects                            prediction.EffectsOptions
	UseIntegralRetrospectiveCorrection bool
}

// start returns the decision time
func (in *Input) start() time.Time {
	if !in.PredictionStart.IsZero() || len(in.GlucoseHistory) == 0 {
		return in.PredictionStart
	}
	return in.GlucoseHistory[len(in.GlucoseHistory)-1].Date
}

// Output is the recommendation for Input.RecommendationType. Exactly one of ManualBolus, AutomaticBolus
// and TempBasal belongs to the result; the latter two are nil when no command is needed.
type Output struct {
	Type           RecommendationType
	ManualBolus    *dosing.ManualBolus
	AutomaticBolus *dosing.AutomaticDose
	TempBasal      *dosing.TempBasal

	Correction       dosing.Summary
	ActiveInsulin    float64
	ActiveCarbs      float64
	PredictionStart  time.Time
	PredictedGlucose []models.PredictedGlucoseValue
}

type outputJSON struct {
	ManualBolus    *dosing.ManualBolus `json:"manualBolus,omitempty"`
	AutomaticBolus *json.RawMessage    `json:"automaticBolus,omitempty"`
	TempBasal      *json.RawMessage    `json:"tempBasal,omitempty"`

	Correction       dosing.Summary                 `json:"correction"`
	ActiveInsulin    float64                        `json:"activeInsulin"`
	ActiveCarbs      float64                        `json:"activeCarbs"`
	PredictionStart  time.Time                      `json:"predictionStart"`
	PredictedGlucose []models.PredictedGlucoseValue `json:"predictedGlucose,omitempty"`
}

// rawOrNull encodes v, keeping a nil pointer as an explicit null
func rawOrNull(v any) (*json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(b)
	return &raw, nil
}

// MarshalJSON encodes the result under the key of its recommendation type
func (o Output) MarshalJSON() ([]byte, error) {
	out := outputJSON{
		Correction:       o.Correction,
		ActiveInsulin:    o.ActiveInsulin,
		ActiveCarbs:      o.ActiveCarbs,
		PredictionStart:  o.PredictionStart,
		PredictedGlucose: o.PredictedGlucose,
	}
	var err error
	switch o.Type {
	case ManualBolus:
		out.ManualBolus = o.ManualBolus
	case AutomaticBolus:
		out.AutomaticBolus, err = rawOrNull(o.AutomaticBolus)
	case TempBasal:
		out.TempBasal, err = rawOrNull(o.TempBasal)
	default:
		return nil, fmt.Errorf("unknown recommendation type %q", o.Type)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the result, deriving Type from the key present
func (o *Output) UnmarshalJSON(data []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	var in outputJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*o = Output{
		Correction:       in.Correction,
		ActiveInsulin:    in.ActiveInsulin,
		ActiveCarbs:      in.ActiveCarbs,
		PredictionStart:  in.PredictionStart,
		PredictedGlucose: in.PredictedGlucose,
	}
	if raw, ok := keys["manualBolus"]; ok {
		o.Type = ManualBolus
		return json.Unmarshal(raw, &o.ManualBolus)
	}
	if raw, ok := keys["automaticBolus"]; ok {
		o.Type = AutomaticBolus
		return json.Unmarshal(raw, &o.AutomaticBolus)
	}
	if raw, ok := keys["tempBasal"]; ok {
		o.Type = TempBasal
		return json.Unmarshal(raw, &o.TempBasal)
	}
	return fmt.Errorf("output has no recommendation")
}
