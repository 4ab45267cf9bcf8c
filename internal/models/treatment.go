package models

import (
	"strings"
	"time"
)

// Treatment represents a treatment entry from Nightscout (insulin, carbs, etc.)
type Treatment struct {
	ID             string  `json:"_id"`
	EventType      string  `json:"eventType"`
	Date           int64   `json:"date"` // Unix timestamp in milliseconds
	CreatedAt      string  `json:"created_at"`
	Insulin        float64 `json:"insulin"`        // Units of insulin
	Carbs          float64 `json:"carbs"`          // Grams of carbohydrates
	AbsorptionTime float64 `json:"absorptionTime"` // Minutes, uploaded by loop controllers
	Duration       float64 `json:"duration"`       // Duration in minutes (for temp basals, etc.)
	Notes          string  `json:"notes"`
	EnteredBy      string  `json:"enteredBy"`
	SyncIdentifier string  `json:"syncIdentifier"`
	InsulinType    string  `json:"insulinType"`

	// For basal changes
	Absolute float64  `json:"absolute"` // Basal change in absolute value
	Rate     *float64 `json:"rate"`
}

// Time returns the time of the treatment
func (t *Treatment) Time() time.Time {
	if t.Date > 0 {
		return time.UnixMilli(t.Date).UTC()
	}
	// Fallback to created_at
	parsed, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

// HasInsulin returns true if this treatment includes insulin
func (t *Treatment) HasInsulin() bool {
	return t.Insulin > 0
}

// HasCarbs returns true if this treatment includes carbohydrates
func (t *Treatment) HasCarbs() bool {
	return t.Carbs > 0
}

// IsBolus returns true if this is a bolus treatment
func (t *Treatment) IsBolus() bool {
	bolusTypes := map[string]bool{
		TreatmentEventTypes.SnackBolus:      true,
		TreatmentEventTypes.MealBolus:       true,
		TreatmentEventTypes.CorrectionBolus: true,
		TreatmentEventTypes.ComboBolus:      true,
		TreatmentEventTypes.BolusWizard:     true,
		"Bolus":                             true,
	}
	return bolusTypes[t.EventType] || (t.HasInsulin() && t.EventType != TreatmentEventTypes.TempBasal)
}

// basalRate returns the absolute temp basal rate in U/hr
func (t *Treatment) basalRate() float64 {
	if t.Rate != nil {
		return *t.Rate
	}
	return t.Absolute
}

func (t *Treatment) identifier() string {
	if t.SyncIdentifier != "" {
		return t.SyncIdentifier
	}
	return t.ID
}

// DoseEntry converts the treatment into a dose, if it represents insulin delivery.
func (t *Treatment) DoseEntry() (DoseEntry, bool) {
	start := t.Time()
	if start.IsZero() {
		return DoseEntry{}, false
	}
	duration := time.Duration(t.Duration * float64(time.Minute))

	switch {
	case t.EventType == TreatmentEventTypes.TempBasal:
		if duration < 0 {
			return DoseEntry{}, false
		}
		// zero duration marks a cancel of the running temp basal
		return DoseEntry{
			Type:           DoseTypeTempBasal,
			StartDate:      start,
			EndDate:        start.Add(duration),
			Value:          t.basalRate(),
			Unit:           DoseUnitUnitsPerHour,
			SyncIdentifier: t.identifier(),
		}, true
	case t.EventType == TreatmentEventTypes.SuspendPump:
		// without a duration the end is left to the next resume
		return DoseEntry{
			Type:           DoseTypeSuspend,
			StartDate:      start,
			EndDate:        start.Add(duration),
			Unit:           DoseUnitUnitsPerHour,
			SyncIdentifier: t.identifier(),
		}, true
	case t.EventType == TreatmentEventTypes.ResumePump:
		return DoseEntry{
			Type:           DoseTypeResume,
			StartDate:      start,
			EndDate:        start,
			Unit:           DoseUnitUnitsPerHour,
			SyncIdentifier: t.identifier(),
		}, true
	case t.IsBolus() && t.HasInsulin():
		delivered := t.Insulin
		return DoseEntry{
			Type:            DoseTypeBolus,
			StartDate:       start,
			EndDate:         start.Add(duration),
			Value:           t.Insulin,
			Unit:            DoseUnitUnits,
			DeliveredUnits:  &delivered,
			InsulinType:     InsulinType(strings.ToLower(t.InsulinType)),
			SyncIdentifier:  t.identifier(),
			ManuallyEntered: t.isManual(),
		}, true
	}
	return DoseEntry{}, false
}

// CarbEntry converts the treatment into a carb entry, if it carries carbohydrates.
func (t *Treatment) CarbEntry() (CarbEntry, bool) {
	if !t.HasCarbs() {
		return CarbEntry{}, false
	}
	start := t.Time()
	if start.IsZero() {
		return CarbEntry{}, false
	}
	return CarbEntry{
		StartDate:      start,
		Grams:          t.Carbs,
		AbsorptionTime: time.Duration(t.AbsorptionTime * float64(time.Minute)),
		SyncIdentifier: t.identifier(),
	}, true
}

// isManual reports whether the bolus was logged by hand rather than delivered by a controller
func (t *Treatment) isManual() bool {
	by := strings.ToLower(t.EnteredBy)
	return by == "" || strings.Contains(by, "careportal") || strings.Contains(by, "manual")
}

// TreatmentEventTypes contains the Nightscout event types read by the loop
var TreatmentEventTypes = struct {
	SnackBolus      string
	MealBolus       string
	CorrectionBolus string
	CarbCorrection  string
	ComboBolus      string
	TempBasal       string
	SuspendPump     string
	ResumePump      string
	BolusWizard     string
}{
	SnackBolus:      "Snack Bolus",
	MealBolus:       "Meal Bolus",
	CorrectionBolus: "Correction Bolus",
	CarbCorrection:  "Carb Correction",
	ComboBolus:      "Combo Bolus",
	TempBasal:       "Temp Basal",
	SuspendPump:     "Suspend Pump",
	ResumePump:      "Resume Pump",
	BolusWizard:     "Bolus Wizard",
}
