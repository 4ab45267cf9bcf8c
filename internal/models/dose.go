package models

import "time"

// DoseType classifies an insulin delivery event.
type DoseType string

// Dose types
const (
	DoseTypeBasal     DoseType = "basal"
	DoseTypeTempBasal DoseType = "tempBasal"
	DoseTypeBolus     DoseType = "bolus"
	DoseTypeSuspend   DoseType = "suspend"
	DoseTypeResume    DoseType = "resume"
)

// Valid reports whether t is a known dose type
func (t DoseType) Valid() bool {
	switch t {
	case DoseTypeBasal, DoseTypeTempBasal, DoseTypeBolus, DoseTypeSuspend, DoseTypeResume:
		return true
	}
	return false
}

// DoseUnit is the unit of DoseEntry.Value.
type DoseUnit string

// Dose units
const (
	DoseUnitUnits        DoseUnit = "U"
	DoseUnitUnitsPerHour DoseUnit = "U/hour"
)

// InsulinType identifies an insulin formulation and selects its activity model.
type InsulinType string

// Insulin types
const (
	InsulinTypeNovolog InsulinType = "novolog"
	InsulinTypeHumalog InsulinType = "humalog"
	InsulinTypeApidra  InsulinType = "apidra"
	InsulinTypeFiasp   InsulinType = "fiasp"
	InsulinTypeLyumjev InsulinType = "lyumjev"
	InsulinTypeAfrezza InsulinType = "afrezza"
	InsulinTypeUnknown InsulinType = ""
	InsulinTypeChild   InsulinType = "rapidActingChild"
)

// DoseEntry is a delivered or scheduled insulin event.
type DoseEntry struct {
	Type      DoseType  `json:"type" msgpack:"type"`
	StartDate time.Time `json:"startDate" msgpack:"startDate"`
	EndDate   time.Time `json:"endDate" msgpack:"endDate"`
	Value     float64   `json:"value" msgpack:"value"`
	Unit      DoseUnit  `json:"unit" msgpack:"unit"`

	// DeliveredUnits is nil while delivery is still in progress.
	DeliveredUnits *float64 `json:"deliveredUnits,omitempty" msgpack:"deliveredUnits,omitempty"`
	// ScheduledBasalRate is the unmodified schedule rate over the dose window (U/hr).
	ScheduledBasalRate *float64 `json:"scheduledBasalRate,omitempty" msgpack:"scheduledBasalRate,omitempty"`

	InsulinType     InsulinType `json:"insulinType,omitempty" msgpack:"insulinType,omitempty"`
	SyncIdentifier  string      `json:"syncIdentifier,omitempty" msgpack:"syncIdentifier,omitempty"`
	ManuallyEntered bool        `json:"manuallyEntered,omitempty" msgpack:"manuallyEntered,omitempty"`
}

// Duration returns the length of the dose
func (d DoseEntry) Duration() time.Duration {
	return d.EndDate.Sub(d.StartDate)
}

// ProgrammedUnits returns the total units the dose was programmed to deliver
func (d DoseEntry) ProgrammedUnits() float64 {
	if d.Unit == DoseUnitUnitsPerHour {
		return d.Value * d.Duration().Hours()
	}
	return d.Value
}

// Units returns delivered units when known, programmed units otherwise
func (d DoseEntry) Units() float64 {
	if d.DeliveredUnits != nil {
		return *d.DeliveredUnits
	}
	return d.ProgrammedUnits()
}

// UnitsPerHour returns the average delivery rate
func (d DoseEntry) UnitsPerHour() float64 {
	if d.Unit == DoseUnitUnitsPerHour && d.DeliveredUnits == nil {
		return d.Value
	}
	hours := d.Duration().Hours()
	if hours <= 0 {
		return 0
	}
	return d.Units() / hours
}

// NetBasalUnits returns the insulin delivered beyond the scheduled basal.
// Scheduled basal is already assumed by the therapy settings and has no effect of its own.
func (d DoseEntry) NetBasalUnits() float64 {
	switch d.Type {
	case DoseTypeBolus:
		return d.Units()
	case DoseTypeBasal, DoseTypeResume:
		return 0
	case DoseTypeTempBasal, DoseTypeSuspend:
		hours := d.Duration().Hours()
		if hours <= 0 {
			return 0
		}
		scheduled := 0.0
		if d.ScheduledBasalRate != nil {
			scheduled = *d.ScheduledBasalRate * hours
		}
		if d.Type == DoseTypeSuspend {
			return -scheduled
		}
		return d.Units() - scheduled
	}
	return 0
}

// Trimmed returns the part of the dose within [start, end].
// Delivered units are scaled by the retained fraction of a continuous dose.
func (d DoseEntry) Trimmed(start, end time.Time) DoseEntry {
	if d.Type == DoseTypeBolus || d.Duration() <= 0 {
		return d
	}
	from := d.StartDate
	if start.After(from) {
		from = start
	}
	to := d.EndDate
	if end.Before(to) {
		to = end
	}
	if to.Before(from) {
		to = from
	}
	out := d
	out.StartDate = from
	out.EndDate = to
	fraction := float64(to.Sub(from)) / float64(d.Duration())
	if d.DeliveredUnits != nil {
		delivered := *d.DeliveredUnits * fraction
		out.DeliveredUnits = &delivered
	}
	if d.Unit == DoseUnitUnits {
		out.Value = d.Value * fraction
	}
	return out
}

// Float returns a pointer to v, for optional fields
func Float(v float64) *float64 {
	return &v
}
