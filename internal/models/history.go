package models

// History is the recorded data and therapy schedules a decision is computed from.
// Slices are chronological and deduplicated; schedules are absolute segments.
type History struct {
	Glucose     []GlucoseSample `json:"glucose" msgpack:"glucose"`
	Doses       []DoseEntry     `json:"doses" msgpack:"doses"`
	CarbEntries []CarbEntry     `json:"carbEntries" msgpack:"carbEntries"`

	Basal       BasalSchedule       `json:"basal" msgpack:"basal"`
	Sensitivity SensitivitySchedule `json:"sensitivity" msgpack:"sensitivity"`
	CarbRatio   CarbRatioSchedule   `json:"carbRatio" msgpack:"carbRatio"`
	Target      TargetSchedule      `json:"target" msgpack:"target"`
}
