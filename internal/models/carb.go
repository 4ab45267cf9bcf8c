package models

import "time"

// CarbEntry is a logged carbohydrate intake.
type CarbEntry struct {
	StartDate time.Time `json:"startDate" msgpack:"startDate"`
	Grams     float64   `json:"grams" msgpack:"grams"`
	// AbsorptionTime overrides the default absorption time when non-zero.
	AbsorptionTime time.Duration `json:"absorptionTime,omitempty" msgpack:"absorptionTime,omitempty"`

	SyncIdentifier string `json:"syncIdentifier,omitempty" msgpack:"syncIdentifier,omitempty"`
}

// CarbValue is an amount of carbohydrates at an instant, used for carbs on board.
type CarbValue struct {
	Date  time.Time `json:"date" msgpack:"date"`
	Grams float64   `json:"grams" msgpack:"grams"`
}

// InsulinValue is an amount of insulin at an instant, used for insulin on board.
type InsulinValue struct {
	Date  time.Time `json:"date" msgpack:"date"`
	Units float64   `json:"units" msgpack:"units"`
}
