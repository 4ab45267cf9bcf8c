// Package models contains data structures used throughout the application
package models

import "time"

// MgdlPerMmol converts between the two glucose units.
const MgdlPerMmol = 18.0182

// GlucoseSample is a single glucose reading in mg/dL.
type GlucoseSample struct {
	Date     time.Time `json:"date" msgpack:"date"`
	Quantity float64   `json:"quantity" msgpack:"quantity"`
}

// GlucoseEffect is a glucose delta in mg/dL at an instant, relative to the start of its curve.
type GlucoseEffect struct {
	Date     time.Time `json:"date" msgpack:"date"`
	Quantity float64   `json:"quantity" msgpack:"quantity"`
}

// GlucoseEffectVelocity is a rate of glucose change in mg/dL per minute over [StartDate, EndDate].
type GlucoseEffectVelocity struct {
	StartDate time.Time `json:"startDate" msgpack:"startDate"`
	EndDate   time.Time `json:"endDate" msgpack:"endDate"`
	Quantity  float64   `json:"quantity" msgpack:"quantity"`
}

// Duration returns the length of the velocity interval
func (v GlucoseEffectVelocity) Duration() time.Duration {
	return v.EndDate.Sub(v.StartDate)
}

// Effect returns the total glucose change represented by the velocity
func (v GlucoseEffectVelocity) Effect() float64 {
	return v.Quantity * v.Duration().Minutes()
}

// GlucoseChange is a summed glucose delta over an interval.
type GlucoseChange struct {
	StartDate time.Time `json:"startDate" msgpack:"startDate"`
	EndDate   time.Time `json:"endDate" msgpack:"endDate"`
	Quantity  float64   `json:"quantity" msgpack:"quantity"`
}

// PredictedGlucoseValue is a single point of the forecast trajectory.
type PredictedGlucoseValue struct {
	Date     time.Time `json:"date" msgpack:"date"`
	Quantity float64   `json:"quantity" msgpack:"quantity"`
}

// GlucoseEntry represents a single glucose reading from Nightscout
type GlucoseEntry struct {
	ID        string `json:"_id"`
	SGV       int    `json:"sgv"`  // Sensor glucose value in mg/dL
	Date      int64  `json:"date"` // Unix timestamp in milliseconds
	DateStr   string `json:"dateString"`
	Direction string `json:"direction"`
	Device    string `json:"device"`
	Type      string `json:"type"`
}

// Time returns the time of the glucose entry
func (g *GlucoseEntry) Time() time.Time {
	return time.UnixMilli(g.Date)
}

// ValueMmolL returns the glucose value in mmol/L
func (g *GlucoseEntry) ValueMmolL() float64 {
	return ToMmol(float64(g.SGV))
}

// IsValid reports whether the entry carries a usable sensor value.
// Nightscout stores calibrations and meter readings in the same collection.
func (g *GlucoseEntry) IsValid() bool {
	return g.SGV > 0 && g.Date > 0 && (g.Type == "" || g.Type == "sgv")
}

// Sample converts the entry into a domain glucose sample
func (g *GlucoseEntry) Sample() GlucoseSample {
	return GlucoseSample{Date: g.Time().UTC(), Quantity: float64(g.SGV)}
}

// ServerStatus represents the Nightscout server status
type ServerStatus struct {
	Status     string `json:"status"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	ServerTime string `json:"serverTime"`
	APIEnabled bool   `json:"apiEnabled"`
}

// ToMmol converts mg/dL to mmol/L
func ToMmol(mgdl float64) float64 {
	return mgdl / MgdlPerMmol
}

// ToMgdl converts mmol/L to mg/dL
func ToMgdl(mmol float64) float64 {
	return mmol * MgdlPerMmol
}
