package models

import (
	"testing"
	"time"
)

func TestTreatment_IsBolus(t *testing.T) {
	tests := []struct {
		name      string
		treatment Treatment
		expected  bool
	}{
		{"correction bolus", Treatment{EventType: "Correction Bolus", Insulin: 1}, true},
		{"meal bolus", Treatment{EventType: "Meal Bolus", Insulin: 3, Carbs: 40}, true},
		{"note with insulin", Treatment{EventType: "Note", Insulin: 1}, true},
		{"temp basal", Treatment{EventType: "Temp Basal", Insulin: 0.2}, false},
		{"carbs only", Treatment{EventType: "Carb Correction", Carbs: 15}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.treatment.IsBolus(); got != tt.expected {
				t.Errorf("IsBolus() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTreatment_DoseEntry(t *testing.T) {
	ms := base.UnixMilli()

	t.Run("temp basal", func(t *testing.T) {
		tr := Treatment{ID: "a1", EventType: "Temp Basal", Date: ms, Duration: 30, Absolute: 1.2}
		dose, ok := tr.DoseEntry()
		if !ok {
			t.Fatal("DoseEntry() ok = false")
		}
		if dose.Type != DoseTypeTempBasal || dose.Value != 1.2 || dose.Unit != DoseUnitUnitsPerHour {
			t.Errorf("DoseEntry() = %+v", dose)
		}
		if dose.Duration() != 30*time.Minute {
			t.Errorf("Duration() = %v, want 30m", dose.Duration())
		}
		if dose.SyncIdentifier != "a1" {
			t.Errorf("SyncIdentifier = %q, want the Nightscout id", dose.SyncIdentifier)
		}
	})

	t.Run("rate wins over absolute", func(t *testing.T) {
		rate := 0.0
		tr := Treatment{EventType: "Temp Basal", Date: ms, Duration: 30, Absolute: 1.2, Rate: &rate}
		dose, _ := tr.DoseEntry()
		if dose.Value != 0 {
			t.Errorf("Value = %v, want 0", dose.Value)
		}
	})

	t.Run("bolus", func(t *testing.T) {
		tr := Treatment{EventType: "Correction Bolus", Date: ms, Insulin: 2.5, EnteredBy: "loop://iPhone", SyncIdentifier: "sync-1"}
		dose, ok := tr.DoseEntry()
		if !ok || dose.Type != DoseTypeBolus || dose.Units() != 2.5 {
			t.Errorf("DoseEntry() = %+v, %v", dose, ok)
		}
		if dose.ManuallyEntered {
			t.Error("controller bolus flagged as manual")
		}
		if dose.SyncIdentifier != "sync-1" {
			t.Errorf("SyncIdentifier = %q, want sync-1", dose.SyncIdentifier)
		}
	})

	t.Run("carbs only", func(t *testing.T) {
		tr := Treatment{EventType: "Carb Correction", Date: ms, Carbs: 20}
		if _, ok := tr.DoseEntry(); ok {
			t.Error("carb treatment converted into a dose")
		}
	})

	t.Run("temp basal cancel", func(t *testing.T) {
		tr := Treatment{EventType: "Temp Basal", Date: ms, Absolute: 1}
		dose, ok := tr.DoseEntry()
		if !ok || dose.Type != DoseTypeTempBasal || dose.Duration() != 0 {
			t.Errorf("DoseEntry() = %+v, %v, want zero length temp basal", dose, ok)
		}
	})

	t.Run("temp basal with negative duration", func(t *testing.T) {
		tr := Treatment{EventType: "Temp Basal", Date: ms, Absolute: 1, Duration: -5}
		if _, ok := tr.DoseEntry(); ok {
			t.Error("negative duration temp basal converted into a dose")
		}
	})

	t.Run("open ended suspend", func(t *testing.T) {
		tr := Treatment{EventType: "Suspend Pump", Date: ms}
		dose, ok := tr.DoseEntry()
		if !ok || dose.Type != DoseTypeSuspend || !dose.EndDate.Equal(dose.StartDate) {
			t.Errorf("DoseEntry() = %+v, %v, want suspend without an end", dose, ok)
		}
	})
}

func TestTreatment_CarbEntry(t *testing.T) {
	tr := Treatment{EventType: "Meal Bolus", CreatedAt: "2024-03-01T08:00:00Z", Carbs: 45, AbsorptionTime: 180}
	entry, ok := tr.CarbEntry()
	if !ok {
		t.Fatal("CarbEntry() ok = false")
	}
	if entry.Grams != 45 || entry.AbsorptionTime != 3*time.Hour {
		t.Errorf("CarbEntry() = %+v", entry)
	}
	if !entry.StartDate.Equal(base.Add(8 * time.Hour)) {
		t.Errorf("StartDate = %v, want created_at", entry.StartDate)
	}
}
