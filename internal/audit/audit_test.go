package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/mrcode/nightscout-loop/internal/dosing"
	"github.com/mrcode/nightscout-loop/internal/loop"
	"github.com/mrcode/nightscout-loop/internal/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openMemory(t *testing.T) *Log {
	t.Helper()
	l, err := Open("")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	l.now = func() time.Time { return t0.Add(time.Second) }
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleOutput(rate float64) *loop.Output {
	return &loop.Output{
		Type:            loop.TempBasal,
		TempBasal:       &dosing.TempBasal{UnitsPerHour: rate, Duration: 30 * time.Minute},
		Correction:      dosing.Summary{Kind: "aboveRange", Units: 1.4},
		ActiveInsulin:   0.5,
		PredictionStart: t0,
	}
}

func TestRecord_Latest(t *testing.T) {
	l := openMemory(t)

	if _, err := l.Latest(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Latest() error = %v, want ErrEmpty", err)
	}

	in := &loop.Input{
		GlucoseHistory:     []models.GlucoseSample{{Date: t0, Quantity: 180}},
		MaxBolus:           10,
		MaxBasalRate:       3,
		RecommendationType: loop.TempBasal,
	}
	if _, err := l.Record(t0.Add(-5*time.Minute), "test", in, sampleOutput(1), nil); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	rec, err := l.Record(t0, "test", in, sampleOutput(3), nil)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.ID == "" {
		t.Error("Record() ID should be set")
	}

	got, err := l.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("Latest().ID = %s, want %s", got.ID, rec.ID)
	}
	if !got.At.Equal(t0) || !got.RecordedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("Latest() times = %v, %v, want %v, %v", got.At, got.RecordedAt, t0, t0.Add(time.Second))
	}
	if got.Output == nil || got.Output.TempBasal == nil || got.Output.TempBasal.UnitsPerHour != 3 {
		t.Fatalf("Latest().Output = %+v, want temp basal at 3 U/hr", got.Output)
	}
	if got.Output.Correction.Units != 1.4 {
		t.Errorf("Latest().Output.Correction.Units = %v, want 1.4", got.Output.Correction.Units)
	}
	if got.Input == nil || len(got.Input.GlucoseHistory) != 1 || got.Input.MaxBasalRate != 3 {
		t.Errorf("Latest().Input = %+v, want the recorded input", got.Input)
	}
}

func TestRecord_Error(t *testing.T) {
	l := openMemory(t)

	if _, err := l.Record(t0, "nightscout", nil, nil, loop.ErrGlucoseTooOld); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	got, err := l.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if got.Error != loop.ErrGlucoseTooOld.Error() {
		t.Errorf("Latest().Error = %q, want %q", got.Error, loop.ErrGlucoseTooOld.Error())
	}
	if got.Output != nil {
		t.Errorf("Latest().Output = %+v, want nil", got.Output)
	}
}

func TestRange(t *testing.T) {
	l := openMemory(t)

	for i := 0; i < 6; i++ {
		at := t0.Add(time.Duration(i*5) * time.Minute)
		if _, err := l.Record(at, "test", &loop.Input{}, sampleOutput(float64(i)), nil); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	tests := []struct {
		name      string
		start     time.Time
		end       time.Time
		wantRates []float64
	}{
		{"all", t0.Add(-time.Hour), t0.Add(time.Hour), []float64{0, 1, 2, 3, 4, 5}},
		{"inclusive bounds", t0.Add(5 * time.Minute), t0.Add(15 * time.Minute), []float64{1, 2, 3}},
		{"empty", t0.Add(2 * time.Hour), t0.Add(3 * time.Hour), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Range(tt.start, tt.end, false)
			if err != nil {
				t.Fatalf("Range() error = %v", err)
			}
			if len(got) != len(tt.wantRates) {
				t.Fatalf("Range() returned %d records, want %d", len(got), len(tt.wantRates))
			}
			for i, rec := range got {
				if rec.Output.TempBasal.UnitsPerHour != tt.wantRates[i] {
					t.Errorf("Range()[%d] rate = %v, want %v", i, rec.Output.TempBasal.UnitsPerHour, tt.wantRates[i])
				}
				if rec.Input != nil {
					t.Errorf("Range()[%d].Input should not be decoded", i)
				}
			}
		})
	}
}
