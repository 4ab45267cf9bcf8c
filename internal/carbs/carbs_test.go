package carbs

import (
	"math"
	"testing"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func flat(v float64) models.Schedule[float64] {
	return models.Schedule[float64]{{StartDate: t0.Add(-24 * time.Hour), EndDate: t0.Add(24 * time.Hour), Value: v}}
}

func velocities(count int, perMinute float64) []models.GlucoseEffectVelocity {
	out := make([]models.GlucoseEffectVelocity, count)
	for i := range out {
		start := t0.Add(time.Duration(i*5) * time.Minute)
		out[i] = models.GlucoseEffectVelocity{StartDate: start, EndDate: start.Add(5 * time.Minute), Quantity: perMinute}
	}
	return out
}

func TestPiecewiseLinear_PercentAbsorbed(t *testing.T) {
	m := DefaultPiecewiseLinear
	tests := []struct {
		at   float64
		want float64
	}{
		{-0.1, 0},
		{0, 0},
		{1, 1},
		{1.5, 1},
	}
	for _, tt := range tests {
		if got := m.PercentAbsorbed(tt.at); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("PercentAbsorbed(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}

	previous := 0.0
	for p := 0.0; p <= 1.0; p += 0.01 {
		got := m.PercentAbsorbed(p)
		if got < previous-1e-12 {
			t.Fatalf("PercentAbsorbed not monotonic at %v", p)
		}
		previous = got
	}
	// continuity at the breakpoints
	for _, p := range []float64{m.RiseEnd, m.FallStart} {
		if math.Abs(m.PercentAbsorbed(p-1e-9)-m.PercentAbsorbed(p+1e-9)) > 1e-6 {
			t.Errorf("PercentAbsorbed discontinuous at %v", p)
		}
	}
}

func TestMap_SingleEntry(t *testing.T) {
	cfg := DefaultConfig()
	entries := []models.CarbEntry{{StartDate: t0, Grams: 30}}

	statuses := Map(entries, velocities(12, 1), flat(10), flat(50), cfg)
	st := statuses[0]

	if st.CSF != 5 {
		t.Errorf("CSF = %v, want 5", st.CSF)
	}
	if math.Abs(st.ObservedGrams-12) > 1e-9 {
		t.Errorf("ObservedGrams = %v, want 12", st.ObservedGrams)
	}
	if !st.ObservationEnd.Equal(t0.Add(time.Hour)) {
		t.Errorf("ObservationEnd = %v, want +1h", st.ObservationEnd)
	}
	if st.Complete {
		t.Error("entry should not be complete")
	}
	if etr := st.EstimatedTimeRemaining(cfg); (etr - 90*time.Minute).Abs() > time.Millisecond {
		t.Errorf("EstimatedTimeRemaining() = %v, want 90m", etr)
	}

	if cob := OnBoard(statuses, t0.Add(time.Hour), cfg); math.Abs(cob-18) > 1e-9 {
		t.Errorf("OnBoard(+1h) = %v, want 18", cob)
	}
	if cob := OnBoard(statuses, t0.Add(105*time.Minute), cfg); math.Abs(cob-9) > 1e-9 {
		t.Errorf("OnBoard(+105m) = %v, want 9", cob)
	}
	if cob := OnBoard(statuses, t0.Add(4*time.Hour), cfg); cob != 0 {
		t.Errorf("OnBoard(+4h) = %v, want 0", cob)
	}

	effects := DynamicGlucoseEffects(statuses, flat(10), flat(50), t0, t0.Add(4*time.Hour), cfg)
	if last := effects[len(effects)-1].Quantity; math.Abs(last-150) > 1e-9 {
		t.Errorf("final carb effect = %v, want 150", last)
	}
	if mid := effects[12].Quantity; math.Abs(mid-60) > 1e-9 {
		t.Errorf("carb effect at +1h = %v, want the observed 60", mid)
	}
}

func TestMap_SplitsByMinimumRate(t *testing.T) {
	cfg := DefaultConfig()
	entries := []models.CarbEntry{
		{StartDate: t0, Grams: 30},
		{StartDate: t0, Grams: 60},
	}
	statuses := Map(entries, velocities(3, 3), flat(10), flat(50), cfg)

	// 45 mg/dL observed, split 1:2 -> 3g and 6g
	if math.Abs(statuses[0].ObservedGrams-3) > 1e-9 {
		t.Errorf("first ObservedGrams = %v, want 3", statuses[0].ObservedGrams)
	}
	if math.Abs(statuses[1].ObservedGrams-6) > 1e-9 {
		t.Errorf("second ObservedGrams = %v, want 6", statuses[1].ObservedGrams)
	}
}

func TestMap_CapsAtEntry(t *testing.T) {
	cfg := DefaultConfig()
	entries := []models.CarbEntry{{StartDate: t0, Grams: 10}}
	statuses := Map(entries, velocities(12, 4), flat(10), flat(50), cfg)

	if !statuses[0].Complete {
		t.Error("entry should be complete")
	}
	if math.Abs(statuses[0].ObservedGrams-10) > 1e-9 {
		t.Errorf("ObservedGrams = %v, want capped at 10", statuses[0].ObservedGrams)
	}
	if cob := OnBoard(statuses, t0.Add(time.Hour), cfg); cob != 0 {
		t.Errorf("OnBoard() = %v, want 0", cob)
	}
}

func TestMap_NegativeVelocityUsesMinimumRate(t *testing.T) {
	cfg := DefaultConfig()
	entries := []models.CarbEntry{{StartDate: t0, Grams: 27}}
	statuses := Map(entries, velocities(6, -2), flat(10), flat(50), cfg)

	// 27 g over 270 min minimum -> 0.1 g/min for 30 min
	absorbed := statuses[0].AbsorbedAt(t0.Add(30*time.Minute), cfg)
	if math.Abs(absorbed-3) > 1e-9 {
		t.Errorf("AbsorbedAt(+30m) = %v, want 3", absorbed)
	}
}

func TestStaticAbsorption(t *testing.T) {
	cfg := DefaultConfig()
	entries := []models.CarbEntry{{StartDate: t0, Grams: 40, AbsorptionTime: 2 * time.Hour}}
	statuses := Map(entries, nil, flat(10), flat(40), cfg)

	if !statuses[0].Static {
		t.Fatal("entry without counteraction should use static absorption")
	}
	if got := statuses[0].AbsorbedAt(t0.Add(cfg.Delay), cfg); got != 0 {
		t.Errorf("AbsorbedAt(delay) = %v, want 0", got)
	}
	if got := statuses[0].AbsorbedAt(t0.Add(2*time.Hour+cfg.Delay), cfg); math.Abs(got-40) > 1e-9 {
		t.Errorf("AbsorbedAt(end) = %v, want 40", got)
	}

	effects := DynamicGlucoseEffects(statuses, flat(10), flat(40), t0, t0.Add(3*time.Hour), cfg)
	if last := effects[len(effects)-1].Quantity; math.Abs(last-160) > 1e-9 {
		t.Errorf("final effect = %v, want 160", last)
	}
}
