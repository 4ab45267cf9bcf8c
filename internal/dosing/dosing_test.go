package dosing

import (
	"math"
	"testing"
	"time"

	"github.com/mrcode/nightscout-loop/internal/insulin"
	"github.com/mrcode/nightscout-loop/internal/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var model = insulin.RapidActingAdult.Model()

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

// forecast samples f every 5 minutes over the model's effect duration
func forecast(f func(minutes int) float64) []models.PredictedGlucoseValue {
	var out []models.PredictedGlucoseValue
	end := int(model.EffectDuration().Minutes())
	for m := 0; m <= end; m += 5 {
		out = append(out, models.PredictedGlucoseValue{Date: at(m), Quantity: f(m)})
	}
	return out
}

func constant(v float64) []models.PredictedGlucoseValue {
	return forecast(func(int) float64 { return v })
}

var (
	sensitivity = models.SensitivitySchedule{{StartDate: at(-24 * 60), EndDate: at(24 * 60), Value: 50}}
	target      = models.TargetSchedule{{StartDate: at(-24 * 60), EndDate: at(24 * 60), Value: models.GlucoseRange{MinValue: 100, MaxValue: 120}}}
)

func correct(p []models.PredictedGlucoseValue) Correction {
	return InsulinCorrection(p, t0, target, 80, sensitivity, model)
}

func TestInsulinCorrection(t *testing.T) {
	t.Run("flat in range", func(t *testing.T) {
		if c := correct(constant(110)); c.Kind() != "inRange" {
			t.Errorf("Kind() = %v, want inRange", c.Kind())
		}
	})

	t.Run("flat high", func(t *testing.T) {
		c, ok := correct(constant(180)).(AboveRange)
		if !ok {
			t.Fatalf("InsulinCorrection() = %T, want AboveRange", c)
		}
		if math.Abs(c.Units()-1.4) > 1e-9 {
			t.Errorf("Units() = %v, want 1.4", c.Units())
		}
		if c.MinTarget != 100 || c.Min.Quantity != 180 {
			t.Errorf("MinTarget, Min = %v, %v, want 100, 180", c.MinTarget, c.Min.Quantity)
		}
	})

	t.Run("below suspend threshold", func(t *testing.T) {
		c, ok := correct(constant(70)).(Suspend)
		if !ok {
			t.Fatalf("InsulinCorrection() = %T, want Suspend", c)
		}
		if !c.Min.Date.Equal(t0) {
			t.Errorf("Min.Date = %v, want the first value below threshold", c.Min.Date)
		}
	})

	t.Run("dip that recovers", func(t *testing.T) {
		dip := forecast(func(m int) float64 {
			if m >= 30 && m <= 90 {
				return 90
			}
			return 110
		})
		c, ok := correct(dip).(BelowRange)
		if !ok {
			t.Fatalf("InsulinCorrection() = %T, want BelowRange", c)
		}
		if c.Min.Quantity != 90 {
			t.Errorf("Min = %v, want 90", c.Min.Quantity)
		}
	})

	t.Run("entirely below range", func(t *testing.T) {
		c, ok := correct(constant(90)).(EntirelyBelowRange)
		if !ok {
			t.Fatalf("InsulinCorrection() = %T, want EntirelyBelowRange", c)
		}
		if c.Units() >= 0 {
			t.Errorf("Units() = %v, want negative", c.Units())
		}
	})

	t.Run("high with a low minimum", func(t *testing.T) {
		c, ok := correct(forecast(func(m int) float64 {
			if m < 60 {
				return 90
			}
			return 200
		})).(AboveRange)
		if !ok {
			t.Fatalf("InsulinCorrection() = %T, want AboveRange", c)
		}
		if !basalOnly(c) {
			t.Error("basalOnly() = false, want true")
		}
	})

	t.Run("ignores values outside the effect window", func(t *testing.T) {
		p := append([]models.PredictedGlucoseValue{{Date: at(-5), Quantity: 40}}, constant(110)...)
		if c := correct(p); c.Kind() != "inRange" {
			t.Errorf("Kind() = %v, want inRange", c.Kind())
		}
	})
}

func TestTargetValue(t *testing.T) {
	tests := []struct {
		percent float64
		want    float64
	}{
		{0, 80},
		{0.5, 80},
		{0.75, 95},
		{1, 110},
		{1.5, 110},
	}
	for _, tt := range tests {
		if got := targetValue(tt.percent, 80, 110); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("targetValue(%v) = %v, want %v", tt.percent, got, tt.want)
		}
	}
}

func TestFloorToIncrement(t *testing.T) {
	round := FloorToIncrement(0.05)
	tests := []struct {
		in, want float64
	}{
		{0.56, 0.55},
		{0.5599999999999999, 0.55},
		{1.15, 1.15},
		{2.999, 2.95},
		{0, 0},
	}
	for _, tt := range tests {
		if got := round(tt.in); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("round(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for i := 0; i <= 1000; i++ {
		v := float64(i) * 0.0137
		once := round(v)
		if twice := round(once); twice != once {
			t.Errorf("round(round(%v)) = %v, want %v", v, twice, once)
		}
	}

	if FloorToIncrement(0) != nil {
		t.Error("FloorToIncrement(0) != nil, want no rounding")
	}
	var none Rounder
	if got := none.apply(0.123); got != 0.123 {
		t.Errorf("nil Rounder apply() = %v, want 0.123", got)
	}
}

func limits() Limits {
	return Limits{
		ScheduledBasalRate: 1,
		MaxBolus:           10,
		MaxBasalRate:       3,
		RateRounder:        FloorToIncrement(0.05),
		VolumeRounder:      FloorToIncrement(0.05),
	}
}

func runningTemp(rate float64, startedMinutesAgo int) *models.DoseEntry {
	start := at(-startedMinutesAgo)
	return &models.DoseEntry{
		Type:      models.DoseTypeTempBasal,
		StartDate: start,
		EndDate:   start.Add(30 * time.Minute),
		Value:     rate,
		Unit:      models.DoseUnitUnitsPerHour,
	}
}

func inProgress(d *models.DoseEntry, delivered float64) *models.DoseEntry {
	d.DeliveredUnits = &delivered
	return d
}

func TestRecommendTempBasal(t *testing.T) {
	high := AboveRange{Min: models.PredictedGlucoseValue{Date: t0, Quantity: 180}, MinTarget: 100, CorrectionU: 1.4}

	t.Run("capped at max basal rate", func(t *testing.T) {
		got := RecommendTempBasal(high, t0, limits(), DefaultPolicy())
		if got == nil || got.UnitsPerHour != 3 || got.Duration != 30*time.Minute {
			t.Errorf("RecommendTempBasal() = %+v, want 3 U/hr for 30m", got)
		}
	})

	t.Run("suspend", func(t *testing.T) {
		got := RecommendTempBasal(Suspend{}, t0, limits(), DefaultPolicy())
		if got == nil || got.UnitsPerHour != 0 || got.IsCancel() {
			t.Errorf("RecommendTempBasal() = %+v, want a zero temp basal", got)
		}
	})

	t.Run("basal only near the low end", func(t *testing.T) {
		c := high
		c.Min.Quantity = 90
		lim := limits()
		lim.LastTempBasal = runningTemp(2, 20)
		got := RecommendTempBasal(c, t0, lim, DefaultPolicy())
		if got == nil || !got.IsCancel() {
			t.Errorf("RecommendTempBasal() = %+v, want cancel to the scheduled rate", got)
		}
	})

	t.Run("in range without temp basal", func(t *testing.T) {
		if got := RecommendTempBasal(InRange{}, t0, limits(), DefaultPolicy()); got != nil {
			t.Errorf("RecommendTempBasal() = %+v, want nil", got)
		}
	})

	t.Run("in range cancels running temp basal", func(t *testing.T) {
		lim := limits()
		lim.LastTempBasal = runningTemp(2, 5)
		got := RecommendTempBasal(InRange{}, t0, lim, DefaultPolicy())
		if got == nil || !got.IsCancel() {
			t.Errorf("RecommendTempBasal() = %+v, want cancel", got)
		}
	})

	t.Run("override keeps an explicit scheduled rate", func(t *testing.T) {
		lim := limits()
		lim.LastTempBasal = runningTemp(2, 5)
		lim.OverrideActive = true
		got := RecommendTempBasal(InRange{}, t0, lim, DefaultPolicy())
		if got == nil || got.IsCancel() || got.UnitsPerHour != 1 {
			t.Errorf("RecommendTempBasal() = %+v, want 1 U/hr", got)
		}
	})
}

func TestRecommendTempBasal_Continuation(t *testing.T) {
	high := AboveRange{Min: models.PredictedGlucoseValue{Date: t0, Quantity: 180}, MinTarget: 100, CorrectionU: 1.4}

	tests := []struct {
		name    string
		last    *models.DoseEntry
		wantNil bool
	}{
		{"same rate started recently", runningTemp(3, 5), true},
		{"same rate started 10 minutes ago", runningTemp(3, 10), true},
		{"same rate partly delivered", inProgress(runningTemp(3, 5), 0.25), true},
		{"same rate past the continuation interval", runningTemp(3, 15), false},
		{"different rate", runningTemp(2.5, 5), false},
		{"expired temp basal", runningTemp(3, 40), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lim := limits()
			lim.LastTempBasal = tt.last
			got := RecommendTempBasal(high, t0, lim, DefaultPolicy())
			if (got == nil) != tt.wantNil {
				t.Errorf("RecommendTempBasal() = %+v, want nil %v", got, tt.wantNil)
			}
		})
	}
}

func TestRecommendTempBasal_IOBCap(t *testing.T) {
	p := DefaultPolicy()
	for _, maxBolus := range []float64{0.5, 1, 2, 5, 10} {
		for _, iob := range []float64{0, 0.5, 1, 3, 8, 25} {
			lim := limits()
			lim.MaxBolus = maxBolus
			lim.ActiveInsulin = iob
			lim.MaxBasalRate = 30
			got := RecommendTempBasal(AboveRange{Min: models.PredictedGlucoseValue{Quantity: 300}, MinTarget: 100, CorrectionU: 50}, t0, lim, p)
			if got == nil {
				continue
			}
			projected := iob + (got.UnitsPerHour-lim.ScheduledBasalRate)*p.TempBasalDuration.Hours()
			if got.UnitsPerHour > lim.ScheduledBasalRate && projected > 2*maxBolus+1e-9 {
				t.Errorf("maxBolus %v, IOB %v: rate %v projects IOB %v above %v", maxBolus, iob, got.UnitsPerHour, projected, 2*maxBolus)
			}
			if got.UnitsPerHour < 0 {
				t.Errorf("maxBolus %v, IOB %v: rate %v, want non-negative", maxBolus, iob, got.UnitsPerHour)
			}
		}
	}
}

func TestRecommendAutomaticDose(t *testing.T) {
	high := AboveRange{Min: models.PredictedGlucoseValue{Date: t0, Quantity: 180}, MinTarget: 100, CorrectionU: 1.4}

	t.Run("partial bolus", func(t *testing.T) {
		got := RecommendAutomaticDose(high, t0, limits(), DefaultPolicy())
		if got == nil {
			t.Fatal("RecommendAutomaticDose() = nil")
		}
		if math.Abs(got.BolusUnits-0.55) > 1e-9 {
			t.Errorf("BolusUnits = %v, want 0.55", got.BolusUnits)
		}
		if got.BasalAdjustment != nil {
			t.Errorf("BasalAdjustment = %+v, want nil at the scheduled rate", got.BasalAdjustment)
		}
	})

	t.Run("bolus never exceeds the partial share of max bolus", func(t *testing.T) {
		for _, units := range []float64{1, 10, 25, 100} {
			c := high
			c.CorrectionU = units
			lim := limits()
			got := RecommendAutomaticDose(c, t0, lim, DefaultPolicy())
			if got == nil || got.BolusUnits > 0.4*lim.MaxBolus+1e-9 {
				t.Errorf("units %v: RecommendAutomaticDose() = %+v, want bolus <= %v", units, got, 0.4*lim.MaxBolus)
			}
		}
	})

	t.Run("low minimum forces basal only", func(t *testing.T) {
		c := high
		c.Min.Quantity = 90
		if got := RecommendAutomaticDose(c, t0, limits(), DefaultPolicy()); got != nil {
			t.Errorf("RecommendAutomaticDose() = %+v, want nil", got)
		}
	})

	t.Run("suspend", func(t *testing.T) {
		got := RecommendAutomaticDose(Suspend{}, t0, limits(), DefaultPolicy())
		if got == nil || got.BolusUnits != 0 || got.BasalAdjustment == nil || got.BasalAdjustment.UnitsPerHour != 0 {
			t.Errorf("RecommendAutomaticDose() = %+v, want zero temp basal and no bolus", got)
		}
	})

	t.Run("below range lowers basal", func(t *testing.T) {
		c := EntirelyBelowRange{Min: models.PredictedGlucoseValue{Date: t0, Quantity: 90}, MinTarget: 100, CorrectionU: -0.2}
		got := RecommendAutomaticDose(c, t0, limits(), DefaultPolicy())
		if got == nil || got.BasalAdjustment == nil || math.Abs(got.BasalAdjustment.UnitsPerHour-0.6) > 1e-9 {
			t.Errorf("RecommendAutomaticDose() = %+v, want 0.6 U/hr", got)
		}
	})

	t.Run("in range", func(t *testing.T) {
		if got := RecommendAutomaticDose(InRange{}, t0, limits(), DefaultPolicy()); got != nil {
			t.Errorf("RecommendAutomaticDose() = %+v, want nil", got)
		}
	})
}

func TestRecommendManualBolus(t *testing.T) {
	current := models.GlucoseSample{Date: t0, Quantity: 180}

	t.Run("full correction", func(t *testing.T) {
		got := RecommendManualBolus(AboveRange{Min: models.PredictedGlucoseValue{Quantity: 180}, MinTarget: 100, CorrectionU: 1.4}, 10, current, target)
		if got.Units != 1.4 || got.Notice != nil {
			t.Errorf("RecommendManualBolus() = %+v, want 1.4 U without notice", got)
		}
	})

	t.Run("capped at max bolus", func(t *testing.T) {
		got := RecommendManualBolus(AboveRange{CorrectionU: 14}, 10, current, target)
		if got.Units != 10 {
			t.Errorf("Units = %v, want 10", got.Units)
		}
	})

	t.Run("suspend below target", func(t *testing.T) {
		low := models.GlucoseSample{Date: t0, Quantity: 70}
		got := RecommendManualBolus(Suspend{Min: models.PredictedGlucoseValue{Date: t0, Quantity: 70}}, 10, low, target)
		if got.Units != 0 {
			t.Errorf("Units = %v, want 0", got.Units)
		}
		if got.Notice == nil || got.Notice.Kind != NoticeCurrentGlucoseBelowTarget {
			t.Errorf("Notice = %+v, want %v", got.Notice, NoticeCurrentGlucoseBelowTarget)
		}
	})

	t.Run("suspend notice", func(t *testing.T) {
		got := RecommendManualBolus(Suspend{Min: models.PredictedGlucoseValue{Date: at(30), Quantity: 70}}, 10, current, target)
		if got.Notice == nil || got.Notice.Kind != NoticeGlucoseBelowSuspendThreshold {
			t.Errorf("Notice = %+v, want %v", got.Notice, NoticeGlucoseBelowSuspendThreshold)
		}
	})

	t.Run("predicted low before correction", func(t *testing.T) {
		c := AboveRange{Min: models.PredictedGlucoseValue{Date: at(30), Quantity: 90}, MinTarget: 100, CorrectionU: 1}
		got := RecommendManualBolus(c, 10, current, target)
		if got.Notice == nil || got.Notice.Kind != NoticePredictedGlucoseBelowTarget {
			t.Errorf("Notice = %+v, want %v", got.Notice, NoticePredictedGlucoseBelowTarget)
		}
	})
}

func TestSummarize(t *testing.T) {
	s := Summarize(AboveRange{Min: models.PredictedGlucoseValue{Quantity: 180}, MinTarget: 100, CorrectionU: 1.4})
	if s.Kind != "aboveRange" || s.Units != 1.4 || s.Min == nil || *s.MinTarget != 100 {
		t.Errorf("Summarize() = %+v", s)
	}
	if s := Summarize(InRange{}); s.Min != nil || s.Kind != "inRange" {
		t.Errorf("Summarize(InRange) = %+v", s)
	}
}
