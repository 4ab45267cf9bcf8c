package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mrcode/nightscout-loop/internal/audit"
	"github.com/mrcode/nightscout-loop/internal/loop"
	"github.com/mrcode/nightscout-loop/internal/metrics"
	"github.com/mrcode/nightscout-loop/internal/models"
	"github.com/mrcode/nightscout-loop/internal/notifications"
	"github.com/mrcode/nightscout-loop/internal/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func flat[T any](v T) models.Schedule[T] {
	return models.Schedule[T]{{StartDate: t0.Add(-24 * time.Hour), EndDate: t0.Add(24 * time.Hour), Value: v}}
}

func flatHistory(glucose float64, last time.Time) models.History {
	samples := make([]models.GlucoseSample, 24)
	for i := range samples {
		samples[i] = models.GlucoseSample{Date: last.Add(time.Duration(i-23) * 5 * time.Minute), Quantity: glucose}
	}
	return models.History{
		Glucose:     samples,
		Basal:       flat(1.0),
		Sensitivity: flat(50.0),
		CarbRatio:   flat(10.0),
		Target:      flat(models.GlucoseRange{MinValue: 100, MaxValue: 120}),
	}
}

type fakeProvider struct {
	mu      sync.Mutex
	history models.History
	err     error
	calls   int
	called  chan struct{}
}

func (p *fakeProvider) History(_ context.Context, _ time.Time) (models.History, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.called != nil {
		select {
		case p.called <- struct{}{}:
		default:
		}
	}
	return p.history, p.err
}

func newTestService(t *testing.T, provider HistoryProvider, withStore bool) (*Service, *audit.Log, *store.Store) {
	t.Helper()
	auditLog, err := audit.Open("")
	if err != nil {
		t.Fatalf("audit.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	var st *store.Store
	if withStore {
		st, err = store.New(filepath.Join(t.TempDir(), "history.db"))
		if err != nil {
			t.Fatalf("store.New() error = %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
	}

	s := NewService(models.DefaultSettings(), provider, st, auditLog, metrics.NewStats())
	s.now = func() time.Time { return t0 }
	return s, auditLog, st
}

func TestRunCycle(t *testing.T) {
	s, auditLog, st := newTestService(t, &fakeProvider{history: flatHistory(180, t0)}, true)

	out, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if out.TempBasal == nil || out.TempBasal.UnitsPerHour != 3 || out.TempBasal.Duration != 30*time.Minute {
		t.Errorf("TempBasal = %+v, want 3 U/hr for 30m", out.TempBasal)
	}

	status := s.Status()
	if !status.LastSuccess.Equal(t0) || status.ConsecutiveErrors != 0 || status.LastOutput == nil {
		t.Errorf("Status() = %+v, want success at %v", status, t0)
	}

	rec, err := auditLog.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if rec.Source != "cycle" || rec.Input == nil || rec.Output == nil || rec.Error != "" {
		t.Errorf("Latest() = %+v, want successful cycle with input and output", rec)
	}

	samples, err := st.GetGlucoseSamples(context.Background(), t0.Add(-24*time.Hour), t0)
	if err != nil {
		t.Fatalf("GetGlucoseSamples() error = %v", err)
	}
	if len(samples) != 24 {
		t.Errorf("stored samples = %d, want 24", len(samples))
	}

	if got := testutil.ToFloat64(s.stats.Cycles.WithLabelValues("tempBasal", "temp_basal")); got != 1 {
		t.Errorf("cycles{tempBasal,temp_basal} = %v, want 1", got)
	}
}

func TestRunCycle_StoreKeepsEarlierReadings(t *testing.T) {
	provider := &fakeProvider{history: flatHistory(180, t0)}
	s, _, _ := newTestService(t, provider, true)

	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	// the second fetch only returns the latest reading
	h := flatHistory(180, t0)
	h.Glucose = h.Glucose[len(h.Glucose)-1:]
	provider.history = h

	merged, err := s.history(context.Background(), t0)
	if err != nil {
		t.Fatalf("history() error = %v", err)
	}
	if len(merged.Glucose) != 24 {
		t.Errorf("merged glucose = %d samples, want 24", len(merged.Glucose))
	}
}

func TestRunCycle_StoredDoseBeforeBasalStart(t *testing.T) {
	h := flatHistory(180, t0)
	basalStart := t0.Add(-10 * time.Hour)
	h.Basal = models.Schedule[float64]{{StartDate: basalStart, EndDate: t0.Add(24 * time.Hour), Value: 1}}
	s, _, st := newTestService(t, &fakeProvider{history: h}, true)

	rate := models.DoseEntry{
		Type:           models.DoseTypeTempBasal,
		StartDate:      basalStart.Add(-10 * time.Minute),
		EndDate:        basalStart.Add(20 * time.Minute),
		Value:          2,
		Unit:           models.DoseUnitUnitsPerHour,
		SyncIdentifier: "earlier-cycle",
	}
	old := models.DoseEntry{
		Type:           models.DoseTypeBolus,
		StartDate:      basalStart.Add(-time.Hour),
		EndDate:        basalStart.Add(-time.Hour),
		Value:          1,
		Unit:           models.DoseUnitUnits,
		SyncIdentifier: "before-basal",
	}
	if err := st.AddDoseEntries(context.Background(), []models.DoseEntry{old, rate}); err != nil {
		t.Fatalf("AddDoseEntries() error = %v", err)
	}

	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	merged, err := s.history(context.Background(), t0)
	if err != nil {
		t.Fatalf("history() error = %v", err)
	}
	if len(merged.Doses) != 1 {
		t.Fatalf("Doses = %+v, want only the temp basal", merged.Doses)
	}
	if got := merged.Doses[0]; !got.StartDate.Equal(basalStart) || !got.EndDate.Equal(rate.EndDate) {
		t.Errorf("temp basal = %v -> %v, want %v -> %v", got.StartDate, got.EndDate, basalStart, rate.EndDate)
	}
}

func TestClip(t *testing.T) {
	from := t0.Add(-16 * time.Hour)
	delivered := 1.0
	doses := []models.DoseEntry{
		{Type: models.DoseTypeTempBasal, StartDate: from.Add(-2 * time.Hour), EndDate: from.Add(-time.Hour), Value: 2, Unit: models.DoseUnitUnitsPerHour},
		{Type: models.DoseTypeTempBasal, StartDate: from.Add(-15 * time.Minute), EndDate: from.Add(15 * time.Minute), Value: 2, Unit: models.DoseUnitUnitsPerHour, DeliveredUnits: &delivered},
		{Type: models.DoseTypeBolus, StartDate: from.Add(time.Hour), EndDate: from.Add(time.Hour), Value: 1, Unit: models.DoseUnitUnits},
	}

	got := clip(doses, from)
	if len(got) != 2 {
		t.Fatalf("clip() returned %d doses, want 2", len(got))
	}
	if !got[0].StartDate.Equal(from) || got[0].Units() != 0.5 {
		t.Errorf("clip()[0] = %+v, want half the temp basal starting at %v", got[0], from)
	}
	if got[1].Type != models.DoseTypeBolus {
		t.Errorf("clip()[1].Type = %v, want bolus", got[1].Type)
	}
}

func TestRunCycle_ProviderError(t *testing.T) {
	provider := &fakeProvider{err: errors.New("connection refused")}
	s, auditLog, _ := newTestService(t, provider, false)
	var alerts []string
	s.alerts = notifications.NewManager(0, func(alertType, _, _ string) { alerts = append(alerts, alertType) })

	for i := 1; i <= notifications.FailureThreshold; i++ {
		if _, err := s.RunCycle(context.Background()); err == nil {
			t.Fatal("RunCycle() error = nil, want error")
		}
		if got := s.Status().ConsecutiveErrors; got != i {
			t.Errorf("ConsecutiveErrors = %d, want %d", got, i)
		}
	}

	if _, err := auditLog.Latest(); !errors.Is(err, audit.ErrEmpty) {
		t.Errorf("Latest() error = %v, want %v", err, audit.ErrEmpty)
	}
	if got := testutil.ToFloat64(s.stats.Errors.WithLabelValues("other")); got != notifications.FailureThreshold {
		t.Errorf("errors{other} = %v, want %d", got, notifications.FailureThreshold)
	}
	if len(alerts) != 1 || alerts[0] != notifications.AlertLoopFailing {
		t.Errorf("alerts = %v, want [%s]", alerts, notifications.AlertLoopFailing)
	}
}

func TestRunCycle_AlgorithmErrorIsAudited(t *testing.T) {
	s, auditLog, _ := newTestService(t, &fakeProvider{history: flatHistory(180, t0.Add(-time.Hour))}, false)

	_, err := s.RunCycle(context.Background())
	if !errors.Is(err, loop.ErrGlucoseTooOld) {
		t.Fatalf("RunCycle() error = %v, want %v", err, loop.ErrGlucoseTooOld)
	}

	rec, err := auditLog.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if rec.Error == "" || rec.Output != nil || rec.Input == nil {
		t.Errorf("Latest() = %+v, want failed cycle with input only", rec)
	}
	if s.Status().LastOutput != nil {
		t.Error("Status().LastOutput should stay nil after a failed cycle")
	}
}

func TestInput(t *testing.T) {
	settings := models.DefaultSettings()
	settings.Effects = []string{"insulin", "momentum"}
	settings.RecommendationType = models.RecommendationAutomaticBolus

	in, err := Input(settings, flatHistory(120, t0), t0)
	if err != nil {
		t.Fatalf("Input() error = %v", err)
	}
	if in.RecommendationType != loop.AutomaticBolus {
		t.Errorf("RecommendationType = %v, want %v", in.RecommendationType, loop.AutomaticBolus)
	}
	if got := in.Effects.String(); got != "insulin,momentum" {
		t.Errorf("Effects = %v, want insulin,momentum", got)
	}
	if !in.PredictionStart.Equal(t0) || in.MaxBasalRate != settings.MaxBasalRate {
		t.Errorf("Input() = %+v, want start %v and settings limits", in, t0)
	}

	settings.Effects = []string{"exercise"}
	var validation *loop.ValidationError
	if _, err := Input(settings, flatHistory(120, t0), t0); !errors.As(err, &validation) {
		t.Errorf("Input() error = %v, want ValidationError", err)
	}
}

func TestAlgorithmConfig(t *testing.T) {
	settings := models.DefaultSettings()
	settings.BasalRateIncrement = 0.025
	settings.BolusIncrement = 0.1

	cfg := AlgorithmConfig(settings)
	if cfg.RateIncrement != 0.025 || cfg.VolumeIncrement != 0.1 {
		t.Errorf("AlgorithmConfig() increments = %v, %v, want 0.025, 0.1", cfg.RateIncrement, cfg.VolumeIncrement)
	}
	if cfg.RecencyInterval != loop.InputDataRecencyInterval {
		t.Errorf("RecencyInterval = %v, want %v", cfg.RecencyInterval, loop.InputDataRecencyInterval)
	}
}

func TestStartStop(t *testing.T) {
	provider := &fakeProvider{history: flatHistory(110, t0), called: make(chan struct{}, 1)}
	s, _, _ := newTestService(t, provider, false)

	if err := s.Start(context.Background(), 0); err == nil {
		t.Error("Start() with zero interval should fail")
	}

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), time.Hour) }()

	select {
	case <-provider.called:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not run")
	}
	s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}
}

func TestStart_ContextCancel(t *testing.T) {
	s, _, _ := newTestService(t, &fakeProvider{history: flatHistory(110, t0)}, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Start(ctx, time.Hour); err != nil {
		t.Errorf("Start() error = %v", err)
	}
	if s.Status().LastRun.IsZero() {
		t.Error("Start() should run one cycle before checking the context")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		opts    Options
		wantErr bool
	}{
		{"nothing enabled", "", Options{}, true},
		{"loop without url", "", Options{Nightscout: true}, true},
		{"serve only", "", Options{Serve: true}, false},
		{"loop", "https://ns.example.com", Options{Nightscout: true, Interval: time.Minute}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := models.DefaultSettings()
			settings.NightscoutURL = tt.url
			settings.StorePath = filepath.Join(t.TempDir(), "history.db")

			a, err := New(settings, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = a.Close() }()
			if (a.service != nil) != tt.opts.Nightscout || (a.server != nil) != tt.opts.Serve {
				t.Errorf("New() service=%v server=%v, want %v/%v", a.service != nil, a.server != nil, tt.opts.Nightscout, tt.opts.Serve)
			}
			if tt.opts.Interval > 0 && a.interval() != tt.opts.Interval {
				t.Errorf("interval() = %v, want %v", a.interval(), tt.opts.Interval)
			}
		})
	}
}
