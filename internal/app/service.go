package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mrcode/nightscout-loop/internal/audit"
	"github.com/mrcode/nightscout-loop/internal/log"
	"github.com/mrcode/nightscout-loop/internal/loop"
	"github.com/mrcode/nightscout-loop/internal/metrics"
	"github.com/mrcode/nightscout-loop/internal/models"
	"github.com/mrcode/nightscout-loop/internal/nightscout"
	"github.com/mrcode/nightscout-loop/internal/notifications"
	"github.com/mrcode/nightscout-loop/internal/prediction"
	"github.com/mrcode/nightscout-loop/internal/store"
	"github.com/mrcode/nightscout-loop/internal/telemetry"
)

// retention is how much history the store keeps behind the decision time.
const retention = 24 * time.Hour

// HistoryProvider supplies the recorded data and schedules around a decision time
type HistoryProvider interface {
	History(ctx context.Context, at time.Time) (models.History, error)
}

// Status summarises the most recent control cycles
type Status struct {
	LastRun           time.Time    `json:"lastRun"`
	LastSuccess       time.Time    `json:"lastSuccess"`
	ConsecutiveErrors int          `json:"consecutiveErrors"`
	LastError         string       `json:"lastError,omitempty"`
	LastOutput        *loop.Output `json:"lastOutput,omitempty"`
}

// Service runs control cycles against a history provider.
// store and audit are optional.
type Service struct {
	settings  *models.Settings
	provider  HistoryProvider
	store     *store.Store
	audit     *audit.Log
	stats     *metrics.Stats
	algorithm *loop.Algorithm
	alerts    *notifications.Manager
	now       func() time.Time

	mu       sync.RWMutex
	status   Status
	stopChan chan struct{}
	running  bool
}

// NewService creates a service from a snapshot of settings
func NewService(settings *models.Settings, provider HistoryProvider, st *store.Store, auditLog *audit.Log, stats *metrics.Stats) *Service {
	snapshot := settings.Clone()
	return &Service{
		settings:  snapshot,
		provider:  provider,
		store:     st,
		audit:     auditLog,
		stats:     stats,
		algorithm: loop.NewAlgorithm(AlgorithmConfig(snapshot)),
		alerts:    notifications.NewManager(time.Duration(snapshot.RepeatAlertMinutes)*time.Minute, notifications.NewNotifier(snapshot.EnableDesktopAlerts)),
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// AlgorithmConfig returns the default algorithm constants with the configured pump resolutions
func AlgorithmConfig(settings *models.Settings) loop.Config {
	cfg := loop.DefaultConfig()
	if settings.BasalRateIncrement > 0 {
		cfg.RateIncrement = settings.BasalRateIncrement
	}
	if settings.BolusIncrement > 0 {
		cfg.VolumeIncrement = settings.BolusIncrement
	}
	return cfg
}

// Input builds the algorithm input for a decision at at
func Input(settings *models.Settings, h models.History, at time.Time) (loop.Input, error) {
	effects, err := prediction.ParseEffectsOptions(settings.Effects)
	if err != nil {
		return loop.Input{}, &loop.ValidationError{Field: "effects", Reason: err.Error()}
	}
	return loop.Input{
		PredictionStart:                    at,
		GlucoseHistory:                     h.Glucose,
		Doses:                              h.Doses,
		CarbEntries:                        h.CarbEntries,
		Basal:                              h.Basal,
		Sensitivity:                        h.Sensitivity,
		CarbRatio:                          h.CarbRatio,
		Target:                             h.Target,
		SuspendThreshold:                   settings.SuspendThreshold,
		MaxBolus:                           settings.MaxBolus,
		MaxBasalRate:                       settings.MaxBasalRate,
		RecommendationType:                 loop.RecommendationType(settings.RecommendationType),
		InsulinType:                        models.InsulinType(settings.InsulinType),
		Effects:                            effects,
		UseIntegralRetrospectiveCorrection: settings.UseIntegralRetrospectiveCorrection,
	}, nil
}

// history fetches from the provider and, with a store, merges into what earlier cycles saw
func (s *Service) history(ctx context.Context, at time.Time) (models.History, error) {
	h, err := s.provider.History(ctx, at)
	if err != nil {
		return models.History{}, err
	}
	if s.store == nil {
		return h, nil
	}

	if err := s.store.AddGlucoseSamples(ctx, h.Glucose); err != nil {
		return models.History{}, err
	}
	if err := s.store.AddDoseEntries(ctx, h.Doses); err != nil {
		return models.History{}, err
	}
	if err := s.store.AddCarbEntries(ctx, h.CarbEntries); err != nil {
		return models.History{}, err
	}
	if n, err := s.store.PurgeBefore(ctx, at.Add(-retention)); err != nil {
		log.Warnf("Failed to purge history: %v", err)
	} else if n > 0 {
		log.Debugf("Purged %d expired history rows", n)
	}

	stored, err := s.store.Window(ctx, at.Add(-nightscout.DefaultLookback), at)
	if err != nil {
		return models.History{}, err
	}
	doseFrom := at.Add(-nightscout.DefaultDoseLookback)
	doses, err := s.store.GetDoseEntries(ctx, doseFrom, at)
	if err != nil {
		return models.History{}, err
	}
	if start := h.Basal.StartDate(); start.After(doseFrom) {
		doseFrom = start
	}
	h.Glucose = stored.Glucose
	h.Doses = clip(doses, doseFrom)
	h.CarbEntries = stored.CarbEntries
	return h, nil
}

// clip drops doses that ended before from and trims those that straddle it
func clip(doses []models.DoseEntry, from time.Time) []models.DoseEntry {
	return lo.FilterMap(doses, func(d models.DoseEntry, _ int) (models.DoseEntry, bool) {
		if d.EndDate.Before(from) || (d.Type == models.DoseTypeBolus && d.StartDate.Before(from)) {
			return d, false
		}
		if d.StartDate.Before(from) {
			d = d.Trimmed(from, d.EndDate)
		}
		return d, true
	})
}

// RunCycle runs one control cycle at the current time
func (s *Service) RunCycle(ctx context.Context) (loop.Output, error) {
	at := s.now().UTC()
	ctx, span := telemetry.Tracer().Start(ctx, "loop.cycle")
	defer span.End()
	span.SetAttributes(attribute.String("loop.recommendation_type", s.settings.RecommendationType))

	start := time.Now()
	out, in, err := s.cycle(ctx, at)
	s.stats.ObserveRun(loop.RecommendationType(s.settings.RecommendationType), &out, err, time.Since(start))

	if s.audit != nil && in != nil {
		var recorded *loop.Output
		if err == nil {
			recorded = &out
		}
		if _, aerr := s.audit.Record(at, "cycle", in, recorded, err); aerr != nil {
			log.Errorf("Failed to record cycle: %v", aerr)
		}
	}

	s.mu.Lock()
	s.status.LastRun = at
	if err != nil {
		s.status.ConsecutiveErrors++
		s.status.LastError = err.Error()
	} else {
		s.status.ConsecutiveErrors = 0
		s.status.LastError = ""
		s.status.LastSuccess = at
		s.status.LastOutput = &out
	}
	errorCount := s.status.ConsecutiveErrors
	s.mu.Unlock()

	if err != nil {
		s.alerts.CheckAndNotify(nil, errorCount)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Errorw("Control cycle failed", "at", at, "attempt", errorCount, "kind", metrics.ErrorKind(err), "error", err)
		return loop.Output{}, err
	}

	s.alerts.CheckAndNotify(&out, 0)
	log.Infow("Control cycle complete",
		"at", at,
		"correction", out.Correction.Kind,
		"iob", out.ActiveInsulin,
		"cob", out.ActiveCarbs,
		"recommendation", describe(out))
	return out, nil
}

// cycle returns the input it built so failed runs can still be audited
func (s *Service) cycle(ctx context.Context, at time.Time) (loop.Output, *loop.Input, error) {
	h, err := s.history(ctx, at)
	if err != nil {
		return loop.Output{}, nil, fmt.Errorf("loading history: %w", err)
	}
	in, err := Input(s.settings, h, at)
	if err != nil {
		return loop.Output{}, nil, err
	}
	out, err := s.algorithm.Run(in)
	return out, &in, err
}

func describe(out loop.Output) string {
	switch {
	case out.ManualBolus != nil:
		return fmt.Sprintf("bolus %.2f U", out.ManualBolus.Units)
	case out.AutomaticBolus != nil && out.AutomaticBolus.BasalAdjustment != nil:
		b := out.AutomaticBolus.BasalAdjustment
		return fmt.Sprintf("bolus %.2f U, basal %.2f U/hr for %v", out.AutomaticBolus.BolusUnits, b.UnitsPerHour, b.Duration)
	case out.AutomaticBolus != nil:
		return fmt.Sprintf("bolus %.2f U", out.AutomaticBolus.BolusUnits)
	case out.TempBasal != nil && out.TempBasal.IsCancel():
		return "cancel temp basal"
	case out.TempBasal != nil:
		return fmt.Sprintf("temp basal %.2f U/hr for %v", out.TempBasal.UnitsPerHour, out.TempBasal.Duration)
	}
	return "none"
}

// Start runs a cycle immediately and then every interval until ctx is done or Stop is called
func (s *Service) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("interval must be positive")
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("service already running")
	}
	s.running = true
	stop := s.stopChan
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.stopChan = make(chan struct{})
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infof("Starting control loop every %v", interval)
	_, _ = s.RunCycle(ctx)
	for {
		select {
		case <-ticker.C:
			_, _ = s.RunCycle(ctx)
		case <-stop:
			log.Infof("Control loop stopped")
			return nil
		case <-ctx.Done():
			log.Infof("Control loop stopped")
			return nil
		}
	}
}

// Stop ends a running Start loop
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
}

// Status returns a copy of the current cycle status
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
