package nightscout

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// Default history windows
const (
	DefaultLookback     = 10 * time.Hour
	DefaultDoseLookback = 16 * time.Hour
	DefaultHorizon      = 24 * time.Hour
)

// Provider assembles decision history from a Nightscout server
type Provider struct {
	client *Client
	// Lookback is how far before the decision time glucose and carbs are read.
	Lookback time.Duration
	// DoseLookback is how far back treatments are read and schedules expanded.
	// Insulin delivered that long ago still acts at the start of the glucose window.
	DoseLookback time.Duration
	// Horizon is how far past the decision time schedules are expanded.
	Horizon time.Duration
}

// NewProvider creates a history provider with the default windows
func NewProvider(client *Client) *Provider {
	return &Provider{
		client:       client,
		Lookback:     DefaultLookback,
		DoseLookback: DefaultDoseLookback,
		Horizon:      DefaultHorizon,
	}
}

// History reads glucose, treatments and the active profile around at
func (p *Provider) History(ctx context.Context, at time.Time) (models.History, error) {
	from := at.Add(-p.Lookback)
	doseFrom := at.Add(-max(p.DoseLookback, p.Lookback))

	entries, err := p.client.GetEntries(ctx, from, at, 0)
	if err != nil {
		return models.History{}, fmt.Errorf("fetching entries: %w", err)
	}
	treatments, err := p.client.GetTreatments(ctx, doseFrom, at, 0)
	if err != nil {
		return models.History{}, fmt.Errorf("fetching treatments: %w", err)
	}
	set, err := p.client.GetProfile(ctx)
	if err != nil {
		return models.History{}, fmt.Errorf("fetching profile: %w", err)
	}
	profile, err := set.Active()
	if err != nil {
		return models.History{}, err
	}

	h := models.History{
		Glucose:     Samples(entries, at),
		Doses:       Doses(treatments, at),
		CarbEntries: lo.Filter(CarbEntries(treatments, at), func(c models.CarbEntry, _ int) bool {
			return !c.StartDate.Before(from)
		}),
	}
	if err := Schedules(profile, doseFrom, at.Add(p.Horizon), &h); err != nil {
		return models.History{}, err
	}
	return h, nil
}

// Schedules expands the daily profile schedules over [start, end] into h
func Schedules(profile models.Profile, start, end time.Time, h *models.History) error {
	var err error
	if h.Basal, err = profile.BasalSchedule(start, end); err != nil {
		return fmt.Errorf("basal schedule: %w", err)
	}
	if h.Sensitivity, err = profile.SensitivitySchedule(start, end); err != nil {
		return fmt.Errorf("sensitivity schedule: %w", err)
	}
	if h.CarbRatio, err = profile.CarbRatioSchedule(start, end); err != nil {
		return fmt.Errorf("carb ratio schedule: %w", err)
	}
	if h.Target, err = profile.TargetSchedule(start, end); err != nil {
		return fmt.Errorf("target schedule: %w", err)
	}
	return nil
}

// Samples converts sensor entries up to at into chronological samples, one per timestamp
func Samples(entries []models.GlucoseEntry, at time.Time) []models.GlucoseSample {
	samples := lo.FilterMap(entries, func(e models.GlucoseEntry, _ int) (models.GlucoseSample, bool) {
		if !e.IsValid() {
			return models.GlucoseSample{}, false
		}
		s := e.Sample()
		return s, !s.Date.After(at)
	})
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Date.Before(samples[j].Date)
	})
	return lo.UniqBy(samples, func(s models.GlucoseSample) int64 {
		return s.Date.UnixMilli()
	})
}

// doseKey identifies a dose for deduplication
func doseKey(d models.DoseEntry) string {
	if d.SyncIdentifier != "" {
		return d.SyncIdentifier
	}
	return fmt.Sprintf("%s/%d", d.Type, d.StartDate.UnixMilli())
}

// Doses converts insulin treatments starting up to at into chronological doses.
// A temp basal or suspend ends where the next basal event starts. A zero length
// temp basal is a cancel: it ends the running one and is then dropped. A suspend
// without a duration lasts until the next basal event, or until at.
func Doses(treatments []models.Treatment, at time.Time) []models.DoseEntry {
	doses := lo.FilterMap(treatments, func(t models.Treatment, _ int) (models.DoseEntry, bool) {
		d, ok := t.DoseEntry()
		return d, ok && !d.StartDate.After(at)
	})
	sort.SliceStable(doses, func(i, j int) bool {
		return doses[i].StartDate.Before(doses[j].StartDate)
	})
	doses = lo.UniqBy(doses, doseKey)

	var running *models.DoseEntry
	openEnded := false
	for i := range doses {
		d := &doses[i]
		if d.Type != models.DoseTypeTempBasal && d.Type != models.DoseTypeSuspend && d.Type != models.DoseTypeResume {
			continue
		}
		if running != nil && (openEnded || running.EndDate.After(d.StartDate)) {
			running.EndDate = d.StartDate
		}
		running = d
		openEnded = d.Type == models.DoseTypeSuspend && d.Duration() <= 0
	}
	if openEnded && at.After(running.StartDate) {
		running.EndDate = at
	}

	return lo.Reject(doses, func(d models.DoseEntry, _ int) bool {
		return d.Type == models.DoseTypeTempBasal && d.Duration() <= 0
	})
}

// CarbEntries converts carb treatments up to at into chronological entries
func CarbEntries(treatments []models.Treatment, at time.Time) []models.CarbEntry {
	entries := lo.FilterMap(treatments, func(t models.Treatment, _ int) (models.CarbEntry, bool) {
		c, ok := t.CarbEntry()
		return c, ok && !c.StartDate.After(at)
	})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StartDate.Before(entries[j].StartDate)
	})
	return lo.UniqBy(entries, func(c models.CarbEntry) string {
		if c.SyncIdentifier != "" {
			return c.SyncIdentifier
		}
		return fmt.Sprintf("carb/%d", c.StartDate.UnixMilli())
	})
}
