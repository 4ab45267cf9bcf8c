package insulin

import (
	"sort"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// Annotate splits temp basal, suspend and basal doses at basal schedule boundaries and
// records the scheduled rate on every piece, so the net effect against the schedule can be computed.
// Boluses and resumes are returned unchanged.
func Annotate(doses []models.DoseEntry, basal models.BasalSchedule) []models.DoseEntry {
	out := make([]models.DoseEntry, 0, len(doses))
	for _, dose := range doses {
		switch dose.Type {
		case models.DoseTypeTempBasal, models.DoseTypeSuspend, models.DoseTypeBasal:
			out = append(out, annotateDose(dose, basal)...)
		default:
			out = append(out, dose)
		}
	}
	return out
}

func annotateDose(dose models.DoseEntry, basal models.BasalSchedule) []models.DoseEntry {
	if dose.Duration() <= 0 {
		if rate, ok := basal.ValueAt(dose.StartDate); ok {
			dose.ScheduledBasalRate = models.Float(rate)
		}
		return []models.DoseEntry{dose}
	}

	var pieces []models.DoseEntry
	cursor := dose.StartDate
	for cursor.Before(dose.EndDate) {
		next := dose.EndDate
		idx := sort.Search(len(basal), func(i int) bool {
			return basal[i].StartDate.After(cursor)
		})
		if idx < len(basal) && basal[idx].StartDate.Before(next) {
			next = basal[idx].StartDate
		}

		piece := dose.Trimmed(cursor, next)
		piece.ScheduledBasalRate = nil
		if idx > 0 {
			seg := basal[idx-1]
			if seg.EndDate.After(cursor) {
				if seg.EndDate.Before(next) {
					next = seg.EndDate
					piece = dose.Trimmed(cursor, next)
				}
				piece.ScheduledBasalRate = models.Float(seg.Value)
			}
		}
		pieces = append(pieces, piece)
		cursor = next
	}
	return pieces
}

// pulse is a discrete amount of net insulin delivered at an instant.
type pulse struct {
	date  time.Time
	units float64
	model Model
}

// pulses turns doses into discrete deliveries. Continuous doses are split into
// delta-long segments, each delivered at its midpoint.
func pulses(doses []models.DoseEntry, provider *ModelProvider, delta time.Duration) []pulse {
	var out []pulse
	for _, dose := range doses {
		net := dose.NetBasalUnits()
		if net == 0 {
			continue
		}
		model := provider.Model(dose.InsulinType)
		duration := dose.Duration()
		if duration <= 0 {
			out = append(out, pulse{date: dose.StartDate, units: net, model: model})
			continue
		}
		for segStart := dose.StartDate; segStart.Before(dose.EndDate); segStart = segStart.Add(delta) {
			segEnd := segStart.Add(delta)
			if segEnd.After(dose.EndDate) {
				segEnd = dose.EndDate
			}
			length := segEnd.Sub(segStart)
			out = append(out, pulse{
				date:  segStart.Add(length / 2),
				units: net * float64(length) / float64(duration),
				model: model,
			})
		}
	}
	return out
}

// absorbedUnits returns the net units whose effect has been realised at date
func absorbedUnits(ps []pulse, date time.Time) float64 {
	var total float64
	for _, p := range ps {
		if date.Before(p.date) {
			continue
		}
		total += p.units * (1 - p.model.PercentEffectRemaining(date.Sub(p.date)))
	}
	return total
}

// GlucoseEffects returns the cumulative glucose effect of the annotated doses, sampled every delta over [start, end].
// Each step's newly absorbed insulin is scaled by the sensitivity effective at that step.
// Without doses the curve is flat at zero.
func GlucoseEffects(
	doses []models.DoseEntry,
	sensitivity models.SensitivitySchedule,
	provider *ModelProvider,
	start, end time.Time,
	delta time.Duration,
) []models.GlucoseEffect {
	if delta <= 0 || end.Before(start) {
		return nil
	}
	ps := pulses(doses, provider, delta)

	effects := make([]models.GlucoseEffect, 0, int(end.Sub(start)/delta)+1)
	var value, previous float64
	for date := start; !date.After(end); date = date.Add(delta) {
		absorbed := absorbedUnits(ps, date)
		value -= (absorbed - previous) * sensitivityAt(sensitivity, date)
		previous = absorbed
		effects = append(effects, models.GlucoseEffect{Date: date, Quantity: value})
	}
	return effects
}

// OnBoard returns the net insulin on board at date, from annotated doses delivered before it.
func OnBoard(doses []models.DoseEntry, provider *ModelProvider, at time.Time, delta time.Duration) float64 {
	var iob float64
	for _, p := range pulses(doses, provider, delta) {
		if p.date.After(at) {
			continue
		}
		iob += p.units * p.model.PercentEffectRemaining(at.Sub(p.date))
	}
	return iob
}

// sensitivityAt returns the sensitivity at date; instants before the schedule use its first value
func sensitivityAt(sensitivity models.SensitivitySchedule, date time.Time) float64 {
	if v, ok := sensitivity.ValueAt(date); ok {
		return v
	}
	if len(sensitivity) > 0 {
		return sensitivity[0].Value
	}
	return 0
}
