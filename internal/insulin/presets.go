package insulin

import (
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// Preset holds the curve parameters of an exponential insulin model.
type Preset struct {
	ActionDuration   time.Duration
	PeakActivityTime time.Duration
	Delay            time.Duration
}

// Model builds the exponential model for the preset
func (p Preset) Model() Model {
	return NewExponentialModel(p.ActionDuration, p.PeakActivityTime, p.Delay)
}

// Exponential model presets
var (
	RapidActingAdult = Preset{ActionDuration: 360 * time.Minute, PeakActivityTime: 75 * time.Minute, Delay: 10 * time.Minute}
	RapidActingChild = Preset{ActionDuration: 360 * time.Minute, PeakActivityTime: 65 * time.Minute, Delay: 10 * time.Minute}
	Fiasp            = Preset{ActionDuration: 360 * time.Minute, PeakActivityTime: 55 * time.Minute, Delay: 10 * time.Minute}
	Lyumjev          = Preset{ActionDuration: 360 * time.Minute, PeakActivityTime: 55 * time.Minute, Delay: 10 * time.Minute}
	Afrezza          = Preset{ActionDuration: 300 * time.Minute, PeakActivityTime: 29 * time.Minute, Delay: 10 * time.Minute}
)

// ModelProvider maps insulin types to activity models.
// It is built once and never mutated, so it is safe for concurrent use.
type ModelProvider struct {
	models   map[models.InsulinType]Model
	fallback Model
}

// NewModelProvider creates a provider with the standard presets.
// fallback is used for doses without an insulin type (nil selects the adult rapid-acting curve).
func NewModelProvider(fallback Model) *ModelProvider {
	if fallback == nil {
		fallback = RapidActingAdult.Model()
	}
	adult := RapidActingAdult.Model()
	return &ModelProvider{
		models: map[models.InsulinType]Model{
			models.InsulinTypeNovolog: adult,
			models.InsulinTypeHumalog: adult,
			models.InsulinTypeApidra:  adult,
			models.InsulinTypeFiasp:   Fiasp.Model(),
			models.InsulinTypeLyumjev: Lyumjev.Model(),
			models.InsulinTypeAfrezza: Afrezza.Model(),
			models.InsulinTypeChild:   RapidActingChild.Model(),
		},
		fallback: fallback,
	}
}

// Model returns the activity model for an insulin type
func (p *ModelProvider) Model(t models.InsulinType) Model {
	if m, ok := p.models[t]; ok {
		return m
	}
	return p.fallback
}

// EffectDuration returns the longest effect duration of any model the provider can return
func (p *ModelProvider) EffectDuration() time.Duration {
	longest := p.fallback.EffectDuration()
	for _, m := range p.models {
		if d := m.EffectDuration(); d > longest {
			longest = d
		}
	}
	return longest
}
