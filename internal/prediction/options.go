// Package prediction composes glucose effects into a glucose forecast.
package prediction

import (
	"fmt"
	"strings"
)

// EffectsOptions selects which effects contribute to a forecast.
type EffectsOptions uint8

// Effects
const (
	Carbs EffectsOptions = 1 << iota
	Insulin
	Momentum
	Retrospection

	All = Carbs | Insulin | Momentum | Retrospection
)

var optionNames = []struct {
	option EffectsOptions
	name   string
}{
	{Carbs, "carbs"},
	{Insulin, "insulin"},
	{Momentum, "momentum"},
	{Retrospection, "retrospection"},
}

// Contains reports whether every effect in other is selected
func (o EffectsOptions) Contains(other EffectsOptions) bool {
	return o&other == other
}

// String lists the selected effects, comma separated
func (o EffectsOptions) String() string {
	var names []string
	for _, n := range optionNames {
		if o.Contains(n.option) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseEffectsOptions builds a set from effect names
func ParseEffectsOptions(names []string) (EffectsOptions, error) {
	var o EffectsOptions
	for _, name := range names {
		found := false
		for _, n := range optionNames {
			if strings.EqualFold(strings.TrimSpace(name), n.name) {
				o |= n.option
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown effect %q", name)
		}
	}
	return o, nil
}
