// Package explain turns a feature vector into human-readable reasons.
//
// The thresholds are fixed and independent of the classifier, so an
// explanation may disagree with the predicted label.
package explain

import (
	"github.com/loqalabs/voiceguard/internal/features"
)

const (
	MsgStablePitch    = "Unnaturally stable pitch patterns detected"
	MsgSmoothSpectrum = "Over-smooth spectral transitions"
	MsgFlatEnergy     = "Reduced temporal energy variation"
	MsgCleanHarmonics = "Excessively clean harmonic structure"
	MsgNaturalSpeech  = "Speech characteristics resemble natural human voice patterns"
)

// Rule emits Message when Match holds for a vector.
type Rule struct {
	Name    string
	Match   func(features.Vector) bool
	Message string
}

// DefaultRules is the standard rule table, in emission order.
var DefaultRules = []Rule{
	{
		Name:    "stable_pitch",
		Match:   func(v features.Vector) bool { return v.Get(features.PitchStd) < 10 },
		Message: MsgStablePitch,
	},
	{
		Name:    "smooth_spectrum",
		Match:   func(v features.Vector) bool { return v.Get(features.SpectralFluxStd) < 0.05 },
		Message: MsgSmoothSpectrum,
	},
	{
		Name:    "flat_energy",
		Match:   func(v features.Vector) bool { return v.Get(features.EnergyStd) < 0.02 },
		Message: MsgFlatEnergy,
	},
	{
		Name:    "clean_harmonics",
		Match:   func(v features.Vector) bool { return v.Get(features.HNR) > 18 },
		Message: MsgCleanHarmonics,
	},
}

// Engine evaluates an ordered rule table.
type Engine struct {
	rules    []Rule
	fallback string
}

func NewEngine() *Engine {
	return NewEngineWithRules(DefaultRules, MsgNaturalSpeech)
}

func NewEngineWithRules(rules []Rule, fallback string) *Engine {
	return &Engine{rules: append([]Rule(nil), rules...), fallback: fallback}
}

// Explain returns the messages of every matching rule in table order, or the
// fallback message alone when none match. The result is never empty.
func (e *Engine) Explain(v features.Vector) []string {
	var out []string
	for _, r := range e.rules {
		if r.Match(v) {
			out = append(out, r.Message)
		}
	}
	if len(out) == 0 {
		return []string{e.fallback}
	}
	return out
}

// Fired returns the names of matching rules, for logging.
func (e *Engine) Fired(v features.Vector) []string {
	var names []string
	for _, r := range e.rules {
		if r.Match(v) {
			names = append(names, r.Name)
		}
	}
	return names
}
