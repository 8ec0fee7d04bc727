package language

import (
	"github.com/loqalabs/voiceguard/internal/features"
)

const (
	Tamil     = "Tamil"
	Hindi     = "Hindi"
	English   = "English"
	Malayalam = "Malayalam"
	Telugu    = "Telugu"
)

type rule struct {
	match    func(pitchMean, pitchStd, energyStd, centroidMean float64) bool
	language string
}

// cascade is evaluated top to bottom; the first match wins.
var cascade = []rule{
	{func(pm, _, es, _ float64) bool { return pm > 190 && es > 0.05 }, Tamil},
	{func(pm, _, _, cm float64) bool { return pm > 150 && pm <= 190 && cm > 2500 }, Hindi},
	{func(_, ps, es, _ float64) bool { return ps < 12 && es < 0.03 }, English},
	{func(pm, _, _, cm float64) bool { return cm < 2200 && pm < 160 }, Malayalam},
}

// Guess returns a coarse language label from prosodic features. It is a
// heuristic with no accuracy guarantee. Missing keys read as zero.
func Guess(v features.Vector) string {
	pm := v.Get(features.PitchMean)
	ps := v.Get(features.PitchStd)
	es := v.Get(features.EnergyStd)
	cm := v.Get(features.CentroidMean)
	for _, r := range cascade {
		if r.match(pm, ps, es, cm) {
			return r.language
		}
	}
	return Telugu
}
