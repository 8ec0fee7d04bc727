package language

import (
	"testing"

	"github.com/loqalabs/voiceguard/internal/features"
)

func TestGuessCascade(t *testing.T) {
	cases := []struct {
		name string
		v    features.Vector
		want string
	}{
		{"high pitch lively energy", features.Vector{features.PitchMean: 210, features.EnergyStd: 0.08}, Tamil},
		{"mid pitch bright", features.Vector{features.PitchMean: 170, features.CentroidMean: 2600, features.EnergyStd: 0.01}, Hindi},
		{"upper hindi bound inclusive", features.Vector{features.PitchMean: 190, features.CentroidMean: 3000}, Hindi},
		{"flat delivery", features.Vector{features.PitchMean: 120, features.PitchStd: 8, features.EnergyStd: 0.02, features.CentroidMean: 3000}, English},
		{"low and dark", features.Vector{features.PitchMean: 140, features.PitchStd: 30, features.EnergyStd: 0.05, features.CentroidMean: 2000}, Malayalam},
		{"nothing matches", features.Vector{features.PitchMean: 175, features.PitchStd: 30, features.EnergyStd: 0.04, features.CentroidMean: 2300}, Telugu},
		{"tamil wins over english", features.Vector{features.PitchMean: 200, features.PitchStd: 5, features.EnergyStd: 0.06}, Tamil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Guess(tc.v); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestGuessDefaultVector(t *testing.T) {
	// all zeros: pitch_std < 12 and energy_std < 0.03
	if got := Guess(features.Default()); got != English {
		t.Fatalf("expected English for the default vector, got %s", got)
	}
	if got := Guess(features.Vector{}); got != English {
		t.Fatalf("expected missing keys to read as zero, got %s", got)
	}
}
