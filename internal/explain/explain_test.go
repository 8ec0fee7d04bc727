package explain

import (
	"reflect"
	"testing"

	"github.com/loqalabs/voiceguard/internal/features"
)

func TestExplainFallbackWhenNothingFires(t *testing.T) {
	v := features.Vector{
		features.PitchStd:        40,
		features.SpectralFluxStd: 0.3,
		features.EnergyStd:       0.1,
		features.HNR:             5,
	}
	got := NewEngine().Explain(v)
	want := []string{MsgNaturalSpeech}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExplainEmitsInRuleOrder(t *testing.T) {
	v := features.Default().Sanitize()
	v[features.PitchStd] = 3
	v[features.SpectralFluxStd] = 0.01
	v[features.EnergyStd] = 0.001
	v[features.HNR] = 25

	got := NewEngine().Explain(v)
	want := []string{MsgStablePitch, MsgSmoothSpectrum, MsgFlatEnergy, MsgCleanHarmonics}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExplainStablePitchAlwaysFirst(t *testing.T) {
	cases := []features.Vector{
		{features.PitchStd: 9.99, features.SpectralFluxStd: 1, features.EnergyStd: 1, features.HNR: 0},
		{features.PitchStd: 0, features.SpectralFluxStd: 1, features.EnergyStd: 0, features.HNR: 30},
		{features.PitchStd: 5, features.SpectralFluxStd: 0, features.EnergyStd: 1, features.HNR: 19},
	}
	for i, v := range cases {
		got := NewEngine().Explain(v)
		if len(got) == 0 || got[0] != MsgStablePitch {
			t.Fatalf("case %d: expected pitch message first, got %v", i, got)
		}
	}
}

func TestExplainThresholdsAreStrict(t *testing.T) {
	v := features.Vector{
		features.PitchStd:        10,
		features.SpectralFluxStd: 0.05,
		features.EnergyStd:       0.02,
		features.HNR:             18,
	}
	got := NewEngine().Explain(v)
	if !reflect.DeepEqual(got, []string{MsgNaturalSpeech}) {
		t.Fatalf("expected boundary values not to fire, got %v", got)
	}
}

func TestExplainDefaultVector(t *testing.T) {
	e := NewEngine()
	got := e.Explain(features.Default())
	want := []string{MsgStablePitch, MsgSmoothSpectrum, MsgFlatEnergy}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if names := e.Fired(features.Default()); !reflect.DeepEqual(names, []string{"stable_pitch", "smooth_spectrum", "flat_energy"}) {
		t.Fatalf("unexpected fired rules %v", names)
	}
}

func TestExplainDoesNotMutateVector(t *testing.T) {
	v := features.Default()
	before := v.Clone()
	NewEngine().Explain(v)
	if !reflect.DeepEqual(v, before) {
		t.Fatalf("vector mutated: %v", v)
	}
}

func TestCustomRules(t *testing.T) {
	e := NewEngineWithRules([]Rule{{
		Name:    "loud",
		Match:   func(v features.Vector) bool { return v.Get(features.EnergyMean) > 0.5 },
		Message: "loud",
	}}, "quiet")
	if got := e.Explain(features.Vector{features.EnergyMean: 0.9}); !reflect.DeepEqual(got, []string{"loud"}) {
		t.Fatalf("unexpected %v", got)
	}
	if got := e.Explain(features.Vector{}); !reflect.DeepEqual(got, []string{"quiet"}) {
		t.Fatalf("unexpected %v", got)
	}
}
