package features

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Feature keys. The set is closed and case-sensitive.
const (
	PitchMean       = "pitch_mean"
	PitchStd        = "pitch_std"
	PitchDeltaStd   = "pitch_delta_std"
	CentroidMean    = "centroid_mean"
	CentroidStd     = "centroid_std"
	RolloffStd      = "rolloff_std"
	BandwidthStd    = "bandwidth_std"
	SpectralFluxStd = "spectral_flux_std"
	EnergyMean      = "energy_mean"
	EnergyStd       = "energy_std"
	EnergyDeltaStd  = "energy_delta_std"
	HNR             = "hnr"
)

// Keys lists every feature key in extraction order.
var Keys = []string{
	PitchMean, PitchStd, PitchDeltaStd,
	CentroidMean, CentroidStd, RolloffStd, BandwidthStd, SpectralFluxStd,
	EnergyMean, EnergyStd, EnergyDeltaStd,
	HNR,
}

var knownKeys = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Keys))
	for _, k := range Keys {
		m[k] = struct{}{}
	}
	return m
}()

// Vector maps feature keys to values.
type Vector map[string]float64

// Default returns the all-zero vector used for degenerate input.
func Default() Vector {
	v := make(Vector, len(Keys))
	for _, k := range Keys {
		v[k] = 0
	}
	return v
}

// Get returns the value for key, or 0 when absent.
func (v Vector) Get(key string) float64 {
	return v[key]
}

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Sanitize replaces NaN and infinite values with 0 and fills missing keys.
func (v Vector) Sanitize() Vector {
	for k, val := range v {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			v[k] = 0
		}
	}
	for _, k := range Keys {
		if _, ok := v[k]; !ok {
			v[k] = 0
		}
	}
	return v
}

// SortedKeys returns the vector's keys in lexical order.
func (v Vector) SortedKeys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate reports missing, unknown, or non-finite entries.
func (v Vector) Validate() error {
	var missing, unknown, bad []string
	for _, k := range Keys {
		if _, ok := v[k]; !ok {
			missing = append(missing, k)
		}
	}
	for _, k := range v.SortedKeys() {
		if _, ok := knownKeys[k]; !ok {
			unknown = append(unknown, k)
			continue
		}
		if val := v[k]; math.IsNaN(val) || math.IsInf(val, 0) {
			bad = append(bad, k)
		}
	}

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing feature keys: %s", strings.Join(missing, ", ")))
	}
	if len(unknown) > 0 {
		errs = append(errs, fmt.Errorf("unknown feature keys: %s", strings.Join(unknown, ", ")))
	}
	if len(bad) > 0 {
		errs = append(errs, fmt.Errorf("non-finite feature values: %s", strings.Join(bad, ", ")))
	}
	return errors.Join(errs...)
}

func merge(dst Vector, parts ...Vector) Vector {
	for _, p := range parts {
		for k, val := range p {
			dst[k] = val
		}
	}
	return dst
}
