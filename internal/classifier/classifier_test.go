package classifier

import (
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/loqalabs/voiceguard/internal/features"
)

// syntheticSet builds n clips per class where AI clips have flat pitch and
// energy and human clips vary; the remaining features are noise.
func syntheticSet(n int, seed uint64) ([]features.Vector, []Label) {
	r := rand.New(rand.NewPCG(seed, 99))
	var vectors []features.Vector
	var labels []Label
	for i := 0; i < 2*n; i++ {
		v := features.Default()
		for _, k := range features.Keys {
			v[k] = r.Float64()
		}
		if i%2 == 0 {
			v[features.PitchStd] = 2 + 6*r.Float64()
			v[features.EnergyStd] = 0.005 + 0.01*r.Float64()
			labels = append(labels, LabelAI)
		} else {
			v[features.PitchStd] = 25 + 30*r.Float64()
			v[features.EnergyStd] = 0.05 + 0.1*r.Float64()
			labels = append(labels, LabelHuman)
		}
		vectors = append(vectors, v)
	}
	return vectors, labels
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Trees = 40
	return opts
}

func trainTestModel(t *testing.T) *Model {
	t.Helper()
	vectors, labels := syntheticSet(30, 1)
	m, err := Train(vectors, labels, testOptions())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	return m
}

func TestTrainFixesSortedFeatureOrder(t *testing.T) {
	m := trainTestModel(t)
	want := features.Default().SortedKeys()
	if !reflect.DeepEqual(m.FeatureOrder, want) {
		t.Fatalf("expected feature order %v, got %v", want, m.FeatureOrder)
	}
	if len(m.Trees) != 40 {
		t.Fatalf("expected 40 trees, got %d", len(m.Trees))
	}
	if m.Options.MaxFeatures != 3 {
		t.Fatalf("expected sqrt(12)=3 candidate features, got %d", m.Options.MaxFeatures)
	}
	if m.Metadata.AICount != 30 || m.Metadata.HumanCount != 30 {
		t.Fatalf("unexpected class counts: %+v", m.Metadata)
	}
}

func TestPredictSeparatesClasses(t *testing.T) {
	m := trainTestModel(t)
	vectors, labels := syntheticSet(10, 2)
	for i, v := range vectors {
		p, err := m.Predict(v)
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if p.Label != labels[i] {
			t.Fatalf("sample %d: expected %s, got %s (confidence %v)", i, labels[i], p.Label, p.Confidence)
		}
	}
}

func TestPredictContract(t *testing.T) {
	m := trainTestModel(t)
	vectors, _ := syntheticSet(20, 3)
	vectors = append(vectors, features.Default())
	for _, v := range vectors {
		first, err := m.Predict(v)
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		second, err := m.Predict(v.Clone())
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if first != second {
			t.Fatalf("non-deterministic prediction: %+v vs %+v", first, second)
		}
		if first.Confidence < 0 || first.Confidence > 1 {
			t.Fatalf("confidence out of range: %v", first.Confidence)
		}
		if (first.Label == LabelAI) != (first.Confidence >= Threshold) {
			t.Fatalf("label %s inconsistent with confidence %v", first.Label, first.Confidence)
		}
	}
}

func TestTrainIsReproducible(t *testing.T) {
	vectors, labels := syntheticSet(15, 4)
	a, err := Train(vectors, labels, testOptions())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	b, err := Train(vectors, labels, testOptions())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if !reflect.DeepEqual(a.Trees, b.Trees) {
		t.Fatal("expected identical forests for identical seed")
	}
}

func TestPredictMissingKeyFails(t *testing.T) {
	m := trainTestModel(t)
	v := features.Default()
	delete(v, features.HNR)
	if _, err := m.Predict(v); !errors.Is(err, ErrFeatureMismatch) {
		t.Fatalf("expected ErrFeatureMismatch, got %v", err)
	}
}

func TestPredictWithoutTreesFails(t *testing.T) {
	m := &Model{FeatureOrder: features.Keys}
	if _, err := m.Predict(features.Default()); !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("expected ErrInvalidModel, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := trainTestModel(t)
	path := filepath.Join(t.TempDir(), "models", "voice_model.msgpack")
	if err := m.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(loaded.FeatureOrder, m.FeatureOrder) {
		t.Fatalf("feature order changed: %v", loaded.FeatureOrder)
	}
	if fp := m.Fingerprint(); fp == "" || loaded.Fingerprint() != fp {
		t.Fatalf("fingerprint changed after reload: %q vs %q", fp, loaded.Fingerprint())
	}

	battery, _ := syntheticSet(25, 5)
	for i, v := range battery {
		want, _ := m.Predict(v)
		got, err := loaded.Predict(v)
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if want != got {
			t.Fatalf("sample %d: prediction changed after reload: %+v vs %+v", i, want, got)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the artifact on disk, found %d entries", len(entries))
	}
}

func TestLoadRejectsInvalidArtifacts(t *testing.T) {
	good := artifact{
		Format:       artifactFormat,
		Version:      artifactVersion,
		FeatureOrder: []string{"a", "b"},
		Trees: []Tree{{Nodes: []Node{
			{Feature: 0, Threshold: 0.5, Left: 1, Right: 2},
			{Feature: leafFeature, Value: 0.1},
			{Feature: leafFeature, Value: 0.9},
		}}},
	}

	cases := map[string]func(a *artifact){
		"missing feature order": func(a *artifact) { a.FeatureOrder = nil },
		"duplicate feature":     func(a *artifact) { a.FeatureOrder = []string{"a", "a"} },
		"no trees":              func(a *artifact) { a.Trees = nil },
		"wrong version":         func(a *artifact) { a.Version = 7 },
		"wrong format":          func(a *artifact) { a.Format = "pickle" },
		"column out of range": func(a *artifact) {
			a.Trees = []Tree{{Nodes: []Node{{Feature: 5, Left: 1, Right: 2}, {Feature: leafFeature}, {Feature: leafFeature}}}}
		},
		"cyclic child": func(a *artifact) {
			a.Trees = []Tree{{Nodes: []Node{{Feature: 0, Left: 0, Right: 1}, {Feature: leafFeature}}}}
		},
	}

	dir := t.TempDir()
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			a := good
			mutate(&a)
			data, err := msgpack.Marshal(a)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			path := filepath.Join(dir, name+".msgpack")
			if err := os.WriteFile(path, data, 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(path); !errors.Is(err, ErrInvalidModel) {
				t.Fatalf("expected ErrInvalidModel, got %v", err)
			}
		})
	}

	t.Run("garbage", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.msgpack")
		if err := os.WriteFile(path, []byte{0xc1, 0x00, 0x13}, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); !errors.Is(err, ErrInvalidModel) {
			t.Fatalf("expected ErrInvalidModel, got %v", err)
		}
	})

	t.Run("valid", func(t *testing.T) {
		data, err := msgpack.Marshal(good)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		path := filepath.Join(dir, "valid.msgpack")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		m, err := Load(path)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		p, err := m.Predict(features.Vector{"a": 0.7, "b": 0})
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if p.Label != LabelAI || p.Confidence != 0.9 {
			t.Fatalf("unexpected prediction %+v", p)
		}
	})
}

func TestTrainRejectsBadInput(t *testing.T) {
	vectors, labels := syntheticSet(3, 6)

	if _, err := Train(nil, nil, testOptions()); !errors.Is(err, ErrNoSamples) {
		t.Fatalf("expected ErrNoSamples, got %v", err)
	}
	if _, err := Train(vectors, labels[:2], testOptions()); err == nil {
		t.Fatal("expected length mismatch error")
	}

	humans := make([]Label, len(labels))
	for i := range humans {
		humans[i] = LabelHuman
	}
	if _, err := Train(vectors, humans, testOptions()); !errors.Is(err, ErrSingleClass) {
		t.Fatalf("expected ErrSingleClass, got %v", err)
	}

	broken := make([]features.Vector, len(vectors))
	for i, v := range vectors {
		broken[i] = v.Clone()
	}
	delete(broken[2], features.PitchMean)
	if _, err := Train(broken, labels, testOptions()); !errors.Is(err, ErrFeatureMismatch) {
		t.Fatalf("expected ErrFeatureMismatch, got %v", err)
	}

	bad := append([]Label(nil), labels...)
	bad[0] = "SYNTHETIC"
	if _, err := Train(vectors, bad, testOptions()); err == nil {
		t.Fatal("expected unknown label error")
	}
}
