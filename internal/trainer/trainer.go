// Package trainer builds a classifier from a labelled directory of clips.
//
// The data directory holds one subdirectory per class: human/ for HUMAN
// recordings and ai/ for AI_GENERATED ones. Files with a .wav or .mp3
// extension are used; anything else is ignored.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/loqalabs/voiceguard/internal/audio"
	"github.com/loqalabs/voiceguard/internal/classifier"
	"github.com/loqalabs/voiceguard/internal/features"
)

// ErrTooFewSamples is returned when the dataset is smaller than the configured minimum.
var ErrTooFewSamples = errors.New("not enough training samples")

var classDirs = []struct {
	name  string
	label classifier.Label
}{
	{"human", classifier.LabelHuman},
	{"ai", classifier.LabelAI},
}

// Sample is one labelled clip and its feature vector.
type Sample struct {
	Path     string
	Label    classifier.Label
	Features features.Vector
}

// Trainer extracts features from a dataset and fits a model.
type Trainer struct {
	normalizer *audio.Normalizer
	extractor  *features.Extractor
	minSamples int
	logger     *slog.Logger
}

func New(normalizer *audio.Normalizer, extractor *features.Extractor, minSamples int, logger *slog.Logger) *Trainer {
	return &Trainer{
		normalizer: normalizer,
		extractor:  extractor,
		minSamples: minSamples,
		logger:     logger.With(slog.String("component", "trainer")),
	}
}

// Files lists the clips under dir grouped by label, sorted by path.
func Files(dir string) (map[classifier.Label][]string, error) {
	out := make(map[classifier.Label][]string, len(classDirs))
	for _, c := range classDirs {
		entries, err := os.ReadDir(filepath.Join(dir, c.name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s samples: %w", c.name, err)
		}
		for _, e := range entries {
			if e.IsDir() || !audioFile(e.Name()) {
				continue
			}
			out[c.label] = append(out[c.label], filepath.Join(dir, c.name, e.Name()))
		}
		slices.Sort(out[c.label])
	}
	return out, nil
}

func audioFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", ".mp3":
		return true
	}
	return false
}

// Load extracts a feature vector for every clip under dir. Clips that fail to
// decode abort the load.
func (t *Trainer) Load(ctx context.Context, dir string) ([]Sample, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, err
	}
	var samples []Sample
	for _, c := range classDirs {
		t.logger.Info("found samples", slog.String("class", string(c.label)), slog.Int("count", len(files[c.label])))
		for _, path := range files[c.label] {
			samples = append(samples, Sample{Path: path, Label: c.label})
		}
	}
	if len(samples) < t.minSamples {
		return nil, fmt.Errorf("%w: found %d, need at least %d", ErrTooFewSamples, len(samples), t.minSamples)
	}

	errs := make([]error, len(samples))
	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := min(runtime.GOMAXPROCS(0), len(samples))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				wave, err := t.normalizer.Load(ctx, samples[i].Path)
				if err != nil {
					errs[i] = fmt.Errorf("%s: %w", samples[i].Path, err)
					continue
				}
				samples[i].Features = t.extractor.Extract(wave)
			}
		}()
	}
	for i := range samples {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return samples, nil
}

// Fit trains a model on samples.
func (t *Trainer) Fit(samples []Sample, opts classifier.Options) (*classifier.Model, error) {
	if len(samples) < t.minSamples {
		return nil, fmt.Errorf("%w: found %d, need at least %d", ErrTooFewSamples, len(samples), t.minSamples)
	}
	vectors := make([]features.Vector, len(samples))
	labels := make([]classifier.Label, len(samples))
	for i, s := range samples {
		vectors[i] = s.Features
		labels[i] = s.Label
	}
	model, err := classifier.Train(vectors, labels, opts)
	if err != nil {
		return nil, err
	}
	t.logger.Info("model trained",
		slog.Int("samples", model.Metadata.Samples),
		slog.Int("human", model.Metadata.HumanCount),
		slog.Int("ai", model.Metadata.AICount),
		slog.Int("trees", len(model.Trees)))
	return model, nil
}
