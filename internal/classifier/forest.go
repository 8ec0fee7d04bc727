package classifier

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/loqalabs/voiceguard/internal/config"
	"github.com/loqalabs/voiceguard/internal/features"
)

var (
	ErrNoSamples   = errors.New("no training samples")
	ErrSingleClass = errors.New("training data must contain both HUMAN and AI_GENERATED samples")
)

// Options configure forest training.
type Options struct {
	Trees           int    `msgpack:"trees" json:"trees"`
	MaxDepth        int    `msgpack:"max_depth" json:"max_depth"`
	MaxFeatures     int    `msgpack:"max_features" json:"max_features"`
	MinSamplesSplit int    `msgpack:"min_samples_split" json:"min_samples_split"`
	ClassBalanced   bool   `msgpack:"class_balanced" json:"class_balanced"`
	Seed            uint64 `msgpack:"seed" json:"seed"`
}

func DefaultOptions() Options {
	return Options{
		Trees:           200,
		MaxDepth:        10,
		MinSamplesSplit: 2,
		ClassBalanced:   true,
		Seed:            42,
	}
}

// OptionsFromConfig maps the model section of the service config onto training options.
func OptionsFromConfig(cfg config.ModelConfig) Options {
	opts := DefaultOptions()
	if cfg.Trees > 0 {
		opts.Trees = cfg.Trees
	}
	if cfg.MaxDepth > 0 {
		opts.MaxDepth = cfg.MaxDepth
	}
	opts.ClassBalanced = cfg.ClassBalanced
	opts.Seed = cfg.Seed
	return opts
}

func (o Options) withDefaults(numFeatures int) Options {
	d := DefaultOptions()
	if o.Trees <= 0 {
		o.Trees = d.Trees
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.MinSamplesSplit < 2 {
		o.MinSamplesSplit = d.MinSamplesSplit
	}
	if o.MaxFeatures <= 0 || o.MaxFeatures > numFeatures {
		o.MaxFeatures = int(math.Sqrt(float64(numFeatures)))
		if o.MaxFeatures < 1 {
			o.MaxFeatures = 1
		}
	}
	return o
}

// Train fits a random forest on vectors labelled with labels. The sorted key
// set of the first vector becomes the model's feature order.
func Train(vectors []features.Vector, labels []Label, opts Options) (*Model, error) {
	if len(vectors) == 0 {
		return nil, ErrNoSamples
	}
	if len(vectors) != len(labels) {
		return nil, fmt.Errorf("got %d feature vectors but %d labels", len(vectors), len(labels))
	}

	order := vectors[0].SortedKeys()
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: first training vector is empty", ErrFeatureMismatch)
	}

	x := make([][]float64, len(vectors))
	y := make([]int, len(vectors))
	counts := [2]int{}
	for i, v := range vectors {
		row, err := encode(order, v)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		for j, val := range row {
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return nil, fmt.Errorf("sample %d: feature %s is not finite", i, order[j])
			}
		}
		class, err := labels[i].class()
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		x[i] = row
		y[i] = class
		counts[class]++
	}
	if counts[0] == 0 || counts[1] == 0 {
		return nil, ErrSingleClass
	}

	opts = opts.withDefaults(len(order))
	classWeight := [2]float64{1, 1}
	if opts.ClassBalanced {
		n := float64(len(y))
		classWeight[0] = n / (2 * float64(counts[0]))
		classWeight[1] = n / (2 * float64(counts[1]))
	}

	trees := make([]Tree, opts.Trees)
	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := min(runtime.GOMAXPROCS(0), opts.Trees)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				trees[t] = growTree(x, y, classWeight, opts, uint64(t))
			}
		}()
	}
	for t := range trees {
		jobs <- t
	}
	close(jobs)
	wg.Wait()

	return &Model{
		FeatureOrder: order,
		Options:      opts,
		Trees:        trees,
		Metadata: Metadata{
			TrainedAt:  time.Now().UTC(),
			Samples:    len(y),
			HumanCount: counts[0],
			AICount:    counts[1],
		},
	}, nil
}

// growTree fits one tree on a bootstrap sample. Each tree draws from its own
// generator seeded by (opts.Seed, index) so training order does not matter.
func growTree(x [][]float64, y []int, classWeight [2]float64, opts Options, index uint64) Tree {
	rng := rand.New(rand.NewPCG(opts.Seed, index))

	draws := make([]int, len(x))
	for range x {
		draws[rng.IntN(len(x))]++
	}
	weights := make([]float64, len(x))
	idx := make([]int, 0, len(x))
	for i, c := range draws {
		if c == 0 {
			continue
		}
		weights[i] = float64(c) * classWeight[y[i]]
		idx = append(idx, i)
	}

	b := &treeBuilder{
		x:           x,
		y:           y,
		weights:     weights,
		maxDepth:    opts.MaxDepth,
		maxFeatures: opts.MaxFeatures,
		minSplit:    opts.MinSamplesSplit,
		rng:         rng,
	}
	b.grow(idx, 0)
	return Tree{Nodes: b.nodes}
}
