package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/loqalabs/voiceguard/internal/features"
)

const (
	artifactFormat  = "voiceguard-forest"
	artifactVersion = 1
	// Threshold is the AI_GENERATED probability at or above which a clip is flagged.
	Threshold = 0.5
)

var (
	// ErrFeatureMismatch means a vector does not carry every key of the model's feature order.
	ErrFeatureMismatch = errors.New("feature vector does not match model feature order")
	// ErrInvalidModel means a persisted artifact is incomplete or inconsistent.
	ErrInvalidModel = errors.New("invalid model artifact")
)

// Label is the binary classification outcome.
type Label string

const (
	LabelAI    Label = "AI_GENERATED"
	LabelHuman Label = "HUMAN"
)

func (l Label) class() (int, error) {
	switch l {
	case LabelAI:
		return 1, nil
	case LabelHuman:
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown label %q", string(l))
	}
}

// Prediction is the model's verdict for one clip. Confidence is the
// probability of AI_GENERATED.
type Prediction struct {
	Label      Label   `json:"classification"`
	Confidence float64 `json:"confidence"`
}

type Metadata struct {
	TrainedAt  time.Time `msgpack:"trained_at" json:"trained_at"`
	Samples    int       `msgpack:"samples" json:"samples"`
	HumanCount int       `msgpack:"human_count" json:"human_count"`
	AICount    int       `msgpack:"ai_count" json:"ai_count"`
}

// Model is a trained forest together with the feature order it was trained on.
// A Model is immutable after Train or Load and safe for concurrent Predict calls.
type Model struct {
	FeatureOrder []string
	Options      Options
	Trees        []Tree
	Metadata     Metadata
}

type artifact struct {
	Format       string   `msgpack:"format"`
	Version      int      `msgpack:"version"`
	FeatureOrder []string `msgpack:"feature_order"`
	Options      Options  `msgpack:"options"`
	Trees        []Tree   `msgpack:"trees"`
	Metadata     Metadata `msgpack:"metadata"`
}

// Predict classifies v. Every key of FeatureOrder must be present.
func (m *Model) Predict(v features.Vector) (Prediction, error) {
	if len(m.Trees) == 0 {
		return Prediction{}, fmt.Errorf("%w: no trees", ErrInvalidModel)
	}
	x, err := encode(m.FeatureOrder, v)
	if err != nil {
		return Prediction{}, err
	}
	var sum float64
	for _, t := range m.Trees {
		sum += t.predict(x)
	}
	p := sum / float64(len(m.Trees))
	p = math.Max(0, math.Min(1, p))

	label := LabelHuman
	if p >= Threshold {
		label = LabelAI
	}
	return Prediction{Label: label, Confidence: p}, nil
}

// Fingerprint identifies the trained forest. Models with the same feature
// order and trees share a fingerprint whatever their metadata says.
func (m *Model) Fingerprint() string {
	data, err := msgpack.Marshal(struct {
		Order []string `msgpack:"o"`
		Trees []Tree   `msgpack:"t"`
	}{m.FeatureOrder, m.Trees})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func encode(order []string, v features.Vector) ([]float64, error) {
	x := make([]float64, len(order))
	for i, k := range order {
		val, ok := v[k]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrFeatureMismatch, k)
		}
		x[i] = val
	}
	return x, nil
}

// Save writes the model and its feature order as a single artifact. The file
// is replaced atomically.
func (m *Model) Save(path string) error {
	data, err := msgpack.Marshal(artifact{
		Format:       artifactFormat,
		Version:      artifactVersion,
		FeatureOrder: m.FeatureOrder,
		Options:      m.Options,
		Trees:        m.Trees,
		Metadata:     m.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".model-*")
	if err != nil {
		return fmt.Errorf("create temp model file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close model: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install model: %w", err)
	}
	return nil
}

// Load reads an artifact written by Save.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var a artifact
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return &Model{
		FeatureOrder: a.FeatureOrder,
		Options:      a.Options,
		Trees:        a.Trees,
		Metadata:     a.Metadata,
	}, nil
}

func (a artifact) validate() error {
	if a.Format != artifactFormat {
		return fmt.Errorf("%w: unexpected format %q", ErrInvalidModel, a.Format)
	}
	if a.Version != artifactVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidModel, a.Version)
	}
	if len(a.FeatureOrder) == 0 {
		return fmt.Errorf("%w: missing feature order", ErrInvalidModel)
	}
	seen := make(map[string]struct{}, len(a.FeatureOrder))
	for _, k := range a.FeatureOrder {
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: duplicate feature %q", ErrInvalidModel, k)
		}
		seen[k] = struct{}{}
	}
	if len(a.Trees) == 0 {
		return fmt.Errorf("%w: no trees", ErrInvalidModel)
	}
	for ti, t := range a.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("%w: tree %d is empty", ErrInvalidModel, ti)
		}
		for ni, n := range t.Nodes {
			if n.leaf() {
				if n.Value < 0 || n.Value > 1 || math.IsNaN(n.Value) {
					return fmt.Errorf("%w: tree %d node %d has probability %v", ErrInvalidModel, ti, ni, n.Value)
				}
				continue
			}
			if n.Feature < 0 || n.Feature >= len(a.FeatureOrder) {
				return fmt.Errorf("%w: tree %d node %d splits on column %d of %d", ErrInvalidModel, ti, ni, n.Feature, len(a.FeatureOrder))
			}
			// children always follow their parent, which also rules out cycles
			for _, c := range []int32{n.Left, n.Right} {
				if int(c) <= ni || int(c) >= len(t.Nodes) {
					return fmt.Errorf("%w: tree %d node %d has child %d out of range", ErrInvalidModel, ti, ni, c)
				}
			}
		}
	}
	return nil
}
