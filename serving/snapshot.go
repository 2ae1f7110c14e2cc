// Package serving holds the model snapshot lifecycle: atomic storage of the
// active snapshot, prediction against it, and background retraining.
package serving

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"croprec/ml"
)

// ErrModelLoad marks snapshot artifacts that are absent or inconsistent.
// Fatal at startup: the service cannot safely serve without a model.
var ErrModelLoad = errors.New("model artifacts unavailable or inconsistent")

const (
	classifierFile = "classifier.json"
	transformFile  = "transform.json"
	metricsFile    = "metrics.json"
	manifestFile   = "manifest.json"
)

// Snapshot is an immutable bundle of classifier and feature-transform state.
// Snapshots are replaced wholesale on retrain, never mutated in place.
type Snapshot struct {
	Version    string
	CreatedAt  time.Time
	Tree       *ml.DecisionTree
	Scaler     *ml.StandardScaler
	Labels     []string
	Metrics    ml.Metrics
	Importance map[string]float64
}

type transformArtifact struct {
	Scaler *ml.StandardScaler `json:"scaler"`
	Labels []string           `json:"labels"`
}

type metricsArtifact struct {
	Metrics    ml.Metrics         `json:"metrics"`
	Importance map[string]float64 `json:"importance"`
}

type manifest struct {
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	LabelCount int       `json:"label_count"`
}

// NewSnapshot wraps a training result into a versioned snapshot.
func NewSnapshot(result *ml.TrainResult) *Snapshot {
	now := time.Now().UTC()
	return &Snapshot{
		Version:    now.Format("20060102T150405.000000000Z0700"),
		CreatedAt:  now,
		Tree:       result.Tree,
		Scaler:     result.Scaler,
		Labels:     result.Labels,
		Metrics:    result.Metrics,
		Importance: result.Importance,
	}
}

// Save writes the classifier, transform and metrics artifacts, then the
// manifest last. Watchers key off the manifest so they never observe a
// partially written snapshot.
func (s *Snapshot) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := s.Tree.Save(filepath.Join(dir, classifierFile)); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, transformFile), transformArtifact{Scaler: s.Scaler, Labels: s.Labels}); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, metricsFile), metricsArtifact{Metrics: s.Metrics, Importance: s.Importance}); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, manifestFile), manifest{
		Version:    s.Version,
		CreatedAt:  s.CreatedAt,
		LabelCount: len(s.Labels),
	})
}

// LoadSnapshot reads the artifact trio and verifies they belong together.
// The artifacts are versioned as a unit: replacing one without the matching
// others is rejected here.
func LoadSnapshot(dir string) (*Snapshot, error) {
	var m manifest
	if err := readJSON(filepath.Join(dir, manifestFile), &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrModelLoad, err)
	}

	tree := &ml.DecisionTree{}
	if err := tree.Load(filepath.Join(dir, classifierFile)); err != nil {
		return nil, fmt.Errorf("%w: classifier: %v", ErrModelLoad, err)
	}

	var t transformArtifact
	if err := readJSON(filepath.Join(dir, transformFile), &t); err != nil {
		return nil, fmt.Errorf("%w: transform: %v", ErrModelLoad, err)
	}
	if t.Scaler == nil || len(t.Labels) == 0 {
		return nil, fmt.Errorf("%w: transform artifact incomplete", ErrModelLoad)
	}
	if len(t.Scaler.Mean) != ml.FeatureCount() {
		return nil, fmt.Errorf("%w: scaler width %d, expected %d", ErrModelLoad, len(t.Scaler.Mean), ml.FeatureCount())
	}
	if tree.ClassCount != len(t.Labels) {
		return nil, fmt.Errorf("%w: classifier has %d classes, transform has %d labels", ErrModelLoad, tree.ClassCount, len(t.Labels))
	}
	if m.LabelCount != len(t.Labels) {
		return nil, fmt.Errorf("%w: manifest label count %d, transform has %d", ErrModelLoad, m.LabelCount, len(t.Labels))
	}

	var metrics metricsArtifact
	if err := readJSON(filepath.Join(dir, metricsFile), &metrics); err != nil {
		return nil, fmt.Errorf("%w: metrics: %v", ErrModelLoad, err)
	}

	return &Snapshot{
		Version:    m.Version,
		CreatedAt:  m.CreatedAt,
		Tree:       tree,
		Scaler:     t.Scaler,
		Labels:     t.Labels,
		Metrics:    metrics.Metrics,
		Importance: metrics.Importance,
	}, nil
}

func writeJSON(path string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func readJSON(path string, v interface{}) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
