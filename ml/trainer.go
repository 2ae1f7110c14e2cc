package ml

import (
	"context"
	"fmt"
	"time"
)

// TrainConfig controls a single training run.
type TrainConfig struct {
	DataPath  string
	TestRatio float64
	MaxDepth  int
	MinLeaf   int
	Seed      int64
}

func (c TrainConfig) withDefaults() TrainConfig {
	if c.TestRatio <= 0 || c.TestRatio >= 1 {
		c.TestRatio = 0.2
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 12
	}
	if c.MinLeaf <= 0 {
		c.MinLeaf = 1
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	return c
}

// Metrics summarizes a training run. Held-out accuracy is the acceptance
// signal for retraining.
type Metrics struct {
	TrainAccuracy float64   `json:"train_accuracy"`
	TestAccuracy  float64   `json:"test_accuracy"`
	TrainSamples  int       `json:"train_samples"`
	TestSamples   int       `json:"test_samples"`
	Features      int       `json:"features"`
	Classes       int       `json:"classes"`
	TrainedAt     time.Time `json:"trained_at"`
}

// TrainResult bundles everything a snapshot needs.
type TrainResult struct {
	Tree       *DecisionTree
	Scaler     *StandardScaler
	Labels     []string
	Metrics    Metrics
	Importance map[string]float64
}

// Train runs the full pipeline: load CSV, validate and engineer every row,
// fit the scaler on the train split, train the tree and evaluate held-out
// accuracy. The context is checked between stages so a safety timeout can
// bound unboundedly large training data.
func Train(ctx context.Context, cfg TrainConfig) (*TrainResult, error) {
	cfg = cfg.withDefaults()

	dataset, err := LoadCSV(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("load training data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	engineered := make([][]float64, len(dataset.Samples))
	for i, sample := range dataset.Samples {
		if err := sample.Validate(); err != nil {
			return nil, fmt.Errorf("training row %d: %w", i+1, err)
		}
		engineered[i] = Engineer(sample)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trainX, trainY, testX, testY := SplitDataset(engineered, dataset.Labels, cfg.TestRatio, cfg.Seed)
	if len(trainX) == 0 || len(testX) == 0 {
		return nil, fmt.Errorf("dataset too small to split: %d samples", len(engineered))
	}

	scaler, err := FitScaler(trainX)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	scaledTrain, err := scaler.TransformAll(trainX)
	if err != nil {
		return nil, err
	}
	scaledTest, err := scaler.TransformAll(testX)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tree := &DecisionTree{}
	if err := tree.Train(scaledTrain, trainY, len(dataset.Classes), cfg.MaxDepth, cfg.MinLeaf); err != nil {
		return nil, fmt.Errorf("train tree: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trainAccuracy, err := evaluate(tree, scaledTrain, trainY)
	if err != nil {
		return nil, err
	}
	testAccuracy, err := evaluate(tree, scaledTest, testY)
	if err != nil {
		return nil, err
	}

	importance := make(map[string]float64, FeatureCount())
	for i, score := range tree.Importance() {
		importance[FeatureNames()[i]] = score
	}

	return &TrainResult{
		Tree:   tree,
		Scaler: scaler,
		Labels: dataset.Classes,
		Metrics: Metrics{
			TrainAccuracy: trainAccuracy,
			TestAccuracy:  testAccuracy,
			TrainSamples:  len(trainX),
			TestSamples:   len(testX),
			Features:      FeatureCount(),
			Classes:       len(dataset.Classes),
			TrainedAt:     time.Now().UTC(),
		},
		Importance: importance,
	}, nil
}

func evaluate(tree *DecisionTree, features [][]float64, labels []int) (float64, error) {
	if len(features) == 0 {
		return 0, nil
	}
	correct := 0
	for i, row := range features {
		probs, err := tree.PredictProba(row)
		if err != nil {
			return 0, err
		}
		best := 0
		for j, p := range probs {
			if p > probs[best] {
				best = j
			}
		}
		if best == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(features)), nil
}
