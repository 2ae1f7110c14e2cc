package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"croprec/ml"
	"croprec/serving"
)

func main() {
	dataPath := flag.String("data", "./data/crop_recommendation.csv", "training CSV path")
	modelDir := flag.String("model_dir", "./models", "snapshot output directory")
	maxDepth := flag.Int("max_depth", 12, "max tree depth")
	minLeaf := flag.Int("min_leaf", 1, "min samples per leaf")
	testRatio := flag.Float64("test_ratio", 0.2, "held-out test ratio")
	seed := flag.Int64("seed", 42, "shuffle seed")
	timeout := flag.Duration("timeout", 10*time.Minute, "training time limit")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := ml.Train(ctx, ml.TrainConfig{
		DataPath:  *dataPath,
		TestRatio: *testRatio,
		MaxDepth:  *maxDepth,
		MinLeaf:   *minLeaf,
		Seed:      *seed,
	})
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}

	log.Printf("train_accuracy=%.4f test_accuracy=%.4f classes=%d train=%d test=%d",
		result.Metrics.TrainAccuracy, result.Metrics.TestAccuracy,
		result.Metrics.Classes, result.Metrics.TrainSamples, result.Metrics.TestSamples)

	snap := serving.NewSnapshot(result)
	if err := snap.Save(*modelDir); err != nil {
		log.Fatalf("failed to save snapshot: %v", err)
	}

	fmt.Printf("snapshot %s saved to %s\n", snap.Version, *modelDir)
}
