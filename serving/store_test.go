package serving

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSnapshotSaveLoad(t *testing.T) {
	dir := t.TempDir()
	snap := NewSnapshot(testTrainResult(t))
	if err := snap.Save(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := LoadSnapshot(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Version != snap.Version {
		t.Fatalf("expected version %s, got %s", snap.Version, loaded.Version)
	}
	if len(loaded.Labels) != len(snap.Labels) {
		t.Fatalf("expected %d labels, got %d", len(snap.Labels), len(loaded.Labels))
	}
	if loaded.Metrics.TestAccuracy != snap.Metrics.TestAccuracy {
		t.Fatal("metrics not preserved")
	}
	if len(loaded.Importance) == 0 {
		t.Fatal("importance not preserved")
	}

	// Reloaded artifacts must predict identically.
	store := NewStore(dir)
	if err := store.Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	predictor, err := NewPredictor(store, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := predictor.Predict(riceSample())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PredictedCrop != "rice" {
		t.Fatalf("expected rice after reload, got %s", result.PredictedCrop)
	}
}

func TestLoadSnapshotMissingArtifacts(t *testing.T) {
	_, err := LoadSnapshot(t.TempDir())
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
}

func TestLoadSnapshotLabelMismatch(t *testing.T) {
	dir := t.TempDir()
	snap := NewSnapshot(testTrainResult(t))
	if err := snap.Save(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Corrupt the transform artifact: drop a label so the artifact trio no
	// longer agrees.
	var artifact transformArtifact
	payload, err := os.ReadFile(filepath.Join(dir, transformFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(payload, &artifact); err != nil {
		t.Fatal(err)
	}
	artifact.Labels = artifact.Labels[:len(artifact.Labels)-1]
	payload, err = json.Marshal(artifact)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, transformFile), payload, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadSnapshot(dir); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
}

func TestStorePublishSwap(t *testing.T) {
	store := NewStore(t.TempDir())
	if store.Current() != nil {
		t.Fatal("expected nil before first publish")
	}

	first := NewSnapshot(testTrainResult(t))
	store.Publish(first)
	if store.Current() != first {
		t.Fatal("expected first snapshot")
	}

	held := store.Current()
	second := NewSnapshot(testTrainResult(t))
	store.Publish(second)

	if store.Current() != second {
		t.Fatal("expected second snapshot after publish")
	}
	// A reader holding the old snapshot continues unaffected.
	if held != first || held.Tree == nil {
		t.Fatal("held snapshot reference changed under reader")
	}
}

func TestStoreWatchReload(t *testing.T) {
	dir := t.TempDir()
	first := NewSnapshot(testTrainResult(t))
	if err := first.Save(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store := NewStore(dir)
	if err := store.Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Watch(ctx)
	time.Sleep(200 * time.Millisecond) // let the watcher attach

	second := NewSnapshot(testTrainResult(t))
	if err := second.Save(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if store.Current().Version == second.Version {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("watcher did not reload: current %s, want %s",
				store.Current().Version, second.Version)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
