package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "croprec-db")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := InitDB(filepath.Join(dir, "test.db")); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	code := m.Run()

	Close()
	os.RemoveAll(dir)
	os.Exit(code)
}

func TestSaveAndQueryTrainingRuns(t *testing.T) {
	started := time.Now().UTC().Truncate(time.Second)
	run := TrainingRun{
		JobID:         "job-save-query",
		Trigger:       "api",
		State:         "succeeded",
		TrainAccuracy: 0.99,
		TestAccuracy:  0.95,
		TrainSamples:  160,
		TestSamples:   40,
		DurationMS:    1200,
		StartedAt:     started,
	}
	if err := SaveTrainingRun(run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runs, err := QueryTrainingRuns(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var found *TrainingRun
	for i := range runs {
		if runs[i].JobID == run.JobID {
			found = &runs[i]
			break
		}
	}
	if found == nil {
		t.Fatal("saved run not returned by query")
	}
	if found.State != "succeeded" || found.TestAccuracy != 0.95 || found.Trigger != "api" {
		t.Fatalf("unexpected run: %+v", found)
	}
}

func TestSaveTrainingRunUpsert(t *testing.T) {
	run := TrainingRun{
		JobID:     "job-upsert",
		Trigger:   "scheduler",
		State:     "training",
		StartedAt: time.Now().UTC(),
	}
	if err := SaveTrainingRun(run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run.State = "failed"
	run.Error = "dataset missing"
	run.DurationMS = 45
	if err := SaveTrainingRun(run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runs, err := QueryTrainingRuns(50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	matches := 0
	for _, got := range runs {
		if got.JobID != run.JobID {
			continue
		}
		matches++
		if got.State != "failed" || got.Error != "dataset missing" || got.DurationMS != 45 {
			t.Fatalf("upsert did not update the row: %+v", got)
		}
	}
	if matches != 1 {
		t.Fatalf("expected exactly one row for job, got %d", matches)
	}
}

func TestQueryTrainingRunsOrder(t *testing.T) {
	base := time.Now().UTC().Add(time.Hour)
	for i := 0; i < 3; i++ {
		run := TrainingRun{
			JobID:     fmt.Sprintf("job-order-%d", i),
			Trigger:   "api",
			State:     "succeeded",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := SaveTrainingRun(run); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	runs, err := QueryTrainingRuns(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, want := range []string{"job-order-2", "job-order-1", "job-order-0"} {
		if runs[i].JobID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, runs[i].JobID)
		}
	}
}

func TestUninitializedDatabase(t *testing.T) {
	saved := database
	database = nil
	defer func() { database = saved }()

	if err := SaveTrainingRun(TrainingRun{JobID: "x"}); err == nil {
		t.Fatal("expected error when database is not initialized")
	}
	if _, err := QueryTrainingRuns(1); err == nil {
		t.Fatal("expected error when database is not initialized")
	}
}
