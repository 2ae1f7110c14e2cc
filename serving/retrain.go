package serving

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"croprec/db"
	"croprec/ml"
	"croprec/monitoring"
)

// ErrRetrainInProgress rejects a second retrain while one is in flight.
// Callers should retry later; jobs are never queued.
var ErrRetrainInProgress = errors.New("retrain already in progress")

// JobState is the retrain lifecycle:
// training -> validating -> publishing -> succeeded, or -> failed.
type JobState string

const (
	JobTraining   JobState = "training"
	JobValidating JobState = "validating"
	JobPublishing JobState = "publishing"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
)

// Job is the observable record of one retrain run.
type Job struct {
	ID         string      `json:"id"`
	State      JobState    `json:"state"`
	DataPath   string      `json:"data_path"`
	Trigger    string      `json:"trigger"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
	Metrics    *ml.Metrics `json:"metrics,omitempty"`
}

// RetrainConfig controls background retraining. Artifacts are always saved
// to the store's directory so the watcher and the orchestrator agree.
type RetrainConfig struct {
	TestRatio       float64
	MaxDepth        int
	MinLeaf         int
	Seed            int64
	MinAccuracy     float64       // absolute floor on held-out accuracy
	MaxAccuracyDrop float64       // tolerated drop vs the previous snapshot
	Timeout         time.Duration // safety bound on the whole run
}

func (c RetrainConfig) withDefaults() RetrainConfig {
	if c.MinAccuracy <= 0 {
		c.MinAccuracy = 0.7
	}
	if c.MaxAccuracyDrop <= 0 {
		c.MaxAccuracyDrop = 0.02
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	return c
}

// Orchestrator runs at most one retrain job at a time and publishes the
// candidate snapshot only when it does not regress.
type Orchestrator struct {
	store   *Store
	cfg     RetrainConfig
	hub     *monitoring.Hub
	metrics *monitoring.Metrics

	running atomic.Bool
	mu      sync.Mutex
	last    *Job

	// injectable for tests
	trainFn func(ctx context.Context, cfg ml.TrainConfig) (*ml.TrainResult, error)
}

// NewOrchestrator wires retraining to a store. hub and metrics may be nil.
func NewOrchestrator(store *Store, cfg RetrainConfig, hub *monitoring.Hub, metrics *monitoring.Metrics) *Orchestrator {
	return &Orchestrator{
		store:   store,
		cfg:     cfg.withDefaults(),
		hub:     hub,
		metrics: metrics,
		trainFn: ml.Train,
	}
}

// Start launches a retrain in the background and returns the accepted job
// immediately. A second call while one is in flight fails with
// ErrRetrainInProgress rather than queueing.
func (o *Orchestrator) Start(dataPath, trigger string) (Job, error) {
	if !o.running.CompareAndSwap(false, true) {
		return Job{}, ErrRetrainInProgress
	}

	job := &Job{
		ID:        fmt.Sprintf("retrain-%d", time.Now().UnixNano()),
		State:     JobTraining,
		DataPath:  dataPath,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	o.setJob(job)
	o.broadcast(job)
	zap.S().Infow("retrain started", "job_id", job.ID, "trigger", trigger, "data", dataPath)

	// Copy before the goroutine starts mutating job under o.mu.
	accepted := *job
	go o.run(job)
	return accepted, nil
}

// Status returns a copy of the current or most recent job, ok=false when no
// retrain has run yet.
func (o *Orchestrator) Status() (Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Job{}, false
	}
	return *o.last, true
}

func (o *Orchestrator) run(job *Job) {
	defer o.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout)
	defer cancel()

	result, err := o.trainFn(ctx, ml.TrainConfig{
		DataPath:  job.DataPath,
		TestRatio: o.cfg.TestRatio,
		MaxDepth:  o.cfg.MaxDepth,
		MinLeaf:   o.cfg.MinLeaf,
		Seed:      o.cfg.Seed,
	})
	if err != nil {
		o.fail(job, fmt.Errorf("training: %w", err))
		return
	}

	o.transition(job, JobValidating)
	if err := o.acceptCandidate(result); err != nil {
		o.fail(job, err)
		return
	}

	o.transition(job, JobPublishing)
	snap := NewSnapshot(result)
	if err := snap.Save(o.store.Dir()); err != nil {
		o.fail(job, fmt.Errorf("save artifacts: %w", err))
		return
	}
	o.store.Publish(snap)

	o.mu.Lock()
	now := time.Now().UTC()
	job.State = JobSucceeded
	job.FinishedAt = &now
	job.Metrics = &result.Metrics
	o.mu.Unlock()

	o.broadcast(job)
	o.record(job)
	if o.metrics != nil {
		o.metrics.RetrainsTotal.WithLabelValues(string(JobSucceeded)).Inc()
		o.metrics.ModelAccuracy.Set(result.Metrics.TestAccuracy)
	}
	zap.S().Infow("retrain published", "job_id", job.ID,
		"version", snap.Version, "test_accuracy", result.Metrics.TestAccuracy)
}

// acceptCandidate enforces the regression gate: the candidate must clear the
// absolute accuracy floor and must not fall more than the configured drop
// below the previous snapshot. Rejected candidates are discarded and the
// previous snapshot remains authoritative.
func (o *Orchestrator) acceptCandidate(result *ml.TrainResult) error {
	accuracy := result.Metrics.TestAccuracy
	if accuracy < o.cfg.MinAccuracy {
		return fmt.Errorf("candidate accuracy %.4f below minimum %.4f", accuracy, o.cfg.MinAccuracy)
	}
	if prev := o.store.Current(); prev != nil {
		floor := prev.Metrics.TestAccuracy - o.cfg.MaxAccuracyDrop
		if accuracy < floor {
			return fmt.Errorf("candidate accuracy %.4f regresses below %.4f (previous %.4f)",
				accuracy, floor, prev.Metrics.TestAccuracy)
		}
	}
	return nil
}

func (o *Orchestrator) transition(job *Job, state JobState) {
	o.mu.Lock()
	job.State = state
	o.mu.Unlock()
	o.broadcast(job)
}

func (o *Orchestrator) fail(job *Job, err error) {
	o.mu.Lock()
	now := time.Now().UTC()
	job.State = JobFailed
	job.Error = err.Error()
	job.FinishedAt = &now
	o.mu.Unlock()

	o.broadcast(job)
	o.record(job)
	if o.metrics != nil {
		o.metrics.RetrainsTotal.WithLabelValues(string(JobFailed)).Inc()
	}
	zap.S().Errorw("retrain failed", "job_id", job.ID, "error", err)
}

func (o *Orchestrator) setJob(job *Job) {
	o.mu.Lock()
	o.last = job
	o.mu.Unlock()
}

func (o *Orchestrator) broadcast(job *Job) {
	if o.hub == nil {
		return
	}
	o.mu.Lock()
	copied := *job
	o.mu.Unlock()
	o.hub.Broadcast(copied)
}

func (o *Orchestrator) record(job *Job) {
	o.mu.Lock()
	run := db.TrainingRun{
		JobID:     job.ID,
		Trigger:   job.Trigger,
		State:     string(job.State),
		StartedAt: job.StartedAt,
		Error:     job.Error,
	}
	if job.Metrics != nil {
		run.TrainAccuracy = job.Metrics.TrainAccuracy
		run.TestAccuracy = job.Metrics.TestAccuracy
		run.TrainSamples = job.Metrics.TrainSamples
		run.TestSamples = job.Metrics.TestSamples
	}
	if job.FinishedAt != nil {
		run.DurationMS = job.FinishedAt.Sub(job.StartedAt).Milliseconds()
	}
	o.mu.Unlock()

	if err := db.SaveTrainingRun(run); err != nil {
		zap.S().Warnw("failed to record training run", "job_id", job.ID, "error", err)
	}
}
