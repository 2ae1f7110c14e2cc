package db

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var database *sql.DB

// TrainingRun is one recorded retrain outcome.
type TrainingRun struct {
	ID            int64     `json:"id"`
	JobID         string    `json:"job_id"`
	Trigger       string    `json:"trigger"`
	State         string    `json:"state"`
	TrainAccuracy float64   `json:"train_accuracy"`
	TestAccuracy  float64   `json:"test_accuracy"`
	TrainSamples  int       `json:"train_samples"`
	TestSamples   int       `json:"test_samples"`
	DurationMS    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// InitDB opens the SQLite database and creates the schema.
func InitDB(path string) error {
	var err error
	database, err = sql.Open("sqlite3", path)
	if err != nil {
		return err
	}

	query := `
    CREATE TABLE IF NOT EXISTS training_runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        job_id VARCHAR(64) UNIQUE,
        trigger_source VARCHAR(20),
        state VARCHAR(20),
        train_accuracy REAL,
        test_accuracy REAL,
        train_samples INTEGER,
        test_samples INTEGER,
        duration_ms INTEGER,
        error TEXT,
        started_at DATETIME
    );`
	_, err = database.Exec(query)
	return err
}

// Close closes the database.
func Close() error {
	if database == nil {
		return nil
	}
	err := database.Close()
	database = nil
	return err
}

// SaveTrainingRun inserts or updates the record for a retrain job.
func SaveTrainingRun(run TrainingRun) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	_, err := database.Exec(`
        INSERT INTO training_runs
            (job_id, trigger_source, state, train_accuracy, test_accuracy,
             train_samples, test_samples, duration_ms, error, started_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(job_id) DO UPDATE SET
            state=excluded.state,
            train_accuracy=excluded.train_accuracy,
            test_accuracy=excluded.test_accuracy,
            train_samples=excluded.train_samples,
            test_samples=excluded.test_samples,
            duration_ms=excluded.duration_ms,
            error=excluded.error`,
		run.JobID, run.Trigger, run.State, run.TrainAccuracy, run.TestAccuracy,
		run.TrainSamples, run.TestSamples, run.DurationMS, run.Error, run.StartedAt)
	return err
}

// QueryTrainingRuns returns the most recent runs, newest first.
func QueryTrainingRuns(limit int) ([]TrainingRun, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := database.Query(`
        SELECT id, job_id, trigger_source, state, train_accuracy, test_accuracy,
               train_samples, test_samples, duration_ms, error, started_at
        FROM training_runs
        ORDER BY started_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0, limit)
	for rows.Next() {
		var run TrainingRun
		if err := rows.Scan(&run.ID, &run.JobID, &run.Trigger, &run.State,
			&run.TrainAccuracy, &run.TestAccuracy, &run.TrainSamples,
			&run.TestSamples, &run.DurationMS, &run.Error, &run.StartedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
