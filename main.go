package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"croprec/db"
	chttp "croprec/http"
	"croprec/logging"
	"croprec/monitoring"
	"croprec/serving"
)

const serviceVersion = "1.0.0"

type Config struct {
	Http struct {
		Port           int      `yaml:"port"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Model struct {
		Dir       string `yaml:"dir"`
		CacheSize int    `yaml:"cache_size"`
	} `yaml:"model"`
	Training struct {
		DataPath        string  `yaml:"data_path"`
		TestRatio       float64 `yaml:"test_ratio"`
		MaxDepth        int     `yaml:"max_depth"`
		MinLeaf         int     `yaml:"min_leaf"`
		Seed            int64   `yaml:"seed"`
		MinAccuracy     float64 `yaml:"min_accuracy"`
		MaxAccuracyDrop float64 `yaml:"max_accuracy_drop"`
		TimeoutMinutes  int     `yaml:"timeout_minutes"`
		Schedule        string  `yaml:"schedule"` // optional 5-field cron expression
	} `yaml:"training"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

func main() {
	config, err := loadConfig("config.yaml")
	if err != nil {
		zap.S().Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.Init(config.Log.Level, config.Log.File)
	if err != nil {
		zap.S().Fatalf("Failed to init logging: %v", err)
	}
	defer logger.Sync()

	if err := db.InitDB(config.Database.Path); err != nil {
		zap.S().Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()
	zap.S().Infow("database initialized", "path", config.Database.Path)

	// The service must not begin serving without a model.
	store := serving.NewStore(config.Model.Dir)
	if err := store.Load(); err != nil {
		zap.S().Fatalf("Failed to load model from %s: %v (train one with cmd/train_model)", config.Model.Dir, err)
	}
	zap.S().Infow("model loaded",
		"version", store.Current().Version,
		"classes", len(store.Current().Labels),
		"test_accuracy", store.Current().Metrics.TestAccuracy)

	metrics := monitoring.NewMetrics()
	metrics.ModelAccuracy.Set(store.Current().Metrics.TestAccuracy)
	hub := monitoring.NewHub()

	predictor, err := serving.NewPredictor(store, config.Model.CacheSize, metrics)
	if err != nil {
		zap.S().Fatalf("Failed to create predictor: %v", err)
	}

	orchestrator := serving.NewOrchestrator(store, serving.RetrainConfig{
		TestRatio:       config.Training.TestRatio,
		MaxDepth:        config.Training.MaxDepth,
		MinLeaf:         config.Training.MinLeaf,
		Seed:            config.Training.Seed,
		MinAccuracy:     config.Training.MinAccuracy,
		MaxAccuracyDrop: config.Training.MaxAccuracyDrop,
		Timeout:         time.Duration(config.Training.TimeoutMinutes) * time.Minute,
	}, hub, metrics)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go func() {
		if err := store.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			zap.S().Errorw("artifact watcher stopped", "error", err)
		}
	}()

	var scheduler *cron.Cron
	if config.Training.Schedule != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(config.Training.Schedule, func() {
			if _, err := orchestrator.Start(config.Training.DataPath, "cron"); err != nil {
				zap.S().Warnw("scheduled retrain skipped", "error", err)
			}
		})
		if err != nil {
			zap.S().Fatalf("Invalid training schedule %q: %v", config.Training.Schedule, err)
		}
		scheduler.Start()
		zap.S().Infow("scheduled retraining enabled", "schedule", config.Training.Schedule)
	}

	serverConfig := chttp.DefaultServerConfig()
	if config.Http.Port != 0 {
		serverConfig.Port = config.Http.Port
	}
	if config.Http.TimeoutSeconds != 0 {
		serverConfig.Timeout = time.Duration(config.Http.TimeoutSeconds) * time.Second
	}
	if len(config.Http.AllowedOrigins) != 0 {
		serverConfig.AllowedOrigins = config.Http.AllowedOrigins
	}

	server := chttp.NewServer(serverConfig, &chttp.API{
		Store:        store,
		Predictor:    predictor,
		Orchestrator: orchestrator,
		Hub:          hub,
		Version:      serviceVersion,
		DataPath:     config.Training.DataPath,
	})
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			zap.S().Fatalf("HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zap.S().Info("shutting down")

	if scheduler != nil {
		scheduler.Stop()
	}
	if err := server.Stop(); err != nil {
		zap.S().Errorw("server forced to shutdown", "error", err)
	}
	zap.S().Info("exiting")
}

func loadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
