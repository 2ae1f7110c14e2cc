package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"croprec/db"
	"croprec/ml"
	"croprec/monitoring"
	"croprec/serving"
)

// ModelName identifies the classifier type in /model/info.
const ModelName = "Decision Tree Classifier"

// API bundles the handler dependencies.
type API struct {
	Store        *serving.Store
	Predictor    *serving.Predictor
	Orchestrator *serving.Orchestrator
	Hub          *monitoring.Hub
	Version      string
	DataPath     string // default training data for retrain requests
}

// Register mounts all routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /model/info", a.handleModelInfo)
	mux.HandleFunc("GET /model/feature-importance", a.handleFeatureImportance)
	mux.HandleFunc("POST /predict", a.handlePredict)
	mux.HandleFunc("POST /predict/batch", a.handlePredictBatch)
	mux.HandleFunc("POST /model/retrain", a.handleRetrain)
	mux.HandleFunc("GET /model/retrain/status", a.handleRetrainStatus)
	mux.HandleFunc("GET /model/retrain/history", a.handleRetrainHistory)
	mux.Handle("GET /metrics", promhttp.Handler())
	if a.Hub != nil {
		mux.HandleFunc("GET /ws/status", a.Hub.HandleWS)
	}
}

// predictRequest uses pointer fields so absent fields are distinguishable
// from zeroes; an absent field is a caller error, not a zero measurement.
type predictRequest struct {
	N           *float64 `json:"N"`
	P           *float64 `json:"P"`
	K           *float64 `json:"K"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	PH          *float64 `json:"ph"`
	Rainfall    *float64 `json:"rainfall"`
}

func (r *predictRequest) sample() (ml.RawSample, error) {
	fields := []struct {
		name  string
		value *float64
	}{
		{"N", r.N}, {"P", r.P}, {"K", r.K},
		{"temperature", r.Temperature}, {"humidity", r.Humidity},
		{"ph", r.PH}, {"rainfall", r.Rainfall},
	}
	for _, f := range fields {
		if f.value == nil {
			return ml.RawSample{}, fmt.Errorf("field %q is required", f.name)
		}
	}
	return ml.RawSample{
		N:           *r.N,
		P:           *r.P,
		K:           *r.K,
		Temperature: *r.Temperature,
		Humidity:    *r.Humidity,
		PH:          *r.PH,
		Rainfall:    *r.Rainfall,
	}, nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded := a.Store.Current() != nil
	status := "healthy"
	message := "Service is running"
	if !loaded {
		status = "unhealthy"
		message = "Model not loaded"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"message":      message,
		"model_loaded": loaded,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	snap := a.Store.Current()
	if snap == nil {
		respondError(w, http.StatusServiceUnavailable, "model not loaded")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"model_name":      ModelName,
		"model_version":   snap.Version,
		"service_version": a.Version,
		"features":        ml.FeatureNames(),
		"supported_crops": snap.Labels,
		"metrics":         snap.Metrics,
		"feature_count":   ml.FeatureCount(),
		"class_count":     len(snap.Labels),
	})
}

func (a *API) handleFeatureImportance(w http.ResponseWriter, r *http.Request) {
	snap := a.Store.Current()
	if snap == nil {
		respondError(w, http.StatusServiceUnavailable, "model not loaded")
		return
	}
	if len(snap.Importance) == 0 {
		respondError(w, http.StatusNotImplemented, "model does not expose feature importances")
		return
	}

	type entry struct {
		Feature    string  `json:"feature"`
		Importance float64 `json:"importance"`
	}
	entries := make([]entry, 0, len(snap.Importance))
	for feature, score := range snap.Importance {
		entries = append(entries, entry{Feature: feature, Importance: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Importance != entries[j].Importance {
			return entries[i].Importance > entries[j].Importance
		}
		return entries[i].Feature < entries[j].Feature
	})

	respondJSON(w, http.StatusOK, map[string]interface{}{"feature_importance": entries})
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	sample, err := req.sample()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.Predictor.Predict(sample)
	if err != nil {
		respondPredictError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type batchRequest struct {
	Predictions []predictRequest `json:"predictions"`
}

type batchItemResponse struct {
	Index            int                `json:"index"`
	PredictedCrop    string             `json:"predicted_crop,omitempty"`
	Confidence       float64            `json:"confidence,omitempty"`
	AllProbabilities map[string]float64 `json:"all_probabilities,omitempty"`
	Error            string             `json:"error,omitempty"`
}

func (a *API) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.Predictions) > serving.MaxBatchSize {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("maximum %d predictions per batch", serving.MaxBatchSize))
		return
	}

	// Field-presence failures become per-item errors so one malformed item
	// does not abort its siblings, matching the in-range validation path.
	// Items missing fields never reach the predictor.
	samples := make([]ml.RawSample, 0, len(req.Predictions))
	indices := make([]int, 0, len(req.Predictions))
	responses := make([]batchItemResponse, len(req.Predictions))
	for i := range req.Predictions {
		responses[i] = batchItemResponse{Index: i}
		sample, err := req.Predictions[i].sample()
		if err != nil {
			responses[i].Error = err.Error()
			continue
		}
		samples = append(samples, sample)
		indices = append(indices, i)
	}

	items, err := a.Predictor.PredictBatch(samples)
	if err != nil {
		respondPredictError(w, err)
		return
	}

	for k, item := range items {
		i := indices[k]
		if item.Err != nil {
			responses[i].Error = item.Err.Error()
			continue
		}
		responses[i].PredictedCrop = item.Result.PredictedCrop
		responses[i].Confidence = item.Result.Confidence
		responses[i].AllProbabilities = item.Result.AllProbabilities
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"predictions":       responses,
		"total_predictions": len(responses),
	})
}

type retrainRequest struct {
	DataPath string `json:"data_path"`
}

func (a *API) handleRetrain(w http.ResponseWriter, r *http.Request) {
	var req retrainRequest
	if r.Body != nil {
		// Body is optional; retrain defaults to the configured dataset.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	dataPath := req.DataPath
	if dataPath == "" {
		dataPath = a.DataPath
	}

	job, err := a.Orchestrator.Start(dataPath, "api")
	if err != nil {
		if errors.Is(err, serving.ErrRetrainInProgress) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to start retrain")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"job_id":   job.ID,
		"state":    job.State,
	})
}

func (a *API) handleRetrainStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := a.Orchestrator.Status()
	if !ok {
		respondError(w, http.StatusNotFound, "no retrain has run")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (a *API) handleRetrainHistory(w http.ResponseWriter, r *http.Request) {
	runs, err := db.QueryTrainingRuns(20)
	if err != nil {
		zap.S().Errorw("query training runs failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load training history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// respondPredictError maps the prediction error taxonomy to status codes:
// caller-fixable validation problems are 4xx, server-side inference and
// model-availability problems are 5xx. Internal detail never leaks.
func respondPredictError(w http.ResponseWriter, err error) {
	var vErr *ml.ValidationError
	switch {
	case errors.As(err, &vErr):
		respondError(w, http.StatusBadRequest, vErr.Error())
	case errors.Is(err, serving.ErrBatchTooLarge):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, serving.ErrModelNotLoaded):
		respondError(w, http.StatusServiceUnavailable, "model not loaded")
	default:
		zap.S().Errorw("prediction failed", "error", err)
		respondError(w, http.StatusInternalServerError, "prediction failed")
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Errorw("response encode failed", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
