package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"croprec/db"
	"croprec/ml"
	"croprec/serving"
)

func TestMain(m *testing.M) {
	dbPath := "./test.db"
	db.InitDB(dbPath)

	code := m.Run()

	db.Close()
	os.Remove(dbPath)
	os.Exit(code)
}

func writeTrainingCSV(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("N,P,K,temperature,humidity,ph,rainfall,label\n")
	crops := []struct {
		label                        string
		n, p, k, temp, hum, ph, rain float64
	}{
		{"rice", 90, 42, 43, 21, 82, 6.5, 203},
		{"maize", 70, 48, 20, 24, 65, 6.2, 84},
		{"chickpea", 40, 68, 80, 18, 17, 7.3, 80},
	}
	for _, crop := range crops {
		for i := 0; i < 30; i++ {
			jitter := float64(i%7) * 0.5
			fmt.Fprintf(&b, "%.2f,%.2f,%.2f,%.2f,%.2f,%.2f,%.2f,%s\n",
				crop.n+jitter, crop.p+jitter, crop.k+jitter,
				crop.temp+jitter*0.2, crop.hum+jitter*0.4,
				crop.ph+jitter*0.02, crop.rain+jitter, crop.label)
		}
	}
	path := filepath.Join(t.TempDir(), "crops.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestMux(t *testing.T) (*http.ServeMux, *API) {
	t.Helper()
	dataPath := writeTrainingCSV(t)
	result, err := ml.Train(context.Background(), ml.TrainConfig{DataPath: dataPath, Seed: 42})
	if err != nil {
		t.Fatalf("training failed: %v", err)
	}

	store := serving.NewStore(t.TempDir())
	store.Publish(serving.NewSnapshot(result))

	predictor, err := serving.NewPredictor(store, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	api := &API{
		Store:        store,
		Predictor:    predictor,
		Orchestrator: serving.NewOrchestrator(store, serving.RetrainConfig{MinAccuracy: 0.5}, nil, nil),
		Version:      "test",
		DataPath:     dataPath,
	}
	mux := http.NewServeMux()
	api.Register(mux)
	return mux, api
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	decoded := make(map[string]interface{})
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json response: %v: %s", err, w.Body.String())
		}
	}
	return w, decoded
}

func ricePayload() map[string]float64 {
	return map[string]float64{
		"N": 90, "P": 42, "K": 43,
		"temperature": 20.87, "humidity": 82.0, "ph": 6.5, "rainfall": 202.9,
	}
}

func TestHealthEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)

	w, payload := doJSON(t, mux, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if payload["status"] != "healthy" || payload["model_loaded"] != true {
		t.Fatalf("unexpected health payload: %v", payload)
	}
}

func TestHealthEndpointModelMissing(t *testing.T) {
	api := &API{Store: serving.NewStore(t.TempDir())}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", api.handleHealth)
	mux.HandleFunc("GET /model/info", api.handleModelInfo)

	w, payload := doJSON(t, mux, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if payload["model_loaded"] != false {
		t.Fatalf("expected model_loaded false: %v", payload)
	}

	w, _ = doJSON(t, mux, http.MethodGet, "/model/info", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestPredictEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)

	w, payload := doJSON(t, mux, http.MethodPost, "/predict", ricePayload())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", w.Code, payload)
	}
	if payload["predicted_crop"] != "rice" {
		t.Fatalf("expected rice, got %v", payload["predicted_crop"])
	}
	confidence, ok := payload["confidence"].(float64)
	if !ok || confidence < 0.9 || confidence > 1 {
		t.Fatalf("unexpected confidence: %v", payload["confidence"])
	}
	probs, ok := payload["all_probabilities"].(map[string]interface{})
	if !ok || len(probs) != 3 {
		t.Fatalf("unexpected probabilities: %v", payload["all_probabilities"])
	}
}

func TestPredictEndpointMissingField(t *testing.T) {
	mux, _ := newTestMux(t)

	body := ricePayload()
	delete(body, "ph")

	w, payload := doJSON(t, mux, http.MethodPost, "/predict", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if msg, _ := payload["error"].(string); !strings.Contains(msg, "ph") {
		t.Fatalf("error should name the missing field: %v", payload)
	}
}

func TestPredictEndpointOutOfRange(t *testing.T) {
	mux, _ := newTestMux(t)

	body := ricePayload()
	body["rainfall"] = 500

	w, payload := doJSON(t, mux, http.MethodPost, "/predict", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if msg, _ := payload["error"].(string); !strings.Contains(msg, "rainfall") {
		t.Fatalf("error should name the offending field: %v", payload)
	}
}

func TestPredictBatchEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)

	outOfRange := ricePayload()
	outOfRange["ph"] = 15
	missing := ricePayload()
	delete(missing, "rainfall")
	body := map[string]interface{}{
		"predictions": []map[string]float64{ricePayload(), missing, outOfRange, ricePayload()},
	}

	w, payload := doJSON(t, mux, http.MethodPost, "/predict/batch", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", w.Code, payload)
	}
	if payload["total_predictions"].(float64) != 4 {
		t.Fatalf("expected 4 results: %v", payload)
	}
	items := payload["predictions"].([]interface{})
	for i, raw := range items {
		item := raw.(map[string]interface{})
		if int(item["index"].(float64)) != i {
			t.Fatalf("item %d has index %v", i, item["index"])
		}
		switch i {
		case 1:
			msg, _ := item["error"].(string)
			if !strings.Contains(msg, "rainfall") {
				t.Fatalf("index 1: error should name the missing field: %v", item)
			}
			if item["predicted_crop"] != nil {
				t.Fatalf("index 1: missing-field item must not carry a prediction: %v", item)
			}
		case 2:
			if item["error"] == nil {
				t.Fatalf("expected error at index 2: %v", item)
			}
		default:
			if item["predicted_crop"] != "rice" {
				t.Fatalf("item %d: expected rice: %v", i, item)
			}
		}
	}
}

func TestPredictBatchEndpointTooLarge(t *testing.T) {
	mux, _ := newTestMux(t)

	predictions := make([]map[string]float64, serving.MaxBatchSize+1)
	for i := range predictions {
		predictions[i] = ricePayload()
	}

	w, _ := doJSON(t, mux, http.MethodPost, "/predict/batch", map[string]interface{}{"predictions": predictions})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestModelInfoEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)

	w, payload := doJSON(t, mux, http.MethodGet, "/model/info", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if payload["class_count"].(float64) != 3 {
		t.Fatalf("expected 3 classes: %v", payload)
	}
	if payload["feature_count"].(float64) != float64(ml.FeatureCount()) {
		t.Fatalf("unexpected feature count: %v", payload)
	}
	if payload["model_name"] != ModelName {
		t.Fatalf("unexpected model name: %v", payload["model_name"])
	}
}

func TestFeatureImportanceEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)

	w, payload := doJSON(t, mux, http.MethodGet, "/model/feature-importance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	entries := payload["feature_importance"].([]interface{})
	if len(entries) != ml.FeatureCount() {
		t.Fatalf("expected %d entries, got %d", ml.FeatureCount(), len(entries))
	}
	// sorted descending
	prev := 2.0
	for _, raw := range entries {
		score := raw.(map[string]interface{})["importance"].(float64)
		if score > prev {
			t.Fatal("importance entries not sorted descending")
		}
		prev = score
	}
}

func TestRetrainEndpoint(t *testing.T) {
	mux, api := newTestMux(t)

	w, payload := doJSON(t, mux, http.MethodPost, "/model/retrain", map[string]string{"data_path": api.DataPath})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", w.Code, payload)
	}
	if payload["accepted"] != true || payload["job_id"] == "" {
		t.Fatalf("unexpected retrain response: %v", payload)
	}

	deadline := time.After(10 * time.Second)
	for {
		w, status := doJSON(t, mux, http.MethodGet, "/model/retrain/status", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if status["state"] == "succeeded" {
			break
		}
		if status["state"] == "failed" {
			t.Fatalf("retrain failed: %v", status["error"])
		}
		select {
		case <-deadline:
			t.Fatalf("retrain did not finish: %v", status)
		case <-time.After(20 * time.Millisecond):
		}
	}

	// history recorded via sqlite
	w, history := doJSON(t, mux, http.MethodGet, "/model/retrain/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if history["count"].(float64) < 1 {
		t.Fatalf("expected at least one recorded run: %v", history)
	}
}

func TestRetrainStatusBeforeAnyRun(t *testing.T) {
	mux, _ := newTestMux(t)

	w, _ := doJSON(t, mux, http.MethodGet, "/model/retrain/status", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
