package serving

import (
	"errors"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"croprec/ml"
	"croprec/monitoring"
)

var (
	// ErrModelNotLoaded means no snapshot has been published yet.
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrInference means the model produced no usable output.
	ErrInference = errors.New("inference failed")
	// ErrBatchTooLarge rejects oversized batches before any item is processed.
	ErrBatchTooLarge = fmt.Errorf("batch exceeds %d items", MaxBatchSize)
)

// MaxBatchSize is the per-request batch ceiling.
const MaxBatchSize = 100

// PredictionResult is the ranked outcome for one sample.
type PredictionResult struct {
	PredictedCrop    string             `json:"predicted_crop"`
	Confidence       float64            `json:"confidence"`
	AllProbabilities map[string]float64 `json:"all_probabilities"`
}

// BatchItem pairs an input index with its result or failure.
type BatchItem struct {
	Index  int
	Result *PredictionResult
	Err    error
}

// cacheKey includes the snapshot version: snapshots are immutable, so a
// cached result stays valid for exactly as long as its snapshot is current.
type cacheKey struct {
	version string
	sample  ml.RawSample
}

// Predictor composes feature engineering with the active snapshot.
type Predictor struct {
	store   *Store
	cache   *lru.Cache[cacheKey, *PredictionResult]
	metrics *monitoring.Metrics
}

// NewPredictor wires a predictor to a store. cacheSize <= 0 disables the
// result cache; metrics may be nil in tests.
func NewPredictor(store *Store, cacheSize int, metrics *monitoring.Metrics) (*Predictor, error) {
	p := &Predictor{store: store, metrics: metrics}
	if cacheSize > 0 {
		cache, err := lru.New[cacheKey, *PredictionResult](cacheSize)
		if err != nil {
			return nil, err
		}
		p.cache = cache
	}
	return p, nil
}

// Predict validates, engineers, scales and classifies one sample. The class
// probabilities are renormalized to a simplex; ties on the top probability
// break toward the lexicographically smaller label.
func (p *Predictor) Predict(sample ml.RawSample) (*PredictionResult, error) {
	start := time.Now()
	result, err := p.predict(sample)
	p.observe(start, err)
	return result, err
}

func (p *Predictor) predict(sample ml.RawSample) (*PredictionResult, error) {
	if err := sample.Validate(); err != nil {
		return nil, err
	}

	snap := p.store.Current()
	if snap == nil {
		return nil, ErrModelNotLoaded
	}

	key := cacheKey{version: snap.Version, sample: sample}
	if p.cache != nil {
		if cached, ok := p.cache.Get(key); ok {
			if p.metrics != nil {
				p.metrics.CacheHitsTotal.Inc()
			}
			return cached, nil
		}
	}

	scaled, err := snap.Scaler.Transform(ml.Engineer(sample))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	probs, err := snap.Tree.PredictProba(scaled)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(probs) != len(snap.Labels) {
		return nil, fmt.Errorf("%w: %d probabilities for %d labels", ErrInference, len(probs), len(snap.Labels))
	}

	sum := 0.0
	for _, prob := range probs {
		if math.IsNaN(prob) || prob < 0 {
			return nil, fmt.Errorf("%w: invalid probability %v", ErrInference, prob)
		}
		sum += prob
	}
	if sum <= 0 {
		return nil, fmt.Errorf("%w: probabilities sum to zero", ErrInference)
	}

	all := make(map[string]float64, len(probs))
	best := 0
	for i, prob := range probs {
		prob /= sum
		probs[i] = prob
		all[snap.Labels[i]] = prob
		if prob > probs[best] || (prob == probs[best] && snap.Labels[i] < snap.Labels[best]) {
			best = i
		}
	}

	result := &PredictionResult{
		PredictedCrop:    snap.Labels[best],
		Confidence:       probs[best],
		AllProbabilities: all,
	}
	if p.cache != nil {
		p.cache.Add(key, result)
	}
	return result, nil
}

// PredictBatch applies Predict to each sample with per-item failure
// isolation: one bad record never aborts its siblings. Results keep input
// order. Batches over MaxBatchSize fail wholesale before any item runs.
func (p *Predictor) PredictBatch(samples []ml.RawSample) ([]BatchItem, error) {
	if len(samples) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	if p.metrics != nil {
		p.metrics.BatchSize.Observe(float64(len(samples)))
	}

	items := make([]BatchItem, len(samples))
	for i, sample := range samples {
		result, err := p.Predict(sample)
		items[i] = BatchItem{Index: i, Result: result, Err: err}
	}
	return items, nil
}

func (p *Predictor) observe(start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.PredictSeconds.Observe(time.Since(start).Seconds())

	outcome := "ok"
	var vErr *ml.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &vErr):
		outcome = "validation_error"
	case errors.Is(err, ErrModelNotLoaded):
		outcome = "model_not_loaded"
	default:
		outcome = "error"
	}
	p.metrics.PredictionsTotal.WithLabelValues(outcome).Inc()
}
