package cost

import (
	"log/slog"
	"sync"
	"time"
)

// ringCapacity bounds the "recent requests" slice returned in Summary.
const ringCapacity = 50

// Record is one priced request, grounded on the teacher's RequestLog shape
// (internal/logger) but scoped to pricing/cost rather than raw latency.
type Record struct {
	Provider     string
	ModelID      string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
}

// Tracker accumulates cost totals across the process lifetime. All methods
// are safe for concurrent use; a single Tracker is shared across requests.
type Tracker struct {
	mu sync.Mutex

	totalUSD   float64
	totalIn    int64
	totalOut   int64
	byProvider map[string]float64
	byModel    map[string]float64
	recent     []Record
	recentPos  int
	recentLen  int

	alertThresholdUSD float64
	alertFired        bool

	log *slog.Logger
}

// New creates a Tracker. alertThresholdUSD <= 0 disables the threshold
// alert. log may be nil (defaults to slog.Default()).
func New(alertThresholdUSD float64, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		byProvider:        make(map[string]float64),
		byModel:           make(map[string]float64),
		recent:            make([]Record, ringCapacity),
		alertThresholdUSD: alertThresholdUSD,
		log:               log,
	}
}

// Record prices one completed request and folds it into the running totals.
// It computes cost = (input/1000)*inputPer1K + (output/1000)*outputPer1K
// using the static pricing table, defaulting conservatively for unknown
// model ids.
func (t *Tracker) Record(provider, modelID string, inputTokens, outputTokens int) Record {
	price, _ := Lookup(modelID)
	if provider == "" {
		provider = price.Provider
	}

	costUSD := (float64(inputTokens)/1000)*price.InputPer1K + (float64(outputTokens)/1000)*price.OutputPer1K

	rec := Record{
		Provider:     provider,
		ModelID:      modelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      costUSD,
		Timestamp:    time.Now(),
	}

	t.mu.Lock()
	t.totalUSD += costUSD
	t.totalIn += int64(inputTokens)
	t.totalOut += int64(outputTokens)
	t.byProvider[provider] += costUSD
	t.byModel[modelID] += costUSD

	t.recent[t.recentPos] = rec
	t.recentPos = (t.recentPos + 1) % ringCapacity
	if t.recentLen < ringCapacity {
		t.recentLen++
	}

	crossedThreshold := !t.alertFired && t.alertThresholdUSD > 0 && t.totalUSD >= t.alertThresholdUSD
	if crossedThreshold {
		t.alertFired = true
	}
	totalUSD := t.totalUSD
	t.mu.Unlock()

	// The alert latch is never reset for the lifetime of the process: once
	// fired, it fires exactly once regardless of how spend evolves after.
	if crossedThreshold {
		t.log.Warn("cost_threshold_crossed",
			slog.Float64("total_usd", totalUSD),
			slog.Float64("threshold_usd", t.alertThresholdUSD),
		)
	}

	return rec
}

// Summary is a deep-enough snapshot for serialisation without holding
// internal references — callers may mutate the returned maps/slice freely.
type Summary struct {
	TotalUSD    float64            `json:"total_usd"`
	TotalInTok  int64              `json:"total_input_tokens"`
	TotalOutTok int64              `json:"total_output_tokens"`
	ByProvider  map[string]float64 `json:"by_provider"`
	ByModel     map[string]float64 `json:"by_model"`
	Recent      []Record           `json:"recent"`
}

// Summary returns the current totals and a copy of the recent-requests ring
// in chronological order (oldest first).
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	byProvider := make(map[string]float64, len(t.byProvider))
	for k, v := range t.byProvider {
		byProvider[k] = v
	}
	byModel := make(map[string]float64, len(t.byModel))
	for k, v := range t.byModel {
		byModel[k] = v
	}

	recent := make([]Record, 0, t.recentLen)
	start := t.recentPos - t.recentLen
	for i := 0; i < t.recentLen; i++ {
		idx := (start + i + ringCapacity) % ringCapacity
		recent = append(recent, t.recent[idx])
	}

	return Summary{
		TotalUSD:    t.totalUSD,
		TotalInTok:  t.totalIn,
		TotalOutTok: t.totalOut,
		ByProvider:  byProvider,
		ByModel:     byModel,
		Recent:      recent,
	}
}
