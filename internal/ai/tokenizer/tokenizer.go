// Package tokenizer provides token estimation for the streaming token
// tracker and the base-context cache.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens with a tiktoken encoding. Non-OpenAI models are
// approximated with cl100k_base, which is close enough for live counters
// and context budgeting.
type Estimator struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewEstimator creates an estimator for a model, caching encodings across
// instances.
func NewEstimator(model string) (*Estimator, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &Estimator{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}
	encodingCache[model] = encoding
	return &Estimator{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (e *Estimator) Count(text string) int {
	return len(e.encoding.Encode(text, nil, nil))
}

// Model returns the model this estimator was built for.
func (e *Estimator) Model() string {
	return e.model
}

// Tracker folds streamed deltas into a running token count. It is written
// from the orchestrator goroutine only; Total is safe to read concurrently.
type Tracker struct {
	estimator *Estimator
	base      int64

	mu      sync.Mutex
	pending string
	total   int64
}

// NewTracker creates a tracker seeded with a base-context estimate.
func NewTracker(estimator *Estimator, baseTokens int64) *Tracker {
	return &Tracker{estimator: estimator, base: baseTokens, total: baseTokens}
}

// Add folds one text delta into the running count. Deltas are buffered until
// a word boundary to keep the estimate stable across partial tokens.
func (t *Tracker) Add(delta string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending += delta
	if len(t.pending) >= 64 {
		t.total += int64(t.estimator.Count(t.pending))
		t.pending = ""
	}
	return t.totalLocked()
}

// AddUsage replaces the streamed estimate for the current step with the
// provider's reported usage.
func (t *Tracker) AddUsage(completionTokens int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = ""
	t.total = t.base + completionTokens
	return t.total
}

// Total returns the current estimate including any buffered tail.
func (t *Tracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalLocked()
}

func (t *Tracker) totalLocked() int64 {
	total := t.total
	if t.pending != "" {
		total += int64(t.estimator.Count(t.pending))
	}
	return total
}
