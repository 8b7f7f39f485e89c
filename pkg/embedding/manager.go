// Package embedding keeps each record's derived semantic embedding
// consistent with its converged text. Recomputation is debounced behind a
// staleness window so a burst of keystrokes produces one recompute of the
// final merged text, provider failures leave the record editable with a
// stale flag, and unchanged text is served from a content-hash cache.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
)

// ErrProviderUnavailable wraps transport-level embedding failures
var ErrProviderUnavailable = errors.New("embedding provider unavailable")

// Provider generates an embedding vector for a piece of text
type Provider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Status describes how current a record's embedding is
type Status string

// Embedding statuses. A record with no embedding yet reports StatusStale.
const (
	StatusFresh   Status = "fresh"
	StatusStale   Status = "stale"
	StatusPending Status = "pending"
)

// Config tunes the consistency manager
type Config struct {
	// StalenessWindow is how long converged-text notifications are
	// debounced before one recompute fires.
	StalenessWindow time.Duration
	// CacheSize bounds the content-hash embedding cache.
	CacheSize int
	// RetryMaxElapsed caps the per-recompute retry budget.
	RetryMaxElapsed time.Duration
}

func (c *Config) applyDefaults() {
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = 2 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 512
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = 30 * time.Second
	}
}

type recordState struct {
	status Status
	// latestText is the newest converged text seen for the record; the
	// debounced recompute always embeds this, never an intermediate.
	latestText string
	vector     []float32
	hash       string
	timer      *time.Timer
	// generation invalidates in-flight recomputes superseded by newer text.
	generation uint64
}

// Manager is the vector consistency manager for one session's records
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	provider Provider
	breaker  *gobreaker.CircuitBreaker
	cache    *lru.Cache[string, []float32]
	records  map[string]*recordState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewManager creates a consistency manager backed by the given provider
func NewManager(provider Provider, cfg Config, logger observability.Logger, metrics observability.MetricsClient) (*Manager, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating embedding cache")
	}

	logger = logger.WithPrefix("embedding")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-provider",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("embedding breaker state change", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		provider: provider,
		breaker:  breaker,
		cache:    cache,
		records:  make(map[string]*recordState),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// OnConverged notifies the manager that a record's text has converged to
// a new value. The recompute is scheduled behind the staleness window;
// repeated notifications inside the window collapse into one recompute of
// the final text.
func (m *Manager) OnConverged(recordID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.records[recordID]
	if !ok {
		state = &recordState{status: StatusStale}
		m.records[recordID] = state
	}

	hash := contentHash(text)
	if state.hash == hash && state.status == StatusFresh {
		return
	}

	state.latestText = text
	state.status = StatusPending
	state.generation++
	generation := state.generation

	if state.timer != nil {
		state.timer.Stop()
	}
	state.timer = time.AfterFunc(m.cfg.StalenessWindow, func() {
		m.recompute(recordID, generation)
	})
}

// Status reports the embedding freshness for a record. Records the
// manager has never been told about count as stale.
func (m *Manager) Status(recordID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.records[recordID]; ok {
		return state.status
	}
	return StatusStale
}

// Vector returns the most recently computed embedding for a record
func (m *Manager) Vector(recordID string) ([]float32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.records[recordID]
	if !ok || state.vector == nil {
		return nil, false
	}
	return state.vector, true
}

// Refresh forces a recompute attempt for a stale record, bypassing the
// staleness window.
func (m *Manager) Refresh(recordID string) {
	m.mu.Lock()
	state, ok := m.records[recordID]
	if !ok || state.status != StatusStale || state.latestText == "" {
		m.mu.Unlock()
		return
	}
	state.status = StatusPending
	state.generation++
	generation := state.generation
	m.mu.Unlock()

	m.recompute(recordID, generation)
}

// Close stops all in-flight recomputes and waits for them to finish
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	for _, state := range m.records {
		if state.timer != nil {
			state.timer.Stop()
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) recompute(recordID string, generation uint64) {
	m.mu.Lock()
	state, ok := m.records[recordID]
	if !ok || state.generation != generation {
		m.mu.Unlock()
		return
	}
	text := state.latestText
	hash := contentHash(text)

	if vector, ok := m.cache.Get(hash); ok {
		state.vector = vector
		state.hash = hash
		state.status = StatusFresh
		m.mu.Unlock()
		m.metrics.IncrementCounter("embedding_cache_hit", 1)
		return
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		started := time.Now()
		vector, err := m.generate(text)
		m.metrics.RecordLatency("embedding_generate", time.Since(started))

		m.mu.Lock()
		defer m.mu.Unlock()
		state, ok := m.records[recordID]
		if !ok || state.generation != generation {
			// Newer text arrived while we were computing.
			return
		}
		if err != nil {
			state.status = StatusStale
			m.logger.Warn("embedding recompute failed, record marked stale", map[string]interface{}{
				"record_id": recordID,
				"error":     err.Error(),
			})
			m.metrics.IncrementCounter("embedding_failures", 1)
			return
		}
		state.vector = vector
		state.hash = hash
		state.status = StatusFresh
		m.cache.Add(hash, vector)
	}()
}

// generate calls the provider behind the circuit breaker with capped
// exponential retry.
func (m *Manager) generate(text string) ([]float32, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.RandomizationFactor = 0.5
	b.Multiplier = 1.5
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = m.cfg.RetryMaxElapsed
	b.Reset()

	var vector []float32
	operation := func() error {
		result, err := m.breaker.Execute(func() (interface{}, error) {
			return m.provider.GenerateEmbedding(m.ctx, text)
		})
		if err != nil {
			if m.ctx.Err() != nil {
				return backoff.Permanent(m.ctx.Err())
			}
			if errors.Is(err, gobreaker.ErrOpenState) {
				// The breaker window outlives the retry budget; bail out
				// and stay stale until the next converged notification.
				return backoff.Permanent(errors.Wrap(ErrProviderUnavailable, err.Error()))
			}
			return errors.Wrap(ErrProviderUnavailable, err.Error())
		}
		vector = result.([]float32)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, m.ctx)); err != nil {
		return nil, err
	}
	return vector, nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
