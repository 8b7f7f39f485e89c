package embedding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockProvider counts calls and can be told to fail
type mockProvider struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before succeeding
	texts    []string
}

func (p *mockProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	p.texts = append(p.texts, text)
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("provider exploded")
	}
	return []float32{float32(len(text)), 0.5}, nil
}

func (p *mockProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *mockProvider) embeddedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.texts))
	copy(out, p.texts)
	return out
}

func newTestManager(t *testing.T, provider Provider) *Manager {
	t.Helper()
	manager, err := NewManager(provider, Config{
		StalenessWindow: 20 * time.Millisecond,
		RetryMaxElapsed: 200 * time.Millisecond,
	}, nil, observability.NewInMemoryMetricsClient())
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return manager
}

func TestManagerRecomputesAfterStalenessWindow(t *testing.T) {
	provider := &mockProvider{}
	manager := newTestManager(t, provider)

	manager.OnConverged("rec-1", "hello world")
	assert.Equal(t, StatusPending, manager.Status("rec-1"))

	require.Eventually(t, func() bool {
		return manager.Status("rec-1") == StatusFresh
	}, time.Second, 5*time.Millisecond)

	vector, ok := manager.Vector("rec-1")
	require.True(t, ok)
	assert.Len(t, vector, 2)
	assert.Equal(t, 1, provider.callCount())
}

func TestManagerDebouncesBursts(t *testing.T) {
	provider := &mockProvider{}
	manager := newTestManager(t, provider)

	// A burst of per-keystroke notifications inside one staleness window.
	for _, text := range []string{"h", "he", "hel", "hell", "hello"} {
		manager.OnConverged("rec-1", text)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return manager.Status("rec-1") == StatusFresh
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, provider.callCount(), "one recompute for the whole burst")
	assert.Equal(t, []string{"hello"}, provider.embeddedTexts(), "only the final converged text is embedded")
}

func TestManagerStaleOnProviderFailure(t *testing.T) {
	provider := &mockProvider{failures: 1000}
	manager := newTestManager(t, provider)

	manager.OnConverged("rec-1", "doomed")

	require.Eventually(t, func() bool {
		return manager.Status("rec-1") == StatusStale
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := manager.Vector("rec-1")
	assert.False(t, ok)
	assert.Greater(t, provider.callCount(), 1, "failures are retried with backoff before giving up")
}

func TestManagerRefreshRetriesStaleRecord(t *testing.T) {
	provider := &mockProvider{failures: 2}
	manager, err := NewManager(provider, Config{
		StalenessWindow: 5 * time.Millisecond,
		RetryMaxElapsed: 10 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	defer manager.Close()

	manager.OnConverged("rec-1", "try again")
	require.Eventually(t, func() bool {
		return manager.Status("rec-1") == StatusStale
	}, 5*time.Second, 5*time.Millisecond)

	// Keep refreshing until the provider recovers.
	require.Eventually(t, func() bool {
		manager.Refresh("rec-1")
		return manager.Status("rec-1") == StatusFresh
	}, 5*time.Second, 20*time.Millisecond)

	_, ok := manager.Vector("rec-1")
	assert.True(t, ok)
}

func TestManagerContentHashCache(t *testing.T) {
	provider := &mockProvider{}
	manager := newTestManager(t, provider)

	manager.OnConverged("rec-1", "same text")
	require.Eventually(t, func() bool {
		return manager.Status("rec-1") == StatusFresh
	}, time.Second, 5*time.Millisecond)

	// A second record converging to identical text is served from cache.
	manager.OnConverged("rec-2", "same text")
	require.Eventually(t, func() bool {
		return manager.Status("rec-2") == StatusFresh
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, provider.callCount())
}

func TestManagerUnknownRecordIsStale(t *testing.T) {
	provider := &mockProvider{}
	manager := newTestManager(t, provider)

	assert.Equal(t, StatusStale, manager.Status("never-seen"))
}
