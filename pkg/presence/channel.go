// Package presence implements the ephemeral awareness channel for a
// collaborative session: cursors, selections, and online status. Presence
// state is never persisted and never merged through CRDT rules; the
// latest write per client simply overwrites, and entries disappear when
// their owner stops heartbeating.
package presence

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
)

// Config tunes the presence channel
type Config struct {
	// HeartbeatInterval is how often participants refresh their presence.
	HeartbeatInterval time.Duration
	// Timeout is how long an entry survives without a refresh. Defaults
	// to two heartbeat intervals.
	Timeout time.Duration
	// CursorMinInterval bounds how often rapid cursor movement is
	// transmitted. Updates inside the window are coalesced; the latest
	// position is flushed when the window opens.
	CursorMinInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * c.HeartbeatInterval
	}
	if c.CursorMinInterval <= 0 {
		c.CursorMinInterval = 50 * time.Millisecond
	}
}

type entry struct {
	state    models.PresenceState
	deadline time.Time
}

// Channel is one session's view of who is present and where their
// cursors are. Local updates published here are rate-coalesced and
// handed to the broadcast sink; remote updates received from peers
// overwrite by client id.
type Channel struct {
	mu  sync.RWMutex
	cfg Config

	states map[string]*entry

	// broadcast receives local presence states due for transmission.
	broadcast func(models.PresenceState)
	limiter   *rate.Limiter
	// pendingLocal is the newest coalesced local state awaiting flush.
	pendingLocal *models.PresenceState
	flushTimer   *time.Timer

	subscribers map[int]func(map[string]models.PresenceState)
	nextSubID   int

	logger observability.Logger
}

// NewChannel creates a presence channel
func NewChannel(cfg Config, logger observability.Logger) *Channel {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Channel{
		cfg:         cfg,
		states:      make(map[string]*entry),
		limiter:     rate.NewLimiter(rate.Every(cfg.CursorMinInterval), 1),
		subscribers: make(map[int]func(map[string]models.PresenceState)),
		logger:      logger.WithPrefix("presence"),
	}
}

// OnBroadcast sets the sink that transmits local presence to peers
func (c *Channel) OnBroadcast(fn func(models.PresenceState)) {
	c.mu.Lock()
	c.broadcast = fn
	c.mu.Unlock()
}

// Publish records the local client's presence and forwards it to the
// broadcast sink, coalescing rapid updates so at most one goes out per
// configured interval. The local view updates immediately either way.
func (c *Channel) Publish(state models.PresenceState) {
	state.LastSeen = time.Now()

	c.mu.Lock()
	c.upsertLocked(state)
	send := c.broadcast
	allowed := c.limiter.Allow()
	if !allowed {
		c.pendingLocal = &state
		if c.flushTimer == nil {
			c.flushTimer = time.AfterFunc(c.cfg.CursorMinInterval, c.flushPending)
		}
	}
	c.mu.Unlock()

	c.notify()
	if allowed && send != nil {
		send(state)
	}
}

// flushPending transmits the newest coalesced state once the rate
// window opens.
func (c *Channel) flushPending() {
	c.mu.Lock()
	state := c.pendingLocal
	send := c.broadcast
	c.pendingLocal = nil
	c.flushTimer = nil
	c.mu.Unlock()

	if state != nil && send != nil {
		send(*state)
	}
}

// Receive merges a presence update from a peer. Last write per client
// wins; the entry's expiry deadline is pushed out.
func (c *Channel) Receive(state models.PresenceState) {
	if state.LastSeen.IsZero() {
		state.LastSeen = time.Now()
	}

	c.mu.Lock()
	c.upsertLocked(state)
	c.mu.Unlock()
	c.notify()
}

func (c *Channel) upsertLocked(state models.PresenceState) {
	c.states[state.ClientID] = &entry{
		state:    state,
		deadline: time.Now().Add(c.cfg.Timeout),
	}
}

// Heartbeat refreshes a client's expiry without changing its state
func (c *Channel) Heartbeat(clientID string) {
	c.mu.Lock()
	if e, ok := c.states[clientID]; ok {
		e.deadline = time.Now().Add(c.cfg.Timeout)
		e.state.LastSeen = time.Now()
	}
	c.mu.Unlock()
}

// Drop removes a client immediately. Ephemeral state gets no grace
// period on disconnect.
func (c *Channel) Drop(clientID string) {
	c.mu.Lock()
	_, ok := c.states[clientID]
	delete(c.states, clientID)
	c.mu.Unlock()

	if ok {
		c.notify()
	}
}

// Snapshot returns the current live presence map keyed by client id
func (c *Channel) Snapshot() map[string]models.PresenceState {
	now := time.Now()

	c.mu.RLock()
	out := make(map[string]models.PresenceState, len(c.states))
	for id, e := range c.states {
		if now.After(e.deadline) {
			continue
		}
		out[id] = e.state
	}
	c.mu.RUnlock()
	return out
}

// Subscribe registers fn to be called with a fresh snapshot after every
// presence change. The returned function unsubscribes.
func (c *Channel) Subscribe(fn func(map[string]models.PresenceState)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// Start runs the expiry sweep until the context is canceled
func (c *Channel) Start(ctx context.Context) {
	interval := c.cfg.Timeout / 2
	if interval <= 0 {
		interval = c.cfg.Timeout
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if c.sweep(now) {
					c.notify()
				}
			}
		}
	}()
}

// sweep removes entries whose heartbeat deadline has passed
func (c *Channel) sweep(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	for id, e := range c.states {
		if now.After(e.deadline) {
			delete(c.states, id)
			removed = true
			c.logger.Debug("presence expired", map[string]interface{}{
				"client_id": id,
			})
		}
	}
	return removed
}

func (c *Channel) notify() {
	snapshot := c.Snapshot()

	c.mu.RLock()
	fns := make([]func(map[string]models.PresenceState), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
