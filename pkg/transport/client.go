package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/collaboration"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/graph"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models"
	ws "github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models/websocket"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/presence"
)

// ErrNotConnected is returned when sending while the transport is down
var ErrNotConnected = errors.New("not connected")

// Client is the reconnecting transport for one participant's replica.
// It owns the connection lifecycle: dial, reconciliation handshake,
// incremental streaming, heartbeats, and backoff reconnect. Remote
// deltas it receives are merged into the local record store.
type Client struct {
	cfg    Config
	url    string
	userID string

	store    *collaboration.RecordStore
	presence *presence.Channel

	sm *stateMachine

	mu   sync.Mutex
	conn *websocket.Conn

	lastPongMu sync.Mutex
	lastPong   time.Time

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	onConflict func(models.ConflictRecord)
	onEdge     func(graph.EdgeOperation)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger observability.Logger
}

// NewClient creates a client for the given collaborate endpoint URL.
// The URL carries the user id and auth token as query parameters.
func NewClient(url, userID string, store *collaboration.RecordStore, cfg Config, logger observability.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Client{
		cfg:    cfg,
		url:    url,
		userID: userID,
		store:  store,
		sm:     newStateMachine(),
		seen:   make(map[string]struct{}),
		logger: logger.WithPrefix("client").With(map[string]interface{}{
			"user_id": userID,
		}),
	}
}

// SetPresence attaches an awareness channel whose local publishes are
// transmitted and whose view receives remote updates.
func (c *Client) SetPresence(channel *presence.Channel) {
	c.presence = channel
	channel.OnBroadcast(func(state models.PresenceState) {
		_ = c.write(FrameAwareness, state)
	})
}

// OnConflict registers a callback for conflicts surfaced by merges
func (c *Client) OnConflict(fn func(models.ConflictRecord)) { c.onConflict = fn }

// OnEdgeOperation registers a callback for relationship operations
// relayed by the server.
func (c *Client) OnEdgeOperation(fn func(graph.EdgeOperation)) { c.onEdge = fn }

// State returns the current connection state
func (c *Client) State() ConnectionState { return c.sm.Current() }

// States returns a channel observing every state transition
func (c *Client) States() <-chan StateTransition { return c.sm.Observe() }

// Start connects, completes the sync handshake, and begins streaming.
// It returns once the connection is Synced; the read loop, heartbeats,
// and reconnection run in the background until Close.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(c.ctx); err != nil {
		c.sm.Set(StateDisconnected)
		return err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()
	return nil
}

// Close tears the connection down for good
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.sm.Set(StateDisconnected)
}

// SendDelta transmits a locally applied delta to the session
func (c *Client) SendDelta(delta *collaboration.Delta) error {
	return c.write(FrameUpdate, delta)
}

// SendEdgeOperation submits a relationship operation for transform
func (c *Client) SendEdgeOperation(op graph.EdgeOperation) error {
	payload, err := json.Marshal(EditPayload{Edge: &op})
	if err != nil {
		return errors.Wrap(err, "marshaling edge operation")
	}
	msg := ws.NewMessage(ws.MessageTypeEditOperation, op.ID.String(), c.userID, "", payload)
	return c.writeEnvelope(msg)
}

// ResolveConflict asks the session to settle an open conflict with the
// chosen strategy. The outcome arrives as an operation_applied envelope
// and, on success, an update carrying the resolution.
func (c *Client) ResolveConflict(conflictID string, strategy models.ResolutionStrategy, customValue interface{}) error {
	payload, err := json.Marshal(ResolveConflictPayload{
		ConflictID:  conflictID,
		Strategy:    strategy,
		CustomValue: customValue,
	})
	if err != nil {
		return errors.Wrap(err, "marshaling resolution")
	}
	msg := ws.NewMessage(ws.MessageTypeResolveConflict, uuid.NewString(), c.userID, "", payload)
	return c.writeEnvelope(msg)
}

// connect dials and runs the reconciliation handshake: local version
// vector out, missed deltas in. Only then does the state reach Synced.
func (c *Client) connect(ctx context.Context) error {
	c.sm.Set(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return errors.Wrap(err, "dialing")
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)

	c.sm.Set(StateHandshaking)

	step1 := SyncStep1{
		RecordID:      c.store.RecordID(),
		VersionVector: c.store.VersionVector(),
	}
	frame, err := EncodeFrameJSON(FrameSyncStep1, step1)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "encode failure")
		return err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake write failed")
		return errors.Wrap(err, "sending sync_step_1")
	}

	// Read until sync_step_2 arrives; concurrent room traffic may be
	// interleaved ahead of it.
	handshakeCtx, cancelHandshake := context.WithTimeout(ctx, 10*time.Second)
	defer cancelHandshake()
	for {
		msgType, data, err := conn.Read(handshakeCtx)
		if err != nil {
			_ = conn.Close(websocket.StatusProtocolError, "handshake read failed")
			return errors.Wrap(err, "awaiting sync_step_2")
		}
		if msgType != websocket.MessageBinary {
			c.handleEnvelopeBytes(data)
			continue
		}
		frameType, payload, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame during handshake", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if frameType != FrameSyncStep2 {
			c.handleFrame(frameType, payload)
			continue
		}

		var step2 SyncStep2
		if err := json.Unmarshal(payload, &step2); err != nil {
			_ = conn.Close(websocket.StatusProtocolError, "bad sync_step_2")
			return errors.Wrap(err, "decoding sync_step_2")
		}
		for _, delta := range step2.Deltas {
			if _, err := c.applyRemote(delta); err != nil {
				c.logger.Warn("failed to merge handshake delta", map[string]interface{}{
					"delta_id": delta.ID.String(),
					"error":    err.Error(),
				})
			}
		}
		break
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.lastPongMu.Lock()
	c.lastPong = time.Now()
	c.lastPongMu.Unlock()

	c.sm.Set(StateSynced)
	return nil
}

func (c *Client) applyRemote(delta *collaboration.Delta) (collaboration.MergeOutcome, error) {
	outcome, err := c.store.ApplyRemote(delta)
	if err != nil {
		return outcome, err
	}
	if outcome.Status == collaboration.MergeConflicted && outcome.Conflict != nil && c.onConflict != nil {
		c.onConflict(outcome.Conflict.Record)
	}
	return outcome, nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		msgType, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("connection lost", map[string]interface{}{
				"error": err.Error(),
			})
			c.dropConn()
			if !c.reconnect() {
				return
			}
			continue
		}

		switch msgType {
		case websocket.MessageBinary:
			frameType, payload, err := DecodeFrame(data)
			if err != nil {
				c.logger.Warn("dropping malformed frame", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			c.handleFrame(frameType, payload)
		case websocket.MessageText:
			c.handleEnvelopeBytes(data)
		}
	}
}

func (c *Client) handleFrame(frameType FrameType, payload []byte) {
	switch frameType {
	case FrameUpdate:
		var delta collaboration.Delta
		if err := json.Unmarshal(payload, &delta); err != nil {
			c.logger.Warn("dropping unreadable update", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if _, err := c.applyRemote(&delta); err != nil {
			c.logger.Warn("failed to merge delta", map[string]interface{}{
				"delta_id": delta.ID.String(),
				"error":    err.Error(),
			})
		}
	case FrameAwareness:
		if c.presence == nil {
			return
		}
		var state models.PresenceState
		if err := json.Unmarshal(payload, &state); err != nil {
			return
		}
		c.presence.Receive(state)
	case FramePong:
		c.lastPongMu.Lock()
		c.lastPong = time.Now()
		c.lastPongMu.Unlock()
	case FramePing:
		_ = c.writeRaw(EncodeFrame(FramePong, nil))
	}
}

func (c *Client) handleEnvelopeBytes(data []byte) {
	var msg ws.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping unreadable envelope", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if msg.MessageID != "" && !c.markSeen(msg.MessageID) {
		return
	}

	switch msg.Type {
	case ws.MessageTypeConflictDetected:
		if c.onConflict == nil {
			return
		}
		var record models.ConflictRecord
		if err := json.Unmarshal(msg.Data, &record); err != nil {
			return
		}
		c.onConflict(record)

	case ws.MessageTypeEditOperation, ws.MessageTypeOperationBroadcast:
		var payload EditPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return
		}
		switch {
		case payload.Delta != nil:
			if _, err := c.applyRemote(payload.Delta); err != nil {
				c.logger.Warn("failed to merge delta", map[string]interface{}{
					"error": err.Error(),
				})
			}
		case payload.Edge != nil && c.onEdge != nil:
			c.onEdge(*payload.Edge)
		}

	case ws.MessageTypeCursorUpdate, ws.MessageTypePresenceBroadcast:
		if c.presence == nil {
			return
		}
		var state models.PresenceState
		if err := json.Unmarshal(msg.Data, &state); err == nil && state.ClientID != "" {
			c.presence.Receive(state)
		}
	}
}

// heartbeatLoop sends pings and degrades the connection after the
// configured number of missed pongs.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.sm.Current() != StateSynced {
				continue
			}

			c.lastPongMu.Lock()
			silence := time.Since(c.lastPong)
			c.lastPongMu.Unlock()
			if silence > c.cfg.HeartbeatInterval*time.Duration(c.cfg.MissedHeartbeats) {
				c.logger.Warn("heartbeats missed, degrading connection", map[string]interface{}{
					"silence": silence.String(),
				})
				// The read loop notices the closed connection and
				// drives the reconnect.
				c.dropConn()
				continue
			}

			_ = c.writeRaw(EncodeFrame(FramePing, nil))
		}
	}
}

// reconnect re-establishes the connection with jittered exponential
// backoff. It returns false when the client is shutting down.
func (c *Client) reconnect() bool {
	c.sm.Set(StateDegraded)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitial
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0 // keep trying until closed
	b.Reset()

	operation := func() error {
		if c.ctx.Err() != nil {
			return backoff.Permanent(c.ctx.Err())
		}
		return c.connect(c.ctx)
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, c.ctx)); err != nil {
		c.sm.Set(StateDisconnected)
		return false
	}
	return true
}

func (c *Client) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusGoingAway, "degraded")
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) write(frameType FrameType, payload interface{}) error {
	frame, err := EncodeFrameJSON(frameType, payload)
	if err != nil {
		return err
	}
	return c.writeRaw(frame)
}

func (c *Client) writeRaw(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return errors.Wrap(err, "writing frame")
	}
	return nil
}

func (c *Client) writeEnvelope(msg *ws.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshaling envelope")
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.Wrap(err, "writing envelope")
	}
	return nil
}

func (c *Client) markSeen(messageID string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()

	if _, ok := c.seen[messageID]; ok {
		return false
	}
	c.seen[messageID] = struct{}{}
	c.seenOrder = append(c.seenOrder, messageID)
	if len(c.seenOrder) > dedupWindow {
		oldest := c.seenOrder[0]
		c.seenOrder = c.seenOrder[1:]
		delete(c.seen, oldest)
	}
	return true
}
