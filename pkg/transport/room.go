package transport

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/collaboration"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/embedding"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/graph"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models"
	ws "github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models/websocket"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/presence"
)

// EditPayload is the data of an edit_operation envelope. Exactly one of
// Delta and Edge is set: Delta carries a CRDT field delta over the JSON
// path, Edge a relationship operation for the transform engine.
type EditPayload struct {
	Delta *collaboration.Delta `json:"delta,omitempty"`
	Edge  *graph.EdgeOperation `json:"edge,omitempty"`
}

// ResolveConflictPayload is the data of a resolve_conflict envelope
type ResolveConflictPayload struct {
	ConflictID  string                    `json:"conflict_id"`
	Strategy    models.ResolutionStrategy `json:"strategy"`
	CustomValue interface{}               `json:"custom_value,omitempty"`
}

// ResolutionResult acks or rejects a resolve_conflict request
type ResolutionResult struct {
	ConflictID string `json:"conflict_id"`
	Resolved   bool   `json:"resolved"`
	Error      string `json:"error,omitempty"`
}

// EdgeRejection reports a relationship operation the engine refused
type EdgeRejection struct {
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason"`
	Message     string `json:"message"`
}

// Room is one collaborative session: the server replica of a record plus
// everything that coordinates its participants.
type Room struct {
	id       string
	recordID string
	hub      *Hub

	store    *collaboration.RecordStore
	resolver *collaboration.ConflictResolver
	engine   *graph.Engine
	presence *presence.Channel

	msgMonitor *PerformanceMonitor
	e2eMonitor *PerformanceMonitor

	// embedding is set only when the hub carries a provider.
	embedding   *embedding.Manager
	unsubscribe func()

	mu       sync.RWMutex
	sessions map[string]*session

	logger observability.Logger
}

func newRoom(hub *Hub, id, recordID string) *Room {
	logger := hub.logger.With(map[string]interface{}{"room_id": id})
	store := collaboration.NewRecordStore(recordID, serverNode(id), hub.logger)
	return &Room{
		id:         id,
		recordID:   recordID,
		hub:        hub,
		store:      store,
		resolver:   collaboration.NewConflictResolver(store, hub.logger),
		engine:     graph.NewEngine(serverNode(id), hub.graphCfg, hub.logger),
		presence:   presence.NewChannel(hub.presenceCfg, hub.logger),
		msgMonitor: NewPerformanceMonitor("message_latency", hub.cfg.MessageLatencyMax, hub.metrics),
		e2eMonitor: NewPerformanceMonitor("end_to_end_latency", hub.cfg.EndToEndLatencyMax, hub.metrics),
		sessions:   make(map[string]*session),
		logger:     logger,
	}
}

// attachEmbedding subscribes the vector consistency manager to the
// server replica so converged content triggers a recompute.
func (r *Room) attachEmbedding() error {
	mgr, err := embedding.NewManager(r.hub.embedProvider, r.hub.embedCfg, r.hub.logger, r.hub.metrics)
	if err != nil {
		return errors.Wrap(err, "creating embedding manager")
	}
	r.embedding = mgr
	r.unsubscribe = r.store.Subscribe(func(record models.MemoryRecord) {
		mgr.OnConverged(r.recordID, record.Content)
	})
	return nil
}

// Store exposes the room's server replica
func (r *Room) Store() *collaboration.RecordStore { return r.store }

// Engine exposes the room's relationship transform engine
func (r *Room) Engine() *graph.Engine { return r.engine }

// Presence exposes the room's awareness channel
func (r *Room) Presence() *presence.Channel { return r.presence }

// Embedding returns the room's vector consistency manager, nil when no
// provider is configured
func (r *Room) Embedding() *embedding.Manager { return r.embedding }

// Monitors returns the message-level and end-to-end latency monitors
func (r *Room) Monitors() (*PerformanceMonitor, *PerformanceMonitor) {
	return r.msgMonitor, r.e2eMonitor
}

// restore replays persisted deltas into a fresh server replica
func (r *Room) restore(ctx context.Context) error {
	if r.hub.store == nil {
		return nil
	}

	deltas, err := r.hub.store.DeltasSince(ctx, r.recordID, nil)
	if err != nil {
		return errors.Wrap(err, "loading delta log")
	}
	for _, delta := range deltas {
		if _, err := r.store.ApplyRemote(delta); err != nil {
			return errors.Wrapf(err, "replaying delta %s", delta.ID)
		}
	}
	if len(deltas) > 0 {
		r.logger.Info("room state restored", map[string]interface{}{
			"deltas": len(deltas),
		})
	}
	return nil
}

// saveLoop persists converged snapshots on the configured cadence
func (r *Room) saveLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(r.hub.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := r.hub.store.SaveSnapshot(saveCtx, r.store.Snapshot()); err != nil {
				r.logger.Error("snapshot save failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			cancel()
		}
	}
}

func (r *Room) join(sess *session) {
	r.mu.Lock()
	r.sessions[sess.clientID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("participant joined", map[string]interface{}{
		"client_id": sess.clientID,
		"sessions":  count,
	})
}

// leave removes the session and immediately drops its presence; peers
// see the cursor disappear without waiting for the GC timeout.
func (r *Room) leave(clientID string) {
	r.mu.Lock()
	delete(r.sessions, clientID)
	count := len(r.sessions)
	r.mu.Unlock()

	r.presence.Drop(clientID)
	r.broadcastPresenceSnapshot(clientID)

	r.logger.Info("participant left", map[string]interface{}{
		"client_id": clientID,
		"sessions":  count,
	})
}

func (r *Room) close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if r.embedding != nil {
		r.embedding.Close()
	}

	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

func (r *Room) peers(excludeClientID string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if id == excludeClientID {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// handleFrame processes one binary sub-protocol frame from a session
func (r *Room) handleFrame(sess *session, data []byte) {
	started := time.Now()
	frameType, payload, err := DecodeFrame(data)
	if err != nil {
		// Malformed frames are dropped, never fatal.
		r.logger.Warn("dropping malformed frame", map[string]interface{}{
			"client_id": sess.clientID,
			"error":     err.Error(),
		})
		r.hub.metrics.IncrementCounter("protocol_errors", 1)
		return
	}

	switch frameType {
	case FrameSyncStep1:
		r.handleSyncStep1(sess, payload)
	case FrameUpdate:
		var delta collaboration.Delta
		if err := json.Unmarshal(payload, &delta); err != nil {
			r.logger.Warn("dropping unreadable update frame", map[string]interface{}{
				"client_id": sess.clientID,
				"error":     err.Error(),
			})
			r.hub.metrics.IncrementCounter("protocol_errors", 1)
			return
		}
		r.applyDelta(sess, &delta)
	case FrameAwareness:
		var state models.PresenceState
		if err := json.Unmarshal(payload, &state); err != nil {
			r.hub.metrics.IncrementCounter("protocol_errors", 1)
			return
		}
		state.ClientID = sess.clientID
		r.presence.Receive(state)
		r.relayFrame(sess.clientID, FrameAwareness, payload)
	case FramePing:
		sess.sendFrame(FramePong, nil)
	case FramePong:
		// Server heartbeats are client-driven; nothing to do.
	}

	r.msgMonitor.RecordLatency(time.Since(started))
}

// handleSyncStep1 answers the reconciliation handshake: the client sent
// its version vector, it gets back exactly the deltas it missed. A
// vector claiming operations the server has never logged is treated as
// corrupt and answered with a full resync.
func (r *Room) handleSyncStep1(sess *session, payload []byte) {
	var step1 SyncStep1
	if err := json.Unmarshal(payload, &step1); err != nil {
		r.logger.Warn("dropping unreadable sync_step_1", map[string]interface{}{
			"client_id": sess.clientID,
			"error":     err.Error(),
		})
		r.hub.metrics.IncrementCounter("protocol_errors", 1)
		return
	}
	if step1.RecordID != "" && step1.RecordID != r.recordID {
		r.logger.Warn("sync_step_1 for wrong record", map[string]interface{}{
			"client_id": sess.clientID,
			"record_id": step1.RecordID,
		})
		r.hub.metrics.IncrementCounter("protocol_errors", 1)
		return
	}

	serverVV := r.store.VersionVector()
	corrupt := false
	for node, seq := range step1.VersionVector {
		if seq > serverVV[node] && !strings.HasPrefix(string(node), "server:") {
			corrupt = true
			break
		}
	}

	step2 := SyncStep2{RecordID: r.recordID}
	if corrupt {
		// The client's vector references operations nobody has seen;
		// incremental repair is not attempted.
		snapshot := r.store.Snapshot()
		step2.Full = true
		step2.Snapshot = &snapshot
		step2.Deltas = r.store.Log()
		r.logger.Warn("corrupt version vector, sending full resync", map[string]interface{}{
			"client_id": sess.clientID,
		})
	} else {
		step2.Deltas = r.store.DeltasSince(step1.VersionVector)
	}

	frame, err := EncodeFrameJSON(FrameSyncStep2, step2)
	if err != nil {
		r.logger.Error("failed to encode sync_step_2", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	sess.sendRaw(frame)
}

// applyDelta merges a client delta into the server replica, persists it,
// and fans it out. A conflicted merge broadcasts a conflict_detected
// envelope instead of a winner.
func (r *Room) applyDelta(sess *session, delta *collaboration.Delta) {
	outcome, err := r.store.ApplyRemote(delta)
	if err != nil {
		r.logger.Warn("rejecting delta", map[string]interface{}{
			"client_id": sess.clientID,
			"delta_id":  delta.ID.String(),
			"error":     err.Error(),
		})
		return
	}

	if !delta.CreatedAt.IsZero() {
		r.e2eMonitor.RecordLatency(time.Since(delta.CreatedAt))
	}

	switch outcome.Status {
	case collaboration.MergeConflicted:
		if outcome.Conflict != nil {
			r.broadcastConflict(outcome.Conflict.Record)
		}
	case collaboration.MergeApplied, collaboration.MergeBuffered:
		// Buffered deltas still fan out so peers can fill their own gaps.
	}

	if r.hub.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.hub.store.AppendDelta(ctx, delta); err != nil {
			r.logger.Error("failed to persist delta", map[string]interface{}{
				"delta_id": delta.ID.String(),
				"error":    err.Error(),
			})
		}
		cancel()
	}

	if payload, err := json.Marshal(delta); err == nil {
		r.relayFrame(sess.clientID, FrameUpdate, payload)
	}
}

// handleEnvelope processes one JSON control-plane message
func (r *Room) handleEnvelope(sess *session, msg *ws.Message) {
	started := time.Now()
	if msg.MessageID != "" && !sess.markSeen(msg.MessageID) {
		return // duplicate delivery
	}
	if msg.Timestamp > 0 {
		r.e2eMonitor.RecordLatency(time.Since(time.UnixMilli(msg.Timestamp)))
	}

	switch msg.Type {
	case ws.MessageTypePing:
		sess.sendEnvelope(ws.NewMessage(ws.MessageTypePong, uuid.NewString(), "", r.id, nil))

	case ws.MessageTypeEditOperation:
		var payload EditPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			r.logger.Warn("dropping unreadable edit_operation", map[string]interface{}{
				"client_id": sess.clientID,
				"error":     err.Error(),
			})
			r.hub.metrics.IncrementCounter("protocol_errors", 1)
			return
		}
		switch {
		case payload.Delta != nil:
			r.applyDelta(sess, payload.Delta)
		case payload.Edge != nil:
			r.applyEdgeOp(sess, msg, *payload.Edge)
		}

	case ws.MessageTypeResolveConflict:
		var payload ResolveConflictPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			r.hub.metrics.IncrementCounter("protocol_errors", 1)
			return
		}
		r.resolveConflict(sess, payload)

	case ws.MessageTypeCursorUpdate, ws.MessageTypePresenceBroadcast:
		var state models.PresenceState
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			r.hub.metrics.IncrementCounter("protocol_errors", 1)
			return
		}
		state.ClientID = sess.clientID
		r.presence.Receive(state)
		r.relayEnvelope(sess.clientID, msg)

	case ws.MessageTypeSyncState:
		snapshot := r.store.Snapshot()
		data, err := json.Marshal(snapshot)
		if err != nil {
			return
		}
		sess.sendEnvelope(ws.NewMessage(ws.MessageTypeSyncState, uuid.NewString(), "", r.id, data))

	default:
		r.logger.Debug("ignoring envelope", map[string]interface{}{
			"type": string(msg.Type),
		})
	}

	r.msgMonitor.RecordLatency(time.Since(started))
}

// resolveConflict applies a participant's chosen resolution on the
// server replica. The resolution is a synchronous all-or-nothing call;
// on success the emitted delta fans out to every participant so all
// replicas converge on the chosen value.
func (r *Room) resolveConflict(sess *session, payload ResolveConflictPayload) {
	delta, err := r.resolver.Resolve(payload.ConflictID, payload.Strategy, payload.CustomValue)
	result := ResolutionResult{ConflictID: payload.ConflictID, Resolved: err == nil}
	if err != nil {
		result.Error = err.Error()
		r.logger.Warn("rejecting resolution", map[string]interface{}{
			"client_id":   sess.clientID,
			"conflict_id": payload.ConflictID,
			"error":       err.Error(),
		})
	}
	if data, merr := json.Marshal(result); merr == nil {
		sess.sendEnvelope(ws.NewMessage(ws.MessageTypeOperationApplied, uuid.NewString(), "", r.id, data))
	}
	if err != nil {
		return
	}

	if r.hub.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.hub.store.AppendDelta(ctx, delta); err != nil {
			r.logger.Error("failed to persist resolution delta", map[string]interface{}{
				"delta_id": delta.ID.String(),
				"error":    err.Error(),
			})
		}
		cancel()
	}

	if data, err := json.Marshal(delta); err == nil {
		r.relayFrame("", FrameUpdate, data)
	}
}

// applyEdgeOp routes a relationship operation through the transform
// engine and fans out the transformed result. Policy violations are
// reported back to the sender only; the edge set stays unchanged.
func (r *Room) applyEdgeOp(sess *session, msg *ws.Message, op graph.EdgeOperation) {
	transformed := r.engine.Transform(op, nil)
	if _, err := r.engine.Apply(transformed); err != nil {
		rejection := EdgeRejection{
			OperationID: op.ID.String(),
			Reason:      graph.ReasonCode(err),
			Message:     err.Error(),
		}
		if data, merr := json.Marshal(rejection); merr == nil {
			sess.sendEnvelope(ws.NewMessage(ws.MessageTypeOperationApplied, uuid.NewString(), "", r.id, data))
		}
		return
	}

	payload, err := json.Marshal(EditPayload{Edge: &transformed})
	if err != nil {
		return
	}
	out := ws.NewMessage(ws.MessageTypeOperationBroadcast, uuid.NewString(), msg.UserID, r.id, payload)
	r.relayEnvelope(sess.clientID, out)
}

func (r *Room) broadcastConflict(record models.ConflictRecord) {
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	msg := ws.NewMessage(ws.MessageTypeConflictDetected, uuid.NewString(), "", r.id, data)
	for _, sess := range r.peers("") {
		sess.sendEnvelope(msg)
	}
}

func (r *Room) broadcastPresenceSnapshot(excludeClientID string) {
	snapshot := r.presence.Snapshot()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	msg := ws.NewMessage(ws.MessageTypePresenceBroadcast, uuid.NewString(), "", r.id, data)
	for _, sess := range r.peers(excludeClientID) {
		sess.sendEnvelope(msg)
	}
}

// relayFrame fans a binary frame out to every session but the origin
func (r *Room) relayFrame(originClientID string, frameType FrameType, payload []byte) {
	frame := EncodeFrame(frameType, payload)
	for _, sess := range r.peers(originClientID) {
		sess.sendRaw(frame)
	}
}

// relayEnvelope fans a JSON envelope out to every session but the origin
func (r *Room) relayEnvelope(originClientID string, msg *ws.Message) {
	for _, sess := range r.peers(originClientID) {
		sess.sendEnvelope(msg)
	}
}
