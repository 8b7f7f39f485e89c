package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	ws "github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models/websocket"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
)

// dedupWindow bounds the per-session message_id memory
const dedupWindow = 1024

// session is one server-side client connection. Inbound traffic is rate
// limited with a token bucket; outbound traffic goes through a bounded
// send queue so one slow reader cannot stall the room.
type session struct {
	clientID string
	userID   string
	room     *Room
	conn     *websocket.Conn

	send    chan outbound
	limiter *rate.Limiter

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	closeOnce sync.Once
	done      chan struct{}

	logger observability.Logger
}

func newSession(room *Room, conn *websocket.Conn, clientID, userID string) *session {
	cfg := room.hub.cfg
	conn.SetReadLimit(cfg.MaxMessageSize)
	return &session{
		clientID: clientID,
		userID:   userID,
		room:     room,
		conn:     conn,
		send:     make(chan outbound, cfg.SendQueueSize),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		seen:     make(map[string]struct{}, dedupWindow),
		done:     make(chan struct{}),
		logger: room.hub.logger.With(map[string]interface{}{
			"client_id": clientID,
			"room_id":   room.id,
		}),
	}
}

// run pumps the connection until it closes, then leaves the room
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writePump(ctx)
	s.readPump(ctx)

	s.close()
	s.room.leave(s.clientID)
}

func (s *session) readPump(ctx context.Context) {
	// A rejected Allow consumes no tokens, so flooding is tracked by
	// counting consecutive rejections rather than by token debt.
	rejected := 0
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		if !s.limiter.Allow() {
			// Sustained flooding costs the connection.
			s.logger.Warn("rate limit exceeded, dropping message", nil)
			s.room.hub.metrics.IncrementCounter("rate_limited_messages", 1)
			rejected++
			if rejected > s.room.hub.cfg.RateLimitBurst {
				s.conn.Close(websocket.StatusCode(ws.ErrCodeRateLimited), "rate limit exceeded")
				return
			}
			continue
		}
		rejected = 0

		switch msgType {
		case websocket.MessageBinary:
			s.room.handleFrame(s, data)
		case websocket.MessageText:
			var msg ws.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Warn("dropping unreadable envelope", map[string]interface{}{
					"error": err.Error(),
				})
				s.room.hub.metrics.IncrementCounter("protocol_errors", 1)
				continue
			}
			s.room.handleEnvelope(s, &msg)
		}
	}
}

func (s *session) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case out := <-s.send:
			if err := s.conn.Write(ctx, out.kind, out.data); err != nil {
				return
			}
		}
	}
}

// outbound is one queued wire message
type outbound struct {
	kind websocket.MessageType
	data []byte
}

// sendRaw queues a pre-encoded binary frame. A full queue drops the
// message; CRDT state heals through the next sync handshake.
func (s *session) sendRaw(frame []byte) {
	s.enqueue(outbound{kind: websocket.MessageBinary, data: frame})
}

func (s *session) sendFrame(frameType FrameType, payload []byte) {
	s.sendRaw(EncodeFrame(frameType, payload))
}

func (s *session) sendEnvelope(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.enqueue(outbound{kind: websocket.MessageText, data: data})
}

func (s *session) enqueue(out outbound) {
	select {
	case s.send <- out:
	case <-s.done:
	default:
		s.logger.Warn("send queue full, dropping message", nil)
		s.room.hub.metrics.IncrementCounter("dropped_frames", 1)
	}
}

// markSeen records a message id, reporting false on duplicates. The
// window is bounded; the oldest ids age out first.
func (s *session) markSeen(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[messageID]; ok {
		return false
	}
	s.seen[messageID] = struct{}{}
	s.seenOrder = append(s.seenOrder, messageID)
	if len(s.seenOrder) > dedupWindow {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
	}
	return true
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
}
