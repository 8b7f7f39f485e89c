package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/embedding"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/graph"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/presence"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/storage"
)

// Config tunes the transport on both the server and client side. The
// zero value picks the documented defaults.
type Config struct {
	HeartbeatInterval  time.Duration
	MissedHeartbeats   int
	ReconnectInitial   time.Duration
	ReconnectMax       time.Duration
	SaveInterval       time.Duration
	RateLimitPerSecond float64
	RateLimitBurst     int
	MessageLatencyMax  time.Duration
	EndToEndLatencyMax time.Duration
	SendQueueSize      int
	MaxMessageSize     int64
	RequireAuth        bool
	JWTSecret          string
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = 3
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = 15 * time.Second
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 100
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 200
	}
	if c.MessageLatencyMax <= 0 {
		c.MessageLatencyMax = 50 * time.Millisecond
	}
	if c.EndToEndLatencyMax <= 0 {
		c.EndToEndLatencyMax = 500 * time.Millisecond
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
}

// Hub owns every live collaborative session on the server. Rooms are
// keyed tenantID:recordID and created on first join; each room carries
// its own replica, transform engine, presence channel, and monitors, so
// sessions never contend across rooms.
type Hub struct {
	mu    sync.RWMutex
	cfg   Config
	rooms map[string]*Room

	// store is the optional durable collaborator; nil disables
	// persistence.
	store       storage.Store
	graphCfg    graph.Config
	presenceCfg presence.Config

	// embedProvider is the optional embedding collaborator; nil leaves
	// rooms without vector consistency tracking.
	embedProvider embedding.Provider
	embedCfg      embedding.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewHub creates the session hub
func NewHub(cfg Config, store storage.Store, graphCfg graph.Config, presenceCfg presence.Config, logger observability.Logger, metrics observability.MetricsClient) *Hub {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:         cfg,
		rooms:       make(map[string]*Room),
		store:       store,
		graphCfg:    graphCfg,
		presenceCfg: presenceCfg,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.WithPrefix("hub"),
		metrics:     metrics,
	}
}

// SetEmbeddingProvider attaches the embedding collaborator. Rooms
// created afterwards recompute their vector when the record converges.
// Call before the first Room.
func (h *Hub) SetEmbeddingProvider(provider embedding.Provider, cfg embedding.Config) {
	h.mu.Lock()
	h.embedProvider = provider
	h.embedCfg = cfg
	h.mu.Unlock()
}

// RoomID builds the canonical room key
func RoomID(tenantID, recordID string) string {
	return fmt.Sprintf("%s:%s", tenantID, recordID)
}

// Room returns the session room for a record, creating it and replaying
// persisted state on first access.
func (h *Hub) Room(tenantID, recordID string) (*Room, error) {
	id := RoomID(tenantID, recordID)

	h.mu.RLock()
	room, ok := h.rooms[id]
	h.mu.RUnlock()
	if ok {
		return room, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[id]; ok {
		return room, nil
	}

	room = newRoom(h, id, recordID)
	if err := room.restore(h.ctx); err != nil {
		return nil, errors.Wrapf(err, "restoring room %q", id)
	}
	if h.embedProvider != nil {
		if err := room.attachEmbedding(); err != nil {
			return nil, errors.Wrapf(err, "attaching embedding to room %q", id)
		}
	}
	h.rooms[id] = room

	room.presence.Start(h.ctx)
	if h.store != nil {
		h.wg.Add(1)
		go room.saveLoop(h.ctx, &h.wg)
	}

	h.logger.Info("room opened", map[string]interface{}{
		"room_id": id,
	})
	return room, nil
}

// Rooms returns the ids of all open rooms
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		out = append(out, id)
	}
	return out
}

// Close shuts down all rooms, saving final snapshots
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	for _, room := range rooms {
		room.close()
		if h.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := h.store.SaveSnapshot(ctx, room.store.Snapshot()); err != nil {
				h.logger.Error("failed to save final snapshot", map[string]interface{}{
					"room_id": room.id,
					"error":   err.Error(),
				})
			}
			cancel()
		}
	}
}

// serverNode is the replica id the hub uses inside a room
func serverNode(roomID string) crdt.NodeID {
	return crdt.NodeID("server:" + roomID)
}
