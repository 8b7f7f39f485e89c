package transport

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"

	ws "github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models/websocket"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
)

// Auth errors
var (
	ErrMissingToken = errors.New("missing auth token")
	ErrInvalidToken = errors.New("invalid auth token")
)

// Server exposes the collaborative endpoint over HTTP. Each accepted
// connection becomes a session in the record's room.
type Server struct {
	hub    *Hub
	router *gin.Engine
	logger observability.Logger
}

// NewServer builds the HTTP surface in front of the hub
func NewServer(hub *Hub, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		hub:    hub,
		router: gin.New(),
		logger: logger.WithPrefix("server"),
	}
	s.router.Use(gin.Recovery())
	s.router.GET("/collaborate/:tenantId/:recordId", s.handleCollaborate)
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/rooms/:tenantId/:recordId/latency", s.handleLatency)
	s.router.GET("/rooms/:tenantId/:recordId/embedding", s.handleEmbedding)
	return s
}

// Handler returns the HTTP handler, for mounting or for tests
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleCollaborate(c *gin.Context) {
	tenantID := c.Param("tenantId")
	recordID := c.Param("recordId")
	userID := c.Query("user_id")

	if s.hub.cfg.RequireAuth {
		subject, err := s.validateToken(c.Query("token"))
		if err != nil {
			s.logger.Warn("rejecting connection", map[string]interface{}{
				"tenant_id": tenantID,
				"record_id": recordID,
				"error":     err.Error(),
			})
			c.JSON(http.StatusUnauthorized, gin.H{"code": ws.ErrCodeAuth, "error": "unauthorized"})
			return
		}
		if userID == "" {
			userID = subject
		}
	}
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": ws.ErrCodeProtocol, "error": "user_id required"})
		return
	}

	room, err := s.hub.Room(tenantID, recordID)
	if err != nil {
		s.logger.Error("failed to open room", map[string]interface{}{
			"tenant_id": tenantID,
			"record_id": recordID,
			"error":     err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"code": ws.ErrCodeServer, "error": "room unavailable"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy enforced upstream
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	sess := newSession(room, conn, userID, userID)
	room.join(sess)
	sess.run(c.Request.Context())
}

func (s *Server) handleLatency(c *gin.Context) {
	roomID := RoomID(c.Param("tenantId"), c.Param("recordId"))

	s.hub.mu.RLock()
	room, ok := s.hub.rooms[roomID]
	s.hub.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not open"})
		return
	}

	msg, e2e := room.Monitors()
	c.JSON(http.StatusOK, gin.H{
		"message":    msg.Snapshot(),
		"end_to_end": e2e.Snapshot(),
	})
}

func (s *Server) handleEmbedding(c *gin.Context) {
	roomID := RoomID(c.Param("tenantId"), c.Param("recordId"))

	s.hub.mu.RLock()
	room, ok := s.hub.rooms[roomID]
	s.hub.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not open"})
		return
	}
	mgr := room.Embedding()
	if mgr == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "embedding not configured"})
		return
	}

	status := mgr.Status(room.recordID)
	out := gin.H{"record_id": room.recordID, "status": status}
	if vector, ok := mgr.Vector(room.recordID); ok {
		out["dimensions"] = len(vector)
	}
	c.JSON(http.StatusOK, out)
}

// validateToken verifies an externally issued HMAC JWT and returns its
// subject.
func (s *Server) validateToken(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Wrapf(ErrInvalidToken, "unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.hub.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	subject, _ := claims["sub"].(string)
	return subject, nil
}
