// Package websocket defines the wire-level message model shared by the
// sync transport client and server.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType identifies a control-plane message
type MessageType string

// Control-plane message types
const (
	MessageTypeEditOperation      MessageType = "edit_operation"
	MessageTypeCursorUpdate       MessageType = "cursor_update"
	MessageTypePresenceBroadcast  MessageType = "presence_broadcast"
	MessageTypeConflictDetected   MessageType = "conflict_detected"
	MessageTypeResolveConflict    MessageType = "resolve_conflict"
	MessageTypeSyncState          MessageType = "sync_state"
	MessageTypeOperationApplied   MessageType = "operation_applied"
	MessageTypeOperationBroadcast MessageType = "operation_broadcast"
	MessageTypePing               MessageType = "ping"
	MessageTypePong               MessageType = "pong"
)

// Message is the JSON control-plane envelope. CRDT sync and awareness
// frames travel on the parallel binary sub-protocol instead.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // origin send time, unix ms
	MessageID string          `json:"message_id"`
	UserID    string          `json:"user_id"`
	RoomID    string          `json:"room_id"` // tenantId:recordId
}

// NewMessage builds an envelope with the send time stamped
func NewMessage(msgType MessageType, messageID, userID, roomID string, data json.RawMessage) *Message {
	return &Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		MessageID: messageID,
		UserID:    userID,
		RoomID:    roomID,
	}
}

// Error represents a transport-level error response
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error codes
const (
	ErrCodeProtocol    = 4400
	ErrCodeAuth        = 4401
	ErrCodeRateLimited = 4429
	ErrCodeServer      = 4500
)
