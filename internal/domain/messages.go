package domain

import (
	"encoding/json"
	"time"
)

// WebSocket message types. auth, private_chat and group_chat travel both
// ways; user_status and error are server-only.
const (
	MsgTypeAuth        = "auth"
	MsgTypePrivateChat = "private_chat"
	MsgTypeGroupChat   = "group_chat"
	MsgTypeUserStatus  = "user_status"
	MsgTypeError       = "error"
	MsgTypeLogout      = "logout"
)

// Envelope is the frame shape for every WebSocket message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client -> Server payloads

type AuthRequest struct {
	Token string `json:"token"`
}

// SendRequest is the payload of an inbound private_chat or group_chat.
type SendRequest struct {
	ReceiverID *int64 `json:"receiverId,omitempty" validate:"omitempty,gt=0"`
	GroupID    *int64 `json:"groupId,omitempty" validate:"omitempty,gt=0"`
	Content    string `json:"content" validate:"required"`
	Kind       Kind   `json:"kind,omitempty" validate:"omitempty,oneof=text image file"`
}

// Server -> Client payloads

type AuthResult struct {
	Success bool  `json:"success"`
	UserID  int64 `json:"userId"`
}

// MessageView is the wire form of a persisted Message.
type MessageView struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"senderId"`
	ReceiverID *int64    `json:"receiverId,omitempty"`
	GroupID    *int64    `json:"groupId,omitempty"`
	Content    string    `json:"content"`
	Kind       Kind      `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
}

type UserStatus struct {
	UserID int64 `json:"userId"`
	Online bool  `json:"online"`
}

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewFrame encodes payload under msgType as a ready-to-send frame.
func NewFrame(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// NewErrorFrame encodes an error frame. Encoding a fixed struct cannot fail.
func NewErrorFrame(code ErrorCode, message string) []byte {
	frame, _ := NewFrame(MsgTypeError, ErrorPayload{Code: code, Message: message})
	return frame
}
