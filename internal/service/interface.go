package service

import (
	"context"

	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/internal/hub"
)

// ChatService reacts to the inbound events of one websocket connection.
// All methods are called from that connection's read goroutine.
type ChatService interface {
	HandleAuth(ctx context.Context, client *hub.Client, token string) error
	HandleSend(ctx context.Context, client *hub.Client, msgType string, req domain.SendRequest) error
	HandleLogout(ctx context.Context, client *hub.Client) error
	HandleDisconnect(ctx context.Context, client *hub.Client) error
}

// Verifier resolves a bearer credential to a user id.
type Verifier interface {
	VerifyCredential(ctx context.Context, token string) (int64, error)
}

// Router routes one chat message from an authenticated sender.
type Router interface {
	Route(ctx context.Context, senderID int64, msgType string, req domain.SendRequest) (*domain.Message, error)
}

// PresenceNotifier is told about registry transitions.
type PresenceNotifier interface {
	Notify(userID int64)
}

// Registry tracks authenticated connections.
type Registry interface {
	Register(userID int64, conn hub.Conn) (bool, error)
	Deregister(userID int64, conn hub.Conn) bool
}
