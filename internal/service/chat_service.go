package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/wes-io-chat/internal/audit"
	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/internal/hub"
	"github.com/weiawesome/wes-io-chat/pkg/log"
)

type chatService struct {
	baseCtx  context.Context
	verifier Verifier
	registry Registry
	router   Router
	presence PresenceNotifier
}

// NewChatService wires the handshake and routing. baseCtx outlives
// individual connections; accepted messages are routed under it so a
// client hanging up mid-send does not abort persistence.
func NewChatService(baseCtx context.Context, verifier Verifier, registry Registry, router Router, presence PresenceNotifier) ChatService {
	return &chatService{
		baseCtx:  baseCtx,
		verifier: verifier,
		registry: registry,
		router:   router,
		presence: presence,
	}
}

func (s *chatService) HandleAuth(ctx context.Context, c *hub.Client, token string) error {
	if c.Session.IsAuthenticated() {
		s.reply(c, domain.NewErrorFrame(domain.CodeValidation, "already authenticated"))
		return nil
	}

	userID, err := s.verifier.VerifyCredential(ctx, token)
	if err != nil {
		audit.LogWithDetail(ctx, audit.ActionAuthFailed, 0, c.ID(), err.Error(), "authentication failed")
		s.rejectHandshake(c, "invalid credential")
		return err
	}

	if err := c.MarkAuthenticated(userID); err != nil {
		s.rejectHandshake(c, "session cannot be authenticated")
		return fmt.Errorf("mark authenticated: %w", err)
	}

	// Reply before registering so the acknowledgement precedes any delivery.
	frame, err := domain.NewFrame(domain.MsgTypeAuth, domain.AuthResult{Success: true, UserID: userID})
	if err != nil {
		return err
	}
	s.reply(c, frame)

	first, err := s.registry.Register(userID, c)
	if err != nil {
		c.Close()
		return fmt.Errorf("register connection: %w", err)
	}
	if first {
		s.presence.Notify(userID)
	}

	audit.Log(log.WithUser(ctx, userID), audit.ActionAuth, userID, "connection authenticated")
	return nil
}

func (s *chatService) HandleSend(ctx context.Context, c *hub.Client, msgType string, req domain.SendRequest) error {
	senderID := c.UserID()
	if senderID == 0 {
		s.rejectHandshake(c, "not authenticated")
		return hub.ErrUnauthenticated
	}

	msg, err := s.router.Route(log.WithLogger(s.baseCtx, log.Ctx(ctx)), senderID, msgType, req)
	if err != nil {
		s.reply(c, domain.NewErrorFrame(domain.CodeOf(err), domain.PublicMessage(err)))

		var de *domain.Error
		if errors.As(err, &de) && de.Code == domain.CodeAuthorization {
			audit.LogWithDetail(ctx, audit.ActionRejected, senderID, targetOf(req), de.Message, "message rejected")
		}
		return err
	}

	audit.LogWithDetail(ctx, audit.ActionSendMessage, senderID, msg.Target.String(), string(msg.Kind), "message sent")
	return nil
}

func (s *chatService) HandleLogout(ctx context.Context, c *hub.Client) error {
	userID := c.UserID()
	if userID == 0 {
		s.rejectHandshake(c, "not authenticated")
		return hub.ErrUnauthenticated
	}
	audit.Log(ctx, audit.ActionLogout, userID, "logout")
	s.release(c)
	c.Close()
	return nil
}

// HandleDisconnect runs once the read loop has exited.
func (s *chatService) HandleDisconnect(ctx context.Context, c *hub.Client) error {
	userID := c.Session.UserID()
	if s.release(c) {
		audit.Log(ctx, audit.ActionDisconnect, userID, "connection closed")
	}
	c.Close()
	return nil
}

// release closes the session and deregisters it. It reports whether the
// session was authenticated when it was closed.
func (s *chatService) release(c *hub.Client) bool {
	if c.Session.Close() != domain.StateAuthenticated {
		return false
	}
	userID := c.Session.UserID()
	if s.registry.Deregister(userID, c) {
		s.presence.Notify(userID)
	}
	return true
}

func (s *chatService) rejectHandshake(c *hub.Client, message string) {
	s.reply(c, domain.NewErrorFrame(domain.CodeAuth, message))
	c.Close()
}

// reply queues a frame for the originating connection. A full buffer closes it.
func (s *chatService) reply(c *hub.Client, frame []byte) {
	if !c.Push(frame) {
		l := c.Logger()
		l.Warn().Msg("reply dropped, closing slow connection")
		c.Close()
	}
}

func targetOf(req domain.SendRequest) string {
	switch {
	case req.ReceiverID != nil:
		return domain.PrivateTarget{UserID: *req.ReceiverID}.String()
	case req.GroupID != nil:
		return domain.GroupTarget{GroupID: *req.GroupID}.String()
	}
	return ""
}
