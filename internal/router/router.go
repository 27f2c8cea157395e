// Package router validates, persists and fans out chat messages.
package router

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/internal/hub"
	"github.com/weiawesome/wes-io-chat/pkg/log"
)

// Store appends messages; it assigns ids and timestamps.
type Store interface {
	Append(ctx context.Context, senderID int64, target domain.Target, content string, kind domain.Kind) (*domain.Message, error)
}

// Membership answers group membership questions.
type Membership interface {
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
	MembersOf(ctx context.Context, groupID int64) ([]int64, error)
}

// Dispatcher pushes frames to local connections.
type Dispatcher interface {
	Dispatch(a hub.Audience, frame []byte) int
}

// Relay forwards a delivery to other instances.
type Relay interface {
	PublishDelivery(ctx context.Context, senderID int64, userIDs []int64, frame []byte) error
}

type Config struct {
	MaxContentLength int
}

type Router struct {
	store      Store
	membership Membership
	dispatcher Dispatcher
	relay      Relay
	validate   *validator.Validate
	maxContent int

	senders senderLocks
}

// New creates a Router. relay may be nil for a single instance deployment.
func New(cfg Config, store Store, membership Membership, dispatcher Dispatcher, relay Relay) *Router {
	maxContent := cfg.MaxContentLength
	if maxContent <= 0 {
		maxContent = 4096
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	return &Router{
		store:      store,
		membership: membership,
		dispatcher: dispatcher,
		relay:      relay,
		validate:   v,
		maxContent: maxContent,
		senders:    senderLocks{locks: make(map[int64]*senderLock)},
	}
}

// Route handles one private_chat or group_chat from an authenticated sender.
// On success the persisted message has been pushed to every online
// recipient connection and echoed to the sender's connections. Returned
// errors are *domain.Error.
func (r *Router) Route(ctx context.Context, senderID int64, msgType string, req domain.SendRequest) (*domain.Message, error) {
	target, err := r.targetOf(msgType, req)
	if err != nil {
		return nil, err
	}
	kind := req.Kind.OrDefault()

	if g, ok := target.(domain.GroupTarget); ok {
		member, err := r.membership.IsMember(ctx, g.GroupID, senderID)
		if err != nil {
			return nil, domain.NewError(domain.CodeInternal, "group membership could not be verified", err)
		}
		if !member {
			return nil, domain.AuthorizationError(fmt.Sprintf("not a member of group %d", g.GroupID))
		}
	}

	// Persist and push under the sender's own lock so one sender's messages
	// reach every recipient in acceptance order. Other senders never wait.
	unlock := r.senders.lock(senderID)
	defer unlock()

	msg, err := r.store.Append(ctx, senderID, target, req.Content, kind)
	if err != nil {
		return nil, domain.NewError(domain.CodeStorage, "message could not be stored", err)
	}

	l := log.Ctx(ctx).With().
		Int64(log.FieldUserID, senderID).
		Int64(log.FieldMessageID, msg.ID).
		Logger()

	recipients := r.recipients(ctx, senderID, target)

	frame, err := msg.Frame()
	if err != nil {
		// The message is stored; it will be visible through history.
		l.Error().Err(err).Msg("failed to encode message frame")
		return msg, nil
	}

	audience := append(recipients, senderID)
	delivered := r.dispatcher.Dispatch(hub.Users(audience...), frame)

	if r.relay != nil {
		if err := r.relay.PublishDelivery(ctx, senderID, audience, frame); err != nil {
			l.Warn().Err(err).Msg("failed to relay delivery")
		}
	}

	l.Debug().
		Str(log.FieldEventType, msgType).
		Str("target", target.String()).
		Int(log.FieldRecipient, len(recipients)).
		Int("delivered", delivered).
		Msg("message routed")

	return msg, nil
}

// targetOf validates req against msgType and builds the Target.
func (r *Router) targetOf(msgType string, req domain.SendRequest) (domain.Target, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if n := utf8.RuneCountInString(req.Content); n > r.maxContent {
		return nil, domain.ValidationError("content is %d characters, limit is %d", n, r.maxContent)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, domain.ValidationError("content must not be blank")
	}

	switch {
	case req.ReceiverID != nil && req.GroupID != nil:
		return nil, domain.ValidationError("exactly one of receiverId or groupId must be set")
	case req.ReceiverID == nil && req.GroupID == nil:
		return nil, domain.ValidationError("exactly one of receiverId or groupId must be set")
	}

	switch msgType {
	case domain.MsgTypePrivateChat:
		if req.ReceiverID == nil {
			return nil, domain.ValidationError("private_chat requires receiverId")
		}
		return domain.PrivateTarget{UserID: *req.ReceiverID}, nil
	case domain.MsgTypeGroupChat:
		if req.GroupID == nil {
			return nil, domain.ValidationError("group_chat requires groupId")
		}
		return domain.GroupTarget{GroupID: *req.GroupID}, nil
	}
	return nil, domain.ValidationError("unsupported message type %q", msgType)
}

// recipients resolves who besides the sender receives the message. A failed
// member lookup is logged; the message is already stored.
func (r *Router) recipients(ctx context.Context, senderID int64, target domain.Target) []int64 {
	switch t := target.(type) {
	case domain.PrivateTarget:
		return lo.Without([]int64{t.UserID}, senderID)
	case domain.GroupTarget:
		members, err := r.membership.MembersOf(ctx, t.GroupID)
		if err != nil {
			l := log.Ctx(ctx)
			l.Error().Err(err).
				Int64(log.FieldGroupID, t.GroupID).
				Msg("member lookup failed after persist, delivering echo only")
			return nil
		}
		return lo.Without(lo.Uniq(members), senderID)
	}
	return nil
}

// senderLocks hands out one mutex per sender id. Entries are dropped once
// no goroutine holds or waits on them.
type senderLocks struct {
	mu    sync.Mutex
	locks map[int64]*senderLock
}

type senderLock struct {
	mu   sync.Mutex
	refs int
}

func (s *senderLocks) lock(senderID int64) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[senderID]
	if !ok {
		l = &senderLock{}
		s.locks[senderID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, senderID)
		}
		s.mu.Unlock()
	}
}
