// Package relay carries live deliveries and presence changes between chat
// server instances over pkg/pubsub.
package relay

import (
	"context"
	"fmt"
	"strconv"

	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/internal/hub"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/pubsub"
)

// Registry is the local connection registry remote events are applied to.
type Registry interface {
	IsOnline(userID int64) bool
	Dispatch(a hub.Audience, frame []byte) int
}

// Bridge publishes local events for other instances and replays theirs
// against the local registry. Events carrying this instance's id are ignored.
type Bridge struct {
	ps         pubsub.PubSub
	instanceID string
	registry   Registry
	doneCh     chan struct{}
}

func NewBridge(ps pubsub.PubSub, instanceID string, registry Registry) *Bridge {
	return &Bridge{
		ps:         ps,
		instanceID: instanceID,
		registry:   registry,
		doneCh:     make(chan struct{}),
	}
}

// PublishDelivery asks other instances to push frame to their connections of userIDs.
func (b *Bridge) PublishDelivery(ctx context.Context, senderID int64, userIDs []int64, frame []byte) error {
	event, err := pubsub.NewEvent(pubsub.EventDeliver, strconv.FormatInt(senderID, 10), b.instanceID, pubsub.DeliverPayload{
		UserIDs: userIDs,
		Frame:   frame,
	})
	if err != nil {
		return err
	}
	return b.ps.Publish(ctx, pubsub.DeliverChannel(senderID), event)
}

// PublishPresence announces a local presence transition.
func (b *Bridge) PublishPresence(ctx context.Context, userID int64, online bool) error {
	event, err := pubsub.NewEvent(pubsub.EventPresence, strconv.FormatInt(userID, 10), b.instanceID, pubsub.PresencePayload{
		UserID: userID,
		Online: online,
	})
	if err != nil {
		return err
	}
	return b.ps.Publish(ctx, pubsub.PresenceChannel(userID), event)
}

// Start subscribes to the relay channels and consumes them until ctx is done.
// Subscriptions are active when Start returns.
func (b *Bridge) Start(ctx context.Context) error {
	deliveries, err := b.ps.SubscribePattern(ctx, pubsub.PatternDeliver)
	if err != nil {
		return fmt.Errorf("failed to subscribe to deliveries: %w", err)
	}
	presence, err := b.ps.SubscribePattern(ctx, pubsub.PatternPresence)
	if err != nil {
		return fmt.Errorf("failed to subscribe to presence: %w", err)
	}

	go b.consume(ctx, deliveries, presence)

	l := log.L()
	l.Info().Str(log.FieldInstance, b.instanceID).Msg("relay started")
	return nil
}

// Done is closed when the consumer loop exits.
func (b *Bridge) Done() <-chan struct{} { return b.doneCh }

func (b *Bridge) consume(ctx context.Context, deliveries, presence <-chan *pubsub.Event) {
	defer close(b.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-deliveries:
			if !ok {
				return
			}
			b.handle(event)
		case event, ok := <-presence:
			if !ok {
				return
			}
			b.handle(event)
		}
	}
}

func (b *Bridge) handle(event *pubsub.Event) {
	if event.Origin == b.instanceID {
		return
	}
	l := log.L()

	switch event.Type {
	case pubsub.EventDeliver:
		var p pubsub.DeliverPayload
		if err := event.UnmarshalPayload(&p); err != nil {
			l.Warn().Err(err).Str(log.FieldInstance, event.Origin).Msg("relay: invalid delivery payload")
			return
		}
		if len(p.UserIDs) == 0 || len(p.Frame) == 0 {
			return
		}
		b.registry.Dispatch(hub.Users(p.UserIDs...), p.Frame)

	case pubsub.EventPresence:
		var p pubsub.PresencePayload
		if err := event.UnmarshalPayload(&p); err != nil {
			l.Warn().Err(err).Str(log.FieldInstance, event.Origin).Msg("relay: invalid presence payload")
			return
		}
		// A user connected here too is still online regardless of what
		// another instance saw.
		if !p.Online && b.registry.IsOnline(p.UserID) {
			return
		}
		frame, err := domain.NewFrame(domain.MsgTypeUserStatus, domain.UserStatus{UserID: p.UserID, Online: p.Online})
		if err != nil {
			l.Error().Err(err).Msg("relay: failed to encode user_status")
			return
		}
		b.registry.Dispatch(hub.AllExcept(p.UserID), frame)

	default:
		l.Debug().Str(log.FieldEventType, event.Type).Msg("relay: ignoring unknown event")
	}
}

// Close releases the underlying pub/sub connection.
func (b *Bridge) Close() error {
	return b.ps.Close()
}
