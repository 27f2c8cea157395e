// Package presence announces online/offline transitions to connected users.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/internal/hub"
	"github.com/weiawesome/wes-io-chat/pkg/log"
)

// Registry is the part of the connection registry the broadcaster reads.
type Registry interface {
	IsOnline(userID int64) bool
	Dispatch(a hub.Audience, frame []byte) int
}

// Sink records presence outside the process.
type Sink interface {
	SetOnline(ctx context.Context, userID int64, online bool) error
}

// Publisher forwards presence changes to other instances.
type Publisher interface {
	PublishPresence(ctx context.Context, userID int64, online bool) error
}

// sinkQueueSize bounds the changes waiting for sinks and the relay. Changes
// beyond it are dropped.
const sinkQueueSize = 1024

type change struct {
	userID int64
	online bool
}

// Broadcaster coalesces registry transitions per user and emits user_status
// from a single worker. Only net changes are emitted: a user who connects
// and disconnects before the worker runs produces nothing. Sinks and the
// relay are updated from a second worker so a slow store never delays
// frames.
type Broadcaster struct {
	registry    Registry
	sinks       []Sink
	publisher   Publisher
	sinkTimeout time.Duration

	mu      sync.Mutex
	pending map[int64]struct{}
	order   []int64
	wake    chan struct{}

	// emitted is the last state announced per user; worker-only.
	emitted map[int64]bool

	changes chan change
}

type Option func(*Broadcaster)

func WithSinks(sinks ...Sink) Option {
	return func(b *Broadcaster) { b.sinks = append(b.sinks, sinks...) }
}

func WithPublisher(p Publisher) Option {
	return func(b *Broadcaster) { b.publisher = p }
}

func WithSinkTimeout(d time.Duration) Option {
	return func(b *Broadcaster) { b.sinkTimeout = d }
}

func NewBroadcaster(registry Registry, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		registry:    registry,
		sinkTimeout: 3 * time.Second,
		pending:     make(map[int64]struct{}),
		wake:        make(chan struct{}, 1),
		emitted:     make(map[int64]bool),
		changes:     make(chan change, sinkQueueSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Notify marks userID for re-evaluation. It never blocks.
func (b *Broadcaster) Notify(userID int64) {
	b.mu.Lock()
	if _, ok := b.pending[userID]; !ok {
		b.pending[userID] = struct{}{}
		b.order = append(b.order, userID)
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run processes notifications until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	go b.runSinks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
			b.drain(ctx)
		}
	}
}

func (b *Broadcaster) drain(ctx context.Context) {
	for {
		b.mu.Lock()
		batch := b.order
		b.order = nil
		b.pending = make(map[int64]struct{}, len(b.pending))
		b.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, userID := range batch {
			b.evaluate(ctx, userID)
		}
	}
}

func (b *Broadcaster) evaluate(ctx context.Context, userID int64) {
	online := b.registry.IsOnline(userID)
	if b.emitted[userID] == online {
		return
	}
	if online {
		b.emitted[userID] = true
	} else {
		delete(b.emitted, userID)
	}

	l := log.Ctx(ctx)
	frame, err := domain.NewFrame(domain.MsgTypeUserStatus, domain.UserStatus{UserID: userID, Online: online})
	if err != nil {
		l.Error().Err(err).Int64(log.FieldUserID, userID).Msg("failed to encode user_status")
		return
	}

	n := b.registry.Dispatch(hub.AllExcept(userID), frame)
	l.Debug().
		Int64(log.FieldUserID, userID).
		Bool("online", online).
		Int(log.FieldRecipient, n).
		Msg("presence broadcast")

	if len(b.sinks) == 0 && b.publisher == nil {
		return
	}
	select {
	case b.changes <- change{userID: userID, online: online}:
	default:
		l.Warn().Int64(log.FieldUserID, userID).Bool("online", online).Msg("presence sink queue full, change dropped")
	}
}

// runSinks applies emitted changes to sinks and the relay in emission order.
func (b *Broadcaster) runSinks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-b.changes:
			b.apply(ctx, c)
		}
	}
}

func (b *Broadcaster) apply(ctx context.Context, c change) {
	l := log.Ctx(ctx)
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.sinkTimeout)
	defer cancel()

	for _, s := range b.sinks {
		if err := s.SetOnline(sinkCtx, c.userID, c.online); err != nil {
			l.Warn().Err(err).Int64(log.FieldUserID, c.userID).Msg("presence sink update failed")
		}
	}
	if b.publisher != nil {
		if err := b.publisher.PublishPresence(sinkCtx, c.userID, c.online); err != nil {
			l.Warn().Err(err).Int64(log.FieldUserID, c.userID).Msg("presence relay publish failed")
		}
	}
}
