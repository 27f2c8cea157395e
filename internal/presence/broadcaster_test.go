package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/internal/hub"
)

type recordingConn struct {
	id     string
	userID int64

	mu     sync.Mutex
	frames [][]byte
}

func (c *recordingConn) ID() string    { return c.id }
func (c *recordingConn) UserID() int64 { return c.userID }
func (c *recordingConn) Close()        {}

func (c *recordingConn) Push(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return true
}

func (c *recordingConn) statuses(t *testing.T) []domain.UserStatus {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.UserStatus
	for _, f := range c.frames {
		var env domain.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		require.Equal(t, domain.MsgTypeUserStatus, env.Type)
		var st domain.UserStatus
		require.NoError(t, json.Unmarshal(env.Payload, &st))
		out = append(out, st)
	}
	return out
}

type recordingSink struct {
	mu    sync.Mutex
	calls []domain.UserStatus
	err   error
}

func (s *recordingSink) SetOnline(_ context.Context, userID int64, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, domain.UserStatus{UserID: userID, Online: online})
	return s.err
}

func (s *recordingSink) PublishPresence(ctx context.Context, userID int64, online bool) error {
	return s.SetOnline(ctx, userID, online)
}

func (s *recordingSink) recorded() []domain.UserStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.UserStatus(nil), s.calls...)
}

func connect(t *testing.T, r *hub.Registry, b *Broadcaster, c *recordingConn) {
	t.Helper()
	first, err := r.Register(c.userID, c)
	require.NoError(t, err)
	if first {
		b.Notify(c.userID)
	}
}

func disconnect(r *hub.Registry, b *Broadcaster, c *recordingConn) {
	if r.Deregister(c.userID, c) {
		b.Notify(c.userID)
	}
}

func TestBroadcaster_ConnectAnnouncesOnceToOthersOnly(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	// Given user 2 and 3 already online
	r := hub.NewRegistry()
	b := NewBroadcaster(r)
	u2 := &recordingConn{id: "u2", userID: 2}
	u3 := &recordingConn{id: "u3", userID: 3}
	connect(t, r, b, u2)
	connect(t, r, b, u3)
	b.drain(ctx)
	u2.frames, u3.frames = nil, nil

	// When user 1 connects on two devices
	u1a := &recordingConn{id: "u1a", userID: 1}
	u1b := &recordingConn{id: "u1b", userID: 1}
	connect(t, r, b, u1a)
	connect(t, r, b, u1b)
	b.drain(ctx)

	// Then
	want := []domain.UserStatus{{UserID: 1, Online: true}}
	req.Equal(want, u2.statuses(t))
	req.Equal(want, u3.statuses(t))
	req.Empty(u1a.statuses(t))
	req.Empty(u1b.statuses(t))
}

func TestBroadcaster_LastDisconnectAnnouncesOffline(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	r := hub.NewRegistry()
	sink := &recordingSink{}
	b := NewBroadcaster(r, WithSinks(sink))
	watcher := &recordingConn{id: "w", userID: 9}
	a1 := &recordingConn{id: "a1", userID: 1}
	a2 := &recordingConn{id: "a2", userID: 1}
	connect(t, r, b, watcher)
	connect(t, r, b, a1)
	connect(t, r, b, a2)
	b.drain(ctx)

	disconnect(r, b, a1)
	b.drain(ctx)
	disconnect(r, b, a2)
	b.drain(ctx)
	b.drainSinks(ctx)

	req.Equal([]domain.UserStatus{
		{UserID: 1, Online: true},
		{UserID: 1, Online: false},
	}, watcher.statuses(t))
	req.Equal([]domain.UserStatus{
		{UserID: 9, Online: true},
		{UserID: 1, Online: true},
		{UserID: 1, Online: false},
	}, sink.recorded())
}

func TestBroadcaster_RapidCycleCollapsesToNetChange(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	r := hub.NewRegistry()
	sink := &recordingSink{}
	b := NewBroadcaster(r, WithSinks(sink))
	watcher := &recordingConn{id: "w", userID: 9}
	connect(t, r, b, watcher)
	b.drain(ctx)
	watcher.frames = nil

	// When user 1 connects and disconnects before the worker runs
	c := &recordingConn{id: "c", userID: 1}
	for i := 0; i < 5; i++ {
		connect(t, r, b, c)
		disconnect(r, b, c)
	}
	b.drain(ctx)
	b.drainSinks(ctx)

	// Then nothing changed, so nothing is announced
	req.Empty(watcher.statuses(t))
	req.Len(sink.recorded(), 1)
}

func TestBroadcaster_SinkFailureDoesNotStopDelivery(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	r := hub.NewRegistry()
	failing := &recordingSink{err: errors.New("db down")}
	relay := &recordingSink{}
	b := NewBroadcaster(r, WithSinks(failing), WithPublisher(relay))
	watcher := &recordingConn{id: "w", userID: 9}
	connect(t, r, b, watcher)
	b.drain(ctx)
	watcher.frames = nil

	connect(t, r, b, &recordingConn{id: "c", userID: 1})
	b.drain(ctx)
	b.drainSinks(ctx)

	req.Equal([]domain.UserStatus{{UserID: 1, Online: true}}, watcher.statuses(t))
	req.Contains(relay.recorded(), domain.UserStatus{UserID: 1, Online: true})
}

func TestBroadcaster_RunProcessesNotifications(t *testing.T) {
	req := require.New(t)

	r := hub.NewRegistry()
	b := NewBroadcaster(r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	watcher := &recordingConn{id: "w", userID: 9}
	connect(t, r, b, watcher)
	connect(t, r, b, &recordingConn{id: "c", userID: 1})

	req.Eventually(func() bool {
		return len(watcher.statuses(t)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

type hangingSink struct{}

func (hangingSink) SetOnline(ctx context.Context, _ int64, _ bool) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBroadcaster_HungSinkDoesNotDelayFrames(t *testing.T) {
	req := require.New(t)

	// Given a sink that hangs until its timeout
	r := hub.NewRegistry()
	b := NewBroadcaster(r, WithSinks(hangingSink{}), WithSinkTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	watcher := &recordingConn{id: "w", userID: 9}
	connect(t, r, b, watcher)

	// When three users connect together
	for _, id := range []int64{1, 2, 3} {
		connect(t, r, b, &recordingConn{id: fmt.Sprintf("u%d", id), userID: id})
	}

	// Then all three are announced well before one sink timeout
	req.Eventually(func() bool {
		return len(watcher.statuses(t)) == 3
	}, 300*time.Millisecond, 5*time.Millisecond)
}

// drainSinks applies queued sink changes on the calling goroutine.
func (b *Broadcaster) drainSinks(ctx context.Context) {
	for {
		select {
		case c := <-b.changes:
			b.apply(ctx, c)
		default:
			return
		}
	}
}
