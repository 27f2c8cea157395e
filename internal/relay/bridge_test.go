package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/internal/hub"
	"github.com/weiawesome/wes-io-chat/pkg/pubsub"
)

type conn struct {
	id     string
	userID int64

	mu     sync.Mutex
	frames []domain.Envelope
}

func (c *conn) ID() string    { return c.id }
func (c *conn) UserID() int64 { return c.userID }
func (c *conn) Close()        {}

func (c *conn) Push(frame []byte) bool {
	var env domain.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, env)
	return true
}

func (c *conn) received() []domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Envelope(nil), c.frames...)
}

type instance struct {
	registry *hub.Registry
	bridge   *Bridge
}

func startInstance(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, id string) *instance {
	t.Helper()
	ps, err := pubsub.NewRedisPubSub(pubsub.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)

	reg := hub.NewRegistry()
	b := NewBridge(ps, id, reg)
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Close() })

	return &instance{registry: reg, bridge: b}
}

func (i *instance) connect(t *testing.T, id string, userID int64) *conn {
	t.Helper()
	c := &conn{id: id, userID: userID}
	_, err := i.registry.Register(userID, c)
	require.NoError(t, err)
	return c
}

func TestBridge_DeliveryReachesOtherInstanceOnly(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr := miniredis.RunT(t)

	// Given user 1 on instance a and user 2 on instance b
	a := startInstance(t, ctx, mr, "a")
	b := startInstance(t, ctx, mr, "b")
	alice := a.connect(t, "a1", 1)
	bob := b.connect(t, "b1", 2)

	frame, err := domain.NewFrame(domain.MsgTypePrivateChat, domain.MessageView{ID: 9, SenderID: 1, Content: "hi"})
	req.NoError(err)

	// When a relays a delivery for both users
	req.NoError(a.bridge.PublishDelivery(ctx, 1, []int64{2, 1}, frame))

	// Then b pushes it to bob, and a does not replay its own event
	req.Eventually(func() bool { return len(bob.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	req.Equal(domain.MsgTypePrivateChat, bob.received()[0].Type)

	time.Sleep(50 * time.Millisecond)
	req.Empty(alice.received())
}

func TestBridge_PresenceFromOtherInstance(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr := miniredis.RunT(t)

	a := startInstance(t, ctx, mr, "a")
	b := startInstance(t, ctx, mr, "b")
	watcher := b.connect(t, "b1", 2)

	// When user 4 comes online on a
	req.NoError(a.bridge.PublishPresence(ctx, 4, true))

	// Then b announces it to its connections
	req.Eventually(func() bool { return len(watcher.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	var st domain.UserStatus
	req.NoError(json.Unmarshal(watcher.received()[0].Payload, &st))
	req.Equal(domain.UserStatus{UserID: 4, Online: true}, st)
}

func TestBridge_RemoteOfflineIgnoredWhileLocallyConnected(t *testing.T) {
	req := require.New(t)

	// Given user 3 still connected locally
	reg := hub.NewRegistry()
	b := NewBridge(nil, "b", reg)
	watcher := &conn{id: "w", userID: 2}
	_, err := reg.Register(2, watcher)
	req.NoError(err)
	_, err = reg.Register(3, &conn{id: "c3", userID: 3})
	req.NoError(err)

	// When another instance reports user 3 offline
	event, err := pubsub.NewEvent(pubsub.EventPresence, "3", "a", pubsub.PresencePayload{UserID: 3, Online: false})
	req.NoError(err)
	b.handle(event)

	// Then nothing is announced
	req.Empty(watcher.received())
}

func TestBridge_IgnoresOwnAndMalformedEvents(t *testing.T) {
	req := require.New(t)

	reg := hub.NewRegistry()
	b := NewBridge(nil, "b", reg)
	watcher := &conn{id: "w", userID: 2}
	_, err := reg.Register(2, watcher)
	req.NoError(err)

	own, err := pubsub.NewEvent(pubsub.EventPresence, "5", "b", pubsub.PresencePayload{UserID: 5, Online: true})
	req.NoError(err)
	b.handle(own)

	b.handle(&pubsub.Event{Type: pubsub.EventDeliver, Origin: "a", Payload: json.RawMessage(`"not an object"`)})
	b.handle(&pubsub.Event{Type: "something_else", Origin: "a", Payload: json.RawMessage(`{}`)})

	req.Empty(watcher.received())
}
