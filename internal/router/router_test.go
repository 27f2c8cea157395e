package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/internal/hub"
)

type memStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []domain.Message
	err    error

	// hold blocks Append for a sender until the channel is closed.
	hold    map[int64]chan struct{}
	entered chan int64
}

func (s *memStore) Append(_ context.Context, senderID int64, target domain.Target, content string, kind domain.Kind) (*domain.Message, error) {
	s.mu.Lock()
	gate := s.hold[senderID]
	s.mu.Unlock()
	if gate != nil {
		s.entered <- senderID
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.nextID++
	m := domain.Message{
		ID:        s.nextID,
		SenderID:  senderID,
		Target:    target,
		Content:   content,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	s.rows = append(s.rows, m)
	return &m, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type memMembership struct {
	groups     map[int64][]int64
	isErr      error
	membersErr error
}

func (m *memMembership) IsMember(_ context.Context, groupID, userID int64) (bool, error) {
	if m.isErr != nil {
		return false, m.isErr
	}
	return lo.Contains(m.groups[groupID], userID), nil
}

func (m *memMembership) MembersOf(_ context.Context, groupID int64) ([]int64, error) {
	if m.membersErr != nil {
		return nil, m.membersErr
	}
	return m.groups[groupID], nil
}

type recordingRelay struct {
	mu      sync.Mutex
	senders []int64
	users   [][]int64
}

func (r *recordingRelay) PublishDelivery(_ context.Context, senderID int64, userIDs []int64, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders = append(r.senders, senderID)
	r.users = append(r.users, append([]int64(nil), userIDs...))
	return nil
}

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

func (c *conn) messages(t *testing.T) []domain.MessageView {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.MessageView, 0, len(c.frames))
	for _, env := range c.frames {
		var v domain.MessageView
		require.NoError(t, json.Unmarshal(env.Payload, &v))
		out = append(out, v)
	}
	return out
}

type fixture struct {
	store   *memStore
	members *memMembership
	relay   *recordingRelay
	reg     *hub.Registry
	router  *Router
	conns   map[int64]*conn
}

func newFixture(t *testing.T, online ...int64) *fixture {
	t.Helper()
	f := &fixture{
		store:   &memStore{},
		members: &memMembership{groups: map[int64][]int64{}},
		relay:   &recordingRelay{},
		reg:     hub.NewRegistry(),
		conns:   map[int64]*conn{},
	}
	f.router = New(Config{MaxContentLength: 20}, f.store, f.members, f.reg, f.relay)
	for _, id := range online {
		c := &conn{id: fmt.Sprintf("c%d", id), userID: id}
		_, err := f.reg.Register(id, c)
		require.NoError(t, err)
		f.conns[id] = c
	}
	return f
}

func ptr(v int64) *int64 { return &v }

func requireCode(t *testing.T, err error, code domain.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, domain.CodeOf(err))
}

func TestRoute_PrivateMessageDeliveredToReceiverAndEcho(t *testing.T) {
	req := require.New(t)

	// Given
	f := newFixture(t, 1, 2, 3)

	// When
	msg, err := f.router.Route(context.Background(), 1, domain.MsgTypePrivateChat, domain.SendRequest{
		ReceiverID: ptr(2), Content: "hi bob",
	})

	// Then
	req.NoError(err)
	req.Equal(1, f.store.count())
	req.Equal(domain.KindText, msg.Kind)

	for _, id := range []int64{1, 2} {
		got := f.conns[id].messages(t)
		req.Len(got, 1)
		req.Equal(msg.ID, got[0].ID)
		req.Equal(int64(1), got[0].SenderID)
		req.Equal(ptr(2), got[0].ReceiverID)
		req.Nil(got[0].GroupID)
		req.Equal(domain.MsgTypePrivateChat, f.conns[id].frames[0].Type)
	}
	req.Empty(f.conns[3].messages(t))

	req.Equal([]int64{1}, f.relay.senders)
	req.ElementsMatch([]int64{2, 1}, f.relay.users[0])
}

func TestRoute_OfflineReceiverIsNotAnError(t *testing.T) {
	req := require.New(t)

	f := newFixture(t, 1)
	_, err := f.router.Route(context.Background(), 1, domain.MsgTypePrivateChat, domain.SendRequest{
		ReceiverID: ptr(2), Content: "later",
	})

	req.NoError(err)
	req.Equal(1, f.store.count())
	req.Len(f.conns[1].messages(t), 1)
}

func TestRoute_GroupFanOutToOtherMembersOnly(t *testing.T) {
	req := require.New(t)

	// Given group 7 = {1,2,3,5}; 4 is online but not a member; 5 is offline
	f := newFixture(t, 1, 2, 3, 4)
	f.members.groups[7] = []int64{1, 2, 3, 5}

	// When
	msg, err := f.router.Route(context.Background(), 1, domain.MsgTypeGroupChat, domain.SendRequest{
		GroupID: ptr(7), Content: "hello all", Kind: domain.KindImage,
	})

	// Then
	req.NoError(err)
	for _, id := range []int64{1, 2, 3} {
		got := f.conns[id].messages(t)
		req.Len(got, 1, "user %d", id)
		req.Equal(msg.ID, got[0].ID)
		req.Equal(ptr(7), got[0].GroupID)
		req.Nil(got[0].ReceiverID)
		req.Equal(domain.KindImage, got[0].Kind)
	}
	req.Empty(f.conns[4].messages(t))
}

func TestRoute_NonMemberRejectedBeforePersist(t *testing.T) {
	req := require.New(t)

	f := newFixture(t, 1, 2)
	f.members.groups[7] = []int64{2}

	_, err := f.router.Route(context.Background(), 1, domain.MsgTypeGroupChat, domain.SendRequest{
		GroupID: ptr(7), Content: "let me in",
	})

	requireCode(t, err, domain.CodeAuthorization)
	req.Zero(f.store.count())
	req.Empty(f.conns[2].messages(t))
}

func TestRoute_InvalidPayloadsRejectedBeforePersist(t *testing.T) {
	cases := map[string]struct {
		msgType string
		req     domain.SendRequest
	}{
		"both targets":     {domain.MsgTypePrivateChat, domain.SendRequest{ReceiverID: ptr(2), GroupID: ptr(7), Content: "x"}},
		"neither target":   {domain.MsgTypePrivateChat, domain.SendRequest{Content: "x"}},
		"group on private": {domain.MsgTypePrivateChat, domain.SendRequest{GroupID: ptr(7), Content: "x"}},
		"user on group":    {domain.MsgTypeGroupChat, domain.SendRequest{ReceiverID: ptr(2), Content: "x"}},
		"empty content":    {domain.MsgTypePrivateChat, domain.SendRequest{ReceiverID: ptr(2)}},
		"blank content":    {domain.MsgTypePrivateChat, domain.SendRequest{ReceiverID: ptr(2), Content: "   "}},
		"content too long": {domain.MsgTypePrivateChat, domain.SendRequest{ReceiverID: ptr(2), Content: "123456789012345678901"}},
		"unknown kind":     {domain.MsgTypePrivateChat, domain.SendRequest{ReceiverID: ptr(2), Content: "x", Kind: "video"}},
		"non-positive id":  {domain.MsgTypePrivateChat, domain.SendRequest{ReceiverID: ptr(0), Content: "x"}},
		"unsupported type": {domain.MsgTypeUserStatus, domain.SendRequest{ReceiverID: ptr(2), Content: "x"}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 1, 2)
			f.members.groups[7] = []int64{1, 2}

			_, err := f.router.Route(context.Background(), 1, tc.msgType, tc.req)

			requireCode(t, err, domain.CodeValidation)
			require.Zero(t, f.store.count())
			require.Empty(t, f.conns[2].messages(t))
		})
	}
}

func TestRoute_MultibyteContentCountsCharacters(t *testing.T) {
	f := newFixture(t, 1)

	// 20 characters, 60 bytes
	_, err := f.router.Route(context.Background(), 1, domain.MsgTypePrivateChat, domain.SendRequest{
		ReceiverID: ptr(2), Content: "你好你好你好你好你好你好你好你好你好你好",
	})
	require.NoError(t, err)
}

func TestRoute_StorageFailureDeliversNothing(t *testing.T) {
	req := require.New(t)

	f := newFixture(t, 1, 2)
	f.store.err = errors.New("disk on fire")

	_, err := f.router.Route(context.Background(), 1, domain.MsgTypePrivateChat, domain.SendRequest{
		ReceiverID: ptr(2), Content: "x",
	})

	requireCode(t, err, domain.CodeStorage)
	req.Empty(f.conns[1].messages(t))
	req.Empty(f.conns[2].messages(t))
	req.Empty(f.relay.senders)
}

func TestRoute_MembershipCheckFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.members.isErr = errors.New("db down")

	_, err := f.router.Route(context.Background(), 1, domain.MsgTypeGroupChat, domain.SendRequest{
		GroupID: ptr(7), Content: "x",
	})

	requireCode(t, err, domain.CodeInternal)
	require.Zero(t, f.store.count())
}

func TestRoute_MemberLookupFailureAfterPersistEchoesOnly(t *testing.T) {
	req := require.New(t)

	f := newFixture(t, 1, 2)
	f.members.groups[7] = []int64{1, 2}
	f.members.membersErr = errors.New("replica lag")

	msg, err := f.router.Route(context.Background(), 1, domain.MsgTypeGroupChat, domain.SendRequest{
		GroupID: ptr(7), Content: "x",
	})

	req.NoError(err)
	req.NotNil(msg)
	req.Equal(1, f.store.count())
	req.Len(f.conns[1].messages(t), 1)
	req.Empty(f.conns[2].messages(t))
}

func TestRoute_ManySendersKeepTheirOwnOrder(t *testing.T) {
	req := require.New(t)

	const senders, perSender = 6, 50
	online := []int64{100}
	for s := int64(1); s <= senders; s++ {
		online = append(online, s)
	}
	f := newFixture(t, online...)

	var wg sync.WaitGroup
	for s := int64(1); s <= senders; s++ {
		wg.Add(1)
		go func(sender int64) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := f.router.Route(context.Background(), sender, domain.MsgTypePrivateChat, domain.SendRequest{
					ReceiverID: ptr(100), Content: fmt.Sprintf("%d", i),
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(s)
	}
	wg.Wait()

	got := f.conns[100].messages(t)
	req.Len(got, senders*perSender)

	next := map[int64]int{}
	for _, m := range got {
		req.Equal(fmt.Sprintf("%d", next[m.SenderID]), m.Content, "sender %d out of order", m.SenderID)
		next[m.SenderID]++
	}
}

func TestRoute_ConcurrentSendsFromOneSenderArriveInAcceptanceOrder(t *testing.T) {
	req := require.New(t)

	// Given one sender submitting from two connections at once
	const perConn = 200
	f := newFixture(t, 1, 2)

	var wg sync.WaitGroup
	for c := 0; c < 2; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < perConn; i++ {
				_, err := f.router.Route(context.Background(), 1, domain.MsgTypePrivateChat, domain.SendRequest{
					ReceiverID: ptr(2), Content: fmt.Sprintf("%d-%d", c, i),
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(c)
	}
	wg.Wait()

	// Then the receiver sees the messages in the order they were persisted
	got := f.conns[2].messages(t)
	req.Len(got, 2*perConn)
	for i := 1; i < len(got); i++ {
		req.Less(got[i-1].ID, got[i].ID, "push %d arrived before an earlier accepted message", i)
	}
	req.Zero(f.router.senders.held())
}

func TestRoute_SlowStoreCallDoesNotBlockOtherSenders(t *testing.T) {
	req := require.New(t)

	// Given sender 1 stuck inside the store
	f := newFixture(t, 1, 2, 65)
	release := make(chan struct{})
	f.store.hold = map[int64]chan struct{}{1: release}
	f.store.entered = make(chan int64, 1)

	stuck := make(chan error, 1)
	go func() {
		_, err := f.router.Route(context.Background(), 1, domain.MsgTypePrivateChat, domain.SendRequest{
			ReceiverID: ptr(2), Content: "slow",
		})
		stuck <- err
	}()
	req.Equal(int64(1), <-f.store.entered)

	// When another sender routes meanwhile
	done := make(chan error, 1)
	go func() {
		_, err := f.router.Route(context.Background(), 65, domain.MsgTypePrivateChat, domain.SendRequest{
			ReceiverID: ptr(2), Content: "fast",
		})
		done <- err
	}()

	// Then it completes without waiting for sender 1
	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(time.Second):
		req.Fail("sender 65 waited on sender 1's store call")
	}
	req.Len(f.conns[2].messages(t), 1)

	close(release)
	req.NoError(<-stuck)
	req.Len(f.conns[2].messages(t), 2)
}

// held is the number of senders with a route in flight or waiting.
func (s *senderLocks) held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
