package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-chat/internal/domain"
)

type fakeReader struct {
	calls     []string
	lastLimit int
	msgs      []domain.Message
	err       error
}

func (f *fakeReader) HistoryBetween(_ context.Context, a, b int64, limit int) ([]domain.Message, error) {
	f.calls = append(f.calls, "between")
	f.lastLimit = limit
	return f.msgs, f.err
}

func (f *fakeReader) HistoryForGroup(_ context.Context, groupID int64, limit int) ([]domain.Message, error) {
	f.calls = append(f.calls, "group")
	f.lastLimit = limit
	return f.msgs, f.err
}

type fakeMembership map[int64][]int64

func (m fakeMembership) IsMember(_ context.Context, groupID, userID int64) (bool, error) {
	for _, id := range m[groupID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func TestService_BetweenClampsLimit(t *testing.T) {
	cases := map[string]struct {
		limit int
		want  int
	}{
		"default":  {0, 50},
		"negative": {-3, 50},
		"within":   {20, 20},
		"capped":   {500, 100},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			reader := &fakeReader{}
			svc := NewService(reader, fakeMembership{}, 50, 100)

			_, err := svc.Between(context.Background(), 1, 2, tc.limit)

			require.NoError(t, err)
			require.Equal(t, tc.want, reader.lastLimit)
		})
	}
}

func TestService_BetweenReturnsViews(t *testing.T) {
	req := require.New(t)

	// Given
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	reader := &fakeReader{msgs: []domain.Message{
		{ID: 1, SenderID: 1, Target: domain.PrivateTarget{UserID: 2}, Content: "a", Kind: domain.KindText, Timestamp: ts},
		{ID: 2, SenderID: 2, Target: domain.PrivateTarget{UserID: 1}, Content: "b", Kind: domain.KindFile, Timestamp: ts.Add(time.Second)},
	}}
	svc := NewService(reader, fakeMembership{}, 50, 100)

	// When
	views, err := svc.Between(context.Background(), 2, 1, 10)

	// Then
	req.NoError(err)
	req.Len(views, 2)
	req.Equal(int64(1), views[0].ID)
	req.Equal(int64(2), *views[0].ReceiverID)
	req.Nil(views[0].GroupID)
	req.Equal(domain.KindFile, views[1].Kind)
}

func TestService_ForGroupRequiresMembership(t *testing.T) {
	req := require.New(t)

	reader := &fakeReader{}
	svc := NewService(reader, fakeMembership{7: {1, 2}}, 50, 100)

	_, err := svc.ForGroup(context.Background(), 3, 7, 10)
	req.ErrorIs(err, ErrNotMember)
	req.Empty(reader.calls)

	views, err := svc.ForGroup(context.Background(), 1, 7, 10)
	req.NoError(err)
	req.NotNil(views)
	req.Equal([]string{"group"}, reader.calls)
}

func TestService_StoreErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(&fakeReader{err: boom}, fakeMembership{}, 50, 100)

	_, err := svc.Between(context.Background(), 1, 2, 10)

	require.ErrorIs(t, err, boom)
}

type gatedReader struct {
	entered chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (g *gatedReader) HistoryBetween(ctx context.Context, _, _ int64, _ int) ([]domain.Message, error) {
	g.entered <- struct{}{}
	<-g.release
	g.ctxErr <- ctx.Err()
	return []domain.Message{{ID: 9, SenderID: 1, Target: domain.PrivateTarget{UserID: 2}, Content: "x"}}, nil
}

func (g *gatedReader) HistoryForGroup(context.Context, int64, int) ([]domain.Message, error) {
	return nil, nil
}

func TestService_CancelledCallerDoesNotFailSharedRead(t *testing.T) {
	req := require.New(t)

	// Given a read in flight for a caller that then goes away
	reader := &gatedReader{entered: make(chan struct{}, 1), release: make(chan struct{}), ctxErr: make(chan error, 2)}
	svc := NewService(reader, fakeMembership{}, 50, 100)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := svc.Between(ctx, 1, 2, 10)
		first <- err
	}()
	<-reader.entered
	cancel()
	req.ErrorIs(<-first, context.Canceled)

	// When another caller asks for the same conversation
	second := make(chan []domain.MessageView, 1)
	go func() {
		views, err := svc.Between(context.Background(), 2, 1, 10)
		if err != nil {
			views = nil
		}
		second <- views
	}()
	time.Sleep(20 * time.Millisecond)
	close(reader.release)

	// Then the store query ran to completion and the second caller got rows
	req.NoError(<-reader.ctxErr)
	select {
	case views := <-second:
		req.Len(views, 1)
		req.Equal(int64(9), views[0].ID)
	case <-reader.entered:
		// The second call missed the shared flight and queried on its own.
		req.NoError(<-reader.ctxErr)
		req.Len(<-second, 1)
	case <-time.After(time.Second):
		req.Fail("second caller did not receive history")
	}
}
