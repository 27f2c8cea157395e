// Package history serves the REST read path over the message store.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-chat/internal/domain"
	"golang.org/x/sync/singleflight"
)

// fetchTimeout bounds a shared store query. The query outlives any single
// caller so one cancelled request cannot fail the others waiting on it.
const fetchTimeout = 5 * time.Second

// ErrNotMember is returned when the caller asks for a group it is not in.
var ErrNotMember = errors.New("caller is not a member of the group")

// Reader is the read side of the message store.
type Reader interface {
	HistoryBetween(ctx context.Context, userA, userB int64, limit int) ([]domain.Message, error)
	HistoryForGroup(ctx context.Context, groupID int64, limit int) ([]domain.Message, error)
}

type Membership interface {
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
}

type Service interface {
	Between(ctx context.Context, callerID, otherID int64, limit int) ([]domain.MessageView, error)
	ForGroup(ctx context.Context, callerID, groupID int64, limit int) ([]domain.MessageView, error)
}

type service struct {
	reader       Reader
	membership   Membership
	defaultLimit int
	maxLimit     int
	sf           singleflight.Group
}

func NewService(reader Reader, membership Membership, defaultLimit, maxLimit int) Service {
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	if maxLimit <= 0 {
		maxLimit = 100
	}
	return &service{
		reader:       reader,
		membership:   membership,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// Between returns the conversation of callerID and otherID, oldest first.
func (s *service) Between(ctx context.Context, callerID, otherID int64, limit int) ([]domain.MessageView, error) {
	limit = s.clamp(limit)
	a, b := min(callerID, otherID), max(callerID, otherID)
	key := fmt.Sprintf("dm:%d:%d:%d", a, b, limit)

	return s.do(ctx, key, func(ctx context.Context) ([]domain.Message, error) {
		return s.reader.HistoryBetween(ctx, a, b, limit)
	})
}

// ForGroup returns a group's messages, oldest first, if callerID is a member.
func (s *service) ForGroup(ctx context.Context, callerID, groupID int64, limit int) ([]domain.MessageView, error) {
	member, err := s.membership.IsMember(ctx, groupID, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check membership: %w", err)
	}
	if !member {
		return nil, ErrNotMember
	}

	limit = s.clamp(limit)
	key := fmt.Sprintf("group:%d:%d", groupID, limit)

	return s.do(ctx, key, func(ctx context.Context) ([]domain.Message, error) {
		return s.reader.HistoryForGroup(ctx, groupID, limit)
	})
}

// do collapses concurrent identical reads into one store query.
func (s *service) do(ctx context.Context, key string, fetch func(context.Context) ([]domain.Message, error)) ([]domain.MessageView, error) {
	ch := s.sf.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		msgs, err := fetch(fetchCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to get messages from store: %w", err)
		}
		return lo.Map(msgs, func(m domain.Message, _ int) domain.MessageView {
			return m.View()
		}), nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	views, ok := res.Val.([]domain.MessageView)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	return views, nil
}

func (s *service) clamp(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	return min(limit, s.maxLimit)
}
