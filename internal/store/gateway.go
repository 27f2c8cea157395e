// Package store persists chat messages and serves history reads.
package store

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-io-chat/internal/domain"
)

// DefaultHistoryLimit is used when a history read passes limit <= 0.
const DefaultHistoryLimit = 50

// ErrStorageUnavailable wraps every failure of the backing store.
var ErrStorageUnavailable = errors.New("message storage unavailable")

// Gateway is the append-only message store. Append assigns the id and the
// timestamp; callers never supply them. History reads return the limit most
// recent messages in ascending (timestamp, id) order.
type Gateway interface {
	Append(ctx context.Context, senderID int64, target domain.Target, content string, kind domain.Kind) (*domain.Message, error)
	HistoryBetween(ctx context.Context, userA, userB int64, limit int) ([]domain.Message, error)
	HistoryForGroup(ctx context.Context, groupID int64, limit int) ([]domain.Message, error)
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}
