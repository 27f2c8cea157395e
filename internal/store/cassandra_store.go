package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-chat/internal/config"
	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/pkg/log"
)

// IDGenerator issues time-ordered message ids.
type IDGenerator interface {
	Next() (int64, time.Time, error)
}

const createMessagesTable = `
	CREATE TABLE IF NOT EXISTS messages_by_conversation (
		conversation_id text,
		message_id      bigint,
		sender_id       bigint,
		receiver_id     bigint,
		group_id        bigint,
		content         text,
		kind            text,
		created_at      timestamp,
		PRIMARY KEY (conversation_id, message_id)
	) WITH CLUSTERING ORDER BY (message_id DESC)`

// CassandraStore keeps one partition per conversation: a private pair or a
// group. Snowflake ids order rows within the partition.
type CassandraStore struct {
	session *gocql.Session
	ids     IDGenerator
}

// NewCassandraStore connects to the cluster. Transient failures are retried
// a bounded number of times by the session retry policy.
func NewCassandraStore(cfg config.CassandraConfig, ids IDGenerator) (*CassandraStore, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.ConnectTimeout = cfg.Timeout
	cluster.Timeout = cfg.Timeout

	retries := cfg.NumRetries
	if retries <= 0 {
		retries = 3
	}
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: retries,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create cassandra session: %w: %w", ErrStorageUnavailable, err)
	}

	return &CassandraStore{session: session, ids: ids}, nil
}

// Migrate creates the messages table if it is missing.
func (s *CassandraStore) Migrate() error {
	if err := s.session.Query(createMessagesTable).Exec(); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	return nil
}

// conversationID is the partition key for a target. Private conversations
// use the ordered user pair so both directions share a partition.
func conversationID(senderID int64, target domain.Target) string {
	switch t := target.(type) {
	case domain.PrivateTarget:
		return privateConversationID(senderID, t.UserID)
	case domain.GroupTarget:
		return fmt.Sprintf("group:%d", t.GroupID)
	}
	return ""
}

func privateConversationID(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%d:%d", a, b)
}

func (s *CassandraStore) Append(ctx context.Context, senderID int64, target domain.Target, content string, kind domain.Kind) (*domain.Message, error) {
	convID := conversationID(senderID, target)
	if convID == "" {
		return nil, fmt.Errorf("append message: missing target")
	}

	id, ts, err := s.ids.Next()
	if err != nil {
		return nil, fmt.Errorf("append message: generate id: %w", err)
	}

	receiverID, groupID := domain.Columns(target)
	kind = kind.OrDefault()

	query := `
		INSERT INTO messages_by_conversation (
			conversation_id, message_id, sender_id, receiver_id, group_id, content, kind, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	err = s.session.Query(query,
		convID, id, senderID, receiverID, groupID, content, string(kind), ts,
	).WithContext(ctx).Exec()
	if err != nil {
		return nil, fmt.Errorf("append message: %w: %w", ErrStorageUnavailable, err)
	}

	return &domain.Message{
		ID:        id,
		SenderID:  senderID,
		Target:    target,
		Content:   content,
		Kind:      kind,
		Timestamp: ts,
	}, nil
}

func (s *CassandraStore) HistoryBetween(ctx context.Context, userA, userB int64, limit int) ([]domain.Message, error) {
	return s.recent(ctx, privateConversationID(userA, userB), limit)
}

func (s *CassandraStore) HistoryForGroup(ctx context.Context, groupID int64, limit int) ([]domain.Message, error) {
	return s.recent(ctx, fmt.Sprintf("group:%d", groupID), limit)
}

func (s *CassandraStore) recent(ctx context.Context, convID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_id, sender_id, receiver_id, group_id, content, kind, created_at
			  FROM messages_by_conversation
			  WHERE conversation_id = ?
			  ORDER BY message_id DESC
			  LIMIT ?`

	iter := s.session.Query(query, convID, normalizeLimit(limit)).WithContext(ctx).Iter()

	l := log.Ctx(ctx)
	var (
		messages   []domain.Message
		id         int64
		senderID   int64
		receiverID *int64
		groupID    *int64
		content    string
		kind       string
		createdAt  time.Time
	)
	for iter.Scan(&id, &senderID, &receiverID, &groupID, &content, &kind, &createdAt) {
		target, err := domain.TargetFromColumns(receiverID, groupID)
		if err != nil {
			l.Warn().Err(err).Int64(log.FieldMessageID, id).Msg("skipping malformed message row")
		} else {
			messages = append(messages, domain.Message{
				ID:        id,
				SenderID:  senderID,
				Target:    target,
				Content:   content,
				Kind:      domain.Kind(kind),
				Timestamp: createdAt.UTC(),
			})
		}
		receiverID, groupID = nil, nil
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("load history: %w: %w", ErrStorageUnavailable, err)
	}

	return lo.Reverse(messages), nil
}

func (s *CassandraStore) Close() error {
	s.session.Close()
	return nil
}

func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "ONE":
		return gocql.One
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_ONE":
		return gocql.LocalOne
	case "EACH_QUORUM":
		return gocql.EachQuorum
	default:
		return gocql.LocalQuorum
	}
}
