package store

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/pkg/database"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"gorm.io/gorm"
)

// MessageModel is the messages table. receiver_id and group_id are both
// nullable; exactly one is set for every row written by GormStore.
type MessageModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	SenderID   int64     `gorm:"not null;index"`
	ReceiverID *int64    `gorm:"index"`
	GroupID    *int64    `gorm:"index"`
	Content    string    `gorm:"type:text;not null"`
	MsgType    string    `gorm:"size:20;not null;default:'text'"`
	Timestamp  time.Time `gorm:"not null;index"`
}

func (MessageModel) TableName() string {
	return "messages"
}

// GormStore is the SQL Gateway (sqlite, postgres, mysql).
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates or updates the messages table.
func (s *GormStore) Migrate() error {
	return database.AutoMigrate(s.db, &MessageModel{})
}

func (s *GormStore) Append(ctx context.Context, senderID int64, target domain.Target, content string, kind domain.Kind) (*domain.Message, error) {
	receiverID, groupID := domain.Columns(target)
	if receiverID == nil && groupID == nil {
		return nil, fmt.Errorf("append message: missing target")
	}

	row := MessageModel{
		SenderID:   senderID,
		ReceiverID: receiverID,
		GroupID:    groupID,
		Content:    content,
		MsgType:    string(kind.OrDefault()),
		Timestamp:  s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("append message: %w: %w", ErrStorageUnavailable, err)
	}

	return &domain.Message{
		ID:        row.ID,
		SenderID:  row.SenderID,
		Target:    target,
		Content:   row.Content,
		Kind:      domain.Kind(row.MsgType),
		Timestamp: row.Timestamp,
	}, nil
}

func (s *GormStore) HistoryBetween(ctx context.Context, userA, userB int64, limit int) ([]domain.Message, error) {
	q := s.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userA, userB, userB, userA)
	return s.recent(ctx, q, limit)
}

func (s *GormStore) HistoryForGroup(ctx context.Context, groupID int64, limit int) ([]domain.Message, error) {
	q := s.db.WithContext(ctx).Where("group_id = ?", groupID)
	return s.recent(ctx, q, limit)
}

// recent fetches the newest limit rows of q and returns them oldest first.
func (s *GormStore) recent(ctx context.Context, q *gorm.DB, limit int) ([]domain.Message, error) {
	var rows []MessageModel
	err := q.Order("timestamp DESC").Order("id DESC").
		Limit(normalizeLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w: %w", ErrStorageUnavailable, err)
	}

	l := log.Ctx(ctx)
	messages := make([]domain.Message, 0, len(rows))
	for _, row := range lo.Reverse(rows) {
		target, err := domain.TargetFromColumns(row.ReceiverID, row.GroupID)
		if err != nil {
			l.Warn().Err(err).Int64(log.FieldMessageID, row.ID).Msg("skipping malformed message row")
			continue
		}
		messages = append(messages, domain.Message{
			ID:        row.ID,
			SenderID:  row.SenderID,
			Target:    target,
			Content:   row.Content,
			Kind:      domain.Kind(row.MsgType),
			Timestamp: row.Timestamp,
		})
	}
	return messages, nil
}

// Close releases the pooled connections.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
