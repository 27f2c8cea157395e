// Package membership reads group membership and user rows owned by the
// identity service. The chat core never writes membership.
package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-chat/pkg/database"
	"gorm.io/gorm"
)

// ErrUnavailable wraps lookup failures of the backing database.
var ErrUnavailable = errors.New("membership lookup unavailable")

// User is the shared users table. The chat core only updates IsOnline.
type User struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Username     string    `gorm:"size:64;uniqueIndex;not null"`
	PasswordHash string    `gorm:"size:255"`
	AvatarURL    string    `gorm:"size:255"`
	IsOnline     bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time
}

type Group struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:100;not null"`
	OwnerID   int64  `gorm:"not null;index"`
	CreatedAt time.Time
}

type GroupMember struct {
	ID       int64 `gorm:"primaryKey;autoIncrement"`
	GroupID  int64 `gorm:"not null;uniqueIndex:idx_group_member"`
	UserID   int64 `gorm:"not null;uniqueIndex:idx_group_member;index"`
	JoinedAt time.Time
}

// Repository answers membership questions from the group_members table.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the shared tables when running without the identity service.
func (r *Repository) Migrate() error {
	return database.AutoMigrate(r.db, &User{}, &Group{}, &GroupMember{})
}

func (r *Repository) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check membership: %w: %w", ErrUnavailable, err)
	}
	return count > 0, nil
}

func (r *Repository) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&GroupMember{}).
		Where("group_id = ?", groupID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list members: %w: %w", ErrUnavailable, err)
	}
	return ids, nil
}

// SetOnline updates the presence flag on the user row.
func (r *Repository) SetOnline(ctx context.Context, userID int64, online bool) error {
	err := r.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("is_online", online).Error
	if err != nil {
		return fmt.Errorf("set online flag: %w", err)
	}
	return nil
}
