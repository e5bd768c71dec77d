package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UsageRecord is one successful deduction. Rejected attempts are never
// persisted here.
type UsageRecord struct {
	ID             uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid"`
	UserID         snowflake.ID      `json:"user_id" gorm:"not null;index"`
	CreditsUsed    int64             `json:"credits_used" gorm:"not null"`
	Feature        string            `json:"feature" gorm:"type:text;not null"`
	GenerationType string            `json:"generation_type" gorm:"type:text"`
	ModelVersion   string            `json:"model_version" gorm:"type:text"`
	Success        bool              `json:"success" gorm:"not null"`
	Metadata       datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt      time.Time         `json:"created_at" gorm:"not null"`
}

func (UsageRecord) TableName() string { return "usage_records" }

var (
	ErrInvalidCredits = errors.New("usage: credits must be positive")
	ErrInvalidFeature = errors.New("usage: feature is required")
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *UsageRecord) error

	// ListByUser returns a user's usage history, newest first.
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit int) ([]UsageRecord, error)
}
