package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/postloom/postloom/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.UsageRecord) error {
	// Create instead of raw SQL so the JSONMap metadata serializes per
	// dialect (jsonb on postgres, text on sqlite).
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit int) ([]domain.UsageRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var items []domain.UsageRecord
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
