package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/postloom/postloom/internal/payment/domain"
	pkgdb "github.com/postloom/postloom/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByReference(ctx context.Context, db *gorm.DB, externalReference string) (*domain.PaymentRecord, error) {
	var item domain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, external_reference, plan_id, amount_cents,
			currency, credits_granted, status, created_at
		 FROM payment_records
		 WHERE external_reference = ?
		 LIMIT 1`,
		externalReference,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByReferenceForUpdate(ctx context.Context, db *gorm.DB, externalReference string) (*domain.PaymentRecord, error) {
	query := `SELECT id, user_id, external_reference, plan_id, amount_cents,
			currency, credits_granted, status, created_at
		 FROM payment_records
		 WHERE external_reference = ?
		 LIMIT 1`

	// sqlite has no FOR UPDATE; the single-writer connection serializes.
	if db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var item domain.PaymentRecord
	if err := db.WithContext(ctx).Raw(query, externalReference).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.PaymentRecord) (bool, error) {
	stmt := `INSERT INTO payment_records (
			id, user_id, external_reference, plan_id, amount_cents,
			currency, credits_granted, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	// mysql has no ON CONFLICT; rely on the unique index error instead.
	if db.Dialector.Name() != "mysql" {
		stmt += ` ON CONFLICT (external_reference) DO NOTHING`
	}
	res := db.WithContext(ctx).Exec(
		stmt,
		record.ID,
		record.UserID,
		record.ExternalReference,
		record.PlanID,
		record.AmountCents,
		record.Currency,
		record.CreditsGranted,
		record.Status,
		record.CreatedAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit int) ([]domain.PaymentRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var items []domain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, external_reference, plan_id, amount_cents,
			currency, credits_granted, status, created_at
		 FROM payment_records
		 WHERE user_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		userID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
