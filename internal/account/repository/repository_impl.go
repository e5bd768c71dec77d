package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/postloom/postloom/internal/account/domain"
	pkgdb "github.com/postloom/postloom/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.CreditAccount, error) {
	var item domain.CreditAccount
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, total_credits, used_credits, remaining_credits,
			last_payment_at, created_at, updated_at
		 FROM credit_accounts
		 WHERE user_id = ?
		 LIMIT 1`,
		userID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.UserID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.CreditAccount, error) {
	query := `SELECT user_id, total_credits, used_credits, remaining_credits,
			last_payment_at, created_at, updated_at
		 FROM credit_accounts
		 WHERE user_id = ?
		 LIMIT 1`

	// sqlite has no FOR UPDATE; the single-writer connection serializes.
	if db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var item domain.CreditAccount
	if err := db.WithContext(ctx).Raw(query, userID).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.UserID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *domain.CreditAccount) (bool, error) {
	stmt := `INSERT INTO credit_accounts (
			user_id, total_credits, used_credits, remaining_credits,
			last_payment_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`
	// mysql has no ON CONFLICT; rely on the primary key error instead.
	if db.Dialector.Name() != "mysql" {
		stmt += ` ON CONFLICT (user_id) DO NOTHING`
	}
	res := db.WithContext(ctx).Exec(
		stmt,
		account.UserID,
		account.TotalCredits,
		account.UsedCredits,
		account.RemainingCredits,
		account.LastPaymentAt,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ApplyDelta(ctx context.Context, db *gorm.DB, userID snowflake.ID, totalDelta, usedDelta int64, paidAt *time.Time, now time.Time) error {
	// remaining is assigned first so mysql's in-order SET evaluation still
	// computes it from the pre-update totals.
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET remaining_credits = total_credits + ? - (used_credits + ?),
			total_credits = total_credits + ?,
			used_credits = used_credits + ?,
			last_payment_at = COALESCE(?, last_payment_at),
			updated_at = ?
		 WHERE user_id = ?`,
		totalDelta,
		usedDelta,
		totalDelta,
		usedDelta,
		paidAt,
		now,
		userID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
