package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// CreditAccount is the per-user balance row. remaining_credits is stored
// denormalized and must always equal total_credits - used_credits.
type CreditAccount struct {
	UserID           snowflake.ID `json:"user_id" gorm:"primaryKey;column:user_id"`
	TotalCredits     int64        `json:"total_credits" gorm:"not null"`
	UsedCredits      int64        `json:"used_credits" gorm:"not null"`
	RemainingCredits int64        `json:"remaining_credits" gorm:"not null"`
	LastPaymentAt    *time.Time   `json:"last_payment_at"`
	CreatedAt        time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time    `json:"updated_at" gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

var (
	ErrInvalidUser     = errors.New("account: invalid user id")
	ErrAccountNotFound = errors.New("account: not found")
)

// Repository persists credit accounts. Callers pass the *gorm.DB so one
// transaction can span account, payment and usage writes.
type Repository interface {
	// Find returns nil when the account does not exist.
	Find(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*CreditAccount, error)

	// FindForUpdate locks the account row for the rest of the transaction.
	FindForUpdate(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*CreditAccount, error)

	// Insert creates the account if absent. Returns false when another
	// writer created it first.
	Insert(ctx context.Context, db *gorm.DB, account *CreditAccount) (bool, error)

	// ApplyDelta adjusts the balance columns in one statement, keeping
	// remaining_credits consistent with total minus used.
	ApplyDelta(ctx context.Context, db *gorm.DB, userID snowflake.ID, totalDelta, usedDelta int64, paidAt *time.Time, now time.Time) error
}
