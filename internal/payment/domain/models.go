package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// PaymentRecord is one applied top-up. external_reference carries the
// provider's checkout id and is unique, which makes retried webhooks collapse
// onto the first insert.
type PaymentRecord struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID            snowflake.ID `json:"user_id" gorm:"not null;index"`
	ExternalReference string       `json:"external_reference" gorm:"type:text;not null;uniqueIndex"`
	PlanID            string       `json:"plan_id" gorm:"type:text;not null"`
	AmountCents       int64        `json:"amount_cents" gorm:"not null"`
	Currency          string       `json:"currency" gorm:"type:text;not null"`
	CreditsGranted    int64        `json:"credits_granted" gorm:"not null"`
	Status            string       `json:"status" gorm:"type:text;not null"`
	CreatedAt         time.Time    `json:"created_at" gorm:"not null"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

const StatusCompleted = "completed"

var (
	ErrInvalidReference = errors.New("payment: invalid external reference")
	ErrInvalidAmount    = errors.New("payment: invalid amount")
)

type Repository interface {
	// FindByReference returns nil when no payment carries the reference.
	FindByReference(ctx context.Context, db *gorm.DB, externalReference string) (*PaymentRecord, error)

	// FindByReferenceForUpdate locks the payment row and reads its latest
	// committed version. A plain read after a conflicting insert would, on
	// mysql repeatable-read, still see the transaction's pre-insert snapshot.
	FindByReferenceForUpdate(ctx context.Context, db *gorm.DB, externalReference string) (*PaymentRecord, error)

	// Insert records the payment if the reference is new. Returns false
	// when the reference already exists.
	Insert(ctx context.Context, db *gorm.DB, record *PaymentRecord) (bool, error)

	// ListByUser returns a user's payments, newest first.
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit int) ([]PaymentRecord, error)
}
