package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// Balance is the read view of one account.
type Balance struct {
	UserID           snowflake.ID `json:"user_id"`
	TotalCredits     int64        `json:"total_credits"`
	UsedCredits      int64        `json:"used_credits"`
	RemainingCredits int64        `json:"remaining_credits"`
	LastPaymentAt    *time.Time   `json:"last_payment_at,omitempty"`
}

type GrantResult struct {
	Granted        bool   `json:"granted"`
	CreditsGranted int64  `json:"credits_granted"`
	Message        string `json:"message"`
	Balance        Balance
}

type ApplyPaymentRequest struct {
	ExternalReference string
	UserID            snowflake.ID
	PlanID            string
	AmountCents       int64
	Currency          string
	CreditsToAdd      int64
}

type PaymentResult struct {
	PaymentID           snowflake.ID `json:"payment_id"`
	WasDuplicate        bool         `json:"was_duplicate"`
	CreditsAdded        int64        `json:"credits_added"`
	NewTotalCredits     int64        `json:"new_total_credits"`
	NewRemainingCredits int64        `json:"new_remaining_credits"`
}

type DeductRequest struct {
	UserID           snowflake.ID
	CreditsRequested int64
	Feature          string
	GenerationType   string
	ModelVersion     string
	Metadata         map[string]any
}

type DeductResult struct {
	Success          bool       `json:"success"`
	Message          string     `json:"message"`
	RemainingBalance int64      `json:"remaining_balance"`
	UsageID          *uuid.UUID `json:"usage_id,omitempty"`
}

var (
	ErrInvalidUser      = errors.New("credit: invalid user id")
	ErrInvalidCredits   = errors.New("credit: credits must be positive")
	ErrInvalidReference = errors.New("credit: external reference is required")
	ErrInvalidAmount    = errors.New("credit: amount must not be negative")
	ErrInvalidFeature   = errors.New("credit: feature is required")
)

// Service is the only writer of accounts, payments and usage rows. Every
// operation runs as one transaction holding the account row lock.
type Service interface {
	GrantSignupCredits(ctx context.Context, userID snowflake.ID) (*GrantResult, error)
	ApplyPayment(ctx context.Context, req ApplyPaymentRequest) (*PaymentResult, error)
	DeductCredits(ctx context.Context, req DeductRequest) (*DeductResult, error)
	GetBalance(ctx context.Context, userID snowflake.ID) (Balance, error)
}
