package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	accountdomain "github.com/postloom/postloom/internal/account/domain"
	"github.com/postloom/postloom/internal/clock"
	"github.com/postloom/postloom/internal/config"
	creditdomain "github.com/postloom/postloom/internal/credit/domain"
	obsmetrics "github.com/postloom/postloom/internal/observability/metrics"
	paymentdomain "github.com/postloom/postloom/internal/payment/domain"
	usagedomain "github.com/postloom/postloom/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Credits    *config.CreditsConfigHolder
	Accounts   accountdomain.Repository
	Payments   paymentdomain.Repository
	Usage      usagedomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	credits    *config.CreditsConfigHolder
	accounts   accountdomain.Repository
	payments   paymentdomain.Repository
	usage      usagedomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) creditdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("credit.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		credits:    p.Credits,
		accounts:   p.Accounts,
		payments:   p.Payments,
		usage:      p.Usage,
		obsMetrics: p.ObsMetrics,
	}
}

// signupReference derives the deterministic payment-ledger reference for a
// signup grant, so retried triggers collapse onto the uniqueness constraint.
func signupReference(userID snowflake.ID) string {
	return "signup:" + userID.String()
}

func (s *Service) GrantSignupCredits(ctx context.Context, userID snowflake.ID) (*creditdomain.GrantResult, error) {
	if userID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}

	cfg := s.credits.Get()
	now := s.clock.Now()

	var result creditdomain.GrantResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		inserted, err := s.accounts.Insert(ctx, tx, &accountdomain.CreditAccount{
			UserID:           userID,
			TotalCredits:     cfg.SignupBonus,
			UsedCredits:      0,
			RemainingCredits: cfg.SignupBonus,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if err != nil {
			return err
		}

		if !inserted {
			account, err := s.accounts.Find(ctx, tx, userID)
			if err != nil {
				return err
			}
			result = creditdomain.GrantResult{
				Granted:        false,
				CreditsGranted: 0,
				Message:        "account already initialized",
				Balance:        toBalance(userID, account),
			}
			return nil
		}

		// Audit trail entry; conflict means a concurrent grant already
		// wrote it, which is fine.
		if _, err := s.payments.Insert(ctx, tx, &paymentdomain.PaymentRecord{
			ID:                s.genID.Generate(),
			UserID:            userID,
			ExternalReference: signupReference(userID),
			PlanID:            cfg.FreeTrialPlanID,
			AmountCents:       0,
			Currency:          "usd",
			CreditsGranted:    cfg.SignupBonus,
			Status:            paymentdomain.StatusCompleted,
			CreatedAt:         now,
		}); err != nil {
			return err
		}

		result = creditdomain.GrantResult{
			Granted:        true,
			CreditsGranted: cfg.SignupBonus,
			Message:        fmt.Sprintf("granted %d signup credits", cfg.SignupBonus),
			Balance: creditdomain.Balance{
				UserID:           userID,
				TotalCredits:     cfg.SignupBonus,
				UsedCredits:      0,
				RemainingCredits: cfg.SignupBonus,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		outcome := "existing"
		if result.Granted {
			outcome = "created"
		}
		s.obsMetrics.RecordSignupGrant(ctx, outcome)
	}

	return &result, nil
}

func (s *Service) ApplyPayment(ctx context.Context, req creditdomain.ApplyPaymentRequest) (*creditdomain.PaymentResult, error) {
	reference := strings.TrimSpace(req.ExternalReference)
	if reference == "" {
		return nil, creditdomain.ErrInvalidReference
	}
	if req.UserID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}
	if req.CreditsToAdd <= 0 {
		return nil, creditdomain.ErrInvalidCredits
	}
	if req.AmountCents < 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	now := s.clock.Now()

	var result creditdomain.PaymentResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := s.payments.FindByReference(ctx, tx, reference)
		if err != nil {
			return err
		}
		if existing != nil {
			account, err := s.accounts.Find(ctx, tx, existing.UserID)
			if err != nil {
				return err
			}
			result = duplicateResult(existing, account)
			return nil
		}

		record := &paymentdomain.PaymentRecord{
			ID:                s.genID.Generate(),
			UserID:            req.UserID,
			ExternalReference: reference,
			PlanID:            strings.TrimSpace(req.PlanID),
			AmountCents:       req.AmountCents,
			Currency:          normalizeCurrency(req.Currency),
			CreditsGranted:    req.CreditsToAdd,
			Status:            paymentdomain.StatusCompleted,
			CreatedAt:         now,
		}

		inserted, err := s.payments.Insert(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			// Lost the race against a concurrent identical delivery. The
			// re-read must lock the row: on mysql a plain read would still
			// see the snapshot pinned before the winner committed.
			existing, err := s.payments.FindByReferenceForUpdate(ctx, tx, reference)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("payment %s: conflict without existing record", reference)
			}
			account, err := s.accounts.Find(ctx, tx, existing.UserID)
			if err != nil {
				return err
			}
			result = duplicateResult(existing, account)
			return nil
		}

		account, err := s.lockOrCreateAccount(ctx, tx, req.UserID, now)
		if err != nil {
			return err
		}

		if err := s.accounts.ApplyDelta(ctx, tx, req.UserID, req.CreditsToAdd, 0, &now, now); err != nil {
			return err
		}

		result = creditdomain.PaymentResult{
			PaymentID:           record.ID,
			WasDuplicate:        false,
			CreditsAdded:        req.CreditsToAdd,
			NewTotalCredits:     account.TotalCredits + req.CreditsToAdd,
			NewRemainingCredits: account.RemainingCredits + req.CreditsToAdd,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		if result.WasDuplicate {
			s.obsMetrics.RecordPaymentDuplicate(ctx, req.PlanID)
		} else {
			s.obsMetrics.RecordPaymentApplied(ctx, req.PlanID)
		}
	}
	if result.WasDuplicate {
		s.log.Info("duplicate payment delivery ignored",
			zap.String("external_reference", reference),
			zap.String("user_id", req.UserID.String()),
		)
	}

	return &result, nil
}

func (s *Service) DeductCredits(ctx context.Context, req creditdomain.DeductRequest) (*creditdomain.DeductResult, error) {
	if req.UserID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}
	if req.CreditsRequested <= 0 {
		return nil, creditdomain.ErrInvalidCredits
	}
	feature := strings.TrimSpace(req.Feature)
	if feature == "" {
		return nil, creditdomain.ErrInvalidFeature
	}

	now := s.clock.Now()

	var result creditdomain.DeductResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		account, err := s.lockOrCreateAccount(ctx, tx, req.UserID, now)
		if err != nil {
			return err
		}

		if account.RemainingCredits < req.CreditsRequested {
			result = creditdomain.DeductResult{
				Success: false,
				Message: fmt.Sprintf("insufficient credits: required %d, available %d",
					req.CreditsRequested, account.RemainingCredits),
				RemainingBalance: account.RemainingCredits,
			}
			return nil
		}

		if err := s.accounts.ApplyDelta(ctx, tx, req.UserID, 0, req.CreditsRequested, nil, now); err != nil {
			return err
		}

		usageID := uuid.New()
		record := &usagedomain.UsageRecord{
			ID:             usageID,
			UserID:         req.UserID,
			CreditsUsed:    req.CreditsRequested,
			Feature:        feature,
			GenerationType: strings.TrimSpace(req.GenerationType),
			ModelVersion:   strings.TrimSpace(req.ModelVersion),
			Success:        true,
			CreatedAt:      now,
		}
		if req.Metadata != nil {
			record.Metadata = datatypes.JSONMap(req.Metadata)
		}
		if err := s.usage.Insert(ctx, tx, record); err != nil {
			return err
		}

		result = creditdomain.DeductResult{
			Success:          true,
			Message:          fmt.Sprintf("deducted %d credits", req.CreditsRequested),
			RemainingBalance: account.RemainingCredits - req.CreditsRequested,
			UsageID:          &usageID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Success {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordDeduction(ctx, feature)
		}
	} else {
		// Rejected attempts are observable but never persisted.
		if s.obsMetrics != nil {
			s.obsMetrics.RecordDeductionDenied(ctx, feature, "insufficient_credits")
		}
		s.log.Warn("deduction rejected",
			zap.String("user_id", req.UserID.String()),
			zap.String("feature", feature),
			zap.Int64("credits_requested", req.CreditsRequested),
			zap.Int64("remaining", result.RemainingBalance),
		)
	}

	return &result, nil
}

func (s *Service) GetBalance(ctx context.Context, userID snowflake.ID) (creditdomain.Balance, error) {
	if userID == 0 {
		return creditdomain.Balance{}, creditdomain.ErrInvalidUser
	}

	account, err := s.accounts.Find(ctx, s.db, userID)
	if err != nil {
		return creditdomain.Balance{}, err
	}
	return toBalance(userID, account), nil
}

// lockOrCreateAccount returns the account row locked for the rest of the
// transaction, creating a zeroed row first when the user has none yet.
func (s *Service) lockOrCreateAccount(ctx context.Context, tx *gorm.DB, userID snowflake.ID, now time.Time) (*accountdomain.CreditAccount, error) {
	account, err := s.accounts.FindForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	if _, err := s.accounts.Insert(ctx, tx, &accountdomain.CreditAccount{
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}

	// Lock the row whether we created it or lost the creation race.
	account, err = s.accounts.FindForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	return account, nil
}

func duplicateResult(record *paymentdomain.PaymentRecord, account *accountdomain.CreditAccount) creditdomain.PaymentResult {
	result := creditdomain.PaymentResult{
		PaymentID:    record.ID,
		WasDuplicate: true,
		CreditsAdded: 0,
	}
	if account != nil {
		result.NewTotalCredits = account.TotalCredits
		result.NewRemainingCredits = account.RemainingCredits
	}
	return result
}

func toBalance(userID snowflake.ID, account *accountdomain.CreditAccount) creditdomain.Balance {
	if account == nil {
		return creditdomain.Balance{UserID: userID}
	}
	return creditdomain.Balance{
		UserID:           account.UserID,
		TotalCredits:     account.TotalCredits,
		UsedCredits:      account.UsedCredits,
		RemainingCredits: account.RemainingCredits,
		LastPaymentAt:    account.LastPaymentAt,
	}
}

func normalizeCurrency(currency string) string {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		return "usd"
	}
	return currency
}
