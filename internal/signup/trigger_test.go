package signup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/postloom/postloom/internal/credit/domain"
	"go.uber.org/zap"
)

type creditStub struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *creditStub) GrantSignupCredits(ctx context.Context, userID snowflake.ID) (*creditdomain.GrantResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &creditdomain.GrantResult{Granted: true, CreditsGranted: 10}, nil
}

func (s *creditStub) ApplyPayment(ctx context.Context, req creditdomain.ApplyPaymentRequest) (*creditdomain.PaymentResult, error) {
	return nil, errors.New("not implemented")
}

func (s *creditStub) DeductCredits(ctx context.Context, req creditdomain.DeductRequest) (*creditdomain.DeductResult, error) {
	return nil, errors.New("not implemented")
}

func (s *creditStub) GetBalance(ctx context.Context, userID snowflake.ID) (creditdomain.Balance, error) {
	return creditdomain.Balance{}, nil
}

func (s *creditStub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestOnUserCreatedCallsGrant(t *testing.T) {
	stub := &creditStub{}
	trigger := NewGrantTrigger(TriggerParam{Log: zap.NewNop(), Credits: stub})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	trigger.OnUserCreated(context.Background(), node.Generate())
	if stub.Calls() != 1 {
		t.Fatalf("expected 1 grant call, got %d", stub.Calls())
	}
}

func TestOnUserCreatedSwallowsErrors(t *testing.T) {
	stub := &creditStub{err: errors.New("db down")}
	trigger := NewGrantTrigger(TriggerParam{Log: zap.NewNop(), Credits: stub})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	// Must not panic or propagate; the grant heals on replay.
	trigger.OnUserCreated(context.Background(), node.Generate())
	if stub.Calls() != 1 {
		t.Fatalf("expected 1 grant call, got %d", stub.Calls())
	}
}
