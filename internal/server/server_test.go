package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountrepo "github.com/postloom/postloom/internal/account/repository"
	"github.com/postloom/postloom/internal/clock"
	"github.com/postloom/postloom/internal/config"
	creditdomain "github.com/postloom/postloom/internal/credit/domain"
	creditservice "github.com/postloom/postloom/internal/credit/service"
	"github.com/postloom/postloom/internal/observability"
	paymentrepo "github.com/postloom/postloom/internal/payment/repository"
	"github.com/postloom/postloom/internal/signup"
	usagerepo "github.com/postloom/postloom/internal/usage/repository"
	"github.com/postloom/postloom/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/health", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("health returned %d", resp.Code)
	}
}

func TestUserCreatedHookGrantsCredits(t *testing.T) {
	srv, node := setupServer(t)
	userID := node.Generate()

	resp := doJSON(t, srv, http.MethodPost, "/api/hooks/user-created", map[string]any{
		"user_id": userID.String(),
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("hook returned %d: %s", resp.Code, resp.Body.String())
	}

	var balance creditdomain.Balance
	decodeJSON(t, doJSON(t, srv, http.MethodGet, "/api/credits/"+userID.String(), nil), &balance)
	if balance.TotalCredits != 10 || balance.RemainingCredits != 10 {
		t.Fatalf("unexpected balance after signup hook: %+v", balance)
	}
}

func TestCheckoutWebhookIdempotent(t *testing.T) {
	srv, node := setupServer(t)
	userID := node.Generate()

	body := map[string]any{
		"external_reference": "sess_http_1",
		"user_id":            userID.String(),
		"plan_id":            "starter",
		"amount_cents":       999,
		"currency":           "usd",
		"credits":            100,
	}

	var first creditdomain.PaymentResult
	resp := doJSON(t, srv, http.MethodPost, "/api/payments/webhooks/checkout", body)
	if resp.Code != http.StatusOK {
		t.Fatalf("first delivery returned %d: %s", resp.Code, resp.Body.String())
	}
	decodeJSON(t, resp, &first)
	if first.WasDuplicate || first.CreditsAdded != 100 {
		t.Fatalf("unexpected first result: %+v", first)
	}

	var second creditdomain.PaymentResult
	resp = doJSON(t, srv, http.MethodPost, "/api/payments/webhooks/checkout", body)
	if resp.Code != http.StatusOK {
		t.Fatalf("redelivery returned %d: %s", resp.Code, resp.Body.String())
	}
	decodeJSON(t, resp, &second)
	if !second.WasDuplicate || second.CreditsAdded != 0 {
		t.Fatalf("redelivery not treated as duplicate: %+v", second)
	}
	if second.PaymentID != first.PaymentID {
		t.Fatalf("redelivery reported a different payment id")
	}

	var balance creditdomain.Balance
	decodeJSON(t, doJSON(t, srv, http.MethodGet, "/api/credits/"+userID.String(), nil), &balance)
	if balance.RemainingCredits != 100 {
		t.Fatalf("expected 100 remaining after redelivery, got %d", balance.RemainingCredits)
	}
}

func TestDeductEndpoint(t *testing.T) {
	srv, node := setupServer(t)
	userID := node.Generate()
	seedCreditsHTTP(t, srv, userID, 5)

	var first creditdomain.DeductResult
	resp := doJSON(t, srv, http.MethodPost, "/api/credits/"+userID.String()+"/deduct", map[string]any{
		"credits":         5,
		"feature":         "caption_generator",
		"generation_type": "text",
		"model_version":   "v2",
		"metadata":        map[string]any{"post_id": "p_1"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("deduct returned %d: %s", resp.Code, resp.Body.String())
	}
	decodeJSON(t, resp, &first)
	if !first.Success || first.RemainingBalance != 0 || first.UsageID == nil {
		t.Fatalf("unexpected deduct result: %+v", first)
	}

	var second creditdomain.DeductResult
	resp = doJSON(t, srv, http.MethodPost, "/api/credits/"+userID.String()+"/deduct", map[string]any{
		"credits": 1,
		"feature": "caption_generator",
	})
	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("exhausted deduct returned %d: %s", resp.Code, resp.Body.String())
	}
	decodeJSON(t, resp, &second)
	if second.Success || second.UsageID != nil {
		t.Fatalf("rejected deduct looks successful: %+v", second)
	}
	if !strings.Contains(second.Message, "required 1") || !strings.Contains(second.Message, "available 0") {
		t.Fatalf("message misses shortfall: %q", second.Message)
	}
}

func TestDeductEndpointValidation(t *testing.T) {
	srv, node := setupServer(t)
	userID := node.Generate()

	resp := doJSON(t, srv, http.MethodPost, "/api/credits/"+userID.String()+"/deduct", map[string]any{
		"credits": 0,
		"feature": "caption_generator",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("zero-credit deduct returned %d: %s", resp.Code, resp.Body.String())
	}

	var payload errorResponse
	decodeJSON(t, resp, &payload)
	if payload.Error.Type != "validation_error" {
		t.Fatalf("unexpected error type %q", payload.Error.Type)
	}
}

func TestGetBalanceUnknownUserHTTP(t *testing.T) {
	srv, node := setupServer(t)

	var balance creditdomain.Balance
	resp := doJSON(t, srv, http.MethodGet, "/api/credits/"+node.Generate().String(), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("balance returned %d: %s", resp.Code, resp.Body.String())
	}
	decodeJSON(t, resp, &balance)
	if balance.TotalCredits != 0 || balance.UsedCredits != 0 || balance.RemainingCredits != 0 {
		t.Fatalf("expected zeroes for unknown user, got %+v", balance)
	}
}

func TestInvalidUserIDPath(t *testing.T) {
	srv, _ := setupServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/api/credits/not-a-snowflake", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid user id returned %d: %s", resp.Code, resp.Body.String())
	}
}

func TestListUsageAndPayments(t *testing.T) {
	srv, node := setupServer(t)
	userID := node.Generate()
	seedCreditsHTTP(t, srv, userID, 10)

	resp := doJSON(t, srv, http.MethodPost, "/api/credits/"+userID.String()+"/deduct", map[string]any{
		"credits": 3,
		"feature": "image_generator",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("deduct returned %d: %s", resp.Code, resp.Body.String())
	}

	var usagePage struct {
		UsageRecords []json.RawMessage `json:"usage_records"`
	}
	decodeJSON(t, doJSON(t, srv, http.MethodGet, "/api/credits/"+userID.String()+"/usage", nil), &usagePage)
	if len(usagePage.UsageRecords) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(usagePage.UsageRecords))
	}

	var paymentPage struct {
		PaymentRecords []json.RawMessage `json:"payment_records"`
	}
	decodeJSON(t, doJSON(t, srv, http.MethodGet, "/api/credits/"+userID.String()+"/payments?limit=10", nil), &paymentPage)
	if len(paymentPage.PaymentRecords) != 1 {
		t.Fatalf("expected 1 payment record, got %d", len(paymentPage.PaymentRecords))
	}
}

func setupServer(t *testing.T) (*Server, *snowflake.Node) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	prepareHTTPSchema(t, conn)

	svc := creditservice.NewService(creditservice.ServiceParam{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewSystemClock(),
		Credits:  config.NewStaticCreditsConfigHolder(config.DefaultCreditsConfig()),
		Accounts: accountrepo.Provide(),
		Payments: paymentrepo.Provide(),
		Usage:    usagerepo.Provide(),
	})

	srv := NewServer(ServerParams{
		Gin:       NewEngine(observability.Config{LogLevel: "info"}),
		Cfg:       config.Config{},
		DB:        conn,
		GenID:     node,
		CreditSvc: svc,
		Payments:  paymentrepo.Provide(),
		Usage:     usagerepo.Provide(),
		Trigger: signup.NewGrantTrigger(signup.TriggerParam{
			Log:     zap.NewNop(),
			Credits: svc,
		}),
	})
	return srv, node
}

func prepareHTTPSchema(t *testing.T, conn *gorm.DB) {
	t.Helper()
	statements := []string{
		`CREATE TABLE credit_accounts (
			user_id BIGINT PRIMARY KEY,
			total_credits BIGINT NOT NULL DEFAULT 0,
			used_credits BIGINT NOT NULL DEFAULT 0,
			remaining_credits BIGINT NOT NULL DEFAULT 0 CHECK (remaining_credits >= 0),
			last_payment_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			CHECK (remaining_credits = total_credits - used_credits)
		)`,
		`CREATE TABLE payment_records (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			external_reference TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			credits_granted BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX uidx_payment_external_reference
			ON payment_records (external_reference)`,
		`CREATE TABLE usage_records (
			id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			credits_used BIGINT NOT NULL CHECK (credits_used > 0),
			feature TEXT NOT NULL,
			generation_type TEXT,
			model_version TEXT,
			success BOOLEAN NOT NULL,
			metadata JSON,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("prepare schema: %v", err)
		}
	}
}

func seedCreditsHTTP(t *testing.T, srv *Server, userID snowflake.ID, credits int64) {
	t.Helper()
	resp := doJSON(t, srv, http.MethodPost, "/api/payments/webhooks/checkout", map[string]any{
		"external_reference": fmt.Sprintf("seed:%s:%d", userID.String(), credits),
		"user_id":            userID.String(),
		"plan_id":            "starter",
		"amount_cents":       999,
		"currency":           "usd",
		"credits":            credits,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("seed payment returned %d: %s", resp.Code, resp.Body.String())
	}
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	srv.Engine().ServeHTTP(recorder, req)
	return recorder
}

func decodeJSON(t *testing.T, resp *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body.String(), err)
	}
}
