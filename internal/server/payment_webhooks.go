package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	creditdomain "github.com/postloom/postloom/internal/credit/domain"
)

type checkoutWebhookRequest struct {
	ExternalReference string `json:"external_reference"`
	SessionID         string `json:"session_id"`
	UserID            string `json:"user_id"`
	PlanID            string `json:"plan_id"`
	AmountCents       int64  `json:"amount_cents"`
	Currency          string `json:"currency"`
	Credits           int64  `json:"credits"`
}

// HandleCheckoutWebhook applies one completed checkout. The notifier may
// redeliver the same event any number of times; replies are identical either
// way, so a 200 never depends on delivery order.
func (s *Server) HandleCheckoutWebhook(c *gin.Context) {
	var req checkoutWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	reference := strings.TrimSpace(req.ExternalReference)
	if reference == "" {
		reference = strings.TrimSpace(req.SessionID)
	}
	if reference == "" {
		AbortWithError(c, newValidationError("external_reference", "invalid_reference", "external reference is required"))
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "user id must be a valid snowflake"))
		return
	}
	bindUserContext(c, userID)

	result, err := s.creditSvc.ApplyPayment(c.Request.Context(), creditdomain.ApplyPaymentRequest{
		ExternalReference: reference,
		UserID:            userID,
		PlanID:            req.PlanID,
		AmountCents:       req.AmountCents,
		Currency:          req.Currency,
		CreditsToAdd:      req.Credits,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
