package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	creditdomain "github.com/postloom/postloom/internal/credit/domain"
	obscontext "github.com/postloom/postloom/internal/observability/context"
)

func parseUserID(c *gin.Context) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.Param("user_id"))
	userID, err := snowflake.ParseString(raw)
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "user id must be a valid snowflake"))
		return 0, false
	}
	bindUserContext(c, userID)
	return userID, true
}

// bindUserContext stamps the user onto the request context so the request
// logger correlates the entry with the account.
func bindUserContext(c *gin.Context, userID snowflake.ID) {
	ctx := obscontext.WithUserID(c.Request.Context(), userID.String())
	c.Request = c.Request.WithContext(ctx)
}

func (s *Server) GetBalance(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	balance, err := s.creditSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

type deductRequest struct {
	Credits        int64          `json:"credits"`
	Feature        string         `json:"feature"`
	GenerationType string         `json:"generation_type"`
	ModelVersion   string         `json:"model_version"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) DeductCredits(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var req deductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}
	c.Set("feature", strings.TrimSpace(req.Feature))

	result, err := s.creditSvc.DeductCredits(c.Request.Context(), creditdomain.DeductRequest{
		UserID:           userID,
		CreditsRequested: req.Credits,
		Feature:          req.Feature,
		GenerationType:   req.GenerationType,
		ModelVersion:     req.ModelVersion,
		Metadata:         req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if !result.Success {
		c.JSON(http.StatusPaymentRequired, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) ListUsage(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	items, err := s.usage.ListByUser(c.Request.Context(), s.db, userID, parseLimit(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage_records": items})
}

func (s *Server) ListPayments(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	items, err := s.payments.ListByUser(c.Request.Context(), s.db, userID, parseLimit(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_records": items})
}

func parseLimit(c *gin.Context) int {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}
