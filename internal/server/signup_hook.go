package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type userCreatedRequest struct {
	UserID string `json:"user_id"`
}

// HandleUserCreated receives the identity subsystem's user-created hook. The
// grant itself is best-effort and idempotent, so the hook always accepts.
func (s *Server) HandleUserCreated(c *gin.Context) {
	var req userCreatedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "user id must be a valid snowflake"))
		return
	}
	bindUserContext(c, userID)

	s.trigger.OnUserCreated(c.Request.Context(), userID)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}
