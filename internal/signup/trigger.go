package signup

import (
	"context"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/postloom/postloom/internal/credit/domain"
	obslogger "github.com/postloom/postloom/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type TriggerParam struct {
	fx.In

	Log     *zap.Logger
	Credits creditdomain.Service
}

// GrantTrigger reacts to user-created events from the identity subsystem and
// grants the signup bonus exactly once per user.
type GrantTrigger struct {
	log     *zap.Logger
	credits creditdomain.Service
}

func NewGrantTrigger(p TriggerParam) *GrantTrigger {
	return &GrantTrigger{
		log:     p.Log.Named("signup.trigger"),
		credits: p.Credits,
	}
}

// OnUserCreated is best-effort: errors are logged, never propagated. A missed
// grant heals on the next replay of the same event.
func (t *GrantTrigger) OnUserCreated(ctx context.Context, userID snowflake.ID) {
	log := obslogger.WithUser(t.log, userID.String())

	result, err := t.credits.GrantSignupCredits(ctx, userID)
	if err != nil {
		log.Error("signup grant failed", zap.Error(err))
		return
	}

	if result.Granted {
		log.Info("signup credits granted",
			zap.Int64("credits", result.CreditsGranted),
		)
		return
	}
	log.Debug("signup grant already applied")
}
