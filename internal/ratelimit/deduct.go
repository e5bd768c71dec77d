package ratelimit

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/postloom/postloom/internal/config"
	obsmetrics "github.com/postloom/postloom/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type DeductLimiterParam struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Bucket     *TokenBucket        `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// DeductLimiter throttles deduction attempts per user. Without Redis it is a
// pass-through, so the ledger itself never depends on the limiter.
type DeductLimiter struct {
	log        *zap.Logger
	bucket     *TokenBucket
	obsMetrics *obsmetrics.Metrics

	rate  float64
	burst int
}

func NewDeductLimiter(p DeductLimiterParam) *DeductLimiter {
	return &DeductLimiter{
		log:        p.Log.Named("ratelimit.deduct"),
		bucket:     p.Bucket,
		obsMetrics: p.ObsMetrics,
		rate:       p.Cfg.RateLimit.DeductRate,
		burst:      p.Cfg.RateLimit.DeductBurst,
	}
}

// GinMiddleware keys the bucket on the user_id path parameter.
func (l *DeductLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || l.bucket == nil {
			c.Next()
			return
		}

		userID := strings.TrimSpace(c.Param("user_id"))
		if userID == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		result, err := l.bucket.Allow(ctx, "ratelimit:deduct:"+userID, l.rate, l.burst)
		if err != nil {
			// Redis trouble must not block billing decisions.
			l.log.Warn("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		if result.Allowed {
			if l.obsMetrics != nil {
				l.obsMetrics.RecordRateLimitAllowed(ctx, c.FullPath())
			}
			c.Next()
			return
		}

		if l.obsMetrics != nil {
			l.obsMetrics.RecordRateLimitDenied(ctx, c.FullPath(), "token_bucket")
		}
		retryAfter := int(result.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
		})
	}
}
