package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/postloom/postloom/internal/account"
	"github.com/postloom/postloom/internal/config"
	"github.com/postloom/postloom/internal/credit"
	creditdomain "github.com/postloom/postloom/internal/credit/domain"
	"github.com/postloom/postloom/internal/observability"
	obsmiddleware "github.com/postloom/postloom/internal/observability/logger"
	obsmetrics "github.com/postloom/postloom/internal/observability/metrics"
	obstracing "github.com/postloom/postloom/internal/observability/tracing"
	"github.com/postloom/postloom/internal/payment"
	paymentdomain "github.com/postloom/postloom/internal/payment/domain"
	"github.com/postloom/postloom/internal/ratelimit"
	"github.com/postloom/postloom/internal/signup"
	"github.com/postloom/postloom/internal/usage"
	usagedomain "github.com/postloom/postloom/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	account.Module,
	payment.Module,
	usage.Module,
	credit.Module,
	signup.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	genID         *snowflake.Node
	creditSvc     creditdomain.Service
	payments      paymentdomain.Repository
	usage         usagedomain.Repository
	trigger       *signup.GrantTrigger
	deductLimiter *ratelimit.DeductLimiter
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	GenID         *snowflake.Node
	CreditSvc     creditdomain.Service
	Payments      paymentdomain.Repository
	Usage         usagedomain.Repository
	Trigger       *signup.GrantTrigger
	DeductLimiter *ratelimit.DeductLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		genID:         p.GenID,
		creditSvc:     p.CreditSvc,
		payments:      p.Payments,
		usage:         p.Usage,
		trigger:       p.Trigger,
		deductLimiter: p.DeductLimiter,
		obsMetrics:    p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Credits --------
	api.GET("/credits/:user_id", s.GetBalance)
	api.GET("/credits/:user_id/usage", s.ListUsage)
	api.GET("/credits/:user_id/payments", s.ListPayments)
	api.POST("/credits/:user_id/deduct", s.DeductRateLimit(), s.DeductCredits)

	// -------- Payment Webhooks --------
	api.POST("/payments/webhooks/checkout", s.HandleCheckoutWebhook)

	// -------- Identity Hooks --------
	api.POST("/hooks/user-created", s.HandleUserCreated)
}

func (s *Server) DeductRateLimit() gin.HandlerFunc {
	if s.deductLimiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.deductLimiter.GinMiddleware()
}
