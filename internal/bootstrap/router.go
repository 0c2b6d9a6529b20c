package bootstrap

import (
	"context"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/noah-isme/coi-workflow/internal/handler"
	"github.com/noah-isme/coi-workflow/internal/middleware"
	"github.com/noah-isme/coi-workflow/pkg/config"
	"github.com/noah-isme/coi-workflow/pkg/logger"
	corsmiddleware "github.com/noah-isme/coi-workflow/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/coi-workflow/pkg/middleware/requestid"
)

// NewRouter mounts every HTTP surface of the app.
func NewRouter(app *App) *gin.Engine {
	cfg := app.Config
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(app.Logger))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(app.Metrics))

	checks := map[string]handler.ReadinessCheck{"store": app.Store.Ping}
	if app.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() }
	}
	metrics := handler.NewMetricsHandler(app.Metrics, checks)
	r.GET("/health", metrics.Health)
	r.GET("/ready", metrics.Ready)
	r.GET("/metrics", metrics.Prometheus)

	inbound := handler.NewInboundHandler(app.Workflow, app.Logger)
	r.POST("/pubsub/mailbox", middleware.PushToken(cfg.Auth.PushVerificationToken), inbound.Push)

	approvals := handler.NewApprovalHandler(app.Workflow, app.callbacks, app.validate, app.Logger)
	r.POST("/telegram/webhook", middleware.TelegramSecret(cfg.Telegram.WebhookSecret), approvals.TelegramWebhook)

	certificates := handler.NewCertificateHandler(app.Issuer)
	r.GET("/certificates/:token", certificates.Download)

	requests := handler.NewRequestHandler(app.Requests)
	api := r.Group(cfg.APIPrefix, middleware.OperatorJWT(app.Auth))
	api.POST("/approvals/decision", approvals.Decide)
	api.GET("/requests", requests.List)
	api.GET("/requests/export", requests.Export)
	api.GET("/requests/:id", requests.Get)
	api.GET("/requests/:id/events", requests.Events)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}
	return r
}
