package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "creditmail/backend/internal/auth/jwt"
	"creditmail/backend/internal/config"
	"creditmail/backend/internal/health"
	"creditmail/backend/internal/middleware"
	"creditmail/backend/internal/monitoring"
	"creditmail/backend/internal/service"
	"creditmail/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Router       *service.Router
	Batch        *service.BatchGateway
	Registry     *service.AliasRegistry
	JWTManager   *jwtpkg.Manager
	RateLimiter  *middleware.RateLimiter // 可选
	WebSocketHub *websocket.Hub          // 可选
	Health       *health.HealthChecker   // 可选
	Metrics      *monitoring.Metrics     // 可选
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(log))
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(deps.Config.Server.MaxBodyBytes))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health", func(c *gin.Context) {
			checks, healthy := deps.Health.CheckHealth(c.Request.Context())
			status := http.StatusOK
			if !healthy {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"healthy": healthy, "checks": checks})
		})
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"healthy": true})
		})
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	auth := middleware.NewAuth(deps.JWTManager, deps.Config.Ledger.Owner, log)
	ledger := NewLedgerHandler(deps.Router, log)
	batch := NewBatchHandler(deps.Batch, log)
	registry := NewRegistryHandler(deps.Registry, log)
	admin := NewAdminHandler(deps.Router, deps.Registry, log)

	// V1 API
	v1 := router.Group("/v1")
	if deps.RateLimiter != nil {
		v1.Use(deps.RateLimiter.Middleware())
	}
	{
		// ========== Partition Routes ==========
		v1.GET("/partitions", ledger.ListPartitions)
		v1.GET("/partitions/route/:mailboxId", ledger.Route)
		v1.GET("/fees", ledger.Fees)
		v1.GET("/stats", ledger.Stats)

		partitionRoutes := v1.Group("/partitions/:index/batch")
		{
			partitionRoutes.POST("/send", auth.RequireAuth(), batch.Send)
			partitionRoutes.POST("/deposit", auth.RequireAuth(), batch.Deposit)
			partitionRoutes.POST("/balances", batch.Balances)
		}

		// ========== Mailbox Routes ==========
		mailboxRoutes := v1.Group("/mailboxes/:id")
		{
			mailboxRoutes.GET("/locate", ledger.Locate)
			mailboxRoutes.GET("/balance", ledger.Balance)
			mailboxRoutes.GET("/messages", ledger.Messages)
			mailboxRoutes.POST("/messages", auth.RequireAuth(), ledger.Send)
			mailboxRoutes.POST("/deposit", auth.RequireAuth(), ledger.Deposit)
			mailboxRoutes.POST("/authorize", auth.OptionalAuth(), ledger.Authorize)
			mailboxRoutes.POST("/withdraw", auth.RequireAuth(), ledger.Withdraw)
		}

		// ========== Registry Routes ==========
		registryRoutes := v1.Group("/registry")
		{
			registryRoutes.POST("", auth.RequireAuth(), registry.Register)
			registryRoutes.GET("/mine", auth.RequireAuth(), registry.Mine)
			registryRoutes.GET("/accounts/:account", registry.LookupByAccount)
			registryRoutes.GET("/aliases/:alias", auth.OptionalAuth(), registry.LookupByAlias)
			registryRoutes.GET("/aliases/:alias/available", registry.AliasAvailable)
			registryRoutes.GET("/:id", auth.OptionalAuth(), registry.Get)
			registryRoutes.PUT("/:id/visibility", auth.RequireAuth(), registry.UpdateVisibility)
			registryRoutes.PUT("/:id/rotate", auth.RequireAuth(), registry.Rotate)
		}

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}

		// ========== Admin Routes ==========
		adminRoutes := v1.Group("/admin")
		adminRoutes.Use(auth.RequireAuth(), auth.RequireOwner())
		{
			adminRoutes.PUT("/fees/message", admin.SetMessageFee)
			adminRoutes.PUT("/fees/withdrawal", admin.SetWithdrawalFee)
			adminRoutes.PUT("/fees/registration", admin.SetRegistrationFee)
			adminRoutes.POST("/pause", admin.Pause)
			adminRoutes.POST("/unpause", admin.Unpause)
			adminRoutes.POST("/partitions", admin.AddPartition)
			adminRoutes.POST("/partitions/:index/collect", admin.CollectFees)
			adminRoutes.GET("/registry", admin.RegistryState)
			adminRoutes.POST("/registry/collect", admin.CollectRegistryFees)
		}
	}

	return router
}
