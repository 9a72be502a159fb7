package handler

import (
	"net/http"
	"time"

	"qrpay/pkg/auth"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterOptions 路由需要的外部依赖
type RouterOptions struct {
	Tokens         *auth.TokenIssuer
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

// SetupRouter 配置路由
func SetupRouter(h *Handler, opts RouterOptions) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(opts.Logger))
	r.Use(LoggerMiddleware(opts.Logger))
	r.Use(CORSMiddleware())
	r.Use(MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authGroup := r.Group("/auth", TimeoutMiddleware(opts.RequestTimeout))
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
	}

	api := r.Group("/api/v1", TimeoutMiddleware(opts.RequestTimeout), AuthMiddleware(opts.Tokens))
	{
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.POST("/recharge", h.Recharge)
			account.GET("/ledger", h.ListLedger)
		}

		api.POST("/merchant/resolve", h.ResolveMerchant)

		payment := api.Group("/payment")
		{
			payment.POST("/initiate", h.InitiatePayment)
			payment.POST("/execute", h.ExecutePayment)
			payment.GET("/session", h.GetSession)
			payment.GET("/sessions", h.ListSessions)
		}
	}

	return r
}
