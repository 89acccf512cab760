package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/server/handlers"
)

// New wires the Gin engine with required routes and middlewares. webhook may
// be nil when the WhatsApp channel is disabled.
func New(api *handlers.APIHandler, webhook *handlers.WebhookHandler, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(zapLoggerMiddleware(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if webhook != nil {
		r.GET("/webhook", webhook.Verify)
		r.POST("/webhook", webhook.Receive)
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/price", api.GetPrice)
		v1.PUT("/price", api.SetPrice)

		v1.POST("/farmers", api.CreateFarmer)
		v1.GET("/farmers/:id/balance", api.GetBalance)
		v1.POST("/farmers/:id/settlements", api.SettleFarmer)

		v1.POST("/deliveries", api.RecordDelivery)
		v1.POST("/deductions", api.RecordDeduction)

		v1.POST("/settlements/run", api.RunSettlement)
		v1.GET("/transactions", api.ListTransactions)
		v1.GET("/summaries/monthly", api.MonthlySummaries)
	}

	if logger != nil {
		logger.Info("router initialized", zap.Bool("webhook", webhook != nil))
	}

	return r
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error("request completed", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}
