package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"sudooom.im.convstate/internal/health"
)

// SetupRouter 设置路由
func SetupRouter(mode string, allowedOrigins []string, conversationHandler *ConversationHandler, checker *health.Checker) *gin.Engine {
	// 设置 Gin 模式
	if mode != "" {
		gin.SetMode(mode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	if len(allowedOrigins) > 0 {
		r.Use(CORS(allowedOrigins))
	}

	// Swagger 文档路由
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	r.GET("/health", gin.WrapH(checker))
	r.GET("/ready", gin.WrapF(checker.ServeReady))

	// API v1
	v1 := r.Group("/api/v1")
	{
		users := v1.Group("/users/:userId/conversations")
		{
			users.GET("", conversationHandler.ListConversations)
			users.GET("/:convId/unread", conversationHandler.GetUnreadCount)
			users.POST("/:convId/read", conversationHandler.MarkRead)
		}

		conversations := v1.Group("/conversations")
		{
			conversations.GET("/:convId/last-message", conversationHandler.GetLastMessage)
		}
	}

	return r
}

// RequestLogger 请求日志中间件
func RequestLogger() gin.HandlerFunc {
	logger := slog.Default()
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"query", c.Request.URL.RawQuery,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"clientIP", c.ClientIP())
	}
}
