package handler

import (
	"net/http"
	"time"

	"chatrelay/internal/config"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func SetupRouter(cfg *config.Config, relayHandler *RelayHandler, conversationHandler *ConversationHandler) *gin.Engine {
	router := gin.New()

	router.Use(RequestID())
	router.Use(AccessLog())
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    append([]string{HeaderRelayModel, headerRequestID}, cfg.CORS.ExposedHeaders...),
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	api := router.Group("/api")
	{
		api.GET("/models", relayHandler.ListModels)

		chat := api.Group("/chat", BearerAuth(cfg.Auth.Tokens))
		{
			chat.POST("/stream", relayHandler.StreamChat)
		}

		if conversationHandler != nil {
			conversations := api.Group("/conversations", BearerAuth(cfg.Auth.Tokens))
			{
				conversations.GET("", conversationHandler.List)
				conversations.POST("", conversationHandler.Create)
				conversations.GET("/:conversation_id", conversationHandler.Get)
				conversations.DELETE("/:conversation_id", conversationHandler.Delete)
				conversations.POST("/:conversation_id/turns", conversationHandler.RecordTurn)
				conversations.GET("/:conversation_id/usage", conversationHandler.Usage)
			}
		}
	}

	return router
}
