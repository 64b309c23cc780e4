package rest

import (
	"github.com/convocrm/backend/internal/interfaces/middleware"
	"github.com/gin-gonic/gin"
)

// SetupRouter builds the gin router with all engine endpoints.
func SetupRouter(eventHandler *EventHandler, conversationHandler *ConversationHandler, flowHandler *FlowHandler) *gin.Engine {
	router := gin.Default()
	router.Use(middleware.Cors())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
			"server": "golang",
		})
	})

	api := router.Group("/api")
	{
		api.POST("/events", eventHandler.IngestEvent)

		conversations := api.Group("/conversations")
		{
			conversations.GET("/:conversantId", conversationHandler.GetConversation)
			conversations.POST("/:conversantId/resolve-handover", conversationHandler.ResolveHandover)
			conversations.POST("/:conversantId/reset", conversationHandler.ResetConversation)
		}

		flows := api.Group("/flows")
		{
			flows.GET("", flowHandler.GetFlows)
			flows.GET("/:flowId", flowHandler.GetFlow)
			flows.POST("", flowHandler.SaveFlow)
		}
	}

	return router
}
