package rest

import (
	"net/http"

	"github.com/convocrm/backend/internal/application/services"
	"github.com/gin-gonic/gin"
)

// ConversationHandler exposes operator capabilities over conversation state.
type ConversationHandler struct {
	engine *services.EngineService
}

// NewConversationHandler creates a new ConversationHandler
func NewConversationHandler(engine *services.EngineService) *ConversationHandler {
	return &ConversationHandler{engine: engine}
}

// GetConversation handles GET /api/conversations/:conversantId
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conversantID := c.Param("conversantId")
	HandleGetEnvelope(c, "conversation", func() (interface{}, error) {
		return h.engine.GetConversation(c.Request.Context(), conversantID)
	})
}

// ResolveHandover handles POST /api/conversations/:conversantId/resolve-handover
func (h *ConversationHandler) ResolveHandover(c *gin.Context) {
	conversantID := c.Param("conversantId")
	if err := h.engine.ResolveHandover(c.Request.Context(), conversantID); err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "handover resolved"})
}

// ResetConversation handles POST /api/conversations/:conversantId/reset
func (h *ConversationHandler) ResetConversation(c *gin.Context) {
	conversantID := c.Param("conversantId")
	if err := h.engine.ResetConversation(c.Request.Context(), conversantID); err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation reset"})
}
