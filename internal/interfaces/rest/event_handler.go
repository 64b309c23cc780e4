package rest

import (
	"net/http"
	"time"

	"github.com/convocrm/backend/internal/application/services"
	"github.com/convocrm/backend/internal/domain/models"
	"github.com/gin-gonic/gin"
)

// EventHandler receives normalized inbound events from channel adapters.
type EventHandler struct {
	engine *services.EngineService
}

// NewEventHandler creates a new EventHandler
func NewEventHandler(engine *services.EngineService) *EventHandler {
	return &EventHandler{engine: engine}
}

// inboundEventRequest is the adapter-facing wire shape of one event.
type inboundEventRequest struct {
	ConversantID string `json:"conversant_id" binding:"required"`
	DeliveryID   string `json:"delivery_id" binding:"required"`
	Text         string `json:"text"`
	Selection    string `json:"selection"`
	MediaRef     string `json:"media_ref"`
	Intent       string `json:"intent"`
}

// IngestEvent handles POST /api/events
func (h *EventHandler) IngestEvent(c *gin.Context) {
	var req inboundEventRequest
	if !BindJSON(c, &req) {
		return
	}

	event := &models.InboundEvent{
		ConversantID: req.ConversantID,
		DeliveryID:   req.DeliveryID,
		Payload: models.EventPayload{
			Text:      req.Text,
			Selection: req.Selection,
			MediaRef:  req.MediaRef,
			Intent:    req.Intent,
		},
		ReceivedAt: time.Now().UTC(),
	}

	if err := h.engine.HandleInbound(c.Request.Context(), event); err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "event processed", "delivery_id": req.DeliveryID})
}
