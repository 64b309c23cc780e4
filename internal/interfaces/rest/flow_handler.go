package rest

import (
	"net/http"

	"github.com/convocrm/backend/internal/application/services"
	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/infrastructure/persistence"
	"github.com/gin-gonic/gin"
)

// FlowHandler exposes authoring operations over flow definitions.
type FlowHandler struct {
	flows *persistence.FlowRepository
	cache *services.FlowCache
}

// NewFlowHandler creates a new FlowHandler
func NewFlowHandler(flows *persistence.FlowRepository, cache *services.FlowCache) *FlowHandler {
	return &FlowHandler{flows: flows, cache: cache}
}

// GetFlows handles GET /api/flows
func (h *FlowHandler) GetFlows(c *gin.Context) {
	HandleGetEnvelope(c, "flows", func() (interface{}, error) {
		return h.flows.GetActiveFlows(c.Request.Context())
	})
}

// GetFlow handles GET /api/flows/:flowId
func (h *FlowHandler) GetFlow(c *gin.Context) {
	flowID := c.Param("flowId")
	HandleGetEnvelope(c, "flow", func() (interface{}, error) {
		return h.flows.GetFlow(c.Request.Context(), flowID)
	})
}

// SaveFlow handles POST /api/flows. Each save publishes a new immutable
// version; conversations already inside an older version finish on the step
// graph they loaded.
func (h *FlowHandler) SaveFlow(c *gin.Context) {
	var flow models.FlowDefinition
	if !BindJSON(c, &flow) {
		return
	}

	version, err := h.flows.Save(c.Request.Context(), &flow)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	h.cache.Invalidate(flow.ID)

	c.JSON(http.StatusCreated, gin.H{
		"message": "flow saved",
		"flow_id": flow.ID,
		"version": version,
	})
}
