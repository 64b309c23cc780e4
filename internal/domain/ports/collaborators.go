package ports

import (
	"context"

	"github.com/convocrm/backend/internal/domain/models"
)

// MessageSender hands a rendered outbound instruction to the channel-send
// collaborator, which owns transport and delivery-status tracking.
type MessageSender interface {
	Send(ctx context.Context, instruction models.OutboundInstruction) error
}

// ProfileProvider fetches conversant profile fields from the CRM contact
// store. Missing conversants or fields are not errors; they resolve to the
// context resolver's undefined marker.
type ProfileProvider interface {
	GetProfile(ctx context.Context, conversantID string) (map[string]interface{}, error)
}

// FlowProvider is the read-only authoring collaborator. Definitions are
// versioned; CurrentVersion is cheap and lets the engine cache aggressively
// while tolerating mid-conversation edits for other conversants.
type FlowProvider interface {
	// GetFlow returns the current version of a definition.
	GetFlow(ctx context.Context, flowID string) (*models.FlowDefinition, error)

	// GetActiveFlows returns all active definitions, for trigger matching.
	GetActiveFlows(ctx context.Context) ([]*models.FlowDefinition, error)

	// CurrentVersion returns the version of a definition without loading it.
	CurrentVersion(ctx context.Context, flowID string) (int, error)
}
