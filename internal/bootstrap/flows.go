package bootstrap

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"

	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/infrastructure/persistence"
	apperrors "github.com/convocrm/backend/pkg/errors"
)

//go:embed flows.json
var flowsJSON []byte

// InitializeFlows seeds the standard flow definitions on first startup.
// Flows already present keep their current version; seeding never overwrites
// operator-authored changes.
func InitializeFlows(ctx context.Context, flows *persistence.FlowRepository) error {
	log.Println("🔧 Initializing flows...")

	var definitions []models.FlowDefinition
	if err := json.Unmarshal(flowsJSON, &definitions); err != nil {
		return fmt.Errorf("failed to parse flows.json: %w", err)
	}

	for i := range definitions {
		flow := &definitions[i]

		_, err := flows.CurrentVersion(ctx, flow.ID)
		if err == nil {
			log.Printf("   🔄 Flow %s already exists, keeping current version", flow.Name)
			continue
		}
		if !apperrors.IsNotFound(err) {
			return fmt.Errorf("failed to check flow %s: %w", flow.ID, err)
		}

		if _, err := flows.Save(ctx, flow); err != nil {
			log.Printf("   ⚠️  Failed to seed flow %s: %v", flow.Name, err)
		} else {
			log.Printf("   ✅ Flow %s seeded", flow.Name)
		}
	}

	return nil
}
