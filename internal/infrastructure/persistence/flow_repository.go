package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
	"github.com/convocrm/backend/pkg/constants"
	apperrors "github.com/convocrm/backend/pkg/errors"
)

// FlowRepository stores flow definitions as versioned JSON documents. Every
// save writes a new immutable version; readers always see the latest one.
type FlowRepository struct {
	db *sql.DB
}

// NewFlowRepository creates a new FlowRepository
func NewFlowRepository(db *sql.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

var _ ports.FlowProvider = (*FlowRepository)(nil)

// Save persists the definition as the next version and returns that version.
func (r *FlowRepository) Save(ctx context.Context, flow *models.FlowDefinition) (int, error) {
	if flow.ID == "" {
		return 0, apperrors.NewValidationError("id", "flow id is required")
	}

	current, err := r.CurrentVersion(ctx, flow.ID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			return 0, err
		}
		current = 0
	}
	flow.Version = current + 1

	definitionJSON, err := json.Marshal(flow)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal flow definition: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (flow_id, version, active, definition, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, constants.TableFlowDefinition)

	_, err = r.db.ExecContext(ctx, query, flow.ID, flow.Version, flow.Active, definitionJSON, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to save flow definition: %w", err)
	}
	return flow.Version, nil
}

// GetFlow returns the current version of a definition.
func (r *FlowRepository) GetFlow(ctx context.Context, flowID string) (*models.FlowDefinition, error) {
	query := fmt.Sprintf(`
		SELECT definition FROM %s
		WHERE flow_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, constants.TableFlowDefinition)

	var definitionJSON []byte
	err := r.db.QueryRowContext(ctx, query, flowID).Scan(&definitionJSON)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("flow", flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow definition: %w", err)
	}

	var flow models.FlowDefinition
	if err := json.Unmarshal(definitionJSON, &flow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow definition %s: %w", flowID, err)
	}
	return &flow, nil
}

// GetActiveFlows returns the latest version of every active definition.
func (r *FlowRepository) GetActiveFlows(ctx context.Context) ([]*models.FlowDefinition, error) {
	query := fmt.Sprintf(`
		SELECT f.definition
		FROM %s f
		JOIN (SELECT flow_id, MAX(version) AS version FROM %s GROUP BY flow_id) latest
		  ON f.flow_id = latest.flow_id AND f.version = latest.version
		WHERE f.active = TRUE
	`, constants.TableFlowDefinition, constants.TableFlowDefinition)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active flows: %w", err)
	}
	defer rows.Close()

	var flows []*models.FlowDefinition
	for rows.Next() {
		var definitionJSON []byte
		if err := rows.Scan(&definitionJSON); err != nil {
			return nil, fmt.Errorf("failed to scan flow definition: %w", err)
		}
		var flow models.FlowDefinition
		if err := json.Unmarshal(definitionJSON, &flow); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow definition: %w", err)
		}
		flows = append(flows, &flow)
	}
	return flows, rows.Err()
}

// CurrentVersion returns the version of a definition without loading it.
func (r *FlowRepository) CurrentVersion(ctx context.Context, flowID string) (int, error) {
	query := fmt.Sprintf(`SELECT MAX(version) FROM %s WHERE flow_id = ?`, constants.TableFlowDefinition)

	var version sql.NullInt64
	if err := r.db.QueryRowContext(ctx, query, flowID).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query flow version: %w", err)
	}
	if !version.Valid {
		return 0, apperrors.NewNotFoundError("flow", flowID)
	}
	return int(version.Int64), nil
}
