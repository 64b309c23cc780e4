package collaborators

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/convocrm/backend/internal/domain/events"
	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
	"github.com/convocrm/backend/pkg/constants"
	apperrors "github.com/convocrm/backend/pkg/errors"
	"github.com/convocrm/backend/pkg/utils"
)

// ActionFunc executes one action identifier.
type ActionFunc func(ctx context.Context, req models.ActionRequest) (*models.ActionResult, error)

// ActionRegistry routes action calls to registered executors by action ID.
// Side effects are the collaborator's responsibility; the registry only
// guarantees that a given idempotency key cannot create a record twice.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]ActionFunc)}
}

var _ ports.ActionExecutor = (*ActionRegistry)(nil)

// Register adds or replaces the executor for an action ID.
func (r *ActionRegistry) Register(actionID string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[actionID] = fn
}

// Execute dispatches the request to its registered executor.
func (r *ActionRegistry) Execute(ctx context.Context, req models.ActionRequest) (*models.ActionResult, error) {
	r.mu.RLock()
	fn, ok := r.actions[req.ActionID]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("action", req.ActionID)
	}
	return fn(ctx, req)
}

// NewDefaultActionRegistry wires the built-in action set: record creation
// against the engine's record table, notification queueing, and handover
// requests published for the operator inbox.
func NewDefaultActionRegistry(db *sql.DB, bus ports.EventPublisher) *ActionRegistry {
	registry := NewActionRegistry()

	registry.Register(constants.ActionCreateRecord, func(ctx context.Context, req models.ActionRequest) (*models.ActionResult, error) {
		recordType := "record"
		if t, ok := req.Params["record_type"].(string); ok && t != "" {
			recordType = t
		}
		fieldsJSON, err := json.Marshal(req.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record fields: %w", err)
		}

		id := utils.GenerateID()
		query := fmt.Sprintf(`
			INSERT IGNORE INTO %s (id, idempotency_key, conversant_id, record_type, fields, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, constants.TableActionRecord)

		result, err := db.ExecContext(ctx, query, id, req.IdempotencyKey, req.ConversantID, recordType, fieldsJSON, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to create record: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check record insert: %w", err)
		}
		if affected == 0 {
			// Redispatch of an already-applied action; return the prior record.
			existing := fmt.Sprintf(`SELECT id FROM %s WHERE idempotency_key = ?`, constants.TableActionRecord)
			if err := db.QueryRowContext(ctx, existing, req.IdempotencyKey).Scan(&id); err != nil {
				return nil, fmt.Errorf("failed to resolve existing record: %w", err)
			}
			log.Printf("✅ Actions: createRecord replay for key %s, reusing %s", req.IdempotencyKey, id)
		}
		return &models.ActionResult{Value: id}, nil
	})

	registry.Register(constants.ActionQueueNotification, func(ctx context.Context, req models.ActionRequest) (*models.ActionResult, error) {
		bus.PublishAsync(events.NotificationQueued, req)
		return &models.ActionResult{}, nil
	})

	registry.Register(constants.ActionRequestHandover, func(ctx context.Context, req models.ActionRequest) (*models.ActionResult, error) {
		bus.PublishAsync(events.HandoverRequested, req)
		return &models.ActionResult{}, nil
	})

	return registry
}
