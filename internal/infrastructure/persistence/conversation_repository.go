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

// ConversationRepository persists per-conversant state with an optimistic
// version column.
type ConversationRepository struct {
	db *sql.DB
}

// NewConversationRepository creates a new ConversationRepository
func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

var _ ports.ConversationRepository = (*ConversationRepository)(nil)

// Get returns the state for a conversant, or nil if none exists yet.
func (r *ConversationRepository) Get(ctx context.Context, conversantID string) (*models.ConversationState, error) {
	query := fmt.Sprintf(`
		SELECT conversant_id, flow_id, flow_version, current_step_id, variables,
		       version, status, awaiting_reply, retry_count, awaiting_since, timeout_at, updated_at
		FROM %s
		WHERE conversant_id = ?
	`, constants.TableConversation)

	row := r.db.QueryRowContext(ctx, query, conversantID)
	state, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}
	return state, nil
}

// Save upserts the state. The stored row must still carry expectedVersion for
// the write to apply; a mismatch means another writer got there first.
func (r *ConversationRepository) Save(ctx context.Context, state *models.ConversationState, expectedVersion int64) error {
	variablesJSON, err := json.Marshal(state.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation variables: %w", err)
	}

	state.UpdatedAt = time.Now().UTC()

	if expectedVersion == 0 {
		query := fmt.Sprintf(`
			INSERT INTO %s (conversant_id, flow_id, flow_version, current_step_id, variables,
			                version, status, awaiting_reply, retry_count, awaiting_since, timeout_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, constants.TableConversation)

		_, err = r.db.ExecContext(ctx, query,
			state.ConversantID, state.FlowID, state.FlowVersion, state.CurrentStepID, variablesJSON,
			state.Version, state.Status, state.AwaitingReply, state.RetryCount,
			state.AwaitingSince, state.TimeoutAt, state.UpdatedAt)
		if err != nil {
			return apperrors.NewConflictError("conversation", "conversant_id", state.ConversantID)
		}
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET flow_id = ?, flow_version = ?, current_step_id = ?, variables = ?,
		    version = ?, status = ?, awaiting_reply = ?, retry_count = ?,
		    awaiting_since = ?, timeout_at = ?, updated_at = ?
		WHERE conversant_id = ? AND version = ?
	`, constants.TableConversation)

	result, err := r.db.ExecContext(ctx, query,
		state.FlowID, state.FlowVersion, state.CurrentStepID, variablesJSON,
		state.Version, state.Status, state.AwaitingReply, state.RetryCount,
		state.AwaitingSince, state.TimeoutAt, state.UpdatedAt,
		state.ConversantID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update conversation state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return apperrors.NewConflictError("conversation", "version", fmt.Sprintf("%d", expectedVersion))
	}
	return nil
}

// ListAwaitingTimeout returns states awaiting a reply whose timeout has
// elapsed as of now.
func (r *ConversationRepository) ListAwaitingTimeout(ctx context.Context, now time.Time) ([]*models.ConversationState, error) {
	query := fmt.Sprintf(`
		SELECT conversant_id, flow_id, flow_version, current_step_id, variables,
		       version, status, awaiting_reply, retry_count, awaiting_since, timeout_at, updated_at
		FROM %s
		WHERE awaiting_reply = TRUE AND timeout_at IS NOT NULL AND timeout_at <= ?
		ORDER BY timeout_at ASC
	`, constants.TableConversation)

	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query timed-out conversations: %w", err)
	}
	defer rows.Close()

	var states []*models.ConversationState
	for rows.Next() {
		state, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// scanner abstracts *sql.Row vs *sql.Rows for a single shared scan path.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(s scanner) (*models.ConversationState, error) {
	var (
		state         models.ConversationState
		flowID        sql.NullString
		currentStepID sql.NullString
		variablesJSON []byte
		awaitingSince sql.NullTime
		timeoutAt     sql.NullTime
	)

	err := s.Scan(&state.ConversantID, &flowID, &state.FlowVersion, &currentStepID, &variablesJSON,
		&state.Version, &state.Status, &state.AwaitingReply, &state.RetryCount,
		&awaitingSince, &timeoutAt, &state.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if flowID.Valid {
		state.FlowID = &flowID.String
	}
	if currentStepID.Valid {
		state.CurrentStepID = &currentStepID.String
	}
	if awaitingSince.Valid {
		t := awaitingSince.Time
		state.AwaitingSince = &t
	}
	if timeoutAt.Valid {
		t := timeoutAt.Time
		state.TimeoutAt = &t
	}
	if len(variablesJSON) > 0 {
		if err := json.Unmarshal(variablesJSON, &state.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation variables: %w", err)
		}
	}
	if state.Variables == nil {
		state.Variables = make(map[string]interface{})
	}
	return &state, nil
}
