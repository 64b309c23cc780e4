package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
	"github.com/convocrm/backend/pkg/constants"
	"github.com/convocrm/backend/pkg/utils"
)

// OutboxRepository stores outbound instructions durably until the delivery
// worker hands them to the channel collaborator.
type OutboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository creates a new OutboxRepository
func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

var _ ports.OutboxRepository = (*OutboxRepository)(nil)

// Enqueue inserts an instruction. The unique key on dedupe_key makes
// re-enqueue after a replayed pass a no-op; the existing row ID is returned.
func (r *OutboxRepository) Enqueue(ctx context.Context, instruction models.OutboundInstruction, dedupeKey string) (string, error) {
	id := utils.GenerateID()
	now := time.Now().UTC()

	query := fmt.Sprintf(`
		INSERT IGNORE INTO %s (id, conversant_id, content, order_index, status, attempts, dedupe_key, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, constants.TableOutbox)

	result, err := r.db.ExecContext(ctx, query,
		id, instruction.ConversantID, instruction.Content, instruction.OrderIndex,
		string(models.OutboxStatusQueued), dedupeKey, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue outbound instruction: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to check outbox insert: %w", err)
	}
	if affected == 0 {
		// Replay of an already-enqueued instruction
		existing := fmt.Sprintf(`SELECT id FROM %s WHERE dedupe_key = ?`, constants.TableOutbox)
		if err := r.db.QueryRowContext(ctx, existing, dedupeKey).Scan(&id); err != nil {
			return "", fmt.Errorf("failed to resolve existing outbox entry: %w", err)
		}
	}
	return id, nil
}

// ClaimDue marks up to limit due instructions as sending and returns them
// ordered by (conversant, order index) so per-conversant message order holds.
// Besides queued entries, it reclaims entries stuck in sending longer than
// the claim timeout: a crash between claim and the sent/failed mark must not
// strand the instruction.
func (r *OutboxRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.OutboxEntry, error) {
	staleBefore := now.Add(-constants.OutboxClaimTimeout)

	query := fmt.Sprintf(`
		SELECT id, conversant_id, content, order_index, status, attempts, dedupe_key, next_attempt_at, claimed_at, last_error, created_at
		FROM %s
		WHERE (status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
		   OR (status = ? AND claimed_at <= ?)
		ORDER BY conversant_id ASC, created_at ASC, order_index ASC
		LIMIT ?
	`, constants.TableOutbox)

	rows, err := r.db.QueryContext(ctx, query,
		string(models.OutboxStatusQueued), now,
		string(models.OutboxStatusSending), staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		var (
			e             models.OutboxEntry
			status        string
			nextAttemptAt sql.NullTime
			claimedAt     sql.NullTime
			lastError     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ConversantID, &e.Content, &e.OrderIndex, &status,
			&e.Attempts, &e.DedupeKey, &nextAttemptAt, &claimedAt, &lastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Status = models.OutboxStatus(status)
		if nextAttemptAt.Valid {
			t := nextAttemptAt.Time
			e.NextAttemptAt = &t
		}
		if claimedAt.Valid {
			t := claimedAt.Time
			e.ClaimedAt = &t
		}
		if lastError.Valid {
			e.LastError = lastError.String
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	update := fmt.Sprintf(`
		UPDATE %s SET status = ?, claimed_at = ?
		WHERE id = ? AND (status = ? OR (status = ? AND claimed_at <= ?))
	`, constants.TableOutbox)
	claimed := entries[:0]
	for _, e := range entries {
		result, err := r.db.ExecContext(ctx, update,
			string(models.OutboxStatusSending), now, e.ID,
			string(models.OutboxStatusQueued), string(models.OutboxStatusSending), staleBefore)
		if err != nil {
			return nil, fmt.Errorf("failed to claim outbox entry %s: %w", e.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check outbox claim: %w", err)
		}
		if affected > 0 {
			e.Status = models.OutboxStatusSending
			claimedAt := now
			e.ClaimedAt = &claimedAt
			claimed = append(claimed, e)
		}
	}
	return claimed, nil
}

// MarkSent marks an instruction as delivered to the channel collaborator.
func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ?`, constants.TableOutbox)
	if _, err := r.db.ExecContext(ctx, query, string(models.OutboxStatusSent), id); err != nil {
		return fmt.Errorf("failed to mark outbox entry sent: %w", err)
	}
	return nil
}

// Fail records a send failure. A zero nextAttemptAt marks the entry as
// permanently failed; otherwise it is requeued for the given time.
func (r *OutboxRepository) Fail(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	if nextAttemptAt.IsZero() {
		query := fmt.Sprintf(`
			UPDATE %s SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = NULL
			WHERE id = ?
		`, constants.TableOutbox)
		if _, err := r.db.ExecContext(ctx, query, string(models.OutboxStatusFailed), errMsg, id); err != nil {
			return fmt.Errorf("failed to mark outbox entry failed: %w", err)
		}
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE id = ?
	`, constants.TableOutbox)
	if _, err := r.db.ExecContext(ctx, query, string(models.OutboxStatusQueued), errMsg, nextAttemptAt, id); err != nil {
		return fmt.Errorf("failed to requeue outbox entry: %w", err)
	}
	return nil
}
