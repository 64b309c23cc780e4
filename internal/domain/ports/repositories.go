package ports

import (
	"context"
	"time"

	"github.com/convocrm/backend/internal/domain/models"
)

// ConversationRepository persists per-conversant state. Save is guarded by
// the state's previous version (optimistic concurrency); a lost race returns
// a conflict error even though the per-conversant serialization should make
// that impossible.
type ConversationRepository interface {
	// Get returns the state for a conversant, or nil if none exists yet.
	Get(ctx context.Context, conversantID string) (*models.ConversationState, error)

	// Save upserts the state. expectedVersion is the version read at load
	// time; the stored row must still carry it for the write to apply.
	Save(ctx context.Context, state *models.ConversationState, expectedVersion int64) error

	// ListAwaitingTimeout returns states awaiting a reply whose timeout has
	// elapsed as of now.
	ListAwaitingTimeout(ctx context.Context, now time.Time) ([]*models.ConversationState, error)
}

// DedupRepository records processed delivery IDs for at-least-once inbound
// delivery. Record is atomic and returns false only for deliveries whose pass
// already committed; a recorded but unprocessed delivery is re-admitted so
// the upstream redelivery can retry a pass that failed midway.
type DedupRepository interface {
	// Record inserts the delivery ID. Returns false if it was already
	// recorded and marked processed.
	Record(ctx context.Context, deliveryID, conversantID string) (bool, error)

	// MarkProcessed stamps the delivery after its pass committed.
	MarkProcessed(ctx context.Context, deliveryID string) error
}

// OutboxRepository stores outbound instructions durably in production order
// so a crash between state persistence and channel send cannot lose or
// reorder messages.
type OutboxRepository interface {
	// Enqueue inserts an instruction. dedupeKey makes re-enqueue after a
	// replayed pass a no-op; the existing row ID is returned.
	Enqueue(ctx context.Context, instruction models.OutboundInstruction, dedupeKey string) (string, error)

	// ClaimDue marks up to limit due instructions as sending and returns
	// them ordered by (conversant, order index). Instructions stuck in
	// sending past the claim timeout are reclaimed.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.OutboxEntry, error)

	// MarkSent marks an instruction as delivered to the channel collaborator.
	MarkSent(ctx context.Context, id string) error

	// Fail records a send failure and schedules the retry.
	Fail(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error
}
