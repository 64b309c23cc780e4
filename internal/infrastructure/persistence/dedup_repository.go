package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/convocrm/backend/internal/domain/ports"
	"github.com/convocrm/backend/pkg/constants"
)

// DedupRepository records processed inbound delivery IDs. The primary key on
// delivery_id makes Record atomic under concurrent redelivery.
type DedupRepository struct {
	db *sql.DB
}

// NewDedupRepository creates a new DedupRepository
func NewDedupRepository(db *sql.DB) *DedupRepository {
	return &DedupRepository{db: db}
}

var _ ports.DedupRepository = (*DedupRepository)(nil)

// Record inserts the delivery ID. Returns false only when the delivery was
// already fully processed. A row left with processed=FALSE means the earlier
// pass failed before committing, so the redelivery is re-admitted and the
// event gets another chance instead of being discarded.
func (r *DedupRepository) Record(ctx context.Context, deliveryID, conversantID string) (bool, error) {
	query := fmt.Sprintf(`
		INSERT IGNORE INTO %s (delivery_id, conversant_id, processed, received_at)
		VALUES (?, ?, FALSE, ?)
	`, constants.TableInboundDedup)

	result, err := r.db.ExecContext(ctx, query, deliveryID, conversantID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record delivery: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check delivery insert: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	existing := fmt.Sprintf(`SELECT processed FROM %s WHERE delivery_id = ?`, constants.TableInboundDedup)
	var processed bool
	if err := r.db.QueryRowContext(ctx, existing, deliveryID).Scan(&processed); err != nil {
		return false, fmt.Errorf("failed to check delivery status: %w", err)
	}
	return !processed, nil
}

// MarkProcessed stamps the delivery after its pass committed.
func (r *DedupRepository) MarkProcessed(ctx context.Context, deliveryID string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET processed = TRUE, processed_at = ? WHERE delivery_id = ?
	`, constants.TableInboundDedup)

	if _, err := r.db.ExecContext(ctx, query, time.Now().UTC(), deliveryID); err != nil {
		return fmt.Errorf("failed to mark delivery processed: %w", err)
	}
	return nil
}
