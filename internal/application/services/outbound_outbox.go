package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
	"github.com/convocrm/backend/pkg/constants"
)

// OutboundOutbox durably stages outbound instructions and drains them to the
// channel-send collaborator. Staging keeps the state write and the sends
// from racing: a crash after persistence cannot lose messages, and the
// per-delivery dedupe key keeps a replayed pass from double-sending.
type OutboundOutbox struct {
	repo   ports.OutboxRepository
	sender ports.MessageSender

	// Worker control
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOutboundOutbox creates a new OutboundOutbox
func NewOutboundOutbox(repo ports.OutboxRepository, sender ports.MessageSender) *OutboundOutbox {
	return &OutboundOutbox{
		repo:   repo,
		sender: sender,
		stopCh: make(chan struct{}),
	}
}

// Enqueue stages one instruction. A dedupeKey already present is a no-op
// returning the existing entry ID.
func (ob *OutboundOutbox) Enqueue(ctx context.Context, instruction models.OutboundInstruction, dedupeKey string) (string, error) {
	id, err := ob.repo.Enqueue(ctx, instruction, dedupeKey)
	if err != nil {
		return "", fmt.Errorf("outbox enqueue failed: %w", err)
	}
	log.Printf("📤 [Outbox] Enqueued instruction %s for %s (index %d)", id, instruction.ConversantID, instruction.OrderIndex)
	return id, nil
}

// StartWorker starts the background worker that drains due instructions.
// The worker polls with the specified interval.
func (ob *OutboundOutbox) StartWorker(interval time.Duration) {
	ob.wg.Add(1)
	go func() {
		defer ob.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Printf("📤 Outbox worker started with %v interval", interval)

		for {
			select {
			case <-ob.stopCh:
				log.Printf("📤 Outbox worker stopping...")
				return
			case <-ticker.C:
				if err := ob.Drain(context.Background()); err != nil {
					log.Printf("⚠️ Outbox worker error: %v", err)
				}
			}
		}
	}()
}

// StopWorker stops the background worker gracefully
func (ob *OutboundOutbox) StopWorker() {
	ob.stopOnce.Do(func() {
		close(ob.stopCh)
	})
	ob.wg.Wait()
	log.Printf("📤 Outbox worker stopped")
}

// Drain claims due instructions and hands them to the channel sender in
// (conversant, order index) order. Failures reschedule with a bounded
// attempt count.
func (ob *OutboundOutbox) Drain(ctx context.Context) error {
	entries, err := ob.repo.ClaimDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		return err
	}

	if len(entries) > 0 {
		log.Printf("🔄 [Outbox] Draining %d due instructions", len(entries))
	}

	for _, entry := range entries {
		if err := ob.sender.Send(ctx, entry.Instruction()); err != nil {
			attempts := entry.Attempts + 1
			if attempts >= constants.OutboxMaxAttempts {
				log.Printf("❌ [Outbox] Instruction %s failed permanently after %d attempts: %v", entry.ID, attempts, err)
				if failErr := ob.repo.Fail(ctx, entry.ID, fmt.Sprintf("max attempts exceeded: %v", err), time.Time{}); failErr != nil {
					log.Printf("⚠️ [Outbox] Failed to mark %s failed: %v", entry.ID, failErr)
				}
				continue
			}

			retryAt := time.Now().UTC().Add(constants.OutboxRetryDelay * time.Duration(attempts))
			log.Printf("⚠️ [Outbox] Instruction %s failed (attempt %d/%d), retry at %s: %v", entry.ID, attempts, constants.OutboxMaxAttempts, retryAt.Format(time.RFC3339), err)
			if failErr := ob.repo.Fail(ctx, entry.ID, err.Error(), retryAt); failErr != nil {
				log.Printf("⚠️ [Outbox] Failed to reschedule %s: %v", entry.ID, failErr)
			}
			continue
		}

		if err := ob.repo.MarkSent(ctx, entry.ID); err != nil {
			log.Printf("⚠️ [Outbox] Failed to mark %s sent: %v", entry.ID, err)
			continue
		}
		log.Printf("✅ [Outbox] Sent instruction %s to %s", entry.ID, entry.ConversantID)
	}

	return nil
}
