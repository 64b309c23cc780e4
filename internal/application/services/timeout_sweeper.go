package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
	"github.com/convocrm/backend/pkg/constants"
)

// TimeoutSweeper periodically scans for conversations awaiting a reply past
// their timeout and injects a synthetic timeout event through the normal
// engine entry point. The delivery ID embeds the conversation version, so a
// sweep that fires twice before the state advances dedups to a no-op, and a
// sweep raced by a real reply no longer matches the loaded version and is
// discarded by the engine.
type TimeoutSweeper struct {
	stateRepo ports.ConversationRepository
	engine    *EngineService
	schedule  string
	cron      *cron.Cron
}

// NewTimeoutSweeper creates a sweeper with the given cron schedule spec
// (empty uses the default).
func NewTimeoutSweeper(stateRepo ports.ConversationRepository, engine *EngineService, schedule string) *TimeoutSweeper {
	if schedule == "" {
		schedule = constants.DefaultSweepSchedule
	}
	return &TimeoutSweeper{
		stateRepo: stateRepo,
		engine:    engine,
		schedule:  schedule,
	}
}

// Start begins the sweep schedule.
func (ts *TimeoutSweeper) Start() error {
	ts.cron = cron.New()
	if _, err := ts.cron.AddFunc(ts.schedule, func() {
		if err := ts.Sweep(context.Background()); err != nil {
			log.Printf("⚠️ Sweeper error: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", ts.schedule, err)
	}
	ts.cron.Start()
	log.Printf("⏰ Timeout sweeper started (%s)", ts.schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (ts *TimeoutSweeper) Stop() {
	if ts.cron == nil {
		return
	}
	<-ts.cron.Stop().Done()
	log.Printf("⏰ Timeout sweeper stopped")
}

// Sweep injects one synthetic timeout event per overdue conversation.
func (ts *TimeoutSweeper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	overdue, err := ts.stateRepo.ListAwaitingTimeout(ctx, now)
	if err != nil {
		return fmt.Errorf("timeout scan failed: %w", err)
	}

	for _, state := range overdue {
		event := &models.InboundEvent{
			ConversantID: state.ConversantID,
			DeliveryID:   fmt.Sprintf("%s%s:%d", constants.SyntheticDeliveryPrefix, state.ConversantID, state.Version),
			Payload: models.EventPayload{
				Synthetic: models.SyntheticTimeout,
			},
			ReceivedAt: now,
		}
		log.Printf("⏰ Sweeper: injecting timeout for %s (version %d)", state.ConversantID, state.Version)
		if err := ts.engine.HandleInbound(ctx, event); err != nil {
			log.Printf("⚠️ Sweeper: timeout pass failed for %s: %v", state.ConversantID, err)
		}
	}

	return nil
}
