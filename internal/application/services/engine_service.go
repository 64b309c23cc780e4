package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/convocrm/backend/internal/domain/events"
	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
	"github.com/convocrm/backend/pkg/constants"
	apperrors "github.com/convocrm/backend/pkg/errors"
)

// EngineService is the engine's front door. It serializes processing per
// conversant, discards redelivered events, matches triggers, runs the pass,
// and persists the state plus outbound instructions.
type EngineService struct {
	conversations *ConversationService
	executor      *StepExecutor
	flows         *FlowCache
	stateRepo     ports.ConversationRepository
	dedup         ports.DedupRepository
	outbox        *OutboundOutbox
	eventBus      ports.EventPublisher
	locks         *keyedMutex
}

// NewEngineService creates a new EngineService
func NewEngineService(
	conversations *ConversationService,
	executor *StepExecutor,
	flows *FlowCache,
	stateRepo ports.ConversationRepository,
	dedup ports.DedupRepository,
	outbox *OutboundOutbox,
	eventBus ports.EventPublisher,
) *EngineService {
	return &EngineService{
		conversations: conversations,
		executor:      executor,
		flows:         flows,
		stateRepo:     stateRepo,
		dedup:         dedup,
		outbox:        outbox,
		eventBus:      eventBus,
		locks:         newKeyedMutex(),
	}
}

// HandleInbound processes one normalized inbound event end to end. Events
// for the same conversant are strictly serialized; duplicate delivery IDs
// are idempotent no-ops.
func (es *EngineService) HandleInbound(ctx context.Context, event *models.InboundEvent) error {
	if event.ConversantID == "" {
		return apperrors.NewValidationError("conversant_id", "must not be empty")
	}
	if event.DeliveryID == "" {
		return apperrors.NewValidationError("delivery_id", "must not be empty")
	}

	unlock := es.locks.Lock(event.ConversantID)
	defer unlock()

	fresh, err := es.dedup.Record(ctx, event.DeliveryID, event.ConversantID)
	if err != nil {
		return fmt.Errorf("dedup check failed for %s: %w", event.DeliveryID, err)
	}
	if !fresh {
		log.Printf("✅ Engine: duplicate delivery %s for %s discarded", event.DeliveryID, event.ConversantID)
		return nil
	}

	state, err := es.stateRepo.Get(ctx, event.ConversantID)
	if err != nil {
		return fmt.Errorf("failed to load conversation for %s: %w", event.ConversantID, err)
	}
	created := state == nil
	if created {
		state = models.NewConversationState(event.ConversantID)
	}
	loadedVersion := state.Version

	if es.conversations.IsSuppressed(state) {
		// Awaiting a human: all automated processing stays off until an
		// operator resolves the handover.
		es.eventBus.PublishAsync(events.AuditSuppressed, models.AuditEvent{
			ConversantID: state.ConversantID,
			Kind:         string(events.AuditSuppressed),
			Detail:       fmt.Sprintf("delivery %s suppressed while awaiting human", event.DeliveryID),
		})
		return es.dedup.MarkProcessed(ctx, event.DeliveryID)
	}

	var (
		flow   *models.FlowDefinition
		resume bool
	)

	if state.HasActiveFlow() {
		if event.IsTimeout() && (!state.AwaitingReply || !timeoutVersionMatches(event.DeliveryID, loadedVersion)) {
			// Stale sweep: the reply arrived between scan and injection, so
			// the await this timeout was fabricated for no longer exists.
			log.Printf("✅ Engine: stale timeout %s for %s discarded", event.DeliveryID, event.ConversantID)
			return es.dedup.MarkProcessed(ctx, event.DeliveryID)
		}

		flow, err = es.flows.GetFlow(ctx, *state.FlowID)
		if err != nil {
			return fmt.Errorf("failed to fetch flow %s: %w", *state.FlowID, err)
		}
		if flow == nil {
			// Authoring deleted the whole flow while the conversation was
			// parked in it.
			es.executor.AbortDefinition(ctx, state, *state.FlowID, "active flow no longer exists")
			state.Version = loadedVersion + 1
			if err := es.stateRepo.Save(ctx, state, loadedVersion); err != nil {
				return fmt.Errorf("failed to save conversation %s: %w", state.ConversantID, err)
			}
			return es.dedup.MarkProcessed(ctx, event.DeliveryID)
		}
		resume = state.AwaitingReply
	} else {
		if event.IsTimeout() {
			log.Printf("✅ Engine: stale timeout %s for idle %s discarded", event.DeliveryID, event.ConversantID)
			return es.dedup.MarkProcessed(ctx, event.DeliveryID)
		}

		flow, err = es.matchTrigger(ctx, event)
		if err != nil {
			return err
		}
		if flow == nil {
			// Nothing to do for this conversant. States are only created
			// once a trigger matches.
			log.Printf("🔍 Engine: no flow trigger matched for %s", event.ConversantID)
			return es.dedup.MarkProcessed(ctx, event.DeliveryID)
		}

		entry, _ := flow.EntryStep()
		if entry == nil {
			log.Printf("⚠️ Engine: flow %s has no entry step, ignoring trigger", flow.ID)
			return es.dedup.MarkProcessed(ctx, event.DeliveryID)
		}
		if err := es.conversations.Start(state, flow, entry.ID); err != nil {
			return err
		}
		es.eventBus.PublishAsync(events.ConversationStarted, state.ConversantID)
	}

	// The version the pass runs under; action idempotency keys derive from it.
	state.Version = loadedVersion + 1

	result, err := es.executor.ExecutePass(ctx, flow, state, event, resume)
	if err != nil {
		return fmt.Errorf("pass failed for %s: %w", event.ConversantID, err)
	}

	if err := es.stateRepo.Save(ctx, state, loadedVersion); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", state.ConversantID, err)
	}

	// Outbound goes through the durable outbox only after the state write
	// committed; the dedupe key makes a replayed pass unable to double-send.
	for _, inst := range result.Outbound {
		dedupeKey := fmt.Sprintf("%s|%d", event.DeliveryID, inst.OrderIndex)
		if _, err := es.outbox.Enqueue(ctx, inst, dedupeKey); err != nil {
			return fmt.Errorf("failed to enqueue outbound for %s: %w", state.ConversantID, err)
		}
	}

	return es.dedup.MarkProcessed(ctx, event.DeliveryID)
}

// timeoutVersionMatches reports whether a synthetic delivery ID was
// fabricated against the given state version. The sweeper embeds the version
// it observed as the ID's last segment.
func timeoutVersionMatches(deliveryID string, version int64) bool {
	idx := strings.LastIndex(deliveryID, ":")
	if idx < 0 {
		return false
	}
	v, err := strconv.ParseInt(deliveryID[idx+1:], 10, 64)
	if err != nil {
		return false
	}
	return v == version
}

// matchTrigger scans active flows for the first trigger predicate the event
// satisfies. Keywords match case-insensitively against the inbound text;
// intents match the classifier label on the event.
func (es *EngineService) matchTrigger(ctx context.Context, event *models.InboundEvent) (*models.FlowDefinition, error) {
	flows, err := es.flows.GetActiveFlows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch active flows: %w", err)
	}

	text := strings.ToLower(strings.TrimSpace(event.Payload.Text))
	for _, flow := range flows {
		if !flow.Active {
			continue
		}
		for _, trigger := range flow.Triggers {
			switch trigger.Kind {
			case constants.TriggerKindKeyword:
				kw := strings.ToLower(strings.TrimSpace(trigger.Value))
				if kw != "" && (text == kw || strings.Contains(text, kw)) {
					return flow, nil
				}
			case constants.TriggerKindIntent:
				if event.Payload.Intent != "" && strings.EqualFold(event.Payload.Intent, trigger.Value) {
					return flow, nil
				}
			}
		}
	}
	return nil, nil
}

// ResolveHandover clears an awaiting-human status (operator capability).
func (es *EngineService) ResolveHandover(ctx context.Context, conversantID string) error {
	unlock := es.locks.Lock(conversantID)
	defer unlock()

	state, err := es.stateRepo.Get(ctx, conversantID)
	if err != nil {
		return err
	}
	if state == nil {
		return apperrors.NewNotFoundError("conversation", conversantID)
	}
	loadedVersion := state.Version

	if err := es.conversations.Resolve(state); err != nil {
		return apperrors.NewValidationError("status", err.Error())
	}

	state.Version = loadedVersion + 1
	return es.stateRepo.Save(ctx, state, loadedVersion)
}

// ResetConversation clears the active flow without completing it.
func (es *EngineService) ResetConversation(ctx context.Context, conversantID string) error {
	unlock := es.locks.Lock(conversantID)
	defer unlock()

	state, err := es.stateRepo.Get(ctx, conversantID)
	if err != nil {
		return err
	}
	if state == nil {
		return apperrors.NewNotFoundError("conversation", conversantID)
	}
	loadedVersion := state.Version

	if err := es.conversations.Reset(state); err != nil {
		return apperrors.NewValidationError("status", err.Error())
	}

	state.Version = loadedVersion + 1
	return es.stateRepo.Save(ctx, state, loadedVersion)
}

// GetConversation returns the current state for a conversant.
func (es *EngineService) GetConversation(ctx context.Context, conversantID string) (*models.ConversationState, error) {
	state, err := es.stateRepo.Get(ctx, conversantID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, apperrors.NewNotFoundError("conversation", conversantID)
	}
	return state, nil
}
