package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convocrm/backend/internal/domain/events"
	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
	"github.com/convocrm/backend/pkg/constants"
	apperrors "github.com/convocrm/backend/pkg/errors"
	"github.com/convocrm/backend/pkg/expression"
)

// memConversationRepo is an in-memory ports.ConversationRepository with the
// same optimistic-version semantics as the SQL implementation. failSaves
// induces that many transient Save errors.
type memConversationRepo struct {
	mu        sync.Mutex
	states    map[string]*models.ConversationState
	failSaves int
}

func newMemConversationRepo() *memConversationRepo {
	return &memConversationRepo{states: make(map[string]*models.ConversationState)}
}

func (r *memConversationRepo) Get(_ context.Context, conversantID string) (*models.ConversationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.states[conversantID]
	if !ok {
		return nil, nil
	}
	copied := *stored
	copied.Variables = make(map[string]interface{}, len(stored.Variables))
	for k, v := range stored.Variables {
		copied.Variables[k] = v
	}
	return &copied, nil
}

func (r *memConversationRepo) Save(_ context.Context, state *models.ConversationState, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSaves > 0 {
		r.failSaves--
		return fmt.Errorf("storage unavailable")
	}
	stored, ok := r.states[state.ConversantID]
	if ok && stored.Version != expectedVersion {
		return apperrors.NewConflictError("conversation", "version", fmt.Sprintf("%d", expectedVersion))
	}
	if !ok && expectedVersion != 0 {
		return apperrors.NewConflictError("conversation", "version", fmt.Sprintf("%d", expectedVersion))
	}
	copied := *state
	copied.Variables = make(map[string]interface{}, len(state.Variables))
	for k, v := range state.Variables {
		copied.Variables[k] = v
	}
	r.states[state.ConversantID] = &copied
	return nil
}

func (r *memConversationRepo) ListAwaitingTimeout(_ context.Context, now time.Time) ([]*models.ConversationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*models.ConversationState
	for _, s := range r.states {
		if s.AwaitingReply && s.TimeoutAt != nil && !s.TimeoutAt.After(now) {
			copied := *s
			due = append(due, &copied)
		}
	}
	return due, nil
}

// memDedupRepo is an in-memory ports.DedupRepository.
type memDedupRepo struct {
	mu        sync.Mutex
	seen      map[string]bool
	processed map[string]bool
}

func newMemDedupRepo() *memDedupRepo {
	return &memDedupRepo{seen: make(map[string]bool), processed: make(map[string]bool)}
}

func (r *memDedupRepo) Record(_ context.Context, deliveryID, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[deliveryID] && r.processed[deliveryID] {
		return false, nil
	}
	r.seen[deliveryID] = true
	return true, nil
}

func (r *memDedupRepo) MarkProcessed(_ context.Context, deliveryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[deliveryID] = true
	return nil
}

// memOutboxRepo is an in-memory ports.OutboxRepository preserving enqueue
// order and dedupe-key semantics.
type memOutboxRepo struct {
	mu      sync.Mutex
	entries []models.OutboxEntry
	byKey   map[string]string
	nextID  int
}

func newMemOutboxRepo() *memOutboxRepo {
	return &memOutboxRepo{byKey: make(map[string]string)}
}

func (r *memOutboxRepo) Enqueue(_ context.Context, instruction models.OutboundInstruction, dedupeKey string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey[dedupeKey]; ok {
		return id, nil
	}
	r.nextID++
	id := fmt.Sprintf("outbox-%d", r.nextID)
	r.entries = append(r.entries, models.OutboxEntry{
		ID:           id,
		ConversantID: instruction.ConversantID,
		Content:      instruction.Content,
		OrderIndex:   instruction.OrderIndex,
		Status:       models.OutboxStatusQueued,
		DedupeKey:    dedupeKey,
		CreatedAt:    time.Now().UTC(),
	})
	r.byKey[dedupeKey] = id
	return id, nil
}

func (r *memOutboxRepo) ClaimDue(_ context.Context, now time.Time, limit int) ([]models.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	staleBefore := now.Add(-constants.OutboxClaimTimeout)
	var claimed []models.OutboxEntry
	for i := range r.entries {
		e := &r.entries[i]
		switch {
		case e.Status == models.OutboxStatusQueued:
			if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
				continue
			}
		case e.Status == models.OutboxStatusSending:
			if e.ClaimedAt == nil || e.ClaimedAt.After(staleBefore) {
				continue
			}
		default:
			continue
		}
		e.Status = models.OutboxStatusSending
		claimedAt := now
		e.ClaimedAt = &claimedAt
		claimed = append(claimed, *e)
		if len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

func (r *memOutboxRepo) MarkSent(_ context.Context, id string) error {
	return r.setStatus(id, models.OutboxStatusSent, "", nil)
}

func (r *memOutboxRepo) Fail(_ context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	if nextAttemptAt.IsZero() {
		return r.setStatus(id, models.OutboxStatusFailed, errMsg, nil)
	}
	return r.setStatus(id, models.OutboxStatusQueued, errMsg, &nextAttemptAt)
}

func (r *memOutboxRepo) setStatus(id string, status models.OutboxStatus, errMsg string, nextAttemptAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].ID == id {
			r.entries[i].Status = status
			r.entries[i].LastError = errMsg
			r.entries[i].NextAttemptAt = nextAttemptAt
			if status != models.OutboxStatusSent {
				r.entries[i].Attempts++
			}
			return nil
		}
	}
	return apperrors.NewNotFoundError("outbox entry", id)
}

func (r *memOutboxRepo) snapshot() []models.OutboxEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.OutboxEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// stubFlowProvider serves a fixed set of flow definitions.
type stubFlowProvider struct {
	mu    sync.Mutex
	flows map[string]*models.FlowDefinition
}

func newStubFlowProvider(flows ...*models.FlowDefinition) *stubFlowProvider {
	p := &stubFlowProvider{flows: make(map[string]*models.FlowDefinition)}
	for _, f := range flows {
		p.flows[f.ID] = f
	}
	return p
}

func (p *stubFlowProvider) GetFlow(_ context.Context, flowID string) (*models.FlowDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.flows[flowID]
	if !ok {
		return nil, apperrors.NewNotFoundError("flow", flowID)
	}
	return f, nil
}

func (p *stubFlowProvider) GetActiveFlows(_ context.Context) ([]*models.FlowDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var active []*models.FlowDefinition
	for _, f := range p.flows {
		if f.Active {
			active = append(active, f)
		}
	}
	return active, nil
}

func (p *stubFlowProvider) CurrentVersion(_ context.Context, flowID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.flows[flowID]
	if !ok {
		return 0, apperrors.NewNotFoundError("flow", flowID)
	}
	return f.Version, nil
}

func (p *stubFlowProvider) remove(flowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.flows, flowID)
}

// mockActionExecutor records every dispatched request and can fail specific
// action IDs.
type mockActionExecutor struct {
	mu       sync.Mutex
	requests []models.ActionRequest
	failures map[string]error
	results  map[string]*models.ActionResult
}

func newMockActionExecutor() *mockActionExecutor {
	return &mockActionExecutor{
		failures: make(map[string]error),
		results:  make(map[string]*models.ActionResult),
	}
}

func (m *mockActionExecutor) Execute(_ context.Context, req models.ActionRequest) (*models.ActionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if err, ok := m.failures[req.ActionID]; ok {
		return nil, err
	}
	if res, ok := m.results[req.ActionID]; ok {
		return res, nil
	}
	return &models.ActionResult{}, nil
}

func (m *mockActionExecutor) recorded() []models.ActionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ActionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// stubProfileProvider serves fixed profile maps per conversant.
type stubProfileProvider struct {
	profiles map[string]map[string]interface{}
	err      error
}

func (p *stubProfileProvider) GetProfile(_ context.Context, conversantID string) (map[string]interface{}, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.profiles[conversantID], nil
}

// syncEventBus records published events synchronously so tests can assert on
// the audit feed without races.
type syncEventBus struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Type    events.EventType
	Payload interface{}
}

func (b *syncEventBus) Subscribe(events.EventType, ports.EventHandler) func() {
	return func() {}
}

func (b *syncEventBus) Publish(_ context.Context, eventType events.EventType, payload interface{}) error {
	b.PublishAsync(eventType, payload)
	return nil
}

func (b *syncEventBus) PublishAsync(eventType events.EventType, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, publishedEvent{Type: eventType, Payload: payload})
}

func (b *syncEventBus) published(eventType events.EventType) []publishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedEvent
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// mockSender records outbound sends and can fail a fixed number of times.
type mockSender struct {
	mu        sync.Mutex
	sent      []models.OutboundInstruction
	failTimes int
}

func (m *mockSender) Send(_ context.Context, instruction models.OutboundInstruction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTimes > 0 {
		m.failTimes--
		return fmt.Errorf("channel unavailable")
	}
	m.sent = append(m.sent, instruction)
	return nil
}

// engineFixture bundles a fully wired engine over the in-memory fakes.
type engineFixture struct {
	engine    *EngineService
	stateRepo *memConversationRepo
	dedup     *memDedupRepo
	outboxes  *memOutboxRepo
	actions   *mockActionExecutor
	bus       *syncEventBus
	provider  *stubFlowProvider
}

func newEngineFixture(profiles map[string]map[string]interface{}, flows ...*models.FlowDefinition) *engineFixture {
	provider := newStubFlowProvider(flows...)
	bus := &syncEventBus{}
	actions := newMockActionExecutor()
	stateRepo := newMemConversationRepo()
	dedup := newMemDedupRepo()
	outboxRepo := newMemOutboxRepo()

	evaluator := expression.NewEngine()
	cache := NewFlowCache(provider)
	resolver := NewContextResolver(&stubProfileProvider{profiles: profiles}, evaluator)
	transitions := NewTransitionResolver(evaluator)
	conversations := NewConversationService()
	dispatcher := NewActionDispatcher(actions, resolver, bus)
	executor := NewStepExecutor(cache, conversations, resolver, transitions, dispatcher, bus)
	outbox := NewOutboundOutbox(outboxRepo, &mockSender{})
	engine := NewEngineService(conversations, executor, cache, stateRepo, dedup, outbox, bus)

	return &engineFixture{
		engine:    engine,
		stateRepo: stateRepo,
		dedup:     dedup,
		outboxes:  outboxRepo,
		actions:   actions,
		bus:       bus,
		provider:  provider,
	}
}

func inbound(conversantID, deliveryID, text string) *models.InboundEvent {
	return &models.InboundEvent{
		ConversantID: conversantID,
		DeliveryID:   deliveryID,
		Payload:      models.EventPayload{Text: text},
		ReceivedAt:   time.Now().UTC(),
	}
}

func timeoutEvent(conversantID, deliveryID string) *models.InboundEvent {
	return &models.InboundEvent{
		ConversantID: conversantID,
		DeliveryID:   deliveryID,
		Payload:      models.EventPayload{Synthetic: models.SyntheticTimeout},
		ReceivedAt:   time.Now().UTC(),
	}
}
