package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/convocrm/backend/internal/domain/events"
	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderFlow is the canonical test flow: greet, ask a pick-1-or-2 question,
// record the answer through an action, confirm, end. The question's fallback
// goes straight to the end step; the action's failure edge goes to handover.
func orderFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:      "order",
		Name:    "Order Intake",
		Version: 1,
		Active:  true,
		Triggers: []models.TriggerPredicate{
			{Kind: constants.TriggerKindKeyword, Value: "order"},
		},
		Steps: []models.Step{
			{
				ID:    "greet",
				Entry: true,
				Type:  constants.StepTypeSendMessage,
				Config: models.StepConfig{
					SendMessage: &models.SendMessageConfig{Content: "Hi {{first_name}}!"},
				},
				Transitions: []models.Transition{
					{TargetStepID: "ask", Priority: 0, Seq: 0},
				},
			},
			{
				ID:   "ask",
				Type: constants.StepTypeQuestion,
				Config: models.StepConfig{
					Question: &models.QuestionConfig{
						Prompt:         "Reply 1 for pickup or 2 for delivery.",
						VariableKey:    "method",
						Expect:         constants.AnswerTypeSelection,
						Options:        []string{"pickup", "delivery"},
						RetryMessage:   "Please reply 1 or 2.",
						MaxRetries:     2,
						TimeoutSeconds: 600,
					},
				},
				Transitions: []models.Transition{
					{TargetStepID: "record", Priority: 0, Condition: "timeout != true", Seq: 0},
					{TargetStepID: "bye", Priority: 1, Seq: 1},
				},
			},
			{
				ID:   "record",
				Type: constants.StepTypeAction,
				Config: models.StepConfig{
					Action: &models.ActionStepConfig{
						Calls: []models.ActionCall{
							{
								ActionID:  constants.ActionCreateRecord,
								Params:    map[string]string{"method": "{{method}}"},
								ResultKey: "order_id",
								Blocking:  true,
							},
						},
					},
				},
				Transitions: []models.Transition{
					{TargetStepID: "confirm", Priority: 0, Condition: "action_failed != true", Seq: 0},
					{TargetStepID: "escalate", Priority: 1, Seq: 1},
				},
			},
			{
				ID:   "confirm",
				Type: constants.StepTypeSendMessage,
				Config: models.StepConfig{
					SendMessage: &models.SendMessageConfig{Content: "Got it, {{method}} it is."},
				},
				Transitions: []models.Transition{
					{TargetStepID: "bye", Priority: 0, Seq: 0},
				},
			},
			{
				ID:   "escalate",
				Type: constants.StepTypeHumanHandover,
				Config: models.StepConfig{
					HumanHandover: &models.HumanHandoverConfig{Reason: "order could not be recorded"},
				},
			},
			{ID: "bye", Type: constants.StepTypeEndFlow},
		},
	}
}

func testProfiles() map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"u1": {"first_name": "Ada"},
	}
}

func TestHandleInbound_TriggerStartsFlowAndAsks(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	ctx := context.Background()

	err := fx.engine.HandleInbound(ctx, inbound("u1", "d1", "I want to order"))
	require.NoError(t, err)

	state, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, constants.ConversationStatusActive, state.Status)
	require.NotNil(t, state.CurrentStepID)
	assert.Equal(t, "ask", *state.CurrentStepID)
	assert.True(t, state.AwaitingReply)
	assert.NotNil(t, state.TimeoutAt)
	assert.Equal(t, int64(1), state.Version)

	entries := fx.outboxes.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "Hi Ada!", entries[0].Content)
	assert.Equal(t, "Reply 1 for pickup or 2 for delivery.", entries[1].Content)
	assert.Equal(t, "d1|0", entries[0].DedupeKey)
	assert.Equal(t, "d1|1", entries[1].DedupeKey)
	assert.Equal(t, 0, entries[0].OrderIndex)
	assert.Equal(t, 1, entries[1].OrderIndex)

	started := fx.bus.published(events.ConversationStarted)
	assert.Len(t, started, 1)
}

func TestHandleInbound_DuplicateDeliveryIsNoOp(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))
	before, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)

	// Redelivery of the same event must not run a second pass.
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))

	after, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, fx.outboxes.snapshot(), 2)
}

func TestHandleInbound_SelectionByIndex(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d2", "2")))

	state, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, constants.ConversationStatusCompleted, state.Status)
	assert.Equal(t, "delivery", state.Variables["method"])
	assert.False(t, state.AwaitingReply)
	assert.Nil(t, state.FlowID)

	entries := fx.outboxes.snapshot()
	require.Len(t, entries, 3)
	assert.Equal(t, "Got it, delivery it is.", entries[2].Content)

	requests := fx.actions.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, constants.ActionCreateRecord, requests[0].ActionID)
	assert.Equal(t, "delivery", requests[0].Params["method"])
	// Key is deterministic per (conversant, step, state version): the reply
	// was the second processed event, so the pass ran under version 2.
	assert.Equal(t, "u1|record|2", requests[0].IdempotencyKey)
}

func TestHandleInbound_SelectionByTextCaseInsensitive(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d2", "PickUp")))

	state, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "pickup", state.Variables["method"])
	assert.Equal(t, constants.ConversationStatusCompleted, state.Status)
}

func TestHandleInbound_RetryThenFallbackAfterMaxRetries(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))

	// Two invalid replies consume the retries and re-ask each time.
	for i, text := range []string{"maybe", "dunno"} {
		require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", fmt.Sprintf("bad-%d", i), text)))
		state, err := fx.stateRepo.Get(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, state.AwaitingReply)
		assert.Equal(t, i+1, state.RetryCount)
	}

	entries := fx.outboxes.snapshot()
	require.Len(t, entries, 4)
	assert.Equal(t, "Please reply 1 or 2.", entries[2].Content)
	assert.Equal(t, "Please reply 1 or 2.", entries[3].Content)

	// The third invalid reply exhausts the bound; the fallback edge fires
	// without storing any answer.
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "bad-final", "still no")))

	state, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, constants.ConversationStatusCompleted, state.Status)
	assert.NotContains(t, state.Variables, "method")
	assert.Empty(t, fx.actions.recorded())

	audits := fx.bus.published(events.AuditReplyValidation)
	assert.Len(t, audits, 3)
}

func TestHandleInbound_TimeoutTakesFallbackWithoutRetryAccounting(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))
	require.NoError(t, fx.engine.HandleInbound(ctx, timeoutEvent("u1", "timeout:u1:1")))

	state, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, constants.ConversationStatusCompleted, state.Status)
	assert.NotContains(t, state.Variables, "method")
	assert.Empty(t, fx.bus.published(events.AuditReplyValidation))
	assert.Empty(t, fx.actions.recorded())
}

func TestHandleInbound_StaleTimeoutDiscarded(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d2", "1")))

	before, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)

	// A sweep scheduled before the reply landed must be a no-op.
	require.NoError(t, fx.engine.HandleInbound(ctx, timeoutEvent("u1", "timeout:u1:1")))

	after, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Status, after.Status)
}

func TestHandleInbound_NoTriggerCreatesNoState(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "completely unrelated")))

	state, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Empty(t, fx.outboxes.snapshot())
}

func TestHandleInbound_BlockingActionFailureTakesFailureEdge(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	fx.actions.failures[constants.ActionCreateRecord] = fmt.Errorf("downstream unavailable")
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d2", "1")))

	state, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, constants.ConversationStatusAwaitingHuman, state.Status)

	failures := fx.bus.published(events.AuditActionFailure)
	require.NotEmpty(t, failures)
	handed := fx.bus.published(events.ConversationHandedOver)
	assert.Len(t, handed, 1)
}

func TestHandleInbound_SuppressedWhileAwaitingHuman(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	fx.actions.failures[constants.ActionCreateRecord] = fmt.Errorf("downstream unavailable")
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d2", "1")))

	// Handed over: further inbound traffic is audited and otherwise ignored,
	// even if it would match a trigger.
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d3", "order")))

	suppressed := fx.bus.published(events.AuditSuppressed)
	assert.Len(t, suppressed, 1)

	state, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, constants.ConversationStatusAwaitingHuman, state.Status)

	// Operator resolves; the conversant is idle and triggers work again.
	require.NoError(t, fx.engine.ResolveHandover(ctx, "u1"))
	state, err = fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, constants.ConversationStatusIdle, state.Status)
	assert.Nil(t, state.FlowID)
}

func TestHandleInbound_DeletedFlowAbortsToHandover(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))
	fx.provider.remove("order")
	fx.engine.flows.Clear()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d2", "1")))

	state, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, constants.ConversationStatusAwaitingHuman, state.Status)
	assert.NotEmpty(t, fx.bus.published(events.AuditDefinitionError))
}

func TestHandleInbound_VersionIncrementsPerProcessedEvent(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d2", "nonsense")))
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d3", "1")))

	state, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Version)
}

func TestHandleInbound_ConcurrentConversantsDoNotInterleave(t *testing.T) {
	fx := newEngineFixture(nil, orderFlow())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		conversant := fmt.Sprintf("user-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, fx.engine.HandleInbound(ctx, inbound(conversant, conversant+"-d1", "order")))
			assert.NoError(t, fx.engine.HandleInbound(ctx, inbound(conversant, conversant+"-d2", "1")))
		}()
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		state, err := fx.stateRepo.Get(ctx, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, constants.ConversationStatusCompleted, state.Status)
		assert.Equal(t, "pickup", state.Variables["method"])
	}
}

func TestHandleInbound_ValidationErrors(t *testing.T) {
	fx := newEngineFixture(nil, orderFlow())
	ctx := context.Background()

	err := fx.engine.HandleInbound(ctx, &models.InboundEvent{DeliveryID: "d1"})
	assert.Error(t, err)

	err = fx.engine.HandleInbound(ctx, &models.InboundEvent{ConversantID: "u1"})
	assert.Error(t, err)
}

func TestTimeoutSweeper_InjectsSyntheticEventOnce(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))

	// Force the deadline into the past so the sweep picks the state up.
	state, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	state.TimeoutAt = &past
	require.NoError(t, fx.stateRepo.Save(ctx, state, state.Version))

	sweeper := NewTimeoutSweeper(fx.stateRepo, fx.engine, "")
	require.NoError(t, sweeper.Sweep(ctx))

	after, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, constants.ConversationStatusCompleted, after.Status)

	// A second sweep for the same deadline dedups on the synthetic delivery ID.
	versionAfter := after.Version
	require.NoError(t, sweeper.Sweep(ctx))
	again, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, versionAfter, again.Version)
}

func TestHandleInbound_RedeliveryAfterFailedPassIsReadmitted(t *testing.T) {
	fx := newEngineFixture(testProfiles(), orderFlow())
	ctx := context.Background()

	// The pass fails after the delivery was recorded but before it committed.
	fx.stateRepo.failSaves = 1
	err := fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order"))
	require.Error(t, err)

	state, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Empty(t, fx.outboxes.snapshot())

	// The upstream redelivery of the same delivery ID must run the pass, not
	// be discarded as a duplicate.
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))

	state, err = fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, constants.ConversationStatusActive, state.Status)
	require.NotNil(t, state.CurrentStepID)
	assert.Equal(t, "ask", *state.CurrentStepID)
	assert.Len(t, fx.outboxes.snapshot(), 2)

	// A further redelivery after the committed pass stays a no-op.
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "order")))
	again, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, state.Version, again.Version)
}

// twoQuestionFlow asks for a name and then a quantity, each awaiting its own
// reply with a long deadline.
func twoQuestionFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:      "intake",
		Version: 1,
		Active:  true,
		Triggers: []models.TriggerPredicate{
			{Kind: constants.TriggerKindKeyword, Value: "start"},
		},
		Steps: []models.Step{
			{
				ID:    "ask-name",
				Entry: true,
				Type:  constants.StepTypeQuestion,
				Config: models.StepConfig{
					Question: &models.QuestionConfig{
						Prompt:         "Your name?",
						VariableKey:    "name",
						Expect:         constants.AnswerTypeText,
						TimeoutSeconds: 900,
					},
				},
				Transitions: []models.Transition{
					{TargetStepID: "ask-qty", Priority: 0, Condition: "timeout != true", Seq: 0},
					{TargetStepID: "done", Priority: 1, Seq: 1},
				},
			},
			{
				ID:   "ask-qty",
				Type: constants.StepTypeQuestion,
				Config: models.StepConfig{
					Question: &models.QuestionConfig{
						Prompt:         "How many?",
						VariableKey:    "qty",
						Expect:         constants.AnswerTypeNumber,
						TimeoutSeconds: 900,
					},
				},
				Transitions: []models.Transition{
					{TargetStepID: "done", Priority: 0, Seq: 0},
				},
			},
			{
				ID:     "done",
				Type:   constants.StepTypeEndFlow,
				Config: models.StepConfig{EndFlow: &models.EndFlowConfig{}},
			},
		},
	}
}

func TestHandleInbound_StaleTimeoutDoesNotHitLaterQuestion(t *testing.T) {
	fx := newEngineFixture(testProfiles(), twoQuestionFlow())
	ctx := context.Background()

	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d1", "start")))
	require.NoError(t, fx.engine.HandleInbound(ctx, inbound("u1", "d2", "Ada")))

	before, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, before.CurrentStepID)
	require.Equal(t, "ask-qty", *before.CurrentStepID)
	require.True(t, before.AwaitingReply)

	// A sweep fabricated for the first question's await carries the version
	// it observed; by now the reply advanced the state, so the timeout must
	// not be applied to the second question's unelapsed deadline.
	require.NoError(t, fx.engine.HandleInbound(ctx, timeoutEvent("u1", "timeout:u1:1")))

	after, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, constants.ConversationStatusActive, after.Status)
	require.NotNil(t, after.CurrentStepID)
	assert.Equal(t, "ask-qty", *after.CurrentStepID)
	assert.True(t, after.AwaitingReply)
	assert.Equal(t, before.Version, after.Version)

	// A timeout fabricated against the current await still applies.
	require.NoError(t, fx.engine.HandleInbound(ctx, timeoutEvent("u1", fmt.Sprintf("timeout:u1:%d", before.Version))))
	final, err := fx.stateRepo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, constants.ConversationStatusCompleted, final.Status)
}
