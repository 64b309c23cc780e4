package services

import (
	"log"
	"sort"

	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
	apperrors "github.com/convocrm/backend/pkg/errors"
)

// TransitionResolver picks the next step from a step's ordered transition
// list. The algorithm is deterministic: transitions sort by ascending
// priority with authoring order (Seq) as the stable tie-break, conditions are
// evaluated in that order, first match wins, and the unconditioned transition
// (if any) is the default chosen last.
type TransitionResolver struct {
	evaluator ports.ExpressionEvaluator
}

// NewTransitionResolver creates a TransitionResolver
func NewTransitionResolver(evaluator ports.ExpressionEvaluator) *TransitionResolver {
	return &TransitionResolver{evaluator: evaluator}
}

// Resolve returns the chosen transition for the step against the merged
// context. A step with no transitions returns (nil, nil): it is terminal.
// A step whose conditions all fail and which has no default returns a
// NoTransitionError.
func (tr *TransitionResolver) Resolve(flowID string, step *models.Step, env map[string]interface{}) (*models.Transition, error) {
	if len(step.Transitions) == 0 {
		return nil, nil
	}

	ordered := make([]models.Transition, len(step.Transitions))
	copy(ordered, step.Transitions)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].Seq < ordered[j].Seq
	})

	var fallback *models.Transition
	for i := range ordered {
		t := &ordered[i]
		if t.Condition == "" {
			// Default edge: remembered, chosen only if nothing matches.
			if fallback == nil {
				fallback = t
			}
			continue
		}

		matched, err := tr.evaluator.EvaluateBool(t.Condition, env)
		if err != nil {
			log.Printf("⚠️ TransitionResolver: flow %s step %s condition %q: %v", flowID, step.ID, t.Condition, err)
			continue
		}
		if matched {
			return t, nil
		}
	}

	if fallback != nil {
		return fallback, nil
	}
	return nil, apperrors.NewNoTransitionError(flowID, step.ID)
}

// Fallback returns the step's unconditioned default transition, or nil.
// Used when a question step exhausts its retries: the fallback fires without
// re-evaluating reply conditions.
func (tr *TransitionResolver) Fallback(step *models.Step) *models.Transition {
	var fallback *models.Transition
	for i := range step.Transitions {
		t := &step.Transitions[i]
		if t.Condition != "" {
			continue
		}
		if fallback == nil || t.Priority < fallback.Priority ||
			(t.Priority == fallback.Priority && t.Seq < fallback.Seq) {
			fallback = t
		}
	}
	return fallback
}
