package services

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
	"github.com/convocrm/backend/pkg/constants"
)

// Undefined is the explicit marker an unknown profile field resolves to.
// Templates referencing it render as empty string (and log), never error.
type undefinedMarker struct{}

func (undefinedMarker) String() string { return "" }

// Undefined is the singleton undefined marker value.
var Undefined = undefinedMarker{}

// IsUndefined reports whether a context value is the undefined marker.
func IsUndefined(v interface{}) bool {
	_, ok := v.(undefinedMarker)
	return ok
}

// ContextResolver merges conversant profile data, flow variables, and the
// triggering event into the single read-only namespace used by templates and
// transition conditions during one pass.
//
// Precedence on key collision, highest wins: event-derived values >
// conversation variables > profile fields.
type ContextResolver struct {
	profiles  ports.ProfileProvider
	evaluator ports.ExpressionEvaluator
}

// NewContextResolver creates a ContextResolver. profiles may be nil when no
// profile collaborator is wired; every profile field is then undefined.
func NewContextResolver(profiles ports.ProfileProvider, evaluator ports.ExpressionEvaluator) *ContextResolver {
	return &ContextResolver{profiles: profiles, evaluator: evaluator}
}

// Resolve builds the merged namespace for this pass.
func (cr *ContextResolver) Resolve(ctx context.Context, state *models.ConversationState, event *models.InboundEvent) map[string]interface{} {
	env := make(map[string]interface{})

	// Profile fields (lowest precedence). Fetch failures degrade to
	// undefined, never abort the pass.
	if cr.profiles != nil {
		profile, err := cr.profiles.GetProfile(ctx, state.ConversantID)
		if err != nil {
			log.Printf("⚠️ ContextResolver: profile fetch failed for %s: %v", state.ConversantID, err)
		}
		for k, v := range profile {
			if v == nil {
				env[k] = Undefined
				continue
			}
			env[k] = v
		}
	}

	// Accumulated conversation variables
	for k, v := range state.Variables {
		env[k] = v
	}

	// Event-derived values (highest precedence)
	if event != nil {
		env[constants.VarReply] = event.Payload.Value()
		env[constants.VarReplyText] = event.Payload.Text
		env[constants.VarReplySelection] = event.Payload.Selection
		env[constants.VarIntent] = event.Payload.Intent
		env[constants.VarTimeout] = event.IsTimeout()
	}

	return env
}

// Render interpolates {{expr}} segments in a template against the namespace.
// Each segment is evaluated by the expression engine; undefined markers,
// nil results, and evaluation failures render as empty string and are logged.
func (cr *ContextResolver) Render(template string, env map[string]interface{}) string {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:start])
		inner := strings.TrimSpace(rest[start+2 : start+end])
		rest = rest[start+end+2:]

		if inner == "" {
			continue
		}
		result, err := cr.evaluator.Evaluate(inner, env)
		if err != nil {
			log.Printf("⚠️ ContextResolver: template segment %q failed: %v", inner, err)
			continue
		}
		if result == nil || IsUndefined(result) {
			log.Printf("⚠️ ContextResolver: template segment %q is undefined", inner)
			continue
		}
		b.WriteString(formatValue(result))
	}
}

// formatValue renders a context value for message text. Whole-number floats
// lose their decimal point so "{{count}}" does not read "2.000000".
func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case float32:
		return formatValue(float64(val))
	default:
		return fmt.Sprintf("%v", v)
	}
}
