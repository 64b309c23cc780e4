package services

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/convocrm/backend/internal/domain/models"
	"github.com/convocrm/backend/internal/domain/ports"
	apperrors "github.com/convocrm/backend/pkg/errors"
)

// FlowCache is a read-through cache over the authoring collaborator. Flow
// definitions are immutable per version, so entries stay valid until the
// provider reports a newer version; every lookup performs that cheap check,
// which lets a newer definition be fetched mid-conversation for one
// conversant without going stale for another.
type FlowCache struct {
	provider ports.FlowProvider
	mu       sync.RWMutex
	cache    map[string]*models.FlowDefinition
}

// NewFlowCache creates a new FlowCache
func NewFlowCache(provider ports.FlowProvider) *FlowCache {
	return &FlowCache{
		provider: provider,
		cache:    make(map[string]*models.FlowDefinition),
	}
}

// GetFlow returns the current version of a definition, from cache when the
// version still matches.
func (fc *FlowCache) GetFlow(ctx context.Context, flowID string) (*models.FlowDefinition, error) {
	version, err := fc.provider.CurrentVersion(ctx, flowID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			fc.Invalidate(flowID)
			return nil, nil
		}
		return nil, fmt.Errorf("flow %s: version check failed: %w", flowID, err)
	}

	fc.mu.RLock()
	cached, ok := fc.cache[flowID]
	fc.mu.RUnlock()
	if ok && cached.Version == version {
		return cached, nil
	}

	flow, err := fc.provider.GetFlow(ctx, flowID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			fc.Invalidate(flowID)
			return nil, nil
		}
		return nil, err
	}
	if flow == nil {
		return nil, nil
	}
	warnFlowDefects(flow)

	fc.mu.Lock()
	fc.cache[flowID] = flow
	fc.mu.Unlock()
	return flow, nil
}

// GetActiveFlows returns all active definitions for trigger matching. The
// result refreshes the cache as a side effect.
func (fc *FlowCache) GetActiveFlows(ctx context.Context) ([]*models.FlowDefinition, error) {
	flows, err := fc.provider.GetActiveFlows(ctx)
	if err != nil {
		return nil, err
	}

	fc.mu.Lock()
	for _, f := range flows {
		fc.cache[f.ID] = f
	}
	fc.mu.Unlock()
	return flows, nil
}

// Invalidate drops one cached definition.
func (fc *FlowCache) Invalidate(flowID string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	delete(fc.cache, flowID)
}

// Clear drops every cached definition (useful for testing).
func (fc *FlowCache) Clear() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.cache = make(map[string]*models.FlowDefinition)
}

// warnFlowDefects logs authoring invariants the engine tolerates but should
// never see: wrong entry-point count, duplicate step IDs, dangling transition
// targets, config/type mismatches.
func warnFlowDefects(flow *models.FlowDefinition) {
	_, entries := flow.EntryStep()
	if entries != 1 {
		log.Printf("⚠️ FlowCache: flow %s v%d has %d entry steps", flow.ID, flow.Version, entries)
	}

	seen := make(map[string]bool, len(flow.Steps))
	for i := range flow.Steps {
		step := &flow.Steps[i]
		if seen[step.ID] {
			log.Printf("⚠️ FlowCache: flow %s has duplicate step ID %s", flow.ID, step.ID)
		}
		seen[step.ID] = true

		if err := step.Validate(); err != nil {
			log.Printf("⚠️ FlowCache: flow %s: %v", flow.ID, err)
		}
	}
	for i := range flow.Steps {
		for _, t := range flow.Steps[i].Transitions {
			if t.TargetFlowID != "" && t.TargetFlowID != flow.ID {
				continue // cross-flow target, checked when that flow loads
			}
			if !seen[t.TargetStepID] {
				log.Printf("⚠️ FlowCache: flow %s step %s transition targets missing step %s", flow.ID, flow.Steps[i].ID, t.TargetStepID)
			}
		}
	}
}
