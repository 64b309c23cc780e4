package ports

import (
	"context"

	"github.com/convocrm/backend/internal/domain/models"
)

// ActionExecutor performs one external-effect call on behalf of the engine
// (create business record, queue notification, request human handover).
// Implementations must treat IdempotencyKey as a dedupe token: a retried
// request with the same key must not repeat the side effect.
//
// The engine waits only for acknowledgment of enqueue, not completion.
type ActionExecutor interface {
	Execute(ctx context.Context, req models.ActionRequest) (*models.ActionResult, error)
}
