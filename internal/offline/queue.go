// Package offline is the action queue and synchronization engine: it
// durably records delivery actions that could not reach the backend,
// replays them in order when connectivity returns, and keeps an
// optimistic local shadow of delivery records for immediate feedback.
package offline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/diayal/courierd/internal/model"
	"github.com/diayal/courierd/internal/security"
	"github.com/diayal/courierd/internal/store"
)

// Queue is the durable FIFO pending-action log. Enqueue and List never
// propagate storage faults to callers; a failed write is logged and the
// action is lost, a failed read reads as empty.
type Queue struct {
	store  *store.Store
	errlog func(scope string, err error)
}

func NewQueue(s *store.Store) *Queue {
	return &Queue{store: s, errlog: defaultErrlog}
}

// Errors can echo request payloads; redact before they reach a log.
func defaultErrlog(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "courierd: %s: %s\n", scope, security.RedactLine(err.Error()))
}

// WithErrlog overrides fault logging; used by tests.
func (q *Queue) WithErrlog(errlog func(scope string, err error)) *Queue {
	q.errlog = errlog
	return q
}

// Enqueue appends an action with a fresh id and zero retries, returning
// the stored record. Queuing is best-effort: storage faults are logged,
// never surfaced into UI-facing call paths.
func (q *Queue) Enqueue(ctx context.Context, actionType model.ActionType, deliveryID string, payload model.ActionPayload) model.PendingAction {
	action := model.PendingAction{
		ID:         uuid.NewString(),
		Type:       actionType,
		DeliveryID: deliveryID,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		Retries:    0,
	}
	if err := q.store.AppendAction(ctx, action); err != nil {
		q.errlog("enqueue action", err)
	}
	return action
}

// List returns the log in insertion order; storage faults read as empty.
func (q *Queue) List(ctx context.Context) []model.PendingAction {
	actions, err := q.store.ListActions(ctx)
	if err != nil {
		q.errlog("list pending actions", err)
		return nil
	}
	return actions
}

// Remove deletes by id; removing a non-existent id is a no-op.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.RemoveAction(ctx, id)
}

// UpdateRetries persists a new retry count; used only by the sync loop.
func (q *Queue) UpdateRetries(ctx context.Context, id string, retries int) error {
	return q.store.UpdateActionRetries(ctx, id, retries)
}

func (q *Queue) Depth(ctx context.Context) int {
	n, err := q.store.CountActions(ctx)
	if err != nil {
		q.errlog("count pending actions", err)
		return 0
	}
	return n
}
