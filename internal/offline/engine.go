package offline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/diayal/courierd/internal/model"
	"github.com/diayal/courierd/internal/store"
)

// Remote is the subset of the backend client the sync engine replays
// queued actions against.
type Remote interface {
	AcceptDelivery(ctx context.Context, id string) error
	RejectDelivery(ctx context.Context, id, reason string) error
	UpdateDeliveryStatus(ctx context.Context, id string, status model.DeliveryStatus, loc *model.Location) error
	ValidateDeliveryCode(ctx context.Context, id, code string) (model.CodeValidation, error)
	MarkDeliveryFailed(ctx context.Context, id string, reason model.FailureReason, comment string, loc *model.Location) error
	UploadProofPhoto(ctx context.Context, id, photoPath string) error
}

// Summary counts the outcome of one sync pass.
type Summary struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

const (
	engineIdle int32 = iota
	engineSyncing
)

// Engine drains the pending-action log against the backend. At most one
// pass runs at a time: a Sync arriving while one is in flight returns a
// zero summary immediately instead of blocking.
type Engine struct {
	queue        *Queue
	shadow       *Shadow
	remote       Remote
	store        *store.Store
	retryCeiling int
	state        atomic.Int32
	lastSync     atomic.Pointer[syncRecord]
	errlog       func(scope string, err error)
}

type syncRecord struct {
	At      time.Time
	Summary Summary
}

func NewEngine(queue *Queue, shadow *Shadow, remote Remote, s *store.Store, retryCeiling int) *Engine {
	if retryCeiling <= 0 {
		retryCeiling = 3
	}
	return &Engine{
		queue:        queue,
		shadow:       shadow,
		remote:       remote,
		store:        s,
		retryCeiling: retryCeiling,
		errlog:       defaultErrlog,
	}
}

func (e *Engine) WithErrlog(errlog func(scope string, err error)) *Engine {
	e.errlog = errlog
	return e
}

// Sync runs one drain pass over the pending log in insertion order.
// Failures are isolated per action: one action failing never aborts the
// pass or reorders the remainder.
func (e *Engine) Sync(ctx context.Context) Summary {
	if !e.state.CompareAndSwap(engineIdle, engineSyncing) {
		return Summary{}
	}
	defer e.state.Store(engineIdle)

	var summary Summary
	for _, action := range e.queue.List(ctx) {
		if err := ctx.Err(); err != nil {
			break
		}
		if !knownActionType(action.Type) {
			e.errlog(fmt.Sprintf("action %s", action.ID), fmt.Errorf("unknown action type %s", action.Type))
			e.deadLetter(ctx, action, model.DeadLetterUnknownType, "")
			continue
		}
		err := e.execute(ctx, action)
		if err == nil {
			if removeErr := e.queue.Remove(ctx, action.ID); removeErr != nil {
				e.errlog("remove synced action", removeErr)
			}
			e.shadow.ClearDelivery(ctx, action.DeliveryID)
			summary.Success++
			continue
		}
		if ctx.Err() != nil {
			// Canceled mid-flight: the failure belongs to the pass, not
			// the action, so its retry budget stays intact.
			break
		}
		e.errlog(fmt.Sprintf("sync action %s %s", action.Type, action.ID), err)
		if action.Retries >= e.retryCeiling {
			e.deadLetter(ctx, action, model.DeadLetterRetryCeiling, err.Error())
			summary.Failed++
			continue
		}
		if updateErr := e.queue.UpdateRetries(ctx, action.ID, action.Retries+1); updateErr != nil {
			e.errlog("update action retries", updateErr)
		}
	}

	e.lastSync.Store(&syncRecord{At: time.Now().UTC(), Summary: summary})
	return summary
}

// DeadLetters lists the actions permanently dropped from the queue.
func (e *Engine) DeadLetters(ctx context.Context) ([]model.DeadLetter, error) {
	return e.store.ListDeadLetters(ctx)
}

// PurgeDeadLetters discards the dead-letter table after inspection.
func (e *Engine) PurgeDeadLetters(ctx context.Context) error {
	return e.store.PurgeDeadLetters(ctx)
}

// LastSync reports when the most recent pass finished and its summary.
func (e *Engine) LastSync() (time.Time, Summary, bool) {
	rec := e.lastSync.Load()
	if rec == nil {
		return time.Time{}, Summary{}, false
	}
	return rec.At, rec.Summary, true
}

func (e *Engine) execute(ctx context.Context, action model.PendingAction) error {
	switch action.Type {
	case model.ActionAcceptDelivery:
		return e.remote.AcceptDelivery(ctx, action.DeliveryID)
	case model.ActionRejectDelivery:
		return e.remote.RejectDelivery(ctx, action.DeliveryID, action.Payload.Reason)
	case model.ActionUpdateStatus:
		return e.remote.UpdateDeliveryStatus(ctx, action.DeliveryID, action.Payload.Status, action.Payload.Location)
	case model.ActionValidateCode:
		result, err := e.remote.ValidateDeliveryCode(ctx, action.DeliveryID, action.Payload.Code)
		if err != nil {
			return err
		}
		if !result.Valid {
			return fmt.Errorf("code rejected: %s", result.Message)
		}
		return nil
	case model.ActionMarkFailed:
		return e.remote.MarkDeliveryFailed(ctx, action.DeliveryID,
			model.FailureReason(action.Payload.Reason), action.Payload.Comment, action.Payload.Location)
	case model.ActionUploadPhoto:
		return e.remote.UploadProofPhoto(ctx, action.DeliveryID, action.Payload.PhotoPath)
	default:
		return fmt.Errorf("unreachable action type %s", action.Type)
	}
}

// deadLetter moves an action out of the pending log into the durable
// dead-letter table so permanent loss stays inspectable.
func (e *Engine) deadLetter(ctx context.Context, action model.PendingAction, cause model.DeadLetterCause, lastError string) {
	if err := e.store.AppendDeadLetter(ctx, model.DeadLetter{
		Action:    action,
		Cause:     cause,
		DroppedAt: time.Now().UTC(),
		LastError: lastError,
	}); err != nil {
		e.errlog("append dead letter", err)
	}
	if err := e.queue.Remove(ctx, action.ID); err != nil {
		e.errlog("remove dead-lettered action", err)
	}
}

func knownActionType(t model.ActionType) bool {
	switch t {
	case model.ActionAcceptDelivery, model.ActionRejectDelivery, model.ActionUpdateStatus,
		model.ActionValidateCode, model.ActionMarkFailed, model.ActionUploadPhoto:
		return true
	}
	return false
}
