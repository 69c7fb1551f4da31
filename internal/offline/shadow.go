package offline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/diayal/courierd/internal/model"
	"github.com/diayal/courierd/internal/securestore"
)

const (
	deliveriesKey = "offline_deliveries"
	patchesKey    = "shadow_patches"
)

// DeliveryPatch is a partial overlay merged onto a cached delivery for
// optimistic feedback. Nil fields are left untouched.
type DeliveryPatch struct {
	Status         *model.DeliveryStatus `json:"status,omitempty"`
	FailureReason  *model.FailureReason  `json:"failureReason,omitempty"`
	FailureComment *string               `json:"failureComment,omitempty"`
	AcceptedAt     *time.Time            `json:"acceptedAt,omitempty"`
	RejectedAt     *time.Time            `json:"rejectedAt,omitempty"`
	PickedUpAt     *time.Time            `json:"pickedUpAt,omitempty"`
	EnRouteAt      *time.Time            `json:"enRouteAt,omitempty"`
	ArrivedAt      *time.Time            `json:"arrivedAt,omitempty"`
	DeliveredAt    *time.Time            `json:"deliveredAt,omitempty"`
	FailedAt       *time.Time            `json:"failedAt,omitempty"`
}

func (p DeliveryPatch) apply(d *model.Delivery) {
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.FailureReason != nil {
		d.FailureReason = *p.FailureReason
	}
	if p.FailureComment != nil {
		d.FailureComment = *p.FailureComment
	}
	if p.AcceptedAt != nil {
		d.AcceptedAt = p.AcceptedAt
	}
	if p.RejectedAt != nil {
		d.RejectedAt = p.RejectedAt
	}
	if p.PickedUpAt != nil {
		d.PickedUpAt = p.PickedUpAt
	}
	if p.EnRouteAt != nil {
		d.EnRouteAt = p.EnRouteAt
	}
	if p.ArrivedAt != nil {
		d.ArrivedAt = p.ArrivedAt
	}
	if p.DeliveredAt != nil {
		d.DeliveredAt = p.DeliveredAt
	}
	if p.FailedAt != nil {
		d.FailedAt = p.FailedAt
	}
}

func (p *DeliveryPatch) merge(next DeliveryPatch) {
	if next.Status != nil {
		p.Status = next.Status
	}
	if next.FailureReason != nil {
		p.FailureReason = next.FailureReason
	}
	if next.FailureComment != nil {
		p.FailureComment = next.FailureComment
	}
	if next.AcceptedAt != nil {
		p.AcceptedAt = next.AcceptedAt
	}
	if next.RejectedAt != nil {
		p.RejectedAt = next.RejectedAt
	}
	if next.PickedUpAt != nil {
		p.PickedUpAt = next.PickedUpAt
	}
	if next.EnRouteAt != nil {
		p.EnRouteAt = next.EnRouteAt
	}
	if next.ArrivedAt != nil {
		p.ArrivedAt = next.ArrivedAt
	}
	if next.DeliveredAt != nil {
		p.DeliveredAt = next.DeliveredAt
	}
	if next.FailedAt != nil {
		p.FailedAt = next.FailedAt
	}
}

// Shadow is the locally cached, locally mutated copy of delivery records.
// The base list is the last server fetch; patches are optimistic overlays
// keyed by delivery id, superseded by the next successful fetch and
// dropped when the corresponding action replays.
type Shadow struct {
	sec    *securestore.SecureStore
	errlog func(scope string, err error)
}

func NewShadow(sec *securestore.SecureStore) *Shadow {
	return &Shadow{sec: sec, errlog: defaultErrlog}
}

func (s *Shadow) WithErrlog(errlog func(scope string, err error)) *Shadow {
	s.errlog = errlog
	return s
}

// SaveDeliveries replaces the base list with a fresh server fetch.
func (s *Shadow) SaveDeliveries(ctx context.Context, deliveries []model.Delivery) {
	raw, err := json.Marshal(deliveries)
	if err != nil {
		s.errlog("encode delivery cache", err)
		return
	}
	if err := s.sec.SetEncrypted(ctx, deliveriesKey, raw); err != nil {
		s.errlog("save delivery cache", err)
	}
}

// Deliveries returns the cached list with optimistic patches applied.
// Storage faults read as empty; the shadow is never the source of truth.
func (s *Shadow) Deliveries(ctx context.Context) []model.Delivery {
	base := s.baseDeliveries(ctx)
	if len(base) == 0 {
		return base
	}
	patches := s.patches(ctx)
	if len(patches) == 0 {
		return base
	}
	for i := range base {
		if patch, ok := patches[base[i].ID]; ok {
			patch.apply(&base[i])
		}
	}
	return base
}

// UpdateDeliveryLocally merges a patch for the given delivery. When the
// base cache does not contain the id the merge is a no-op.
func (s *Shadow) UpdateDeliveryLocally(ctx context.Context, deliveryID string, patch DeliveryPatch) {
	base := s.baseDeliveries(ctx)
	known := false
	for i := range base {
		if base[i].ID == deliveryID {
			known = true
			break
		}
	}
	if !known {
		return
	}
	patches := s.patches(ctx)
	existing := patches[deliveryID]
	existing.merge(patch)
	patches[deliveryID] = existing
	s.savePatches(ctx, patches)
}

// ClearDelivery drops the optimistic overlay for one delivery; called
// when a queued action for it replays successfully so the next fetch is
// authoritative again.
func (s *Shadow) ClearDelivery(ctx context.Context, deliveryID string) {
	patches := s.patches(ctx)
	if _, ok := patches[deliveryID]; !ok {
		return
	}
	delete(patches, deliveryID)
	s.savePatches(ctx, patches)
}

// Reset clears the cache and all overlays wholesale.
func (s *Shadow) Reset(ctx context.Context) {
	if err := s.sec.Delete(ctx, deliveriesKey); err != nil {
		s.errlog("reset delivery cache", err)
	}
	if err := s.sec.Delete(ctx, patchesKey); err != nil {
		s.errlog("reset shadow patches", err)
	}
}

func (s *Shadow) baseDeliveries(ctx context.Context) []model.Delivery {
	raw, err := s.sec.GetDecrypted(ctx, deliveriesKey)
	if errors.Is(err, securestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.errlog("load delivery cache", err)
		return nil
	}
	var deliveries []model.Delivery
	if err := json.Unmarshal(raw, &deliveries); err != nil {
		s.errlog("decode delivery cache", err)
		return nil
	}
	return deliveries
}

func (s *Shadow) patches(ctx context.Context) map[string]DeliveryPatch {
	raw, err := s.sec.GetDecrypted(ctx, patchesKey)
	if errors.Is(err, securestore.ErrNotFound) {
		return map[string]DeliveryPatch{}
	}
	if err != nil {
		s.errlog("load shadow patches", err)
		return map[string]DeliveryPatch{}
	}
	patches := map[string]DeliveryPatch{}
	if err := json.Unmarshal(raw, &patches); err != nil {
		s.errlog("decode shadow patches", err)
		return map[string]DeliveryPatch{}
	}
	return patches
}

func (s *Shadow) savePatches(ctx context.Context, patches map[string]DeliveryPatch) {
	raw, err := json.Marshal(patches)
	if err != nil {
		s.errlog("encode shadow patches", err)
		return
	}
	if err := s.sec.SetEncrypted(ctx, patchesKey, raw); err != nil {
		s.errlog("save shadow patches", err)
	}
}
