package offline_test

import (
	"testing"
	"time"

	"github.com/diayal/courierd/internal/model"
	"github.com/diayal/courierd/internal/offline"
	"github.com/diayal/courierd/internal/testutil"
)

func seedDeliveries(ids ...string) []model.Delivery {
	out := make([]model.Delivery, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Delivery{ID: id, Status: model.StatusAssigned})
	}
	return out
}

func TestShadowRoundTrip(t *testing.T) {
	sec, _, ctx := testutil.NewSecureStore(t)
	shadow := offline.NewShadow(sec)

	if got := shadow.Deliveries(ctx); len(got) != 0 {
		t.Fatalf("expected empty shadow, got %d", len(got))
	}
	shadow.SaveDeliveries(ctx, seedDeliveries("d-1", "d-2"))
	got := shadow.Deliveries(ctx)
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].ID != "d-1" || got[1].ID != "d-2" {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestShadowPatchApplied(t *testing.T) {
	sec, _, ctx := testutil.NewSecureStore(t)
	shadow := offline.NewShadow(sec)
	shadow.SaveDeliveries(ctx, seedDeliveries("d-1", "d-2"))

	now := time.Now().UTC()
	status := model.StatusPickedUp
	shadow.UpdateDeliveryLocally(ctx, "d-1", offline.DeliveryPatch{Status: &status, PickedUpAt: &now})

	got := shadow.Deliveries(ctx)
	if got[0].Status != model.StatusPickedUp {
		t.Fatalf("expected patched status, got %s", got[0].Status)
	}
	if got[0].PickedUpAt == nil {
		t.Fatal("expected picked-up timestamp")
	}
	if got[1].Status != model.StatusAssigned {
		t.Fatalf("unrelated delivery mutated: %s", got[1].Status)
	}
}

func TestShadowPatchesMerge(t *testing.T) {
	sec, _, ctx := testutil.NewSecureStore(t)
	shadow := offline.NewShadow(sec)
	shadow.SaveDeliveries(ctx, seedDeliveries("d-1"))

	pickedUp := model.StatusPickedUp
	shadow.UpdateDeliveryLocally(ctx, "d-1", offline.DeliveryPatch{Status: &pickedUp})
	delivered := model.StatusDelivered
	now := time.Now().UTC()
	shadow.UpdateDeliveryLocally(ctx, "d-1", offline.DeliveryPatch{Status: &delivered, DeliveredAt: &now})

	got := shadow.Deliveries(ctx)
	if got[0].Status != model.StatusDelivered {
		t.Fatalf("later patch should win, got %s", got[0].Status)
	}
	if got[0].DeliveredAt == nil {
		t.Fatal("expected delivered timestamp from second patch")
	}
}

func TestUpdateUnknownDeliveryIsNoop(t *testing.T) {
	sec, _, ctx := testutil.NewSecureStore(t)
	shadow := offline.NewShadow(sec)
	shadow.SaveDeliveries(ctx, seedDeliveries("d-1"))

	status := model.StatusDelivered
	shadow.UpdateDeliveryLocally(ctx, "d-unknown", offline.DeliveryPatch{Status: &status})

	got := shadow.Deliveries(ctx)
	if len(got) != 1 || got[0].Status != model.StatusAssigned {
		t.Fatalf("unknown id patch must not change the cache: %+v", got)
	}
}

func TestClearDelivery(t *testing.T) {
	sec, _, ctx := testutil.NewSecureStore(t)
	shadow := offline.NewShadow(sec)
	shadow.SaveDeliveries(ctx, seedDeliveries("d-1", "d-2"))

	status := model.StatusPickedUp
	shadow.UpdateDeliveryLocally(ctx, "d-1", offline.DeliveryPatch{Status: &status})
	shadow.UpdateDeliveryLocally(ctx, "d-2", offline.DeliveryPatch{Status: &status})

	shadow.ClearDelivery(ctx, "d-1")
	got := shadow.Deliveries(ctx)
	if got[0].Status != model.StatusAssigned {
		t.Fatalf("patch for d-1 should be gone, got %s", got[0].Status)
	}
	if got[1].Status != model.StatusPickedUp {
		t.Fatalf("patch for d-2 should survive, got %s", got[1].Status)
	}
}

func TestReset(t *testing.T) {
	sec, _, ctx := testutil.NewSecureStore(t)
	shadow := offline.NewShadow(sec)
	shadow.SaveDeliveries(ctx, seedDeliveries("d-1"))

	status := model.StatusPickedUp
	shadow.UpdateDeliveryLocally(ctx, "d-1", offline.DeliveryPatch{Status: &status})
	shadow.Reset(ctx)

	if got := shadow.Deliveries(ctx); len(got) != 0 {
		t.Fatalf("expected empty shadow after reset, got %d", len(got))
	}

	// A stale patch must not resurface against a fresh fetch.
	shadow.SaveDeliveries(ctx, seedDeliveries("d-1"))
	if got := shadow.Deliveries(ctx); got[0].Status != model.StatusAssigned {
		t.Fatalf("stale patch applied after reset: %s", got[0].Status)
	}
}
