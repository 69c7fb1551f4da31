package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/diayal/courierd/internal/api"
	"github.com/diayal/courierd/internal/config"
	"github.com/diayal/courierd/internal/model"
	"github.com/diayal/courierd/internal/offline"
	"github.com/diayal/courierd/internal/ratelimit"
	"github.com/diayal/courierd/internal/remote"
	"github.com/diayal/courierd/internal/session"
	"github.com/diayal/courierd/internal/testutil"
)

type fixture struct {
	srv     *Server
	deps    Deps
	backend *httptest.Server
}

// newFixture wires a full control-plane server against the given fake
// backend. A nil handler leaves the backend unreachable, simulating the
// courier being offline.
func newFixture(t *testing.T, handler http.Handler) *fixture {
	t.Helper()
	sec, st, _ := testutil.NewSecureStore(t)

	baseURL := "http://127.0.0.1:1"
	var backend *httptest.Server
	httpClient := &http.Client{Timeout: time.Second}
	if handler != nil {
		backend = httptest.NewServer(handler)
		t.Cleanup(backend.Close)
		baseURL = backend.URL
		httpClient = backend.Client()
	}

	client := remote.NewWithClient(baseURL, httpClient)
	mgr := session.NewManager(client, sec, 5*time.Minute)
	t.Cleanup(mgr.Close)
	client.SetTokenSource(mgr)

	queue := offline.NewQueue(st).WithErrlog(func(string, error) {})
	shadow := offline.NewShadow(sec).WithErrlog(func(string, error) {})
	engine := offline.NewEngine(queue, shadow, client, st, 3).WithErrlog(func(string, error) {})
	deps := Deps{
		Client:  client,
		Session: mgr,
		Limiter: ratelimit.New(st, 5, 300*time.Second),
		Queue:   queue,
		Shadow:  shadow,
		Engine:  engine,
	}
	return &fixture{srv: NewServer(config.DefaultConfig(), deps), deps: deps, backend: backend}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = &bytes.Buffer{}
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	f.srv.httpSrv.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeInto[api.HealthResponse](t, rec)
	if resp.Status != "ok" || resp.SchemaVersion != "v1" {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	resp := decodeInto[api.ErrorResponse](t, rec)
	if resp.Error.Code != model.ErrCodeNotFound {
		t.Fatalf("unexpected error code %s", resp.Error.Code)
	}
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(model.AuthResponse{
			Token:   "tok",
			Courier: model.Courier{ID: "c-1", Name: "Ada", Role: "COURIER"},
		})
	}))

	rec := f.do(t, http.MethodPost, "/v1/login", api.LoginRequest{Phone: "+15550001111", Password: "pw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeInto[api.LoginResponse](t, rec)
	if resp.Courier == nil || resp.Courier.Name != "Ada" {
		t.Fatalf("unexpected login response: %+v", resp)
	}
}

func TestLoginValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/login", api.LoginRequest{Phone: "", Password: ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "BAD_CREDENTIALS"})
	}))

	body := api.LoginRequest{Phone: "+15550001111", Password: "wrong"}
	for i := 0; i < 4; i++ {
		rec := f.do(t, http.MethodPost, "/v1/login", body)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}
	rec := f.do(t, http.MethodPost, "/v1/login", body)
	if rec.Code != http.StatusLocked {
		t.Fatalf("fifth failure should lock, got %d", rec.Code)
	}

	// While locked, even correct credentials are not forwarded upstream.
	rec = f.do(t, http.MethodPost, "/v1/login", body)
	if rec.Code != http.StatusLocked {
		t.Fatalf("expected 423 while locked, got %d", rec.Code)
	}
	resp := decodeInto[api.ErrorResponse](t, rec)
	if resp.Error.Code != model.ErrCodeLockedOut {
		t.Fatalf("unexpected error code %s", resp.Error.Code)
	}
}

func TestAcceptOnline(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/deliveries/d-1/status" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))

	rec := f.do(t, http.MethodPost, "/v1/deliveries/d-1/accept", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeInto[api.ActionResponse](t, rec)
	if resp.Queued {
		t.Fatal("online action must not be queued")
	}
	if f.deps.Queue.Depth(context.Background()) != 0 {
		t.Fatal("queue should stay empty")
	}
}

func TestAcceptOfflineQueuesAndPatches(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.deps.Shadow.SaveDeliveries(ctx, []model.Delivery{{ID: "d-1", Status: model.StatusAssigned}})

	rec := f.do(t, http.MethodPost, "/v1/deliveries/d-1/accept", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeInto[api.ActionResponse](t, rec)
	if !resp.Queued || resp.ActionID == "" {
		t.Fatalf("expected queued response, got %+v", resp)
	}

	if depth := f.deps.Queue.Depth(ctx); depth != 1 {
		t.Fatalf("expected 1 queued action, got %d", depth)
	}
	deliveries := f.deps.Shadow.Deliveries(ctx)
	if deliveries[0].Status != model.StatusAccepted {
		t.Fatalf("expected optimistic status, got %s", deliveries[0].Status)
	}
}

func TestRejectedUpstreamNotQueued(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "ALREADY_ASSIGNED", "message": "taken"})
	}))

	rec := f.do(t, http.MethodPost, "/v1/deliveries/d-1/accept", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	ctx := context.Background()
	if depth := f.deps.Queue.Depth(ctx); depth != 0 {
		t.Fatalf("permanent rejection must not queue, got depth %d", depth)
	}
}

func TestDeliveriesServedFromCacheWhenOffline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.deps.Shadow.SaveDeliveries(ctx, []model.Delivery{{ID: "d-1", Status: model.StatusAssigned}})

	rec := f.do(t, http.MethodGet, "/v1/deliveries?bucket=active", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeInto[api.DeliveriesEnvelope](t, rec)
	if !resp.FromCache {
		t.Fatal("offline list should be marked from_cache")
	}
	if len(resp.Deliveries) != 1 || resp.Deliveries[0].ID != "d-1" {
		t.Fatalf("unexpected deliveries: %+v", resp.Deliveries)
	}
}

func TestDeliveriesRejectsBadBucket(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/deliveries?bucket=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestValidateOfflineQueuesCode(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/deliveries/d-1/validate", api.ValidateRequest{Code: "1234"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	resp := decodeInto[api.ValidateResponse](t, rec)
	if !resp.Queued || resp.Valid {
		t.Fatalf("offline validation should be queued and unconfirmed: %+v", resp)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.deps.Queue.Enqueue(ctx, model.ActionAcceptDelivery, "d-1", model.ActionPayload{})

	rec := f.do(t, http.MethodGet, "/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeInto[api.StatusResponse](t, rec)
	if resp.Authenticated {
		t.Fatal("no session should be reported")
	}
	if resp.QueueDepth != 1 {
		t.Fatalf("expected queue depth 1, got %d", resp.QueueDepth)
	}
}

func TestSyncEndpointDrainsQueue(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	ctx := context.Background()
	f.deps.Queue.Enqueue(ctx, model.ActionAcceptDelivery, "d-1", model.ActionPayload{})

	rec := f.do(t, http.MethodPost, "/v1/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeInto[api.SyncResponse](t, rec)
	if resp.Result.Success != 1 || resp.Result.Failed != 0 {
		t.Fatalf("unexpected sync result: %+v", resp.Result)
	}
	if depth := f.deps.Queue.Depth(ctx); depth != 0 {
		t.Fatalf("queue should be drained, got %d", depth)
	}
}

func TestDeadLetterPurge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Drive an unknown-type action into the dead-letter table.
	f.deps.Queue.Enqueue(ctx, model.ActionType("LEGACY_OP"), "d-1", model.ActionPayload{})
	f.deps.Engine.Sync(ctx)

	rec := f.do(t, http.MethodGet, "/v1/deadletter", nil)
	if got := decodeInto[api.DeadLetterEnvelope](t, rec); len(got.DeadLetters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(got.DeadLetters))
	}

	rec = f.do(t, http.MethodDelete, "/v1/deadletter", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/v1/deadletter", nil)
	if got := decodeInto[api.DeadLetterEnvelope](t, rec); len(got.DeadLetters) != 0 {
		t.Fatalf("expected empty table after purge, got %d", len(got.DeadLetters))
	}
}

func TestStatusUpdateRejectsBadTransition(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/deliveries/d-1/status",
		api.StatusUpdateRequest{NewStatus: model.DeliveryStatus("TELEPORTED")})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
