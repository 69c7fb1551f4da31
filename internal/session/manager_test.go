package session_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diayal/courierd/internal/model"
	"github.com/diayal/courierd/internal/remote"
	"github.com/diayal/courierd/internal/session"
	"github.com/diayal/courierd/internal/testutil"
)

func newManager(t *testing.T, handler http.Handler) (*session.Manager, *remote.Client, context.Context) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sec, _, ctx := testutil.NewSecureStore(t)
	client := remote.NewWithClient(srv.URL, srv.Client())
	mgr := session.NewManager(client, sec, 5*time.Minute)
	t.Cleanup(mgr.Close)
	client.SetTokenSource(mgr)
	return mgr, client, ctx
}

func unsignedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]any{"exp": exp.Unix(), "sub": "c-1"})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(claims) + "."
}

func TestSaveAuthDataPersistsTokens(t *testing.T) {
	mgr, _, ctx := newManager(t, http.NotFoundHandler())

	courier := model.Courier{ID: "c-1", Name: "Ada", Role: "COURIER"}
	if err := mgr.SaveAuthData(ctx, "tok", "ref", 3600, courier); err != nil {
		t.Fatalf("save auth data: %v", err)
	}

	token, err := mgr.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "tok" {
		t.Fatalf("expected tok, got %q", token)
	}
	got := mgr.Courier()
	if got == nil || got.ID != "c-1" {
		t.Fatalf("courier profile not cached: %+v", got)
	}
}

func TestConcurrentRefreshSharesOneCall(t *testing.T) {
	var refreshes atomic.Int32
	mgr, _, ctx := newManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh" {
			http.NotFound(w, r)
			return
		}
		refreshes.Add(1)
		// Hold the call open long enough for the other callers to pile up.
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(model.RefreshResponse{Token: "fresh", RefreshToken: "ref-2", ExpiresIn: 3600})
	}))
	if err := mgr.SaveAuthData(ctx, "stale", "ref-1", 3600, model.Courier{ID: "c-1"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := mgr.Refresh(ctx)
			if err != nil {
				t.Errorf("refresh %d: %v", i, err)
				return
			}
			results[i] = token
		}(i)
	}
	wg.Wait()

	if got := refreshes.Load(); got != 1 {
		t.Fatalf("expected one upstream refresh, got %d", got)
	}
	for i, token := range results {
		if token != "fresh" {
			t.Fatalf("caller %d got %q, expected shared outcome", i, token)
		}
	}
}

func TestRefreshFailureForcesLogout(t *testing.T) {
	mgr, _, ctx := newManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "REFRESH_EXPIRED"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	if err := mgr.SaveAuthData(ctx, "stale", "ref-1", 3600, model.Courier{ID: "c-1"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if ok := mgr.RefreshToken(ctx); ok {
		t.Fatal("refresh should fail")
	}
	token, err := mgr.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "" {
		t.Fatalf("credentials should be purged, got %q", token)
	}
	if mgr.Courier() != nil {
		t.Fatal("profile should be cleared on forced logout")
	}
}

func TestRefreshFailureWithRejectedLogout(t *testing.T) {
	var refreshes atomic.Int32
	mgr, _, ctx := newManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/refresh":
			refreshes.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		case "/auth/logout":
			// The stale bearer is exactly what just expired; the backend
			// rejects the logout notification too.
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "TOKEN_EXPIRED"})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	if err := mgr.SaveAuthData(ctx, "stale", "ref-1", 3600, model.Courier{ID: "c-1"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	done := make(chan bool, 1)
	go func() {
		done <- mgr.RefreshToken(ctx)
	}()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("refresh should fail")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("forced logout blocked inside the refresh call")
	}
	if got := refreshes.Load(); got != 1 {
		t.Fatalf("rejected logout must not trigger more refreshes, got %d", got)
	}
	token, err := mgr.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "" {
		t.Fatalf("credentials should be purged, got %q", token)
	}
	// The refresh path must stay usable afterwards.
	if mgr.RefreshToken(ctx) {
		t.Fatal("refresh without credentials must fail")
	}
}

func TestForceLogoutDoesNotRefresh(t *testing.T) {
	var refreshes atomic.Int32
	mgr, _, ctx := newManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/refresh":
			refreshes.Add(1)
			_ = json.NewEncoder(w).Encode(model.RefreshResponse{Token: "fresh", RefreshToken: "ref-2", ExpiresIn: 3600})
		case "/auth/logout":
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "TOKEN_EXPIRED"})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	if err := mgr.SaveAuthData(ctx, "tok", "ref-1", 3600, model.Courier{ID: "c-1"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	mgr.ForceLogout(ctx)

	if got := refreshes.Load(); got != 0 {
		t.Fatalf("rejected logout must not refresh, got %d refreshes", got)
	}
	token, _ := mgr.Token(ctx)
	if token != "" {
		t.Fatalf("credentials restored after logout: %q", token)
	}
	if mgr.Courier() != nil {
		t.Fatal("profile should stay cleared")
	}
}

func TestRefreshWithoutTokenForcesLogout(t *testing.T) {
	mgr, _, ctx := newManager(t, http.NotFoundHandler())

	if _, err := mgr.Refresh(ctx); err == nil {
		t.Fatal("refresh without a stored refresh token must fail")
	}
}

func TestExpiryDerivedFromJWT(t *testing.T) {
	var refreshed atomic.Bool
	mgr, _, ctx := newManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			refreshed.Store(true)
			_ = json.NewEncoder(w).Encode(model.RefreshResponse{Token: "fresh", ExpiresIn: 3600})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	// No expiresIn: the exp claim puts expiry just past the refresh lead,
	// so the proactive refresh fires almost immediately.
	token := unsignedJWT(t, time.Now().Add(5*time.Minute+200*time.Millisecond))
	if err := mgr.SaveAuthData(ctx, token, "ref-1", 0, model.Courier{ID: "c-1"}); err != nil {
		t.Fatalf("save auth data: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !refreshed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("proactive refresh never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestValidateCourierAccess(t *testing.T) {
	mgr, _, _ := newManager(t, http.NotFoundHandler())

	cases := []struct {
		name    string
		courier model.Courier
		valid   bool
	}{
		{"courier role", model.Courier{Role: "COURIER"}, true},
		{"case-insensitive role", model.Courier{Role: "courier"}, true},
		{"missing role", model.Courier{}, true},
		{"merchant role", model.Courier{Role: "MERCHANT"}, false},
		{"suspended", model.Courier{Role: "COURIER", Status: model.CourierSuspended}, false},
		{"blocked", model.Courier{Role: "COURIER", Status: model.CourierBlocked}, false},
		{"inactive", model.Courier{Role: "COURIER", Status: model.CourierInactive}, false},
		{"active", model.Courier{Role: "COURIER", Status: model.CourierActive}, true},
	}
	for _, tc := range cases {
		valid, reason := mgr.ValidateCourierAccess(tc.courier)
		if valid != tc.valid {
			t.Fatalf("%s: expected valid=%v, got %v (%s)", tc.name, tc.valid, valid, reason)
		}
		if !valid && reason == "" {
			t.Fatalf("%s: denial must carry a reason", tc.name)
		}
	}
}

func TestLoginRejectsNonCourier(t *testing.T) {
	mgr, _, ctx := newManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(model.AuthResponse{
			Token:   "tok",
			Courier: model.Courier{ID: "m-1", Role: "MERCHANT"},
		})
	}))

	_, err := mgr.Login(ctx, "+15550001111", "pw")
	var denied *session.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected AccessDeniedError, got %v", err)
	}
	token, _ := mgr.Token(ctx)
	if token != "" {
		t.Fatalf("denied login must not persist credentials, got %q", token)
	}
}

func TestForceLogoutNotifiesBackend(t *testing.T) {
	var loggedOut atomic.Bool
	mgr, _, ctx := newManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/logout" {
			loggedOut.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	if err := mgr.SaveAuthData(ctx, "tok", "ref", 3600, model.Courier{ID: "c-1"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	mgr.ForceLogout(ctx)

	if !loggedOut.Load() {
		t.Fatal("backend logout not attempted")
	}
	token, _ := mgr.Token(ctx)
	if token != "" {
		t.Fatalf("expected purged token, got %q", token)
	}
}
