// Package session owns the auth session: token lifecycle, proactive
// refresh scheduling, courier access validation, and forced logout.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/diayal/courierd/internal/model"
	"github.com/diayal/courierd/internal/remote"
	"github.com/diayal/courierd/internal/securestore"
)

type Manager struct {
	client      *remote.Client
	creds       *securestore.SecureStore
	refreshLead time.Duration

	sf singleflight.Group

	mu      sync.Mutex
	timer   *time.Timer
	courier *model.Courier
}

func NewManager(client *remote.Client, creds *securestore.SecureStore, refreshLead time.Duration) *Manager {
	return &Manager{client: client, creds: creds, refreshLead: refreshLead}
}

// SaveAuthData persists the token pair, caches the courier profile, and
// schedules one proactive refresh ahead of expiry. Missing expiry is
// derived from the token's exp claim when it parses as a JWT.
func (m *Manager) SaveAuthData(ctx context.Context, token, refreshToken string, expiresIn int64, courier model.Courier) error {
	if err := m.creds.SaveTokens(ctx, token, refreshToken); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	m.mu.Lock()
	c := courier
	m.courier = &c
	m.mu.Unlock()

	if expiresIn <= 0 {
		expiresIn = expiryFromJWT(token)
	}
	if refreshToken != "" && expiresIn > 0 {
		m.scheduleRefresh(time.Duration(expiresIn)*time.Second - m.refreshLead)
	}
	return nil
}

// scheduleRefresh replaces any outstanding timer; at most one exists.
func (m *Manager) scheduleRefresh(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, func() {
		m.RefreshToken(context.Background())
	})
}

// RefreshToken exchanges the stored refresh token for a new pair. Any
// failure forces logout and returns false.
func (m *Manager) RefreshToken(ctx context.Context) bool {
	_, err := m.Refresh(ctx)
	return err == nil
}

// Refresh implements remote.TokenSource. Concurrent callers share one
// upstream refresh call and one outcome.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	token, err, _ := m.sf.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	refreshToken, err := m.creds.RefreshToken(ctx)
	if err != nil || refreshToken == "" {
		m.ForceLogout(ctx)
		return "", fmt.Errorf("no refresh token")
	}
	resp, err := m.client.RefreshSession(ctx, refreshToken)
	if err != nil {
		m.ForceLogout(ctx)
		return "", fmt.Errorf("refresh session: %w", err)
	}
	if err := m.creds.SaveTokens(ctx, resp.Token, resp.RefreshToken); err != nil {
		return "", fmt.Errorf("save refreshed tokens: %w", err)
	}
	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = expiryFromJWT(resp.Token)
	}
	if expiresIn > 0 {
		m.scheduleRefresh(time.Duration(expiresIn)*time.Second - m.refreshLead)
	}
	return resp.Token, nil
}

// Token implements remote.TokenSource.
func (m *Manager) Token(ctx context.Context) (string, error) {
	return m.creds.Token(ctx)
}

// Invalidate implements remote.TokenSource; credentials are purged
// without a remote round trip.
func (m *Manager) Invalidate(ctx context.Context) {
	_ = m.creds.PurgeTokens(ctx)
	m.mu.Lock()
	m.courier = nil
	m.mu.Unlock()
}

// ValidateCourierAccess rejects non-courier roles and inactive account
// states. A missing status is treated as valid.
func (m *Manager) ValidateCourierAccess(courier model.Courier) (bool, string) {
	if courier.Role != "" && !strings.EqualFold(courier.Role, model.RoleCourier) {
		return false, "access restricted to couriers"
	}
	switch courier.Status {
	case "":
		return true, ""
	case model.CourierSuspended:
		return false, "account suspended, contact support"
	case model.CourierBlocked:
		return false, "account blocked, contact support"
	case model.CourierInactive:
		return false, "account inactive, contact support"
	default:
		return true, ""
	}
}

// CheckAccountStatus refetches the courier profile and revalidates access.
func (m *Manager) CheckAccountStatus(ctx context.Context) (bool, string, error) {
	courier, err := m.client.Me(ctx)
	if err != nil {
		if remote.IsSessionInvalid(err) {
			return false, "session expired", nil
		}
		return false, "", err
	}
	m.mu.Lock()
	c := courier
	m.courier = &c
	m.mu.Unlock()
	valid, reason := m.ValidateCourierAccess(courier)
	return valid, reason, nil
}

// ForceLogout cancels the refresh timer, clears the in-memory profile,
// purges stored credentials, and best-effort notifies the backend.
// Credentials are gone before the remote call: a rejected logout must
// not find a token to refresh, and the call itself bypasses the 401
// refresh path so it can run from inside a failing refresh.
func (m *Manager) ForceLogout(ctx context.Context) {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.courier = nil
	m.mu.Unlock()

	token, _ := m.creds.Token(ctx)
	_ = m.creds.PurgeTokens(ctx)
	_ = m.client.Logout(ctx, token)
}

// Courier returns the cached profile, nil when unauthenticated.
func (m *Manager) Courier() *model.Courier {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.courier == nil {
		return nil
	}
	c := *m.courier
	return &c
}

// Close releases the refresh timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// expiryFromJWT returns seconds until the token's exp claim, 0 when the
// token is opaque or already expired. The signature is not checked; the
// client never trusts the claim for authorization, only for scheduling.
func expiryFromJWT(token string) int64 {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return 0
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	remaining := time.Until(exp.Time)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining.Seconds())
}
