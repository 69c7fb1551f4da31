package securestore

import (
	"context"
	"errors"
)

const (
	tokenKey        = "auth_token"
	refreshTokenKey = "refresh_token"
)

// SaveTokens persists the bearer token and, when present, the refresh token.
func (s *SecureStore) SaveTokens(ctx context.Context, token, refreshToken string) error {
	if err := s.SetEncrypted(ctx, tokenKey, []byte(token)); err != nil {
		return err
	}
	if refreshToken == "" {
		return nil
	}
	return s.SetEncrypted(ctx, refreshTokenKey, []byte(refreshToken))
}

// Token returns the stored bearer token, or "" when unauthenticated.
func (s *SecureStore) Token(ctx context.Context) (string, error) {
	raw, err := s.GetDecrypted(ctx, tokenKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *SecureStore) RefreshToken(ctx context.Context) (string, error) {
	raw, err := s.GetDecrypted(ctx, refreshTokenKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// PurgeTokens removes both tokens; absent keys are no-ops.
func (s *SecureStore) PurgeTokens(ctx context.Context) error {
	if err := s.Delete(ctx, tokenKey); err != nil {
		return err
	}
	return s.Delete(ctx, refreshTokenKey)
}
