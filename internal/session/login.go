package session

import (
	"context"
	"fmt"

	"github.com/diayal/courierd/internal/model"
)

// AccessDeniedError reports a courier that authenticated but may not use
// the app (wrong role or inactive account state).
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return e.Reason
}

// Login authenticates, validates courier access, and establishes the
// session. Credentials are only persisted for couriers in good standing.
func (m *Manager) Login(ctx context.Context, phone, password string) (model.AuthResponse, error) {
	resp, err := m.client.Login(ctx, model.LoginCredentials{Phone: phone, Password: password})
	if err != nil {
		return model.AuthResponse{}, err
	}
	if valid, reason := m.ValidateCourierAccess(resp.Courier); !valid {
		return model.AuthResponse{}, &AccessDeniedError{Reason: reason}
	}
	if err := m.SaveAuthData(ctx, resp.Token, resp.RefreshToken, resp.ExpiresIn, resp.Courier); err != nil {
		return model.AuthResponse{}, fmt.Errorf("establish session: %w", err)
	}
	return resp, nil
}

// Activate completes the OTP activation flow: verify the code, set the
// password, and establish the session from the resulting token pair.
func (m *Manager) Activate(ctx context.Context, phone, otp, password string) (model.AuthResponse, error) {
	verification, err := m.client.VerifyOTP(ctx, phone, otp)
	if err != nil {
		return model.AuthResponse{}, err
	}
	resp, err := m.client.SetPassword(ctx, phone, password, verification.TempToken)
	if err != nil {
		return model.AuthResponse{}, err
	}
	if valid, reason := m.ValidateCourierAccess(resp.Courier); !valid {
		return model.AuthResponse{}, &AccessDeniedError{Reason: reason}
	}
	if err := m.SaveAuthData(ctx, resp.Token, resp.RefreshToken, resp.ExpiresIn, resp.Courier); err != nil {
		return model.AuthResponse{}, fmt.Errorf("establish session: %w", err)
	}
	return resp, nil
}
