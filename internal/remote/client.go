// Package remote is the HTTP client for the delivery backend. It owns
// bearer-token injection and the reactive (401-triggered) refresh path;
// proactive refresh lives in the session manager.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/diayal/courierd/internal/model"
)

// TokenSource supplies and renews the bearer token. Refresh must be safe
// to call from concurrent requests; only one upstream refresh may run.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
	Invalidate(ctx context.Context)
}

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
	tokens       TokenSource
}

const defaultUnaryTimeout = 10 * time.Second

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultUnaryTimeout
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{},
		unaryTimeout: timeout,
	}
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

// SetTokenSource wires the session manager in after construction; the
// manager itself needs the client for login/refresh calls.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

type RequestError struct {
	StatusCode         int
	Code               string
	Message            string
	RequiresActivation bool
}

func (e *RequestError) Error() string {
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// IsTransient reports whether err is worth queueing for a later replay:
// transport-level failures and retryable HTTP statuses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Anything that never produced an HTTP status is a network fault.
	return true
}

// IsSessionInvalid reports an authentication or authorization rejection.
func IsSessionInvalid(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode == http.StatusUnauthorized || reqErr.StatusCode == http.StatusForbidden
	}
	return false
}

// --- auth ---

func (c *Client) Login(ctx context.Context, creds model.LoginCredentials) (model.AuthResponse, error) {
	var resp model.AuthResponse
	err := c.call(ctx, http.MethodPost, "/auth/login", nil, creds, &resp, false)
	return resp, err
}

func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (model.RefreshResponse, error) {
	var resp model.RefreshResponse
	err := c.call(ctx, http.MethodPost, "/auth/refresh", nil, map[string]string{"refreshToken": refreshToken}, &resp, false)
	return resp, err
}

// Logout notifies the backend that the session ended. The token is
// attached directly and a 401 surfaces as-is: logout must never enter
// the refresh path.
func (c *Client) Logout(ctx context.Context, token string) error {
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/auth/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	_, err = c.do(req)
	return err
}

func (c *Client) VerifyOTP(ctx context.Context, phone, otp string) (model.OTPVerification, error) {
	var resp model.OTPVerification
	err := c.call(ctx, http.MethodPost, "/auth/verify-otp", nil, map[string]string{"phone": phone, "otp": otp}, &resp, false)
	return resp, err
}

func (c *Client) SetPassword(ctx context.Context, phone, password, tempToken string) (model.AuthResponse, error) {
	var resp model.AuthResponse
	err := c.call(ctx, http.MethodPost, "/auth/set-password", nil,
		map[string]string{"phone": phone, "password": password, "tempToken": tempToken}, &resp, false)
	return resp, err
}

func (c *Client) ResendOTP(ctx context.Context, phone string) error {
	return c.call(ctx, http.MethodPost, "/auth/resend-otp", nil, map[string]string{"phone": phone}, nil, false)
}

// --- courier ---

func (c *Client) Me(ctx context.Context) (model.Courier, error) {
	var courier model.Courier
	err := c.call(ctx, http.MethodGet, "/courier/me", nil, nil, &courier, true)
	return courier, err
}

func (c *Client) SetAvailability(ctx context.Context, availability model.Availability) error {
	return c.call(ctx, http.MethodPost, "/courier/me/availability", nil,
		map[string]model.Availability{"availability": availability}, nil, true)
}

// --- deliveries ---

func (c *Client) ListDeliveries(ctx context.Context, bucket model.Bucket) ([]model.Delivery, error) {
	query := url.Values{}
	query.Set("bucket", string(bucket))
	var deliveries []model.Delivery
	err := c.call(ctx, http.MethodGet, "/couriers/me/deliveries", query, nil, &deliveries, true)
	return deliveries, err
}

func (c *Client) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	var delivery model.Delivery
	err := c.call(ctx, http.MethodGet, "/deliveries/"+url.PathEscape(id), nil, nil, &delivery, true)
	return delivery, err
}

type statusMeta struct {
	Note     string          `json:"note,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Location *model.Location `json:"location,omitempty"`
}

type statusRequest struct {
	NewStatus model.DeliveryStatus `json:"newStatus"`
	Meta      statusMeta           `json:"meta"`
}

func (c *Client) AcceptDelivery(ctx context.Context, id string) error {
	return c.postStatus(ctx, id, statusRequest{NewStatus: model.StatusAccepted})
}

func (c *Client) RejectDelivery(ctx context.Context, id, reason string) error {
	return c.postStatus(ctx, id, statusRequest{NewStatus: model.StatusRejected, Meta: statusMeta{Note: reason}})
}

func (c *Client) UpdateDeliveryStatus(ctx context.Context, id string, status model.DeliveryStatus, loc *model.Location) error {
	return c.postStatus(ctx, id, statusRequest{NewStatus: status, Meta: statusMeta{Location: loc}})
}

func (c *Client) MarkDeliveryFailed(ctx context.Context, id string, reason model.FailureReason, comment string, loc *model.Location) error {
	return c.postStatus(ctx, id, statusRequest{
		NewStatus: model.StatusFailed,
		Meta:      statusMeta{Reason: string(reason), Note: comment, Location: loc},
	})
}

func (c *Client) postStatus(ctx context.Context, id string, req statusRequest) error {
	path := "/deliveries/" + url.PathEscape(id) + "/status"
	return c.call(ctx, http.MethodPost, path, nil, req, nil, true)
}

func (c *Client) ValidateDeliveryCode(ctx context.Context, id, code string) (model.CodeValidation, error) {
	path := "/deliveries/" + url.PathEscape(id) + "/validate"
	var resp model.CodeValidation
	err := c.call(ctx, http.MethodPost, path, nil, map[string]string{"code": code}, &resp, true)
	return resp, err
}

func (c *Client) ReportIssue(ctx context.Context, id, reason, description string) error {
	path := "/courier/deliveries/" + url.PathEscape(id) + "/issues"
	return c.call(ctx, http.MethodPost, path, nil,
		map[string]string{"reason": reason, "description": description}, nil, true)
}

func (c *Client) SendLocation(ctx context.Context, id string, point model.TrackingPoint) error {
	path := "/courier/deliveries/" + url.PathEscape(id) + "/location"
	return c.call(ctx, http.MethodPost, path, nil, point, nil, true)
}

// UploadProofPhoto streams a captured proof-of-delivery image from disk.
func (c *Client) UploadProofPhoto(ctx context.Context, id, photoPath string) error {
	photo, err := os.ReadFile(photoPath)
	if err != nil {
		return fmt.Errorf("read proof photo: %w", err)
	}
	path := c.baseURL + "/deliveries/" + url.PathEscape(id) + "/proof"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(photo))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	_, err = c.doWithAuth(ctx, req, true)
	return err
}

// call performs a JSON request/response round trip.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any, authed bool) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	var rawBody []byte
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		rawBody = buf.Bytes()
		reqBody = bytes.NewReader(rawBody)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		// Allow the retry-after-refresh path to resend the body.
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(rawBody)), nil
		}
	}
	payload, err := c.doWithAuth(reqCtx, req, authed)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// doWithAuth executes the request, injecting the bearer token and, on a
// 401, running exactly one refresh (serialized by the token source) before
// retrying once with the renewed token.
func (c *Client) doWithAuth(ctx context.Context, req *http.Request, authed bool) ([]byte, error) {
	if authed && c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	payload, err := c.do(req)
	if err == nil {
		return payload, nil
	}

	var reqErr *RequestError
	if !errors.As(err, &reqErr) || !authed || c.tokens == nil {
		return nil, err
	}
	switch reqErr.StatusCode {
	case http.StatusUnauthorized:
		newToken, refreshErr := c.tokens.Refresh(ctx)
		if refreshErr != nil {
			return nil, err
		}
		retry, cloneErr := cloneRequest(ctx, req)
		if cloneErr != nil {
			return nil, cloneErr
		}
		retry.Header.Set("Authorization", "Bearer "+newToken)
		return c.do(retry)
	case http.StatusForbidden:
		// Authorization failures invalidate the session proactively.
		c.tokens.Invalidate(ctx)
		return nil, err
	default:
		return nil, err
	}
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, payload)
	}
	return payload, nil
}

func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("reread request body: %w", err)
		}
		retry.Body = body
	}
	return retry, nil
}

func decodeError(status int, payload []byte) error {
	var body struct {
		Code               string `json:"code"`
		Message            string `json:"message"`
		Error              string `json:"error"`
		RequiresActivation bool   `json:"requiresActivation"`
	}
	reqErr := &RequestError{StatusCode: status}
	if err := json.Unmarshal(payload, &body); err == nil {
		reqErr.Code = body.Code
		reqErr.Message = body.Message
		if reqErr.Message == "" {
			reqErr.Message = body.Error
		}
		reqErr.RequiresActivation = body.RequiresActivation
	}
	if reqErr.Code == "" {
		reqErr.Code = fmt.Sprintf("HTTP_%d", status)
	}
	if reqErr.Message == "" {
		reqErr.Message = strings.TrimSpace(string(payload))
	}
	return reqErr
}
