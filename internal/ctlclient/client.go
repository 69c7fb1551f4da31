// Package ctlclient is the courierctl-side client for the daemon's
// unix-socket control API.
package ctlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/diayal/courierd/internal/api"
	"github.com/diayal/courierd/internal/model"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
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

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
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

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.getJSON(ctx, "/v1/health", nil, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var resp api.StatusResponse
	err := c.getJSON(ctx, "/v1/status", nil, &resp)
	return resp, err
}

func (c *Client) Sync(ctx context.Context) (api.SyncResponse, error) {
	var resp api.SyncResponse
	err := c.postJSON(ctx, "/v1/sync", nil, &resp)
	return resp, err
}

func (c *Client) Queue(ctx context.Context) (api.QueueEnvelope, error) {
	var resp api.QueueEnvelope
	err := c.getJSON(ctx, "/v1/queue", nil, &resp)
	return resp, err
}

func (c *Client) DeadLetters(ctx context.Context) (api.DeadLetterEnvelope, error) {
	var resp api.DeadLetterEnvelope
	err := c.getJSON(ctx, "/v1/deadletter", nil, &resp)
	return resp, err
}

func (c *Client) PurgeDeadLetters(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodDelete, "/v1/deadletter", nil, nil)
	return err
}

func (c *Client) Login(ctx context.Context, phone, password string) (api.LoginResponse, error) {
	var resp api.LoginResponse
	err := c.postJSON(ctx, "/v1/login", api.LoginRequest{Phone: phone, Password: password}, &resp)
	return resp, err
}

func (c *Client) Activate(ctx context.Context, phone, otp, password string) (api.LoginResponse, error) {
	var resp api.LoginResponse
	err := c.postJSON(ctx, "/v1/activate", api.ActivateRequest{Phone: phone, OTP: otp, Password: password}, &resp)
	return resp, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.postJSON(ctx, "/v1/logout", nil, nil)
}

func (c *Client) SetAvailability(ctx context.Context, availability model.Availability) error {
	return c.postJSON(ctx, "/v1/availability", api.AvailabilityRequest{Availability: availability}, nil)
}

func (c *Client) Deliveries(ctx context.Context, bucket model.Bucket) (api.DeliveriesEnvelope, error) {
	query := url.Values{}
	if bucket != "" {
		query.Set("bucket", string(bucket))
	}
	var resp api.DeliveriesEnvelope
	err := c.getJSON(ctx, "/v1/deliveries", query, &resp)
	return resp, err
}

func (c *Client) Delivery(ctx context.Context, id string) (api.DeliveryEnvelope, error) {
	var resp api.DeliveryEnvelope
	err := c.getJSON(ctx, "/v1/deliveries/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Accept(ctx context.Context, id string) (api.ActionResponse, error) {
	return c.postAction(ctx, "/v1/deliveries/"+url.PathEscape(id)+"/accept", struct{}{})
}

func (c *Client) Reject(ctx context.Context, id, reason string) (api.ActionResponse, error) {
	return c.postAction(ctx, "/v1/deliveries/"+url.PathEscape(id)+"/reject", api.RejectRequest{Reason: reason})
}

func (c *Client) UpdateStatus(ctx context.Context, id string, status model.DeliveryStatus, loc *model.Location) (api.ActionResponse, error) {
	return c.postAction(ctx, "/v1/deliveries/"+url.PathEscape(id)+"/status",
		api.StatusUpdateRequest{NewStatus: status, Location: loc})
}

func (c *Client) Validate(ctx context.Context, id, code string) (api.ValidateResponse, error) {
	var resp api.ValidateResponse
	err := c.postJSON(ctx, "/v1/deliveries/"+url.PathEscape(id)+"/validate", api.ValidateRequest{Code: code}, &resp)
	return resp, err
}

func (c *Client) Fail(ctx context.Context, id string, reason model.FailureReason, comment string, loc *model.Location) (api.ActionResponse, error) {
	return c.postAction(ctx, "/v1/deliveries/"+url.PathEscape(id)+"/fail",
		api.FailRequest{Reason: reason, Comment: comment, Location: loc})
}

func (c *Client) UploadProof(ctx context.Context, id, photoPath string) (api.ActionResponse, error) {
	return c.postAction(ctx, "/v1/deliveries/"+url.PathEscape(id)+"/proof", api.ProofRequest{PhotoPath: photoPath})
}

func (c *Client) ReportIssue(ctx context.Context, id, reason, description string) (api.ActionResponse, error) {
	return c.postAction(ctx, "/v1/deliveries/"+url.PathEscape(id)+"/issues",
		api.IssueRequest{Reason: reason, Description: description})
}

func (c *Client) SendLocation(ctx context.Context, id string, lat, lng float64, accuracy *float64) (api.ActionResponse, error) {
	return c.postAction(ctx, "/v1/deliveries/"+url.PathEscape(id)+"/location",
		api.LocationRequest{Latitude: lat, Longitude: lng, Accuracy: accuracy})
}

func (c *Client) postAction(ctx context.Context, path string, req any) (api.ActionResponse, error) {
	body, err := c.request(ctx, http.MethodPost, path, nil, req)
	if err != nil {
		return api.ActionResponse{}, err
	}
	var resp api.ActionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.ActionResponse{}, fmt.Errorf("decode action response: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, req, out any) error {
	body, err := c.request(ctx, http.MethodPost, path, nil, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
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
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
