// Package api defines the request/response envelopes of the local
// control-plane served by courierd over its unix socket.
package api

import (
	"time"

	"github.com/diayal/courierd/internal/model"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type StatusResponse struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Authenticated bool           `json:"authenticated"`
	Courier       *model.Courier `json:"courier,omitempty"`
	QueueDepth    int            `json:"queue_depth"`
	DeadLetters   int            `json:"dead_letters"`
	LastSyncAt    *time.Time     `json:"last_sync_at,omitempty"`
	LastSync      *SyncResult    `json:"last_sync,omitempty"`
}

type SyncResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type SyncResponse struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Result        SyncResult `json:"result"`
}

type QueueEnvelope struct {
	SchemaVersion string                `json:"schema_version"`
	GeneratedAt   time.Time             `json:"generated_at"`
	Actions       []model.PendingAction `json:"actions"`
}

type DeadLetterEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	DeadLetters   []model.DeadLetter `json:"dead_letters"`
}

type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type LoginResponse struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Courier       *model.Courier `json:"courier,omitempty"`
}

type ActivateRequest struct {
	Phone    string `json:"phone"`
	OTP      string `json:"otp"`
	Password string `json:"password"`
}

type AvailabilityRequest struct {
	Availability model.Availability `json:"availability"`
}

type DeliveriesEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Deliveries    []model.Delivery `json:"deliveries"`
	FromCache     bool             `json:"from_cache"`
}

type DeliveryEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Delivery      model.Delivery `json:"delivery"`
}

// ActionResponse acknowledges a delivery action. Queued means the remote
// call failed transiently and the action was saved offline for replay.
type ActionResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Queued        bool      `json:"queued"`
	ActionID      string    `json:"action_id,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type StatusUpdateRequest struct {
	NewStatus model.DeliveryStatus `json:"newStatus"`
	Location  *model.Location      `json:"location,omitempty"`
}

type ValidateRequest struct {
	Code string `json:"code"`
}

type ValidateResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Valid         bool      `json:"valid"`
	Message       string    `json:"message,omitempty"`
	Queued        bool      `json:"queued"`
}

type FailRequest struct {
	Reason   model.FailureReason `json:"reason"`
	Comment  string              `json:"comment,omitempty"`
	Location *model.Location     `json:"location,omitempty"`
}

type IssueRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

type ProofRequest struct {
	PhotoPath string `json:"photoPath"`
}

type LocationRequest struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}
