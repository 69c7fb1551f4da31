package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionType identifies the remote operation a queued action stands for.
type ActionType string

const (
	ActionAcceptDelivery ActionType = "ACCEPT_DELIVERY"
	ActionRejectDelivery ActionType = "REJECT_DELIVERY"
	ActionUpdateStatus   ActionType = "UPDATE_STATUS"
	ActionValidateCode   ActionType = "VALIDATE_CODE"
	ActionMarkFailed     ActionType = "MARK_FAILED"
	ActionUploadPhoto    ActionType = "UPLOAD_PHOTO"
)

// DeliveryStatus is the canonical lifecycle state of a delivery.
type DeliveryStatus string

const (
	StatusDraft         DeliveryStatus = "DRAFT"
	StatusAssigned      DeliveryStatus = "ASSIGNED"
	StatusAccepted      DeliveryStatus = "ACCEPTED"
	StatusRejected      DeliveryStatus = "REJECTED"
	StatusPickupPending DeliveryStatus = "PICKUP_PENDING"
	StatusPickedUp      DeliveryStatus = "PICKED_UP"
	StatusEnRoute       DeliveryStatus = "EN_ROUTE"
	StatusArrived       DeliveryStatus = "ARRIVED"
	StatusDelivered     DeliveryStatus = "DELIVERED"
	StatusFailed        DeliveryStatus = "FAILED"
	StatusCanceled      DeliveryStatus = "CANCELED"
)

type FailureReason string

const (
	FailureCustomerAbsent   FailureReason = "CUSTOMER_ABSENT"
	FailureAddressNotFound  FailureReason = "ADDRESS_NOT_FOUND"
	FailurePhoneUnreachable FailureReason = "PHONE_UNREACHABLE"
	FailureCustomerRefused  FailureReason = "CUSTOMER_REFUSED"
	FailureDamagedPackage   FailureReason = "DAMAGED_PACKAGE"
	FailureOther            FailureReason = "OTHER"
)

type DeliveryProvider string

const (
	ProviderDiayal DeliveryProvider = "DIAYAL"
	ProviderYango  DeliveryProvider = "YANGO"
	ProviderManual DeliveryProvider = "MANUAL"
	ProviderOther  DeliveryProvider = "OTHER"
)

type FeePayer string

const (
	FeePayerCustomer FeePayer = "CUSTOMER"
	FeePayerMerchant FeePayer = "MERCHANT"
	FeePayerPlatform FeePayer = "PLATFORM"
	FeePayerSplit    FeePayer = "SPLIT"
)

// Bucket selects a delivery list view on the backend.
type Bucket string

const (
	BucketPending Bucket = "pending"
	BucketActive  Bucket = "active"
	BucketDone    Bucket = "done"
)

type CourierStatus string

const (
	CourierActive    CourierStatus = "active"
	CourierInactive  CourierStatus = "inactive"
	CourierSuspended CourierStatus = "suspended"
	CourierBlocked   CourierStatus = "blocked"
)

type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityBusy      Availability = "busy"
	AvailabilityOffline   Availability = "offline"
)

const RoleCourier = "COURIER"

// Location is a point attached to a status transition.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TrackingPoint is a GPS fix forwarded to the tracking endpoint.
type TrackingPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
}

// PendingAction is a durably queued side-effecting operation awaiting
// delivery to the remote service.
type PendingAction struct {
	ID         string        `json:"id"`
	Type       ActionType    `json:"type"`
	DeliveryID string        `json:"deliveryId"`
	Payload    ActionPayload `json:"payload"`
	CreatedAt  time.Time     `json:"createdAt"`
	Retries    int           `json:"retries"`
}

// ActionPayload carries the operation-specific fields; which fields are
// meaningful is keyed by the action type.
type ActionPayload struct {
	Status    DeliveryStatus `json:"status,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Comment   string         `json:"comment,omitempty"`
	Code      string         `json:"code,omitempty"`
	PhotoPath string         `json:"photoPath,omitempty"`
	Location  *Location      `json:"location,omitempty"`
}

// DeadLetterCause records why an action was taken out of the pending log
// without a successful replay.
type DeadLetterCause string

const (
	DeadLetterRetryCeiling DeadLetterCause = "retry_ceiling"
	DeadLetterUnknownType  DeadLetterCause = "unknown_type"
)

type DeadLetter struct {
	Action    PendingAction   `json:"action"`
	Cause     DeadLetterCause `json:"cause"`
	DroppedAt time.Time       `json:"droppedAt"`
	LastError string          `json:"lastError,omitempty"`
}

type Vehicle struct {
	Type  string `json:"type"`
	Plate string `json:"plate,omitempty"`
}

type CourierStats struct {
	TotalDeliveries     int     `json:"totalDeliveries"`
	CompletedDeliveries int     `json:"completedDeliveries"`
	Rating              float64 `json:"rating"`
}

type Courier struct {
	ID           string        `json:"id,omitempty"`
	LegacyID     string        `json:"_id,omitempty"`
	Name         string        `json:"name"`
	Phone        string        `json:"phone"`
	Email        string        `json:"email,omitempty"`
	Role         string        `json:"role,omitempty"`
	Availability Availability  `json:"availability,omitempty"`
	Status       CourierStatus `json:"status,omitempty"`
	Vehicle      *Vehicle      `json:"vehicle,omitempty"`
	Stats        *CourierStats `json:"stats,omitempty"`
	CreatedAt    *time.Time    `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time    `json:"updatedAt,omitempty"`
}

// CourierID returns the effective identifier; some backends still serve
// the legacy _id field.
func (c Courier) CourierID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.LegacyID
}

type Delivery struct {
	ID         string           `json:"id"`
	OrderID    string           `json:"orderId"`
	MerchantID string           `json:"merchantId"`
	CustomerID string           `json:"customerId"`
	Provider   DeliveryProvider `json:"provider"`
	Status     DeliveryStatus   `json:"status"`

	PickupContactName string   `json:"pickupContactName"`
	PickupPhone       string   `json:"pickupPhone"`
	PickupAddressText string   `json:"pickupAddressText"`
	PickupLat         *float64 `json:"pickupLat,omitempty"`
	PickupLng         *float64 `json:"pickupLng,omitempty"`

	DropoffContactName string   `json:"dropoffContactName"`
	DropoffPhone       string   `json:"dropoffPhone"`
	DropoffAddressText string   `json:"dropoffAddressText"`
	DropoffLat         *float64 `json:"dropoffLat,omitempty"`
	DropoffLng         *float64 `json:"dropoffLng,omitempty"`

	DistanceKm  *float64        `json:"distanceKm,omitempty"`
	FeeAmount   decimal.Decimal `json:"feeAmount"`
	FeeCurrency string          `json:"feeCurrency"`
	FeePayer    FeePayer        `json:"feePayer"`

	CashOnDeliveryAmount *decimal.Decimal `json:"cashOnDeliveryAmount,omitempty"`
	Notes                string           `json:"notes,omitempty"`

	ValidationCode string `json:"validationCode,omitempty"`
	ValidationType string `json:"validationType,omitempty"`

	FailureReason  FailureReason `json:"failureReason,omitempty"`
	FailureComment string        `json:"failureComment,omitempty"`

	RequestedPickupAt *time.Time `json:"requestedPickupAt,omitempty"`
	AssignedAt        *time.Time `json:"assignedAt,omitempty"`
	AcceptedAt        *time.Time `json:"acceptedAt,omitempty"`
	RejectedAt        *time.Time `json:"rejectedAt,omitempty"`
	PickedUpAt        *time.Time `json:"pickedUpAt,omitempty"`
	EnRouteAt         *time.Time `json:"enRouteAt,omitempty"`
	ArrivedAt         *time.Time `json:"arrivedAt,omitempty"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	FailedAt          *time.Time `json:"failedAt,omitempty"`
	CanceledAt        *time.Time `json:"canceledAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type LoginCredentials struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token        string  `json:"token"`
	RefreshToken string  `json:"refreshToken,omitempty"`
	ExpiresIn    int64   `json:"expiresIn,omitempty"`
	Courier      Courier `json:"courier"`
}

type RefreshResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type OTPVerification struct {
	Message   string `json:"message"`
	TempToken string `json:"tempToken"`
	CourierID string `json:"courierId"`
}

type CodeValidation struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}
