package grant

import (
	"errors"
	"time"
)

// PaymentKind selects how access is charged: a single upfront transfer at
// approval time, or recurring transfers triggered explicitly by the requester.
type PaymentKind string

const (
	PaymentOneTime      PaymentKind = "one_time"
	PaymentSubscription PaymentKind = "subscription"
)

// Valid reports whether the kind is one of the enumerated values.
func (k PaymentKind) Valid() bool {
	return k == PaymentOneTime || k == PaymentSubscription
}

// Status is the stored lifecycle state of an access request. Expiry is never
// a stored status: a request stays "approved" after its window closes and
// VerifyAccess derives effective validity from the permission's time bound.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusRevoked  Status = "revoked"
)

// AccessRequest is a lifecycle record. Created on submission, mutated only by
// the engine, never deleted.
type AccessRequest struct {
	ID            uint64        `json:"id"`
	Requester     string        `json:"requester"`
	ResourceID    string        `json:"resource_id"`
	Purpose       string        `json:"purpose"`
	StartAt       time.Time     `json:"start_at"`
	EndAt         time.Time     `json:"end_at"`
	Duration      time.Duration `json:"duration"` // requested window at creation; EndAt moves on extension, this does not
	Amount        int64         `json:"amount"`   // minor units
	Kind          PaymentKind   `json:"kind"`
	Interval      time.Duration `json:"interval,omitempty"` // subscription billing interval
	Status        Status        `json:"status"`
	ApprovedAt    *time.Time    `json:"approved_at,omitempty"`
	LastPaymentAt *time.Time    `json:"last_payment_at,omitempty"`
}

// Permission is the live grant for a (resource, requester) pair. At most one
// exists per pair; a later approval silently overwrites the earlier one.
type Permission struct {
	ResourceID  string    `json:"resource_id"`
	Requester   string    `json:"requester"`
	RequestID   uint64    `json:"request_id"`
	AccessUntil time.Time `json:"access_until"`
	Revoked     bool      `json:"revoked"`
	GrantedAt   time.Time `json:"granted_at"`
}

// ValidAt reports whether the permission grants access at the given instant.
func (p Permission) ValidAt(now time.Time) bool {
	return !p.Revoked && !now.After(p.AccessUntil)
}

// Submission carries the caller-supplied fields of a new access request.
type Submission struct {
	ResourceID string        `json:"resource_id"`
	Purpose    string        `json:"purpose"`
	Duration   time.Duration `json:"duration"`
	Amount     int64         `json:"amount"`
	Kind       PaymentKind   `json:"kind"`
	Interval   time.Duration `json:"interval"`
}

var (
	ErrNotAuthorized      = errors.New("grant: not authorized")
	ErrNotFound           = errors.New("grant: not found")
	ErrInvalidParameters  = errors.New("grant: invalid parameters")
	ErrInvalidPaymentKind = errors.New("grant: invalid payment kind")
	ErrAlreadyProcessed   = errors.New("grant: request already processed")
	ErrPaymentFailed      = errors.New("grant: payment failed")
	ErrAccessRevoked      = errors.New("grant: access revoked")
)
