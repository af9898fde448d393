package grant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"datapass.org/internal/wallet"
)

// Service defines the access-request lifecycle and the authorization check
// consumed by downstream content servers. Every state-changing operation
// validates all preconditions before any mutation; the first violated
// precondition aborts the call with a tagged error and no partial write.
type Service interface {
	// RecordOwnership is the trusted push from the node directory. Only the
	// configured directory identity may call it; it idempotently overwrites
	// any existing mapping and has no deletion path.
	RecordOwnership(ctx context.Context, caller, resourceID, owner string) error
	Owner(ctx context.Context, resourceID string) (string, error)

	SubmitRequest(ctx context.Context, requester string, sub Submission) (AccessRequest, error)
	GetRequest(ctx context.Context, id uint64) (AccessRequest, error)
	ListRequests(ctx context.Context, limit int, afterID uint64) ([]AccessRequest, uint64, error)

	Approve(ctx context.Context, caller string, id uint64) (AccessRequest, error)
	Deny(ctx context.Context, caller string, id uint64) (AccessRequest, error)
	Revoke(ctx context.Context, caller, resourceID, requester string) (Permission, error)
	ProcessSubscriptionPayment(ctx context.Context, caller string, id uint64) (AccessRequest, error)
	ExtendAccess(ctx context.Context, caller string, id uint64, additional time.Duration) (AccessRequest, error)

	// VerifyAccess returns nil iff a permission exists for the pair, is not
	// revoked and the current time is within the granted window. It has no
	// side effects. Expiry is evaluated here lazily; the stored request
	// status is deliberately not consulted.
	VerifyAccess(ctx context.Context, resourceID, requester string) error
	GetPermission(ctx context.Context, resourceID, requester string) (Permission, error)
}

type permKey struct {
	resourceID string
	requester  string
}

// InMemory implements Service against process-local maps. All operations are
// serialized by one mutex, so each call is a single indivisible step.
type InMemory struct {
	mu        sync.RWMutex
	settler   wallet.Settler
	directory string
	now       func() time.Time

	owners   map[string]string
	requests map[uint64]*AccessRequest
	order    []uint64
	perms    map[permKey]*Permission
	nextID   uint64
}

// Option configures the engine.
type Option func(*InMemory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates an engine settling payments through the given settler.
// directory is the identity allowed to push ownership records.
func NewInMemory(settler wallet.Settler, directory string, opts ...Option) *InMemory {
	s := &InMemory{
		settler:   settler,
		directory: strings.TrimSpace(directory),
		now:       time.Now,
		owners:    make(map[string]string),
		requests:  make(map[uint64]*AccessRequest),
		perms:     make(map[permKey]*Permission),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) RecordOwnership(ctx context.Context, caller, resourceID, owner string) error {
	resourceID = strings.TrimSpace(resourceID)
	owner = strings.TrimSpace(owner)
	if resourceID == "" || owner == "" {
		return fmt.Errorf("%w: resource_id and owner are required", ErrInvalidParameters)
	}
	if strings.TrimSpace(caller) != s.directory || s.directory == "" {
		return ErrNotAuthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[resourceID] = owner
	return nil
}

func (s *InMemory) Owner(ctx context.Context, resourceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[resourceID]
	if !ok {
		return "", ErrNotFound
	}
	return owner, nil
}

func (s *InMemory) SubmitRequest(ctx context.Context, requester string, sub Submission) (AccessRequest, error) {
	requester = strings.TrimSpace(requester)
	if requester == "" {
		return AccessRequest{}, fmt.Errorf("%w: requester is required", ErrInvalidParameters)
	}
	if err := ValidateSubmission(sub); err != nil {
		return AccessRequest{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[sub.ResourceID]; !ok {
		return AccessRequest{}, ErrNotFound
	}

	now := s.now().UTC()
	s.nextID++
	req := &AccessRequest{
		ID:         s.nextID,
		Requester:  requester,
		ResourceID: sub.ResourceID,
		Purpose:    sub.Purpose,
		StartAt:    now,
		EndAt:      now.Add(sub.Duration),
		Duration:   sub.Duration,
		Amount:     sub.Amount,
		Kind:       sub.Kind,
		Interval:   sub.Interval,
		Status:     StatusPending,
	}
	s.requests[req.ID] = req
	s.order = append(s.order, req.ID)
	return *req, nil
}

// ValidateSubmission applies the submission preconditions in a fixed order so
// callers always see the first violated one.
func ValidateSubmission(sub Submission) error {
	if strings.TrimSpace(sub.ResourceID) == "" {
		return fmt.Errorf("%w: resource_id is required", ErrInvalidParameters)
	}
	if sub.Amount <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidParameters)
	}
	if !sub.Kind.Valid() {
		return ErrInvalidPaymentKind
	}
	if sub.Kind == PaymentSubscription && sub.Interval <= 0 {
		return fmt.Errorf("%w: subscription interval must be > 0", ErrInvalidParameters)
	}
	// Zero-length windows would make proportional extension charges divide
	// by zero, so they are rejected up front.
	if sub.Duration < time.Second {
		return fmt.Errorf("%w: duration must be at least one second", ErrInvalidParameters)
	}
	return nil
}

func (s *InMemory) GetRequest(ctx context.Context, id uint64) (AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return AccessRequest{}, ErrNotFound
	}
	return *req, nil
}

func (s *InMemory) ListRequests(ctx context.Context, limit int, afterID uint64) ([]AccessRequest, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []AccessRequest
	var last uint64
	for _, id := range s.order {
		if id <= afterID {
			continue
		}
		res = append(res, *s.requests[id])
		last = id
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func (s *InMemory) Approve(ctx context.Context, caller string, id uint64) (AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return AccessRequest{}, ErrNotFound
	}
	owner, ok := s.owners[req.ResourceID]
	if !ok {
		return AccessRequest{}, ErrNotFound
	}
	if strings.TrimSpace(caller) != owner {
		return AccessRequest{}, ErrNotAuthorized
	}
	if req.Status != StatusPending {
		return AccessRequest{}, ErrAlreadyProcessed
	}

	now := s.now().UTC()
	if req.Kind == PaymentOneTime {
		// The upfront charge must settle before any mutation is committed.
		key := fmt.Sprintf("approve-%d", req.ID)
		if _, err := s.settler.Transfer(ctx, req.Requester, owner, req.Amount, key); err != nil {
			return AccessRequest{}, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
		}
	}

	req.Status = StatusApproved
	req.ApprovedAt = &now
	if req.Kind == PaymentOneTime {
		t := now
		req.LastPaymentAt = &t
	}

	key := permKey{resourceID: req.ResourceID, requester: req.Requester}
	s.perms[key] = &Permission{
		ResourceID:  req.ResourceID,
		Requester:   req.Requester,
		RequestID:   req.ID,
		AccessUntil: req.EndAt,
		Revoked:     false,
		GrantedAt:   now,
	}
	return *req, nil
}

func (s *InMemory) Deny(ctx context.Context, caller string, id uint64) (AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return AccessRequest{}, ErrNotFound
	}
	owner, ok := s.owners[req.ResourceID]
	if !ok {
		return AccessRequest{}, ErrNotFound
	}
	if strings.TrimSpace(caller) != owner {
		return AccessRequest{}, ErrNotAuthorized
	}
	if req.Status != StatusPending {
		return AccessRequest{}, ErrAlreadyProcessed
	}

	req.Status = StatusDenied
	return *req, nil
}

func (s *InMemory) Revoke(ctx context.Context, caller, resourceID, requester string) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.owners[resourceID]
	if !ok {
		return Permission{}, ErrNotFound
	}
	if strings.TrimSpace(caller) != owner {
		return Permission{}, ErrNotAuthorized
	}
	// A request that was never approved has no permission entry, so revoking
	// it fails even when the request itself exists.
	perm, ok := s.perms[permKey{resourceID: resourceID, requester: requester}]
	if !ok {
		return Permission{}, ErrNotFound
	}

	perm.Revoked = true
	if req, ok := s.requests[perm.RequestID]; ok {
		req.Status = StatusRevoked
	}
	return *perm, nil
}

func (s *InMemory) ProcessSubscriptionPayment(ctx context.Context, caller string, id uint64) (AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return AccessRequest{}, ErrNotFound
	}
	if strings.TrimSpace(caller) != req.Requester {
		return AccessRequest{}, ErrNotAuthorized
	}
	if req.Kind != PaymentSubscription {
		return AccessRequest{}, ErrInvalidPaymentKind
	}
	perm, ok := s.perms[permKey{resourceID: req.ResourceID, requester: req.Requester}]
	if !ok {
		return AccessRequest{}, ErrNotFound
	}
	if perm.Revoked {
		return AccessRequest{}, ErrAccessRevoked
	}
	owner, ok := s.owners[req.ResourceID]
	if !ok {
		return AccessRequest{}, ErrNotFound
	}

	// No interval-elapsed check: repeated immediate charges are accepted.
	// Cadence enforcement is the caller's concern until the billing model
	// is settled.
	if _, err := s.settler.Transfer(ctx, req.Requester, owner, req.Amount, ""); err != nil {
		return AccessRequest{}, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	now := s.now().UTC()
	req.LastPaymentAt = &now
	return *req, nil
}

func (s *InMemory) ExtendAccess(ctx context.Context, caller string, id uint64, additional time.Duration) (AccessRequest, error) {
	if additional < time.Second {
		return AccessRequest{}, fmt.Errorf("%w: additional duration must be at least one second", ErrInvalidParameters)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return AccessRequest{}, ErrNotFound
	}
	if strings.TrimSpace(caller) != req.Requester {
		return AccessRequest{}, ErrNotAuthorized
	}
	perm, ok := s.perms[permKey{resourceID: req.ResourceID, requester: req.Requester}]
	if !ok {
		return AccessRequest{}, ErrNotFound
	}
	if perm.Revoked {
		return AccessRequest{}, ErrAccessRevoked
	}
	owner, ok := s.owners[req.ResourceID]
	if !ok {
		return AccessRequest{}, ErrNotFound
	}

	charge := ExtensionCharge(req.Amount, additional, req.Duration)
	if charge > 0 {
		if _, err := s.settler.Transfer(ctx, req.Requester, owner, charge, ""); err != nil {
			return AccessRequest{}, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
		}
	}

	req.EndAt = req.EndAt.Add(additional)
	perm.AccessUntil = perm.AccessUntil.Add(additional)
	return *req, nil
}

// ExtensionCharge prices an extension as a linear fraction of the original
// payment: floor(amount × additional / original), computed in whole seconds.
func ExtensionCharge(amount int64, additional, original time.Duration) int64 {
	origSec := int64(original / time.Second)
	if origSec <= 0 {
		return 0
	}
	return amount * int64(additional/time.Second) / origSec
}

func (s *InMemory) VerifyAccess(ctx context.Context, resourceID, requester string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.perms[permKey{resourceID: resourceID, requester: requester}]
	if !ok {
		return ErrNotAuthorized
	}
	if !perm.ValidAt(s.now().UTC()) {
		return ErrNotAuthorized
	}
	return nil
}

func (s *InMemory) GetPermission(ctx context.Context, resourceID, requester string) (Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.perms[permKey{resourceID: resourceID, requester: requester}]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return *perm, nil
}
