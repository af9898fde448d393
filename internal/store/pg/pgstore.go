package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"datapass.org/internal/grant"
	"datapass.org/internal/wallet"
)

// Store is the Postgres-backed lifecycle engine. Every state-changing
// operation runs in one serializable transaction: precondition checks and
// staged writes first, then the settler transfer, then commit — so a
// rejected transfer rolls the whole operation back.
type Store struct {
	db        *sql.DB
	settler   wallet.Settler
	directory string
	now       func() time.Time
}

var _ grant.Service = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Open connects to Postgres with pool defaults tuned for the API workload.
func Open(dsn string, settler wallet.Settler, directory string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db, settler, directory, opts...), nil
}

// NewStore wraps an existing database handle (tests inject sqlmock here).
func NewStore(db *sql.DB, settler wallet.Settler, directory string, opts ...Option) *Store {
	s := &Store{
		db:        db,
		settler:   settler,
		directory: strings.TrimSpace(directory),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) RecordOwnership(ctx context.Context, caller, resourceID, owner string) error {
	resourceID = strings.TrimSpace(resourceID)
	owner = strings.TrimSpace(owner)
	if resourceID == "" || owner == "" {
		return fmt.Errorf("%w: resource_id and owner are required", grant.ErrInvalidParameters)
	}
	if strings.TrimSpace(caller) != s.directory || s.directory == "" {
		return grant.ErrNotAuthorized
	}
	_, err := s.db.ExecContext(ctx, `
		insert into ownerships(resource_id, owner, updated_at)
		values ($1,$2,$3)
		on conflict (resource_id) do update
		set owner = excluded.owner, updated_at = excluded.updated_at
	`, resourceID, owner, s.now().UTC())
	return err
}

func (s *Store) Owner(ctx context.Context, resourceID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `select owner from ownerships where resource_id=$1`, resourceID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", grant.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

func (s *Store) SubmitRequest(ctx context.Context, requester string, sub grant.Submission) (grant.AccessRequest, error) {
	requester = strings.TrimSpace(requester)
	if requester == "" {
		return grant.AccessRequest{}, fmt.Errorf("%w: requester is required", grant.ErrInvalidParameters)
	}
	if err := grant.ValidateSubmission(sub); err != nil {
		return grant.AccessRequest{}, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return grant.AccessRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from ownerships where resource_id=$1`, sub.ResourceID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.AccessRequest{}, grant.ErrNotFound
	}
	if err != nil {
		return grant.AccessRequest{}, err
	}

	now := s.now().UTC()
	req := grant.AccessRequest{
		Requester:  requester,
		ResourceID: sub.ResourceID,
		Purpose:    sub.Purpose,
		StartAt:    now,
		EndAt:      now.Add(sub.Duration),
		Duration:   sub.Duration,
		Amount:     sub.Amount,
		Kind:       sub.Kind,
		Interval:   sub.Interval,
		Status:     grant.StatusPending,
	}
	err = tx.QueryRowContext(ctx, `
		insert into access_requests(requester, resource_id, purpose, start_at, end_at, duration_seconds, amount, kind, interval_seconds, status)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) returning id
	`, req.Requester, req.ResourceID, req.Purpose, req.StartAt, req.EndAt,
		int64(req.Duration/time.Second), req.Amount, string(req.Kind),
		int64(req.Interval/time.Second), string(req.Status)).Scan(&req.ID)
	if err != nil {
		return grant.AccessRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return grant.AccessRequest{}, err
	}
	return req, nil
}

const requestColumns = `id, requester, resource_id, purpose, start_at, end_at, duration_seconds, amount, kind, interval_seconds, status, approved_at, last_payment_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (grant.AccessRequest, error) {
	var (
		req           grant.AccessRequest
		durationSec   int64
		intervalSec   int64
		kind, status  string
		approvedAt    sql.NullTime
		lastPaymentAt sql.NullTime
	)
	err := row.Scan(&req.ID, &req.Requester, &req.ResourceID, &req.Purpose,
		&req.StartAt, &req.EndAt, &durationSec, &req.Amount, &kind,
		&intervalSec, &status, &approvedAt, &lastPaymentAt)
	if err != nil {
		return grant.AccessRequest{}, err
	}
	req.Duration = time.Duration(durationSec) * time.Second
	req.Interval = time.Duration(intervalSec) * time.Second
	req.Kind = grant.PaymentKind(kind)
	req.Status = grant.Status(status)
	if approvedAt.Valid {
		t := approvedAt.Time
		req.ApprovedAt = &t
	}
	if lastPaymentAt.Valid {
		t := lastPaymentAt.Time
		req.LastPaymentAt = &t
	}
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id uint64) (grant.AccessRequest, error) {
	row := s.db.QueryRowContext(ctx, `select `+requestColumns+` from access_requests where id=$1`, int64(id))
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.AccessRequest{}, grant.ErrNotFound
	}
	return req, err
}

func (s *Store) ListRequests(ctx context.Context, limit int, afterID uint64) ([]grant.AccessRequest, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+requestColumns+`
		from access_requests
		where id > $1
		order by id asc
		limit $2
	`, int64(afterID), limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []grant.AccessRequest
	var last uint64
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, req)
		last = req.ID
	}
	return res, last, rows.Err()
}

// lockRequest loads the request row with a row lock so lifecycle transitions
// serialize per request.
func lockRequest(ctx context.Context, tx *sql.Tx, id uint64) (grant.AccessRequest, error) {
	row := tx.QueryRowContext(ctx, `select `+requestColumns+` from access_requests where id=$1 for update`, int64(id))
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.AccessRequest{}, grant.ErrNotFound
	}
	return req, err
}

func ownerInTx(ctx context.Context, tx *sql.Tx, resourceID string) (string, error) {
	var owner string
	err := tx.QueryRowContext(ctx, `select owner from ownerships where resource_id=$1`, resourceID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", grant.ErrNotFound
	}
	return owner, err
}

func lockPermission(ctx context.Context, tx *sql.Tx, resourceID, requester string) (grant.Permission, error) {
	perm := grant.Permission{ResourceID: resourceID, Requester: requester}
	err := tx.QueryRowContext(ctx, `
		select request_id, access_until, revoked, granted_at
		from permissions where resource_id=$1 and requester=$2 for update
	`, resourceID, requester).Scan(&perm.RequestID, &perm.AccessUntil, &perm.Revoked, &perm.GrantedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.Permission{}, grant.ErrNotFound
	}
	return perm, err
}

func (s *Store) Approve(ctx context.Context, caller string, id uint64) (grant.AccessRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return grant.AccessRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := lockRequest(ctx, tx, id)
	if err != nil {
		return grant.AccessRequest{}, err
	}
	owner, err := ownerInTx(ctx, tx, req.ResourceID)
	if err != nil {
		return grant.AccessRequest{}, err
	}
	if strings.TrimSpace(caller) != owner {
		return grant.AccessRequest{}, grant.ErrNotAuthorized
	}
	if req.Status != grant.StatusPending {
		return grant.AccessRequest{}, grant.ErrAlreadyProcessed
	}

	now := s.now().UTC()
	req.Status = grant.StatusApproved
	req.ApprovedAt = &now
	if req.Kind == grant.PaymentOneTime {
		t := now
		req.LastPaymentAt = &t
	}

	if _, err := tx.ExecContext(ctx, `
		update access_requests set status=$2, approved_at=$3, last_payment_at=$4 where id=$1
	`, int64(req.ID), string(req.Status), req.ApprovedAt, req.LastPaymentAt); err != nil {
		return grant.AccessRequest{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into permissions(resource_id, requester, request_id, access_until, revoked, granted_at)
		values ($1,$2,$3,$4,false,$5)
		on conflict (resource_id, requester) do update
		set request_id = excluded.request_id,
		    access_until = excluded.access_until,
		    revoked = false,
		    granted_at = excluded.granted_at
	`, req.ResourceID, req.Requester, int64(req.ID), req.EndAt, now); err != nil {
		return grant.AccessRequest{}, err
	}

	// Settle last: a rejected transfer aborts the transaction with every
	// staged write discarded.
	if req.Kind == grant.PaymentOneTime {
		key := fmt.Sprintf("approve-%d", req.ID)
		if _, err := s.settler.Transfer(ctx, req.Requester, owner, req.Amount, key); err != nil {
			return grant.AccessRequest{}, fmt.Errorf("%w: %v", grant.ErrPaymentFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return grant.AccessRequest{}, err
	}
	return req, nil
}

func (s *Store) Deny(ctx context.Context, caller string, id uint64) (grant.AccessRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return grant.AccessRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := lockRequest(ctx, tx, id)
	if err != nil {
		return grant.AccessRequest{}, err
	}
	owner, err := ownerInTx(ctx, tx, req.ResourceID)
	if err != nil {
		return grant.AccessRequest{}, err
	}
	if strings.TrimSpace(caller) != owner {
		return grant.AccessRequest{}, grant.ErrNotAuthorized
	}
	if req.Status != grant.StatusPending {
		return grant.AccessRequest{}, grant.ErrAlreadyProcessed
	}

	req.Status = grant.StatusDenied
	if _, err := tx.ExecContext(ctx, `update access_requests set status=$2 where id=$1`,
		int64(req.ID), string(req.Status)); err != nil {
		return grant.AccessRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return grant.AccessRequest{}, err
	}
	return req, nil
}

func (s *Store) Revoke(ctx context.Context, caller, resourceID, requester string) (grant.Permission, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return grant.Permission{}, err
	}
	defer func() { _ = tx.Rollback() }()

	owner, err := ownerInTx(ctx, tx, resourceID)
	if err != nil {
		return grant.Permission{}, err
	}
	if strings.TrimSpace(caller) != owner {
		return grant.Permission{}, grant.ErrNotAuthorized
	}
	perm, err := lockPermission(ctx, tx, resourceID, requester)
	if err != nil {
		return grant.Permission{}, err
	}

	perm.Revoked = true
	if _, err := tx.ExecContext(ctx, `
		update permissions set revoked=true where resource_id=$1 and requester=$2
	`, resourceID, requester); err != nil {
		return grant.Permission{}, err
	}
	// The originating request is forced to revoked regardless of its
	// current status.
	if _, err := tx.ExecContext(ctx, `update access_requests set status=$2 where id=$1`,
		int64(perm.RequestID), string(grant.StatusRevoked)); err != nil {
		return grant.Permission{}, err
	}
	if err := tx.Commit(); err != nil {
		return grant.Permission{}, err
	}
	return perm, nil
}

func (s *Store) ProcessSubscriptionPayment(ctx context.Context, caller string, id uint64) (grant.AccessRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return grant.AccessRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := lockRequest(ctx, tx, id)
	if err != nil {
		return grant.AccessRequest{}, err
	}
	if strings.TrimSpace(caller) != req.Requester {
		return grant.AccessRequest{}, grant.ErrNotAuthorized
	}
	if req.Kind != grant.PaymentSubscription {
		return grant.AccessRequest{}, grant.ErrInvalidPaymentKind
	}
	perm, err := lockPermission(ctx, tx, req.ResourceID, req.Requester)
	if err != nil {
		return grant.AccessRequest{}, err
	}
	if perm.Revoked {
		return grant.AccessRequest{}, grant.ErrAccessRevoked
	}
	owner, err := ownerInTx(ctx, tx, req.ResourceID)
	if err != nil {
		return grant.AccessRequest{}, err
	}

	now := s.now().UTC()
	req.LastPaymentAt = &now
	if _, err := tx.ExecContext(ctx, `update access_requests set last_payment_at=$2 where id=$1`,
		int64(req.ID), req.LastPaymentAt); err != nil {
		return grant.AccessRequest{}, err
	}

	// No interval-elapsed check by design; see the engine documentation.
	if _, err := s.settler.Transfer(ctx, req.Requester, owner, req.Amount, ""); err != nil {
		return grant.AccessRequest{}, fmt.Errorf("%w: %v", grant.ErrPaymentFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return grant.AccessRequest{}, err
	}
	return req, nil
}

func (s *Store) ExtendAccess(ctx context.Context, caller string, id uint64, additional time.Duration) (grant.AccessRequest, error) {
	if additional < time.Second {
		return grant.AccessRequest{}, fmt.Errorf("%w: additional duration must be at least one second", grant.ErrInvalidParameters)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return grant.AccessRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := lockRequest(ctx, tx, id)
	if err != nil {
		return grant.AccessRequest{}, err
	}
	if strings.TrimSpace(caller) != req.Requester {
		return grant.AccessRequest{}, grant.ErrNotAuthorized
	}
	perm, err := lockPermission(ctx, tx, req.ResourceID, req.Requester)
	if err != nil {
		return grant.AccessRequest{}, err
	}
	if perm.Revoked {
		return grant.AccessRequest{}, grant.ErrAccessRevoked
	}
	owner, err := ownerInTx(ctx, tx, req.ResourceID)
	if err != nil {
		return grant.AccessRequest{}, err
	}

	req.EndAt = req.EndAt.Add(additional)
	if _, err := tx.ExecContext(ctx, `update access_requests set end_at=$2 where id=$1`,
		int64(req.ID), req.EndAt); err != nil {
		return grant.AccessRequest{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update permissions set access_until = access_until + $3 * interval '1 second'
		where resource_id=$1 and requester=$2
	`, req.ResourceID, req.Requester, int64(additional/time.Second)); err != nil {
		return grant.AccessRequest{}, err
	}

	charge := grant.ExtensionCharge(req.Amount, additional, req.Duration)
	if charge > 0 {
		if _, err := s.settler.Transfer(ctx, req.Requester, owner, charge, ""); err != nil {
			return grant.AccessRequest{}, fmt.Errorf("%w: %v", grant.ErrPaymentFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return grant.AccessRequest{}, err
	}
	return req, nil
}

func (s *Store) VerifyAccess(ctx context.Context, resourceID, requester string) error {
	var (
		revoked     bool
		accessUntil time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		select revoked, access_until from permissions
		where resource_id=$1 and requester=$2
	`, resourceID, requester).Scan(&revoked, &accessUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.ErrNotAuthorized
	}
	if err != nil {
		return err
	}
	perm := grant.Permission{Revoked: revoked, AccessUntil: accessUntil}
	if !perm.ValidAt(s.now().UTC()) {
		return grant.ErrNotAuthorized
	}
	return nil
}

func (s *Store) GetPermission(ctx context.Context, resourceID, requester string) (grant.Permission, error) {
	perm := grant.Permission{ResourceID: resourceID, Requester: requester}
	err := s.db.QueryRowContext(ctx, `
		select request_id, access_until, revoked, granted_at
		from permissions where resource_id=$1 and requester=$2
	`, resourceID, requester).Scan(&perm.RequestID, &perm.AccessUntil, &perm.Revoked, &perm.GrantedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.Permission{}, grant.ErrNotFound
	}
	if err != nil {
		return grant.Permission{}, err
	}
	return perm, nil
}
