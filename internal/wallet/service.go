package wallet

import (
	"context"
	"sync"
	"time"

	"datapass.org/internal/ids"
)

// Settler is the atomic value-transfer primitive consumed by the lifecycle
// engine. A transfer either settles completely and returns the Payment
// record, or fails with no balance change. The engine never retries.
type Settler interface {
	Transfer(ctx context.Context, from, to string, amount int64, idemKey string) (Payment, error)
}

// Service extends Settler with the account bookkeeping used by tooling and
// tests. Production deployments may plug an external settlement network in
// behind Settler alone.
type Service interface {
	Settler
	Open(ctx context.Context, holder string, initial int64) (Account, error)
	Balance(ctx context.Context, holder string) (int64, error)
	ListPayments(ctx context.Context, limit int, afterSeq uint64) ([]Payment, uint64, error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	accts map[string]*Account
	seq   uint64
	pays  []Payment
	idem  map[string]Payment // idemKey -> payment
}

// NewInMemory creates an empty settlement ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		accts: make(map[string]*Account),
		idem:  make(map[string]Payment),
	}
}

var _ Service = (*InMemory)(nil)

// Open creates the account for holder, or tops it up when it already exists.
func (s *InMemory) Open(ctx context.Context, holder string, initial int64) (Account, error) {
	if initial < 0 {
		return Account{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accts[holder]
	if !ok {
		acc = &Account{Holder: holder, CreatedAt: time.Now().UTC()}
		s.accts[holder] = acc
	}
	acc.Balance += initial
	return *acc, nil
}

func (s *InMemory) Balance(ctx context.Context, holder string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[holder]
	if !ok {
		return 0, ErrNotFound
	}
	return acc.Balance, nil
}

func (s *InMemory) Transfer(ctx context.Context, from, to string, amount int64, idemKey string) (Payment, error) {
	if amount <= 0 {
		return Payment{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idemKey != "" {
		if p, ok := s.idem[idemKey]; ok {
			return p, nil
		}
	}

	src, ok := s.accts[from]
	if !ok {
		return Payment{}, ErrNotFound
	}
	dst, ok := s.accts[to]
	if !ok {
		return Payment{}, ErrNotFound
	}
	if src.Balance < amount {
		return Payment{}, ErrInsufficientFunds
	}

	src.Balance -= amount
	dst.Balance += amount

	s.seq++
	p := Payment{
		ID:             ids.New(),
		CreatedAt:      time.Now().UTC(),
		From:           from,
		To:             to,
		Amount:         amount,
		IdempotencyKey: idemKey,
		Sequence:       s.seq,
	}
	s.pays = append(s.pays, p)
	if idemKey != "" {
		s.idem[idemKey] = p
	}
	return p, nil
}

func (s *InMemory) ListPayments(ctx context.Context, limit int, afterSeq uint64) ([]Payment, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Payment
	var last uint64
	for _, p := range s.pays {
		if p.Sequence <= afterSeq {
			continue
		}
		res = append(res, p)
		last = p.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}
