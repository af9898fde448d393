package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestTransferSuccessAndBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_, _ = s.Open(ctx, "requester-1", 1000)
	_, _ = s.Open(ctx, "owner-1", 0)

	if _, err := s.Transfer(ctx, "requester-1", "owner-1", 600, "k1"); err != nil {
		t.Fatal(err)
	}
	from, _ := s.Balance(ctx, "requester-1")
	to, _ := s.Balance(ctx, "owner-1")

	if from != 400 || to != 600 {
		t.Fatalf("unexpected balances: from=%d to=%d", from, to)
	}
}

func TestInsufficientFunds(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_, _ = s.Open(ctx, "requester-1", 100)
	_, _ = s.Open(ctx, "owner-1", 0)

	if _, err := s.Transfer(ctx, "requester-1", "owner-1", 200, "k2"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	from, _ := s.Balance(ctx, "requester-1")
	if from != 100 {
		t.Fatalf("failed transfer mutated balance: %d", from)
	}
}

func TestUnknownAccount(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_, _ = s.Open(ctx, "requester-1", 100)

	if _, err := s.Transfer(ctx, "requester-1", "ghost", 50, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdempotency(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_, _ = s.Open(ctx, "requester-1", 1000)
	_, _ = s.Open(ctx, "owner-1", 0)

	p1, err := s.Transfer(ctx, "requester-1", "owner-1", 100, "same-key")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.Transfer(ctx, "requester-1", "owner-1", 100, "same-key")
	if err != nil {
		t.Fatal(err)
	}
	if p1.ID != p2.ID || p1.Sequence != p2.Sequence {
		t.Fatalf("idempotency violated: %#v != %#v", p1, p2)
	}
	from, _ := s.Balance(ctx, "requester-1")
	if from != 900 {
		t.Fatalf("replayed transfer charged twice: %d", from)
	}
}

func TestOpenTopsUpExistingAccount(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_, _ = s.Open(ctx, "requester-1", 100)
	acc, err := s.Open(ctx, "requester-1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 150 {
		t.Fatalf("expected topped-up balance 150, got %d", acc.Balance)
	}
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_, _ = s.Open(ctx, "requester-1", 10000)
	_, _ = s.Open(ctx, "owner-1", 0)

	var wg sync.WaitGroup
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Transfer(ctx, "requester-1", "owner-1", 100, "")
		}()
	}
	wg.Wait()

	from, _ := s.Balance(ctx, "requester-1")
	to, _ := s.Balance(ctx, "owner-1")
	if from+to != 10000 {
		t.Fatalf("conservation violated: from+to=%d", from+to)
	}
}
