package wallet

import (
	"errors"
	"time"
)

// Payment is the record of one settled value transfer. Amounts are minor
// units (e.g. cents); no floats anywhere in settlement math.
type Payment struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Sequence       uint64    `json:"sequence"`
}

// Account holds the balance for a single principal.
type Account struct {
	Holder    string    `json:"holder"`
	CreatedAt time.Time `json:"created_at"`
	Balance   int64     `json:"balance"`
}

var (
	ErrNotFound          = errors.New("wallet: account not found")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrInvalidAmount     = errors.New("wallet: invalid amount (must be > 0)")
)
