package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the kind of instruction sent to the order provider.
type OrderType string

const (
	OrderBuy  OrderType = "BUY"
	OrderSell OrderType = "SELL"
	OrderSIP  OrderType = "SIP"
)

// Order represents one buy/sell/SIP instruction.
// ExternalRef is empty until the provider assigns one and immutable after.
type Order struct {
	ID          string          `json:"id"`
	InvestorID  string          `json:"investor_id"`
	FundID      string          `json:"fund_id"`
	BatchID     string          `json:"batch_id"` // submission batch
	Type        OrderType       `json:"type"`
	ExternalRef string          `json:"external_ref,omitempty"`
	Status      TxnStatus       `json:"status"`
	Amount      decimal.Decimal `json:"amount"`

	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`

	// Poll bookkeeping
	PollAttempts int       `json:"poll_attempts"`
	NextPollAt   time.Time `json:"next_poll_at"`
	ManualReview bool      `json:"manual_review"`
}

// Payment represents one monetary collection against one or more orders.
type Payment struct {
	ID          string          `json:"id"`
	ExternalRef string          `json:"external_ref,omitempty"`
	Status      TxnStatus       `json:"status"`
	OrderIDs    []string        `json:"order_ids"`
	Amount      decimal.Decimal `json:"amount"`
	RedirectURL string          `json:"redirect_url,omitempty"`

	RedirectReceivedAt *time.Time `json:"redirect_received_at,omitempty"`
	VerifiedAt         *time.Time `json:"verified_at,omitempty"`

	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`

	PollAttempts int       `json:"poll_attempts"`
	NextPollAt   time.Time `json:"next_poll_at"`
	ManualReview bool      `json:"manual_review"`
}

// Mandate represents a standing auto-debit authorization for SIP orders.
// At most one AUTHORIZED mandate exists per (investor, bank account);
// authorizing a new one expires the old one in the same transaction.
type Mandate struct {
	ID          string          `json:"id"`
	InvestorID  string          `json:"investor_id"`
	BankAccount string          `json:"bank_account"`
	BankRef     string          `json:"bank_ref,omitempty"`
	ExternalRef string          `json:"external_ref,omitempty"`
	Status      MandateStatus   `json:"status"`
	DebitLimit  decimal.Decimal `json:"debit_limit"`

	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`

	PollAttempts int       `json:"poll_attempts"`
	NextPollAt   time.Time `json:"next_poll_at"`
	ManualReview bool      `json:"manual_review"`
}
