package model

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when no entity matches.
var ErrNotFound = errors.New("entity not found")

// ── Storage Port Interfaces ──
// These interfaces decouple the engine, poller and submission service from
// the concrete store (SQLite). The reconcile engine is the only writer of
// status fields; everything else reads or asks the engine for a transition.

// StateStore is the durable record of orders, payments and mandates plus the
// applied-event journal and dead letters.
type StateStore interface {
	CreateOrder(ctx context.Context, o *Order) error
	CreatePayment(ctx context.Context, p *Payment) error
	CreateMandate(ctx context.Context, m *Mandate) error

	// SetExternalRef records the provider-assigned reference. The reference
	// is immutable: setting a different ref on an entity that already has
	// one is an error.
	SetExternalRef(ctx context.Context, entity EntityType, id, ref string) error

	OrderByID(ctx context.Context, id string) (*Order, error)
	PaymentByID(ctx context.Context, id string) (*Payment, error)
	MandateByID(ctx context.Context, id string) (*Mandate, error)

	OrderByExternalRef(ctx context.Context, ref string) (*Order, error)
	PaymentByExternalRef(ctx context.Context, ref string) (*Payment, error)
	MandateByExternalRef(ctx context.Context, ref string) (*Mandate, error)

	// HasOpenOrder reports whether a non-terminal order already exists for
	// the (investor, fund, batch) triple.
	HasOpenOrder(ctx context.Context, investorID, fundID, batchID string) (bool, error)

	// WasApplied reports whether an event with this dedup key has already
	// been processed. The journal insert happens inside the transition
	// transaction, so a crash can never record a transition without its key.
	WasApplied(ctx context.Context, dedupKey string) (bool, error)

	// MarkProcessed journals a dedup key for an event that was handled
	// without a state change (duplicate or unreachable transition).
	MarkProcessed(ctx context.Context, dedupKey, note string) error

	// ApplyOrderTransition atomically moves an order from -> to, stamps the
	// transition time, journals the dedup key, and — when to is SUBMITTED —
	// advances linked VERIFICATION_PENDING payments to SUBMITTED in the
	// same transaction.
	ApplyOrderTransition(ctx context.Context, t Transition) error

	// ApplyPaymentTransition atomically moves a payment and, on COMPLETED,
	// stamps verified_at.
	ApplyPaymentTransition(ctx context.Context, t Transition) error

	// ApplyMandateTransition atomically moves a mandate and, on AUTHORIZED,
	// expires any other AUTHORIZED mandate for the same (investor, bank
	// account) in the same transaction. Superseded mandate ids are returned.
	ApplyMandateTransition(ctx context.Context, t Transition) (superseded []string, err error)

	MarkRedirectReceived(ctx context.Context, paymentRef string, at time.Time) error

	// Poll scheduler support.
	StaleOrders(ctx context.Context, olderThan time.Time, limit int) ([]Order, error)
	StalePayments(ctx context.Context, olderThan time.Time, limit int) ([]Payment, error)
	StaleMandates(ctx context.Context, olderThan time.Time, limit int) ([]Mandate, error)
	UnsubmittedOrders(ctx context.Context, limit int) ([]Order, error)
	SetPollBackoff(ctx context.Context, entity EntityType, id string, attempts int, next time.Time) error
	FlagManualReview(ctx context.Context, entity EntityType, id string) error

	DeadLetter(ctx context.Context, ev ReconciliationEvent, reason string) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error)

	Close() error
}

// Transition describes one state change request against the store.
type Transition struct {
	EntityID string
	From     string
	To       string
	At       time.Time
	DedupKey string // journaled atomically with the change; optional
}

// DeadLetterRecord is an event that exhausted its retry budget, retained for
// operator inspection.
type DeadLetterRecord struct {
	ID        int64               `json:"id"`
	Event     ReconciliationEvent `json:"event"`
	Reason    string              `json:"reason"`
	CreatedAt time.Time           `json:"created_at"`
}

// Deduper is the fast duplicate check consulted at ingestion, ahead of the
// durable applied-event journal. Admit returns true the first time a key is
// seen within the TTL window.
type Deduper interface {
	Admit(ctx context.Context, key string) (bool, error)
}
