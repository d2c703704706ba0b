package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// EntityType identifies which state machine an event targets.
type EntityType string

const (
	EntityOrder   EntityType = "order"
	EntityPayment EntityType = "payment"
	EntityMandate EntityType = "mandate"
)

// SourceKind identifies where an inbound signal came from.
type SourceKind string

const (
	SourceWebhook  SourceKind = "WEBHOOK"
	SourceRedirect SourceKind = "REDIRECT"
	SourcePoll     SourceKind = "POLL"
)

// ReconciliationEvent is the normalized unit of work fed to the engine.
// All inbound signals — provider webhooks, redirect-triggered verifications
// and scheduled poll results — collapse into this shape.
type ReconciliationEvent struct {
	Entity      EntityType `json:"entity"`
	ExternalRef string     `json:"external_ref"`
	RawStatus   string     `json:"raw_status"`
	OccurredAt  time.Time  `json:"occurred_at"`
	Source      SourceKind `json:"source"`
	DedupKey    string     `json:"dedup_key"`

	// Attempts counts engine delivery attempts (lock timeouts, unresolved
	// references). Exhausting the budget dead-letters the event.
	Attempts int `json:"attempts"`
}

// NewReconciliationEvent builds a normalized event and derives its dedup key.
func NewReconciliationEvent(entity EntityType, ref, rawStatus string, occurredAt time.Time, source SourceKind, bucket time.Duration) ReconciliationEvent {
	return ReconciliationEvent{
		Entity:      entity,
		ExternalRef: ref,
		RawStatus:   rawStatus,
		OccurredAt:  occurredAt,
		Source:      source,
		DedupKey:    DedupKey(entity, ref, rawStatus, occurredAt, bucket),
	}
}

// DedupKey derives the idempotency key for an inbound signal. The timestamp
// is truncated to the configured bucket width, so re-deliveries of the same
// (entity, ref, status) inside one bucket hash identically regardless of
// source. Bucket width is a deployment tunable (DEDUP_BUCKET, default 60s).
func DedupKey(entity EntityType, ref, rawStatus string, occurredAt time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Minute
	}
	slot := occurredAt.UTC().Truncate(bucket).Unix()
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s|%d", entity, ref, rawStatus, slot)))
	return hex.EncodeToString(sum[:])
}

// TerminalTransition is published to the notification fan-out after a
// transition into a terminal state has been committed.
type TerminalTransition struct {
	Entity      EntityType `json:"entity"`
	EntityID    string     `json:"entity_id"`
	ExternalRef string     `json:"external_ref"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	At          time.Time  `json:"at"`
}
