// Package ingest normalizes all inbound signals — provider webhooks,
// investor redirect returns and poll observations — into reconciliation
// events, sheds duplicates through the fast dedup layer, and hands the rest
// to the engine over per-source channels.
package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"fundflow/internal/metrics"
	"fundflow/internal/model"
)

var errMissingField = errors.New("event missing entity, reference or status")

// VerifyRequest asks the poll scheduler to fetch an entity's provider status
// out of cycle. Redirect returns produce these: the redirect itself is
// advisory and never moves state.
type VerifyRequest struct {
	Entity      model.EntityType
	ExternalRef string
}

// Ingestor is the single entry point for inbound signals.
type Ingestor struct {
	dedup  model.Deduper
	store  model.StateStore
	prom   *metrics.Metrics
	bucket time.Duration

	webhooks chan model.ReconciliationEvent
	polls    chan model.ReconciliationEvent
	verifies chan VerifyRequest
}

// New creates an ingestor. bucket is the dedup time-bucket width.
func New(dedup model.Deduper, store model.StateStore, prom *metrics.Metrics, bucket time.Duration) *Ingestor {
	return &Ingestor{
		dedup:    dedup,
		store:    store,
		prom:     prom,
		bucket:   bucket,
		webhooks: make(chan model.ReconciliationEvent, 256),
		polls:    make(chan model.ReconciliationEvent, 256),
		verifies: make(chan VerifyRequest, 64),
	}
}

// Webhooks is the channel of admitted webhook events.
func (i *Ingestor) Webhooks() <-chan model.ReconciliationEvent { return i.webhooks }

// Polls is the channel of admitted poll-observed events.
func (i *Ingestor) Polls() <-chan model.ReconciliationEvent { return i.polls }

// Verifies is the channel of out-of-cycle verification requests.
func (i *Ingestor) Verifies() <-chan VerifyRequest { return i.verifies }

// IngestWebhook normalizes one provider webhook. It returns false when the
// event was shed as a duplicate; the caller still responds 200 so the
// provider stops redelivering.
func (i *Ingestor) IngestWebhook(ctx context.Context, entity model.EntityType, ref, rawStatus string, occurredAt time.Time) (bool, error) {
	return i.admit(ctx, entity, ref, rawStatus, occurredAt, model.SourceWebhook, i.webhooks)
}

// IngestPoll normalizes one poll observation. Unchanged provider status
// across consecutive cycles hashes to the same key and is shed here instead
// of grinding through the engine every interval.
func (i *Ingestor) IngestPoll(ctx context.Context, entity model.EntityType, ref, rawStatus string, observedAt time.Time) (bool, error) {
	return i.admit(ctx, entity, ref, rawStatus, observedAt, model.SourcePoll, i.polls)
}

// IngestRedirect records that the investor returned from the provider's
// payment page and requests an immediate status verification. The redirect
// parameters themselves are untrusted and never applied.
func (i *Ingestor) IngestRedirect(ctx context.Context, paymentRef string, at time.Time) error {
	if paymentRef == "" {
		return errMissingField
	}
	if err := i.store.MarkRedirectReceived(ctx, paymentRef, at); err != nil {
		return err
	}
	i.prom.EventsTotal.WithLabelValues(string(model.SourceRedirect)).Inc()
	select {
	case i.verifies <- VerifyRequest{Entity: model.EntityPayment, ExternalRef: paymentRef}:
	default:
		// the regular poll cycle will catch it
		log.Printf("[ingest] verify queue full, deferring %s to next poll cycle", paymentRef)
	}
	return nil
}

func (i *Ingestor) admit(ctx context.Context, entity model.EntityType, ref, rawStatus string, at time.Time, source model.SourceKind, out chan model.ReconciliationEvent) (bool, error) {
	if entity == "" || ref == "" || rawStatus == "" {
		return false, errMissingField
	}
	ev := model.NewReconciliationEvent(entity, ref, rawStatus, at, source, i.bucket)

	ok, err := i.dedup.Admit(ctx, ev.DedupKey)
	if err != nil {
		// fail open: the durable journal still guarantees idempotency
		log.Printf("[ingest] dedup check failed, admitting %s %s: %v", entity, ref, err)
		ok = true
	}
	if !ok {
		i.prom.DuplicatesTotal.Inc()
		return false, nil
	}

	select {
	case out <- ev:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	i.prom.EventsTotal.WithLabelValues(string(source)).Inc()
	return true, nil
}
