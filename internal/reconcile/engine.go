// Package reconcile is the core of the system: it consumes normalized
// reconciliation events, resolves the target entity, validates the proposed
// transition against the reachability tables, and commits the change
// atomically together with its side effects. Transitions on one entity are
// strictly serialized by a per-entity lock; everything else runs
// concurrently.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"fundflow/internal/metrics"
	"fundflow/internal/model"
)

// ErrUnknownReference is recorded when an event's external reference never
// resolved to a local entity within the retry budget.
var ErrUnknownReference = errors.New("unknown external reference")

// Config tunes the engine's retry behavior.
type Config struct {
	ResolveRetries int           // lookup retries for the webhook-before-commit race
	ResolveBackoff time.Duration // base backoff between lookup retries
	LockTimeout    time.Duration // bounded wait for an entity's transition lock
	MaxAttempts    int           // delivery attempts before dead-lettering
	RetryDelay     time.Duration // redelivery delay after a retryable failure
}

func (c *Config) withDefaults() {
	if c.ResolveRetries <= 0 {
		c.ResolveRetries = 3
	}
	if c.ResolveBackoff <= 0 {
		c.ResolveBackoff = 200 * time.Millisecond
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// Engine applies reconciliation events to the state store. It is the sole
// writer of status fields.
type Engine struct {
	cfg      Config
	store    model.StateStore
	prom     *metrics.Metrics
	locks    *keyedLocks
	terminal chan<- model.TerminalTransition
	retries  chan model.ReconciliationEvent
}

// New creates an engine. terminal receives committed terminal-state
// transitions for the notification fan-out; delivery there is best-effort
// and never blocks a commit.
func New(cfg Config, store model.StateStore, prom *metrics.Metrics, terminal chan<- model.TerminalTransition) *Engine {
	cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		store:    store,
		prom:     prom,
		locks:    newKeyedLocks(),
		terminal: terminal,
		retries:  make(chan model.ReconciliationEvent, 256),
	}
}

// Retries returns the engine's internal redelivery channel. The composition
// root runs one worker over it like any other inbound channel.
func (e *Engine) Retries() <-chan model.ReconciliationEvent {
	return e.retries
}

// Run consumes events from ch until ctx is cancelled or ch is closed.
// One Run worker is started per inbound channel (webhook, redirect, poll,
// retries); events for the same entity may arrive on any of them, the
// per-entity lock serializes the application.
func (e *Engine) Run(ctx context.Context, ch <-chan model.ReconciliationEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := e.Process(ctx, ev); err != nil {
				e.redeliver(ctx, ev, err)
			}
		}
	}
}

func (e *Engine) redeliver(ctx context.Context, ev model.ReconciliationEvent, cause error) {
	ev.Attempts++
	if ev.Attempts >= e.cfg.MaxAttempts {
		log.Printf("[engine] dead-lettering %s %s after %d attempts: %v",
			ev.Entity, ev.ExternalRef, ev.Attempts, cause)
		e.deadLetter(ctx, ev, fmt.Sprintf("retry budget exhausted: %v", cause))
		return
	}
	ev2 := ev
	time.AfterFunc(e.cfg.RetryDelay, func() {
		select {
		case e.retries <- ev2:
		default:
			// retry queue saturated; the poll scheduler will re-observe
			log.Printf("[engine] retry queue full, dropping %s %s (poll will recover)",
				ev2.Entity, ev2.ExternalRef)
		}
	})
}

// Process applies one event. A nil return means the event was handled:
// applied, dropped as duplicate/unreachable, or dead-lettered. A non-nil
// return means a retryable condition (lock timeout, storage fault) and the
// caller should redeliver.
func (e *Engine) Process(ctx context.Context, ev model.ReconciliationEvent) error {
	applied, err := e.store.WasApplied(ctx, ev.DedupKey)
	if err != nil {
		return fmt.Errorf("journal check: %w", err)
	}
	if applied {
		e.prom.DuplicatesTotal.Inc()
		return nil
	}

	switch ev.Entity {
	case model.EntityOrder:
		return e.processOrder(ctx, ev)
	case model.EntityPayment:
		return e.processPayment(ctx, ev)
	case model.EntityMandate:
		return e.processMandate(ctx, ev)
	default:
		e.deadLetter(ctx, ev, fmt.Sprintf("unknown entity type %q", ev.Entity))
		return nil
	}
}

func (e *Engine) processOrder(ctx context.Context, ev model.ReconciliationEvent) error {
	target, err := model.MapOrderState(ev.RawStatus)
	if err != nil {
		return e.contractViolation(ctx, ev, err)
	}

	o, err := e.resolve(ctx, func(ctx context.Context) (string, model.TxnStatus, error) {
		o, err := e.store.OrderByExternalRef(ctx, ev.ExternalRef)
		if err != nil {
			return "", "", err
		}
		return o.ID, o.Status, nil
	})
	if err != nil {
		return e.resolveFailed(ctx, ev, err)
	}

	release, err := e.locks.acquire("order:"+o, e.cfg.LockTimeout)
	if err != nil {
		e.prom.LockTimeouts.Inc()
		return err
	}
	defer release()

	// Re-read under the lock: another worker may have advanced the order
	// between resolution and acquisition.
	cur, err := e.store.OrderByID(ctx, o)
	if err != nil {
		return fmt.Errorf("re-read order: %w", err)
	}

	if cur.Status == target {
		return e.drop(ctx, ev, "noop: already "+string(target))
	}
	if !CanTransitionTxn(cur.Status, target) {
		return e.dropUnreachable(ctx, ev, string(cur.Status), string(target))
	}

	at := time.Now()
	if err := e.store.ApplyOrderTransition(ctx, model.Transition{
		EntityID: cur.ID,
		From:     string(cur.Status),
		To:       string(target),
		At:       at,
		DedupKey: ev.DedupKey,
	}); err != nil {
		return fmt.Errorf("apply order transition: %w", err)
	}

	e.committed(model.EntityOrder, cur.ID, ev.ExternalRef, string(cur.Status), string(target), at)
	return nil
}

func (e *Engine) processPayment(ctx context.Context, ev model.ReconciliationEvent) error {
	target, err := model.MapPaymentState(ev.RawStatus)
	if err != nil {
		return e.contractViolation(ctx, ev, err)
	}

	p, err := e.resolve(ctx, func(ctx context.Context) (string, model.TxnStatus, error) {
		p, err := e.store.PaymentByExternalRef(ctx, ev.ExternalRef)
		if err != nil {
			return "", "", err
		}
		return p.ID, p.Status, nil
	})
	if err != nil {
		return e.resolveFailed(ctx, ev, err)
	}

	release, err := e.locks.acquire("payment:"+p, e.cfg.LockTimeout)
	if err != nil {
		e.prom.LockTimeouts.Inc()
		return err
	}
	defer release()

	cur, err := e.store.PaymentByID(ctx, p)
	if err != nil {
		return fmt.Errorf("re-read payment: %w", err)
	}

	if cur.Status == target {
		return e.drop(ctx, ev, "noop: already "+string(target))
	}
	if !CanTransitionTxn(cur.Status, target) {
		return e.dropUnreachable(ctx, ev, string(cur.Status), string(target))
	}

	at := time.Now()
	if err := e.store.ApplyPaymentTransition(ctx, model.Transition{
		EntityID: cur.ID,
		From:     string(cur.Status),
		To:       string(target),
		At:       at,
		DedupKey: ev.DedupKey,
	}); err != nil {
		return fmt.Errorf("apply payment transition: %w", err)
	}

	e.committed(model.EntityPayment, cur.ID, ev.ExternalRef, string(cur.Status), string(target), at)
	return nil
}

func (e *Engine) processMandate(ctx context.Context, ev model.ReconciliationEvent) error {
	target, err := model.MapMandateState(ev.RawStatus)
	if err != nil {
		return e.contractViolation(ctx, ev, err)
	}

	var id string
	lookupErr := e.retryLookup(ctx, func(ctx context.Context) error {
		m, err := e.store.MandateByExternalRef(ctx, ev.ExternalRef)
		if err != nil {
			return err
		}
		id = m.ID
		return nil
	})
	if lookupErr != nil {
		return e.resolveFailed(ctx, ev, lookupErr)
	}

	release, err := e.locks.acquire("mandate:"+id, e.cfg.LockTimeout)
	if err != nil {
		e.prom.LockTimeouts.Inc()
		return err
	}
	defer release()

	cur, err := e.store.MandateByID(ctx, id)
	if err != nil {
		return fmt.Errorf("re-read mandate: %w", err)
	}

	if cur.Status == target {
		return e.drop(ctx, ev, "noop: already "+string(target))
	}
	if !CanTransitionMandate(cur.Status, target) {
		return e.dropUnreachable(ctx, ev, string(cur.Status), string(target))
	}

	at := time.Now()
	superseded, err := e.store.ApplyMandateTransition(ctx, model.Transition{
		EntityID: cur.ID,
		From:     string(cur.Status),
		To:       string(target),
		At:       at,
		DedupKey: ev.DedupKey,
	})
	if err != nil {
		return fmt.Errorf("apply mandate transition: %w", err)
	}

	e.committed(model.EntityMandate, cur.ID, ev.ExternalRef, string(cur.Status), string(target), at)

	// Superseded mandates expired in the same transaction get their own
	// terminal notifications.
	for _, oldID := range superseded {
		e.committed(model.EntityMandate, oldID, "", string(model.MandateAuthorized),
			string(model.MandateExpired), at)
	}
	return nil
}

// FailOrder moves an order to FAILED outside the event pipeline, used for
// synchronous permanent rejections at submission time. It goes through the
// same lock and reachability machinery as any event.
func (e *Engine) FailOrder(ctx context.Context, orderID, reason string) error {
	release, err := e.locks.acquire("order:"+orderID, e.cfg.LockTimeout)
	if err != nil {
		e.prom.LockTimeouts.Inc()
		return err
	}
	defer release()

	cur, err := e.store.OrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if cur.Status == model.StatusFailed {
		return nil
	}
	if !CanTransitionTxn(cur.Status, model.StatusFailed) {
		return fmt.Errorf("order %s: cannot fail from %s", orderID, cur.Status)
	}

	at := time.Now()
	if err := e.store.ApplyOrderTransition(ctx, model.Transition{
		EntityID: orderID,
		From:     string(cur.Status),
		To:       string(model.StatusFailed),
		At:       at,
	}); err != nil {
		return err
	}

	slog.Warn("order failed at submission", "order_id", orderID, "reason", reason)
	e.committed(model.EntityOrder, orderID, cur.ExternalRef, string(cur.Status),
		string(model.StatusFailed), at)
	return nil
}

// ── helpers ──

// resolve looks up (id, status) by external reference with bounded retries,
// covering the race where a webhook outruns the local commit that stores
// the reference.
func (e *Engine) resolve(ctx context.Context, lookup func(context.Context) (string, model.TxnStatus, error)) (string, error) {
	var id string
	err := e.retryLookup(ctx, func(ctx context.Context) error {
		got, _, err := lookup(ctx)
		if err != nil {
			return err
		}
		id = got
		return nil
	})
	return id, err
}

func (e *Engine) retryLookup(ctx context.Context, lookup func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := lookup(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if attempt >= e.cfg.ResolveRetries {
			return ErrUnknownReference
		}
		e.prom.ResolveRetries.Inc()
		backoff := e.cfg.ResolveBackoff * time.Duration(attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (e *Engine) resolveFailed(ctx context.Context, ev model.ReconciliationEvent, err error) error {
	if errors.Is(err, ErrUnknownReference) {
		e.deadLetter(ctx, ev, "unknown external reference")
		return nil
	}
	return err
}

// contractViolation handles an unmapped provider state: a programming or
// contract error, surfaced loudly and retained, never silently defaulted.
func (e *Engine) contractViolation(ctx context.Context, ev model.ReconciliationEvent, err error) error {
	slog.Error("unmapped provider state", "entity", string(ev.Entity),
		"external_ref", ev.ExternalRef, "raw_status", ev.RawStatus, "err", err)
	e.deadLetter(ctx, ev, err.Error())
	return nil
}

func (e *Engine) drop(ctx context.Context, ev model.ReconciliationEvent, note string) error {
	e.prom.DuplicatesTotal.Inc()
	return e.store.MarkProcessed(ctx, ev.DedupKey, note)
}

func (e *Engine) dropUnreachable(ctx context.Context, ev model.ReconciliationEvent, from, to string) error {
	e.prom.UnreachableDrops.Inc()
	log.Printf("[engine] dropping %s %s event: %s -> %s not reachable (source %s)",
		ev.Entity, ev.ExternalRef, from, to, ev.Source)
	return e.store.MarkProcessed(ctx, ev.DedupKey, fmt.Sprintf("dropped: %s -> %s unreachable", from, to))
}

func (e *Engine) deadLetter(ctx context.Context, ev model.ReconciliationEvent, reason string) {
	e.prom.DeadLettersTotal.Inc()
	if err := e.store.DeadLetter(ctx, ev, reason); err != nil {
		log.Printf("[engine] FAILED to dead-letter %s %s: %v", ev.Entity, ev.ExternalRef, err)
	}
}

func (e *Engine) committed(entity model.EntityType, id, ref, from, to string, at time.Time) {
	e.prom.TransitionsTotal.WithLabelValues(string(entity), to).Inc()

	terminal := false
	switch entity {
	case model.EntityMandate:
		terminal = model.MandateStatus(to).IsTerminal()
	default:
		terminal = model.TxnStatus(to).IsTerminal()
	}
	if !terminal || e.terminal == nil {
		return
	}

	t := model.TerminalTransition{
		Entity:      entity,
		EntityID:    id,
		ExternalRef: ref,
		From:        from,
		To:          to,
		At:          at,
	}
	select {
	case e.terminal <- t:
		e.prom.TerminalPublishes.Inc()
	default:
		// fan-out is best-effort; losing a notification never rolls back
		log.Printf("[engine] terminal channel full, dropping notification for %s %s", entity, id)
	}
}
