// Package poll is the fallback signal source: it scans for entities whose
// status has gone stale — a missed webhook, a silent provider — fetches the
// authoritative provider state through the resilience guards, and feeds the
// observations back through ingestion as poll events. It also retries order
// submissions that never obtained a provider reference.
package poll

import (
	"context"
	"fmt"
	"log"
	"time"

	"fundflow/internal/ingest"
	"fundflow/internal/metrics"
	"fundflow/internal/model"
	"fundflow/internal/notify"
	"fundflow/internal/provider"
	"fundflow/internal/resilience"
)

// Store is the slice of the state store the scheduler consumes.
type Store interface {
	StaleOrders(ctx context.Context, olderThan time.Time, limit int) ([]model.Order, error)
	StalePayments(ctx context.Context, olderThan time.Time, limit int) ([]model.Payment, error)
	StaleMandates(ctx context.Context, olderThan time.Time, limit int) ([]model.Mandate, error)
	UnsubmittedOrders(ctx context.Context, limit int) ([]model.Order, error)
	SetPollBackoff(ctx context.Context, entity model.EntityType, id string, attempts int, next time.Time) error
	FlagManualReview(ctx context.Context, entity model.EntityType, id string) error
	SetExternalRef(ctx context.Context, entity model.EntityType, id, ref string) error
}

// OrderFailer moves an order to FAILED through the engine's transition
// machinery after a permanent submission rejection.
type OrderFailer interface {
	FailOrder(ctx context.Context, orderID, reason string) error
}

// Providers bundles the status-fetch surfaces the scheduler polls.
type Providers struct {
	Orders   provider.OrderProvider
	Payments provider.PaymentProvider
	Mandates provider.MandateProvider
}

// Guards bundles the per-provider resilience guards.
type Guards struct {
	Orders   *resilience.Guard
	Payments *resilience.Guard
	Mandates *resilience.Guard
}

// Config tunes the scheduler.
type Config struct {
	Interval    time.Duration // scan cycle
	StaleAfter  time.Duration // no transition for this long makes an entity stale
	BackoffBase time.Duration // first re-poll delay; doubles per attempt
	BackoffMax  time.Duration // backoff ceiling
	MaxAttempts int           // attempts before flagging manual review
	BatchLimit  int           // stale entities fetched per scan per type
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
}

// Scheduler drives the poll cycle.
type Scheduler struct {
	cfg      Config
	store    Store
	ing      *ingest.Ingestor
	prov     Providers
	guards   Guards
	failer   OrderFailer
	notifier notify.Notifier
	prom     *metrics.Metrics
}

// New creates a scheduler. notifier may be nil.
func New(cfg Config, store Store, ing *ingest.Ingestor, prov Providers, guards Guards, failer OrderFailer, notifier notify.Notifier, prom *metrics.Metrics) *Scheduler {
	cfg.withDefaults()
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		ing:      ing,
		prov:     prov,
		guards:   guards,
		failer:   failer,
		notifier: notifier,
		prom:     prom,
	}
}

// Run scans on the configured interval and serves out-of-cycle verification
// requests (redirect returns) between scans.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[poll] scheduler running, interval=%s stale_after=%s", s.cfg.Interval, s.cfg.StaleAfter)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		case req := <-s.ing.Verifies():
			s.verify(ctx, req)
		}
	}
}

// Scan runs one poll cycle: stale entities of each type, then unsubmitted
// orders.
func (s *Scheduler) Scan(ctx context.Context) {
	s.prom.PollScans.Inc()
	cutoff := time.Now().Add(-s.cfg.StaleAfter)

	s.scanOrders(ctx, cutoff)
	s.scanPayments(ctx, cutoff)
	s.scanMandates(ctx, cutoff)
	s.resubmitOrders(ctx)
}

func (s *Scheduler) scanOrders(ctx context.Context, cutoff time.Time) {
	orders, err := s.store.StaleOrders(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		log.Printf("[poll] stale orders query: %v", err)
		return
	}
	for _, o := range orders {
		if s.pastHorizon(ctx, model.EntityOrder, o.ID, o.PollAttempts) {
			continue
		}
		s.fetch(ctx, model.EntityOrder, o.ID, o.ExternalRef, o.PollAttempts, func(ctx context.Context) (string, error) {
			return s.prov.Orders.FetchOrderStatus(ctx, o.ExternalRef)
		}, s.guards.Orders)
	}
}

func (s *Scheduler) scanPayments(ctx context.Context, cutoff time.Time) {
	payments, err := s.store.StalePayments(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		log.Printf("[poll] stale payments query: %v", err)
		return
	}
	for _, p := range payments {
		if s.pastHorizon(ctx, model.EntityPayment, p.ID, p.PollAttempts) {
			continue
		}
		s.fetch(ctx, model.EntityPayment, p.ID, p.ExternalRef, p.PollAttempts, func(ctx context.Context) (string, error) {
			return s.prov.Payments.FetchPaymentStatus(ctx, p.ExternalRef)
		}, s.guards.Payments)
	}
}

func (s *Scheduler) scanMandates(ctx context.Context, cutoff time.Time) {
	mandates, err := s.store.StaleMandates(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		log.Printf("[poll] stale mandates query: %v", err)
		return
	}
	for _, m := range mandates {
		if s.pastHorizon(ctx, model.EntityMandate, m.ID, m.PollAttempts) {
			continue
		}
		s.fetch(ctx, model.EntityMandate, m.ID, m.ExternalRef, m.PollAttempts, func(ctx context.Context) (string, error) {
			return s.prov.Mandates.FetchMandateStatus(ctx, m.ExternalRef)
		}, s.guards.Mandates)
	}
}

// fetch pulls the provider status for one entity through its guard, feeds
// the observation into ingestion, and records the next backoff slot.
func (s *Scheduler) fetch(ctx context.Context, entity model.EntityType, id, ref string, attempts int, get func(context.Context) (string, error), guard *resilience.Guard) {
	var raw string
	err := guard.Do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = get(ctx)
		return err
	})

	class := resilience.Classify(err)
	s.prom.PollFetches.WithLabelValues(string(entity), string(class)).Inc()
	s.prom.ProviderCalls.WithLabelValues(guard.Name(), string(class)).Inc()

	if err != nil {
		log.Printf("[poll] fetch %s %s: %v (%s)", entity, ref, err, class)
	} else if _, ierr := s.ing.IngestPoll(ctx, entity, ref, raw, time.Now()); ierr != nil {
		log.Printf("[poll] ingest %s %s: %v", entity, ref, ierr)
	}

	if id == "" {
		// out-of-cycle verification, no backoff bookkeeping to advance
		return
	}

	// Backoff advances on every attempt, observed-but-unchanged included;
	// any committed transition resets staleness via last_transition_at.
	next := time.Now().Add(s.backoff(attempts))
	if berr := s.store.SetPollBackoff(ctx, entity, id, attempts+1, next); berr != nil {
		log.Printf("[poll] backoff %s %s: %v", entity, id, berr)
	}
}

func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 0; i < attempts && d < s.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	return d
}

// pastHorizon flags an entity for manual review once its poll budget is
// spent. Flagged entities leave the scan set until an operator intervenes.
func (s *Scheduler) pastHorizon(ctx context.Context, entity model.EntityType, id string, attempts int) bool {
	if attempts < s.cfg.MaxAttempts {
		return false
	}
	if err := s.store.FlagManualReview(ctx, entity, id); err != nil {
		log.Printf("[poll] flag manual review %s %s: %v", entity, id, err)
		return true
	}
	s.prom.ManualReviews.Inc()
	if s.notifier != nil {
		n := notify.Notification{
			Severity: notify.SeverityWarning,
			Title:    fmt.Sprintf("%s stuck, manual review", entity),
			Body:     fmt.Sprintf("%s %s made no progress after %d polls", entity, id, attempts),
			Entity:   string(entity),
			EntityID: id,
			At:       time.Now(),
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.prom.NotifyFailures.Inc()
		}
	}
	return true
}

// resubmitOrders retries orders whose submission never yielded a provider
// reference (transient failure after the local row was committed).
func (s *Scheduler) resubmitOrders(ctx context.Context) {
	orders, err := s.store.UnsubmittedOrders(ctx, s.cfg.BatchLimit)
	if err != nil {
		log.Printf("[poll] unsubmitted orders query: %v", err)
		return
	}
	for _, o := range orders {
		if s.pastHorizon(ctx, model.EntityOrder, o.ID, o.PollAttempts) {
			continue
		}

		var ref string
		err := s.guards.Orders.Do(ctx, func(ctx context.Context) error {
			var err error
			ref, err = s.prov.Orders.SubmitOrder(ctx, provider.OrderDetails{
				InvestorID: o.InvestorID,
				FundID:     o.FundID,
				Type:       string(o.Type),
				Amount:     o.Amount,
			})
			return err
		})

		class := resilience.Classify(err)
		s.prom.ProviderCalls.WithLabelValues(s.guards.Orders.Name(), string(class)).Inc()

		switch {
		case err == nil:
			if err := s.store.SetExternalRef(ctx, model.EntityOrder, o.ID, ref); err != nil {
				log.Printf("[poll] set external ref %s: %v", o.ID, err)
				continue
			}
			s.prom.Resubmissions.Inc()
			log.Printf("[poll] resubmitted order %s, ref=%s", o.ID, ref)
		case resilience.Retryable(err):
			next := time.Now().Add(s.backoff(o.PollAttempts))
			if berr := s.store.SetPollBackoff(ctx, model.EntityOrder, o.ID, o.PollAttempts+1, next); berr != nil {
				log.Printf("[poll] backoff order %s: %v", o.ID, berr)
			}
		default:
			// permanent rejection: the order can never be placed as-is
			if ferr := s.failer.FailOrder(ctx, o.ID, err.Error()); ferr != nil {
				log.Printf("[poll] fail order %s: %v", o.ID, ferr)
			}
		}
	}
}

// verify serves an out-of-cycle verification request (redirect return).
func (s *Scheduler) verify(ctx context.Context, req ingest.VerifyRequest) {
	switch req.Entity {
	case model.EntityPayment:
		s.fetch(ctx, model.EntityPayment, "", req.ExternalRef, 0, func(ctx context.Context) (string, error) {
			return s.prov.Payments.FetchPaymentStatus(ctx, req.ExternalRef)
		}, s.guards.Payments)
	default:
		log.Printf("[poll] unsupported verify request for %s", req.Entity)
	}
}
