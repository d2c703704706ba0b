package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fundflow/internal/metrics"
	"fundflow/internal/model"
)

// fakeStore is an in-memory model.StateStore with the same transition
// semantics as the sqlite implementation: from-status checked, dedup key
// journaled with the change, mandate supersession applied atomically.
type fakeStore struct {
	mu       sync.Mutex
	orders   map[string]*model.Order
	payments map[string]*model.Payment
	mandates map[string]*model.Mandate
	applied  map[string]string
	dead     []model.DeadLetterRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   make(map[string]*model.Order),
		payments: make(map[string]*model.Payment),
		mandates: make(map[string]*model.Mandate),
		applied:  make(map[string]string),
	}
}

func (s *fakeStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func (s *fakeStore) CreatePayment(_ context.Context, p *model.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
	return nil
}

func (s *fakeStore) CreateMandate(_ context.Context, m *model.Mandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mandates[m.ID] = m
	return nil
}

func (s *fakeStore) SetExternalRef(_ context.Context, entity model.EntityType, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch entity {
	case model.EntityOrder:
		s.orders[id].ExternalRef = ref
	case model.EntityPayment:
		s.payments[id].ExternalRef = ref
	case model.EntityMandate:
		s.mandates[id].ExternalRef = ref
	}
	return nil
}

func (s *fakeStore) OrderByID(_ context.Context, id string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) PaymentByID(_ context.Context, id string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) MandateByID(_ context.Context, id string) (*model.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) OrderByExternalRef(_ context.Context, ref string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.ExternalRef == ref && ref != "" {
			cp := *o
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *fakeStore) PaymentByExternalRef(_ context.Context, ref string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ExternalRef == ref && ref != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *fakeStore) MandateByExternalRef(_ context.Context, ref string) (*model.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mandates {
		if m.ExternalRef == ref && ref != "" {
			cp := *m
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *fakeStore) HasOpenOrder(_ context.Context, investorID, fundID, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.InvestorID == investorID && o.FundID == fundID && o.BatchID == batchID && !o.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) WasApplied(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[key]
	return ok, nil
}

func (s *fakeStore) MarkProcessed(_ context.Context, key, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[key] = note
	return nil
}

func (s *fakeStore) ApplyOrderTransition(_ context.Context, t model.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[t.EntityID]
	if !ok {
		return model.ErrNotFound
	}
	if string(o.Status) != t.From {
		return fmt.Errorf("order %s is %s, not %s", t.EntityID, o.Status, t.From)
	}
	o.Status = model.TxnStatus(t.To)
	o.LastTransitionAt = t.At
	if t.DedupKey != "" {
		s.applied[t.DedupKey] = "applied"
	}
	return nil
}

func (s *fakeStore) ApplyPaymentTransition(_ context.Context, t model.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[t.EntityID]
	if !ok {
		return model.ErrNotFound
	}
	if string(p.Status) != t.From {
		return fmt.Errorf("payment %s is %s, not %s", t.EntityID, p.Status, t.From)
	}
	p.Status = model.TxnStatus(t.To)
	p.LastTransitionAt = t.At
	if t.DedupKey != "" {
		s.applied[t.DedupKey] = "applied"
	}
	return nil
}

func (s *fakeStore) ApplyMandateTransition(_ context.Context, t model.Transition) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[t.EntityID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if string(m.Status) != t.From {
		return nil, fmt.Errorf("mandate %s is %s, not %s", t.EntityID, m.Status, t.From)
	}
	m.Status = model.MandateStatus(t.To)
	m.LastTransitionAt = t.At
	if t.DedupKey != "" {
		s.applied[t.DedupKey] = "applied"
	}
	var superseded []string
	if m.Status == model.MandateAuthorized {
		for id, other := range s.mandates {
			if id == m.ID {
				continue
			}
			if other.InvestorID == m.InvestorID && other.BankAccount == m.BankAccount &&
				other.Status == model.MandateAuthorized {
				other.Status = model.MandateExpired
				other.LastTransitionAt = t.At
				superseded = append(superseded, id)
			}
		}
	}
	return superseded, nil
}

func (s *fakeStore) MarkRedirectReceived(_ context.Context, ref string, at time.Time) error {
	return nil
}

func (s *fakeStore) StaleOrders(_ context.Context, _ time.Time, _ int) ([]model.Order, error) {
	return nil, nil
}

func (s *fakeStore) StalePayments(_ context.Context, _ time.Time, _ int) ([]model.Payment, error) {
	return nil, nil
}

func (s *fakeStore) StaleMandates(_ context.Context, _ time.Time, _ int) ([]model.Mandate, error) {
	return nil, nil
}

func (s *fakeStore) UnsubmittedOrders(_ context.Context, _ int) ([]model.Order, error) {
	return nil, nil
}

func (s *fakeStore) SetPollBackoff(_ context.Context, _ model.EntityType, _ string, _ int, _ time.Time) error {
	return nil
}

func (s *fakeStore) FlagManualReview(_ context.Context, _ model.EntityType, _ string) error {
	return nil
}

func (s *fakeStore) DeadLetter(_ context.Context, ev model.ReconciliationEvent, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = append(s.dead, model.DeadLetterRecord{Event: ev, Reason: reason, CreatedAt: time.Now()})
	return nil
}

func (s *fakeStore) DeadLetters(_ context.Context, _ int) ([]model.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DeadLetterRecord(nil), s.dead...), nil
}

func (s *fakeStore) Close() error { return nil }

var _ model.StateStore = (*fakeStore)(nil)

func newTestEngine(t *testing.T, store model.StateStore, terminal chan model.TerminalTransition) *Engine {
	t.Helper()
	prom := metrics.New(prometheus.NewRegistry())
	cfg := Config{
		ResolveRetries: 2,
		ResolveBackoff: 5 * time.Millisecond,
		LockTimeout:    time.Second,
		MaxAttempts:    3,
		RetryDelay:     10 * time.Millisecond,
	}
	return New(cfg, store, prom, terminal)
}

func orderEvent(ref, raw string) model.ReconciliationEvent {
	return model.NewReconciliationEvent(model.EntityOrder, ref, raw, time.Now(), model.SourceWebhook, time.Minute)
}

func TestProcessAppliesOrderTransition(t *testing.T) {
	store := newFakeStore()
	store.orders["o1"] = &model.Order{ID: "o1", ExternalRef: "EXT-1", Status: model.StatusVerificationPending}
	e := newTestEngine(t, store, nil)

	if err := e.Process(context.Background(), orderEvent("EXT-1", "CONFIRMED")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := store.orders["o1"].Status; got != model.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got)
	}
}

func TestProcessIdempotentReplay(t *testing.T) {
	store := newFakeStore()
	store.orders["o1"] = &model.Order{ID: "o1", ExternalRef: "EXT-1", Status: model.StatusVerificationPending}
	e := newTestEngine(t, store, nil)

	ev := orderEvent("EXT-1", "CONFIRMED")
	for i := 0; i < 3; i++ {
		if err := e.Process(context.Background(), ev); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	if got := store.orders["o1"].Status; got != model.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got)
	}
	if len(store.applied) != 1 {
		t.Fatalf("journal has %d entries, want 1", len(store.applied))
	}
}

func TestProcessOutOfOrderConvergesForward(t *testing.T) {
	store := newFakeStore()
	store.orders["o1"] = &model.Order{ID: "o1", ExternalRef: "EXT-1", Status: model.StatusVerificationPending}
	e := newTestEngine(t, store, nil)
	ctx := context.Background()

	// SUCCESSFUL overtakes CONFIRMED on the wire.
	if err := e.Process(ctx, orderEvent("EXT-1", "SUCCESSFUL")); err != nil {
		t.Fatalf("successful: %v", err)
	}
	if err := e.Process(ctx, orderEvent("EXT-1", "CONFIRMED")); err != nil {
		t.Fatalf("late confirmed: %v", err)
	}
	if got := store.orders["o1"].Status; got != model.StatusCompleted {
		t.Fatalf("status regressed to %s, want COMPLETED", got)
	}
	if len(store.dead) != 0 {
		t.Fatalf("late event dead-lettered: %+v", store.dead)
	}
}

func TestProcessSameStatusIsNoop(t *testing.T) {
	store := newFakeStore()
	store.orders["o1"] = &model.Order{ID: "o1", ExternalRef: "EXT-1", Status: model.StatusSubmitted}
	e := newTestEngine(t, store, nil)

	// CONFIRMED and SUBMITTED map to the same internal status.
	if err := e.Process(context.Background(), orderEvent("EXT-1", "SUBMITTED")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := store.orders["o1"].Status; got != model.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got)
	}
}

func TestProcessUnknownReferenceDeadLetters(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, nil)

	if err := e.Process(context.Background(), orderEvent("NO-SUCH-REF", "CONFIRMED")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(store.dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(store.dead))
	}
	if store.dead[0].Reason != "unknown external reference" {
		t.Fatalf("reason = %q", store.dead[0].Reason)
	}
}

func TestProcessResolveRetryCoversLateCommit(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, nil)

	// The local record lands after the webhook: the bounded lookup retry
	// must pick it up instead of dead-lettering.
	go func() {
		time.Sleep(3 * time.Millisecond)
		store.mu.Lock()
		store.orders["o1"] = &model.Order{ID: "o1", ExternalRef: "EXT-1", Status: model.StatusVerificationPending}
		store.mu.Unlock()
	}()

	if err := e.Process(context.Background(), orderEvent("EXT-1", "CONFIRMED")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := store.orders["o1"].Status; got != model.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got)
	}
	if len(store.dead) != 0 {
		t.Fatalf("event dead-lettered despite late commit")
	}
}

func TestProcessUnmappedStateDeadLetters(t *testing.T) {
	store := newFakeStore()
	store.orders["o1"] = &model.Order{ID: "o1", ExternalRef: "EXT-1", Status: model.StatusVerificationPending}
	e := newTestEngine(t, store, nil)

	if err := e.Process(context.Background(), orderEvent("EXT-1", "EXPLODED")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(store.dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(store.dead))
	}
	if got := store.orders["o1"].Status; got != model.StatusVerificationPending {
		t.Fatalf("status changed to %s on unmapped state", got)
	}
}

func TestTerminalPublishedExactlyOnce(t *testing.T) {
	store := newFakeStore()
	store.payments["p1"] = &model.Payment{ID: "p1", ExternalRef: "PAY-1", Status: model.StatusSubmitted}
	terminal := make(chan model.TerminalTransition, 4)
	e := newTestEngine(t, store, terminal)
	ctx := context.Background()

	ev := model.NewReconciliationEvent(model.EntityPayment, "PAY-1", "SUCCESS", time.Now(), model.SourceWebhook, time.Minute)
	if err := e.Process(ctx, ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Same signal again, and the same fact observed later by a poll.
	if err := e.Process(ctx, ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	poll := ev
	poll.Source = model.SourcePoll
	if err := e.Process(ctx, poll); err != nil {
		t.Fatalf("poll replay: %v", err)
	}

	if got := len(terminal); got != 1 {
		t.Fatalf("terminal publishes = %d, want exactly 1", got)
	}
	tt := <-terminal
	if tt.Entity != model.EntityPayment || tt.To != string(model.StatusCompleted) {
		t.Fatalf("unexpected terminal transition %+v", tt)
	}
}

func TestMandateAuthorizationSupersedesOld(t *testing.T) {
	store := newFakeStore()
	store.mandates["m-old"] = &model.Mandate{
		ID: "m-old", InvestorID: "inv1", BankAccount: "acct1",
		ExternalRef: "MND-OLD", Status: model.MandateAuthorized,
	}
	store.mandates["m-new"] = &model.Mandate{
		ID: "m-new", InvestorID: "inv1", BankAccount: "acct1",
		ExternalRef: "MND-NEW", Status: model.MandatePending,
	}
	terminal := make(chan model.TerminalTransition, 4)
	e := newTestEngine(t, store, terminal)

	ev := model.NewReconciliationEvent(model.EntityMandate, "MND-NEW", "AUTHORIZED", time.Now(), model.SourceWebhook, time.Minute)
	if err := e.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got := store.mandates["m-new"].Status; got != model.MandateAuthorized {
		t.Fatalf("new mandate = %s, want AUTHORIZED", got)
	}
	if got := store.mandates["m-old"].Status; got != model.MandateExpired {
		t.Fatalf("old mandate = %s, want EXPIRED", got)
	}
	// One notification for the authorization, one for the expiry.
	if got := len(terminal); got != 2 {
		t.Fatalf("terminal publishes = %d, want 2", got)
	}
}

func TestFailOrder(t *testing.T) {
	store := newFakeStore()
	store.orders["o1"] = &model.Order{ID: "o1", Status: model.StatusVerificationPending}
	terminal := make(chan model.TerminalTransition, 1)
	e := newTestEngine(t, store, terminal)
	ctx := context.Background()

	if err := e.FailOrder(ctx, "o1", "provider rejected payload"); err != nil {
		t.Fatalf("FailOrder: %v", err)
	}
	if got := store.orders["o1"].Status; got != model.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
	// Idempotent on repeat.
	if err := e.FailOrder(ctx, "o1", "again"); err != nil {
		t.Fatalf("repeat FailOrder: %v", err)
	}
	if got := len(terminal); got != 1 {
		t.Fatalf("terminal publishes = %d, want 1", got)
	}
}

func TestFailOrderRejectsTerminal(t *testing.T) {
	store := newFakeStore()
	store.orders["o1"] = &model.Order{ID: "o1", Status: model.StatusCompleted}
	e := newTestEngine(t, store, nil)

	if err := e.FailOrder(context.Background(), "o1", "late rejection"); err == nil {
		t.Fatal("expected error failing a COMPLETED order")
	}
	if got := store.orders["o1"].Status; got != model.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED untouched", got)
	}
}

func TestRunRedeliversAfterLockTimeout(t *testing.T) {
	store := newFakeStore()
	store.orders["o1"] = &model.Order{ID: "o1", ExternalRef: "EXT-1", Status: model.StatusVerificationPending}
	e := newTestEngine(t, store, nil)
	e.cfg.LockTimeout = 20 * time.Millisecond
	e.cfg.MaxAttempts = 50

	// Hold the entity lock so the first delivery times out.
	release, err := e.locks.acquire("order:o1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan model.ReconciliationEvent, 1)
	ch <- orderEvent("EXT-1", "CONFIRMED")

	go e.Run(ctx, ch)
	go e.Run(ctx, e.Retries())

	time.Sleep(50 * time.Millisecond)
	release()

	deadline := time.After(2 * time.Second)
	for {
		o, _ := store.OrderByID(ctx, "o1")
		if o.Status == model.StatusSubmitted {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("order never transitioned after redelivery, status=%s", o.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
