package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"fundflow/internal/ingest"
	"fundflow/internal/metrics"
	"fundflow/internal/model"
	"fundflow/internal/notify"
	"fundflow/internal/provider"
	"fundflow/internal/resilience"
)

type stubStore struct {
	mu          sync.Mutex
	staleOrders []model.Order
	stalePays   []model.Payment
	staleMnds   []model.Mandate
	unsubmitted []model.Order

	backoffs map[string]int       // id -> attempts recorded
	flagged  map[string]bool      // id -> manual review
	refs     map[string]string    // id -> external ref
}

func newStubStore() *stubStore {
	return &stubStore{
		backoffs: make(map[string]int),
		flagged:  make(map[string]bool),
		refs:     make(map[string]string),
	}
}

func (s *stubStore) StaleOrders(_ context.Context, _ time.Time, _ int) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staleOrders, nil
}

func (s *stubStore) StalePayments(_ context.Context, _ time.Time, _ int) ([]model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalePays, nil
}

func (s *stubStore) StaleMandates(_ context.Context, _ time.Time, _ int) ([]model.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staleMnds, nil
}

func (s *stubStore) UnsubmittedOrders(_ context.Context, _ int) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubmitted, nil
}

func (s *stubStore) SetPollBackoff(_ context.Context, _ model.EntityType, id string, attempts int, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoffs[id] = attempts
	return nil
}

func (s *stubStore) FlagManualReview(_ context.Context, _ model.EntityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagged[id] = true
	return nil
}

func (s *stubStore) SetExternalRef(_ context.Context, _ model.EntityType, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[id] = ref
	return nil
}

type stubOrderProvider struct {
	mu        sync.Mutex
	state     string
	submitErr error
	submitRef string
	fetches   []string
	submits   int
}

func (p *stubOrderProvider) SubmitOrder(_ context.Context, _ provider.OrderDetails) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	return p.submitRef, p.submitErr
}

func (p *stubOrderProvider) FetchOrderStatus(_ context.Context, ref string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches = append(p.fetches, ref)
	return p.state, nil
}

type stubPaymentProvider struct {
	mu      sync.Mutex
	state   string
	fetches []string
}

func (p *stubPaymentProvider) CreatePayment(_ context.Context, _ provider.PaymentDetails) (string, string, error) {
	return "", "", nil
}

func (p *stubPaymentProvider) FetchPaymentStatus(_ context.Context, ref string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches = append(p.fetches, ref)
	return p.state, nil
}

type stubMandateProvider struct{ state string }

func (p *stubMandateProvider) CreateMandate(_ context.Context, _ provider.MandateDetails) (string, error) {
	return "", nil
}

func (p *stubMandateProvider) FetchMandateStatus(_ context.Context, _ string) (string, error) {
	return p.state, nil
}

func (p *stubMandateProvider) AuthorizeMandate(_ context.Context, _, _ string) (provider.AuthorizeResult, error) {
	return provider.AuthorizeResult{}, nil
}

type stubFailer struct {
	mu     sync.Mutex
	failed map[string]string
}

func (f *stubFailer) FailOrder(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[id] = reason
	return nil
}

func testGuard(name string) *resilience.Guard {
	return resilience.NewGuard(resilience.GuardConfig{Name: name, MaxFailures: 5, ResetTimeout: time.Second})
}

func newTestScheduler(store *stubStore, op *stubOrderProvider, pp *stubPaymentProvider, mp *stubMandateProvider, failer OrderFailer) (*Scheduler, *ingest.Ingestor) {
	prom := metrics.New(prometheus.NewRegistry())
	ing := ingest.New(alwaysAdmit{}, nil, prom, time.Minute)
	cfg := Config{
		Interval:    time.Hour, // scans driven manually in tests
		StaleAfter:  time.Minute,
		BackoffBase: 10 * time.Second,
		BackoffMax:  time.Minute,
		MaxAttempts: 3,
		BatchLimit:  50,
	}
	s := New(cfg, store, ing, Providers{Orders: op, Payments: pp, Mandates: mp},
		Guards{Orders: testGuard("order"), Payments: testGuard("payment"), Mandates: testGuard("mandate")},
		failer, notify.LogNotifier{}, prom)
	return s, ing
}

type alwaysAdmit struct{}

func (alwaysAdmit) Admit(_ context.Context, _ string) (bool, error) { return true, nil }

func TestScanFetchesStaleOrderAndQueuesEvent(t *testing.T) {
	store := newStubStore()
	store.staleOrders = []model.Order{{ID: "o1", ExternalRef: "EXT-1", Status: model.StatusSubmitted}}
	op := &stubOrderProvider{state: "SUCCESSFUL"}
	s, ing := newTestScheduler(store, op, &stubPaymentProvider{}, &stubMandateProvider{}, &stubFailer{})

	s.Scan(context.Background())

	if len(op.fetches) != 1 || op.fetches[0] != "EXT-1" {
		t.Fatalf("fetches = %v", op.fetches)
	}
	select {
	case ev := <-ing.Polls():
		if ev.Entity != model.EntityOrder || ev.RawStatus != "SUCCESSFUL" || ev.Source != model.SourcePoll {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("no poll event queued")
	}
	if store.backoffs["o1"] != 1 {
		t.Fatalf("backoff attempts = %d, want 1", store.backoffs["o1"])
	}
}

func TestScanFlagsManualReviewPastHorizon(t *testing.T) {
	store := newStubStore()
	store.staleOrders = []model.Order{{ID: "o1", ExternalRef: "EXT-1", PollAttempts: 3}}
	op := &stubOrderProvider{state: "CONFIRMED"}
	s, ing := newTestScheduler(store, op, &stubPaymentProvider{}, &stubMandateProvider{}, &stubFailer{})

	s.Scan(context.Background())

	if !store.flagged["o1"] {
		t.Fatal("order not flagged for manual review")
	}
	if len(op.fetches) != 0 {
		t.Fatal("flagged order still fetched")
	}
	if len(ing.Polls()) != 0 {
		t.Fatal("flagged order produced an event")
	}
}

func TestResubmitAssignsReference(t *testing.T) {
	store := newStubStore()
	store.unsubmitted = []model.Order{{
		ID: "o1", Type: model.OrderBuy, InvestorID: "inv1", FundID: "f1",
		Amount: decimal.NewFromInt(5000),
	}}
	op := &stubOrderProvider{submitRef: "EXT-NEW"}
	s, _ := newTestScheduler(store, op, &stubPaymentProvider{}, &stubMandateProvider{}, &stubFailer{})

	s.Scan(context.Background())

	if op.submits != 1 {
		t.Fatalf("submits = %d, want 1", op.submits)
	}
	if store.refs["o1"] != "EXT-NEW" {
		t.Fatalf("external ref = %q, want EXT-NEW", store.refs["o1"])
	}
}

func TestResubmitTransientFailureBacksOff(t *testing.T) {
	store := newStubStore()
	store.unsubmitted = []model.Order{{ID: "o1", Type: model.OrderBuy}}
	op := &stubOrderProvider{submitErr: provider.Transient("order", "submit", 503, nil)}
	failer := &stubFailer{}
	s, _ := newTestScheduler(store, op, &stubPaymentProvider{}, &stubMandateProvider{}, failer)

	s.Scan(context.Background())

	if store.refs["o1"] != "" {
		t.Fatal("ref assigned despite failure")
	}
	if store.backoffs["o1"] != 1 {
		t.Fatalf("backoff attempts = %d, want 1", store.backoffs["o1"])
	}
	if len(failer.failed) != 0 {
		t.Fatal("transient failure failed the order")
	}
}

func TestResubmitPermanentRejectionFailsOrder(t *testing.T) {
	store := newStubStore()
	store.unsubmitted = []model.Order{{ID: "o1", Type: model.OrderBuy}}
	op := &stubOrderProvider{submitErr: provider.Permanent("order", "submit", 422, nil)}
	failer := &stubFailer{}
	s, _ := newTestScheduler(store, op, &stubPaymentProvider{}, &stubMandateProvider{}, failer)

	s.Scan(context.Background())

	if _, ok := failer.failed["o1"]; !ok {
		t.Fatal("permanent rejection did not fail the order")
	}
	if store.backoffs["o1"] != 0 {
		t.Fatal("permanently rejected order scheduled for retry")
	}
}

func TestVerifyRequestFetchesPayment(t *testing.T) {
	store := newStubStore()
	pp := &stubPaymentProvider{state: "SUCCESS"}
	s, ing := newTestScheduler(store, &stubOrderProvider{}, pp, &stubMandateProvider{}, &stubFailer{})

	s.verify(context.Background(), ingest.VerifyRequest{Entity: model.EntityPayment, ExternalRef: "PAY-1"})

	if len(pp.fetches) != 1 || pp.fetches[0] != "PAY-1" {
		t.Fatalf("fetches = %v", pp.fetches)
	}
	select {
	case ev := <-ing.Polls():
		if ev.RawStatus != "SUCCESS" || ev.Entity != model.EntityPayment {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("verification produced no event")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	s := &Scheduler{cfg: Config{BackoffBase: 10 * time.Second, BackoffMax: time.Minute}}
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, time.Minute},
		{10, time.Minute},
	}
	for _, c := range cases {
		if got := s.backoff(c.attempts); got != c.want {
			t.Errorf("backoff(%d) = %s, want %s", c.attempts, got, c.want)
		}
	}
}
