package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundflow/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(investor, fund, batch string) *model.Order {
	now := time.Now()
	return &model.Order{
		ID:               uuid.NewString(),
		InvestorID:       investor,
		FundID:           fund,
		BatchID:          batch,
		Type:             model.OrderBuy,
		Status:           model.StatusVerificationPending,
		Amount:           decimal.NewFromInt(5000),
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

func testPayment(orderIDs ...string) *model.Payment {
	now := time.Now()
	return &model.Payment{
		ID:               uuid.NewString(),
		Status:           model.StatusVerificationPending,
		OrderIDs:         orderIDs,
		Amount:           decimal.NewFromInt(5000),
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

func testMandate(investor, bank string) *model.Mandate {
	now := time.Now()
	return &model.Mandate{
		ID:               uuid.NewString(),
		InvestorID:       investor,
		BankAccount:      bank,
		Status:           model.MandatePending,
		DebitLimit:       decimal.NewFromInt(10000),
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

func TestOrderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("inv-1", "fund-1", "batch-1")
	if err := s.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.OrderByID(ctx, o.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.Status != model.StatusVerificationPending || got.InvestorID != "inv-1" {
		t.Errorf("unexpected order: %+v", got)
	}
	if !got.Amount.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("amount mismatch: %s", got.Amount)
	}

	if _, err := s.OrderByID(ctx, "nope"); err != model.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateOrder_RejectsSecondOpenOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateOrder(ctx, testOrder("inv-1", "fund-1", "b-1")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateOrder(ctx, testOrder("inv-1", "fund-1", "b-1")); err == nil {
		t.Fatal("expected rejection of second open order for the same triple")
	}
	// different batch is fine
	if err := s.CreateOrder(ctx, testOrder("inv-1", "fund-1", "b-2")); err != nil {
		t.Fatalf("different batch: %v", err)
	}
}

func TestSetExternalRef_Immutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("inv-1", "fund-1", "b-1")
	if err := s.CreateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	if err := s.SetExternalRef(ctx, model.EntityOrder, o.ID, "ORD-100"); err != nil {
		t.Fatalf("set ref: %v", err)
	}
	// same ref again is an idempotent no-op
	if err := s.SetExternalRef(ctx, model.EntityOrder, o.ID, "ORD-100"); err != nil {
		t.Fatalf("re-set same ref: %v", err)
	}
	// a different ref is refused
	if err := s.SetExternalRef(ctx, model.EntityOrder, o.ID, "ORD-999"); err == nil {
		t.Fatal("expected immutability violation")
	}

	got, err := s.OrderByExternalRef(ctx, "ORD-100")
	if err != nil {
		t.Fatalf("by ref: %v", err)
	}
	if got.ID != o.ID {
		t.Errorf("ref lookup returned wrong order")
	}
}

func TestApplyOrderTransition_AdvancesLinkedPayment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("inv-1", "fund-1", "b-1")
	if err := s.CreateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	p := testPayment(o.ID)
	if err := s.CreatePayment(ctx, p); err != nil {
		t.Fatal(err)
	}

	err := s.ApplyOrderTransition(ctx, model.Transition{
		EntityID: o.ID,
		From:     string(model.StatusVerificationPending),
		To:       string(model.StatusSubmitted),
		At:       time.Now(),
		DedupKey: "k1",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	gotP, err := s.PaymentByID(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotP.Status != model.StatusSubmitted {
		t.Errorf("linked payment should follow order to SUBMITTED, got %s", gotP.Status)
	}
	if len(gotP.OrderIDs) != 1 || gotP.OrderIDs[0] != o.ID {
		t.Errorf("order links lost: %v", gotP.OrderIDs)
	}

	applied, err := s.WasApplied(ctx, "k1")
	if err != nil || !applied {
		t.Errorf("dedup key should be journaled with the transition: %v %v", applied, err)
	}
}

func TestApplyOrderTransition_StaleFromFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("inv-1", "fund-1", "b-1")
	if err := s.CreateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	err := s.ApplyOrderTransition(ctx, model.Transition{
		EntityID: o.ID,
		From:     string(model.StatusSubmitted), // actual status is VERIFICATION_PENDING
		To:       string(model.StatusCompleted),
		At:       time.Now(),
	})
	if err == nil {
		t.Fatal("expected failure when from-status does not match")
	}
}

func TestApplyPaymentTransition_CompletedStampsVerifiedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testPayment()
	if err := s.CreatePayment(ctx, p); err != nil {
		t.Fatal(err)
	}

	steps := []struct{ from, to model.TxnStatus }{
		{model.StatusVerificationPending, model.StatusSubmitted},
		{model.StatusSubmitted, model.StatusCompleted},
	}
	for _, st := range steps {
		if err := s.ApplyPaymentTransition(ctx, model.Transition{
			EntityID: p.ID, From: string(st.from), To: string(st.to), At: time.Now(),
		}); err != nil {
			t.Fatalf("%s -> %s: %v", st.from, st.to, err)
		}
	}

	got, err := s.PaymentByID(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if got.VerifiedAt == nil {
		t.Error("verified_at should be stamped on COMPLETED")
	}
}

func TestApplyMandateTransition_SupersedesOldAuthorized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := testMandate("inv-1", "acc-1")
	if err := s.CreateMandate(ctx, old); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyMandateTransition(ctx, model.Transition{
		EntityID: old.ID, From: string(model.MandatePending), To: string(model.MandateAuthorized),
		At: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	next := testMandate("inv-1", "acc-1")
	if err := s.CreateMandate(ctx, next); err != nil {
		t.Fatal(err)
	}
	superseded, err := s.ApplyMandateTransition(ctx, model.Transition{
		EntityID: next.ID, From: string(model.MandatePending), To: string(model.MandateAuthorized),
		At: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(superseded) != 1 || superseded[0] != old.ID {
		t.Fatalf("expected old mandate superseded, got %v", superseded)
	}

	gotOld, _ := s.MandateByID(ctx, old.ID)
	gotNext, _ := s.MandateByID(ctx, next.ID)
	if gotOld.Status != model.MandateExpired {
		t.Errorf("old mandate = %s, want EXPIRED", gotOld.Status)
	}
	if gotNext.Status != model.MandateAuthorized {
		t.Errorf("new mandate = %s, want AUTHORIZED", gotNext.Status)
	}
}

func TestApplyMandateTransition_DifferentBankUnaffected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	other := testMandate("inv-1", "acc-OTHER")
	if err := s.CreateMandate(ctx, other); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyMandateTransition(ctx, model.Transition{
		EntityID: other.ID, From: string(model.MandatePending), To: string(model.MandateAuthorized),
		At: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	m := testMandate("inv-1", "acc-1")
	if err := s.CreateMandate(ctx, m); err != nil {
		t.Fatal(err)
	}
	superseded, err := s.ApplyMandateTransition(ctx, model.Transition{
		EntityID: m.ID, From: string(model.MandatePending), To: string(model.MandateAuthorized),
		At: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(superseded) != 0 {
		t.Errorf("mandate on a different account must not be superseded: %v", superseded)
	}
}

func TestDeadLetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := model.NewReconciliationEvent(model.EntityOrder, "ORD-X", "SUBMITTED",
		time.Now(), model.SourceWebhook, time.Minute)
	if err := s.DeadLetter(ctx, ev, "unknown reference"); err != nil {
		t.Fatal(err)
	}

	recs, err := s.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(recs))
	}
	if recs[0].Reason != "unknown reference" || recs[0].Event.ExternalRef != "ORD-X" {
		t.Errorf("unexpected record: %+v", recs[0])
	}
}

func TestStaleOrders_RespectsBackoffAndReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("inv-1", "fund-1", "b-1")
	o.LastTransitionAt = time.Now().Add(-time.Hour)
	if err := s.CreateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := s.SetExternalRef(ctx, model.EntityOrder, o.ID, "ORD-1"); err != nil {
		t.Fatal(err)
	}

	stale, err := s.StaleOrders(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale order, got %d", len(stale))
	}

	// backoff in the future hides it
	if err := s.SetPollBackoff(ctx, model.EntityOrder, o.ID, 3, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	stale, _ = s.StaleOrders(ctx, time.Now().Add(-time.Minute), 10)
	if len(stale) != 0 {
		t.Error("order under backoff should not be returned")
	}

	// manual review takes it out of rotation permanently
	if err := s.SetPollBackoff(ctx, model.EntityOrder, o.ID, 3, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := s.FlagManualReview(ctx, model.EntityOrder, o.ID); err != nil {
		t.Fatal(err)
	}
	stale, _ = s.StaleOrders(ctx, time.Now().Add(-time.Minute), 10)
	if len(stale) != 0 {
		t.Error("flagged order should not be returned")
	}
}

func TestUnsubmittedOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("inv-1", "fund-1", "b-1")
	if err := s.CreateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	withRef := testOrder("inv-2", "fund-1", "b-1")
	if err := s.CreateOrder(ctx, withRef); err != nil {
		t.Fatal(err)
	}
	if err := s.SetExternalRef(ctx, model.EntityOrder, withRef.ID, "ORD-2"); err != nil {
		t.Fatal(err)
	}

	got, err := s.UnsubmittedOrders(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != o.ID {
		t.Fatalf("expected only the ref-less order, got %v", got)
	}
}

func TestMarkProcessed_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.MarkProcessed(ctx, "key-1", "dropped: unreachable"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessed(ctx, "key-1", "dropped: unreachable"); err != nil {
		t.Fatal(err)
	}
	ok, err := s.WasApplied(ctx, "key-1")
	if err != nil || !ok {
		t.Errorf("expected key journaled: %v %v", ok, err)
	}
}
