package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock providers simulate upstream behavior without network calls. An entity
// advances through its provider-side states on a fixed timetable measured
// from submission, so the poll scheduler observes the same eventual
// convergence it would against a real provider. Selected at the composition
// root with PROVIDER_MODE=mock.

type mockEntry struct {
	createdAt time.Time
	states    []string      // progression, last entry is final
	step      time.Duration // dwell time per state
	forced    string        // non-empty overrides the timetable
}

func (e *mockEntry) stateAt(now time.Time) string {
	if e.forced != "" {
		return e.forced
	}
	idx := int(now.Sub(e.createdAt) / e.step)
	if idx >= len(e.states) {
		idx = len(e.states) - 1
	}
	return e.states[idx]
}

type mockBase struct {
	mu      sync.Mutex
	name    string
	seq     int
	entries map[string]*mockEntry
	step    time.Duration
}

func (m *mockBase) add(prefix string, states []string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ref := fmt.Sprintf("%s-%06d", prefix, m.seq)
	m.entries[ref] = &mockEntry{createdAt: time.Now(), states: states, step: m.step}
	return ref
}

func (m *mockBase) fetch(op, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ref]
	if !ok {
		return "", Permanent(m.name, op, 404, fmt.Errorf("unknown reference %s", ref))
	}
	return e.stateAt(time.Now()), nil
}

// Force pins a reference to a state, overriding the timetable. Used by the
// providersim binary and by tests to script failure paths.
func (m *mockBase) Force(ref, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[ref]; ok {
		e.forced = state
	}
}

// ── Order ──

type MockOrderProvider struct{ mockBase }

// NewMockOrderProvider creates a mock whose orders march
// CREATED → UNDER_REVIEW → CONFIRMED → SUCCESSFUL, one step per `step`.
func NewMockOrderProvider(step time.Duration) *MockOrderProvider {
	return &MockOrderProvider{mockBase{
		name:    NameOrder,
		entries: make(map[string]*mockEntry),
		step:    step,
	}}
}

func (m *MockOrderProvider) SubmitOrder(ctx context.Context, d OrderDetails) (string, error) {
	if d.InvestorID == "" || d.FundID == "" {
		return "", Permanent(m.name, "submit_order", 400, fmt.Errorf("missing investor or fund"))
	}
	if d.Amount.IsNegative() || d.Amount.IsZero() {
		return "", Permanent(m.name, "submit_order", 400, fmt.Errorf("non-positive amount"))
	}
	return m.add("MOCK-ORD", []string{"CREATED", "UNDER_REVIEW", "CONFIRMED", "SUCCESSFUL"}), nil
}

func (m *MockOrderProvider) FetchOrderStatus(ctx context.Context, ref string) (string, error) {
	return m.fetch("fetch_order", ref)
}

// ── Payment ──

type MockPaymentProvider struct{ mockBase }

func NewMockPaymentProvider(step time.Duration) *MockPaymentProvider {
	return &MockPaymentProvider{mockBase{
		name:    NamePayment,
		entries: make(map[string]*mockEntry),
		step:    step,
	}}
}

func (m *MockPaymentProvider) CreatePayment(ctx context.Context, d PaymentDetails) (string, string, error) {
	if d.Amount.IsNegative() || d.Amount.IsZero() {
		return "", "", Permanent(m.name, "create_payment", 400, fmt.Errorf("non-positive amount"))
	}
	ref := m.add("MOCK-PAY", []string{"PENDING", "PROCESSING", "SUCCESS"})
	return ref, "https://pay.example/redirect/" + ref, nil
}

func (m *MockPaymentProvider) FetchPaymentStatus(ctx context.Context, ref string) (string, error) {
	return m.fetch("fetch_payment", ref)
}

// ── Mandate ──

type MockMandateProvider struct{ mockBase }

func NewMockMandateProvider(step time.Duration) *MockMandateProvider {
	return &MockMandateProvider{mockBase{
		name:    NameMandate,
		entries: make(map[string]*mockEntry),
		step:    step,
	}}
}

func (m *MockMandateProvider) CreateMandate(ctx context.Context, d MandateDetails) (string, error) {
	if d.BankAccount == "" {
		return "", Permanent(m.name, "create_mandate", 400, fmt.Errorf("missing bank account"))
	}
	return m.add("MOCK-MND", []string{"PENDING", "AUTHORIZED"}), nil
}

func (m *MockMandateProvider) FetchMandateStatus(ctx context.Context, ref string) (string, error) {
	return m.fetch("fetch_mandate", ref)
}

func (m *MockMandateProvider) AuthorizeMandate(ctx context.Context, ref, otp string) (AuthorizeResult, error) {
	m.mu.Lock()
	_, ok := m.entries[ref]
	m.mu.Unlock()
	if !ok {
		return AuthorizeResult{}, Permanent(m.name, "authorize_mandate", 404, fmt.Errorf("unknown reference %s", ref))
	}
	if otp == "" {
		return AuthorizeResult{ActionRequired: true}, nil
	}
	return AuthorizeResult{Ok: true}, nil
}

// ── KYC ──

type MockKYCProvider struct{ mockBase }

func NewMockKYCProvider(step time.Duration) *MockKYCProvider {
	return &MockKYCProvider{mockBase{
		name:    NameKYC,
		entries: make(map[string]*mockEntry),
		step:    step,
	}}
}

func (m *MockKYCProvider) CreateKYC(ctx context.Context, d KYCDetails) (string, error) {
	if d.PAN == "" {
		return "", Permanent(m.name, "create_kyc", 400, fmt.Errorf("missing PAN"))
	}
	return m.add("MOCK-KYC", []string{"PENDING", "VERIFIED"}), nil
}

func (m *MockKYCProvider) FetchKYCStatus(ctx context.Context, ref string) (string, error) {
	return m.fetch("fetch_kyc", ref)
}

func (m *MockKYCProvider) VerifyBankAccount(ctx context.Context, account, ifsc string) (BankVerification, error) {
	if account == "" || ifsc == "" {
		return BankVerification{}, Permanent(m.name, "verify_bank", 400, fmt.Errorf("missing account or ifsc"))
	}
	return BankVerification{Verified: true, NameOnFile: "VERIFIED HOLDER"}, nil
}

var _ OrderProvider = (*MockOrderProvider)(nil)
var _ PaymentProvider = (*MockPaymentProvider)(nil)
var _ MandateProvider = (*MockMandateProvider)(nil)
var _ KYCProvider = (*MockKYCProvider)(nil)
