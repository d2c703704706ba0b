// Package txn is the submission side of the system: it creates local
// entities, places them with the external providers through the resilience
// guards, and records the provider-assigned references. Status is never
// written here; lifecycle progress belongs to the reconcile engine alone.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundflow/internal/metrics"
	"fundflow/internal/model"
	"fundflow/internal/provider"
	"fundflow/internal/resilience"
)

var (
	// ErrDuplicateOrder rejects a second open order for the same
	// (investor, fund, batch) triple.
	ErrDuplicateOrder = errors.New("an open order already exists for this investor, fund and batch")

	// ErrRejected wraps a permanent provider rejection surfaced to the caller.
	ErrRejected = errors.New("provider rejected the submission")

	errInvalidAmount = errors.New("amount must be positive")
)

// Store is the slice of the state store the submission service consumes.
type Store interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	CreatePayment(ctx context.Context, p *model.Payment) error
	CreateMandate(ctx context.Context, m *model.Mandate) error
	SetExternalRef(ctx context.Context, entity model.EntityType, id, ref string) error
	OrderByID(ctx context.Context, id string) (*model.Order, error)
	MandateByID(ctx context.Context, id string) (*model.Mandate, error)
	HasOpenOrder(ctx context.Context, investorID, fundID, batchID string) (bool, error)
}

// OrderFailer moves an order to FAILED through the engine after a permanent
// rejection at submission time.
type OrderFailer interface {
	FailOrder(ctx context.Context, orderID, reason string) error
}

// Providers bundles the submission surfaces.
type Providers struct {
	Orders   provider.OrderProvider
	Payments provider.PaymentProvider
	Mandates provider.MandateProvider
	KYC      provider.KYCProvider
}

// Guards bundles the per-provider resilience guards.
type Guards struct {
	Orders   *resilience.Guard
	Payments *resilience.Guard
	Mandates *resilience.Guard
	KYC      *resilience.Guard
}

// Service submits orders, payments and mandates.
type Service struct {
	store  Store
	prov   Providers
	guards Guards
	failer OrderFailer
	prom   *metrics.Metrics

	// ReturnURL is where the payment provider sends the investor's browser
	// after the payment page.
	ReturnURL string
}

// New creates a submission service.
func New(store Store, prov Providers, guards Guards, failer OrderFailer, prom *metrics.Metrics, returnURL string) *Service {
	return &Service{store: store, prov: prov, guards: guards, failer: failer, prom: prom, ReturnURL: returnURL}
}

// PlaceOrderRequest is the input for PlaceOrder.
type PlaceOrderRequest struct {
	InvestorID string
	FundID     string
	BatchID    string
	Type       model.OrderType
	Amount     decimal.Decimal
}

// PlaceOrder creates an order and submits it to the order provider. The
// local row is committed before the provider call: a transient submission
// failure leaves the order reference-less for the poll scheduler to retry,
// a permanent rejection fails it immediately.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	if !req.Amount.IsPositive() {
		return nil, errInvalidAmount
	}
	switch req.Type {
	case model.OrderBuy, model.OrderSell, model.OrderSIP:
	default:
		return nil, fmt.Errorf("unknown order type %q", req.Type)
	}

	open, err := s.store.HasOpenOrder(ctx, req.InvestorID, req.FundID, req.BatchID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrDuplicateOrder
	}

	now := time.Now()
	o := &model.Order{
		ID:               uuid.NewString(),
		InvestorID:       req.InvestorID,
		FundID:           req.FundID,
		BatchID:          req.BatchID,
		Type:             req.Type,
		Status:           model.StatusVerificationPending,
		Amount:           req.Amount,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	var ref string
	err = s.guards.Orders.Do(ctx, func(ctx context.Context) error {
		var err error
		ref, err = s.prov.Orders.SubmitOrder(ctx, provider.OrderDetails{
			InvestorID: req.InvestorID,
			FundID:     req.FundID,
			Type:       string(req.Type),
			Amount:     req.Amount,
		})
		return err
	})
	s.countCall(s.guards.Orders, err)

	switch {
	case err == nil:
		if err := s.store.SetExternalRef(ctx, model.EntityOrder, o.ID, ref); err != nil {
			return nil, err
		}
		o.ExternalRef = ref
		return o, nil
	case resilience.Retryable(err):
		// row stays reference-less; the poll scheduler resubmits
		log.Printf("[txn] order %s submission deferred: %v", o.ID, err)
		return o, nil
	default:
		if ferr := s.failer.FailOrder(ctx, o.ID, err.Error()); ferr != nil {
			log.Printf("[txn] fail order %s: %v", o.ID, ferr)
		}
		o.Status = model.StatusFailed
		return o, fmt.Errorf("%w: %v", ErrRejected, err)
	}
}

// CreatePaymentRequest is the input for CreatePayment.
type CreatePaymentRequest struct {
	InvestorID string
	OrderIDs   []string
	Amount     decimal.Decimal
}

// CreatePayment creates a payment collection covering one or more orders and
// returns the provider's redirect URL for the investor's browser. The local
// row is committed only after the provider assigns a reference.
func (s *Service) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*model.Payment, error) {
	if !req.Amount.IsPositive() {
		return nil, errInvalidAmount
	}
	if len(req.OrderIDs) == 0 {
		return nil, errors.New("payment must cover at least one order")
	}
	for _, id := range req.OrderIDs {
		if _, err := s.store.OrderByID(ctx, id); err != nil {
			return nil, fmt.Errorf("order %s: %w", id, err)
		}
	}

	var ref, redirectURL string
	err := s.guards.Payments.Do(ctx, func(ctx context.Context) error {
		var err error
		ref, redirectURL, err = s.prov.Payments.CreatePayment(ctx, provider.PaymentDetails{
			InvestorID: req.InvestorID,
			Amount:     req.Amount,
			ReturnURL:  s.ReturnURL,
		})
		return err
	})
	s.countCall(s.guards.Payments, err)
	if err != nil {
		if resilience.Retryable(err) {
			return nil, fmt.Errorf("payment provider unavailable, retry later: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	now := time.Now()
	p := &model.Payment{
		ID:               uuid.NewString(),
		ExternalRef:      ref,
		Status:           model.StatusVerificationPending,
		OrderIDs:         req.OrderIDs,
		Amount:           req.Amount,
		RedirectURL:      redirectURL,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateMandateRequest is the input for CreateMandate.
type CreateMandateRequest struct {
	InvestorID  string
	BankAccount string
	DebitLimit  decimal.Decimal
}

// CreateMandate registers an auto-debit mandate with the mandate provider.
func (s *Service) CreateMandate(ctx context.Context, req CreateMandateRequest) (*model.Mandate, error) {
	if !req.DebitLimit.IsPositive() {
		return nil, errInvalidAmount
	}
	if req.BankAccount == "" {
		return nil, errors.New("bank account required")
	}

	var ref string
	err := s.guards.Mandates.Do(ctx, func(ctx context.Context) error {
		var err error
		ref, err = s.prov.Mandates.CreateMandate(ctx, provider.MandateDetails{
			InvestorID:  req.InvestorID,
			BankAccount: req.BankAccount,
			DebitLimit:  req.DebitLimit,
		})
		return err
	})
	s.countCall(s.guards.Mandates, err)
	if err != nil {
		if resilience.Retryable(err) {
			return nil, fmt.Errorf("mandate provider unavailable, retry later: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	now := time.Now()
	m := &model.Mandate{
		ID:               uuid.NewString(),
		InvestorID:       req.InvestorID,
		BankAccount:      req.BankAccount,
		ExternalRef:      ref,
		Status:           model.MandatePending,
		DebitLimit:       req.DebitLimit,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if err := s.store.CreateMandate(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// AuthorizeMandate forwards an authorization attempt (optionally carrying an
// OTP) to the mandate provider. The AUTHORIZED transition itself arrives
// asynchronously through reconciliation.
func (s *Service) AuthorizeMandate(ctx context.Context, mandateID, otp string) (provider.AuthorizeResult, error) {
	m, err := s.store.MandateByID(ctx, mandateID)
	if err != nil {
		return provider.AuthorizeResult{}, err
	}
	if m.Status != model.MandatePending {
		return provider.AuthorizeResult{}, fmt.Errorf("mandate %s is %s, only PENDING mandates can be authorized", mandateID, m.Status)
	}

	var res provider.AuthorizeResult
	err = s.guards.Mandates.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.prov.Mandates.AuthorizeMandate(ctx, m.ExternalRef, otp)
		return err
	})
	s.countCall(s.guards.Mandates, err)
	if err != nil {
		return provider.AuthorizeResult{}, err
	}
	return res, nil
}

// VerifyBankAccount runs a penny-drop ownership check through the KYC
// provider.
func (s *Service) VerifyBankAccount(ctx context.Context, account, ifsc string) (provider.BankVerification, error) {
	var v provider.BankVerification
	err := s.guards.KYC.Do(ctx, func(ctx context.Context) error {
		var err error
		v, err = s.prov.KYC.VerifyBankAccount(ctx, account, ifsc)
		return err
	})
	s.countCall(s.guards.KYC, err)
	return v, err
}

func (s *Service) countCall(g *resilience.Guard, err error) {
	s.prom.ProviderCalls.WithLabelValues(g.Name(), string(resilience.Classify(err))).Inc()
}
