// Package provider defines the uniform contract the reconciliation core
// consumes from each external provider family (orders, payments, mandates,
// KYC): submit a request and get back a reference, or fetch the current
// status snapshot for a reference. Wire formats stay inside each adapter.
package provider

import (
	"context"

	"github.com/shopspring/decimal"
)

// Provider names used for resilience guards and metrics labels.
const (
	NameOrder   = "order"
	NamePayment = "payment"
	NameMandate = "mandate"
	NameKYC     = "kyc"
)

// OrderDetails is the submission payload for a buy/sell/SIP order.
type OrderDetails struct {
	InvestorID string
	FundID     string
	Type       string // BUY, SELL, SIP
	Amount     decimal.Decimal
}

// PaymentDetails is the submission payload for a payment collection.
type PaymentDetails struct {
	InvestorID string
	Amount     decimal.Decimal
	ReturnURL  string // where the provider redirects the browser afterwards
}

// MandateDetails is the submission payload for an auto-debit mandate.
type MandateDetails struct {
	InvestorID  string
	BankAccount string
	DebitLimit  decimal.Decimal
}

// AuthorizeResult is the outcome of a mandate authorization attempt.
type AuthorizeResult struct {
	// ActionRequired is set when the provider demands a further step (an
	// OTP challenge); Ok means the authorization request was accepted and
	// the final state will arrive asynchronously.
	ActionRequired bool
	Ok             bool
}

// BankVerification is the result of a penny-drop account check.
type BankVerification struct {
	Verified   bool
	NameOnFile string
}

// KYCDetails is the submission payload for a KYC record.
type KYCDetails struct {
	InvestorID string
	PAN        string
	Name       string
}

// OrderProvider places orders and reports their provider-side state.
type OrderProvider interface {
	SubmitOrder(ctx context.Context, d OrderDetails) (externalRef string, err error)
	FetchOrderStatus(ctx context.Context, externalRef string) (rawState string, err error)
}

// PaymentProvider creates redirect-based payment collections.
type PaymentProvider interface {
	CreatePayment(ctx context.Context, d PaymentDetails) (externalRef, redirectURL string, err error)
	FetchPaymentStatus(ctx context.Context, externalRef string) (rawState string, err error)
}

// MandateProvider creates and authorizes auto-debit mandates.
type MandateProvider interface {
	CreateMandate(ctx context.Context, d MandateDetails) (externalRef string, err error)
	FetchMandateStatus(ctx context.Context, externalRef string) (rawState string, err error)
	AuthorizeMandate(ctx context.Context, externalRef, otp string) (AuthorizeResult, error)
}

// KYCProvider verifies investor identity and bank ownership.
type KYCProvider interface {
	CreateKYC(ctx context.Context, d KYCDetails) (externalRef string, err error)
	FetchKYCStatus(ctx context.Context, externalRef string) (rawState string, err error)
	VerifyBankAccount(ctx context.Context, account, ifsc string) (BankVerification, error)
}
