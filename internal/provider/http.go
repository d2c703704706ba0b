package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPConfig configures a REST adapter for one provider family.
type HTTPConfig struct {
	Name    string // provider name for error reporting
	BaseURL string
	Timeout time.Duration
}

type restClient struct {
	name string
	base string
	c    *http.Client
}

func newRESTClient(cfg HTTPConfig) restClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return restClient{
		name: cfg.Name,
		base: cfg.BaseURL,
		c:    &http.Client{Timeout: timeout},
	}
}

// do performs one JSON round trip and classifies failures: transport errors
// and 5xx/429 are transient, other 4xx are permanent rejections.
func (r restClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return Permanent(r.name, op, 0, fmt.Errorf("marshal: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.base+path, body)
	if err != nil {
		return Permanent(r.name, op, 0, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.c.Do(req)
	if err != nil {
		return Transient(r.name, op, 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Transient(r.name, op, resp.StatusCode, fmt.Errorf("provider unavailable"))
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Permanent(r.name, op, resp.StatusCode, fmt.Errorf("rejected: %s", msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Transient(r.name, op, resp.StatusCode, fmt.Errorf("decode: %w", err))
		}
	}
	return nil
}

// ── Order provider ──

// HTTPOrderProvider talks to the order placement provider over REST.
type HTTPOrderProvider struct{ restClient }

func NewHTTPOrderProvider(cfg HTTPConfig) *HTTPOrderProvider {
	if cfg.Name == "" {
		cfg.Name = NameOrder
	}
	return &HTTPOrderProvider{newRESTClient(cfg)}
}

func (p *HTTPOrderProvider) SubmitOrder(ctx context.Context, d OrderDetails) (string, error) {
	req := struct {
		InvestorID string `json:"investor_id"`
		FundID     string `json:"fund_id"`
		Type       string `json:"type"`
		Amount     string `json:"amount"`
	}{d.InvestorID, d.FundID, d.Type, d.Amount.String()}
	var resp struct {
		Ref string `json:"ref"`
	}
	if err := p.do(ctx, "submit_order", http.MethodPost, "/orders", req, &resp); err != nil {
		return "", err
	}
	if resp.Ref == "" {
		return "", Transient(p.name, "submit_order", 0, fmt.Errorf("empty reference in response"))
	}
	return resp.Ref, nil
}

func (p *HTTPOrderProvider) FetchOrderStatus(ctx context.Context, ref string) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := p.do(ctx, "fetch_order", http.MethodGet, "/orders/"+ref, nil, &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

// ── Payment provider ──

// HTTPPaymentProvider talks to the payment collection provider over REST.
type HTTPPaymentProvider struct{ restClient }

func NewHTTPPaymentProvider(cfg HTTPConfig) *HTTPPaymentProvider {
	if cfg.Name == "" {
		cfg.Name = NamePayment
	}
	return &HTTPPaymentProvider{newRESTClient(cfg)}
}

func (p *HTTPPaymentProvider) CreatePayment(ctx context.Context, d PaymentDetails) (string, string, error) {
	req := struct {
		InvestorID string `json:"investor_id"`
		Amount     string `json:"amount"`
		ReturnURL  string `json:"return_url"`
	}{d.InvestorID, d.Amount.String(), d.ReturnURL}
	var resp struct {
		Ref         string `json:"ref"`
		RedirectURL string `json:"redirect_url"`
	}
	if err := p.do(ctx, "create_payment", http.MethodPost, "/payments", req, &resp); err != nil {
		return "", "", err
	}
	return resp.Ref, resp.RedirectURL, nil
}

func (p *HTTPPaymentProvider) FetchPaymentStatus(ctx context.Context, ref string) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := p.do(ctx, "fetch_payment", http.MethodGet, "/payments/"+ref, nil, &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

// ── Mandate provider ──

// HTTPMandateProvider talks to the auto-debit mandate provider over REST.
type HTTPMandateProvider struct{ restClient }

func NewHTTPMandateProvider(cfg HTTPConfig) *HTTPMandateProvider {
	if cfg.Name == "" {
		cfg.Name = NameMandate
	}
	return &HTTPMandateProvider{newRESTClient(cfg)}
}

func (p *HTTPMandateProvider) CreateMandate(ctx context.Context, d MandateDetails) (string, error) {
	req := struct {
		InvestorID  string `json:"investor_id"`
		BankAccount string `json:"bank_account"`
		DebitLimit  string `json:"debit_limit"`
	}{d.InvestorID, d.BankAccount, d.DebitLimit.String()}
	var resp struct {
		Ref string `json:"ref"`
	}
	if err := p.do(ctx, "create_mandate", http.MethodPost, "/mandates", req, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

func (p *HTTPMandateProvider) FetchMandateStatus(ctx context.Context, ref string) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := p.do(ctx, "fetch_mandate", http.MethodGet, "/mandates/"+ref, nil, &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

func (p *HTTPMandateProvider) AuthorizeMandate(ctx context.Context, ref, otp string) (AuthorizeResult, error) {
	req := struct {
		OTP string `json:"otp"`
	}{otp}
	var resp struct {
		ActionRequired bool `json:"action_required"`
		Ok             bool `json:"ok"`
	}
	if err := p.do(ctx, "authorize_mandate", http.MethodPost, "/mandates/"+ref+"/authorize", req, &resp); err != nil {
		return AuthorizeResult{}, err
	}
	return AuthorizeResult{ActionRequired: resp.ActionRequired, Ok: resp.Ok}, nil
}

// ── KYC provider ──

// HTTPKYCProvider talks to the KYC/identity provider over REST.
type HTTPKYCProvider struct{ restClient }

func NewHTTPKYCProvider(cfg HTTPConfig) *HTTPKYCProvider {
	if cfg.Name == "" {
		cfg.Name = NameKYC
	}
	return &HTTPKYCProvider{newRESTClient(cfg)}
}

func (p *HTTPKYCProvider) CreateKYC(ctx context.Context, d KYCDetails) (string, error) {
	req := struct {
		InvestorID string `json:"investor_id"`
		PAN        string `json:"pan"`
		Name       string `json:"name"`
	}{d.InvestorID, d.PAN, d.Name}
	var resp struct {
		Ref string `json:"ref"`
	}
	if err := p.do(ctx, "create_kyc", http.MethodPost, "/kyc", req, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

func (p *HTTPKYCProvider) FetchKYCStatus(ctx context.Context, ref string) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := p.do(ctx, "fetch_kyc", http.MethodGet, "/kyc/"+ref, nil, &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

func (p *HTTPKYCProvider) VerifyBankAccount(ctx context.Context, account, ifsc string) (BankVerification, error) {
	req := struct {
		Account string `json:"account"`
		IFSC    string `json:"ifsc"`
	}{account, ifsc}
	var resp struct {
		Verified   bool   `json:"verified"`
		NameOnFile string `json:"name_on_file"`
	}
	if err := p.do(ctx, "verify_bank", http.MethodPost, "/bankcheck", req, &resp); err != nil {
		return BankVerification{}, err
	}
	return BankVerification{Verified: resp.Verified, NameOnFile: resp.NameOnFile}, nil
}

var _ OrderProvider = (*HTTPOrderProvider)(nil)
var _ PaymentProvider = (*HTTPPaymentProvider)(nil)
var _ MandateProvider = (*HTTPMandateProvider)(nil)
var _ KYCProvider = (*HTTPKYCProvider)(nil)
