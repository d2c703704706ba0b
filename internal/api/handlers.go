package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"fundflow/internal/ingest"
	"fundflow/internal/model"
	"fundflow/internal/txn"
)

// webhookPayload is the body every provider family delivers.
type webhookPayload struct {
	Ref        string    `json:"ref" binding:"required"`
	State      string    `json:"state" binding:"required"`
	OccurredAt time.Time `json:"occurred_at"`
}

var webhookEntities = map[string]model.EntityType{
	"order":   model.EntityOrder,
	"payment": model.EntityPayment,
	"mandate": model.EntityMandate,
}

// handleWebhook verifies the HMAC signature and hands the payload to
// ingestion. Duplicates still get a 200 so the provider stops redelivering.
func (s *Server) handleWebhook(c *gin.Context) {
	entity, ok := webhookEntities[c.Param("provider")]
	if !ok {
		s.prom.WebhooksRejected.Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.prom.WebhooksRejected.Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	secret := s.secrets[entity]
	if !ingest.VerifySignature(secret, body, c.GetHeader("X-Signature")) {
		s.prom.WebhooksRejected.Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var p webhookPayload
	if err := bindJSONBytes(body, &p); err != nil {
		s.prom.WebhooksRejected.Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	occurredAt := p.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	admitted, err := s.ing.IngestWebhook(c.Request.Context(), entity, p.Ref, p.State, occurredAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"admitted": admitted})
}

// handleRedirectReturn receives the investor's browser after the provider's
// payment page. The query parameters are advisory; the reconciler verifies
// the real state with the provider directly.
func (s *Server) handleRedirectReturn(c *gin.Context) {
	ref := c.Query("ref")
	if ref == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing ref"})
		return
	}
	if err := s.ing.IngestRedirect(c.Request.Context(), ref, time.Now()); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown payment"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record return"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "verification in progress", "ref": ref})
}

type placeOrderRequest struct {
	InvestorID string          `json:"investor_id" binding:"required"`
	FundID     string          `json:"fund_id" binding:"required"`
	BatchID    string          `json:"batch_id"`
	Type       string          `json:"type" binding:"required"`
	Amount     decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	o, err := s.txn.PlaceOrder(c.Request.Context(), txn.PlaceOrderRequest{
		InvestorID: req.InvestorID,
		FundID:     req.FundID,
		BatchID:    req.BatchID,
		Type:       model.OrderType(req.Type),
		Amount:     req.Amount,
	})
	switch {
	case errors.Is(err, txn.ErrDuplicateOrder):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, txn.ErrRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "order": o})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, o)
	}
}

func (s *Server) handleGetOrder(c *gin.Context) {
	o, err := s.store.OrderByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type createPaymentRequest struct {
	InvestorID string          `json:"investor_id" binding:"required"`
	OrderIDs   []string        `json:"order_ids" binding:"required,min=1"`
	Amount     decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) handleCreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := s.txn.CreatePayment(c.Request.Context(), txn.CreatePaymentRequest{
		InvestorID: req.InvestorID,
		OrderIDs:   req.OrderIDs,
		Amount:     req.Amount,
	})
	switch {
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, txn.ErrRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, p)
	}
}

func (s *Server) handleGetPayment(c *gin.Context) {
	p, err := s.store.PaymentByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type createMandateRequest struct {
	InvestorID  string          `json:"investor_id" binding:"required"`
	BankAccount string          `json:"bank_account" binding:"required"`
	DebitLimit  decimal.Decimal `json:"debit_limit" binding:"required"`
}

func (s *Server) handleCreateMandate(c *gin.Context) {
	var req createMandateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := s.txn.CreateMandate(c.Request.Context(), txn.CreateMandateRequest{
		InvestorID:  req.InvestorID,
		BankAccount: req.BankAccount,
		DebitLimit:  req.DebitLimit,
	})
	switch {
	case errors.Is(err, txn.ErrRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, m)
	}
}

func (s *Server) handleGetMandate(c *gin.Context) {
	m, err := s.store.MandateByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type authorizeMandateRequest struct {
	OTP string `json:"otp"`
}

func (s *Server) handleAuthorizeMandate(c *gin.Context) {
	var req authorizeMandateRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.txn.AuthorizeMandate(c.Request.Context(), c.Param("id"), req.OTP)
	switch {
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown mandate"})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case res.ActionRequired:
		c.JSON(http.StatusAccepted, gin.H{"action_required": true})
	default:
		c.JSON(http.StatusOK, gin.H{"accepted": res.Ok})
	}
}

type verifyBankRequest struct {
	Account string `json:"account" binding:"required"`
	IFSC    string `json:"ifsc" binding:"required"`
}

func (s *Server) handleVerifyBank(c *gin.Context) {
	var req verifyBankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := s.txn.VerifyBankAccount(c.Request.Context(), req.Account, req.IFSC)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	records, err := s.store.DeadLetters(c.Request.Context(), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": records, "count": len(records)})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		s.health.ServeHTTP(c.Writer, c.Request)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// bindJSONBytes unmarshals an already-consumed body (read for signature
// verification) and applies the required-field checks by hand.
func bindJSONBytes(body []byte, p *webhookPayload) error {
	if err := json.Unmarshal(body, p); err != nil {
		return err
	}
	if p.Ref == "" || p.State == "" {
		return errors.New("ref and state are required")
	}
	return nil
}

func notFoundOr500(c *gin.Context, err error) {
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
