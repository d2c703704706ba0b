// providersim emulates the four external provider families (orders,
// payments, mandates, KYC) behind the same REST surface the live adapters
// expect. Entities advance through a state timetable after creation, and
// every state change is delivered to the reconciler as a signed webhook —
// which makes the full webhook/redirect/poll pipeline exercisable locally.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/pquerna/otp/totp"

	"fundflow/internal/ingest"
)

type simConfig struct {
	addr          string
	reconcilerURL string
	step          time.Duration
	secrets       map[string]string // family -> webhook HMAC secret
}

func loadConfig() simConfig {
	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	step, err := time.ParseDuration(get("SIM_STEP", "15s"))
	if err != nil {
		step = 15 * time.Second
	}
	return simConfig{
		addr:          get("SIM_ADDR", ":9100"),
		reconcilerURL: get("RECONCILER_URL", "http://localhost:8080"),
		step:          step,
		secrets: map[string]string{
			"order":   get("ORDER_WEBHOOK_SECRET", "dev-order-secret"),
			"payment": get("PAYMENT_WEBHOOK_SECRET", "dev-payment-secret"),
			"mandate": get("MANDATE_WEBHOOK_SECRET", "dev-mandate-secret"),
		},
	}
}

// entity is one simulated provider-side record. State is a pure function of
// elapsed time over the timeline unless forced (authorization, payment page).
type entity struct {
	ref       string
	createdAt time.Time
	timeline  []string
	forced    string
	lastSent  string
	returnURL string // payments only
}

func (e *entity) state(now time.Time, step time.Duration) string {
	if e.forced != "" {
		return e.forced
	}
	idx := int(now.Sub(e.createdAt) / step)
	if idx >= len(e.timeline) {
		idx = len(e.timeline) - 1
	}
	return e.timeline[idx]
}

type sim struct {
	cfg simConfig

	mu       sync.Mutex
	orders   map[string]*entity
	payments map[string]*entity
	mandates map[string]*entity
	kyc      map[string]*entity

	totpSecret string
	client     *http.Client
}

func newSim(cfg simConfig) *sim {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "providersim", AccountName: "mandates"})
	if err != nil {
		log.Fatalf("[sim] totp: %v", err)
	}
	log.Printf("[sim] mandate OTP secret: %s (enroll in any TOTP app)", key.Secret())

	return &sim{
		cfg:        cfg,
		orders:     make(map[string]*entity),
		payments:   make(map[string]*entity),
		mandates:   make(map[string]*entity),
		kyc:        make(map[string]*entity),
		totpSecret: key.Secret(),
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func newRef(prefix string) string {
	return fmt.Sprintf("%s-%06d", prefix, rand.Intn(1_000_000))
}

// ── handlers ──

func (s *sim) createOrder(c *gin.Context) {
	var req struct {
		InvestorID string `json:"investor_id" binding:"required"`
		FundID     string `json:"fund_id" binding:"required"`
		Type       string `json:"type" binding:"required"`
		Amount     string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e := &entity{
		ref:       newRef("ORD"),
		createdAt: time.Now(),
		timeline:  []string{"CREATED", "UNDER_REVIEW", "CONFIRMED", "SUCCESSFUL"},
	}
	s.mu.Lock()
	s.orders[e.ref] = e
	s.mu.Unlock()
	c.JSON(http.StatusCreated, gin.H{"ref": e.ref})
}

func (s *sim) createPayment(c *gin.Context) {
	var req struct {
		InvestorID string `json:"investor_id" binding:"required"`
		Amount     string `json:"amount" binding:"required"`
		ReturnURL  string `json:"return_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e := &entity{
		ref:       newRef("PAY"),
		createdAt: time.Now(),
		timeline:  []string{"PENDING", "PROCESSING", "SUCCESS"},
		returnURL: req.ReturnURL,
	}
	s.mu.Lock()
	s.payments[e.ref] = e
	s.mu.Unlock()
	c.JSON(http.StatusCreated, gin.H{
		"ref":          e.ref,
		"redirect_url": fmt.Sprintf("http://localhost%s/pay/%s", s.cfg.addr, e.ref),
	})
}

func (s *sim) createMandate(c *gin.Context) {
	var req struct {
		InvestorID  string `json:"investor_id" binding:"required"`
		BankAccount string `json:"bank_account" binding:"required"`
		DebitLimit  string `json:"debit_limit" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e := &entity{
		ref:       newRef("MND"),
		createdAt: time.Now(),
		timeline:  []string{"PENDING"},
	}
	s.mu.Lock()
	s.mandates[e.ref] = e
	s.mu.Unlock()
	c.JSON(http.StatusCreated, gin.H{"ref": e.ref})
}

func (s *sim) createKYC(c *gin.Context) {
	var req struct {
		InvestorID string `json:"investor_id" binding:"required"`
		PAN        string `json:"pan" binding:"required"`
		Name       string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e := &entity{
		ref:       newRef("KYC"),
		createdAt: time.Now(),
		timeline:  []string{"PENDING", "VERIFIED"},
	}
	s.mu.Lock()
	s.kyc[e.ref] = e
	s.mu.Unlock()
	c.JSON(http.StatusCreated, gin.H{"ref": e.ref})
}

func (s *sim) fetch(table map[string]*entity) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		e, ok := table[c.Param("ref")]
		s.mu.Unlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown reference"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": e.state(time.Now(), s.cfg.step)})
	}
}

// authorizeMandate demands a TOTP code. An empty code means the caller must
// challenge the investor first; a valid code moves the mandate to AUTHORIZED.
func (s *sim) authorizeMandate(c *gin.Context) {
	var req struct {
		OTP string `json:"otp"`
	}
	_ = c.ShouldBindJSON(&req)

	s.mu.Lock()
	e, ok := s.mandates[c.Param("ref")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown reference"})
		return
	}

	if req.OTP == "" {
		c.JSON(http.StatusOK, gin.H{"action_required": true, "ok": false})
		return
	}
	if !totp.Validate(req.OTP, s.totpSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid otp"})
		return
	}

	s.mu.Lock()
	e.forced = "AUTHORIZED"
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"action_required": false, "ok": true})
}

// payPage plays the provider's hosted payment page: completes the payment
// and bounces the browser back to the caller's return URL.
func (s *sim) payPage(c *gin.Context) {
	ref := c.Param("ref")
	s.mu.Lock()
	e, ok := s.payments[ref]
	if ok {
		e.forced = "SUCCESS"
	}
	returnURL := ""
	if ok {
		returnURL = e.returnURL
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown payment"})
		return
	}
	if returnURL != "" {
		c.Redirect(http.StatusFound, fmt.Sprintf("%s?ref=%s&status=success", returnURL, ref))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ref": ref, "state": "SUCCESS"})
}

func (s *sim) verifyBank(c *gin.Context) {
	var req struct {
		Account string `json:"account" binding:"required"`
		IFSC    string `json:"ifsc" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true, "name_on_file": "SIMULATED INVESTOR"})
}

// ── webhook emission ──

// emitWebhooks scans all entities and delivers a signed webhook for every
// state change since the last scan. Best-effort: a failed delivery is
// retried implicitly next tick because lastSent only advances on success.
func (s *sim) emitWebhooks(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.step / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.deliverChanged(ctx, "order", s.orders, now)
			s.deliverChanged(ctx, "payment", s.payments, now)
			s.deliverChanged(ctx, "mandate", s.mandates, now)
		}
	}
}

func (s *sim) deliverChanged(ctx context.Context, family string, table map[string]*entity, now time.Time) {
	type change struct {
		ref, state string
	}
	var changes []change
	s.mu.Lock()
	for _, e := range table {
		if st := e.state(now, s.cfg.step); st != e.lastSent {
			changes = append(changes, change{e.ref, st})
		}
	}
	s.mu.Unlock()

	for _, ch := range changes {
		if err := s.sendWebhook(ctx, family, ch.ref, ch.state); err != nil {
			log.Printf("[sim] webhook %s %s: %v", family, ch.ref, err)
			continue
		}
		s.mu.Lock()
		if e, ok := table[ch.ref]; ok {
			e.lastSent = ch.state
		}
		s.mu.Unlock()
	}
}

func (s *sim) sendWebhook(ctx context.Context, family, ref, state string) error {
	body := []byte(fmt.Sprintf(`{"ref":%q,"state":%q,"occurred_at":%q}`,
		ref, state, time.Now().UTC().Format(time.RFC3339)))

	url := fmt.Sprintf("%s/api/v1/webhooks/%s", s.cfg.reconcilerURL, family)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", ingest.Sign(s.cfg.secrets[family], body))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	log.Printf("[sim] webhook delivered: %s %s -> %s", family, ref, state)
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[sim] no .env file found, using environment")
	}
	cfg := loadConfig()
	s := newSim(cfg)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/orders", s.createOrder)
	r.GET("/orders/:ref", s.fetch(s.orders))
	r.POST("/payments", s.createPayment)
	r.GET("/payments/:ref", s.fetch(s.payments))
	r.GET("/pay/:ref", s.payPage)
	r.POST("/mandates", s.createMandate)
	r.GET("/mandates/:ref", s.fetch(s.mandates))
	r.POST("/mandates/:ref/authorize", s.authorizeMandate)
	r.POST("/kyc", s.createKYC)
	r.GET("/kyc/:ref", s.fetch(s.kyc))
	r.POST("/bankcheck", s.verifyBank)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go s.emitWebhooks(ctx)

	srv := &http.Server{Addr: cfg.addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("[sim] providers listening on %s, step=%s, reconciler=%s",
			cfg.addr, cfg.step, cfg.reconcilerURL)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[sim] server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
