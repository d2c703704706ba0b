// Package api is the HTTP boundary: provider webhooks, investor redirect
// returns, submission endpoints and operator read surfaces. Everything
// inbound is validated here; nothing here writes state directly.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fundflow/internal/ingest"
	"fundflow/internal/metrics"
	"fundflow/internal/model"
	"fundflow/internal/notify"
	"fundflow/internal/txn"
)

// ReadStore is the read-only slice of the state store the API serves.
type ReadStore interface {
	OrderByID(ctx context.Context, id string) (*model.Order, error)
	PaymentByID(ctx context.Context, id string) (*model.Payment, error)
	MandateByID(ctx context.Context, id string) (*model.Mandate, error)
	DeadLetters(ctx context.Context, limit int) ([]model.DeadLetterRecord, error)
}

// Server is the HTTP boundary.
type Server struct {
	engine  *gin.Engine
	store   ReadStore
	txn     *txn.Service
	ing     *ingest.Ingestor
	feed    *notify.FeedHub
	health  *metrics.HealthStatus
	prom    *metrics.Metrics
	secrets map[model.EntityType]string
	srv     *http.Server
}

// Config for the API server.
type Config struct {
	Addr string
	// WebhookSecrets maps each provider family to its HMAC secret.
	WebhookSecrets map[model.EntityType]string
}

// New builds the router. feed may be nil.
func New(cfg Config, store ReadStore, svc *txn.Service, ing *ingest.Ingestor, feed *notify.FeedHub, health *metrics.HealthStatus, prom *metrics.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:  engine,
		store:   store,
		txn:     svc,
		ing:     ing,
		feed:    feed,
		health:  health,
		prom:    prom,
		secrets: cfg.WebhookSecrets,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.engine.Group("/api/v1")

	v1.POST("/webhooks/:provider", s.handleWebhook)
	v1.GET("/redirect/return", s.handleRedirectReturn)

	v1.POST("/orders", s.handlePlaceOrder)
	v1.GET("/orders/:id", s.handleGetOrder)

	v1.POST("/payments", s.handleCreatePayment)
	v1.GET("/payments/:id", s.handleGetPayment)

	v1.POST("/mandates", s.handleCreateMandate)
	v1.GET("/mandates/:id", s.handleGetMandate)
	v1.POST("/mandates/:id/authorize", s.handleAuthorizeMandate)

	v1.POST("/bank/verify", s.handleVerifyBank)

	v1.GET("/dead-letters", s.handleDeadLetters)
	v1.GET("/health", s.handleHealth)

	if s.feed != nil {
		v1.GET("/feed", func(c *gin.Context) {
			s.feed.ServeWS(c.Writer, c.Request)
		})
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
