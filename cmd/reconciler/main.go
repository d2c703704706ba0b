// The reconciler is the service binary: it terminates provider webhooks and
// investor redirects, runs the reconciliation engine and poll scheduler, and
// serves the submission and operator APIs.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"fundflow/config"
	"fundflow/internal/api"
	"fundflow/internal/ingest"
	"fundflow/internal/logger"
	"fundflow/internal/metrics"
	"fundflow/internal/model"
	"fundflow/internal/notify"
	"fundflow/internal/poll"
	"fundflow/internal/provider"
	"fundflow/internal/reconcile"
	"fundflow/internal/resilience"
	redisstore "fundflow/internal/store/redis"
	"fundflow/internal/store/sqlite"
	"fundflow/internal/txn"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[main] no .env file found, using environment")
	}
	cfg := config.Load()
	logger.Init("reconciler", slog.LevelInfo)

	prom := metrics.New(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	health.SetProviderMode(cfg.ProviderMode)

	// durable state
	store, err := sqlite.New(sqlite.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[main] sqlite: %v", err)
	}
	defer store.Close()
	health.SetSQLiteOK(true)

	// fast dedup layer; the service degrades rather than refuses to start
	var dedup model.Deduper
	deduper, err := redisstore.NewDeduper(redisstore.DeduperConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		TTL:      cfg.DedupTTL,
	})
	if err != nil {
		log.Printf("[main] redis unavailable, journal-only dedup: %v", err)
		dedup = passThroughDeduper{}
	} else {
		dedup = deduper
		defer deduper.Close()
		health.SetRedisConnected(true)
	}

	providers, guards := buildProviders(cfg, prom)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if deduper != nil {
		health.StartLivenessChecker(ctx, deduper.Client(), store.DB(), 15*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), 15*time.Second)
	}

	// engine + fan-out
	terminal := make(chan model.TerminalTransition, 256)
	engine := reconcile.New(reconcile.Config{
		LockTimeout: 5 * time.Second,
		MaxAttempts: 5,
	}, store, prom, terminal)

	ing := ingest.New(dedup, store, prom, cfg.DedupBucket)

	feed := notify.NewFeedHub(prom)
	go feed.Run(ctx)

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.Multi{notify.LogNotifier{}, notify.NewWebhookNotifier(cfg.NotifyWebhookURL)}
	}
	fanout := notify.NewFanout(notifier, feed, prom)
	go fanout.Run(ctx, terminal)

	// one engine worker per signal source, plus the internal retry lane
	go engine.Run(ctx, ing.Webhooks())
	go engine.Run(ctx, ing.Polls())
	go engine.Run(ctx, engine.Retries())

	scheduler := poll.New(poll.Config{
		Interval:    cfg.PollInterval,
		StaleAfter:  cfg.StaleAfter,
		MaxAttempts: cfg.PollMaxAttempts,
	}, store, ing, poll.Providers{
		Orders:   providers.Orders,
		Payments: providers.Payments,
		Mandates: providers.Mandates,
	}, poll.Guards{
		Orders:   guards.Orders,
		Payments: guards.Payments,
		Mandates: guards.Mandates,
	}, engine, notifier, prom)
	go scheduler.Run(ctx)

	svc := txn.New(store, providers, guards, engine, prom, returnURL(cfg))

	apiServer := api.New(api.Config{
		Addr: cfg.APIAddr,
		WebhookSecrets: map[model.EntityType]string{
			model.EntityOrder:   cfg.OrderWebhookSecret,
			model.EntityPayment: cfg.PaymentWebhookSecret,
			model.EntityMandate: cfg.MandateWebhookSecret,
		},
	}, store, svc, ing, feed, health, prom)
	apiServer.Start()

	metricsServer := metrics.NewServer(cfg.MetricsAddr, health)
	metricsServer.Start()

	log.Printf("[main] reconciler up, provider_mode=%s api=%s metrics=%s",
		cfg.ProviderMode, cfg.APIAddr, cfg.MetricsAddr)

	<-ctx.Done()
	log.Println("[main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	apiServer.Stop(shutdownCtx)
	metricsServer.Stop(shutdownCtx)
	log.Println("[main] bye")
}

// buildProviders wires either the live REST adapters or the in-process mocks,
// and one resilience guard per provider family with breaker metrics attached.
func buildProviders(cfg *config.Config, prom *metrics.Metrics) (txn.Providers, txn.Guards) {
	var p txn.Providers
	if cfg.ProviderMode == "live" {
		p = txn.Providers{
			Orders:   provider.NewHTTPOrderProvider(provider.HTTPConfig{BaseURL: cfg.OrderProviderURL, Timeout: cfg.ProviderTimeout}),
			Payments: provider.NewHTTPPaymentProvider(provider.HTTPConfig{BaseURL: cfg.PaymentProviderURL, Timeout: cfg.ProviderTimeout}),
			Mandates: provider.NewHTTPMandateProvider(provider.HTTPConfig{BaseURL: cfg.MandateProviderURL, Timeout: cfg.ProviderTimeout}),
			KYC:      provider.NewHTTPKYCProvider(provider.HTTPConfig{BaseURL: cfg.KYCProviderURL, Timeout: cfg.ProviderTimeout}),
		}
	} else {
		p = txn.Providers{
			Orders:   provider.NewMockOrderProvider(20 * time.Second),
			Payments: provider.NewMockPaymentProvider(20 * time.Second),
			Mandates: provider.NewMockMandateProvider(20 * time.Second),
			KYC:      provider.NewMockKYCProvider(20 * time.Second),
		}
	}

	g := txn.Guards{
		Orders:   newGuard(provider.NameOrder, cfg, prom),
		Payments: newGuard(provider.NamePayment, cfg, prom),
		Mandates: newGuard(provider.NameMandate, cfg, prom),
		KYC:      newGuard(provider.NameKYC, cfg, prom),
	}
	return p, g
}

func newGuard(name string, cfg *config.Config, prom *metrics.Metrics) *resilience.Guard {
	g := resilience.NewGuard(resilience.GuardConfig{
		Name:         name,
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
		Rate:         cfg.ProviderRateLimit,
		Burst:        cfg.ProviderRateBurst,
	})
	g.Breaker().OnStateChange = func(from, to resilience.BreakerState) {
		log.Printf("[resilience] %s breaker %s -> %s", name, from, to)
		prom.BreakerState.WithLabelValues(name).Set(float64(to))
		if to == resilience.BreakerOpen {
			prom.BreakerTrips.WithLabelValues(name).Inc()
		}
	}
	return g
}

func returnURL(cfg *config.Config) string {
	return "http://localhost" + cfg.APIAddr + "/api/v1/redirect/return"
}

// passThroughDeduper admits everything; used when redis is down. The durable
// applied-event journal still guarantees idempotency.
type passThroughDeduper struct{}

func (passThroughDeduper) Admit(context.Context, string) (bool, error) { return true, nil }
