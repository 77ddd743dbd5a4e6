package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	chi_middleware "github.com/go-chi/chi/middleware"
	"github.com/nais/skilld/pkg/lock"
	"github.com/nais/skilld/pkg/skilld/api/v1"
	api_v1_health "github.com/nais/skilld/pkg/skilld/api/v1/health"
	api_v1_lock "github.com/nais/skilld/pkg/skilld/api/v1/lock"
	api_v1_sync "github.com/nais/skilld/pkg/skilld/api/v1/sync"
	api_v1_webhook "github.com/nais/skilld/pkg/skilld/api/v1/webhook"
	"github.com/nais/skilld/pkg/skilld/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const (
	WebhookPath = "/webhook"
	HealthPath  = "/health"
	InternalAPI = "/internal/api/v1"
)

type Poller interface {
	api_v1_sync.Poller
	api_v1_health.Poller
}

type Config struct {
	Runner           api_v1_webhook.Runner
	Poller           Poller
	Ledger           api_v1_health.Ledger
	Deployer         api_v1_health.Lister
	Locks            lock.Service
	Repository       string
	Branch           string
	WebhookSecret    []byte
	WebhookWindow    api_v1.Window
	WebhookRateLimit int
	SyncTimeout      time.Duration
	APIKeys          []string
	MetricsPath      string
	// Registry receives the request metrics and is served on MetricsPath.
	// The default prometheus registry is used when nil.
	Registry *prometheus.Registry
}

func New(cfg Config) chi.Router {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	metricsHandler := promhttp.Handler()
	if cfg.Registry != nil {
		registerer = cfg.Registry
		metricsHandler = promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})
	}
	prometheusMiddleware := middleware.NewPrometheusMiddleware("skilld", registerer)

	webhookHandler := &api_v1_webhook.Handler{
		Runner:     cfg.Runner,
		Secret:     cfg.WebhookSecret,
		Repository: cfg.Repository,
		Branch:     cfg.Branch,
		Window:     cfg.WebhookWindow,
	}

	syncHandler := &api_v1_sync.Handler{
		Poller:  cfg.Poller,
		Timeout: cfg.SyncTimeout,
	}

	lockHandler := &api_v1_lock.Handler{
		Locks: cfg.Locks,
	}

	healthHandler := &api_v1_health.Handler{
		Poller:            cfg.Poller,
		Ledger:            cfg.Ledger,
		Deployer:          cfg.Deployer,
		WebhookConfigured: len(cfg.WebhookSecret) > 0,
	}

	// Pre-populate request metrics
	for _, code := range api_v1_webhook.StatusCodes {
		prometheusMiddleware.Initialize(WebhookPath, http.MethodPost, code)
	}
	for _, code := range api_v1_sync.StatusCodes {
		prometheusMiddleware.Initialize(InternalAPI+"/sync", http.MethodPost, code)
	}
	for _, code := range api_v1_lock.StatusCodes {
		prometheusMiddleware.Initialize(InternalAPI+"/lock", http.MethodGet, code)
		prometheusMiddleware.Initialize(InternalAPI+"/lock", http.MethodDelete, code)
	}

	// Base settings for all requests
	router := chi.NewRouter()
	router.Use(
		middleware.RequestLogger(),
		prometheusMiddleware.Handler(),
		chi_middleware.StripSlashes,
	)

	// Mount /metrics endpoint with no authentication
	router.Get(cfg.MetricsPath, metricsHandler.ServeHTTP)

	router.Get(HealthPath, healthHandler.ServeHTTP)

	if len(cfg.WebhookSecret) == 0 {
		log.Error("No webhook secret configured; every webhook delivery will be rejected. Try using --webhook.secret")
	}
	router.With(middleware.RateLimiter(cfg.WebhookRateLimit)).Post(WebhookPath, webhookHandler.ServeHTTP)

	router.Route(InternalAPI, func(r chi.Router) {
		if len(cfg.APIKeys) == 0 {
			log.Error("Refusing to set up internal API without API keys; try using --api-keys")
			log.Errorf("Note: %s/sync and %s/lock will be unavailable", InternalAPI, InternalAPI)
			return
		}

		r.Use(middleware.APIKeyValidatorMiddleware(cfg.APIKeys))
		r.Post("/sync", syncHandler.ServeHTTP)
		r.Get("/lock", lockHandler.Status)
		r.Delete("/lock", lockHandler.ForceRelease)
	})

	return router
}
