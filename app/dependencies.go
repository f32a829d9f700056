package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/upb/model-gateway/config"
	"github.com/upb/model-gateway/internal/breaker"
	"github.com/upb/model-gateway/internal/canonical"
	"github.com/upb/model-gateway/internal/observability"
	"github.com/upb/model-gateway/internal/providers"
	"github.com/upb/model-gateway/internal/providers/anthropic"
	"github.com/upb/model-gateway/internal/providers/openai"
	"github.com/upb/model-gateway/internal/registry"
	"github.com/upb/model-gateway/middleware"
	"github.com/upb/model-gateway/repositories/postgres"
	"github.com/upb/model-gateway/services/canary"
	"github.com/upb/model-gateway/services/dispatch"
	"github.com/upb/model-gateway/services/journal"
	"github.com/upb/model-gateway/services/metrics"
	"go.uber.org/zap"
)

// journalStopTimeout bounds how long Close waits for queued journal writes.
const journalStopTimeout = 5 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Routing *config.RoutingConfig
	Logger  *zap.Logger

	// Optional rollout journal; nil when no database is configured
	RepoFactory *postgres.RepositoryFactory
	DB          *postgres.DB
	Journal     *journal.Service

	// Metrics
	Prometheus *prometheus.Registry
	Metrics    *observability.PrometheusMetrics

	// Routing core
	Registry         *registry.Registry
	Breakers         *breaker.Set
	ProviderRegistry *providers.Registry
	Normalizer       *canonical.Normalizer
	Dispatcher       *dispatch.DispatchService

	// Canary control loop
	MetricsProvider *metrics.PrometheusProvider
	Evaluator       *canary.Evaluator
	CanaryLoop      *canary.Loop

	// Watcher is nil when hot reload is off
	Watcher *config.Watcher

	AuthMiddleware *middleware.AuthMiddleware
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	rc, err := config.LoadRouting(cfg.Routing.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load routing config: %w", err)
	}

	deps := &Dependencies{
		Config:  cfg,
		Routing: rc,
		Logger:  logger,
	}

	deps.initMetrics()

	if err := deps.initRegistry(); err != nil {
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}

	deps.initProviders(cfg)
	deps.initDispatcher()

	if cfg.Database != nil {
		factory, err := postgres.NewRepositoryFactory(*cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create repository factory: %w", err)
		}
		if err := deps.initJournal(ctx, factory); err != nil {
			_ = factory.Close()
			return nil, fmt.Errorf("failed to initialize journal: %w", err)
		}
	} else {
		logger.Warn("no database configured, rollout journal disabled")
	}

	if err := deps.initCanary(cfg); err != nil {
		deps.stopJournal()
		return nil, fmt.Errorf("failed to initialize canary evaluator: %w", err)
	}

	deps.initAuth(cfg)

	if cfg.Routing.HotReload {
		deps.Watcher = config.NewWatcher(cfg.Routing.Path, logger, deps.ApplyRouting)
	}

	logger.Info("all dependencies initialized successfully",
		zap.Int("endpoints", len(rc.Endpoints)),
		zap.Strings("families", deps.Registry.Families()),
		zap.Strings("providers", deps.ProviderRegistry.Names()))
	return deps, nil
}

// initMetrics creates the dedicated Prometheus registry served on /metrics
func (d *Dependencies) initMetrics() {
	d.Prometheus = prometheus.NewRegistry()
	d.Prometheus.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewPrometheusMetrics(d.Prometheus)
}

// initRegistry builds the endpoint table and the per-endpoint breakers
func (d *Dependencies) initRegistry() error {
	reg, err := registry.New(endpointsFrom(d.Routing), observability.NewZapLogger(d.Logger.Named("registry")))
	if err != nil {
		return err
	}
	d.Registry = reg

	d.Breakers = breaker.NewSet(breakerSettingsFrom(d.Routing.Circuit),
		observability.NewZapLogger(d.Logger.Named("breaker")), d.Metrics)
	reg.Subscribe(d.Breakers)

	reg.Subscribe(registry.ObserverFunc(func(ev registry.Event) {
		weight := ev.Endpoint.Weight
		if ev.Type == registry.EventRemoved {
			weight = 0
		}
		d.Metrics.SetEndpointWeight(ev.Endpoint.Family, ev.Endpoint.ID, weight)
	}))
	for _, ep := range reg.All() {
		d.Metrics.SetEndpointWeight(ep.Family, ep.ID, ep.Weight)
	}
	return nil
}

// initProviders registers a client for every provider with credentials
func (d *Dependencies) initProviders(cfg *config.Config) {
	d.ProviderRegistry = providers.NewRegistry()

	if cfg.Providers.OpenAI.Enabled() {
		d.ProviderRegistry.Register(openai.New(openai.Config{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Timeout: cfg.Providers.OpenAI.Timeout,
		}))
		d.Logger.Info("registered OpenAI provider")
	}

	if cfg.Providers.Anthropic.Enabled() {
		d.ProviderRegistry.Register(anthropic.New(anthropic.Config{
			APIKey:  cfg.Providers.Anthropic.APIKey,
			BaseURL: cfg.Providers.Anthropic.BaseURL,
			Timeout: cfg.Providers.Anthropic.Timeout,
		}))
		d.Logger.Info("registered Anthropic provider")
	}

	if len(d.ProviderRegistry.Names()) == 0 {
		d.Logger.Warn("no LLM providers configured")
	}
	if err := d.CheckProviders(context.Background()); err != nil {
		d.Logger.Warn("some endpoints cannot be served", zap.Error(err))
	}
}

// initDispatcher builds the dispatcher over the registry, breakers and clients
func (d *Dependencies) initDispatcher() {
	d.Normalizer = canonical.NewNormalizer()
	d.Dispatcher = dispatch.NewDispatchService(
		d.Registry,
		d.Breakers,
		d.ProviderRegistry,
		nil,
		d.Normalizer,
		d.Metrics,
		observability.NewZapLogger(d.Logger.Named("dispatch")),
		policyFrom(d.Routing.Retry),
	)
}

// initJournal opens the schema, restores persisted weights and starts the
// journal workers. Restoring happens before the journal subscribes, so the
// restored state is not written back.
func (d *Dependencies) initJournal(ctx context.Context, factory *postgres.RepositoryFactory) error {
	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := d.DB.InitSchema(ctx); err != nil {
		return err
	}
	d.Logger.Info("database connection established",
		zap.String("connection", d.Config.Database.LogString()))

	d.Journal = journal.NewService(
		factory.NewRepositories(),
		factory.GetTransactionManager(),
		d.Registry,
		d.Logger.Named("journal"),
		journal.Config{BufferSize: d.Config.Journal.BufferSize, WorkerCount: d.Config.Journal.Workers},
	)

	if n, err := d.Journal.Restore(ctx, d.Registry); err != nil {
		// Configured weights stay in effect.
		d.Logger.Warn("could not restore endpoint states", zap.Error(err))
	} else if n > 0 {
		d.Logger.Info("endpoint states restored from journal", zap.Int("count", n))
	}

	if err := d.Journal.Start(); err != nil {
		return err
	}
	d.Registry.Subscribe(d.Journal)
	return nil
}

// initCanary wires the metrics backend, evaluator and control loop
func (d *Dependencies) initCanary(cfg *config.Config) error {
	provider, err := metrics.NewPrometheusProvider(metrics.Config{
		Address:       cfg.MetricsBackend.URL,
		QueryTimeout:  cfg.MetricsBackend.QueryTimeout,
		QualityMetric: cfg.MetricsBackend.QualityMetric,
		CostMetric:    cfg.MetricsBackend.CostMetric,
	}, observability.NewZapLogger(d.Logger.Named("metrics")))
	if err != nil {
		return err
	}
	d.MetricsProvider = provider

	var recorder canary.Recorder
	if d.Journal != nil {
		recorder = d.Journal
	}

	canaryLogger := observability.NewZapLogger(d.Logger.Named("canary"))
	d.Evaluator = canary.NewEvaluator(d.Registry, provider, recorder, d.Metrics, canaryLogger, thresholdsFrom(d.Routing.Canary))
	d.CanaryLoop = canary.NewLoop(d.Evaluator, d.Registry, d.Routing.Canary.Interval, canaryLogger)
	d.CanaryLoop.SetBaselines(d.Routing.Baselines())
	return nil
}

// initAuth sets up operator authentication. Without a secret every operator
// route answers 401.
func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.OperatorJWTSecret == "" {
		d.Logger.Warn("operator JWT secret not configured, operator routes disabled")
	}
	validator := middleware.NewHMACValidator(cfg.Auth.OperatorJWTSecret, cfg.Auth.Issuer)
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger.Named("auth"))
}

// ApplyRouting pushes a reloaded routing file to the running components.
// Retry policy, canary thresholds and baselines change in place. The
// endpoint table and breaker settings are only read at startup.
func (d *Dependencies) ApplyRouting(rc *config.RoutingConfig) {
	d.Dispatcher.SetPolicy(policyFrom(rc.Retry))
	d.Evaluator.SetThresholds(thresholdsFrom(rc.Canary))
	d.CanaryLoop.SetBaselines(rc.Baselines())

	if !reflect.DeepEqual(rc.Endpoints, d.Routing.Endpoints) {
		d.Logger.Warn("endpoint table changed on disk, restart to apply it")
	}
	if rc.Circuit != d.Routing.Circuit {
		d.Logger.Warn("circuit settings changed on disk, restart to apply them")
	}
	if rc.Canary.Interval != d.Routing.Canary.Interval {
		d.Logger.Warn("canary interval changed on disk, restart to apply it")
	}

	d.Logger.Info("routing config applied",
		zap.Int("max_retries", d.Dispatcher.Policy().MaxRetries),
		zap.Int("family_overrides", len(rc.Canary.Families)))
}

// CheckProviders reports endpoints whose provider has no client
func (d *Dependencies) CheckProviders(ctx context.Context) error {
	var missing []error
	for _, ep := range d.Registry.All() {
		if ep.Status == registry.StatusDisabled {
			continue
		}
		if _, ok := d.ProviderRegistry.Get(ep.Provider); !ok {
			missing = append(missing, fmt.Errorf("endpoint %s: provider %q not configured", ep.ID, ep.Provider))
		}
	}
	return errors.Join(missing...)
}

func (d *Dependencies) stopJournal() {
	if d.Journal != nil {
		if err := d.Journal.Stop(journalStopTimeout); err != nil {
			d.Logger.Warn("journal did not drain", zap.Error(err))
		}
	}
	if d.RepoFactory != nil {
		_ = d.RepoFactory.Close()
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Journal != nil {
		if err := d.Journal.Stop(journalStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop journal: %w", err))
		} else {
			d.Logger.Info("journal stopped", zap.Any("stats", d.Journal.GetStats()))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}
	return nil
}
