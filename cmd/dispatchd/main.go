package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/accounting"
	"github.com/snow-ghost/dispatch/pkg/budget"
	"github.com/snow-ghost/dispatch/pkg/cache"
	"github.com/snow-ghost/dispatch/pkg/classify"
	"github.com/snow-ghost/dispatch/pkg/dispatcher"
	"github.com/snow-ghost/dispatch/pkg/executor"
	"github.com/snow-ghost/dispatch/pkg/httpserver"
	"github.com/snow-ghost/dispatch/pkg/limiter"
	"github.com/snow-ghost/dispatch/pkg/observability"
	"github.com/snow-ghost/dispatch/pkg/providers"
	"github.com/snow-ghost/dispatch/pkg/registry"
	"github.com/snow-ghost/dispatch/pkg/secrets"
	"github.com/snow-ghost/dispatch/pkg/selection"
	"github.com/snow-ghost/dispatch/pkg/tokens"
	"github.com/snow-ghost/dispatch/policy/local"
)

const serviceVersion = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		healthcheck()
		return
	}

	cfg := LoadConfig()

	obs, err := observability.NewManager(observability.Config{
		ServiceName:    "dispatchd",
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		JaegerEndpoint: cfg.JaegerEndpoint,
		LogLevel:       cfg.LogLevel,
		LogFormat:      cfg.LogFormat,
	})
	if err != nil {
		log.Fatal("failed to set up observability:", err)
	}
	logger := obs.GetLogger()
	m := obs.GetMetrics()

	// Provider registry, hot-reloaded from the config file.
	loader := registry.NewLoader(cfg.ConfigPath)
	reg, err := loader.Load()
	if err != nil {
		logger.Fatal("failed to load provider registry", "error", err, "path", loader.Path())
	}
	logger.Info("provider registry loaded", "providers", reg.Len(), "path", loader.Path())

	if cfg.WatchConfig {
		watcher, err := registry.NewWatcher(loader, reg, logger, 0)
		if err != nil {
			logger.Fatal("failed to create config watcher", "error", err)
		}
		if err := watcher.Watch(); err != nil {
			logger.Fatal("failed to watch config file", "error", err)
		}
		defer watcher.Close()
	}

	// Budget caps share the registry's config file.
	budgetCfg, err := budget.LoadConfig(loader.Path())
	if err != nil {
		logger.Fatal("failed to load budget config", "error", err)
	}
	ledger := budget.NewLedger(budgetCfg, nil, logger, m)

	var store *budget.Store
	if cfg.BudgetDBPath != "" {
		store, err = budget.NewStore(cfg.BudgetDBPath)
		if err != nil {
			logger.Fatal("failed to open budget store", "error", err, "path", cfg.BudgetDBPath)
		}
		rows, err := store.Load()
		if err != nil {
			logger.Fatal("failed to restore budget snapshot", "error", err)
		}
		ledger.Restore(rows)
		logger.Info("budget snapshot restored", "rows", len(rows), "path", cfg.BudgetDBPath)
	}

	scheduler, err := budget.NewScheduler(budget.SchedulerConfig{
		RolloverSpec: cfg.BudgetRollover,
		SnapshotSpec: cfg.BudgetSnapshot,
	}, ledger, store, logger)
	if err != nil {
		logger.Fatal("failed to create budget scheduler", "error", err)
	}

	// Limiters and breakers.
	admission := limiter.NewAdmission(nil)
	breakers := limiter.NewBreakerManager(&limiter.BreakerConfig{
		ConsecutiveFailures: uint32(cfg.BreakerFailures),
		OpenTimeout:         cfg.BreakerOpenTimeout,
		ProbeRequests:       uint32(cfg.BreakerProbes),
	}, logger, m)
	throttle := limiter.NewThrottle(cfg.ThrottleRPS, cfg.ThrottleBurst)

	// Token estimators: exact encodings for cloud providers, heuristic
	// fallback for everything else.
	var cloudIDs []string
	for _, p := range reg.List() {
		if p.Kind == core.KindCloud {
			cloudIDs = append(cloudIDs, p.ID)
		}
	}
	estimators := tokens.DefaultRegistry(cloudIDs...)

	// Adapters resolve credentials through the registry so hot-added
	// providers work without rewiring.
	supplier := secrets.NewEnvSupplier(func(providerID string) (string, bool) {
		p, err := reg.Get(providerID)
		if err != nil {
			return "", false
		}
		return p.APIKeyEnv, true
	})
	source := providers.NewSource(supplier, estimators)

	classifier := buildClassifier(cfg, reg, source, estimators, obs)

	// Audit trail and settlement.
	aggregator, err := accounting.NewAggregator(accounting.Config{
		UseSQLite: cfg.AuditDBPath != "",
		DBPath:    cfg.AuditDBPath,
	})
	if err != nil {
		logger.Fatal("failed to open audit store", "error", err, "path", cfg.AuditDBPath)
	}
	accountant := accounting.NewAccountant(aggregator, ledger, nil, logger)

	svc := dispatcher.New(dispatcher.Deps{
		Registry:   reg,
		Classifier: classifier,
		Selector:   selection.NewEngine(reg, ledger, breakers, selection.DefaultTierTable(), logger),
		Executor: &executor.Executor{
			Adapters:   source,
			Admission:  admission,
			Ledger:     ledger,
			Breakers:   breakers,
			Guard:      local.NewGuard(cfg.AttemptTimeout),
			Accountant: accountant,
			Logger:     logger,
			Metrics:    m,
		},
		Ledger:     ledger,
		Accountant: accountant,
		Admission:  admission,
		Breakers:   breakers,
		Throttle:   throttle,
		Tracer:     obs.GetTracer(),
		Logger:     logger,
		Metrics:    m,
	}, dispatcher.Options{})

	srv := httpserver.NewServer(":"+cfg.Port, svc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedCtx, schedCancel := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		scheduler.Start(schedCtx)
		close(schedDone)
	}()

	go pruneLoop(ctx, svc, cfg.TaskRetention, obs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("dispatch daemon started",
		"port", cfg.Port,
		"providers", reg.Len(),
		"classifier", cfg.Classifier,
		"budget_db", cfg.BudgetDBPath,
		"audit_db", cfg.AuditDBPath,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Drain in-flight tasks before closing the stores they settle into.
	if err := svc.Close(); err != nil {
		logger.Error("dispatcher close failed", "error", err)
	}

	schedCancel()
	<-schedDone
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("budget store close failed", "error", err)
		}
	}
	if err := accountant.Close(); err != nil {
		logger.Error("audit store close failed", "error", err)
	}

	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown failed", "error", err)
	}
	logger.Info("dispatch daemon stopped")
}

// buildClassifier assembles the classifier chain: heuristic or model-based
// per config, wrapped in an LRU+TTL cache when enabled.
func buildClassifier(cfg *Config, reg *registry.Registry, source *providers.Source, estimators *tokens.Registry, obs *observability.Manager) core.Classifier {
	logger := obs.GetLogger()

	var classifier core.Classifier = classify.NewHeuristicClassifier(estimators.For(""))

	if cfg.Classifier == "model" {
		p, err := reg.Get(cfg.ClassifierProvider)
		if err != nil {
			logger.Warn("classifier provider not in registry, using heuristic",
				"provider_id", cfg.ClassifierProvider, "error", err)
		} else if adapter, err := source.AdapterFor(p); err != nil {
			logger.Warn("classifier adapter unavailable, using heuristic",
				"provider_id", cfg.ClassifierProvider, "error", err)
		} else {
			classifier = classify.NewModelClassifier(adapter, estimators.For(p.ID), cfg.ClassifierTimeout)
		}
	}

	if cfg.ClassifyCacheSize > 0 {
		cc, err := cache.NewClassificationCache(&cache.Config{
			MaxSize:         cfg.ClassifyCacheSize,
			DefaultTTL:      cfg.ClassifyCacheTTL,
			CleanupInterval: time.Minute,
		})
		if err != nil {
			logger.Warn("classification cache disabled", "error", err)
			return classifier
		}
		classifier = classify.NewCachingClassifier(classifier, cc, obs.GetMetrics(), cfg.ClassifyCacheTTL)
	}

	return classifier
}

// pruneLoop drops finished tasks older than the retention window so the
// in-memory task table cannot grow without bound.
func pruneLoop(ctx context.Context, svc *dispatcher.Service, retention time.Duration, obs *observability.Manager) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := svc.PruneTasks(retention); removed > 0 {
				obs.GetLogger().Info("pruned finished tasks", "count", removed)
			}
		}
	}
}
