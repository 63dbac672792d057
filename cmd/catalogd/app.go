package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joylabs/catalogd/internal/catalog"
	"github.com/joylabs/catalogd/internal/catalogstore"
	"github.com/joylabs/catalogd/internal/catalogsync"
	"github.com/joylabs/catalogd/internal/config"
	"github.com/joylabs/catalogd/internal/events"
	"github.com/joylabs/catalogd/internal/httpapi"
	"github.com/joylabs/catalogd/internal/imagecache"
	"github.com/joylabs/catalogd/internal/remote"
	"github.com/joylabs/catalogd/internal/search"
	"github.com/joylabs/catalogd/internal/telemetry"
	"github.com/joylabs/catalogd/internal/webhook"
)

// app holds the wired components. Fields stay nil for parts a command does
// not need; close tolerates that.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  telemetry.Metrics
	bus      *events.Bus

	store       *catalogstore.Store
	service     *catalogsync.Service
	coordinator *catalogsync.Coordinator
	ingestor    *webhook.Ingestor
	images      *imagecache.Cache
	index       *search.Index

	periodicMu     sync.Mutex
	stopPeriodic   context.CancelFunc
	periodicWG     sync.WaitGroup
	periodicConfig config.SyncConfig
}

func newApp(cfg config.Config, logger *zap.Logger) *app {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  telemetry.NewPrometheusMetrics(registry),
		bus:      events.NewBus(),
	}
}

func (a *app) openStore(ctx context.Context) error {
	store, err := catalogstore.Open(ctx, a.cfg.Store.DSN, catalogstore.Options{Logger: a.logger.Named("store")})
	if err != nil {
		return fmt.Errorf("open catalog store: %w", err)
	}
	a.store = store
	return nil
}

func objectTypes(raw []string) ([]catalog.ObjectType, error) {
	out := make([]catalog.ObjectType, 0, len(raw))
	for _, name := range raw {
		t, ok := catalog.ParseObjectType(name)
		if !ok {
			return nil, fmt.Errorf("remote.types: unknown object type %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}

func (a *app) buildSync() error {
	if err := a.cfg.RequireRemote(); err != nil {
		return err
	}
	types, err := objectTypes(a.cfg.Remote.Types)
	if err != nil {
		return err
	}
	client := remote.NewHTTPClient(a.cfg.Remote.BaseURL, a.cfg.Remote.Token, &http.Client{Timeout: a.cfg.Remote.Timeout})
	service, err := catalogsync.NewService(a.store, client, catalogsync.Options{
		Logger:  a.logger.Named("sync"),
		Metrics: a.metrics,
		Events:  a.bus,
		Backoff: catalogsync.Backoff{
			Base:        a.cfg.Sync.RetryBase,
			Factor:      a.cfg.Sync.RetryFactor,
			MaxDelay:    a.cfg.Sync.RetryMaxDelay,
			MaxAttempts: a.cfg.Sync.MaxAttempts,
		},
		FetchTimeout: a.cfg.Sync.FetchTimeout,
		PageSize:     a.cfg.Remote.PageSize,
		Types:        types,
	})
	if err != nil {
		return fmt.Errorf("build sync service: %w", err)
	}
	a.service = service
	a.coordinator = catalogsync.NewCoordinator(service, catalogsync.CoordinatorOptions{Logger: a.logger.Named("coordinator")})
	return nil
}

func (a *app) buildIngestor() error {
	queue, err := webhook.BuildQueueFromDSN(a.cfg.Webhook.QueueDSN, a.cfg.Webhook.QueueSize)
	if err != nil {
		return fmt.Errorf("build webhook queue: %w", err)
	}
	ingestor, err := webhook.NewIngestor(a.service, a.coordinator, webhook.Options{
		Logger:           a.logger.Named("webhook"),
		Metrics:          a.metrics,
		Queue:            queue,
		Workers:          a.cfg.Webhook.Workers,
		DedupeWindow:     a.cfg.Webhook.DedupeWindow,
		DedupeMaxEntries: a.cfg.Webhook.DedupeMaxEntries,
		RequeueDelay:     a.cfg.Webhook.RequeueDelay,
	})
	if err != nil {
		return fmt.Errorf("build webhook ingestor: %w", err)
	}
	a.ingestor = ingestor
	return nil
}

func (a *app) buildImages() error {
	cache, err := imagecache.Open(filepath.Clean(a.cfg.Images.Dir), imagecache.Options{
		Logger:       a.logger.Named("images"),
		Metrics:      a.metrics,
		Events:       a.bus,
		MaxBytes:     a.cfg.Images.MaxBytes,
		Concurrency:  a.cfg.Images.Concurrency,
		FetchTimeout: a.cfg.Images.FetchTimeout,
	})
	if err != nil {
		return fmt.Errorf("open image cache: %w", err)
	}
	a.images = cache
	return nil
}

func (a *app) buildSearch() error {
	index, err := search.NewIndex(a.store, search.Options{
		Logger:       a.logger.Named("search"),
		Metrics:      a.metrics,
		QuietPeriod:  a.cfg.Search.QuietPeriod,
		PageSize:     a.cfg.Search.PageSize,
		CacheEntries: a.cfg.Search.CacheEntries,
	})
	if err != nil {
		return fmt.Errorf("build search index: %w", err)
	}
	a.index = index
	return nil
}

func (a *app) httpHandler() http.Handler {
	deps := httpapi.Dependencies{
		Search:  a.index,
		Stats:   a.store,
		Metrics: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	}
	// Assigned individually so a missing component stays a nil interface.
	if a.coordinator != nil {
		deps.Sync = a.coordinator
	}
	if a.ingestor != nil {
		deps.Webhooks = a.ingestor
	}
	if a.images != nil {
		deps.Images = a.images
	}
	return httpapi.NewServer(deps, httpapi.ServerConfig{
		SignatureKey:      a.cfg.Webhook.SignatureKey,
		NotificationURL:   a.cfg.Webhook.NotificationURL,
		AdminToken:        a.cfg.HTTP.AdminToken,
		RateLimitMax:      a.cfg.HTTP.RateLimitRPM,
		TrustForwardedFor: a.cfg.HTTP.TrustForwardedFor,
		MaxBodyBytes:      a.cfg.HTTP.MaxBodyBytes,
		Logger:            a.logger.Named("http"),
	})
}

// startPeriodic (re)starts the incremental schedule when its settings
// changed. It is a no-op without a coordinator.
func (a *app) startPeriodic(ctx context.Context, cfg config.SyncConfig) {
	if a.coordinator == nil {
		return
	}
	a.periodicMu.Lock()
	defer a.periodicMu.Unlock()
	if a.stopPeriodic != nil {
		if a.periodicConfig.IncrementalInterval == cfg.IncrementalInterval && a.periodicConfig.IntervalJitter == cfg.IntervalJitter {
			return
		}
		a.stopPeriodic()
		a.periodicWG.Wait()
	}
	periodicCtx, cancel := context.WithCancel(ctx)
	a.stopPeriodic = cancel
	a.periodicConfig = cfg
	a.periodicWG.Add(1)
	go func() {
		defer a.periodicWG.Done()
		a.coordinator.RunPeriodic(periodicCtx, cfg.IncrementalInterval, cfg.IntervalJitter)
	}()
	a.logger.Info("periodic incremental sync scheduled",
		zap.Duration("interval", cfg.IncrementalInterval),
		zap.Float64("jitter", cfg.IntervalJitter),
	)
}

// applyConfig carries the settings that can change without a restart.
func (a *app) applyConfig(ctx context.Context, atom zap.AtomicLevel, previous, next config.Config) {
	if config.ApplyLevel(atom, next.Log) {
		a.logger.Info("log level changed", zap.String("level", next.Log.Level))
	}
	if a.index != nil && previous.Search.QuietPeriod != next.Search.QuietPeriod {
		a.index.SetQuietPeriod(next.Search.QuietPeriod)
	}
	a.startPeriodic(ctx, next.Sync)
}

func (a *app) close() error {
	a.periodicMu.Lock()
	if a.stopPeriodic != nil {
		a.stopPeriodic()
	}
	a.periodicMu.Unlock()
	a.periodicWG.Wait()

	var errs []error
	if a.ingestor != nil {
		errs = append(errs, a.ingestor.Close())
	}
	if a.coordinator != nil {
		a.coordinator.Close()
	}
	if a.images != nil {
		errs = append(errs, a.images.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
