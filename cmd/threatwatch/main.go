package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"threatwatch/internal/anomaly"
	"threatwatch/internal/api"
	"threatwatch/internal/broadcast"
	"threatwatch/internal/config"
	"threatwatch/internal/feed"
	"threatwatch/internal/identity"
	"threatwatch/internal/incident"
	"threatwatch/internal/ingest"
	"threatwatch/internal/inventory"
	"threatwatch/internal/logging"
	"threatwatch/internal/metrics"
	"threatwatch/internal/notify"
	"threatwatch/internal/pipeline"
	"threatwatch/internal/rules"
	"threatwatch/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config file")
	initConfig := flag.String("init-config", "", "write the default config to this path and exit")
	flag.Parse()

	if *initConfig != "" {
		if err := config.Save(*initConfig, config.DefaultConfig()); err != nil {
			fmt.Fprintf(os.Stderr, "init config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	mgr, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, mgr, logger); err != nil {
		logger.Error("threatwatch exited with error", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Manager, error) {
	if path != "" {
		return config.NewManager(config.ResolvePath(path))
	}
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = os.Getenv("THREATWATCH_JWT_SECRET")
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return config.NewStaticManager(cfg), nil
}

func run(ctx context.Context, mgr *config.Manager, logger *slog.Logger) error {
	cfg := mgr.Get()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	var rdb redis.UniversalClient
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	modelStore, err := newModelStore(cfg.Anomaly, store, rdb)
	if err != nil {
		return err
	}
	var anomalies *anomaly.Registry
	if cfg.Anomaly.Enabled {
		anomalies = anomaly.NewRegistry(anomaly.Options{
			BufferSize:    cfg.Anomaly.BufferSize,
			NumTrees:      cfg.Anomaly.NumTrees,
			SampleSize:    cfg.Anomaly.SampleSize,
			Contamination: cfg.Anomaly.Contamination,
			AsyncTraining: cfg.Anomaly.AsyncTraining,
		}, modelStore, logging.Component(logger, "anomaly"))
		defer anomalies.Close()
	}

	var locker incident.Locker
	if strings.EqualFold(cfg.Correlation.LockDriver, "redis") {
		locker = incident.NewRedisLocker(rdb, cfg.Correlation.LockTTL)
	}
	correlator := incident.NewCorrelator(store, locker, logging.Component(logger, "incident"))

	broadcaster := broadcast.New(cfg.Broadcast.QueueSize, logging.Component(logger, "broadcast"))
	defer broadcaster.Close()
	recent := feed.NewStore(cfg.Feed.StoreLimit)
	live := broadcast.Fanout{broadcaster, recent}
	relay := broadcast.NewRelay(live, cfg.Broadcast.RelayBuffer, logging.Component(logger, "relay"))
	metrics.RegisterBroadcast(reg, broadcaster.Subscribers, broadcaster.Dropped, relay.Dropped)

	var dispatcher *notify.Dispatcher
	if cfg.Notify.Enabled {
		sender, err := notify.NewWebhookSender(notify.WebhookConfig{
			URL:       cfg.Notify.WebhookURL,
			AuthToken: cfg.Notify.AuthToken,
			Timeout:   cfg.Notify.Timeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		dispatcher = notify.NewDispatcher(sender, cfg.Notify, m, logger)
	}

	deps := pipeline.Deps{
		Matcher:    rules.NewMatcher(store, pipeline.FallbackFrom(cfg.Detection), logging.Component(logger, "rules")),
		Correlator: correlator,
		Anomalies:  anomalies,
		Inventory:  inventory.NewStore(cfg.Inventory.StoreLimit, cfg.Inventory.OfflineAfter),
		Metrics:    m,
		Logger:     logger,
	}
	if dispatcher != nil {
		deps.Notifier = dispatcher
	}
	proc := pipeline.New(cfg, deps)

	var queue ingest.EventQueue
	if cfg.Ingest.Kafka.Publish {
		producer := ingest.NewProducer(cfg.Ingest.Kafka, logger)
		defer producer.Close()
		queue = producer
	}
	server := api.NewServer(api.Deps{
		Config:      mgr,
		Store:       store,
		Correlator:  correlator,
		Anomalies:   anomalies,
		Inventory:   deps.Inventory,
		Feed:        recent,
		Broadcaster: broadcaster,
		Live:        live,
		Ingest:      ingest.NewRESTHandler(mgr, proc, live, queue, m, logger),
		Verifier:    identity.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Gatherer:    reg,
		Logger:      logger,
		Version:     version,
	})
	consumer := ingest.NewConsumer(mgr, proc, relay, m, logger)

	logger.Info("threatwatch starting",
		"version", version,
		"storage", cfg.Storage.Driver,
		"anomaly", cfg.Anomaly.Enabled,
		"kafka", cfg.Ingest.Kafka.Enabled,
		"notify", cfg.Notify.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error {
		// Losing the durable path degrades ingest; it never stops the process.
		if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("kafka consumer stopped", "error", err)
		}
		return nil
	})
	if dispatcher != nil {
		g.Go(func() error { return dispatcher.Run(gctx) })
	}
	g.Go(func() error {
		mgr.Watch(3*time.Second, func(next *config.Config) {
			proc.UpdateConfig(next)
			logger.Info("config reloaded", "path", mgr.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "error", err)
		}, gctx.Done())
		return nil
	})

	err = g.Wait()
	logger.Info("threatwatch stopped")
	return err
}

func newModelStore(cfg config.AnomalyConfig, store storage.Store, rdb redis.UniversalClient) (anomaly.ModelStore, error) {
	switch strings.ToLower(cfg.ModelStore) {
	case "file":
		return anomaly.NewFileStore(cfg.ModelDir)
	case "redis":
		if rdb == nil {
			return nil, errors.New("anomaly.model_store redis needs redis.url")
		}
		return anomaly.NewRedisStore(rdb, "threatwatch:model:", 0), nil
	case "memory":
		return anomaly.NewMemoryStore(), nil
	default:
		return store.Models(), nil
	}
}
