package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"industrial-sentinel/internal/api"
	"industrial-sentinel/internal/bus"
	"industrial-sentinel/internal/config"
	"industrial-sentinel/internal/fanout"
	"industrial-sentinel/internal/ingest"
	"industrial-sentinel/internal/metrics"
	"industrial-sentinel/internal/queue"
	"industrial-sentinel/internal/rules"
	"industrial-sentinel/internal/storage"
	"industrial-sentinel/internal/storage/memstore"
	"industrial-sentinel/internal/storage/sqlstore"
)

type store interface {
	ingest.Committer
	api.IncidentLister
	api.Pinger
}

func main() {
	cfg, err := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalog, err := loadCatalog(cfg.RulesPath)
	if err != nil {
		logger.Error("failed to load rule catalog", slog.String("path", cfg.RulesPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	active := rules.NewActive(catalog)
	logger.Info("rule catalog loaded", slog.Int("rules", catalog.Len()), slog.Any("sensor_types", catalog.SensorTypes()))

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", slog.String("driver", cfg.StoreDriver), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	hub := fanout.NewHub(cfg.RecentIncidents, cfg.ObserverBuffer, m)
	defer hub.Close()
	if err := hub.Warm(ctx, st); err != nil {
		logger.Warn("failed to load recent incidents", slog.String("error", err.Error()))
	}

	var (
		nc       *nats.Conn
		notifier ingest.Notifier
	)
	nc, err = bus.Connect(cfg.NATSURL, "industrial-sentinel")
	switch {
	case err != nil && cfg.QueueEnabled:
		logger.Error("failed to connect to nats", slog.String("error", err.Error()))
		os.Exit(1)
	case err != nil:
		logger.Warn("nats unavailable, incident events disabled", slog.String("error", err.Error()))
		nc = nil
	default:
		publisher := bus.NewPublisher(nc, cfg.IncidentSubject)
		defer publisher.Close() //nolint:errcheck
		notifier = publisher
	}

	retry := ingest.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryAttempts
	gw := ingest.New(active, st, hub, ingest.Options{
		Retry:            retry,
		CommitTimeout:    cfg.CommitTimeout,
		MaxClockSkew:     cfg.MaxClockSkew,
		BatchConcurrency: cfg.BatchConcurrency,
		Notifier:         notifier,
		Metrics:          m,
		Logger:           logger,
	})

	consumerDone := make(chan struct{})
	if cfg.QueueEnabled && nc != nil {
		qcfg := queue.Config{
			Stream:            cfg.QueueStream,
			Subject:           cfg.QueueSubject,
			Consumer:          cfg.QueueConsumer,
			DeadLetterSubject: cfg.QueueDeadLetterSubject,
			BatchSize:         cfg.QueueBatchSize,
			MaxDeliver:        cfg.QueueMaxDeliver,
			AckWait:           cfg.QueueAckWait,
		}
		js, err := jetstream.New(nc)
		if err != nil {
			logger.Error("failed to open jetstream", slog.String("error", err.Error()))
			os.Exit(1)
		}
		source, err := queue.Setup(ctx, js, qcfg)
		if err != nil {
			logger.Error("failed to set up telemetry stream", slog.String("error", err.Error()))
			os.Exit(1)
		}
		consumer := queue.NewConsumer(source, gw, js, qcfg, m, logger)
		go func() {
			defer close(consumerDone)
			logger.Info("queue consumer started", slog.String("stream", qcfg.Stream), slog.String("consumer", qcfg.Consumer))
			if err := consumer.Run(ctx); err != nil {
				logger.Error("queue consumer stopped", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(consumerDone)
	}

	var limiter *rate.Limiter
	if cfg.IngestRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.IngestRateLimit), cfg.IngestRateBurst)
	}
	handler := &api.Handler{
		Gateway:   gw,
		Incidents: st,
		Hub:       hub,
		Health:    st,
		Limiter:   limiter,
		Metrics:   m,
		Gatherer:  reg,
		Timeout:   10 * time.Second,
		Logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go watchReload(cfg.RulesPath, active, logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		cancel()
		ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("sentinel listening", slog.String("port", cfg.Port), slog.String("store", cfg.StoreDriver))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
	}
	cancel()
	<-consumerDone
}

func loadCatalog(path string) (*rules.Catalog, error) {
	if path == "" {
		return rules.DefaultCatalog(), nil
	}
	return rules.LoadCatalog(path)
}

// watchReload swaps in a freshly loaded catalog on SIGHUP. A catalog that
// fails to load leaves the current one in force.
func watchReload(path string, active *rules.Active, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	for range hup {
		if path == "" {
			logger.Info("no RULES_PATH configured, keeping built-in catalog")
			continue
		}
		catalog, err := rules.LoadCatalog(path)
		if err != nil {
			logger.Error("rule catalog reload failed", slog.String("error", err.Error()))
			continue
		}
		active.Replace(catalog)
		logger.Info("rule catalog reloaded", slog.Int("rules", catalog.Len()))
	}
}

func openStore(ctx context.Context, cfg config.Config) (store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return memstore.New(), func() {}, nil
	case "pgx":
		s, err := storage.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres", "mysql", "sqlserver":
		s, err := sqlstore.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}
