package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"homehealth/services/staff-tracker/internal/auth"
	"homehealth/services/staff-tracker/internal/clients"
	"homehealth/services/staff-tracker/internal/config"
	"homehealth/services/staff-tracker/internal/events"
	httpserver "homehealth/services/staff-tracker/internal/http"
	"homehealth/services/staff-tracker/internal/infra/db"
	"homehealth/services/staff-tracker/internal/infra/kafka"
	"homehealth/services/staff-tracker/internal/metrics"
	"homehealth/services/staff-tracker/internal/outbox"
	"homehealth/services/staff-tracker/internal/poller"
	"homehealth/services/staff-tracker/internal/session"
	"homehealth/services/staff-tracker/internal/store"
	whub "homehealth/services/staff-tracker/internal/websocket"
)

func main() {
	if os.Getenv("BP_CMD_TEST") == "1" {
		return
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogger()
	shutdown := setupOTLP(cfg)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPgxPool(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		slog.Error("failed to connect to DB", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	if err := outbox.EnsureSchema(ctx, pool); err != nil {
		slog.Error("failed to ensure outbox schema", "error", err)
		os.Exit(1)
	}

	api := clients.NewLocationAPI(clients.NewServiceClient(&http.Client{Timeout: cfg.Upstream.Timeout}, cfg.Upstream.BaseURL))
	patients := clients.NewCachedPatientLocator(store.NewPatientLocations(pool, cfg.Tracking.PatientCacheTTL), api)

	hub := whub.NewHub(store.NewWebsocketSessions(pool))
	go hub.Run(ctx)

	manager := session.NewManager(ctx, session.Deps{
		Staff:       api,
		Patients:    patients,
		Recorder:    store.NewSnapshots(pool, cfg.Kafka.UpdatesTopic),
		Broadcaster: hub,
		Intervals: poller.Intervals{
			Moving:     cfg.Tracking.MovingInterval,
			ActiveTrip: cfg.Tracking.ActiveTripInterval,
			NoTrip:     cfg.Tracking.NoTripInterval,
		},
		FetchTimeout:   cfg.Tracking.FetchTimeout,
		PatientTimeout: cfg.Tracking.PatientTimeout,
	})

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Timeout)
	go outbox.StartPublisher(ctx, pool, producer)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, []string{cfg.Kafka.TripEventsTopic}, cfg.Kafka.Timeout)
	trips := events.NewTripEvents(manager, store.NewProcessedEvents(pool))
	consumer.Start(ctx, trips.HandleEvent)

	var validator *auth.Validator
	if cfg.Auth.HS256Secret != "" {
		validator = auth.NewValidator(cfg.Auth.HS256Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
	} else {
		slog.Warn("auth secret not set, tracking endpoints are unauthenticated")
	}

	mux := http.NewServeMux()
	metrics.Init(mux)
	metrics.StartGauges(ctx, pool)
	httpserver.NewServer(pool, validator, manager, hub).Routes(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("starting staff-tracker", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	slog.Info("shutting down gracefully...")

	// Sessions first so no poll lands after viewers are gone.
	manager.Shutdown()
	sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	cancel()
	if err := consumer.Close(); err != nil {
		slog.Error("consumer close failed", "error", err)
	}
	if err := producer.Close(); err != nil {
		slog.Error("producer close failed", "error", err)
	}
	slog.Info("server stopped")
}

func setupLogger() {
	host, _ := os.Hostname()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("service", "staff-tracker", "host", host)
	slog.SetDefault(logger)
}

func setupOTLP(cfg *config.Config) func() {
	if cfg.OTLP.Endpoint == "" {
		slog.Warn("OTLP endpoint not set, tracing disabled")
		return func() {}
	}
	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(cfg.OTLP.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		slog.Error("failed to create OTLP exporter", "error", err)
		return func() {}
	}
	res, _ := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("staff-tracker"),
		),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}
}
