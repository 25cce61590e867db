package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"perpvault/internal/config"
	"perpvault/internal/custody"
	"perpvault/internal/event"
	"perpvault/internal/observability"
	"perpvault/internal/oracle"
	"perpvault/internal/persistence"
	"perpvault/internal/product"
	"perpvault/internal/projection"
	"perpvault/internal/publisher"
	"perpvault/internal/query"
	"perpvault/internal/server"
	"perpvault/internal/trading"
	"perpvault/internal/vault"
)

// settleInterval is how often the keeper loop sweeps pending orders.
const settleInterval = 2 * time.Second

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := observability.NewLoggerWithLevel("perpvault", level)
	log.Info().Msg("perpvault starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- NATS ---
	nc, js, err := publisher.Connect(cfg.NATS.URL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := publisher.EnsureStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure event stream")
	}
	if err := oracle.EnsureStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure price stream")
	}

	// --- Oracle feed ---
	priceStore := oracle.NewStore(cfg.Oracle.MaxPriceAge)
	feed := oracle.NewFeedSubscriber(js, priceStore, observability.NewLoggerWithLevel("oracle", level))
	if err := feed.Subscribe(ctx); err != nil {
		log.Fatal().Err(err).Msg("subscribe price feed")
	}

	// --- Engine ---
	engineOut := make(chan event.Envelope, cfg.Persistence.ChannelSize)
	engine := trading.NewEngine(
		product.NewRegistry(),
		vault.NewRegistry(),
		custody.NewLedger(),
		priceStore,
		engineOut,
		observability.NewLoggerWithLevel("engine", level),
		metrics,
	)

	if cfg.App.AdminID != "" {
		admin, err := uuid.Parse(cfg.App.AdminID)
		if err != nil {
			log.Fatal().Err(err).Msg("parse admin id")
		}
		engine.SetAdmin(admin)
	}

	reader := persistence.NewEventLogReader(db)
	lastSeq, err := reader.GetLatestSequence(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load last sequence")
	}
	engine.ResumeSequence(lastSeq)
	log.Info().Int64("sequence", lastSeq).Msg("event sequence resumed")

	// --- Pipeline ---
	// Engine output is written to Postgres first, then fanned out. The
	// persist channel applies backpressure to the engine, the projection
	// channel drops under load because projections rebuild from the log.
	forwardChan := make(chan event.Envelope, cfg.Persistence.ChannelSize)
	publishChan := make(chan event.Envelope, cfg.Persistence.ChannelSize)
	projectionChan := make(chan event.Envelope, cfg.Persistence.ChannelSize)

	persistWorker := persistence.NewWorker(
		db, engineOut, forwardChan,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout,
		observability.NewLoggerWithLevel("persistence", level), metrics,
	)
	projWorker := projection.NewWorker(db, projectionChan, observability.NewLoggerWithLevel("projection", level))
	pub := publisher.NewPublisher(js, publishChan, observability.NewLoggerWithLevel("publisher", level), metrics)

	errChan := make(chan error, 8)

	go func() { errChan <- persistWorker.Run(ctx) }()
	go func() { errChan <- projWorker.Run(ctx) }()
	go func() { errChan <- pub.Run(ctx) }()
	go fanOut(ctx, forwardChan, publishChan, projectionChan, log)
	go settleLoop(ctx, engine)

	// --- API ---
	queryService := query.NewService(engine, reader, observability.NewLoggerWithLevel("query", level), metrics)
	srv := server.New(
		fmt.Sprintf(":%d", cfg.App.GRPCPort),
		fmt.Sprintf(":%d", cfg.App.HTTPPort),
		queryService.Router(),
		healthChecker,
		log,
	)
	go func() { errChan <- srv.ServeGRPC(ctx) }()
	go func() { errChan <- srv.ServeHTTP(ctx) }()

	// --- Metrics server ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.App.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Int("port", cfg.App.MetricsPort).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	srv.SetServing(true)
	log.Info().
		Int("http_port", cfg.App.HTTPPort).
		Int("grpc_port", cfg.App.GRPCPort).
		Int("metrics_port", cfg.App.MetricsPort).
		Msg("perpvault ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("worker failed, shutting down")
	}

	healthChecker.SetReady(false)
	srv.SetServing(false)
	cancel()
	feed.Stop()

	// The persistence worker makes one final flush attempt on cancel.
	time.Sleep(500 * time.Millisecond)
	log.Info().Msg("perpvault shutdown complete")
}

// fanOut copies durably persisted envelopes to the publisher and the
// projection worker. The publisher send blocks, the projection send
// drops: projection tables are a cache over the event log.
func fanOut(
	ctx context.Context,
	in <-chan event.Envelope,
	publish chan<- event.Envelope,
	project chan<- event.Envelope,
	log zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			select {
			case publish <- env:
			case <-ctx.Done():
				return
			}
			select {
			case project <- env:
			default:
				log.Warn().Int64("sequence", env.Sequence).Msg("projection channel full, dropping")
			}
		}
	}
}

// settleLoop sweeps delayed-settlement orders whose window has passed.
func settleLoop(ctx context.Context, engine *trading.Engine) {
	ticker := time.NewTicker(settleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due := engine.CanSettlePositions(engine.PendingOrders())
			if len(due) > 0 {
				engine.SettlePositions(due)
			}
		}
	}
}
