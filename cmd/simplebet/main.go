package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"SimpleBet/internal/config"
	"SimpleBet/internal/core"
	"SimpleBet/internal/host"
	"SimpleBet/internal/observability"
	"SimpleBet/internal/persistence"
	"SimpleBet/internal/publish"
	"SimpleBet/internal/server"
)

func main() {
	logger := observability.NewLogger("simplebet")
	logger.Info().Msg("SimpleBet starting")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres (state store and/or bet history) ---
	var db *sql.DB
	if cfg.Store == config.StorePostgres {
		var err error
		db, err = persistence.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres")
		}
		defer db.Close()
		logger.Info().Msg("Postgres connected")

		migrator := persistence.NewMigrator(db, os.DirFS(cfg.MigrationsDir), logger)
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Msg("migrations applied")
	}

	store, closeStore, err := persistence.OpenStateStore(ctx, cfg.Store, cfg.ContractID.String(), db, cfg.RedisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("open state store")
	}
	defer closeStore()
	logger.Info().Str("store", cfg.Store).Msg("state store ready")

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	// --- Host ---
	chain := host.NewLocalChain(cfg.StartHeight, cfg.BlockInterval, logger.With().Str("component", "chain").Logger())
	transfers := host.NewTransferLog(logger.With().Str("component", "transfers").Logger())

	// --- Channels ---
	// The persist channel blocks (backpressure), the publish channel drops.
	var (
		persistChan chan core.CoreOutput
		publishChan chan core.CoreOutput
	)
	if cfg.HistoryEnabled() {
		persistChan = make(chan core.CoreOutput, cfg.PersistChanSize)
	}

	sinks := openSinks(ctx, cfg, logger)
	if len(sinks) > 0 {
		publishChan = make(chan core.CoreOutput, cfg.PublishChanSize)
	}

	engine := core.NewEngine(
		store,
		chain,
		transfers,
		core.OwnerAuthorizer{Owner: cfg.ContractID},
		persistChan,
		publishChan,
		metrics,
		logger.With().Str("component", "engine").Logger(),
	)

	api, err := server.NewAPI(engine, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build API")
	}
	srv := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		API:           api,
		HealthChecker: healthChecker,
		Logger:        logger,
	})
	metricsServer := observability.NewMetricsServer(cfg.MetricsAddr, reg, healthChecker)

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// Workers outlive ctx so they can drain what the engine emitted before it stopped.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup

	// 1. Engine
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("engine: %w", err)
		}
	}()

	// 2. Local chain
	go chain.Run(ctx)

	// 3. Persistence worker
	if persistChan != nil {
		worker := persistence.NewPostgresWorker(db, cfg.ContractID.String(), persistChan,
			cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			worker.Run(workerCtx)
		}()
	}

	// 4. Outbound publisher
	var publisher *publish.Publisher
	if publishChan != nil {
		publisher = publish.NewPublisher(publishChan, sinks, metrics, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			publisher.Run(workerCtx)
		}()
	}

	// 5. gRPC server
	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()

	// 6. HTTP/JSON API
	go func() {
		errChan <- srv.StartHTTP(ctx)
	}()

	// 7. Prometheus metrics server
	go func() {
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// 8. Channel utilization sampler
	go sampleChannels(ctx, metrics, persistChan, publishChan)

	// --- Genesis and recovery ---
	if err := applyGenesis(ctx, engine, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("genesis")
	}
	recovered, err := engine.Recover(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("recover pending bets")
	}
	if recovered > 0 {
		logger.Info().Int("tickets", recovered).Msg("requeued pending bets")
	}

	healthChecker.SetReady(true)
	logger.Info().
		Str("contract", cfg.ContractID.String()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("SimpleBet ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop the engine first so nothing sends on the output channels once they close.
	healthChecker.SetReady(false)
	cancel()
	<-engineDone

	if persistChan != nil {
		close(persistChan)
	}
	if publishChan != nil {
		close(publishChan)
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not drain in time")
		workerCancel()
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn().Err(err).Msg("close publisher")
		}
	}

	logger.Info().Msg("SimpleBet shutdown complete")
}

// applyGenesis initializes an empty store from the genesis file, if one is configured.
func applyGenesis(ctx context.Context, engine *core.Engine, cfg config.Config, logger zerolog.Logger) error {
	if cfg.GenesisFile == "" {
		return nil
	}
	genesis, err := config.LoadGenesis(cfg.GenesisFile)
	if err != nil {
		return err
	}

	err = engine.Initialize(ctx, cfg.ContractID, genesis)
	switch {
	case errors.Is(err, core.ErrAlreadyInitialized):
		logger.Info().Msg("state exists, genesis skipped")
		return nil
	case err != nil:
		return err
	}
	logger.Info().Str("file", cfg.GenesisFile).Msg("contract initialized from genesis")
	return nil
}

// openSinks connects every configured event sink. A sink that cannot be reached
// is logged and skipped; publishing is best effort.
func openSinks(ctx context.Context, cfg config.Config, logger zerolog.Logger) []publish.Sink {
	var sinks []publish.Sink

	if cfg.NATSURL != "" {
		nc, js, err := publish.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("NATS unavailable, sink disabled")
		} else if err := publish.EnsureStream(ctx, js, logger); err != nil {
			logger.Warn().Err(err).Msg("NATS stream unavailable, sink disabled")
			nc.Close()
		} else {
			sinks = append(sinks, publish.NewJetStreamSink(nc, js))
			logger.Info().Msg("NATS connected")
		}
	}

	if cfg.KafkaBrokers != "" {
		sinks = append(sinks, publish.NewKafkaSink(publish.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)))
		logger.Info().Str("topic", cfg.KafkaTopic).Msg("Kafka sink enabled")
	}
	return sinks
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, persistChan, publishChan chan core.CoreOutput) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if persistChan != nil {
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
			}
			if publishChan != nil {
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			}
		}
	}
}
