package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"SimpleBet/internal/config"
	"SimpleBet/internal/core"
	"SimpleBet/internal/host"
	"SimpleBet/internal/observability"
	"SimpleBet/internal/persistence"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|import-legacy FILE|state>")
	fmt.Println("  up                  - apply all pending SQL migrations")
	fmt.Println("  down                - roll back the last SQL migration")
	fmt.Println("  import-legacy FILE  - store a legacy state payload into an empty state store")
	fmt.Println("  state               - upgrade a legacy state record to the current schema")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  SIMPLEBET_STORE          - memory | postgres | redis (default: memory)")
	fmt.Println("  SIMPLEBET_POSTGRES_DSN   - Postgres connection string")
	fmt.Println("  SIMPLEBET_REDIS_ADDR     - Redis address")
	fmt.Println("  SIMPLEBET_CONTRACT_ID    - contract account; state migration runs as this caller")
	fmt.Println("  SIMPLEBET_MIGRATIONS_DIR - path to migrations directory (default: migrations)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")
	cfg := config.Load()
	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "up", "down":
		err = runSQL(ctx, cfg, os.Args[1], logger)

	case "import-legacy":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		err = importLegacy(ctx, cfg, os.Args[2], logger)

	case "state":
		err = migrateState(ctx, cfg, logger)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		logger.Fatal().Err(err).Str("command", os.Args[1]).Msg("migrate failed")
	}
}

func runSQL(ctx context.Context, cfg config.Config, direction string, logger zerolog.Logger) error {
	db, err := persistence.OpenPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, os.DirFS(cfg.MigrationsDir), logger)
	if direction == "up" {
		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		logger.Info().Msg("all migrations applied")
		return nil
	}

	if err := migrator.Down(ctx); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	logger.Info().Msg("last migration rolled back")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (core.StateStore, func(), error) {
	var db *sql.DB
	if cfg.Store == config.StorePostgres {
		var err error
		db, err = persistence.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
	}

	store, closeStore, err := persistence.OpenStateStore(ctx, cfg.Store, cfg.ContractID.String(), db, cfg.RedisAddr)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, nil, err
	}
	return store, func() {
		closeStore()
		if db != nil {
			db.Close()
		}
	}, nil
}

func importLegacy(ctx context.Context, cfg config.Config, path string, logger zerolog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read legacy state: %w", err)
	}

	store, closeFn, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := core.ImportLegacyState(ctx, store, data); err != nil {
		return err
	}
	logger.Info().Str("file", path).Str("contract", cfg.ContractID.String()).Msg("legacy state imported")
	return nil
}

// migrateState runs the contract's migrate call through a short-lived engine.
func migrateState(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	store, closeFn, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	chain := host.NewLocalChain(cfg.StartHeight, cfg.BlockInterval, logger)
	engine := core.NewEngine(store, chain, host.NewTransferLog(logger), core.OwnerAuthorizer{Owner: cfg.ContractID},
		nil, nil, nil, logger)

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	go engine.Run(runCtx)

	if err := engine.Migrate(runCtx, cfg.ContractID); err != nil {
		return err
	}
	logger.Info().Str("contract", cfg.ContractID.String()).Msg("state migrated")
	return nil
}
