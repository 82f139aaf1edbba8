// Package bootstrap builds the logger and storage backend shared by the commands.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"tollgate/internal/config"
	"tollgate/internal/repository/memory"
	"tollgate/internal/repository/postgres"
	postgresBilling "tollgate/internal/repository/postgres/billing"
	postgresLLM "tollgate/internal/repository/postgres/llm"
	serviceLLM "tollgate/internal/service/llm"
)

const maxLogFiles = 10

// NewLogger returns a JSON logger on stdout, teed to a timestamped file when LOG_DIR is set.
// The returned close function must be called on shutdown.
func NewLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	logLevel := slog.LevelInfo
	if cfg.Environment == "dev" {
		logLevel = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.LogDir != "" {
		f, err := config.SetupLogFile(cfg.LogDir, maxLogFiles)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		closeFn = func() { f.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: logLevel}))
	return logger, closeFn, nil
}

// OpenRepositories connects the configured storage backend.
// For postgres the schema is migrated when migrate is true.
func OpenRepositories(ctx context.Context, cfg *config.Config, migrate bool, logger *slog.Logger) (serviceLLM.Repositories, func(), error) {
	if cfg.Storage == config.StorageMemory {
		store := memory.NewStore()
		logger.Warn("using in-memory storage - data is lost on restart")
		return serviceLLM.Repositories{
			Conversations: store,
			Nodes:         store,
			Balances:      store,
			Tx:            store,
		}, func() {}, nil
	}

	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return serviceLLM.Repositories{}, nil, fmt.Errorf("create connection pool: %w", err)
	}

	tables := postgres.NewTableNames(cfg.TablePrefix)
	if migrate {
		if err := postgres.Migrate(ctx, pool, tables); err != nil {
			pool.Close()
			return serviceLLM.Repositories{}, nil, err
		}
		logger.Info("schema migrated", "table_prefix", cfg.TablePrefix)
	}

	repoConfig := &postgres.RepositoryConfig{
		Pool:   pool,
		Tables: tables,
		Logger: logger,
	}

	logger.Info("database connected", "table_prefix", cfg.TablePrefix)

	return serviceLLM.Repositories{
		Conversations: postgresLLM.NewConversationRepository(repoConfig),
		Nodes:         postgresLLM.NewNodeRepository(repoConfig),
		Balances:      postgresBilling.NewBalanceRepository(repoConfig),
		Tx:            postgres.NewTransactionManager(pool, logger),
	}, pool.Close, nil
}

// MigrateOnly applies the postgres schema without building repositories
func MigrateOnly(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Storage != config.StoragePostgres {
		return fmt.Errorf("migrate requires STORAGE=%s", config.StoragePostgres)
	}
	_, closeFn, err := OpenRepositories(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	closeFn()
	return nil
}
