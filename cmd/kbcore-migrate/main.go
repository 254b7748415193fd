// Command kbcore-migrate applies (or reports) the fabric's bootstrap
// schema migrations via internal/schema, against the pgx stdlib
// driver configured by pkg/config (spec.md §1.1 domain stack: goose
// for schema bootstrap).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/internal/schema"
	"github.com/glenn-edgar/kbcore/pkg/config"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "path to a YAML config file overlaying the defaults")
		statusOnly = flag.Bool("status", false, "report the applied migration version without applying anything")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kbcore-migrate: building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, *statusOnly, logger); err != nil {
		logger.Error("kbcore-migrate failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath string, statusOnly bool, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	driverName, err := cfg.RegisterDriverName()
	if err != nil {
		return fmt.Errorf("registering driver: %w", err)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(context.Background()); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	if statusOnly {
		version, err := schema.BootstrapStatus(db)
		if err != nil {
			return fmt.Errorf("checking migration status: %w", err)
		}
		logger.Info("bootstrap migration status", zap.Int64("version", version))
		return nil
	}

	if err := schema.Bootstrap(db); err != nil {
		return fmt.Errorf("applying bootstrap migrations: %w", err)
	}
	logger.Info("bootstrap migrations applied")
	return nil
}
