// Command kbcore-provision is the out-of-band operator tool for
// seeding fixed-size slot pools: C4-C6 engines never insert or
// delete slot rows themselves (spec.md §4.4 "Slot pool"), so pool
// sizing happens here, outside the core.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/glenn-edgar/kbcore/internal/dbconn"
	"github.com/glenn-edgar/kbcore/pkg/config"
	"github.com/glenn-edgar/kbcore/pkg/provision"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "path to a YAML config file overlaying the defaults")
		kb         = flag.String("kb", "", "kb name the pool belongs to (required)")
		path       = flag.String("path", "", "job/stream/server path, or client path for rpc-client (required)")
		pool       = flag.String("pool", "", "one of: job, stream, rpc-server, rpc-client (required)")
		count      = flag.Int("count", 0, "number of slots to provision (required, > 0)")
		staleOnly  = flag.Bool("list-stale-leases", false, "list active job leases at path older than -older-than instead of provisioning")
		olderThan  = flag.Duration("older-than", time.Hour, "lease age threshold for -list-stale-leases")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kbcore-provision: building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, *kb, *path, *pool, *count, *staleOnly, *olderThan, logger); err != nil {
		logger.Error("kbcore-provision failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath, kb, path, pool string, count int, staleOnly bool, olderThan time.Duration, logger *zap.Logger) error {
	if kb == "" || path == "" {
		return fmt.Errorf("-kb and -path are required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	handle, err := dbconn.Open(context.Background(), cfg.DSN, cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = handle.Close() }()

	ctx := context.Background()

	if staleOnly {
		stale, err := provision.ListStaleLeases(ctx, handle.DB, kb, path, time.Now().UTC().Add(-olderThan))
		if err != nil {
			return fmt.Errorf("listing stale leases: %w", err)
		}
		for _, lease := range stale {
			logger.Info("stale lease", zap.Int64("id", lease.ID), zap.String("path", lease.Path), zap.Time("started_at", lease.StartedAt))
		}
		logger.Info("stale lease scan complete", zap.Int("count", len(stale)))
		return nil
	}

	if count <= 0 {
		return fmt.Errorf("-count must be > 0 when not using -list-stale-leases")
	}

	switch pool {
	case "job":
		err = provision.ProvisionJobSlots(ctx, handle.DB, kb, path, count)
	case "stream":
		err = provision.ProvisionStreamSlots(ctx, handle.DB, kb, path, count)
	case "rpc-server":
		err = provision.ProvisionRPCServerSlots(ctx, handle.DB, kb, path, count)
	case "rpc-client":
		err = provision.ProvisionRPCClientSlots(ctx, handle.DB, kb, path, count)
	default:
		return fmt.Errorf("-pool must be one of job, stream, rpc-server, rpc-client, got %q", pool)
	}
	if err != nil {
		return fmt.Errorf("provisioning %s slots: %w", pool, err)
	}

	logger.Info("provisioned slots", zap.String("kb", kb), zap.String("path", path), zap.String("pool", pool), zap.Int("count", count))
	return nil
}
