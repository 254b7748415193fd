// Package config loads the fabric's database, pool, and retry tuning
// from a YAML file, with the DSN overridable by the KBCORE_DSN
// environment variable.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gopkg.in/yaml.v3"

	"github.com/glenn-edgar/kbcore/pkg/retry"
)

// Config is the fabric's top-level configuration.
type Config struct {
	DSN           string        `yaml:"dsn"`
	MaxConns      int           `yaml:"max_conns"`
	MinConns      int           `yaml:"min_conns"`
	RetryMax      int           `yaml:"retry_max"`
	RetryBaseMS   int           `yaml:"retry_base_ms"`
	RetryMaxMS    int           `yaml:"retry_max_ms"`
}

// Default returns the fabric's baseline configuration: a local dev
// DSN, a modest pool, and spec.md §4.4/§5's default retry policy
// (3 retries, 8s cap).
func Default() Config {
	return Config{
		DSN:         "host=localhost port=5432 dbname=kbcore user=kbcore sslmode=disable",
		MaxConns:    10,
		MinConns:    1,
		RetryMax:    3,
		RetryBaseMS: 50,
		RetryMaxMS:  8000,
	}
}

// Load reads a YAML file at path (if it exists) over Default, then
// replaces DSN with KBCORE_DSN when that variable is set. No other
// field is read from the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if v := os.Getenv("KBCORE_DSN"); v != "" {
		cfg.DSN = v
	}
	return cfg, nil
}

// RetryPolicy converts the tuning fields into a retry.Policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.RetryMax,
		BaseDelay:  time.Duration(c.RetryBaseMS) * time.Millisecond,
		MaxDelay:   time.Duration(c.RetryMaxMS) * time.Millisecond,
	}
}

// RegisterDriverName parses c.DSN into a *pgx.ConnConfig, forces
// QueryExecModeDescribeExec rather than pgx's default
// QueryExecModeCacheStatement, and registers it with the pgx stdlib
// driver, returning the driver name sql.Open expects.
//
// The cache-statement mode pins prepared plans to the schema that
// existed when the statement was first prepared; a goose migration
// applied against the schema while a long-lived pool is still serving
// traffic then produces "cached plan must not change result type"
// errors. DescribeExec re-describes parameter OIDs on every call
// (needed to encode JSONB payloads correctly) without caching the
// plan.
func (c Config) RegisterDriverName() (string, error) {
	connCfg, err := pgx.ParseConfig(c.DSN)
	if err != nil {
		return "", fmt.Errorf("config: parsing DSN: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec
	return stdlib.RegisterConnConfig(connCfg), nil
}

