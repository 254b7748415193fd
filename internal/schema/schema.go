// Package schema bootstraps the fabric's fixed system tables (via
// goose, spec.md §1.1 domain stack) and the per-kb table family
// spec.md §6 describes ("<kb>", "<kb>_info", "<kb>_link",
// "<kb>_link_mount", "<kb>_job", "<kb>_stream", "<kb>_rpc_server",
// "<kb>_rpc_client"). Table names are dynamic per kb, so the per-kb
// family is rendered from a Go template and executed directly on the
// *sqlx.DB handle rather than through goose's static migration
// numbering.
package schema

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Bootstrap applies the fixed goose migrations (extensions, the kb
// registry bookkeeping table) against db, a *sql.DB opened with the
// pgx stdlib driver.
func Bootstrap(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("schema: setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("schema: applying bootstrap migrations: %w", err)
	}
	return nil
}

// BootstrapStatus reports the applied migration version without
// mutating state, for health checks.
func BootstrapStatus(db *sql.DB) (int64, error) {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, fmt.Errorf("schema: setting goose dialect: %w", err)
	}
	return goose.GetDBVersion(db)
}

var perKBTables = template.Must(template.New("per-kb").Parse(`
CREATE TABLE IF NOT EXISTS {{.KB}}_info (
    name        TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS {{.KB}} (
    id              BIGSERIAL PRIMARY KEY,
    kb              TEXT NOT NULL REFERENCES {{.KB}}_info(name),
    label           TEXT NOT NULL,
    name            TEXT NOT NULL,
    properties      JSONB NOT NULL DEFAULT '{}',
    data            JSONB NOT NULL DEFAULT '{}',
    path            LTREE NOT NULL,
    has_link        BOOLEAN NOT NULL DEFAULT false,
    has_link_mount  BOOLEAN NOT NULL DEFAULT false,
    UNIQUE (kb, path)
);
CREATE INDEX IF NOT EXISTS {{.KB}}_path_gist_idx ON {{.KB}} USING GIST (path);
CREATE INDEX IF NOT EXISTS {{.KB}}_kb_path_idx ON {{.KB}} (kb, path);
CREATE INDEX IF NOT EXISTS {{.KB}}_label_idx ON {{.KB}} (label);
CREATE INDEX IF NOT EXISTS {{.KB}}_name_idx ON {{.KB}} (name);
CREATE INDEX IF NOT EXISTS {{.KB}}_has_link_idx ON {{.KB}} (has_link);
CREATE INDEX IF NOT EXISTS {{.KB}}_has_link_mount_idx ON {{.KB}} (has_link_mount);

CREATE TABLE IF NOT EXISTS {{.KB}}_link_mount (
    id          BIGSERIAL PRIMARY KEY,
    link_name   TEXT NOT NULL UNIQUE,
    kb          TEXT NOT NULL,
    mount_path  LTREE NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    UNIQUE (kb, mount_path)
);
CREATE INDEX IF NOT EXISTS {{.KB}}_link_mount_path_gist_idx ON {{.KB}}_link_mount USING GIST (mount_path);

CREATE TABLE IF NOT EXISTS {{.KB}}_link (
    id          BIGSERIAL PRIMARY KEY,
    link_name   TEXT NOT NULL,
    parent_kb   TEXT NOT NULL,
    parent_path LTREE NOT NULL
);
CREATE INDEX IF NOT EXISTS {{.KB}}_link_path_gist_idx ON {{.KB}}_link USING GIST (parent_path);

CREATE TABLE IF NOT EXISTS {{.KB}}_job (
    id           BIGSERIAL PRIMARY KEY,
    path         TEXT NOT NULL,
    data         JSONB NOT NULL DEFAULT '{}',
    schedule_at  TIMESTAMPTZ,
    started_at   TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    is_active    BOOLEAN NOT NULL DEFAULT false,
    valid        BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS {{.KB}}_job_path_idx ON {{.KB}}_job (path);
CREATE INDEX IF NOT EXISTS {{.KB}}_job_claim_idx ON {{.KB}}_job (path, valid, is_active, schedule_at);
CREATE INDEX IF NOT EXISTS {{.KB}}_job_free_idx ON {{.KB}}_job (path, valid, completed_at);

CREATE TABLE IF NOT EXISTS {{.KB}}_stream (
    id          BIGSERIAL PRIMARY KEY,
    path        TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    data        JSONB NOT NULL DEFAULT '{}',
    valid       BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS {{.KB}}_stream_path_idx ON {{.KB}}_stream (path);
CREATE INDEX IF NOT EXISTS {{.KB}}_stream_oldest_idx ON {{.KB}}_stream (path, recorded_at);

CREATE TABLE IF NOT EXISTS {{.KB}}_rpc_server (
    id                   BIGSERIAL PRIMARY KEY,
    server_path          TEXT NOT NULL,
    request_id           UUID NOT NULL DEFAULT gen_random_uuid(),
    rpc_action           TEXT NOT NULL DEFAULT '',
    request_payload      JSONB NOT NULL DEFAULT '{}',
    transaction_tag      TEXT NOT NULL DEFAULT '',
    priority             INTEGER NOT NULL DEFAULT 0,
    rpc_client_queue     TEXT NOT NULL DEFAULT '',
    state                TEXT NOT NULL DEFAULT 'empty',
    request_timestamp    TIMESTAMPTZ,
    processing_timestamp TIMESTAMPTZ,
    completed_timestamp  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS {{.KB}}_rpc_server_path_idx ON {{.KB}}_rpc_server (server_path);
CREATE INDEX IF NOT EXISTS {{.KB}}_rpc_server_claim_idx ON {{.KB}}_rpc_server (server_path, state, priority DESC, request_timestamp ASC);

CREATE TABLE IF NOT EXISTS {{.KB}}_rpc_client (
    id                 BIGSERIAL PRIMARY KEY,
    client_path        TEXT NOT NULL,
    request_id         UUID NOT NULL DEFAULT gen_random_uuid(),
    server_path        TEXT NOT NULL DEFAULT '',
    rpc_action         TEXT NOT NULL DEFAULT '',
    transaction_tag    TEXT NOT NULL DEFAULT '',
    response_payload   JSONB NOT NULL DEFAULT '{}',
    response_timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
    is_new_result      BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS {{.KB}}_rpc_client_path_idx ON {{.KB}}_rpc_client (client_path);
CREATE INDEX IF NOT EXISTS {{.KB}}_rpc_client_claim_idx ON {{.KB}}_rpc_client (client_path, is_new_result, response_timestamp ASC);
`))

// RenderKBTablesDDL renders the per-kb table family DDL for kb
// without executing it, so callers (and tests) can inspect the
// statements before applying them.
func RenderKBTablesDDL(kb string) (string, error) {
	var buf strings.Builder
	if err := perKBTables.Execute(&buf, struct{ KB string }{KB: kb}); err != nil {
		return "", fmt.Errorf("schema: rendering DDL for kb %q: %w", kb, err)
	}
	return buf.String(), nil
}

// CreateKBTables renders and applies the per-kb table family DDL for
// kb against db. It is idempotent (every statement uses IF NOT
// EXISTS) so graphstore.CreateKB may call it on every invocation.
func CreateKBTables(ctx context.Context, db *sqlx.DB, kb string) error {
	ddl, err := RenderKBTablesDDL(kb)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("schema: applying DDL for kb %q: %w", kb, err)
	}
	return nil
}
