package preview

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/madhatter5501/runway/pipeline"
)

// PostgresDriver resets a preview database directly over SQL: drop and
// recreate the public schema, restore grants, then apply the seed or
// snapshot file. It connects with the admin credentials but always inside
// the target preview database, so the control database is never in session.
type PostgresDriver struct {
	AdminURL string
	Timeout  time.Duration
}

// NewPostgresDriver creates a postgres driver with a floored timeout.
func NewPostgresDriver(adminURL string, timeout time.Duration) *PostgresDriver {
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	return &PostgresDriver{AdminURL: adminURL, Timeout: timeout}
}

func (d *PostgresDriver) Name() string { return "postgres" }

// Reset performs the schema reset. Dry runs only validate the connection
// config and the source file; no connection is opened.
func (d *PostgresDriver) Reset(ctx context.Context, req Request) (Result, error) {
	var result Result
	step := func(name, status, detail string) {
		result.Steps = append(result.Steps, Step{Name: name, Status: status, Detail: detail})
	}

	cfg, err := pgx.ParseConfig(d.AdminURL)
	if err != nil {
		step("parse_admin_url", "failed", "")
		return result, pipeline.Validationf("invalid_preview_db_admin_url")
	}
	cfg.Database = req.Database
	// Seed files are multi-statement; the simple protocol runs them in one Exec.
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	step("parse_admin_url", "ok", "")

	if req.SourceFile != "" {
		if _, err := os.Stat(req.SourceFile); err != nil {
			step("resolve_source_file", "failed", req.SourceFile)
			return result, pipeline.Validationf("reset_source_file_not_found: %s", req.SourceFile)
		}
		step("resolve_source_file", "ok", req.SourceFile)
	}

	if req.DryRun {
		step("dry_run", "ok", "validated_only")
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		step("connect", "failed", "")
		return result, pipeline.DriverFailed("preview_db_connect_failed", err)
	}
	defer conn.Close(context.Background())
	step("connect", "ok", req.Database)

	ddl := []struct {
		name string
		sql  string
	}{
		{"drop_schema", "DROP SCHEMA IF EXISTS public CASCADE"},
		{"create_schema", "CREATE SCHEMA public"},
		{"grant_schema", "GRANT ALL ON SCHEMA public TO PUBLIC"},
	}
	for _, stmt := range ddl {
		if _, err := conn.Exec(ctx, stmt.sql); err != nil {
			step(stmt.name, "failed", "")
			return result, pipeline.DriverFailed(stmt.name+"_failed", err)
		}
		step(stmt.name, "ok", "")
	}

	if req.SourceFile != "" {
		sqlText, err := os.ReadFile(req.SourceFile)
		if err != nil {
			step("apply_source", "failed", req.SourceFile)
			return result, pipeline.DriverFailed("reset_source_read_failed", err)
		}
		if _, err := conn.Exec(ctx, string(sqlText)); err != nil {
			step("apply_source", "failed", req.SourceFile)
			return result, pipeline.DriverFailed("reset_source_apply_failed", err)
		}
		step("apply_source", "ok", req.SourceFile)
	}

	return result, nil
}

var (
	_ Driver = (*ScriptDriver)(nil)
	_ Driver = (*PostgresDriver)(nil)
)
