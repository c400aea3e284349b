package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	postgresdriver "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"

	"boundless-bastion/internal/config"
	"boundless-bastion/internal/model"
	"boundless-bastion/internal/storage/migrations"
)

const maxOutputBytes = 1 << 20

// DB wraps a PostgreSQL connection pool holding commands, nodes, executions
// and GPU samples.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Open applies migrations when enabled and connects. Any failure leaves the
// caller without a database.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	if cfg.Migrate {
		if err := Migrate(cfg.DSN); err != nil {
			return nil, fmt.Errorf("migrating database: %w", err)
		}
	}
	return New(ctx, cfg)
}

// Migrate applies the embedded schema migrations.
func Migrate(dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgresdriver.WithInstance(sqlDB, &postgresdriver.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}
	src, err := iofs.New(migrations.MigrationsFS, ".")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Info().Uint("version", version).Bool("dirty", dirty).Msg("database schema up to date")
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

func (db *DB) UpsertCommand(ctx context.Context, c model.Command) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO commands (id, name, description, script, timeout_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			script = EXCLUDED.script,
			timeout_seconds = EXCLUDED.timeout_seconds`,
		c.ID, c.Name, c.Description, c.Script, c.TimeoutSeconds, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting command %s: %w", c.ID, err)
	}
	return nil
}

func (db *DB) DeleteCommand(ctx context.Context, id string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM commands WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting command %s: %w", id, err)
	}
	return nil
}

// ListCommands returns every command in creation order.
func (db *DB) ListCommands(ctx context.Context) ([]model.Command, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, name, description, script, timeout_seconds, created_at
		FROM commands ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var out []model.Command
	for rows.Next() {
		var c model.Command
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Script, &c.TimeoutSeconds, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) UpsertNode(ctx context.Context, n model.Node) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO nodes (id, name, address) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, address = EXCLUDED.address`,
		n.ID, n.Name, n.Address,
	)
	if err != nil {
		return fmt.Errorf("upserting node %s: %w", n.ID, err)
	}
	return nil
}

func (db *DB) DeleteNode(ctx context.Context, id string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting node %s: %w", id, err)
	}
	return nil
}

func (db *DB) ListNodes(ctx context.Context) ([]model.Node, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, name, address FROM nodes ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var out []model.Node
	for rows.Next() {
		var n model.Node
		if err := rows.Scan(&n.ID, &n.Name, &n.Address); err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpsertExecution stores an execution snapshot. A terminal row is never
// overwritten, so a late non-terminal write cannot regress it.
func (db *DB) UpsertExecution(ctx context.Context, e model.Execution) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO executions (id, command_id, node_id, status, script, timeout_seconds,
			stdout, stderr, exit_code, duration_ms, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			stdout = EXCLUDED.stdout,
			stderr = EXCLUDED.stderr,
			exit_code = EXCLUDED.exit_code,
			duration_ms = EXCLUDED.duration_ms,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
		WHERE executions.status NOT IN ('succeeded', 'failed')`,
		e.ID, e.CommandID, e.NodeID, string(e.Status), e.Script, e.TimeoutSeconds,
		truncateForDB(e.Stdout, maxOutputBytes),
		truncateForDB(e.Stderr, maxOutputBytes),
		e.ExitCode, e.DurationMs, e.CreatedAt, e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting execution %s: %w", e.ID, err)
	}
	return nil
}

// ListExecutions returns up to limit of the most recently created executions.
func (db *DB) ListExecutions(ctx context.Context, limit int) ([]model.Execution, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id, command_id, node_id, status, script, timeout_seconds,
			stdout, stderr, exit_code, duration_ms, created_at, started_at, completed_at
		FROM executions
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var out []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(row pgx.Row) (model.Execution, error) {
	var (
		e      model.Execution
		status string
	)
	if err := row.Scan(
		&e.ID, &e.CommandID, &e.NodeID, &status, &e.Script, &e.TimeoutSeconds,
		&e.Stdout, &e.Stderr, &e.ExitCode, &e.DurationMs,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt,
	); err != nil {
		return model.Execution{}, fmt.Errorf("scanning execution row: %w", err)
	}
	e.Status = model.ExecutionStatus(status)
	return e, nil
}

func (db *DB) UpsertSample(ctx context.Context, s model.GpuSample) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO gpu_samples (node_id, ts, utilization, memory_mb)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (node_id, ts) DO UPDATE SET
			utilization = EXCLUDED.utilization,
			memory_mb = EXCLUDED.memory_mb`,
		s.NodeID, s.Timestamp, s.Utilization, s.MemoryMB,
	)
	if err != nil {
		return fmt.Errorf("upserting gpu sample %s@%d: %w", s.NodeID, s.Timestamp, err)
	}
	return nil
}

func (db *DB) PruneSamples(ctx context.Context, before int64) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM gpu_samples WHERE ts < $1`, before); err != nil {
		return fmt.Errorf("pruning gpu samples: %w", err)
	}
	return nil
}

// ListSamples returns samples at or after since.
func (db *DB) ListSamples(ctx context.Context, since int64) ([]model.GpuSample, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT node_id, ts, utilization, memory_mb
		FROM gpu_samples WHERE ts >= $1 ORDER BY ts, node_id`, since)
	if err != nil {
		return nil, fmt.Errorf("querying gpu samples: %w", err)
	}
	defer rows.Close()

	var out []model.GpuSample
	for rows.Next() {
		var s model.GpuSample
		if err := rows.Scan(&s.NodeID, &s.Timestamp, &s.Utilization, &s.MemoryMB); err != nil {
			return nil, fmt.Errorf("scanning gpu sample row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
