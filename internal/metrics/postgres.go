package metrics

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const insertRecordSQL = `INSERT INTO agent_metrics
	(agent_id, agent_type, operation, duration_ms, success, score, attempts, metadata, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// PostgresRecorder appends records to the agent_metrics table.
type PostgresRecorder struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// OpenPostgres connects to dsn and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresRecorder, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	r := &PostgresRecorder{pool: pool, logger: logger}
	if err := r.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Append implements Recorder.
func (r *PostgresRecorder) Append(ctx context.Context, rec MetricRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, insertRecordSQL, args...); err != nil {
		return fmt.Errorf("inserting metric record: %w", err)
	}
	return nil
}

// Close closes the pool.
func (r *PostgresRecorder) Close() error {
	if r == nil || r.pool == nil {
		return nil
	}
	r.pool.Close()
	return nil
}

func recordArgs(rec MetricRecord) ([]any, error) {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return []any{
		rec.AgentID,
		rec.AgentType,
		rec.Operation,
		rec.Duration.Milliseconds(),
		rec.Success,
		rec.Score,
		rec.Attempts,
		raw,
		ts.UTC(),
	}, nil
}

type migration struct {
	version int
	name    string
	sql     string
}

func pendingMigrations(applied map[int]bool) ([]migration, error) {
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	var migs []migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil || applied[v] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return nil, err
		}
		migs = append(migs, migration{v, f.Name(), string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	return migs, nil
}

// Migrate applies embedded migrations not yet listed in schema_migrations.
func (r *PostgresRecorder) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := r.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("reading schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	migs, err := pendingMigrations(applied)
	if err != nil {
		return err
	}
	for _, m := range migs {
		if _, err := r.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("applying %s: %w", m.name, err)
		}
		if _, err := r.pool.Exec(ctx,
			`INSERT INTO schema_migrations(version) VALUES($1) ON CONFLICT (version) DO NOTHING`, m.version); err != nil {
			return err
		}
		r.logger.Info("applied metrics migration", zap.String("name", m.name))
	}
	return nil
}
