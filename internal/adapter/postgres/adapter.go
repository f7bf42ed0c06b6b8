// Package postgres implements the adapter contract over a pgx connection
// pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/chroniclekit/chronicle/internal/adapter"
	"github.com/chroniclekit/chronicle/internal/domain"
	"github.com/chroniclekit/chronicle/internal/metrics"
	"github.com/chroniclekit/chronicle/pkg/sqlvalidator"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultConfig returns local development settings.
func DefaultConfig() Config {
	return Config{
		Host:    "localhost",
		Port:    5432,
		User:    "postgres",
		SSLMode: "disable",
	}
}

// Adapter is the PostgreSQL backend.
type Adapter struct {
	pool    *pgxpool.Pool
	log     zerolog.Logger
	columns sync.Map // table -> map[string]struct{}
	ownPool bool
}

// New connects a pool and pings it.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Adapter, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Minute * 30
	poolConfig.MaxConnIdleTime = time.Minute * 5
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Adapter{pool: pool, log: log, ownPool: true}, nil
}

// NewFromPool wraps an externally managed pool; Close leaves it open.
func NewFromPool(pool *pgxpool.Pool, log zerolog.Logger) *Adapter {
	return &Adapter{pool: pool, log: log}
}

func (a *Adapter) Dialect() adapter.Dialect {
	return adapter.Dialect{
		Name:       "postgres",
		LatestFlag: true,
	}
}

func (a *Adapter) Ping(ctx context.Context) error {
	if a.pool == nil {
		return adapter.ErrNoConnection
	}
	return a.pool.Ping(ctx)
}

func (a *Adapter) Close() error {
	if a.pool != nil && a.ownPool {
		a.pool.Close()
	}
	a.pool = nil
	return nil
}

// tableColumns loads the physical column set for a table, caching it for
// later calls. Concurrent first access is safe: both callers compute the
// same set and LoadOrStore keeps one.
func (a *Adapter) tableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	if cached, ok := a.columns.Load(table); ok {
		return cached.(map[string]struct{}), nil
	}
	if a.pool == nil {
		return nil, adapter.ErrNoConnection
	}

	rows, err := a.pool.Query(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_name = $1", table)
	if err != nil {
		return nil, fmt.Errorf("failed to load columns for %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns for %s: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns or does not exist", table)
	}

	actual, _ := a.columns.LoadOrStore(table, columns)
	return actual.(map[string]struct{}), nil
}

func (a *Adapter) GetOne(ctx context.Context, table string, conditions domain.Record, opts adapter.QueryOptions) (domain.Record, bool, error) {
	one := 1
	opts.Limit = &one
	opts.Offset = nil

	records, err := a.GetMany(ctx, table, conditions, opts)
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	return records[0], true, nil
}

func (a *Adapter) GetMany(ctx context.Context, table string, conditions domain.Record, opts adapter.QueryOptions) ([]domain.Record, error) {
	if a.pool == nil {
		return nil, adapter.ErrNoConnection
	}
	query, args, err := buildSelect(table, conditions, opts)
	if err != nil {
		return nil, err
	}

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	return rowsToRecords(rows)
}

func (a *Adapter) GetCount(ctx context.Context, table string, conditions domain.Record, opts adapter.CountOptions) (int64, error) {
	if a.pool == nil {
		return 0, adapter.ErrNoConnection
	}
	if opts.Hint != "" {
		// PostgreSQL has no statement-level index hints.
		metrics.IgnoredHintsTotal.WithLabelValues("postgres").Inc()
		a.log.Debug().Str("hint", opts.Hint).Msg("ignoring index hint on postgres")
	}

	query, args, err := buildCount(table, conditions, opts.IncludeInactive)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := a.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

func (a *Adapter) Save(ctx context.Context, table string, record domain.Record) (domain.Record, error) {
	if a.pool == nil {
		return nil, adapter.ErrNoConnection
	}
	columns, err := a.tableColumns(ctx, table)
	if err != nil {
		return nil, err
	}

	physical, dropped, err := adapter.FoldRecord(record, columns)
	if err != nil {
		return nil, err
	}
	if len(dropped) > 0 {
		metrics.DroppedFieldsTotal.WithLabelValues("postgres", table).Add(float64(len(dropped)))
		a.log.Warn().
			Str("table", table).
			Strs("fields", dropped).
			Msg("dropping extra fields with no overflow column")
	}

	query, args, err := buildUpsert(table, physical)
	if err != nil {
		return nil, err
	}

	err = adapter.WithDeadlockRetry(ctx, a.log, "postgres", isDeadlock, func() error {
		_, execErr := a.pool.Exec(ctx, query, args...)
		return execErr
	})
	if err != nil {
		metrics.SavesTotal.WithLabelValues("postgres", "error").Inc()
		return nil, fmt.Errorf("failed to save into %s: %w", table, err)
	}
	metrics.SavesTotal.WithLabelValues("postgres", "ok").Inc()
	return record, nil
}

func (a *Adapter) Delete(ctx context.Context, table string, record domain.Record) (bool, error) {
	entityID := fmt.Sprintf("%v", record["entity_id"])
	if err := a.MoveEntityToAuditTable(ctx, table, entityID); err != nil {
		return false, err
	}
	record["active"] = false
	if _, err := a.Save(ctx, table, record); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) HardDelete(ctx context.Context, table string, entityID string) (bool, error) {
	if a.pool == nil {
		return false, adapter.ErrNoConnection
	}
	name, err := sqlvalidator.ValidateIdentifier(table, "table name")
	if err != nil {
		return false, err
	}
	tag, err := a.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE entity_id = $1", name), entityID)
	if err != nil {
		return false, fmt.Errorf("failed to hard delete from %s: %w", table, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (a *Adapter) MoveEntityToAuditTable(ctx context.Context, table string, entityID string) error {
	if a.pool == nil {
		return adapter.ErrNoConnection
	}
	name, err := sqlvalidator.ValidateIdentifier(table, "table name")
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		"INSERT INTO %s_audit SELECT * FROM %s WHERE entity_id = $1 ON CONFLICT (entity_id, version) DO NOTHING",
		name, name,
	)
	if _, err := a.pool.Exec(ctx, query, entityID); err != nil {
		return fmt.Errorf("failed to archive %s row: %w", table, err)
	}
	metrics.AuditMovesTotal.WithLabelValues("postgres").Inc()
	return nil
}

func (a *Adapter) RunTransaction(ctx context.Context, statements []adapter.Statement) error {
	if a.pool == nil {
		return adapter.ErrNoConnection
	}
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt.SQL, stmt.Args...); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				return fmt.Errorf("transaction error: %v, rollback error: %v", err, rbErr)
			}
			return fmt.Errorf("failed to execute transaction statement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (a *Adapter) ExecuteQuery(ctx context.Context, query string, args ...any) ([]domain.Record, error) {
	if a.pool == nil {
		return nil, adapter.ErrNoConnection
	}
	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return rowsToRecords(rows)
}

// isDeadlock classifies SQLSTATE 40001 (serialization failure) and 40P01
// (deadlock detected) as transient contention.
func isDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func rowsToRecords(rows pgx.Rows) ([]domain.Record, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	records := []domain.Record{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		rec := make(domain.Record, len(fields))
		for i, fd := range fields {
			rec[string(fd.Name)] = values[i]
		}
		if err := flattenExtra(rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return records, nil
}

// flattenExtra merges the JSON overflow column back into top-level fields.
func flattenExtra(rec domain.Record) error {
	raw, ok := rec["extra"]
	if !ok || raw == nil {
		delete(rec, "extra")
		return nil
	}

	var nested map[string]any
	switch v := raw.(type) {
	case map[string]any:
		nested = v
	case []byte:
		if err := json.Unmarshal(v, &nested); err != nil {
			return fmt.Errorf("failed to decode extra column: %w", err)
		}
	case string:
		if err := json.Unmarshal([]byte(v), &nested); err != nil {
			return fmt.Errorf("failed to decode extra column: %w", err)
		}
	default:
		return fmt.Errorf("failed to decode extra column: unsupported type %T", raw)
	}

	delete(rec, "extra")
	for k, v := range nested {
		if _, taken := rec[k]; !taken {
			rec[k] = v
		}
	}
	return nil
}
