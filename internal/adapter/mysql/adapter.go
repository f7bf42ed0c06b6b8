// Package mysql implements the adapter contract over database/sql with the
// go-sql-driver/mysql driver.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/chroniclekit/chronicle/internal/adapter"
	"github.com/chroniclekit/chronicle/internal/domain"
	"github.com/chroniclekit/chronicle/internal/metrics"
	"github.com/chroniclekit/chronicle/pkg/sqlvalidator"
)

// Config holds MySQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// DefaultConfig returns local development settings.
func DefaultConfig() Config {
	return Config{
		Host: "localhost",
		Port: 3306,
		User: "root",
	}
}

// Adapter is the MySQL backend.
type Adapter struct {
	db      *sql.DB
	log     zerolog.Logger
	columns sync.Map // table -> map[string]struct{}
	ownDB   bool
}

// New opens a connection pool and pings it.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Adapter, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Minute * 30)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Adapter{db: db, log: log, ownDB: true}, nil
}

// NewFromDB wraps an externally managed handle; Close leaves it open.
func NewFromDB(db *sql.DB, log zerolog.Logger) *Adapter {
	return &Adapter{db: db, log: log}
}

func (a *Adapter) Dialect() adapter.Dialect {
	return adapter.Dialect{
		Name:       "mysql",
		TimeFormat: "2006-01-02 15:04:05.999999",
		LatestFlag: true,
	}
}

func (a *Adapter) Ping(ctx context.Context) error {
	if a.db == nil {
		return adapter.ErrNoConnection
	}
	return a.db.PingContext(ctx)
}

func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	var err error
	if a.ownDB {
		err = a.db.Close()
	}
	a.db = nil
	return err
}

func (a *Adapter) tableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	if cached, ok := a.columns.Load(table); ok {
		return cached.(map[string]struct{}), nil
	}
	if a.db == nil {
		return nil, adapter.ErrNoConnection
	}

	rows, err := a.db.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ?", table)
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
	if a.db == nil {
		return nil, adapter.ErrNoConnection
	}
	query, args, err := buildSelect(table, conditions, opts)
	if err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	return rowsToRecords(rows)
}

func (a *Adapter) GetCount(ctx context.Context, table string, conditions domain.Record, opts adapter.CountOptions) (int64, error) {
	if a.db == nil {
		return 0, adapter.ErrNoConnection
	}
	query, args, err := buildCount(table, conditions, opts)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := a.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

func (a *Adapter) Save(ctx context.Context, table string, record domain.Record) (domain.Record, error) {
	if a.db == nil {
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
		metrics.DroppedFieldsTotal.WithLabelValues("mysql", table).Add(float64(len(dropped)))
		a.log.Warn().
			Str("table", table).
			Strs("fields", dropped).
			Msg("dropping extra fields with no overflow column")
	}

	query, args, err := buildUpsert(table, physical)
	if err != nil {
		return nil, err
	}

	err = adapter.WithDeadlockRetry(ctx, a.log, "mysql", isDeadlock, func() error {
		_, execErr := a.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		metrics.SavesTotal.WithLabelValues("mysql", "error").Inc()
		return nil, fmt.Errorf("failed to save into %s: %w", table, err)
	}
	metrics.SavesTotal.WithLabelValues("mysql", "ok").Inc()
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
	if a.db == nil {
		return false, adapter.ErrNoConnection
	}
	name, err := sqlvalidator.ValidateIdentifier(table, "table name")
	if err != nil {
		return false, err
	}
	res, err := a.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE entity_id = ?", name), entityID)
	if err != nil {
		return false, fmt.Errorf("failed to hard delete from %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

func (a *Adapter) MoveEntityToAuditTable(ctx context.Context, table string, entityID string) error {
	if a.db == nil {
		return adapter.ErrNoConnection
	}
	name, err := sqlvalidator.ValidateIdentifier(table, "table name")
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT IGNORE INTO %s_audit SELECT * FROM %s WHERE entity_id = ?", name, name)
	if _, err := a.db.ExecContext(ctx, query, entityID); err != nil {
		return fmt.Errorf("failed to archive %s row: %w", table, err)
	}
	metrics.AuditMovesTotal.WithLabelValues("mysql").Inc()
	return nil
}

func (a *Adapter) RunTransaction(ctx context.Context, statements []adapter.Statement) error {
	if a.db == nil {
		return adapter.ErrNoConnection
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("transaction error: %v, rollback error: %v", err, rbErr)
			}
			return fmt.Errorf("failed to execute transaction statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (a *Adapter) ExecuteQuery(ctx context.Context, query string, args ...any) ([]domain.Record, error) {
	if a.db == nil {
		return nil, adapter.ErrNoConnection
	}
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return rowsToRecords(rows)
}

// isDeadlock classifies error 1213 (deadlock) and 1205 (lock wait timeout)
// as transient contention.
func isDeadlock(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	return false
}

func rowsToRecords(rows *sql.Rows) ([]domain.Record, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	records := []domain.Record{}
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rec := make(domain.Record, len(columns))
		for i, column := range columns {
			rec[column] = normalizeValue(values[i])
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

// normalizeValue converts driver byte slices into strings; MySQL returns
// text columns as []byte.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func flattenExtra(rec domain.Record) error {
	raw, ok := rec["extra"]
	if !ok || raw == nil {
		delete(rec, "extra")
		return nil
	}

	var encoded []byte
	switch v := raw.(type) {
	case []byte:
		encoded = v
	case string:
		encoded = []byte(v)
	default:
		return fmt.Errorf("failed to decode extra column: unsupported type %T", raw)
	}
	var nested map[string]any
	if err := json.Unmarshal(encoded, &nested); err != nil {
		return fmt.Errorf("failed to decode extra column: %w", err)
	}

	delete(rec, "extra")
	for k, v := range nested {
		if _, taken := rec[k]; !taken {
			rec[k] = v
		}
	}
	return nil
}

func buildSelect(table string, conditions domain.Record, opts adapter.QueryOptions) (string, []any, error) {
	name, err := sqlvalidator.ValidateIdentifier(table, "table name")
	if err != nil {
		return "", nil, err
	}

	fields, err := adapter.BuildSelectFields(name, len(opts.Joins) > 0, opts.AdditionalFields)
	if err != nil {
		return "", nil, err
	}
	joins, err := adapter.BuildJoins(opts.Joins)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	args := []any{}
	fmt.Fprintf(&b, "SELECT %s FROM %s%s", fields, name, joins)

	where := []string{}
	if !opts.IncludeInactive {
		column := "active"
		if len(opts.Joins) > 0 {
			column = name + ".active"
		}
		where = append(where, column+" = TRUE")
	}
	clause, condArgs, err := adapter.BuildConditions(conditions, 1, adapter.QuestionPlaceholder)
	if err != nil {
		return "", nil, err
	}
	if clause != "" {
		where = append(where, clause)
		args = append(args, condArgs...)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	orderBy, err := adapter.BuildOrderBy(opts.Sort)
	if err != nil {
		return "", nil, err
	}
	b.WriteString(orderBy)

	limitOffset, err := adapter.BuildLimitOffset(opts.Limit, opts.Offset)
	if err != nil {
		return "", nil, err
	}
	b.WriteString(limitOffset)

	return b.String(), args, nil
}

func buildCount(table string, conditions domain.Record, opts adapter.CountOptions) (string, []any, error) {
	name, err := sqlvalidator.ValidateIdentifier(table, "table name")
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	args := []any{}
	fmt.Fprintf(&b, "SELECT COUNT(*) FROM %s", name)

	if opts.Hint != "" {
		index, err := sqlvalidator.ValidateIdentifier(opts.Hint, "index hint")
		if err != nil {
			return "", nil, err
		}
		fmt.Fprintf(&b, " USE INDEX (%s)", index)
	}

	where := []string{}
	if !opts.IncludeInactive {
		where = append(where, "active = TRUE")
	}
	clause, condArgs, err := adapter.BuildConditions(conditions, 1, adapter.QuestionPlaceholder)
	if err != nil {
		return "", nil, err
	}
	if clause != "" {
		where = append(where, clause)
		args = append(args, condArgs...)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	return b.String(), args, nil
}

// buildUpsert renders the save statement: an insert that falls back to an
// in-place update when the entity_id key already exists.
func buildUpsert(table string, record domain.Record) (string, []any, error) {
	name, err := sqlvalidator.ValidateIdentifier(table, "table name")
	if err != nil {
		return "", nil, err
	}
	if _, ok := record["entity_id"]; !ok {
		return "", nil, fmt.Errorf("record for %s has no entity_id", table)
	}

	columns := make([]string, 0, len(record))
	for key := range record {
		column, err := sqlvalidator.ValidateIdentifier(key, "column name")
		if err != nil {
			return "", nil, err
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)

	args := make([]any, len(columns))
	markers := make([]string, len(columns))
	updates := make([]string, 0, len(columns)-1)
	for i, column := range columns {
		args[i] = record[column]
		markers[i] = "?"
		if column != "entity_id" {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", column, column))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		name,
		strings.Join(columns, ", "),
		strings.Join(markers, ", "),
		strings.Join(updates, ", "),
	)
	return query, args, nil
}
