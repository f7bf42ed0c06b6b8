// Package document implements the adapter contract as a document store:
// each row holds one JSON document, queried through json_extract. Backed
// by SQLite, so it also serves as the embedded zero-dependency backend.
package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/chroniclekit/chronicle/internal/adapter"
	"github.com/chroniclekit/chronicle/internal/domain"
	"github.com/chroniclekit/chronicle/internal/metrics"
	"github.com/chroniclekit/chronicle/pkg/sqlvalidator"
)

// Config holds the document store location. Path ":memory:" keeps the
// store in process memory.
type Config struct {
	Path string
}

// DefaultConfig returns an in-memory store.
func DefaultConfig() Config {
	return Config{Path: ":memory:"}
}

// Adapter is the document backend.
type Adapter struct {
	db          *sql.DB
	log         zerolog.Logger
	collections sync.Map // collection name -> struct{}
}

// New opens the store and pings it.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Adapter, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	// The sqlite driver serializes writes; one writer connection avoids
	// spurious SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping document store: %w", err)
	}
	return &Adapter{db: db, log: log}, nil
}

func (a *Adapter) Dialect() adapter.Dialect {
	return adapter.Dialect{
		Name:       "document",
		TimeFormat: time.RFC3339Nano,
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
	err := a.db.Close()
	a.db = nil
	return err
}

// ensureCollection creates the document table and its audit companion on
// first use. Collections spring into existence on write, like a document
// database.
func (a *Adapter) ensureCollection(ctx context.Context, collection string) (string, error) {
	name, err := sqlvalidator.ValidateIdentifier(collection, "collection name")
	if err != nil {
		return "", err
	}
	if _, ok := a.collections.Load(name); ok {
		return name, nil
	}
	if a.db == nil {
		return "", adapter.ErrNoConnection
	}

	statements := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (entity_id TEXT PRIMARY KEY, doc TEXT NOT NULL)", name),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s_audit (entity_id TEXT NOT NULL, version TEXT NOT NULL, doc TEXT NOT NULL, PRIMARY KEY (entity_id, version))", name),
	}
	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return "", fmt.Errorf("failed to create collection %s: %w", collection, err)
		}
	}
	a.collections.Store(name, struct{}{})
	return name, nil
}

func (a *Adapter) GetOne(ctx context.Context, collection string, conditions domain.Record, opts adapter.QueryOptions) (domain.Record, bool, error) {
	one := 1
	opts.Limit = &one
	opts.Offset = nil

	records, err := a.GetMany(ctx, collection, conditions, opts)
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	return records[0], true, nil
}

func (a *Adapter) GetMany(ctx context.Context, collection string, conditions domain.Record, opts adapter.QueryOptions) ([]domain.Record, error) {
	if a.db == nil {
		return nil, adapter.ErrNoConnection
	}
	name, err := a.ensureCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	query, args, err := buildDocSelect(name, conditions, opts)
	if err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	records := []domain.Record{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		rec := domain.Record{}
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode document from %s: %w", collection, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return records, nil
}

func (a *Adapter) GetCount(ctx context.Context, collection string, conditions domain.Record, opts adapter.CountOptions) (int64, error) {
	if a.db == nil {
		return 0, adapter.ErrNoConnection
	}
	if opts.Hint != "" {
		// Documents carry no secondary indexes to hint at.
		metrics.IgnoredHintsTotal.WithLabelValues("document").Inc()
		a.log.Debug().Str("hint", opts.Hint).Msg("ignoring index hint on document store")
	}
	name, err := a.ensureCollection(ctx, collection)
	if err != nil {
		return 0, err
	}
	query, args, err := buildDocCount(name, conditions, opts.IncludeInactive)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := a.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return count, nil
}

func (a *Adapter) Save(ctx context.Context, collection string, record domain.Record) (domain.Record, error) {
	if a.db == nil {
		return nil, adapter.ErrNoConnection
	}
	entityID, ok := record["entity_id"]
	if !ok {
		return nil, fmt.Errorf("record for %s has no entity_id", collection)
	}
	name, err := a.ensureCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document for %s: %w", collection, err)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (entity_id, doc) VALUES (?, ?) ON CONFLICT (entity_id) DO UPDATE SET doc = excluded.doc",
		name,
	)
	err = adapter.WithDeadlockRetry(ctx, a.log, "document", isBusy, func() error {
		_, execErr := a.db.ExecContext(ctx, query, fmt.Sprintf("%v", entityID), string(doc))
		return execErr
	})
	if err != nil {
		metrics.SavesTotal.WithLabelValues("document", "error").Inc()
		return nil, fmt.Errorf("failed to save into %s: %w", collection, err)
	}
	metrics.SavesTotal.WithLabelValues("document", "ok").Inc()
	return record, nil
}

func (a *Adapter) Delete(ctx context.Context, collection string, record domain.Record) (bool, error) {
	entityID := fmt.Sprintf("%v", record["entity_id"])
	if err := a.MoveEntityToAuditTable(ctx, collection, entityID); err != nil {
		return false, err
	}
	record["active"] = false
	if _, err := a.Save(ctx, collection, record); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) HardDelete(ctx context.Context, collection string, entityID string) (bool, error) {
	if a.db == nil {
		return false, adapter.ErrNoConnection
	}
	name, err := a.ensureCollection(ctx, collection)
	if err != nil {
		return false, err
	}
	res, err := a.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE entity_id = ?", name), entityID)
	if err != nil {
		return false, fmt.Errorf("failed to hard delete from %s: %w", collection, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

func (a *Adapter) MoveEntityToAuditTable(ctx context.Context, collection string, entityID string) error {
	if a.db == nil {
		return adapter.ErrNoConnection
	}
	name, err := a.ensureCollection(ctx, collection)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		"INSERT OR IGNORE INTO %s_audit (entity_id, version, doc) "+
			"SELECT entity_id, json_extract(doc, '$.version'), doc FROM %s WHERE entity_id = ?",
		name, name,
	)
	if _, err := a.db.ExecContext(ctx, query, entityID); err != nil {
		return fmt.Errorf("failed to archive %s document: %w", collection, err)
	}
	metrics.AuditMovesTotal.WithLabelValues("document").Inc()
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
			if b, ok := values[i].([]byte); ok {
				rec[column] = string(b)
				continue
			}
			rec[column] = values[i]
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return records, nil
}

// isBusy classifies SQLITE_BUSY and SQLITE_LOCKED as transient contention.
func isBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	return false
}
