// Package adapter defines the backend contract every database driver must
// satisfy, plus the statement-building helpers shared across dialects.
package adapter

import (
	"context"
	"errors"

	"github.com/chroniclekit/chronicle/internal/domain"
	"github.com/chroniclekit/chronicle/pkg/sqlvalidator"
)

// ErrNoConnection is returned when an adapter is used after Close or before
// a connection was established.
var ErrNoConnection = errors.New("adapter has no open connection")

// SortField pairs a column with a direction; list order is precedence.
type SortField = sqlvalidator.SortField

// QueryOptions tunes read queries. Every fragment that ends up
// string-interpolated is validated before use.
type QueryOptions struct {
	Sort             []SortField
	Limit            *int
	Offset           *int
	Joins            []string
	AdditionalFields []string
	// IncludeInactive disables the default active = true filter.
	IncludeInactive bool
}

// CountOptions tunes count queries. Hint is advisory: backends without
// statement-level hints log and ignore it.
type CountOptions struct {
	Hint            string
	IncludeInactive bool
}

// Statement is one parameterized statement of a transaction.
type Statement struct {
	SQL  string
	Args []any
}

// Dialect describes how a backend wants records coerced.
type Dialect struct {
	// Name identifies the backend: postgres, mysql or document.
	Name string
	// UUIDDashless strips separators from identifier strings.
	UUIDDashless bool
	// TimeFormat is the timestamp layout; empty means native time values.
	TimeFormat string
	// LatestFlag marks relational backends whose tables carry a latest
	// column, stamped true on every live write and merged into default
	// count filters.
	LatestFlag bool
}

// Adapter is the capability set every backend implements. Adapters are
// scoped resources: acquire via the backend constructor, release via Close
// on every exit path. A single adapter is safe for concurrent reads, but a
// transaction or cursor must never be shared across goroutines.
type Adapter interface {
	Dialect() Dialect

	// GetOne returns at most one active record. Zero rows is not an
	// error; the boolean reports presence.
	GetOne(ctx context.Context, table string, conditions domain.Record, opts QueryOptions) (domain.Record, bool, error)
	GetMany(ctx context.Context, table string, conditions domain.Record, opts QueryOptions) ([]domain.Record, error)
	GetCount(ctx context.Context, table string, conditions domain.Record, opts CountOptions) (int64, error)

	// Save updates the row matching the record's entity_id, inserting it
	// when absent, atomically within one statement. It guards against
	// double-insert only: there is no compare-and-swap on version, so
	// concurrent saves to one entity_id can lose updates.
	Save(ctx context.Context, table string, record domain.Record) (domain.Record, error)

	// Delete performs a logical delete: the prior row is archived, then
	// the record is saved with active = false.
	Delete(ctx context.Context, table string, record domain.Record) (bool, error)

	// HardDelete physically removes the row, bypassing versioning and
	// audit. Irreversible.
	HardDelete(ctx context.Context, table string, entityID string) (bool, error)

	// MoveEntityToAuditTable copies the current row into <table>_audit,
	// keyed by (entity_id, version), before it is overwritten.
	MoveEntityToAuditTable(ctx context.Context, table string, entityID string) error

	// RunTransaction executes the statements atomically; any failure
	// rolls back all of them.
	RunTransaction(ctx context.Context, statements []Statement) error

	// ExecuteQuery is the raw passthrough used by schema tooling.
	ExecuteQuery(ctx context.Context, query string, args ...any) ([]domain.Record, error)

	Ping(ctx context.Context) error
	Close() error
}
