// Package schema provides DDL primitives for versioned entity tables:
// every table carries the standard audit columns and an optional audit
// companion keyed by (entity_id, version).
package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chroniclekit/chronicle/internal/adapter"
	"github.com/chroniclekit/chronicle/pkg/sqlvalidator"
)

// Column is one caller-defined column with a logical type, mapped to the
// backend's native type at statement build time.
type Column struct {
	Name     string
	Type     string // uuid, text, int, float, bool, timestamp or json
	Nullable bool
}

var typeMap = map[string]map[string]string{
	"postgres": {
		"uuid":      "UUID",
		"text":      "TEXT",
		"int":       "BIGINT",
		"float":     "DOUBLE PRECISION",
		"bool":      "BOOLEAN",
		"timestamp": "TIMESTAMPTZ",
		"json":      "JSONB",
	},
	"mysql": {
		"uuid":      "CHAR(36)",
		"text":      "TEXT",
		"int":       "BIGINT",
		"float":     "DOUBLE",
		"bool":      "BOOLEAN",
		"timestamp": "DATETIME(6)",
		"json":      "JSON",
	},
}

// Migrator issues DDL through an adapter. The document backend creates
// collections on first write and rejects explicit DDL.
type Migrator struct {
	adapter adapter.Adapter
	dialect string
	log     zerolog.Logger
}

// NewMigrator builds a migrator for the adapter's dialect.
func NewMigrator(db adapter.Adapter, log zerolog.Logger) (*Migrator, error) {
	dialect := db.Dialect().Name
	if _, ok := typeMap[dialect]; !ok {
		return nil, fmt.Errorf("backend %s does not support schema management", dialect)
	}
	return &Migrator{adapter: db, dialect: dialect, log: log}, nil
}

func (m *Migrator) nativeType(logical string) (string, error) {
	native, ok := typeMap[m.dialect][logical]
	if !ok {
		return "", fmt.Errorf("unknown column type %q", logical)
	}
	return native, nil
}

func (m *Migrator) exec(ctx context.Context, query string) error {
	m.log.Debug().Str("query", query).Msg("executing schema statement")
	_, err := m.adapter.ExecuteQuery(ctx, query)
	return err
}

// auditColumns renders the columns every entity table carries: the six
// audit fields plus the latest marker the repository stamps on every
// write so counts can filter on it.
func (m *Migrator) auditColumns() []string {
	uuidType := typeMap[m.dialect]["uuid"]
	timeType := typeMap[m.dialect]["timestamp"]
	return []string{
		"entity_id " + uuidType + " NOT NULL",
		"version " + uuidType + " NOT NULL",
		"previous_version " + uuidType + " NOT NULL",
		"active BOOLEAN NOT NULL",
		"latest BOOLEAN NOT NULL",
		"changed_by_id TEXT",
		"changed_on " + timeType + " NOT NULL",
	}
}

func (m *Migrator) renderColumns(columns []Column) ([]string, error) {
	rendered := make([]string, 0, len(columns))
	for _, col := range columns {
		name, err := sqlvalidator.ValidateIdentifier(col.Name, "column name")
		if err != nil {
			return nil, err
		}
		native, err := m.nativeType(col.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		def := name + " " + native
		if !col.Nullable {
			def += " NOT NULL"
		}
		rendered = append(rendered, def)
	}
	return rendered, nil
}

// CreateTable creates an entity table and, when withAudit is set, its
// audit companion. The live table is keyed by entity_id; the audit table
// by (entity_id, version) so every archived revision keeps its slot.
func (m *Migrator) CreateTable(ctx context.Context, table string, columns []Column, withAudit bool) error {
	name, err := sqlvalidator.ValidateIdentifier(table, "table name")
	if err != nil {
		return err
	}
	userColumns, err := m.renderColumns(columns)
	if err != nil {
		return err
	}

	defs := append(m.auditColumns(), userColumns...)
	live := append(append([]string{}, defs...), "PRIMARY KEY (entity_id)")
	if err := m.exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", name, strings.Join(live, ", "))); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	if withAudit {
		archived := append(append([]string{}, defs...), "PRIMARY KEY (entity_id, version)")
		if err := m.exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s_audit (%s)", name, strings.Join(archived, ", "))); err != nil {
			return fmt.Errorf("failed to create audit table for %s: %w", table, err)
		}
	}
	return nil
}

// AddColumn adds a column to the table and its audit companion when one
// exists; the two must stay row-compatible for the archival copy.
func (m *Migrator) AddColumn(ctx context.Context, table string, column Column, withAudit bool) error {
	name, err := sqlvalidator.ValidateIdentifier(table, "table name")
	if err != nil {
		return err
	}
	rendered, err := m.renderColumns([]Column{column})
	if err != nil {
		return err
	}

	if err := m.exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", name, rendered[0])); err != nil {
		return fmt.Errorf("failed to add column to %s: %w", table, err)
	}
	if withAudit {
		if err := m.exec(ctx, fmt.Sprintf("ALTER TABLE %s_audit ADD COLUMN %s", name, rendered[0])); err != nil {
			return fmt.Errorf("failed to add column to %s_audit: %w", table, err)
		}
	}
	return nil
}

// DropColumn removes a column from the table and its audit companion.
// Audit fields are not droppable.
func (m *Migrator) DropColumn(ctx context.Context, table string, column string, withAudit bool) error {
	name, err := sqlvalidator.ValidateIdentifier(table, "table name")
	if err != nil {
		return err
	}
	colName, err := sqlvalidator.ValidateIdentifier(column, "column name")
	if err != nil {
		return err
	}
	switch colName {
	case "entity_id", "version", "previous_version", "active", "latest", "changed_by_id", "changed_on":
		return fmt.Errorf("column %s is part of the audit contract and cannot be dropped", colName)
	}

	if err := m.exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", name, colName)); err != nil {
		return fmt.Errorf("failed to drop column from %s: %w", table, err)
	}
	if withAudit {
		if err := m.exec(ctx, fmt.Sprintf("ALTER TABLE %s_audit DROP COLUMN %s", name, colName)); err != nil {
			return fmt.Errorf("failed to drop column from %s_audit: %w", table, err)
		}
	}
	return nil
}

// AddIndex creates a named index over the given columns.
func (m *Migrator) AddIndex(ctx context.Context, table string, index string, columns ...string) error {
	name, err := sqlvalidator.ValidateIdentifier(table, "table name")
	if err != nil {
		return err
	}
	indexName, err := sqlvalidator.ValidateIdentifier(index, "index name")
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("index %s needs at least one column", index)
	}
	validated := make([]string, len(columns))
	for i, column := range columns {
		validated[i], err = sqlvalidator.ValidateIdentifier(column, "column name")
		if err != nil {
			return err
		}
	}

	query := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", indexName, name, strings.Join(validated, ", "))
	if err := m.exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create index %s: %w", index, err)
	}
	return nil
}

// DropIndex removes a named index.
func (m *Migrator) DropIndex(ctx context.Context, table string, index string) error {
	indexName, err := sqlvalidator.ValidateIdentifier(index, "index name")
	if err != nil {
		return err
	}

	var query string
	if m.dialect == "mysql" {
		name, err := sqlvalidator.ValidateIdentifier(table, "table name")
		if err != nil {
			return err
		}
		query = fmt.Sprintf("DROP INDEX %s ON %s", indexName, name)
	} else {
		query = fmt.Sprintf("DROP INDEX %s", indexName)
	}
	if err := m.exec(ctx, query); err != nil {
		return fmt.Errorf("failed to drop index %s: %w", index, err)
	}
	return nil
}

// RenameTable renames the table and its audit companion together.
func (m *Migrator) RenameTable(ctx context.Context, from string, to string, withAudit bool) error {
	fromName, err := sqlvalidator.ValidateIdentifier(from, "table name")
	if err != nil {
		return err
	}
	toName, err := sqlvalidator.ValidateIdentifier(to, "table name")
	if err != nil {
		return err
	}

	if err := m.exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", fromName, toName)); err != nil {
		return fmt.Errorf("failed to rename table %s: %w", from, err)
	}
	if withAudit {
		if err := m.exec(ctx, fmt.Sprintf("ALTER TABLE %s_audit RENAME TO %s_audit", fromName, toName)); err != nil {
			return fmt.Errorf("failed to rename audit table for %s: %w", from, err)
		}
	}
	return nil
}

// EnsureVersionTable creates the schema version bookkeeping table.
func (m *Migrator) EnsureVersionTable(ctx context.Context) error {
	query := "CREATE TABLE IF NOT EXISTS chronicle_schema_version (version BIGINT NOT NULL)"
	if err := m.exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema version table: %w", err)
	}
	return nil
}

// Version reads the current schema version; zero when unset.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	records, err := m.adapter.ExecuteQuery(ctx, "SELECT version FROM chronicle_schema_version")
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	switch v := records[0]["version"].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unexpected schema version value %T", records[0]["version"])
	}
}

// SetVersion records the schema version, replacing any previous value.
func (m *Migrator) SetVersion(ctx context.Context, version int64) error {
	statements := []adapter.Statement{
		{SQL: "DELETE FROM chronicle_schema_version"},
		{SQL: "INSERT INTO chronicle_schema_version (version) VALUES (" + fmt.Sprintf("%d", version) + ")"},
	}
	if err := m.adapter.RunTransaction(ctx, statements); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
