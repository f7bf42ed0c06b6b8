package postgres

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chroniclekit/chronicle/internal/adapter"
	"github.com/chroniclekit/chronicle/internal/domain"
	"github.com/chroniclekit/chronicle/pkg/sqlvalidator"
)

// buildSelect assembles a parameterized SELECT. Every interpolated fragment
// passes through the validator; condition values stay bound.
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
		where = append(where, activeColumn(name, len(opts.Joins) > 0)+" = TRUE")
	}
	clause, condArgs, err := adapter.BuildConditions(conditions, len(args)+1, adapter.DollarPlaceholder)
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

func activeColumn(table string, qualified bool) string {
	if qualified {
		return table + ".active"
	}
	return "active"
}

func buildCount(table string, conditions domain.Record, includeInactive bool) (string, []any, error) {
	name, err := sqlvalidator.ValidateIdentifier(table, "table name")
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	args := []any{}
	fmt.Fprintf(&b, "SELECT COUNT(*) FROM %s", name)

	where := []string{}
	if !includeInactive {
		where = append(where, "active = TRUE")
	}
	clause, condArgs, err := adapter.BuildConditions(conditions, 1, adapter.DollarPlaceholder)
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

// buildUpsert renders the save statement: a conditional CTE that updates
// the row matching entity_id, falling back to an insert when no row was
// updated. One statement, so the existence check and the write cannot
// interleave with another insert.
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
	placeholderFor := make(map[string]string, len(columns))
	for i, column := range columns {
		args[i] = record[column]
		placeholderFor[column] = adapter.DollarPlaceholder(i + 1)
	}

	setClauses := make([]string, 0, len(columns)-1)
	insertValues := make([]string, len(columns))
	for i, column := range columns {
		insertValues[i] = placeholderFor[column]
		if column != "entity_id" {
			setClauses = append(setClauses, fmt.Sprintf("%s = %s", column, placeholderFor[column]))
		}
	}

	query := fmt.Sprintf(
		"WITH updated AS (UPDATE %s SET %s WHERE entity_id = %s RETURNING entity_id) "+
			"INSERT INTO %s (%s) SELECT %s WHERE NOT EXISTS (SELECT 1 FROM updated)",
		name,
		strings.Join(setClauses, ", "),
		placeholderFor["entity_id"],
		name,
		strings.Join(columns, ", "),
		strings.Join(insertValues, ", "),
	)
	return query, args, nil
}
