package adapter

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/chroniclekit/chronicle/internal/domain"
	"github.com/chroniclekit/chronicle/pkg/sqlvalidator"
)

// Placeholder renders the bind marker for the i-th argument (1-based).
type Placeholder func(i int) string

// DollarPlaceholder is the PostgreSQL $n style.
func DollarPlaceholder(i int) string { return fmt.Sprintf("$%d", i) }

// QuestionPlaceholder is the MySQL/SQLite ? style.
func QuestionPlaceholder(int) string { return "?" }

// BuildConditions renders an ANDed WHERE fragment from the condition map.
// Column names are identifier-validated; values stay parameter-bound.
// Slice values become IN lists. Keys are emitted in sorted order so the
// generated SQL is deterministic.
func BuildConditions(conditions domain.Record, startIndex int, ph Placeholder) (string, []any, error) {
	if len(conditions) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(conditions))
	for k := range conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		clauses []string
		args    []any
		index   = startIndex
	)
	for _, key := range keys {
		column, err := sqlvalidator.ValidateIdentifier(key, "condition column")
		if err != nil {
			return "", nil, err
		}

		value := conditions[key]
		rv := reflect.ValueOf(value)
		if value != nil && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
			if rv.Len() == 0 {
				clauses = append(clauses, "1 = 0")
				continue
			}
			markers := make([]string, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				markers[i] = ph(index)
				args = append(args, rv.Index(i).Interface())
				index++
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", column, strings.Join(markers, ", ")))
			continue
		}

		if value == nil {
			clauses = append(clauses, fmt.Sprintf("%s IS NULL", column))
			continue
		}

		clauses = append(clauses, fmt.Sprintf("%s = %s", column, ph(index)))
		args = append(args, value)
		index++
	}

	return strings.Join(clauses, " AND "), args, nil
}

// BuildOrderBy renders a validated ORDER BY clause, empty when no sort is
// requested.
func BuildOrderBy(sort []SortField) (string, error) {
	if len(sort) == 0 {
		return "", nil
	}
	validated, err := sqlvalidator.ValidateSortList(sort)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(validated))
	for i, sf := range validated {
		parts[i] = sf.Field + " " + sf.Direction
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

// BuildLimitOffset renders validated LIMIT/OFFSET clauses. Values are
// integer-validated because these positions cannot be parameter-bound on
// every backend.
func BuildLimitOffset(limit, offset *int) (string, error) {
	var b strings.Builder
	if limit != nil {
		n, err := sqlvalidator.ValidateInteger(*limit, "limit", 0, 1<<31-1, false)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, " LIMIT %d", *n)
	}
	if offset != nil {
		n, err := sqlvalidator.ValidateInteger(*offset, "offset", 0, 1<<31-1, false)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, " OFFSET %d", *n)
	}
	return b.String(), nil
}

// BuildJoins validates and concatenates raw JOIN fragments.
func BuildJoins(joins []string) (string, error) {
	if len(joins) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, j := range joins {
		stmt, err := sqlvalidator.ValidateJoinStatement(j)
		if err != nil {
			return "", err
		}
		b.WriteString(" ")
		b.WriteString(stmt)
	}
	return b.String(), nil
}

// BuildSelectFields renders the projection: the base star selector plus any
// validated additional field expressions.
func BuildSelectFields(table string, hasJoins bool, additional []string) (string, error) {
	base := "*"
	if hasJoins {
		base = table + ".*"
	}
	fields := []string{base}
	for _, f := range additional {
		expr, err := sqlvalidator.ValidateFieldExpression(f)
		if err != nil {
			return "", err
		}
		fields = append(fields, expr)
	}
	return strings.Join(fields, ", "), nil
}
