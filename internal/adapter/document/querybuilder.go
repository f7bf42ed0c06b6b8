package document

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chroniclekit/chronicle/internal/adapter"
	"github.com/chroniclekit/chronicle/internal/domain"
	"github.com/chroniclekit/chronicle/pkg/sqlvalidator"
)

// docPath renders a validated field name as a json_extract expression.
func docPath(field string) (string, error) {
	name, err := sqlvalidator.ValidateIdentifier(field, "document field")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("json_extract(doc, '$.%s')", name), nil
}

// buildDocConditions renders condition clauses against document fields.
// Keys are sorted so statements are deterministic.
func buildDocConditions(conditions domain.Record) ([]string, []any, error) {
	keys := make([]string, 0, len(conditions))
	for key := range conditions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := []any{}
	for _, key := range keys {
		path, err := docPath(key)
		if err != nil {
			return nil, nil, err
		}
		value := conditions[key]
		switch v := value.(type) {
		case nil:
			clauses = append(clauses, path+" IS NULL")
		case []any:
			if len(v) == 0 {
				clauses = append(clauses, "1 = 0")
				continue
			}
			markers := make([]string, len(v))
			for i, item := range v {
				markers[i] = "?"
				args = append(args, item)
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", path, strings.Join(markers, ", ")))
		default:
			clauses = append(clauses, path+" = ?")
			args = append(args, value)
		}
	}
	return clauses, args, nil
}

func buildDocSelect(collection string, conditions domain.Record, opts adapter.QueryOptions) (string, []any, error) {
	if len(opts.Joins) > 0 {
		return "", nil, fmt.Errorf("document store does not support joins")
	}
	if len(opts.AdditionalFields) > 0 {
		return "", nil, fmt.Errorf("document store does not support additional select fields")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT doc FROM %s", collection)

	where := []string{}
	if !opts.IncludeInactive {
		where = append(where, "json_extract(doc, '$.active') = 1")
	}
	clauses, args, err := buildDocConditions(conditions)
	if err != nil {
		return "", nil, err
	}
	where = append(where, clauses...)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	if len(opts.Sort) > 0 {
		fields, err := sqlvalidator.ValidateSortList(opts.Sort)
		if err != nil {
			return "", nil, err
		}
		rendered := make([]string, len(fields))
		for i, field := range fields {
			path, err := docPath(field.Field)
			if err != nil {
				return "", nil, err
			}
			rendered[i] = path + " " + field.Direction
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(rendered, ", "))
	}

	limitOffset, err := adapter.BuildLimitOffset(opts.Limit, opts.Offset)
	if err != nil {
		return "", nil, err
	}
	b.WriteString(limitOffset)

	return b.String(), args, nil
}

func buildDocCount(collection string, conditions domain.Record, includeInactive bool) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT COUNT(*) FROM %s", collection)

	where := []string{}
	if !includeInactive {
		where = append(where, "json_extract(doc, '$.active') = 1")
	}
	clauses, args, err := buildDocConditions(conditions)
	if err != nil {
		return "", nil, err
	}
	where = append(where, clauses...)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	return b.String(), args, nil
}
