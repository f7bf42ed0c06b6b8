// Package sqlvalidator validates SQL fragments that cannot be parameter-bound.
//
// Table names, ORDER BY columns, LIMIT/OFFSET values and JOIN text are
// string-interpolated into statements, so every adapter routes them through
// these allow-list checks before interpolation. Bound VALUES never pass
// through here; they stay on placeholders.
package sqlvalidator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// fieldExpressionRe accepts "column", "table.column" and "table.*".
var fieldExpressionRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.(\*|[A-Za-z_][A-Za-z0-9_]*))?$`)

var unionRe = regexp.MustCompile(`(?i)\bUNION\b`)

// reservedKeywords blocks identifiers whose underscore-separated segments
// spell out SQL verbs, e.g. "users_DROP_table".
var reservedKeywords = map[string]struct{}{
	"SELECT": {}, "INSERT": {}, "UPDATE": {}, "DELETE": {}, "DROP": {},
	"CREATE": {}, "ALTER": {}, "TRUNCATE": {}, "GRANT": {}, "REVOKE": {},
	"UNION": {}, "EXEC": {}, "EXECUTE": {}, "MERGE": {}, "CALL": {},
	"INTO": {}, "FROM": {}, "WHERE": {}, "ORDER": {}, "GROUP": {},
	"HAVING": {}, "RETURNING": {},
}

var forbiddenSubstrings = []string{";", "--", "/*", "*/"}

var joinPrefixes = []string{
	"INNER JOIN ",
	"LEFT OUTER JOIN ",
	"LEFT JOIN ",
	"RIGHT OUTER JOIN ",
	"RIGHT JOIN ",
	"FULL OUTER JOIN ",
	"FULL JOIN ",
	"CROSS JOIN ",
	"JOIN ",
}

// SortField pairs a column name with a sort direction. Order within a sort
// list is precedence and is preserved by ValidateSortList.
type SortField struct {
	Field     string
	Direction string
}

// ValidateIdentifier checks that name is a plain SQL identifier safe for
// interpolation. It returns the name unchanged on success.
func ValidateIdentifier(name, context string) (string, error) {
	if err := rejectForbidden(name, context); err != nil {
		return "", err
	}
	if !identifierRe.MatchString(name) {
		return "", fmt.Errorf("invalid %s: %q is not a valid SQL identifier", context, name)
	}
	for _, segment := range strings.Split(name, "_") {
		upper := strings.ToUpper(segment)
		if _, reserved := reservedKeywords[upper]; reserved {
			return "", fmt.Errorf("invalid %s: %q contains reserved SQL keyword %s", context, name, upper)
		}
	}
	return name, nil
}

// ValidateInteger coerces value to an integer within [minVal, maxVal].
// A nil value is accepted only when allowNil is set, in which case the
// returned pointer is nil.
func ValidateInteger(value any, context string, minVal, maxVal int, allowNil bool) (*int, error) {
	if value == nil {
		if allowNil {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid %s: value must not be nil", context)
	}

	var n int
	switch v := value.(type) {
	case int:
		n = v
	case int32:
		n = int(v)
	case int64:
		n = int(v)
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("invalid %s: %v is not an integer", context, v)
		}
		n = int(v)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %q is not an integer", context, v)
		}
		n = parsed
	default:
		return nil, fmt.Errorf("invalid %s: unsupported type %T", context, value)
	}

	if n < minVal || n > maxVal {
		return nil, fmt.Errorf("invalid %s: %d is outside the range [%d, %d]", context, n, minVal, maxVal)
	}
	return &n, nil
}

// ValidateSortDirection normalizes direction to "ASC" or "DESC".
func ValidateSortDirection(direction string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(direction))
	if normalized != "ASC" && normalized != "DESC" {
		return "", fmt.Errorf("invalid sort direction: %q (expected ASC or DESC)", direction)
	}
	return normalized, nil
}

// ValidateFieldExpression accepts "[table.]column[ AS alias]" and "table.*".
func ValidateFieldExpression(field string) (string, error) {
	if err := rejectForbidden(field, "field expression"); err != nil {
		return "", err
	}

	expr := strings.TrimSpace(field)
	base := expr
	if idx := indexFold(expr, " AS "); idx >= 0 {
		base = strings.TrimSpace(expr[:idx])
		alias := strings.TrimSpace(expr[idx+4:])
		if _, err := ValidateIdentifier(alias, "field alias"); err != nil {
			return "", err
		}
	}
	if !fieldExpressionRe.MatchString(base) {
		return "", fmt.Errorf("invalid field expression: %q", field)
	}
	return expr, nil
}

// ValidateJoinStatement checks a raw JOIN fragment: it must start with a
// recognized JOIN keyword, name a table and carry an ON clause. UNION,
// statement terminators and comment syntax are rejected outright.
func ValidateJoinStatement(stmt string) (string, error) {
	if err := rejectForbidden(stmt, "join statement"); err != nil {
		return "", err
	}
	if unionRe.MatchString(stmt) {
		return "", fmt.Errorf("invalid join statement: %q contains UNION", stmt)
	}

	trimmed := strings.TrimSpace(stmt)
	upper := strings.ToUpper(trimmed)
	var rest string
	matched := false
	for _, prefix := range joinPrefixes {
		if strings.HasPrefix(upper, prefix) {
			rest = trimmed[len(prefix):]
			matched = true
			break
		}
	}
	if !matched {
		return "", fmt.Errorf("invalid join statement: %q does not start with a JOIN keyword", stmt)
	}

	parts := strings.Fields(rest)
	if len(parts) == 0 {
		return "", fmt.Errorf("invalid join statement: %q is missing a table name", stmt)
	}
	if _, err := ValidateIdentifier(parts[0], "join table"); err != nil {
		return "", err
	}
	if indexFold(rest, " ON ") < 0 {
		return "", fmt.Errorf("invalid join statement: %q is missing an ON clause", stmt)
	}
	return trimmed, nil
}

// ValidateSortList validates every field/direction pair, normalizing the
// directions. The input order is sort precedence and is preserved.
func ValidateSortList(fields []SortField) ([]SortField, error) {
	validated := make([]SortField, 0, len(fields))
	for _, sf := range fields {
		name, err := ValidateIdentifier(sf.Field, "sort column")
		if err != nil {
			return nil, err
		}
		direction, err := ValidateSortDirection(sf.Direction)
		if err != nil {
			return nil, err
		}
		validated = append(validated, SortField{Field: name, Direction: direction})
	}
	return validated, nil
}

func rejectForbidden(value, context string) error {
	for _, sub := range forbiddenSubstrings {
		if strings.Contains(value, sub) {
			return fmt.Errorf("invalid %s: %q contains forbidden sequence %q", context, value, sub)
		}
	}
	return nil
}

// indexFold returns the index of the first case-insensitive match of sub.
func indexFold(s, sub string) int {
	return strings.Index(strings.ToUpper(s), strings.ToUpper(sub))
}
