package postgres

import (
	"strings"
	"testing"

	"github.com/chroniclekit/chronicle/internal/adapter"
	"github.com/chroniclekit/chronicle/internal/domain"
)

func TestBuildSelect_DefaultActiveFilter(t *testing.T) {
	query, args, err := buildSelect("person", domain.Record{"last_name": "Doe"}, adapter.QueryOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT * FROM person WHERE active = TRUE AND last_name = $1"
	if query != want {
		t.Fatalf("unexpected query %q", query)
	}
	if len(args) != 1 || args[0] != "Doe" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuildSelect_IncludeInactive(t *testing.T) {
	query, _, err := buildSelect("person", nil, adapter.QueryOptions{IncludeInactive: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(query, "active") {
		t.Fatalf("expected no active filter, got %q", query)
	}
}

func TestBuildSelect_SortLimitOffsetJoins(t *testing.T) {
	limit, offset := 10, 5
	query, _, err := buildSelect("person", nil, adapter.QueryOptions{
		Sort:   []adapter.SortField{{Field: "last_name", Direction: "desc"}},
		Limit:  &limit,
		Offset: &offset,
		Joins:  []string{"JOIN address ON address.entity_id = person.address_id"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT person.* FROM person JOIN address ON address.entity_id = person.address_id" +
		" WHERE person.active = TRUE ORDER BY last_name DESC LIMIT 10 OFFSET 5"
	if query != want {
		t.Fatalf("unexpected query %q", query)
	}
}

func TestBuildSelect_RejectsBadFragments(t *testing.T) {
	if _, _, err := buildSelect("person; DROP TABLE person", nil, adapter.QueryOptions{}); err == nil {
		t.Fatalf("expected table validation error")
	}
	if _, _, err := buildSelect("person", domain.Record{"x; --": 1}, adapter.QueryOptions{}); err == nil {
		t.Fatalf("expected condition validation error")
	}
	badLimit := -1
	if _, _, err := buildSelect("person", nil, adapter.QueryOptions{Limit: &badLimit}); err == nil {
		t.Fatalf("expected limit validation error")
	}
}

func TestBuildUpsert(t *testing.T) {
	query, args, err := buildUpsert("person", domain.Record{
		"entity_id":  "abc",
		"first_name": "John",
		"active":     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "WITH updated AS (UPDATE person SET active = $1, first_name = $3 WHERE entity_id = $2 RETURNING entity_id) " +
		"INSERT INTO person (active, entity_id, first_name) SELECT $1, $2, $3 WHERE NOT EXISTS (SELECT 1 FROM updated)"
	if query != want {
		t.Fatalf("unexpected query %q", query)
	}
	if len(args) != 3 || args[0] != true || args[1] != "abc" || args[2] != "John" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuildUpsert_RequiresEntityID(t *testing.T) {
	if _, _, err := buildUpsert("person", domain.Record{"first_name": "John"}); err == nil {
		t.Fatalf("expected error for missing entity_id")
	}
}

func TestBuildCount(t *testing.T) {
	query, args, err := buildCount("person", domain.Record{"latest": true}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if query != "SELECT COUNT(*) FROM person WHERE active = TRUE AND latest = $1" {
		t.Fatalf("unexpected query %q", query)
	}
	if len(args) != 1 || args[0] != true {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestFoldRecord_OverflowColumn(t *testing.T) {
	columns := map[string]struct{}{
		"entity_id": {}, "first_name": {}, "extra": {},
	}
	physical, dropped, err := adapter.FoldRecord(domain.Record{
		"entity_id":  "abc",
		"first_name": "John",
		"nickname":   "Johnny",
	}, columns)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dropped) != 0 {
		t.Fatalf("expected no drops, got %v", dropped)
	}
	encoded, ok := physical["extra"].(string)
	if !ok || !strings.Contains(encoded, `"nickname":"Johnny"`) {
		t.Fatalf("unexpected extra column %v", physical["extra"])
	}
}

func TestFoldRecord_DropsWithoutOverflowColumn(t *testing.T) {
	columns := map[string]struct{}{"entity_id": {}}
	physical, dropped, err := adapter.FoldRecord(domain.Record{
		"entity_id": "abc",
		"nickname":  "Johnny",
		"age":       30,
	}, columns)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dropped) != 2 || dropped[0] != "age" || dropped[1] != "nickname" {
		t.Fatalf("unexpected dropped fields %v", dropped)
	}
	if _, present := physical["nickname"]; present {
		t.Fatalf("dropped field leaked into physical record")
	}
}

func TestFoldRecord_CollapsesReferences(t *testing.T) {
	columns := map[string]struct{}{"entity_id": {}, "address_id": {}}
	physical, _, err := adapter.FoldRecord(domain.Record{
		"entity_id":  "abc",
		"address_id": domain.Record{"entity_id": "addr-1", "street": "1 Main St"},
	}, columns)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if physical["address_id"] != "addr-1" {
		t.Fatalf("expected collapsed reference, got %v", physical["address_id"])
	}
}

func TestFlattenExtra(t *testing.T) {
	rec := domain.Record{
		"entity_id": "abc",
		"extra":     []byte(`{"nickname":"Johnny"}`),
	}
	if err := flattenExtra(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec["nickname"] != "Johnny" {
		t.Fatalf("expected flattened field, got %v", rec)
	}
	if _, present := rec["extra"]; present {
		t.Fatalf("extra key must be removed")
	}
}

func TestIsDeadlock(t *testing.T) {
	if isDeadlock(nil) {
		t.Fatalf("nil is not a deadlock")
	}
	if isDeadlock(adapter.ErrNoConnection) {
		t.Fatalf("lifecycle errors are not deadlocks")
	}
}
