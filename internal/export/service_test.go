package export

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/chroniclekit/chronicle/internal/domain"
)

func TestExportRecords_WritesWorkbook(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(zerolog.Nop(), WithDirectory(dir))

	changedOn := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []domain.Record{
		{"entity_id": "e1", "active": true, "changed_on": changedOn, "name": "Ada"},
		{"entity_id": "e2", "active": false, "name": "Brian", "nickname": "B"},
	}

	path, err := svc.ExportRecords(context.Background(), "People Export", records)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.HasPrefix(path, dir) || !strings.HasSuffix(path, ".xlsx") {
		t.Fatalf("unexpected path %q", path)
	}

	file, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("failed to open workbook: %v", err)
	}
	defer file.Close()

	rows, err := file.GetRows(sheetName)
	if err != nil {
		t.Fatalf("failed to read sheet: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus two rows, got %d", len(rows))
	}

	header := rows[0]
	if header[0] != "entity_id" || header[1] != "active" || header[2] != "changed_on" {
		t.Fatalf("audit columns must lead: %v", header)
	}
	if header[3] != "name" || header[4] != "nickname" {
		t.Fatalf("remaining columns must be alphabetical: %v", header)
	}

	if rows[1][0] != "e1" || rows[1][3] != "Ada" {
		t.Fatalf("unexpected first row %v", rows[1])
	}
	if rows[1][2] != "2025-03-01T12:00:00Z" {
		t.Fatalf("timestamps must render RFC 3339, got %q", rows[1][2])
	}
	// Sparse cells stay empty rather than shifting columns.
	if len(rows[2]) > 4 && rows[2][3] != "Brian" {
		t.Fatalf("unexpected second row %v", rows[2])
	}
}

func TestExportRecords_EmptySet(t *testing.T) {
	svc := NewService(zerolog.Nop(), WithDirectory(t.TempDir()))

	path, err := svc.ExportRecords(context.Background(), "empty", nil)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	file, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("failed to open workbook: %v", err)
	}
	defer file.Close()

	rows, err := file.GetRows(sheetName)
	if err != nil {
		t.Fatalf("failed to read sheet: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected an empty sheet, got %v", rows)
	}
}

func TestSanitizeFileComponent(t *testing.T) {
	if got := sanitizeFileComponent("People Export!"); got != "people-export" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := sanitizeFileComponent("  "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}
