// Package export writes record sets to spreadsheet files.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/chroniclekit/chronicle/internal/domain"
)

const sheetName = "Export"

// Service renders records into .xlsx workbooks under a configured
// directory.
type Service struct {
	dir string
	log zerolog.Logger
}

type Option func(*Service)

// WithDirectory sets where finished workbooks land.
func WithDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.dir = filepath.Clean(dir)
		}
	}
}

func NewService(log zerolog.Logger, opts ...Option) *Service {
	service := &Service{
		dir: filepath.Join(os.TempDir(), "chronicle-exports"),
		log: log,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// ExportRecords writes the records to a new workbook and returns its path.
// Columns are the sorted union of every record's keys, so sparse records
// from the extra overflow still line up.
func (s *Service) ExportRecords(ctx context.Context, baseName string, records []domain.Record) (string, error) {
	if err := s.ensureDirectory(); err != nil {
		return "", err
	}

	headers := columnUnion(records)
	file := excelize.NewFile()
	defer file.Close()

	sheet, err := file.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("failed to create sheet: %w", err)
	}
	file.SetActiveSheet(sheet)
	if err := file.DeleteSheet("Sheet1"); err != nil {
		return "", fmt.Errorf("failed to drop default sheet: %w", err)
	}

	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return "", fmt.Errorf("failed to address header cell: %w", err)
		}
		if err := file.SetCellValue(sheetName, cell, header); err != nil {
			return "", fmt.Errorf("failed to write header: %w", err)
		}
	}

	for row, record := range records {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		for col, header := range headers {
			value, ok := record[header]
			if !ok {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return "", fmt.Errorf("failed to address cell: %w", err)
			}
			if err := file.SetCellValue(sheetName, cell, formatValue(value)); err != nil {
				return "", fmt.Errorf("failed to write row %d: %w", row+1, err)
			}
		}
	}

	path := filepath.Join(s.dir, s.fileName(baseName))
	if err := file.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save workbook: %w", err)
	}
	s.log.Info().Str("path", path).Int("rows", len(records)).Msg("export completed")
	return path, nil
}

func (s *Service) ensureDirectory() error {
	if strings.TrimSpace(s.dir) == "" {
		return fmt.Errorf("export directory is not configured")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to ensure export directory: %w", err)
	}
	return nil
}

func (s *Service) fileName(baseName string) string {
	base := sanitizeFileComponent(baseName)
	if base == "" {
		base = "export"
	}
	return fmt.Sprintf("%s-%s.xlsx", base, time.Now().UTC().Format("20060102-150405"))
}

// columnUnion collects every key across the records, audit fields first,
// the rest alphabetical.
func columnUnion(records []domain.Record) []string {
	seen := map[string]struct{}{}
	for _, record := range records {
		for key := range record {
			seen[key] = struct{}{}
		}
	}

	leading := []string{"entity_id", "version", "previous_version", "active", "changed_by_id", "changed_on"}
	headers := make([]string, 0, len(seen))
	for _, key := range leading {
		if _, ok := seen[key]; ok {
			headers = append(headers, key)
			delete(seen, key)
		}
	}
	rest := make([]string, 0, len(seen))
	for key := range seen {
		rest = append(rest, key)
	}
	sort.Strings(rest)
	return append(headers, rest...)
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	return strings.Trim(builder.String(), "-")
}

func formatValue(value any) any {
	switch v := value.(type) {
	case nil:
		return ""
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case map[string]any, []any, domain.Record:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	case fmt.Stringer:
		return v.String()
	default:
		return value
	}
}
