package adapter

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/chroniclekit/chronicle/internal/domain"
)

// FoldRecord splits a record against a physical column set: values with a
// matching column pass through (relationship values collapsed to their
// entity id), the rest fold into the JSON overflow column when the table
// has one. Without an overflow column the leftover field names are
// returned so the caller can surface the drop; dropping is deliberate and
// observable, never silent.
func FoldRecord(record domain.Record, columns map[string]struct{}) (domain.Record, []string, error) {
	physical := make(domain.Record, len(record))
	overflow := make(map[string]any)

	for key, value := range record {
		if key == "extra" {
			continue
		}
		if _, ok := columns[key]; ok {
			collapsed, err := collapseForColumn(key, value)
			if err != nil {
				return nil, nil, err
			}
			physical[key] = collapsed
			continue
		}
		overflow[key] = value
	}

	if len(overflow) == 0 {
		return physical, nil, nil
	}

	if _, ok := columns["extra"]; ok {
		encoded, err := json.Marshal(overflow)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode extra fields: %w", err)
		}
		physical["extra"] = string(encoded)
		return physical, nil, nil
	}

	dropped := make([]string, 0, len(overflow))
	for key := range overflow {
		dropped = append(dropped, key)
	}
	sort.Strings(dropped)
	return physical, dropped, nil
}

// collapseForColumn reduces relationship renderings to storable column
// values: a nested record becomes its entity id, a list of them becomes a
// JSON array of ids.
func collapseForColumn(key string, value any) (any, error) {
	switch v := value.(type) {
	case domain.Record:
		return referenceID(key, v)
	case map[string]any:
		return referenceID(key, v)
	case []any:
		ids := make([]any, len(v))
		for i, item := range v {
			collapsed, err := collapseForColumn(key, item)
			if err != nil {
				return nil, err
			}
			ids[i] = collapsed
		}
		encoded, err := json.Marshal(ids)
		if err != nil {
			return nil, fmt.Errorf("failed to encode reference list %s: %w", key, err)
		}
		return string(encoded), nil
	default:
		return value, nil
	}
}

func referenceID(key string, rec map[string]any) (any, error) {
	id, ok := rec["entity_id"]
	if !ok {
		return nil, fmt.Errorf("failed to collapse %s: nested value has no entity_id", key)
	}
	return id, nil
}
