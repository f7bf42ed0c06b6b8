package domain

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordOptions controls backend-specific coercion when a model is
// flattened into a Record or rebuilt from one.
type RecordOptions struct {
	// UUIDsAsStrings renders identifier fields as plain strings.
	UUIDsAsStrings bool
	// UUIDDashless additionally strips the separators from rendered ids.
	UUIDDashless bool
	// TimesAsStrings renders timestamp fields as formatted strings.
	TimesAsStrings bool
	// TimeFormat overrides the layout; RFC 3339 when empty.
	TimeFormat string
}

func (o RecordOptions) timeLayout() string {
	if o.TimeFormat != "" {
		return o.TimeFormat
	}
	return time.RFC3339Nano
}

func (o RecordOptions) formatUUID(id uuid.UUID) any {
	if !o.UUIDsAsStrings {
		return id
	}
	s := id.String()
	if o.UUIDDashless {
		s = strings.ReplaceAll(s, "-", "")
	}
	return s
}

// ToRecord flattens a model into its wire representation: every declared
// db-tagged field, relationship fields as nested records (loaded) or
// {entity_id} placeholders (unloaded), and the extra overflow merged flat.
// A never-fetched RefList is omitted entirely, distinguishing "not loaded"
// from "loaded but empty".
func ToRecord(m Model, opts RecordOptions) (Record, error) {
	rec := Record{}
	for k, v := range m.ModelMeta().Extra {
		rec[k] = v
	}
	rv := reflect.ValueOf(m).Elem()
	if err := encodeFields(rv, rec, opts); err != nil {
		return nil, err
	}
	return rec, nil
}

func encodeFields(rv reflect.Value, rec Record, opts RecordOptions) error {
	typ := rv.Type()
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		fv := rv.Field(i)

		if f.Anonymous && f.Type.Kind() == reflect.Struct && !isRefType(f.Type) {
			if err := encodeFields(fv, rec, opts); err != nil {
				return err
			}
			continue
		}

		name := f.Tag.Get("db")
		if name == "" || name == "-" {
			continue
		}

		value, err := encodeValue(fv, opts)
		if err != nil {
			return fmt.Errorf("failed to serialize field %s: %w", name, err)
		}
		if value == omitted {
			continue
		}
		rec[name] = value
	}
	return nil
}

// omitted marks fields excluded from the record, e.g. unfetched lists.
var omitted = &struct{}{}

func encodeValue(fv reflect.Value, opts RecordOptions) (any, error) {
	switch {
	case fv.Type() == reflect.TypeOf(uuid.UUID{}):
		return opts.formatUUID(fv.Interface().(uuid.UUID)), nil

	case fv.Type() == reflect.TypeOf(time.Time{}):
		t := fv.Interface().(time.Time)
		if opts.TimesAsStrings {
			return t.UTC().Format(opts.timeLayout()), nil
		}
		return t, nil

	case isRefType(fv.Type()):
		view := fv.Interface().(refView)
		if loaded, ok := view.loadedModel(); ok {
			return ToRecord(loaded, opts)
		}
		if view.EntityID() == uuid.Nil {
			return nil, nil
		}
		return Record{"entity_id": opts.formatUUID(view.EntityID())}, nil

	case isRefListType(fv.Type()):
		if fv.IsNil() {
			return omitted, nil
		}
		items := make([]any, 0, fv.Len())
		for i := 0; i < fv.Len(); i++ {
			item, err := encodeValue(fv.Index(i), opts)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil

	default:
		return fv.Interface(), nil
	}
}

// fieldIndexCache maps struct types to their db-tag field paths.
var fieldIndexCache sync.Map // reflect.Type -> map[string][]int

func fieldIndex(typ reflect.Type) map[string][]int {
	if cached, ok := fieldIndexCache.Load(typ); ok {
		return cached.(map[string][]int)
	}
	index := make(map[string][]int)
	buildFieldIndex(typ, nil, index)
	actual, _ := fieldIndexCache.LoadOrStore(typ, index)
	return actual.(map[string][]int)
}

func buildFieldIndex(typ reflect.Type, parent []int, out map[string][]int) {
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		index := append(append([]int{}, parent...), i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct && !isRefType(f.Type) {
			buildFieldIndex(f.Type, index, out)
			continue
		}
		name := f.Tag.Get("db")
		if name == "" || name == "-" {
			continue
		}
		out[name] = index
	}
}

// FromRecord rebuilds a model from a flat record. Recognized keys are
// coerced into their declared fields; anything else lands in the extra
// overflow. Malformed identifier or timestamp strings are an error: a
// stored record that fails coercion is corrupt, not ignorable.
func FromRecord(m Model, rec Record) error {
	rv := reflect.ValueOf(m).Elem()
	index := fieldIndex(rv.Type())

	for key, value := range rec {
		path, declared := index[key]
		if !declared {
			// An unflattened JSON overflow column folds back in flat.
			if key == "extra" {
				if nested, ok := value.(map[string]any); ok {
					for k, v := range nested {
						if p, ok := index[k]; ok {
							if err := decodeInto(rv.FieldByIndex(p), k, v); err != nil {
								return err
							}
						} else {
							m.ModelMeta().SetExtra(k, v)
						}
					}
					continue
				}
			}
			m.ModelMeta().SetExtra(key, value)
			continue
		}
		if err := decodeInto(rv.FieldByIndex(path), key, value); err != nil {
			return err
		}
	}
	return nil
}

func decodeInto(fv reflect.Value, name string, value any) error {
	if value == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}

	switch {
	case fv.Type() == reflect.TypeOf(uuid.UUID{}):
		id, err := coerceUUID(value)
		if err != nil {
			return fmt.Errorf("failed to decode field %s: %w", name, err)
		}
		fv.Set(reflect.ValueOf(id))
		return nil

	case fv.Type() == reflect.TypeOf(time.Time{}):
		t, err := coerceTime(value)
		if err != nil {
			return fmt.Errorf("failed to decode field %s: %w", name, err)
		}
		fv.Set(reflect.ValueOf(t))
		return nil

	case isRefType(fv.Type()):
		return decodeRef(fv, name, value)

	case isRefListType(fv.Type()):
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("failed to decode field %s: expected a list, got %T", name, value)
		}
		list := reflect.MakeSlice(fv.Type(), len(items), len(items))
		for i, item := range items {
			if err := decodeRef(list.Index(i), name, item); err != nil {
				return err
			}
		}
		fv.Set(list)
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		switch v := value.(type) {
		case string:
			fv.SetString(v)
		case []byte:
			fv.SetString(string(v))
		default:
			fv.SetString(fmt.Sprintf("%v", v))
		}
	case reflect.Bool:
		b, err := coerceBool(value)
		if err != nil {
			return fmt.Errorf("failed to decode field %s: %w", name, err)
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := coerceInt(value)
		if err != nil {
			return fmt.Errorf("failed to decode field %s: %w", name, err)
		}
		fv.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := coerceFloat(value)
		if err != nil {
			return fmt.Errorf("failed to decode field %s: %w", name, err)
		}
		fv.SetFloat(f)
	default:
		v := reflect.ValueOf(value)
		if !v.Type().AssignableTo(fv.Type()) {
			if !v.Type().ConvertibleTo(fv.Type()) {
				return fmt.Errorf("failed to decode field %s: cannot assign %T", name, value)
			}
			v = v.Convert(fv.Type())
		}
		fv.Set(v)
	}
	return nil
}

func decodeRef(fv reflect.Value, name string, value any) error {
	setter := fv.Addr().Interface().(refSetter)

	switch v := value.(type) {
	case string:
		id, err := coerceUUID(v)
		if err != nil {
			return fmt.Errorf("failed to decode relationship %s: %w", name, err)
		}
		setter.setUnloaded(id)
		return nil
	case map[string]any:
		if len(v) == 1 {
			if rawID, ok := v["entity_id"]; ok {
				id, err := coerceUUID(rawID)
				if err != nil {
					return fmt.Errorf("failed to decode relationship %s: %w", name, err)
				}
				setter.setUnloaded(id)
				return nil
			}
		}
		related := setter.newRelated()
		if err := FromRecord(related, Record(v)); err != nil {
			return fmt.Errorf("failed to decode relationship %s: %w", name, err)
		}
		return setter.setLoadedModel(related)
	case Record:
		return decodeRef(fv, name, map[string]any(v))
	default:
		return fmt.Errorf("failed to decode relationship %s: unsupported value %T", name, value)
	}
}

func coerceUUID(value any) (uuid.UUID, error) {
	switch v := value.(type) {
	case uuid.UUID:
		return v, nil
	case [16]byte:
		return uuid.UUID(v), nil
	case []byte:
		return uuid.Parse(string(v))
	case string:
		if v == "" {
			return uuid.Nil, nil
		}
		return uuid.Parse(v)
	default:
		return uuid.Nil, fmt.Errorf("cannot coerce %T into a UUID", value)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func coerceTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case []byte:
		return coerceTime(string(v))
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as a timestamp", v)
	default:
		return time.Time{}, fmt.Errorf("cannot coerce %T into a timestamp", value)
	}
}

func coerceBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case []byte:
		return coerceBool(string(v))
	case string:
		return strconv.ParseBool(v)
	default:
		return false, fmt.Errorf("cannot coerce %T into a bool", value)
	}
}

func coerceInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("cannot coerce %T into an integer", value)
	}
}

func coerceFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("cannot coerce %T into a float", value)
	}
}
