package domain

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/chroniclekit/chronicle/pkg/sqlvalidator"
)

// RelationKind distinguishes direct references from to-many lists.
type RelationKind int

const (
	RelationOne RelationKind = iota + 1
	RelationMany
)

// Relation describes one relationship field of a registered model. The
// registry resolves related types once, at registration time; nothing is
// located dynamically per instantiation.
type Relation struct {
	Name        string // record key, from the db tag
	FieldName   string // Go struct field
	Table       string // related table, from the rel tag
	Kind        RelationKind
	relatedType reflect.Type
	index       []int
}

// NewRelated returns a fresh instance of the related model.
func (r *Relation) NewRelated() Model {
	return reflect.New(r.relatedType).Interface().(Model)
}

// ModelInfo is the registered schema of one model type.
type ModelInfo struct {
	Table     string
	typ       reflect.Type
	relations map[string]*Relation
}

// Relation returns the relationship registered under the given record key.
func (info *ModelInfo) Relation(name string) (*Relation, bool) {
	rel, ok := info.relations[name]
	return rel, ok
}

// Relations returns all registered relationships.
func (info *ModelInfo) Relations() map[string]*Relation {
	return info.relations
}

var registry = struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*ModelInfo
}{byType: make(map[reflect.Type]*ModelInfo)}

// Register records the table and relationship layout for model type T.
// It is meant to run once per type, at package init.
func Register[T any, PT interface {
	Model
	*T
}](table string) (*ModelInfo, error) {
	if _, err := sqlvalidator.ValidateIdentifier(table, "table name"); err != nil {
		return nil, err
	}

	typ := reflect.TypeOf((*T)(nil)).Elem()
	info := &ModelInfo{
		Table:     table,
		typ:       typ,
		relations: make(map[string]*Relation),
	}
	if err := collectRelations(typ, nil, info.relations); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", typ, err)
	}

	registry.mu.Lock()
	registry.byType[typ] = info
	registry.mu.Unlock()
	return info, nil
}

// MustRegister is Register for init-time declarations.
func MustRegister[T any, PT interface {
	Model
	*T
}](table string) *ModelInfo {
	info, err := Register[T, PT](table)
	if err != nil {
		panic(err)
	}
	return info
}

func collectRelations(typ reflect.Type, parent []int, out map[string]*Relation) error {
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		index := append(append([]int{}, parent...), i)

		if f.Anonymous && f.Type.Kind() == reflect.Struct && !isRefType(f.Type) {
			if err := collectRelations(f.Type, index, out); err != nil {
				return err
			}
			continue
		}

		name := f.Tag.Get("db")
		if name == "" || name == "-" {
			continue
		}

		switch {
		case isRefType(f.Type):
			relTable := f.Tag.Get("rel")
			if relTable == "" {
				return fmt.Errorf("relationship field %s is missing a rel tag", f.Name)
			}
			out[name] = &Relation{
				Name:        name,
				FieldName:   f.Name,
				Table:       relTable,
				Kind:        RelationOne,
				relatedType: relatedTypeOf(f.Type),
				index:       index,
			}
		case isRefListType(f.Type):
			relTable := f.Tag.Get("rel")
			if relTable == "" {
				return fmt.Errorf("relationship field %s is missing a rel tag", f.Name)
			}
			out[name] = &Relation{
				Name:        name,
				FieldName:   f.Name,
				Table:       relTable,
				Kind:        RelationMany,
				relatedType: relatedTypeOf(f.Type.Elem()),
				index:       index,
			}
		}
	}
	return nil
}

// relatedTypeOf extracts T from a Ref[T] struct type via its value field.
func relatedTypeOf(refType reflect.Type) reflect.Type {
	f, ok := refType.FieldByName("value")
	if !ok {
		panic(fmt.Sprintf("type %s is not a domain.Ref", refType))
	}
	return f.Type.Elem()
}

// InfoFor looks up the registered schema of a model instance.
func InfoFor(m Model) (*ModelInfo, error) {
	typ := reflect.TypeOf(m)
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	registry.mu.RLock()
	info, ok := registry.byType[typ]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, typ)
	}
	return info, nil
}

// TableFor returns the registered table of a model instance.
func TableFor(m Model) (string, error) {
	info, err := InfoFor(m)
	if err != nil {
		return "", err
	}
	return info.Table, nil
}

// RelatedIDs gathers the entity ids a relationship field currently points
// at, whether loaded or not. A never-fetched RefList yields no ids.
func (info *ModelInfo) RelatedIDs(m Model, name string) ([]uuid.UUID, error) {
	rel, ok := info.relations[name]
	if !ok {
		return nil, fmt.Errorf("unknown relationship %q on table %s", name, info.Table)
	}
	fv := reflect.ValueOf(m).Elem().FieldByIndex(rel.index)

	switch rel.Kind {
	case RelationOne:
		view := fv.Interface().(refView)
		if view.EntityID() == uuid.Nil {
			return nil, nil
		}
		return []uuid.UUID{view.EntityID()}, nil
	default:
		var ids []uuid.UUID
		for i := 0; i < fv.Len(); i++ {
			view := fv.Index(i).Interface().(refView)
			if view.EntityID() != uuid.Nil {
				ids = append(ids, view.EntityID())
			}
		}
		return ids, nil
	}
}

// AttachRelated marks relationship placeholders as loaded using the fetched
// models, matching on entity id.
func (info *ModelInfo) AttachRelated(m Model, name string, related []Model) error {
	rel, ok := info.relations[name]
	if !ok {
		return fmt.Errorf("unknown relationship %q on table %s", name, info.Table)
	}
	byID := make(map[uuid.UUID]Model, len(related))
	for _, r := range related {
		byID[r.ModelMeta().EntityID] = r
	}

	fv := reflect.ValueOf(m).Elem().FieldByIndex(rel.index)
	switch rel.Kind {
	case RelationOne:
		setter := fv.Addr().Interface().(refSetter)
		view := fv.Interface().(refView)
		if loaded, ok := byID[view.EntityID()]; ok {
			return setter.setLoadedModel(loaded)
		}
		return nil
	default:
		for i := 0; i < fv.Len(); i++ {
			setter := fv.Index(i).Addr().Interface().(refSetter)
			view := fv.Index(i).Interface().(refView)
			if loaded, ok := byID[view.EntityID()]; ok {
				if err := setter.setLoadedModel(loaded); err != nil {
					return err
				}
			}
		}
		return nil
	}
}
