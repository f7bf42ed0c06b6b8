package domain

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// Ref is a direct relationship to another model. It is a tagged variant:
// either Unloaded, exposing only the related entity id, or Loaded, carrying
// the fetched model. Accessing the value of an unloaded reference fails
// with ErrNotFetched instead of handing back a half-populated model.
type Ref[T any] struct {
	entityID uuid.UUID
	value    *T
	loaded   bool
}

// RefTo returns an unloaded placeholder holding only the related entity id.
func RefTo[T any](entityID uuid.UUID) Ref[T] {
	return Ref[T]{entityID: entityID}
}

// LoadedRef wraps a fully fetched related model. The entity id is read from
// the model's own metadata.
func LoadedRef[T any](value *T) Ref[T] {
	r := Ref[T]{value: value, loaded: true}
	if m, ok := any(value).(Model); ok {
		r.entityID = m.ModelMeta().EntityID
	}
	return r
}

// EntityID is available on both variants; it is the only field an unloaded
// reference exposes.
func (r Ref[T]) EntityID() uuid.UUID { return r.entityID }

// Loaded reports whether the related model has been fetched.
func (r Ref[T]) Loaded() bool { return r.loaded }

// IsZero reports whether the reference points at nothing at all.
func (r Ref[T]) IsZero() bool { return !r.loaded && r.entityID == uuid.Nil }

// Value returns the fetched model, or ErrNotFetched for an unloaded
// placeholder.
func (r Ref[T]) Value() (*T, error) {
	if !r.loaded {
		return nil, fmt.Errorf("%w (entity_id %s)", ErrNotFetched, r.entityID)
	}
	return r.value, nil
}

// MustValue is Value for call sites that have just loaded the reference.
func (r Ref[T]) MustValue() *T {
	v, err := r.Value()
	if err != nil {
		panic(err)
	}
	return v
}

// RefList is a to-many relationship. A nil list means "never fetched" and
// is omitted from serialized records; an empty non-nil list means "fetched,
// no rows".
type RefList[T any] []Ref[T]

// Loaded reports whether the list was ever fetched.
func (l RefList[T]) Loaded() bool { return l != nil }

// refView is the reflection-facing read side shared by every Ref[T].
type refView interface {
	EntityID() uuid.UUID
	Loaded() bool
	loadedModel() (Model, bool)
}

// refSetter is the reflection-facing write side, implemented on *Ref[T].
type refSetter interface {
	setUnloaded(id uuid.UUID)
	setLoadedModel(m Model) error
	newRelated() Model
}

func (r Ref[T]) loadedModel() (Model, bool) {
	if !r.loaded {
		return nil, false
	}
	m, ok := any(r.value).(Model)
	return m, ok
}

func (r *Ref[T]) setUnloaded(id uuid.UUID) {
	r.entityID = id
	r.value = nil
	r.loaded = false
}

func (r *Ref[T]) setLoadedModel(m Model) error {
	v, ok := any(m).(*T)
	if !ok {
		return fmt.Errorf("failed to attach related model: expected %T, got %T", r.value, m)
	}
	r.value = v
	r.loaded = true
	r.entityID = m.ModelMeta().EntityID
	return nil
}

func (r *Ref[T]) newRelated() Model {
	var v T
	m, ok := any(&v).(Model)
	if !ok {
		panic(fmt.Sprintf("related type %T does not embed domain.Meta", &v))
	}
	return m
}

var (
	refViewType   = reflect.TypeOf((*refView)(nil)).Elem()
	refSetterType = reflect.TypeOf((*refSetter)(nil)).Elem()
)

// isRefType reports whether t is a Ref[T] of some related model.
func isRefType(t reflect.Type) bool {
	return t.Kind() == reflect.Struct && t.Implements(refViewType) && reflect.PointerTo(t).Implements(refSetterType)
}

// isRefListType reports whether t is a RefList[T].
func isRefListType(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && isRefType(t.Elem())
}
