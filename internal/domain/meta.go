package domain

import (
	"time"

	"github.com/google/uuid"
)

// RootVersion is the previous_version sentinel carried by the first saved
// revision of an entity.
var RootVersion = uuid.Nil

// Record is the flat wire representation of one entity revision.
type Record map[string]any

// Meta carries the six audit fields every versioned entity persists, plus
// the schema-less extra overflow. Embed it in a model struct.
type Meta struct {
	EntityID        uuid.UUID `db:"entity_id"`
	Version         uuid.UUID `db:"version"`
	PreviousVersion uuid.UUID `db:"previous_version"`
	Active          bool      `db:"active"`
	ChangedByID     string    `db:"changed_by_id"`
	ChangedOn       time.Time `db:"changed_on"`

	// Extra holds caller-supplied fields with no declared struct field.
	// It is merged flat into the record payload, never nested under an
	// "extra" key.
	Extra map[string]any `db:"-"`
}

// Model is implemented by any struct embedding Meta.
type Model interface {
	ModelMeta() *Meta
}

// NewMeta returns audit metadata for a freshly created, unsaved entity.
func NewMeta() Meta {
	return Meta{
		EntityID: uuid.New(),
		Active:   true,
	}
}

// ModelMeta implements Model for every embedding struct.
func (m *Meta) ModelMeta() *Meta { return m }

// IsNew reports whether the entity has never been prepared for persistence.
func (m *Meta) IsNew() bool { return m.Version == uuid.Nil }

// PrepareForSave chains a new revision onto the entity: the current version
// becomes previous_version (RootVersion on the first save), a fresh version
// is generated and changed_on is stamped. changedByID is recorded when
// non-empty; it is never inferred. Every call produces a distinct revision,
// even with no field changes.
func (m *Meta) PrepareForSave(changedByID string) {
	if m.EntityID == uuid.Nil {
		m.EntityID = uuid.New()
		m.Active = true
	}
	if m.Version == uuid.Nil {
		m.PreviousVersion = RootVersion
	} else {
		m.PreviousVersion = m.Version
	}
	m.Version = uuid.New()
	m.ChangedOn = time.Now().UTC()
	if changedByID != "" {
		m.ChangedByID = changedByID
	}
}

// SetExtra records an overflow field that has no declared struct field.
func (m *Meta) SetExtra(key string, value any) {
	if m.Extra == nil {
		m.Extra = make(map[string]any)
	}
	m.Extra[key] = value
}
