package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type testAddress struct {
	Meta
	Street string `db:"street"`
	City   string `db:"city"`
}

type testTag struct {
	Meta
	Name string `db:"name"`
}

type testPerson struct {
	Meta
	FirstName string           `db:"first_name"`
	LastName  string           `db:"last_name"`
	Address   Ref[testAddress] `db:"address_id" rel:"address"`
	Tags      RefList[testTag] `db:"tag_ids" rel:"tag"`
}

var (
	_ = MustRegister[testAddress, *testAddress]("address")
	_ = MustRegister[testTag, *testTag]("tag")
	_ = MustRegister[testPerson, *testPerson]("person")
)

func TestPrepareForSave_ChainsVersions(t *testing.T) {
	p := &testPerson{Meta: NewMeta(), FirstName: "John", LastName: "Doe"}

	seen := make(map[uuid.UUID]struct{})
	var prior uuid.UUID
	for k := 0; k < 5; k++ {
		p.PrepareForSave("jane_doe")
		if k == 0 {
			if p.PreviousVersion != RootVersion {
				t.Fatalf("expected root sentinel on first save, got %s", p.PreviousVersion)
			}
		} else if p.PreviousVersion != prior {
			t.Fatalf("previous_version %s does not chain to prior version %s", p.PreviousVersion, prior)
		}
		if _, dup := seen[p.Version]; dup {
			t.Fatalf("version %s repeated", p.Version)
		}
		seen[p.Version] = struct{}{}
		prior = p.Version
	}
}

func TestPrepareForSave_FirstSaveDefaults(t *testing.T) {
	p := &testPerson{FirstName: "John", LastName: "Doe"}
	p.PrepareForSave("jane_doe")

	if p.EntityID == uuid.Nil {
		t.Fatalf("expected entity_id to be generated")
	}
	if p.Version == p.PreviousVersion {
		t.Fatalf("version must differ from previous_version")
	}
	if p.ChangedByID != "jane_doe" {
		t.Fatalf("expected changed_by_id jane_doe, got %q", p.ChangedByID)
	}
	if !p.Active {
		t.Fatalf("expected new entity to be active")
	}
	if p.ChangedOn.IsZero() {
		t.Fatalf("expected changed_on to be stamped")
	}
}

func TestPrepareForSave_EmptyActorKeepsPrevious(t *testing.T) {
	p := &testPerson{Meta: NewMeta()}
	p.PrepareForSave("jane_doe")
	p.PrepareForSave("")
	if p.ChangedByID != "jane_doe" {
		t.Fatalf("expected prior actor preserved, got %q", p.ChangedByID)
	}
}

func TestRef_PartialGuard(t *testing.T) {
	id := uuid.New()
	ref := RefTo[testAddress](id)

	if ref.EntityID() != id {
		t.Fatalf("entity id must stay accessible on an unloaded reference")
	}
	if _, err := ref.Value(); !errors.Is(err, ErrNotFetched) {
		t.Fatalf("expected ErrNotFetched, got %v", err)
	}

	addr := &testAddress{Meta: NewMeta(), Street: "1 Main St"}
	loaded := LoadedRef(addr)
	got, err := loaded.Value()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Street != "1 Main St" {
		t.Fatalf("unexpected street %q", got.Street)
	}
	if loaded.EntityID() != addr.EntityID {
		t.Fatalf("loaded reference must expose the model's entity id")
	}
}

func TestToRecord_FlattensExtra(t *testing.T) {
	p := &testPerson{Meta: NewMeta(), FirstName: "Alice"}
	p.SetExtra("k", "v")

	rec, err := ToRecord(p, RecordOptions{UUIDsAsStrings: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec["k"] != "v" {
		t.Fatalf("expected extra field at top level, got %v", rec["k"])
	}
	if _, present := rec["extra"]; present {
		t.Fatalf("record must not contain a literal extra key")
	}
	if rec["first_name"] != "Alice" {
		t.Fatalf("unexpected first_name %v", rec["first_name"])
	}
}

func TestToRecord_RelationshipRendering(t *testing.T) {
	addrID := uuid.New()
	p := &testPerson{Meta: NewMeta()}
	p.Address = RefTo[testAddress](addrID)

	rec, err := ToRecord(p, RecordOptions{UUIDsAsStrings: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	partial, ok := rec["address_id"].(Record)
	if !ok {
		t.Fatalf("expected partial placeholder record, got %T", rec["address_id"])
	}
	if partial["entity_id"] != addrID.String() {
		t.Fatalf("unexpected placeholder id %v", partial["entity_id"])
	}
	if len(partial) != 1 {
		t.Fatalf("placeholder must expose only entity_id, got %v", partial)
	}

	// Never-fetched list is omitted, not rendered as null or empty.
	if _, present := rec["tag_ids"]; present {
		t.Fatalf("unfetched tag list must be omitted")
	}

	addr := &testAddress{Meta: NewMeta(), Street: "1 Main St", City: "Springfield"}
	p.Address = LoadedRef(addr)
	p.Tags = RefList[testTag]{}

	rec, err = ToRecord(p, RecordOptions{UUIDsAsStrings: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nested, ok := rec["address_id"].(Record)
	if !ok {
		t.Fatalf("expected nested record, got %T", rec["address_id"])
	}
	if nested["street"] != "1 Main St" {
		t.Fatalf("unexpected nested street %v", nested["street"])
	}
	if tags, present := rec["tag_ids"]; !present {
		t.Fatalf("fetched-but-empty list must be present")
	} else if len(tags.([]any)) != 0 {
		t.Fatalf("expected empty list, got %v", tags)
	}
}

func TestToRecord_UUIDAndTimeCoercion(t *testing.T) {
	p := &testPerson{Meta: NewMeta(), FirstName: "Alice"}
	p.PrepareForSave("jane_doe")

	rec, err := ToRecord(p, RecordOptions{
		UUIDsAsStrings: true,
		UUIDDashless:   true,
		TimesAsStrings: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id, ok := rec["entity_id"].(string)
	if !ok {
		t.Fatalf("expected string id, got %T", rec["entity_id"])
	}
	if len(id) != 32 {
		t.Fatalf("expected dashless id, got %q", id)
	}
	changedOn, ok := rec["changed_on"].(string)
	if !ok {
		t.Fatalf("expected formatted timestamp, got %T", rec["changed_on"])
	}
	if _, err := time.Parse(time.RFC3339Nano, changedOn); err != nil {
		t.Fatalf("timestamp %q is not RFC 3339: %v", changedOn, err)
	}
}

func TestFromRecord_RoundTrip(t *testing.T) {
	p := &testPerson{Meta: NewMeta(), FirstName: "Alice", LastName: "Smith"}
	p.PrepareForSave("jane_doe")
	p.SetExtra("nickname", "Al")

	rec, err := ToRecord(p, RecordOptions{UUIDsAsStrings: true, TimesAsStrings: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	restored := &testPerson{}
	if err := FromRecord(restored, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored.EntityID != p.EntityID {
		t.Fatalf("entity_id mismatch: %s vs %s", restored.EntityID, p.EntityID)
	}
	if restored.Version != p.Version {
		t.Fatalf("version mismatch")
	}
	if restored.FirstName != "Alice" || restored.LastName != "Smith" {
		t.Fatalf("field mismatch: %+v", restored)
	}
	if restored.Extra["nickname"] != "Al" {
		t.Fatalf("expected overflow field to survive, got %v", restored.Extra)
	}
	if restored.Tags.Loaded() {
		t.Fatalf("absent list key must stay unfetched")
	}
}

func TestFromRecord_PartialRelationship(t *testing.T) {
	addrID := uuid.New()
	restored := &testPerson{}
	err := FromRecord(restored, Record{
		"first_name": "Alice",
		"address_id": map[string]any{"entity_id": addrID.String()},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored.Address.Loaded() {
		t.Fatalf("placeholder must not be marked loaded")
	}
	if restored.Address.EntityID() != addrID {
		t.Fatalf("unexpected placeholder id %s", restored.Address.EntityID())
	}
}

func TestFromRecord_MalformedUUIDFailsLoudly(t *testing.T) {
	restored := &testPerson{}
	err := FromRecord(restored, Record{"entity_id": "not-a-uuid"})
	if err == nil {
		t.Fatalf("expected error for malformed identifier")
	}
}

func TestRegistry_RelatedIDsAndAttach(t *testing.T) {
	info, err := InfoFor(&testPerson{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Table != "person" {
		t.Fatalf("unexpected table %q", info.Table)
	}

	rel, ok := info.Relation("address_id")
	if !ok {
		t.Fatalf("expected address_id relation")
	}
	if rel.Table != "address" || rel.Kind != RelationOne {
		t.Fatalf("unexpected relation: %+v", rel)
	}

	addr := &testAddress{Meta: NewMeta(), City: "Springfield"}
	p := &testPerson{Meta: NewMeta()}
	p.Address = RefTo[testAddress](addr.EntityID)

	ids, err := info.RelatedIDs(p, "address_id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != addr.EntityID {
		t.Fatalf("unexpected related ids %v", ids)
	}

	if err := info.AttachRelated(p, "address_id", []Model{addr}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := p.Address.Value()
	if err != nil {
		t.Fatalf("expected loaded reference: %v", err)
	}
	if got.City != "Springfield" {
		t.Fatalf("unexpected city %q", got.City)
	}
}

func TestAttachRelated_RejectsMismatchedModelType(t *testing.T) {
	info, err := InfoFor(&testPerson{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wrong := &testTag{Meta: NewMeta(), Name: "not-an-address"}
	p := &testPerson{Meta: NewMeta()}
	p.Address = RefTo[testAddress](wrong.EntityID)

	if err := info.AttachRelated(p, "address_id", []Model{wrong}); err == nil {
		t.Fatalf("expected type mismatch error")
	}
	if _, err := p.Address.Value(); !errors.Is(err, ErrNotFetched) {
		t.Fatalf("reference must stay unloaded after a failed attach, got %v", err)
	}
}
