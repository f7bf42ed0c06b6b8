package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chroniclekit/chronicle/internal/adapter"
	"github.com/chroniclekit/chronicle/internal/domain"
	"github.com/chroniclekit/chronicle/internal/messaging"
)

type author struct {
	domain.Meta
	Name string `db:"name"`
}

type note struct {
	domain.Meta
	Title  string             `db:"title"`
	Author domain.Ref[author] `db:"author_id" rel:"author"`
}

var (
	_ = domain.MustRegister[author, *author]("author")
	_ = domain.MustRegister[note, *note]("note")
)

// fakeAdapter is an in-memory backend that records the order of protocol
// calls.
type fakeAdapter struct {
	dialect  adapter.Dialect
	calls    []string
	rows     map[string]map[string]domain.Record // table -> entity_id -> latest record
	audit    map[string][]domain.Record          // table -> archived records
	failSave error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		dialect: adapter.Dialect{Name: "fake", LatestFlag: false},
		rows:    map[string]map[string]domain.Record{},
		audit:   map[string][]domain.Record{},
	}
}

func (f *fakeAdapter) Dialect() adapter.Dialect { return f.dialect }

func (f *fakeAdapter) matches(rec domain.Record, conditions domain.Record) bool {
	for key, want := range conditions {
		got := fmt.Sprintf("%v", rec[key])
		if list, ok := want.([]any); ok {
			found := false
			for _, item := range list {
				if got == fmt.Sprintf("%v", item) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if got != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func (f *fakeAdapter) GetMany(ctx context.Context, table string, conditions domain.Record, opts adapter.QueryOptions) ([]domain.Record, error) {
	f.calls = append(f.calls, "query:"+table)
	matched := []domain.Record{}
	for _, rec := range f.rows[table] {
		if !opts.IncludeInactive {
			if active, ok := rec["active"].(bool); ok && !active {
				continue
			}
		}
		if f.matches(rec, conditions) {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

func (f *fakeAdapter) GetOne(ctx context.Context, table string, conditions domain.Record, opts adapter.QueryOptions) (domain.Record, bool, error) {
	records, err := f.GetMany(ctx, table, conditions, opts)
	if err != nil || len(records) == 0 {
		return nil, false, err
	}
	return records[0], true, nil
}

func (f *fakeAdapter) GetCount(ctx context.Context, table string, conditions domain.Record, opts adapter.CountOptions) (int64, error) {
	f.calls = append(f.calls, fmt.Sprintf("count:%s:%v", table, conditions["latest"]))
	records, err := f.GetMany(ctx, table, conditions, adapter.QueryOptions{IncludeInactive: opts.IncludeInactive})
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

func (f *fakeAdapter) Save(ctx context.Context, table string, record domain.Record) (domain.Record, error) {
	if f.failSave != nil {
		return nil, f.failSave
	}
	f.calls = append(f.calls, "save:"+table)
	if f.rows[table] == nil {
		f.rows[table] = map[string]domain.Record{}
	}
	stored := make(domain.Record, len(record))
	for k, v := range record {
		stored[k] = v
	}
	f.rows[table][fmt.Sprintf("%v", record["entity_id"])] = stored
	return record, nil
}

func (f *fakeAdapter) Delete(ctx context.Context, table string, record domain.Record) (bool, error) {
	record["active"] = false
	_, err := f.Save(ctx, table, record)
	return err == nil, err
}

func (f *fakeAdapter) HardDelete(ctx context.Context, table string, entityID string) (bool, error) {
	f.calls = append(f.calls, "harddelete:"+table)
	if _, ok := f.rows[table][entityID]; !ok {
		return false, nil
	}
	delete(f.rows[table], entityID)
	return true, nil
}

func (f *fakeAdapter) MoveEntityToAuditTable(ctx context.Context, table string, entityID string) error {
	f.calls = append(f.calls, "audit:"+table)
	if rec, ok := f.rows[table][entityID]; ok {
		f.audit[table] = append(f.audit[table], rec)
	}
	return nil
}

func (f *fakeAdapter) RunTransaction(ctx context.Context, statements []adapter.Statement) error {
	return nil
}

func (f *fakeAdapter) ExecuteQuery(ctx context.Context, query string, args ...any) ([]domain.Record, error) {
	return nil, nil
}

func (f *fakeAdapter) Ping(ctx context.Context) error { return nil }
func (f *fakeAdapter) Close() error                   { return nil }

type failingMessenger struct{}

func (failingMessenger) SendMessage(ctx context.Context, queueName, payload string) error {
	return errors.New("broker unavailable")
}

func TestSave_FirstRevision(t *testing.T) {
	fake := newFakeAdapter()
	repo, err := New[note, *note](fake)
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}

	n := &note{Title: "hello"}
	if err := repo.Save(context.Background(), n, false); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	meta := n.ModelMeta()
	if meta.EntityID == uuid.Nil || meta.Version == uuid.Nil {
		t.Fatalf("expected generated identifiers, got %+v", meta)
	}
	if meta.PreviousVersion != domain.RootVersion {
		t.Fatalf("first revision must chain from the root version")
	}
	if !meta.Active {
		t.Fatalf("new entities default to active")
	}
	for _, call := range fake.calls {
		if strings.HasPrefix(call, "audit:") {
			t.Fatalf("first save must not archive, calls: %v", fake.calls)
		}
	}

	stored := fake.rows["note"][meta.EntityID.String()]
	if stored == nil {
		t.Fatalf("record was not persisted")
	}
	if _, ok := stored["entity_id"].(string); !ok {
		t.Fatalf("identifiers must travel as strings, got %T", stored["entity_id"])
	}
}

func TestSave_ArchivesBeforeOverwrite(t *testing.T) {
	fake := newFakeAdapter()
	repo, err := New[note, *note](fake)
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	ctx := context.Background()

	n := &note{Title: "v1"}
	if err := repo.Save(ctx, n, false); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	firstVersion := n.ModelMeta().Version

	n.Title = "v2"
	fake.calls = nil
	if err := repo.Save(ctx, n, false); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	if len(fake.calls) < 2 || fake.calls[0] != "audit:note" || fake.calls[1] != "save:note" {
		t.Fatalf("expected archive before save, got %v", fake.calls)
	}
	if n.ModelMeta().PreviousVersion != firstVersion {
		t.Fatalf("revision chain broken: previous %s, want %s", n.ModelMeta().PreviousVersion, firstVersion)
	}
	if len(fake.audit["note"]) != 1 {
		t.Fatalf("expected one archived revision, got %d", len(fake.audit["note"]))
	}
	if fake.audit["note"][0]["title"] != "v1" {
		t.Fatalf("archived the wrong revision: %v", fake.audit["note"][0])
	}
}

func TestSave_StampsLatestOnLatestFlagBackends(t *testing.T) {
	fake := newFakeAdapter()
	fake.dialect.LatestFlag = true
	repo, err := New[note, *note](fake)
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}

	n := &note{Title: "hello"}
	if err := repo.Save(context.Background(), n, false); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	stored := fake.rows["note"][n.ModelMeta().EntityID.String()]
	if stored["latest"] != true {
		t.Fatalf("expected latest marker on the stored row, got %v", stored["latest"])
	}

	// The default count filters on the marker every save just stamped.
	count, err := repo.GetCount(context.Background(), nil, adapter.CountOptions{})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the saved row to be counted, got %d", count)
	}
}

func TestSave_OmitsLatestWithoutFlag(t *testing.T) {
	fake := newFakeAdapter()
	repo, err := New[note, *note](fake)
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}

	n := &note{Title: "hello"}
	if err := repo.Save(context.Background(), n, false); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	stored := fake.rows["note"][n.ModelMeta().EntityID.String()]
	if _, present := stored["latest"]; present {
		t.Fatalf("backends without a latest flag must not receive the marker: %v", stored)
	}
}

func TestSave_AuditMoveOutlivesFailedWrite(t *testing.T) {
	fake := newFakeAdapter()
	repo, err := New[note, *note](fake)
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	ctx := context.Background()

	n := &note{Title: "v1"}
	if err := repo.Save(ctx, n, false); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	firstVersion := n.ModelMeta().Version

	// The archive copy and the live write are separate statements, so a
	// failed write leaves the just-archived revision behind.
	fake.failSave = errors.New("connection reset")
	n.Title = "v2"
	if err := repo.Save(ctx, n, false); err == nil {
		t.Fatalf("expected the failed write to surface")
	}

	if len(fake.audit["note"]) != 1 {
		t.Fatalf("expected the archived revision to survive, got %d", len(fake.audit["note"]))
	}
	if fake.audit["note"][0]["title"] != "v1" {
		t.Fatalf("archived the wrong revision: %v", fake.audit["note"][0])
	}

	live := fake.rows["note"][n.ModelMeta().EntityID.String()]
	if live["title"] != "v1" {
		t.Fatalf("live row must still hold the prior revision, got %v", live["title"])
	}
	if fmt.Sprintf("%v", live["version"]) != firstVersion.String() {
		t.Fatalf("live row version advanced despite the failed write: %v", live["version"])
	}
}

func TestSave_StampsChangedBy(t *testing.T) {
	fake := newFakeAdapter()
	repo, err := New[note, *note](fake, WithChangedBy("svc-ingest"))
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}

	n := &note{Title: "hello"}
	if err := repo.Save(context.Background(), n, false); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if n.ModelMeta().ChangedByID != "svc-ingest" {
		t.Fatalf("expected changed_by_id stamp, got %q", n.ModelMeta().ChangedByID)
	}
}

func TestSave_PublishesNotification(t *testing.T) {
	fake := newFakeAdapter()
	broker := messaging.NewMemoryAdapter()
	repo, err := New[note, *note](fake, WithMessageAdapter(broker, "note-changes"))
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}

	n := &note{Title: "hello"}
	if err := repo.Save(context.Background(), n, true); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	messages := broker.Messages("note-changes")
	if len(messages) != 1 {
		t.Fatalf("expected one notification, got %d", len(messages))
	}
	if !strings.Contains(messages[0], `"title":"hello"`) {
		t.Fatalf("notification payload missing record fields: %s", messages[0])
	}
}

func TestSave_PublishFailureDoesNotFailSave(t *testing.T) {
	fake := newFakeAdapter()
	repo, err := New[note, *note](fake,
		WithMessageAdapter(failingMessenger{}, "note-changes"),
		WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}

	n := &note{Title: "hello"}
	if err := repo.Save(context.Background(), n, true); err != nil {
		t.Fatalf("save must succeed despite publish failure: %v", err)
	}
	if len(fake.rows["note"]) != 1 {
		t.Fatalf("record was not persisted")
	}
}

func TestSave_SkipsNotificationWhenNotRequested(t *testing.T) {
	fake := newFakeAdapter()
	broker := messaging.NewMemoryAdapter()
	repo, err := New[note, *note](fake, WithMessageAdapter(broker, "note-changes"))
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}

	if err := repo.Save(context.Background(), &note{Title: "quiet"}, false); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if len(broker.Messages("note-changes")) != 0 {
		t.Fatalf("unexpected notification")
	}
}

func TestDelete_ChainsInactiveRevision(t *testing.T) {
	fake := newFakeAdapter()
	repo, err := New[note, *note](fake)
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	ctx := context.Background()

	n := &note{Title: "doomed"}
	if err := repo.Save(ctx, n, false); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	liveVersion := n.ModelMeta().Version

	if err := repo.Delete(ctx, n); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	meta := n.ModelMeta()
	if meta.Active {
		t.Fatalf("delete must deactivate the entity")
	}
	if meta.PreviousVersion != liveVersion || meta.Version == liveVersion {
		t.Fatalf("delete must chain a new revision")
	}

	_, found, err := repo.GetByID(ctx, meta.EntityID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if found {
		t.Fatalf("deleted entity must be hidden from default reads")
	}
}

func TestGetOne_RoundTrip(t *testing.T) {
	fake := newFakeAdapter()
	repo, err := New[note, *note](fake)
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	ctx := context.Background()

	n := &note{Title: "persisted"}
	if err := repo.Save(ctx, n, false); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, found, err := repo.GetByID(ctx, n.ModelMeta().EntityID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !found {
		t.Fatalf("expected the entity to be found")
	}
	if got.Title != "persisted" || got.ModelMeta().Version != n.ModelMeta().Version {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	_, found, err = repo.GetByID(ctx, uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("missing entity must report not found, not an error")
	}
}

func TestGetCount_MergesLatestOnLatestFlagBackends(t *testing.T) {
	fake := newFakeAdapter()
	fake.dialect.LatestFlag = true
	repo, err := New[note, *note](fake)
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}

	if _, err := repo.GetCount(context.Background(), nil, adapter.CountOptions{}); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if fake.calls[0] != "count:note:true" {
		t.Fatalf("expected merged latest filter, got %v", fake.calls)
	}
}

func TestFetchRelated_BatchesAcrossInstances(t *testing.T) {
	fake := newFakeAdapter()
	ctx := context.Background()

	authors, err := New[author, *author](fake)
	if err != nil {
		t.Fatalf("failed to build author repository: %v", err)
	}
	notes, err := New[note, *note](fake)
	if err != nil {
		t.Fatalf("failed to build note repository: %v", err)
	}

	a1 := &author{Name: "Ada"}
	a2 := &author{Name: "Brian"}
	for _, a := range []*author{a1, a2} {
		if err := authors.Save(ctx, a, false); err != nil {
			t.Fatalf("author save failed: %v", err)
		}
	}

	instances := []*note{
		{Title: "one", Author: domain.RefTo[author](a1.ModelMeta().EntityID)},
		{Title: "two", Author: domain.RefTo[author](a2.ModelMeta().EntityID)},
		{Title: "three", Author: domain.RefTo[author](a1.ModelMeta().EntityID)},
	}

	fake.calls = nil
	if err := notes.FetchRelated(ctx, instances, "author_id"); err != nil {
		t.Fatalf("fetch related failed: %v", err)
	}

	queries := 0
	for _, call := range fake.calls {
		if call == "query:author" {
			queries++
		}
	}
	if queries != 1 {
		t.Fatalf("expected one batched query, got %d (%v)", queries, fake.calls)
	}

	loaded, err := instances[0].Author.Value()
	if err != nil {
		t.Fatalf("expected loaded reference: %v", err)
	}
	if loaded.Name != "Ada" {
		t.Fatalf("wrong related record: %+v", loaded)
	}
	if _, err := instances[1].Author.Value(); err != nil {
		t.Fatalf("expected loaded reference: %v", err)
	}
}

func TestFetchRelated_DanglingReferenceStaysUnloaded(t *testing.T) {
	fake := newFakeAdapter()
	notes, err := New[note, *note](fake)
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}

	n := &note{Title: "orphan", Author: domain.RefTo[author](uuid.New())}
	if err := notes.FetchRelated(context.Background(), []*note{n}, "author_id"); err != nil {
		t.Fatalf("fetch related failed: %v", err)
	}
	if _, err := n.Author.Value(); !errors.Is(err, domain.ErrNotFetched) {
		t.Fatalf("dangling reference must stay unloaded, got %v", err)
	}
}

func TestNew_RequiresRegisteredModel(t *testing.T) {
	type stray struct{ domain.Meta }
	if _, err := New[stray, *stray](newFakeAdapter()); !errors.Is(err, domain.ErrNotRegistered) {
		t.Fatalf("expected registration error, got %v", err)
	}
}
