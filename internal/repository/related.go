package repository

import (
	"context"
	"fmt"

	"github.com/graph-gophers/dataloader"

	"github.com/chroniclekit/chronicle/internal/adapter"
	"github.com/chroniclekit/chronicle/internal/domain"
)

// newRelatedLoader builds a batching loader for one relationship: ids
// requested across many instances coalesce into a single IN query against
// the related table. The loader lives for one FetchRelated call, so its
// cache only dedupes ids within that call.
func (r *Repository[T, PT]) newRelatedLoader(rel *domain.Relation) *dataloader.Loader {
	batch := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))

		ids := make([]any, len(keys))
		for i, key := range keys {
			ids[i] = key.String()
		}
		records, err := r.adapter.GetMany(ctx, rel.Table, domain.Record{"entity_id": ids}, adapter.QueryOptions{})
		if err != nil {
			for i := range results {
				results[i] = &dataloader.Result{Error: fmt.Errorf("failed to load %s: %w", rel.Table, err)}
			}
			return results
		}

		byID := make(map[string]domain.Record, len(records))
		for _, record := range records {
			byID[fmt.Sprintf("%v", record["entity_id"])] = record
		}

		for i, key := range keys {
			record, ok := byID[key.String()]
			if !ok {
				// Dangling reference: the id points at nothing active.
				results[i] = &dataloader.Result{}
				continue
			}
			related := rel.NewRelated()
			if err := domain.FromRecord(related, record); err != nil {
				results[i] = &dataloader.Result{Error: fmt.Errorf("failed to decode %s record: %w", rel.Table, err)}
				continue
			}
			results[i] = &dataloader.Result{Data: related}
		}
		return results
	}

	return dataloader.NewBatchedLoader(batch, dataloader.WithBatchCapacity(100))
}

// FetchRelated resolves the named relationships on every instance, one
// batched query per relationship regardless of how many instances point
// at it. Dangling references stay unloaded.
func (r *Repository[T, PT]) FetchRelated(ctx context.Context, instances []PT, names ...string) error {
	for _, name := range names {
		rel, ok := r.info.Relation(name)
		if !ok {
			return fmt.Errorf("unknown relationship %q on table %s", name, r.info.Table)
		}
		loader := r.newRelatedLoader(rel)

		type pending struct {
			instance PT
			thunk    dataloader.ThunkMany
		}
		work := make([]pending, 0, len(instances))

		// Schedule every load before resolving any thunk so the loader
		// can coalesce the whole call into one batch.
		for _, instance := range instances {
			ids, err := r.info.RelatedIDs(instance, name)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				continue
			}
			keys := make(dataloader.Keys, len(ids))
			for i, id := range ids {
				keys[i] = dataloader.StringKey(r.formatEntityID(id))
			}
			work = append(work, pending{instance: instance, thunk: loader.LoadMany(ctx, keys)})
		}

		for _, p := range work {
			values, errs := p.thunk()
			for _, err := range errs {
				if err != nil {
					return err
				}
			}
			related := make([]domain.Model, 0, len(values))
			for _, value := range values {
				if value == nil {
					continue
				}
				related = append(related, value.(domain.Model))
			}
			if err := r.info.AttachRelated(p.instance, name, related); err != nil {
				return err
			}
		}
	}
	return nil
}
