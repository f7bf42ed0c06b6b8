// Package repository orchestrates the versioned save protocol over an
// adapter: audit archival, revision chaining, record coercion and the
// optional change notification.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chroniclekit/chronicle/internal/adapter"
	"github.com/chroniclekit/chronicle/internal/domain"
	"github.com/chroniclekit/chronicle/internal/messaging"
)

type options struct {
	messages  messaging.MessageAdapter
	queueName string
	changedBy string
	log       zerolog.Logger
}

// Option configures a repository at construction time.
type Option func(*options)

// WithMessageAdapter publishes saved records to the given queue when a
// save asks for notification.
func WithMessageAdapter(ma messaging.MessageAdapter, queueName string) Option {
	return func(o *options) {
		o.messages = ma
		o.queueName = queueName
	}
}

// WithChangedBy stamps every revision prepared by this repository with the
// acting principal. Empty leaves changed_by_id untouched.
func WithChangedBy(id string) Option {
	return func(o *options) { o.changedBy = id }
}

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// Repository persists one registered model type through an adapter.
type Repository[T any, PT interface {
	domain.Model
	*T
}] struct {
	adapter adapter.Adapter
	info    *domain.ModelInfo
	opts    options
}

// New builds a repository for a model type registered with the domain
// registry.
func New[T any, PT interface {
	domain.Model
	*T
}](db adapter.Adapter, opts ...Option) (*Repository[T, PT], error) {
	var probe T
	info, err := domain.InfoFor(PT(&probe))
	if err != nil {
		return nil, err
	}

	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Repository[T, PT]{adapter: db, info: info, opts: o}, nil
}

// Table returns the table this repository reads and writes.
func (r *Repository[T, PT]) Table() string { return r.info.Table }

// recordOptions derives coercion settings from the backend dialect. Ids
// always travel as strings; timestamps only when the dialect wants text.
func (r *Repository[T, PT]) recordOptions() domain.RecordOptions {
	d := r.adapter.Dialect()
	opts := domain.RecordOptions{
		UUIDsAsStrings: true,
		UUIDDashless:   d.UUIDDashless,
	}
	if d.TimeFormat != "" {
		opts.TimesAsStrings = true
		opts.TimeFormat = d.TimeFormat
	}
	return opts
}

func (r *Repository[T, PT]) formatEntityID(id uuid.UUID) string {
	s := id.String()
	if r.adapter.Dialect().UUIDDashless {
		s = strings.ReplaceAll(s, "-", "")
	}
	return s
}

// Save persists a new revision of the instance. The current stored row is
// archived first, then the revision chain advances and the record is
// written. When sendMessage is set and a message adapter is configured,
// the saved record is published; publish failures are logged, never
// propagated, because the row is already durable.
func (r *Repository[T, PT]) Save(ctx context.Context, instance PT, sendMessage bool) error {
	meta := instance.ModelMeta()

	if !meta.IsNew() {
		if err := r.adapter.MoveEntityToAuditTable(ctx, r.info.Table, r.formatEntityID(meta.EntityID)); err != nil {
			return fmt.Errorf("failed to archive current revision: %w", err)
		}
	}

	meta.PrepareForSave(r.opts.changedBy)

	record, err := domain.ToRecord(instance, r.recordOptions())
	if err != nil {
		return fmt.Errorf("failed to serialize %s record: %w", r.info.Table, err)
	}
	// The live table holds one row per entity, so its latest marker is
	// always true; GetCount filters on it by default.
	if r.adapter.Dialect().LatestFlag {
		record["latest"] = true
	}
	saved, err := r.adapter.Save(ctx, r.info.Table, record)
	if err != nil {
		return err
	}

	if sendMessage && r.opts.messages != nil {
		payload, err := json.Marshal(saved)
		if err != nil {
			r.opts.log.Error().Err(err).Str("table", r.info.Table).Msg("failed to encode change notification")
			return nil
		}
		if err := r.opts.messages.SendMessage(ctx, r.opts.queueName, string(payload)); err != nil {
			r.opts.log.Error().Err(err).
				Str("table", r.info.Table).
				Str("queue", r.opts.queueName).
				Msg("failed to publish change notification")
		}
	}
	return nil
}

// GetOne loads at most one active record into a fresh instance. Zero rows
// is reported through the boolean, not an error.
func (r *Repository[T, PT]) GetOne(ctx context.Context, conditions domain.Record, opts adapter.QueryOptions) (PT, bool, error) {
	record, found, err := r.adapter.GetOne(ctx, r.info.Table, conditions, opts)
	if err != nil || !found {
		return nil, false, err
	}

	instance := PT(new(T))
	if err := domain.FromRecord(instance, record); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s record: %w", r.info.Table, err)
	}
	return instance, true, nil
}

// GetByID loads the active record with the given entity id.
func (r *Repository[T, PT]) GetByID(ctx context.Context, id uuid.UUID) (PT, bool, error) {
	return r.GetOne(ctx, domain.Record{"entity_id": r.formatEntityID(id)}, adapter.QueryOptions{})
}

// GetMany loads every active record matching the conditions.
func (r *Repository[T, PT]) GetMany(ctx context.Context, conditions domain.Record, opts adapter.QueryOptions) ([]PT, error) {
	records, err := r.adapter.GetMany(ctx, r.info.Table, conditions, opts)
	if err != nil {
		return nil, err
	}

	instances := make([]PT, 0, len(records))
	for _, record := range records {
		instance := PT(new(T))
		if err := domain.FromRecord(instance, record); err != nil {
			return nil, fmt.Errorf("failed to decode %s record: %w", r.info.Table, err)
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// GetCount counts active records. On backends that maintain a latest flag
// the count also filters to latest revisions unless the caller already
// constrained it.
func (r *Repository[T, PT]) GetCount(ctx context.Context, conditions domain.Record, opts adapter.CountOptions) (int64, error) {
	if r.adapter.Dialect().LatestFlag {
		merged := make(domain.Record, len(conditions)+1)
		for k, v := range conditions {
			merged[k] = v
		}
		if _, ok := merged["latest"]; !ok {
			merged["latest"] = true
		}
		conditions = merged
	}
	return r.adapter.GetCount(ctx, r.info.Table, conditions, opts)
}

// Delete logically deletes the instance: a new revision is chained with
// active = false, so the deletion itself is versioned and reversible.
func (r *Repository[T, PT]) Delete(ctx context.Context, instance PT) error {
	instance.ModelMeta().Active = false
	return r.Save(ctx, instance, false)
}

// HardDelete physically removes the entity's row. Irreversible; audit
// rows are left in place.
func (r *Repository[T, PT]) HardDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.adapter.HardDelete(ctx, r.info.Table, r.formatEntityID(id))
}
