// Package registry is the recent-builds registry: an in-memory cache of
// RecentWorld summaries backed by a Store.
//
// Storage failures never take the registry down. A failed load yields an
// empty registry, and a failed write keeps the in-memory record and returns
// the error for the caller to surface.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hearth/internal/kernel"
	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/storage"
	"github.com/ashita-ai/hearth/internal/telemetry"
)

// Store is the durable backend. storage.SQLiteStore and
// storage.PostgresStore implement it.
type Store interface {
	LoadRecent(ctx context.Context) ([]model.RecentWorld, error)
	SaveRecent(ctx context.Context, r model.RecentWorld) error
	DeleteRecent(ctx context.Context, id string) error
	ActiveProject(ctx context.Context) (string, error)
	SetActiveProject(ctx context.Context, root string) error
}

// JobLister lists the kernel's active jobs.
type JobLister interface {
	ListActiveJobs(ctx context.Context) ([]model.Job, error)
}

// ErrNotFound is returned when no record exists for the id.
var ErrNotFound = errors.New("registry: not found")

// Registry caches recent worlds. It is safe for concurrent use; writes to
// the same id are last-writer-wins.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	records map[string]model.RecentWorld
	active  string
	loadErr error
}

// New creates a Registry over store. Call Load to read persisted records.
// store may be nil for a memory-only registry.
func New(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:   store,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]model.RecentWorld),
	}
	gauge, err := telemetry.Meter("hearth/registry").Int64ObservableGauge("hearth.registry.records",
		metric.WithDescription("Recent-world records held by the registry"))
	if err == nil {
		_, _ = telemetry.Meter("hearth/registry").RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(gauge, int64(r.Len()))
			return nil
		}, gauge)
	}
	return r
}

// Load replaces the cache with the persisted records. Invalid records are
// dropped. A storage failure leaves the registry empty, logs a warning, and
// is returned so the caller can raise a notice; it is never fatal.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.LoadRecent(ctx)
	if err != nil {
		r.mu.Lock()
		r.records = make(map[string]model.RecentWorld)
		r.loadErr = err
		r.mu.Unlock()
		r.logger.Warn("registry: load failed, starting empty", "error", err)
		return fmt.Errorf("registry: load: %w", err)
	}
	active, err := r.store.ActiveProject(ctx)
	if err != nil {
		r.logger.Warn("registry: active project unreadable", "error", err)
		active = ""
	}

	loaded := make(map[string]model.RecentWorld, len(records))
	dropped := 0
	for _, rec := range records {
		if !rec.Valid() {
			dropped++
			continue
		}
		loaded[rec.ID] = rec
	}
	if dropped > 0 {
		r.logger.Warn("registry: dropped malformed records", "count", dropped)
	}

	r.mu.Lock()
	r.records = loaded
	r.active = active
	r.loadErr = nil
	r.mu.Unlock()
	r.logger.Info("registry: loaded", "records", len(loaded))
	return nil
}

// Healthy reports whether the last load succeeded.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadErr == nil
}

// Upsert merges u into the record for id, creating it if needed. Fields not
// present in u are left as they were. The merged record is returned even if
// persisting it fails.
func (r *Registry) Upsert(ctx context.Context, id string, u model.RecentWorldUpdate) (model.RecentWorld, error) {
	if strings.TrimSpace(id) == "" {
		return model.RecentWorld{}, fmt.Errorf("registry: upsert: id is required")
	}
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		rec = model.RecentWorld{ID: id, Status: model.RecentBuilding}
	}
	rec = u.Apply(rec, r.now())
	r.records[id] = rec
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveRecent(ctx, rec); err != nil {
			return rec, fmt.Errorf("registry: upsert %s: %w", id, err)
		}
	}
	return rec, nil
}

// Remove deletes a record. This is the only way records go away.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.records[id]
	delete(r.records, id)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if r.store != nil {
		if err := r.store.DeleteRecent(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("registry: remove %s: %w", id, err)
		}
	}
	return nil
}

// Get returns the record for id.
func (r *Registry) Get(id string) (model.RecentWorld, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// List returns records most recently updated first, at most limit of them
// (all when limit <= 0).
func (r *Registry) List(limit int) []model.RecentWorld {
	r.mu.RLock()
	out := make([]model.RecentWorld, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.RecentWorld) int {
		if n := b.UpdatedAt.Compare(a.UpdatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// ActiveProject returns the active project root pointer.
func (r *Registry) ActiveProject() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SetActiveProject updates the active project root pointer.
func (r *Registry) SetActiveProject(ctx context.Context, root string) error {
	r.mu.Lock()
	r.active = root
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.SetActiveProject(ctx, root); err != nil {
			return fmt.Errorf("registry: set active project: %w", err)
		}
	}
	return nil
}

// Attachment pairs a record still marked building with the live job found for it.
type Attachment struct {
	World model.RecentWorld
	Job   model.Job
}

// Reattach looks for a live kernel job for every record still marked
// building. Matches are returned (and the record's job id refreshed);
// records with no live job are left exactly as they are.
func (r *Registry) Reattach(ctx context.Context, jobs JobLister) ([]Attachment, error) {
	building := slices.DeleteFunc(r.List(0), func(rec model.RecentWorld) bool {
		return rec.Status != model.RecentBuilding && rec.Status != model.RecentEvolving
	})
	if len(building) == 0 {
		return nil, nil
	}

	active, err := jobs.ListActiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: reattach: %w", err)
	}

	var out []Attachment
	for _, rec := range building {
		job, ok := kernel.FindJobForIssue(active, rec.ID)
		if !ok {
			r.logger.Info("registry: no live job for building record, leaving as is", "id", rec.ID)
			continue
		}
		if job.JobID != rec.JobID {
			updated, err := r.Upsert(ctx, rec.ID, model.RecentWorldUpdate{JobID: model.Ptr(job.JobID)})
			if err != nil {
				r.logger.Warn("registry: reattach update failed", "id", rec.ID, "error", err)
			}
			rec = updated
		}
		out = append(out, Attachment{World: rec, Job: job})
	}
	return out, nil
}
