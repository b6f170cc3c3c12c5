// Package reconcile keeps the durable store, the session cache and the
// search index consistent with each other and with the live registry.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/starford/pinnote/internal/apperr"
	"github.com/starford/pinnote/internal/models"
	"github.com/starford/pinnote/internal/registry"
	"github.com/starford/pinnote/internal/search"
	"github.com/starford/pinnote/internal/session"
	"github.com/starford/pinnote/internal/storage"
)

// DefaultRetryDelay is the wait before retrying a failed durable operation.
const DefaultRetryDelay = 3 * time.Second

// Options configure a Reconciler.
type Options struct {
	// Guard serializes the merge and rebuild with registry mutations.
	// Nil means no external guard.
	Guard      sync.Locker
	RetryDelay time.Duration
	Logger     *slog.Logger
	// OnRebuilt runs after every rebuild with the new index stats.
	OnRebuilt func(search.Stats)
}

// Reconciler rebuilds the index from the durable store overlaid with the
// session cache, then materializes the merged set into the registry.
type Reconciler struct {
	store storage.Durable
	cache *session.Cache
	ix    *search.Index
	reg   *registry.Registry
	opts  Options

	logger *slog.Logger
	group  singleflight.Group

	mu       sync.Mutex
	durable  int // notes in the last successful durable load
	lastErr  error
	lastRun  time.Time
	retry    *time.Timer
	closed   bool
	rebuilds uint64
}

// NewReconciler wires a reconciler over its collaborators.
func NewReconciler(store storage.Durable, cache *session.Cache, ix *search.Index, reg *registry.Registry, opts Options) *Reconciler {
	if opts.Guard == nil {
		opts.Guard = &sync.Mutex{}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		cache:  cache,
		ix:     ix,
		reg:    reg,
		opts:   opts,
		logger: logger,
	}
}

// Reconcile runs one pass. Concurrent calls share a single pass. When the
// durable store cannot be read the index is rebuilt from the session cache
// alone, a retry is scheduled, and an error wrapping apperr.ErrUnavailable
// is returned.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	_, err, _ := r.group.Do("reconcile", func() (any, error) {
		return nil, r.run(ctx)
	})
	return err
}

func (r *Reconciler) run(ctx context.Context) error {
	durable, loadErr := r.store.LoadAll(ctx)

	r.mu.Lock()
	if loadErr != nil {
		r.lastErr = loadErr
		durable = nil
		r.scheduleRetryLocked()
	} else {
		r.durable = len(durable)
		r.lastErr = nil
		if r.retry != nil {
			r.retry.Stop()
			r.retry = nil
		}
	}
	r.mu.Unlock()

	if loadErr != nil {
		r.logger.Warn("reconcile: durable load failed",
			slog.String("error", loadErr.Error()),
			slog.Duration("retry_in", r.opts.RetryDelay))
	}

	r.opts.Guard.Lock()
	merged := merge(durable, r.cache.GetAll(), r.reg.Removed)
	r.ix.Rebuild(merged)
	materialized := r.reg.Materialize(merged)
	r.opts.Guard.Unlock()

	stats := r.ix.Stats()

	r.mu.Lock()
	r.lastRun = time.Now()
	r.rebuilds++
	r.mu.Unlock()

	r.logger.Debug("reconcile: rebuilt",
		slog.Int("documents", stats.Documents),
		slog.Int("materialized", materialized))
	if r.opts.OnRebuilt != nil {
		r.opts.OnRebuilt(stats)
	}

	if loadErr != nil {
		return fmt.Errorf("reconcile: load durable: %w: %w", apperr.ErrUnavailable, loadErr)
	}
	return nil
}

// scheduleRetryLocked arms a single retry pass. Called with r.mu held.
func (r *Reconciler) scheduleRetryLocked() {
	if r.closed || r.retry != nil {
		return
	}
	r.retry = time.AfterFunc(r.opts.RetryDelay, func() {
		r.mu.Lock()
		r.retry = nil
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		_ = r.Reconcile(context.Background())
	})
}

// Status describes the outcome of the last pass.
type Status struct {
	LastRun    time.Time `json:"last_run"`
	Rebuilds   uint64    `json:"rebuilds"`
	Durable    int       `json:"durable_notes"`
	LastError  string    `json:"last_error,omitempty"`
	RetryArmed bool      `json:"retry_armed"`
}

// Status returns the outcome of the last pass.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{LastRun: r.lastRun, Rebuilds: r.rebuilds, Durable: r.durable, RetryArmed: r.retry != nil}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}

// Close stops the pending retry. Running passes are not interrupted.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
}

// merge overlays sess on durable (session wins) and drops removed ids.
// The result is ordered by id.
func merge(durable, sess map[string]models.Note, removed func(string) bool) []models.Note {
	byID := make(map[string]models.Note, len(durable)+len(sess))
	for id, n := range durable {
		byID[id] = n
	}
	for id, n := range sess {
		byID[id] = n
	}
	out := make([]models.Note, 0, len(byID))
	for id, n := range byID {
		if removed(id) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
