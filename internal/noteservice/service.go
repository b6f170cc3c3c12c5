// Package noteservice wires the registry, search index, session cache and
// durable store of one user into a single service.
package noteservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/pinnote/internal/apperr"
	"github.com/starford/pinnote/internal/models"
	"github.com/starford/pinnote/internal/reconcile"
	"github.com/starford/pinnote/internal/registry"
	"github.com/starford/pinnote/internal/search"
	"github.com/starford/pinnote/internal/session"
	"github.com/starford/pinnote/internal/storage"
)

// Options configure a Service.
type Options struct {
	DefaultTags  []string
	Debounce     time.Duration
	RetryDelay   time.Duration
	WriteRetries int
	CacheSize    int
	DefaultLimit int
	Logger       *slog.Logger

	// OnChange receives every registry event after it has been applied to
	// the index. It must not block.
	OnChange func(registry.Event)
	// OnRebuilt runs after every reconciliation pass.
	OnRebuilt func(search.Stats)
	// Now and NewID override the registry clock and id source.
	Now   func() time.Time
	NewID func() string
}

// Stats is a point-in-time summary of the service.
type Stats struct {
	Notes         int              `json:"notes"`
	Session       int              `json:"session"`
	PendingWrites int              `json:"pending_writes"`
	Index         search.Stats     `json:"index"`
	Reconcile     reconcile.Status `json:"reconcile"`
}

// Service is the single entry point for note mutations and queries.
type Service struct {
	// mu serializes registry mutations with the reconciler's merge.
	mu sync.Mutex

	store       storage.Durable
	ix          *search.Index
	engine      *search.Engine
	cache       *session.Cache
	reg         *registry.Registry
	writer      *reconcile.Writer
	interceptor *reconcile.Interceptor
	reconciler  *reconcile.Reconciler
	logger      *slog.Logger
}

// New builds a service over store. Call Reconcile once to load the stored notes.
func New(store storage.Durable, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{store: store, logger: logger}
	s.ix = search.NewIndex()
	s.engine = search.NewEngine(s.ix, search.EngineOptions{
		CacheSize:    opts.CacheSize,
		DefaultLimit: opts.DefaultLimit,
	})
	s.cache = session.NewCache()
	s.reg = registry.New(registry.Options{
		DefaultTags: opts.DefaultTags,
		Now:         opts.Now,
		NewID:       opts.NewID,
	})
	s.reconciler = reconcile.NewReconciler(store, s.cache, s.ix, s.reg, reconcile.Options{
		Guard:      &s.mu,
		RetryDelay: opts.RetryDelay,
		Logger:     logger,
		OnRebuilt:  opts.OnRebuilt,
	})
	s.writer = reconcile.NewWriter(store, s.reg, reconcile.WriterOptions{
		Debounce:   opts.Debounce,
		Retries:    opts.WriteRetries,
		RetryDelay: opts.RetryDelay,
		Logger:     logger,
		OnSaved:    s.reconcileAfterSave,
	})
	s.interceptor = reconcile.NewInterceptor(s.ix, s.cache, s.writer, logger)
	s.interceptor.OnChange = opts.OnChange
	s.interceptor.Attach(s.reg)
	return s
}

func (s *Service) reconcileAfterSave() {
	if err := s.reconciler.Reconcile(context.Background()); err != nil {
		s.logger.Warn("noteservice: reconcile after save failed", slog.String("error", err.Error()))
	}
}

// CreateNote adds a note. An empty id gets a generated one.
func (s *Service) CreateNote(_ context.Context, id string, p registry.Patch) (models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.Create(id, p)
}

// UpdateNote applies p to the note. When ifMatch is non-zero the note's
// current last_modified must equal it, otherwise apperr.ErrConflict is returned.
func (s *Service) UpdateNote(_ context.Context, id string, p registry.Patch, ifMatch int64) (models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ifMatch != 0 {
		cur, err := s.lookup(id)
		if err != nil {
			return models.Note{}, err
		}
		if cur.LastModified != ifMatch {
			return models.Note{}, fmt.Errorf("noteservice: update %s: %w", id, apperr.ErrConflict)
		}
	}
	return s.reg.Update(id, p)
}

// DeleteNote removes the note. It returns once the note is out of the index;
// the durable delete completes in the background.
func (s *Service) DeleteNote(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg.Delete(id) {
		return nil
	}
	_, err := s.lookup(id)
	return err
}

// GetNote returns the live note.
func (s *Service) GetNote(_ context.Context, id string) (models.Note, error) {
	return s.lookup(id)
}

func (s *Service) lookup(id string) (models.Note, error) {
	if n, ok := s.reg.Get(id); ok {
		return n, nil
	}
	if s.reg.Removed(id) {
		return models.Note{}, fmt.Errorf("noteservice: note %s: %w", id, apperr.ErrRemoved)
	}
	return models.Note{}, fmt.Errorf("noteservice: note %s: %w", id, apperr.ErrNotFound)
}

// ListVisible returns the indexed notes with non-blank content, newest first.
func (s *Service) ListVisible(_ context.Context) []models.Note {
	return s.ix.Visible()
}

// Search runs a query against the index. It never fails.
func (s *Service) Search(_ context.Context, query string, opts search.Options) []search.Result {
	return s.engine.Search(query, opts)
}

// Reconcile reloads the durable store and rebuilds the index.
func (s *Service) Reconcile(ctx context.Context) error {
	return s.reconciler.Reconcile(ctx)
}

// Stats returns counters of every component.
func (s *Service) Stats() Stats {
	return Stats{
		Notes:         s.reg.Len(),
		Session:       s.cache.Len(),
		PendingWrites: s.writer.Pending(),
		Index:         s.ix.Stats(),
		Reconcile:     s.reconciler.Status(),
	}
}

// Subscribe registers fn for changes of a single note.
func (s *Service) Subscribe(id string, fn registry.Listener) (unsubscribe func()) {
	return s.reg.Subscribe(id, fn)
}

// Close flushes pending writes and stops background retries. The durable
// store is left open for the caller to close.
func (s *Service) Close() {
	s.reconciler.Close()
	s.writer.Close()
	s.cache.Clear()
}
