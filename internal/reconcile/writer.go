package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/pinnote/internal/apperr"
	"github.com/starford/pinnote/internal/models"
	"github.com/starford/pinnote/internal/storage"
)

// DefaultDebounce is the trailing-edge delay applied to content edits.
const DefaultDebounce = 300 * time.Millisecond

// Source yields the current version of a note at write time.
type Source interface {
	Get(id string) (models.Note, bool)
}

// WriterOptions configure a Writer.
type WriterOptions struct {
	Debounce   time.Duration
	Retries    int
	RetryDelay time.Duration
	Logger     *slog.Logger
	// OnSaved runs after every successful save or delete made before
	// Close, outside any lock.
	OnSaved func()
}

type pending struct {
	timer *time.Timer
	seq   uint64
}

// Writer persists notes to the durable store. Each note has at most one
// pending write; rescheduling replaces it. Writes of the same note never
// overlap, so a delete is not overtaken by an older save.
type Writer struct {
	store  storage.Durable
	src    Source
	opts   WriterOptions
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]pending
	seq     uint64
	closed  bool

	locks keyedMutex
	wg    sync.WaitGroup
}

// NewWriter creates a writer that reads notes from src and saves them to store.
func NewWriter(store storage.Durable, src Source, opts WriterOptions) *Writer {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:   store,
		src:     src,
		opts:    opts,
		logger:  logger,
		pending: make(map[string]pending),
		locks:   keyedMutex{m: make(map[string]*keyedEntry)},
	}
}

// Schedule (re)arms the debounce timer of the note.
func (w *Writer) Schedule(id string) { w.arm(id, w.opts.Debounce) }

// Flush replaces any pending timer with an immediate write. The write runs
// on its own goroutine; Flush does not wait for it.
func (w *Writer) Flush(id string) { w.arm(id, 0) }

// Cancel drops the pending write of the note, if any.
func (w *Writer) Cancel(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropLocked(id)
}

// Delete cancels the pending write and removes the note from the store.
func (w *Writer) Delete(id string) {
	w.mu.Lock()
	w.dropLocked(id)
	if w.closed {
		w.mu.Unlock()
		w.remove(id)
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		w.remove(id)
	}()
}

// Pending returns the number of armed timers.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close stops all timers, writes the pending notes synchronously and waits
// for in-flight writes. Later Schedule and Flush calls write immediately on
// the calling goroutine.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.wg.Wait()
		return
	}
	w.closed = true
	ids := make([]string, 0, len(w.pending))
	for id, p := range w.pending {
		// timers that already fired finish their own write
		if p.timer.Stop() {
			w.wg.Done()
			ids = append(ids, id)
			delete(w.pending, id)
		}
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.save(id)
	}
	w.wg.Wait()
}

func (w *Writer) arm(id string, delay time.Duration) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.save(id)
		return
	}
	w.dropLocked(id)
	w.seq++
	seq := w.seq
	w.wg.Add(1)
	t := time.AfterFunc(delay, func() {
		defer w.wg.Done()
		w.mu.Lock()
		p, ok := w.pending[id]
		if !ok || p.seq != seq {
			w.mu.Unlock()
			return
		}
		delete(w.pending, id)
		w.mu.Unlock()
		w.save(id)
	})
	w.pending[id] = pending{timer: t, seq: seq}
	w.mu.Unlock()
}

// dropLocked stops the pending timer of id. Called with w.mu held.
func (w *Writer) dropLocked(id string) {
	p, ok := w.pending[id]
	if !ok {
		return
	}
	if p.timer.Stop() {
		// the callback will never run
		w.wg.Done()
	}
	delete(w.pending, id)
}

func (w *Writer) save(id string) {
	unlock := w.locks.lock(id)
	n, ok := w.src.Get(id)
	if !ok {
		unlock()
		return
	}
	err := apperr.Retry(context.Background(), w.retryConfig(), func() error {
		return w.store.Save(context.Background(), n)
	})
	unlock()

	if err != nil {
		w.logger.Error("writer: save failed", slog.String("id", id), slog.String("error", err.Error()))
		return
	}
	w.logger.Debug("writer: saved", slog.String("id", id), slog.Int64("last_modified", n.LastModified))
	w.notify()
}

func (w *Writer) remove(id string) {
	unlock := w.locks.lock(id)
	err := apperr.Retry(context.Background(), w.retryConfig(), func() error {
		return w.store.Delete(context.Background(), id)
	})
	unlock()

	if err != nil {
		w.logger.Error("writer: delete failed", slog.String("id", id), slog.String("error", err.Error()))
		return
	}
	w.logger.Debug("writer: deleted", slog.String("id", id))
	w.notify()
}

// retryConfig retries transient store failures. An invalid id fails the
// same way on every attempt.
func (w *Writer) retryConfig() apperr.RetryConfig {
	cfg := apperr.FixedBackoff(w.opts.Retries, w.opts.RetryDelay)
	cfg.Retryable = func(err error) bool { return !errors.Is(err, storage.ErrInvalidID) }
	return cfg
}

func (w *Writer) notify() {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if w.opts.OnSaved != nil && !closed {
		w.opts.OnSaved()
	}
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serializes work per key and forgets idle keys.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyedEntry
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &keyedEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
