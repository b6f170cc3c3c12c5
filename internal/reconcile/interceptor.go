package reconcile

import (
	"log/slog"
	"sync"

	"github.com/starford/pinnote/internal/registry"
	"github.com/starford/pinnote/internal/search"
	"github.com/starford/pinnote/internal/session"
)

// Interceptor mirrors registry changes into the index and session cache
// and schedules the durable writes.
type Interceptor struct {
	ix     *search.Index
	cache  *session.Cache
	writer *Writer
	logger *slog.Logger

	// OnChange runs after a change has been mirrored, while the registry
	// dispatch lock is held. It must not block.
	OnChange func(registry.Event)

	mu       sync.Mutex
	attached map[*registry.Registry]struct{}
}

// NewInterceptor creates an interceptor that is not attached to any registry.
func NewInterceptor(ix *search.Index, cache *session.Cache, writer *Writer, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		ix:       ix,
		cache:    cache,
		writer:   writer,
		logger:   logger,
		attached: make(map[*registry.Registry]struct{}),
	}
}

// Attach starts listening to reg. It reports false when the interceptor
// already listens to reg.
func (i *Interceptor) Attach(reg *registry.Registry) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.attached[reg]; ok {
		return false
	}
	i.attached[reg] = struct{}{}
	reg.Listen(i.Handle)
	return true
}

// Handle applies one registry event.
func (i *Interceptor) Handle(ev registry.Event) {
	n := ev.Note
	switch ev.Kind {
	case registry.KindCreated:
		i.ix.IndexDocument(n)
		i.cache.Put(n)
		i.writer.Flush(n.ID)
	case registry.KindUpdated:
		i.ix.IndexDocument(n)
		i.cache.Put(n)
		if ev.Fields == registry.FieldContent {
			i.writer.Schedule(n.ID)
		} else {
			i.writer.Flush(n.ID)
		}
	case registry.KindDeleted:
		i.ix.RemoveDocument(n.ID)
		i.cache.Remove(n.ID)
		i.writer.Delete(n.ID)
	default:
		i.logger.Warn("interceptor: unknown event", slog.String("kind", string(ev.Kind)))
		return
	}
	i.logger.Debug("interceptor: applied", slog.String("kind", string(ev.Kind)), slog.String("id", n.ID))

	if i.OnChange != nil {
		i.OnChange(ev)
	}
}
