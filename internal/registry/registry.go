// Package registry holds the live set of note widgets and emits a
// structured change event for every mutation.
package registry

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/pinnote/internal/apperr"
	"github.com/starford/pinnote/internal/models"
)

// Kind is the type of a registry change.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// Field is a bit set of the note fields touched by a change.
type Field uint8

const (
	FieldContent Field = 1 << iota
	FieldTags
	FieldPosition
	FieldVisualState
)

// Has reports whether f contains all bits of other.
func (f Field) Has(other Field) bool { return f&other == other }

// Event describes one mutation. For KindDeleted, Note is the last version.
type Event struct {
	Kind   Kind
	Note   models.Note
	Fields Field
}

// Listener receives events synchronously and in mutation order.
// A listener must not call back into the registry it listens to.
type Listener func(Event)

// Patch is a partial note. Nil fields are left unchanged.
type Patch struct {
	Content     *string             `json:"content,omitempty"`
	Tags        *[]string           `json:"tags,omitempty"`
	Position    *models.Position    `json:"position,omitempty"`
	VisualState *models.VisualState `json:"visual_state,omitempty"`
}

// Options configure a Registry.
type Options struct {
	DefaultTags []string
	Now         func() time.Time
	NewID       func() string
}

// Registry is the in-memory set of live notes. Ids of deleted notes are
// remembered for the lifetime of the registry and can never be reused.
type Registry struct {
	mu      sync.Mutex
	notes   map[string]models.Note
	removed map[string]struct{}
	subs    map[string]map[int]Listener
	nextSub int

	// dispatch is taken before mu is released so events leave in the order
	// their mutations were applied.
	dispatch  sync.Mutex
	listeners []Listener

	defaultTags []string
	now         func() time.Time
	newID       func() string
}

// New creates a registry. Listeners are fixed at construction.
func New(opts Options, listeners ...Listener) *Registry {
	r := &Registry{
		notes:       make(map[string]models.Note),
		removed:     make(map[string]struct{}),
		subs:        make(map[string]map[int]Listener),
		listeners:   listeners,
		defaultTags: models.NormalizeTags(opts.DefaultTags),
		now:         opts.Now,
		newID:       opts.NewID,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

// Listen adds a listener for every note.
func (r *Registry) Listen(l Listener) {
	r.dispatch.Lock()
	defer r.dispatch.Unlock()
	r.listeners = append(r.listeners, l)
}

// Subscribe registers fn for changes of a single note and returns a
// function that removes the subscription.
func (r *Registry) Subscribe(id string, fn Listener) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	key := r.nextSub
	if r.subs[id] == nil {
		r.subs[id] = make(map[int]Listener)
	}
	r.subs[id][key] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs[id], key)
			if len(r.subs[id]) == 0 {
				delete(r.subs, id)
			}
		})
	}
}

// Create adds a new note. An empty id is replaced by a fresh UUID. Unset
// fields get empty content, the default tags and default presentation.
func (r *Registry) Create(id string, p Patch) (models.Note, error) {
	r.mu.Lock()
	if id == "" {
		id = r.newID()
	}
	if err := models.ValidateID(id); err != nil {
		r.mu.Unlock()
		return models.Note{}, fmt.Errorf("registry: create: %w", err)
	}
	if _, gone := r.removed[id]; gone {
		r.mu.Unlock()
		return models.Note{}, fmt.Errorf("registry: create %s: %w", id, apperr.ErrRemoved)
	}
	if _, ok := r.notes[id]; ok {
		r.mu.Unlock()
		return models.Note{}, fmt.Errorf("registry: create %s: %w", id, apperr.ErrAlreadyExists)
	}

	n := models.Note{
		ID:           id,
		Tags:         append([]string{}, r.defaultTags...),
		Position:     models.DefaultPosition(),
		VisualState:  models.DefaultVisualState(),
		LastModified: r.now().UnixMilli(),
	}
	fields := apply(&n, p)
	r.notes[id] = n

	r.emitLocked(Event{Kind: KindCreated, Note: n, Fields: fields})
	return n.Clone(), nil
}

// Update applies p to the note with the given id. An empty patch returns
// the current note without emitting an event.
func (r *Registry) Update(id string, p Patch) (models.Note, error) {
	r.mu.Lock()
	if _, gone := r.removed[id]; gone {
		r.mu.Unlock()
		return models.Note{}, fmt.Errorf("registry: update %s: %w", id, apperr.ErrRemoved)
	}
	n, ok := r.notes[id]
	if !ok {
		r.mu.Unlock()
		return models.Note{}, fmt.Errorf("registry: update %s: %w", id, apperr.ErrNotFound)
	}

	n = n.Clone()
	fields := apply(&n, p)
	if fields == 0 {
		r.mu.Unlock()
		return n, nil
	}
	n.LastModified = max(r.now().UnixMilli(), n.LastModified)
	r.notes[id] = n

	r.emitLocked(Event{Kind: KindUpdated, Note: n, Fields: fields})
	return n.Clone(), nil
}

// Delete removes the note and tombstones its id. It reports whether the
// note existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	n, ok := r.notes[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.notes, id)
	r.removed[id] = struct{}{}

	r.emitLocked(Event{Kind: KindDeleted, Note: n})

	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
	return true
}

// Materialize inserts notes the registry does not hold yet and replaces
// held notes whose last_modified is older, skipping tombstoned ids. No
// events are emitted. It returns the number of notes inserted or replaced.
func (r *Registry) Materialize(notes []models.Note) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := 0
	for _, n := range notes {
		if _, gone := r.removed[n.ID]; gone {
			continue
		}
		if cur, ok := r.notes[n.ID]; ok && cur.LastModified >= n.LastModified {
			continue
		}
		r.notes[n.ID] = n.Clone()
		changed++
	}
	return changed
}

// Removed reports whether id belonged to a deleted note.
func (r *Registry) Removed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, gone := r.removed[id]
	return gone
}

// Get returns the live note with the given id.
func (r *Registry) Get(id string) (models.Note, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok {
		return models.Note{}, false
	}
	return n.Clone(), true
}

// All returns every live note ordered by id.
func (r *Registry) All() []models.Note {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Note, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live notes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

// emitLocked is called with r.mu held and releases it.
func (r *Registry) emitLocked(ev Event) {
	subs := make([]Listener, 0, len(r.subs[ev.Note.ID]))
	keys := make([]int, 0, len(r.subs[ev.Note.ID]))
	for k := range r.subs[ev.Note.ID] {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		subs = append(subs, r.subs[ev.Note.ID][k])
	}

	r.dispatch.Lock()
	r.mu.Unlock()
	defer r.dispatch.Unlock()

	for _, l := range r.listeners {
		l(Event{Kind: ev.Kind, Note: ev.Note.Clone(), Fields: ev.Fields})
	}
	for _, l := range subs {
		l(Event{Kind: ev.Kind, Note: ev.Note.Clone(), Fields: ev.Fields})
	}
}

// apply copies the set fields of p into n and returns which fields changed.
func apply(n *models.Note, p Patch) Field {
	var f Field
	if p.Content != nil && *p.Content != n.Content {
		n.Content = *p.Content
		f |= FieldContent
	}
	if p.Tags != nil {
		tags := models.NormalizeTags(*p.Tags)
		if !slices.Equal(tags, n.Tags) {
			n.Tags = tags
			f |= FieldTags
		}
	}
	if p.Position != nil && *p.Position != n.Position {
		n.Position = *p.Position
		f |= FieldPosition
	}
	if p.VisualState != nil && *p.VisualState != n.VisualState {
		n.VisualState = *p.VisualState
		f |= FieldVisualState
	}
	return f
}
