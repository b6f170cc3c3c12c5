// Package session provides the per-session note cache that bridges the
// latency of durable writes. It lives in memory only and is empty in a
// fresh process.
package session

import (
	"sync"

	"github.com/starford/pinnote/internal/models"
)

// Cache holds the most recent local version of every note edited in this
// session. It is safe for concurrent use; all values are copied in and out.
type Cache struct {
	mu    sync.RWMutex
	notes map[string]models.Note
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{notes: make(map[string]models.Note)}
}

// GetAll returns a snapshot of every cached note keyed by id.
func (c *Cache) GetAll() map[string]models.Note {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.Note, len(c.notes))
	for id, n := range c.notes {
		out[id] = n.Clone()
	}
	return out
}

// Get returns the cached note with the given id.
func (c *Cache) Get(id string) (models.Note, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.notes[id]
	if !ok {
		return models.Note{}, false
	}
	return n.Clone(), true
}

// Put stores the full note, replacing any previous version.
func (c *Cache) Put(n models.Note) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes[n.ID] = n.Clone()
}

// Remove drops the note with the given id.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.notes, id)
}

// Clear drops every cached note.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = make(map[string]models.Note)
}

// Len returns the number of cached notes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.notes)
}
