// Package storage implements the durable, per-user note stores.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/starford/pinnote/internal/models"
)

// Durable is the authoritative note store of one user. Implementations
// may be slow or fail; callers never assume ordering between two calls.
type Durable interface {
	// LoadAll returns every stored note keyed by id.
	LoadAll(ctx context.Context) (map[string]models.Note, error)
	// Save stores n unless a newer version (by last_modified) is already stored.
	Save(ctx context.Context, n models.Note) error
	// Delete removes the note; deleting a missing note is not an error.
	Delete(ctx context.Context, id string) error
	// Close releases the store.
	Close() error
}

// ErrInvalidID is returned for ids that cannot name a stored note.
var ErrInvalidID = models.ErrInvalidID

// record mirrors models.Note with every field optional so that partial
// records can be told apart from zero values.
type record struct {
	ID           *string             `json:"id"`
	Content      *string             `json:"content"`
	Tags         []string            `json:"tags"`
	Position     *models.Position    `json:"position"`
	VisualState  *models.VisualState `json:"visual_state"`
	LastModified *int64              `json:"last_modified"`
}

// normalize fills missing fields with safe defaults. fallbackID is used
// when the record carries no id of its own.
func (r record) normalize(fallbackID string) (models.Note, error) {
	n := models.Note{
		Tags:        models.NormalizeTags(r.Tags),
		Position:    models.DefaultPosition(),
		VisualState: models.DefaultVisualState(),
	}
	switch {
	case r.ID != nil && *r.ID != "":
		n.ID = *r.ID
	case fallbackID != "":
		n.ID = fallbackID
	default:
		return models.Note{}, fmt.Errorf("%w: record has no id", ErrInvalidID)
	}
	if r.Content != nil {
		n.Content = *r.Content
	}
	if r.Position != nil {
		n.Position = *r.Position
	}
	if r.VisualState != nil {
		n.VisualState = *r.VisualState
	}
	if r.LastModified != nil {
		n.LastModified = *r.LastModified
	}
	return n, nil
}

// DecodeNote parses a JSON note record, normalizing missing fields.
func DecodeNote(data []byte, fallbackID string) (models.Note, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return models.Note{}, fmt.Errorf("storage: decode note: %w", err)
	}
	return r.normalize(fallbackID)
}
