package api

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/pinnote/internal/models"
	"github.com/starford/pinnote/internal/noteservice"
	"github.com/starford/pinnote/internal/registry"
	"github.com/starford/pinnote/internal/search"
)

// NoteFields is the mutable part of a note. Omitted fields are left unchanged.
type NoteFields struct {
	Content     *string             `json:"content,omitempty" example:"Buy milk"`
	Tags        *[]string           `json:"tags,omitempty" example:"todo,home"`
	Position    *models.Position    `json:"position,omitempty"`
	VisualState *models.VisualState `json:"visual_state,omitempty"`
}

func (f NoteFields) patch() registry.Patch {
	return registry.Patch{
		Content:     f.Content,
		Tags:        f.Tags,
		Position:    f.Position,
		VisualState: f.VisualState,
	}
}

func (f NoteFields) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Tags, validation.By(func(v any) error {
			tags, _ := v.(*[]string)
			if tags == nil {
				return nil
			}
			return validation.Validate(*tags, validation.Length(0, 64), validation.Each(validation.Length(0, 64)))
		})),
		validation.Field(&f.VisualState, validation.By(func(v any) error {
			vs, _ := v.(*models.VisualState)
			if vs == nil {
				return nil
			}
			if vs.Width <= 0 || vs.Height <= 0 {
				return errors.New("width and height must be positive")
			}
			return nil
		})),
	)
}

// CreateNoteRequest is the request body for creating a note.
type CreateNoteRequest struct {
	ID string `json:"id,omitempty" example:"3f0c9a5e-6f1b-4c55-9a51-0c1d2e3f4a5b"`
	NoteFields
}

func (r CreateNoteRequest) Validate() error {
	if err := validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.By(func(v any) error {
			id, _ := v.(string)
			if id == "" {
				return nil
			}
			return models.ValidateID(id)
		})),
	); err != nil {
		return err
	}
	return r.NoteFields.Validate()
}

// UpdateNoteRequest is the request body for patching a note.
type UpdateNoteRequest struct {
	NoteFields
}

// NoteListResponse wraps note listings.
type NoteListResponse struct {
	Notes []models.Note `json:"notes" validate:"required"`
	Total int           `json:"total" example:"42" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Query   string          `json:"query" example:"groceries"`
	Results []search.Result `json:"results" validate:"required"`
}

// ReconcileResponse reports the outcome of a manual reconciliation.
type ReconcileResponse struct {
	Status string            `json:"status" example:"ok"`
	Error  string            `json:"error,omitempty"`
	Stats  noteservice.Stats `json:"stats"`
}
