// Package models defines the domain types for Pinnote.
package models

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// MaxIDLen is the longest accepted note id.
const MaxIDLen = 128

// ErrInvalidID is returned for ids that cannot name a note.
var ErrInvalidID = errors.New("invalid note id")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID accepts non-empty ids of at most MaxIDLen letters, digits,
// '_' and '-'. Such ids are safe as file names in every store.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case len(id) > MaxIDLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, MaxIDLen)
	case !idPattern.MatchString(id):
		return fmt.Errorf("%w: %q has characters outside [A-Za-z0-9_-]", ErrInvalidID, id)
	}
	return nil
}

// Presentation defaults applied to records that arrive without them.
const (
	DefaultX      = 100
	DefaultY      = 100
	DefaultWidth  = 280
	DefaultHeight = 200
	DefaultColor  = "yellow"
)

// Position is the on-page location of a note widget.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// VisualState carries the widget chrome state. Pinnote never interprets it.
type VisualState struct {
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	Minimized bool    `json:"minimized"`
	Color     string  `json:"color"`
}

// Note is a single floating note owned by one user.
type Note struct {
	ID           string      `json:"id"`
	Content      string      `json:"content"`
	Tags         []string    `json:"tags"`
	Position     Position    `json:"position"`
	VisualState  VisualState `json:"visual_state"`
	LastModified int64       `json:"last_modified"` // unix millis
}

// Clone returns a deep copy of n.
func (n Note) Clone() Note {
	n.Tags = slices.Clone(n.Tags)
	if n.Tags == nil {
		n.Tags = []string{}
	}
	return n
}

// Blank reports whether the note has no visible content.
func (n Note) Blank() bool {
	return strings.TrimSpace(n.Content) == ""
}

// DefaultPosition returns the position given to notes without one.
func DefaultPosition() Position {
	return Position{X: DefaultX, Y: DefaultY}
}

// DefaultVisualState returns the widget state given to notes without one.
func DefaultVisualState() VisualState {
	return VisualState{Width: DefaultWidth, Height: DefaultHeight, Color: DefaultColor}
}

// NormalizeTag lower-cases tag, trims whitespace and strips leading '#'.
func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimLeft(tag, "#")
	return strings.ToLower(strings.TrimSpace(tag))
}

// NormalizeTags normalizes every tag, dropping empties and duplicates
// while keeping first-seen order. The result is never nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = NormalizeTag(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
