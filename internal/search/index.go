// Package search implements the in-process note index: tokenization,
// word and tag postings, relevance scoring and query evaluation.
package search

import (
	"sort"
	"sync"

	"github.com/starford/pinnote/internal/models"
)

type postings map[string]struct{}

// Index is an inverted index over notes. It maps content tokens and tags
// to note ids and keeps the note set it was built from.
//
// Every mutation purges the old postings of a note before inserting new
// ones, so the index never refers to an id that is not in its note set.
// Index is safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	words map[string]postings
	tags  map[string]postings
	docs  map[string]models.Note
	gen   uint64
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		words: make(map[string]postings),
		tags:  make(map[string]postings),
		docs:  make(map[string]models.Note),
	}
}

// IndexDocument replaces all postings of n.ID with postings derived from
// the current content and tags of n. Calling it twice with the same note
// leaves the index unchanged.
func (ix *Index) IndexDocument(n models.Note) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.indexLocked(n)
	ix.gen++
}

// RemoveDocument purges every posting of id and forgets the note.
// Unknown ids are ignored.
func (ix *Index) RemoveDocument(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.purgeLocked(id)
	delete(ix.docs, id)
	ix.gen++
}

// Rebuild discards the whole index and indexes notes from scratch.
func (ix *Index) Rebuild(notes []models.Note) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.words = make(map[string]postings)
	ix.tags = make(map[string]postings)
	ix.docs = make(map[string]models.Note, len(notes))
	for _, n := range notes {
		ix.indexLocked(n)
	}
	ix.gen++
}

func (ix *Index) indexLocked(n models.Note) {
	ix.purgeLocked(n.ID)
	n = n.Clone()
	ix.docs[n.ID] = n

	for _, tok := range Tokenize(n.Content) {
		add(ix.words, tok, n.ID)
	}
	for _, tag := range n.Tags {
		add(ix.tags, tag, n.ID)
	}
}

// purgeLocked scans both posting maps because the token and tag sets of
// the previous version are not known.
func (ix *Index) purgeLocked(id string) {
	for tok, ids := range ix.words {
		if _, ok := ids[id]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(ix.words, tok)
			}
		}
	}
	for tag, ids := range ix.tags {
		if _, ok := ids[id]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(ix.tags, tag)
			}
		}
	}
}

func add(m map[string]postings, key, id string) {
	ids, ok := m[key]
	if !ok {
		ids = make(postings)
		m[key] = ids
	}
	ids[id] = struct{}{}
}

// Document returns the indexed copy of the note with the given id.
func (ix *Index) Document(id string) (models.Note, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n, ok := ix.docs[id]
	if !ok {
		return models.Note{}, false
	}
	return n.Clone(), true
}

// Documents returns every indexed note ordered by id.
func (ix *Index) Documents() []models.Note {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]models.Note, 0, len(ix.docs))
	for _, n := range ix.docs {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Visible returns the notes with non-blank content, newest first.
func (ix *Index) Visible() []models.Note {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]models.Note, 0, len(ix.docs))
	for _, n := range ix.docs {
		if n.Blank() {
			continue
		}
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastModified != out[j].LastModified {
			return out[i].LastModified > out[j].LastModified
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of indexed notes.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Generation is incremented on every mutation.
func (ix *Index) Generation() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.gen
}

// WordPostings returns the sorted ids indexed under token.
func (ix *Index) WordPostings(token string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return sortedIDs(ix.words[token])
}

// TagPostings returns the sorted ids indexed under tag.
func (ix *Index) TagPostings(tag string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return sortedIDs(ix.tags[tag])
}

// Stats summarizes index size.
type Stats struct {
	Documents  int    `json:"documents"`
	Tokens     int    `json:"tokens"`
	Tags       int    `json:"tags"`
	Generation uint64 `json:"generation"`
}

// Stats returns current index counters.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Stats{
		Documents:  len(ix.docs),
		Tokens:     len(ix.words),
		Tags:       len(ix.tags),
		Generation: ix.gen,
	}
}

func sortedIDs(p postings) []string {
	if len(p) == 0 {
		return nil
	}
	out := make([]string, 0, len(p))
	for id := range p {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
