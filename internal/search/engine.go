package search

import (
	"slices"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/starford/pinnote/internal/models"
)

// DefaultCacheSize is the number of result lists kept by an Engine.
const DefaultCacheSize = 256

const snippetRadius = 40

// MatchType tells which part of a note satisfied the query.
type MatchType string

const (
	MatchTag     MatchType = "tag"
	MatchContent MatchType = "content"
	MatchBoth    MatchType = "both"
)

// Options control query evaluation.
type Options struct {
	MatchContent  bool `json:"match_content"`
	MatchTags     bool `json:"match_tags"`
	CaseSensitive bool `json:"case_sensitive"`
	ExactMatch    bool `json:"exact_match"`
	Limit         int  `json:"limit,omitempty"` // 0 = engine default
}

// DefaultOptions searches both tags and content, case-insensitively.
func DefaultOptions() Options {
	return Options{MatchContent: true, MatchTags: true}
}

// Result is one matching note.
type Result struct {
	Note        models.Note `json:"note"`
	Score       float64     `json:"score"`
	MatchType   MatchType   `json:"match_type"`
	MatchedTags []string    `json:"matched_tags,omitempty"`
	Snippet     string      `json:"snippet"`
}

// EngineOptions configure an Engine.
type EngineOptions struct {
	CacheSize    int // <= 0 uses DefaultCacheSize
	DefaultLimit int // 0 = unlimited
}

type cacheKey struct {
	gen   uint64
	query string
	opts  Options
}

// Engine evaluates queries against an Index. Result lists are cached per
// index generation, so a mutation of the index makes every older entry
// unreachable.
type Engine struct {
	ix           *Index
	cache        *lru.Cache[cacheKey, []Result]
	defaultLimit int
}

// NewEngine creates an engine over ix.
func NewEngine(ix *Index, opts EngineOptions) *Engine {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[cacheKey, []Result](size)
	return &Engine{ix: ix, cache: cache, defaultLimit: opts.DefaultLimit}
}

// Index returns the underlying index.
func (e *Engine) Index() *Index { return e.ix }

// Search returns the notes matching query ordered by descending score, then
// by newest last_modified, then by id. A blank query matches nothing.
func (e *Engine) Search(query string, opts Options) []Result {
	q := strings.TrimSpace(query)
	if q == "" {
		return []Result{}
	}
	if opts.Limit <= 0 {
		opts.Limit = e.defaultLimit
	}

	e.ix.mu.RLock()
	defer e.ix.mu.RUnlock()

	key := cacheKey{gen: e.ix.gen, query: q, opts: opts}
	if hit, ok := e.cache.Get(key); ok {
		return cloneResults(hit)
	}

	results := e.evaluate(q, opts)
	e.cache.Add(key, results)
	return cloneResults(results)
}

type candidate struct {
	tagScore     float64
	contentScore float64
	hasTag       bool
	hasContent   bool
	tags         []string
	tokens       []string
}

// evaluate runs with e.ix.mu held for reading.
func (e *Engine) evaluate(q string, opts Options) []Result {
	found := make(map[string]*candidate)
	get := func(id string) *candidate {
		c, ok := found[id]
		if !ok {
			c = &candidate{}
			found[id] = c
		}
		return c
	}

	if opts.MatchTags {
		tq := q
		if !opts.CaseSensitive {
			tq = strings.ToLower(tq)
		}
		tq = strings.TrimLeft(tq, "#")
		if tq != "" {
			for tag, ids := range e.ix.tags {
				if !tagMatches(tag, tq, opts.ExactMatch) {
					continue
				}
				s := TagScore(tag, tq)
				for id := range ids {
					c := get(id)
					c.hasTag = true
					c.tagScore = max(c.tagScore, s)
					c.tags = append(c.tags, tag)
				}
			}
		}
	}

	if opts.MatchContent {
		tokens := uniqueTokens(Tokenize(q))
		if len(tokens) > 0 {
			counts := make(map[string]int)
			hits := make(map[string][]string)
			for _, tok := range tokens {
				for id := range e.ix.words[tok] {
					counts[id]++
					hits[id] = append(hits[id], tok)
				}
			}
			for id, n := range counts {
				doc := e.ix.docs[id]
				s := ContentScore(doc.Content, q, n, len(tokens), opts.CaseSensitive)
				if s <= MinContentScore {
					continue
				}
				c := get(id)
				c.hasContent = true
				c.contentScore = s
				c.tokens = hits[id]
			}
		}
	}

	out := make([]Result, 0, len(found))
	for id, c := range found {
		doc := e.ix.docs[id].Clone()
		r := Result{Note: doc}
		switch {
		case c.hasTag && c.hasContent:
			r.MatchType = MatchBoth
			r.Score = max(c.tagScore, c.contentScore)
		case c.hasTag:
			r.MatchType = MatchTag
			r.Score = c.tagScore
		default:
			r.MatchType = MatchContent
			r.Score = c.contentScore
		}
		if len(c.tags) > 0 {
			sort.Strings(c.tags)
			r.MatchedTags = c.tags
		}
		r.Snippet = snippet(doc.Content, append([]string{q}, c.tokens...))
		out = append(out, r)
	}

	sortResults(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func tagMatches(tag, query string, exact bool) bool {
	if exact {
		return tag == query
	}
	return strings.Contains(tag, query)
}

func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Note.LastModified != b.Note.LastModified {
			return a.Note.LastModified > b.Note.LastModified
		}
		return a.Note.ID < b.Note.ID
	})
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// snippet cuts a window of content around the first needle found in it.
// Without a hit it returns the head of the content.
func snippet(content string, needles []string) string {
	runes := []rune(content)
	lower := []rune(strings.ToLower(content))
	if len(lower) != len(runes) {
		lower = runes
	}

	start := -1
	for _, n := range needles {
		if n == "" {
			continue
		}
		if i := runeIndex(lower, []rune(strings.ToLower(n))); i >= 0 {
			start = i
			break
		}
	}

	from, to := 0, min(len(runes), 2*snippetRadius)
	if start >= 0 {
		from = max(0, start-snippetRadius)
		to = min(len(runes), start+snippetRadius)
	}

	s := strings.TrimSpace(string(runes[from:to]))
	if from > 0 {
		s = "..." + s
	}
	if to < len(runes) {
		s += "..."
	}
	return s
}

func runeIndex(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

func cloneResults(rs []Result) []Result {
	out := make([]Result, len(rs))
	for i, r := range rs {
		r.Note = r.Note.Clone()
		r.MatchedTags = slices.Clone(r.MatchedTags)
		out[i] = r
	}
	return out
}
