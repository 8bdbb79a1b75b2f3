package router

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/agrifarm/internal/knowledge"
)

// ChunkSearcher finds knowledge chunks sharing keywords with a query.
type ChunkSearcher interface {
	SearchKeywords(ctx context.Context, query string, limit int) ([]knowledge.StoredChunk, error)
}

// ExactResult is the best keyword candidate for a query.
type ExactResult struct {
	Found      bool    `json:"found"`
	Content    string  `json:"content,omitempty"`
	Confidence float64 `json:"confidence"`
	ChunkID    string  `json:"chunkId,omitempty"`
	DocumentID string  `json:"documentId,omitempty"`
	Filename   string  `json:"filename,omitempty"`
	Seq        int     `json:"seq"`
}

const (
	exactCandidates   = 10
	exactFoundTTL     = time.Hour
	exactMissTTL      = 30 * time.Minute
	exactCacheMinConf = 0.3
	exactCacheMax     = 1000
)

type exactEntry struct {
	res     ExactResult
	expires time.Time
}

// ExactMatcher answers questions whose wording closely matches a
// stored chunk. Results are cached per normalized query.
type ExactMatcher struct {
	search    ChunkSearcher
	threshold float64
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]exactEntry
}

// NewExactMatcher returns a matcher accepting candidates scoring at
// least threshold.
func NewExactMatcher(search ChunkSearcher, threshold float64) *ExactMatcher {
	return &ExactMatcher{
		search:    search,
		threshold: threshold,
		now:       time.Now,
		cache:     make(map[string]exactEntry),
	}
}

// Match scores up to ten keyword candidates against query. A candidate
// scores the better of its heading and its content similarity.
func (m *ExactMatcher) Match(ctx context.Context, query string) (ExactResult, error) {
	key := knowledge.Normalize(query)
	if key == "" {
		return ExactResult{}, nil
	}
	if res, ok := m.cached(key); ok {
		return res, nil
	}

	candidates, err := m.search.SearchKeywords(ctx, query, exactCandidates)
	if err != nil {
		return ExactResult{}, err
	}

	var best ExactResult
	for _, c := range candidates {
		score := knowledge.Similarity(query, c.Content)
		if c.Heading != "" {
			score = max(score, knowledge.Similarity(query, c.Heading))
		}
		if score <= best.Confidence {
			continue
		}
		best = ExactResult{
			Content:    c.Content,
			Confidence: score,
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Filename:   c.Filename,
			Seq:        c.Seq,
		}
	}
	if best.Confidence >= m.threshold {
		best.Found = true
	} else {
		best.Content = ""
	}

	m.store(key, best)
	return best, nil
}

// Reset drops every cached result. Call it after the knowledge base
// changes.
func (m *ExactMatcher) Reset() {
	m.mu.Lock()
	m.cache = make(map[string]exactEntry)
	m.mu.Unlock()
}

func (m *ExactMatcher) cached(key string) (ExactResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[key]
	if !ok {
		return ExactResult{}, false
	}
	if m.now().After(e.expires) {
		delete(m.cache, key)
		return ExactResult{}, false
	}
	return e.res, true
}

func (m *ExactMatcher) store(key string, res ExactResult) {
	if !res.Found && res.Confidence <= exactCacheMinConf {
		return
	}
	ttl := exactMissTTL
	if res.Found {
		ttl = exactFoundTTL
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cache) >= exactCacheMax {
		for k, e := range m.cache {
			if now.After(e.expires) {
				delete(m.cache, k)
			}
		}
		if len(m.cache) >= exactCacheMax {
			m.cache = make(map[string]exactEntry)
		}
	}
	m.cache[key] = exactEntry{res: res, expires: now.Add(ttl)}
}
