// Package requestcache implements C4, the semantic request cache: a
// per-user LRU over Redis with cosine-similarity lookup, grounded on
// internal/skills/redis_cache.go's key-layout/TTL idiom and
// agentic_memory.go's embedding-similarity math (now internal/vectormath).
// Per the standing Open Question decision, this cache is only ever
// consulted for single-agent mode.
package requestcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"streamorch/internal/kv"
	"streamorch/internal/observability"
	"streamorch/internal/vectormath"
)

// Source mirrors sse.Source without importing the sse package, keeping this
// package's dependency surface shallow; chatdispatch converts between them.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Entry is the Request Cache Entry from the data model.
type Entry struct {
	CacheID          string          `json:"cacheId"`
	UserID           string          `json:"userId"`
	RequestText      string          `json:"requestText"`
	RequestEmbedding []float32       `json:"requestEmbedding"`
	ResponseContent  string          `json:"responseContent"`
	ResponseThinking string          `json:"responseThinking,omitempty"`
	Sources          []Source        `json:"sources,omitempty"`
	ModelType        string          `json:"modelType"`
	Mode             string          `json:"mode"`
	HitCount         int             `json:"hitCount"`
	LastHitAt        *time.Time      `json:"lastHitAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	ExpiresAt        time.Time       `json:"expiresAt"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// Filter narrows FindByUser results.
type Filter struct {
	ModelType string
	Mode      string
}

const defaultMaxPerUser = 30
const defaultTTL = 30 * 24 * time.Hour

// Cache is the C4 Request Cache.
type Cache struct {
	kv         kv.Client
	maxPerUser int
	ttl        time.Duration
	threshold  float64
}

// Options configures a Cache; zero values fall back to spec defaults.
type Options struct {
	MaxPerUser          int
	TTL                 time.Duration
	SimilarityThreshold float64
}

func New(client kv.Client, opts Options) *Cache {
	c := &Cache{kv: client, maxPerUser: opts.MaxPerUser, ttl: opts.TTL, threshold: opts.SimilarityThreshold}
	if c.maxPerUser <= 0 {
		c.maxPerUser = defaultMaxPerUser
	}
	if c.ttl <= 0 {
		c.ttl = defaultTTL
	}
	if c.threshold <= 0 {
		c.threshold = 0.95
	}
	return c
}

func listKey(userID string) string   { return "embedding_cache:user:" + userID + ":list" }
func detailKey(cacheID string) string { return "embedding_cache:detail:" + cacheID }

// Save inserts a new entry and enforces the per-user LRU cap by evicting the
// lowest-scored (oldest) entries once the list exceeds maxPerUser.
func (c *Cache) Save(ctx context.Context, e Entry) (string, error) {
	if e.CacheID == "" {
		e.CacheID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.CreatedAt.Add(c.ttl)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("requestcache: marshal entry: %w", err)
	}
	if err := c.kv.SetEX(ctx, detailKey(e.CacheID), body, c.ttl); err != nil {
		return "", fmt.Errorf("requestcache: save detail: %w", err)
	}
	lk := listKey(e.UserID)
	if err := c.kv.ZAdd(ctx, lk, float64(e.CreatedAt.UnixNano()), e.CacheID); err != nil {
		return "", fmt.Errorf("requestcache: index entry: %w", err)
	}
	if err := c.kv.Expire(ctx, lk, c.ttl); err != nil {
		return "", fmt.Errorf("requestcache: refresh index ttl: %w", err)
	}

	c.evictOverflow(ctx, e.UserID)
	return e.CacheID, nil
}

func (c *Cache) evictOverflow(ctx context.Context, userID string) {
	members, err := c.kv.ZRevRangeWithScores(ctx, listKey(userID), 10_000)
	if err != nil || len(members) <= c.maxPerUser {
		return
	}
	// members is newest-first; the overflow tail is the oldest entries.
	overflow := members[c.maxPerUser:]
	for _, m := range overflow {
		_ = c.kv.Del(ctx, detailKey(m.Member))
		_ = c.kv.ZRem(ctx, listKey(userID), m.Member)
	}
}

// FindByUser returns this user's cache entries, newest first, matching
// filter (empty fields match anything).
func (c *Cache) FindByUser(ctx context.Context, userID string, filter Filter) ([]Entry, error) {
	members, err := c.kv.ZRevRangeWithScores(ctx, listKey(userID), int64(c.maxPerUser))
	if err != nil {
		return nil, fmt.Errorf("requestcache: list user entries: %w", err)
	}
	out := make([]Entry, 0, len(members))
	for _, m := range members {
		e, found, err := c.load(ctx, m.Member)
		if err != nil || !found {
			continue
		}
		if filter.ModelType != "" && e.ModelType != filter.ModelType {
			continue
		}
		if filter.Mode != "" && e.Mode != filter.Mode {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *Cache) load(ctx context.Context, cacheID string) (Entry, bool, error) {
	body, found, err := c.kv.Get(ctx, detailKey(cacheID))
	if err != nil || !found {
		return Entry{}, found, err
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// IncrementHit bumps hitCount and lastHitAt, preserving the entry's
// remaining TTL (re-reads and re-writes with the original TTL window).
func (c *Cache) IncrementHit(ctx context.Context, cacheID string) error {
	e, found, err := c.load(ctx, cacheID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	e.HitCount++
	now := time.Now()
	e.LastHitAt = &now

	remaining := time.Until(e.ExpiresAt)
	if remaining <= 0 {
		remaining = c.ttl
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.kv.SetEX(ctx, detailKey(cacheID), body, remaining)
}

// Match is the outcome of FindSimilar.
type Match struct {
	Entry      Entry
	Similarity float64
}

// FindSimilar computes cosine similarity between queryEmbedding and every
// single-agent entry for userID, returning the best match if it exceeds the
// configured threshold. Ties are broken by highest hitCount, then newest.
func (c *Cache) FindSimilar(ctx context.Context, userID string, queryEmbedding []float32, filter Filter) (Match, bool, error) {
	candidates, err := c.FindByUser(ctx, userID, filter)
	if err != nil {
		return Match{}, false, err
	}
	if len(candidates) == 0 {
		observability.Metrics().CacheMisses.Add(ctx, 1)
		return Match{}, false, nil
	}

	matches := make([]Match, 0, len(candidates))
	for _, e := range candidates {
		sim := vectormath.CosineSimilarity(queryEmbedding, e.RequestEmbedding)
		matches = append(matches, Match{Entry: e, Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		if matches[i].Entry.HitCount != matches[j].Entry.HitCount {
			return matches[i].Entry.HitCount > matches[j].Entry.HitCount
		}
		return matches[i].Entry.CreatedAt.After(matches[j].Entry.CreatedAt)
	})

	best := matches[0]
	if best.Similarity <= c.threshold {
		observability.Metrics().CacheMisses.Add(ctx, 1)
		return Match{}, false, nil
	}
	observability.Metrics().CacheHits.Add(ctx, 1)
	return best, true, nil
}
