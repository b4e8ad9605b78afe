package api

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"scarf/indexer"
)

// Cache is the key/value store search results are kept in.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
}

// GenerateCacheKey generates a standardized cache key for search results.
// It includes all search parameters to prevent cache collisions between different searches.
func GenerateCacheKey(indexerKey string, q *indexer.TorznabQuery) string {
	cats := slices.Clone(q.Categories)
	slices.Sort(cats)
	catStrs := make([]string, len(cats))
	for i, c := range cats {
		catStrs[i] = fmt.Sprint(c)
	}
	keyStr := fmt.Sprintf("search:%s:%s:%s:%s:%s:%d:%s:%d:%d",
		indexerKey,
		q.Type,
		strings.ToLower(strings.TrimSpace(q.Query)),
		strings.Join(catStrs, ","),
		q.IMDBID,
		q.Season,
		q.Episode,
		q.Offset,
		q.Limit,
	)
	hash := sha1.Sum([]byte(keyStr))
	return fmt.Sprintf("%x", hash)
}

// CachedSearchResult represents the standardized cached search data
type CachedSearchResult struct {
	Releases   []indexer.ReleaseInfo `json:"releases"`
	CachedAt   time.Time             `json:"cached_at"`
	IndexerKey string                `json:"indexer_key"`
	Query      indexer.TorznabQuery  `json:"query"`
}

// CacheSearchResults stores search results together with the query that
// produced them.
func CacheSearchResults(c Cache, indexerKey string, q *indexer.TorznabQuery, releases []indexer.ReleaseInfo, ttl time.Duration) {
	if c == nil || len(releases) == 0 {
		return // Don't cache empty results
	}

	cachedResult := CachedSearchResult{
		Releases:   releases,
		CachedAt:   time.Now(),
		IndexerKey: indexerKey,
		Query:      *q,
	}
	if jsonData, err := json.Marshal(cachedResult); err == nil {
		c.Set(GenerateCacheKey(indexerKey, q), jsonData, ttl)
	}
}

// GetCachedSearchResults retrieves cached search results using full search parameters.
func GetCachedSearchResults(c Cache, indexerKey string, q *indexer.TorznabQuery) ([]indexer.ReleaseInfo, bool) {
	if c == nil {
		return nil, false
	}
	if cachedData, found := c.Get(GenerateCacheKey(indexerKey, q)); found {
		var cachedResult CachedSearchResult
		if err := json.Unmarshal(cachedData, &cachedResult); err == nil {
			return cachedResult.Releases, true
		}
	}
	return nil, false
}
