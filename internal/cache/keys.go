// Package cache implements the embedded cache store (C2): an ordered
// key-value store for hot episodes, recent patterns, and retrieval
// indices, fronted by an in-process LRU index so eviction and TTL
// decisions never require a scan of the underlying store.
package cache

import (
	"fmt"
	"strings"
)

// Key prefixes, per spec.md §6's cache key layout.
const (
	prefixEpisode = "ep/"
	prefixPattern = "pat/"
	prefixCtxIdx  = "idx/ctx/"
)

// EpisodeKey returns the cache key for an episode by id.
func EpisodeKey(episodeID string) string { return prefixEpisode + episodeID }

// PatternKey returns the cache key for a pattern by id.
func PatternKey(patternID string) string { return prefixPattern + patternID }

// ContextIndexKey returns the cache key for the sorted episode-id list
// indexed by (domain, language, task_type).
func ContextIndexKey(domain, language, taskType string) string {
	return fmt.Sprintf("%s%s/%s/%s", prefixCtxIdx, domain, language, taskType)
}

// IsEpisodeKey reports whether key addresses an episode entry.
func IsEpisodeKey(key string) bool { return strings.HasPrefix(key, prefixEpisode) }

// IsPatternKey reports whether key addresses a pattern entry.
func IsPatternKey(key string) bool { return strings.HasPrefix(key, prefixPattern) }
