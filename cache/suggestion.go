package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Suggestion is a cached category classification
type Suggestion struct {
	Category    string  `json:"category"`
	Subcategory string  `json:"subcategory,omitempty"`
	Confidence  float64 `json:"confidence"`
	Source      string  `json:"source"`
}

// RedisSuggestionCache caches AI category suggestions keyed by the normalized request text
type RedisSuggestionCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSuggestionCache(client *redis.Client, ttl time.Duration) *RedisSuggestionCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisSuggestionCache{client: client, ttl: ttl}
}

// SuggestionKey creates the cache key for a request text: case and spacing do not matter
func SuggestionKey(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	hash := sha256.Sum256([]byte(normalized))
	return "classify:" + hex.EncodeToString(hash[:])
}

// Get retrieves a cached suggestion if it exists
func (c *RedisSuggestionCache) Get(ctx context.Context, text string) (*Suggestion, bool) {
	data, err := c.client.Get(ctx, SuggestionKey(text)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Error("Failed to read cached suggestion", "error", err)
		}
		return nil, false
	}

	var suggestion Suggestion
	if err := json.Unmarshal(data, &suggestion); err != nil {
		slog.Warn("Discarding malformed cached suggestion", "error", err)
		return nil, false
	}
	return &suggestion, true
}

// Set stores a suggestion in the cache
func (c *RedisSuggestionCache) Set(ctx context.Context, text string, suggestion Suggestion) error {
	data, err := json.Marshal(suggestion)
	if err != nil {
		return fmt.Errorf("failed to encode suggestion: %w", err)
	}
	if err := c.client.Set(ctx, SuggestionKey(text), data, c.ttl).Err(); err != nil {
		slog.Error("Failed to cache suggestion", "error", err)
		return err
	}
	return nil
}
