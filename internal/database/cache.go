package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

const (
	// Cache key prefixes
	CacheKeyPanelList      = "provpn:panels:list"
	CacheKeyCapacity       = "provpn:capacity:"
	CacheKeySettings       = "provpn:settings"
	CacheKeyTokenBlacklist = "provpn:token:blacklist:"

	// Cache TTLs
	CacheTTLPanels   = 2 * time.Minute
	CacheTTLCapacity = 1 * time.Minute
	CacheTTLSettings = 5 * time.Minute
)

// ErrCacheUnavailable is returned when Redis is not connected
var ErrCacheUnavailable = errors.New("cache unavailable")

// CacheGet retrieves a value from Redis cache and unmarshals it into dest
func CacheGet(key string, dest interface{}) error {
	if Redis == nil {
		return ErrCacheUnavailable
	}
	ctx := context.Background()
	data, err := Redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// CacheSet stores a value in Redis cache with TTL
func CacheSet(key string, value interface{}, ttl time.Duration) error {
	if Redis == nil {
		return ErrCacheUnavailable
	}
	ctx := context.Background()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return Redis.Set(ctx, key, data, ttl).Err()
}

// CacheDelete removes a key from Redis cache
func CacheDelete(keys ...string) error {
	if Redis == nil || len(keys) == 0 {
		return nil
	}
	ctx := context.Background()
	return Redis.Del(ctx, keys...).Err()
}

// CacheDeletePattern deletes all keys matching a pattern (use with caution)
func CacheDeletePattern(pattern string) error {
	if Redis == nil {
		return nil
	}
	ctx := context.Background()
	iter := Redis.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return Redis.Del(ctx, keys...).Err()
	}
	return nil
}

// InvalidatePanelCache clears the panel list cache
func InvalidatePanelCache() {
	CacheDelete(CacheKeyPanelList)
}

// InvalidateCapacityCache clears capacity reports, for one profile or all
func InvalidateCapacityCache(profileName string) {
	if profileName == "" {
		CacheDeletePattern(CacheKeyCapacity + "*")
		return
	}
	CacheDelete(CacheKeyCapacity + profileName)
}

// InvalidateSettingsCache clears the cached preference map
func InvalidateSettingsCache() {
	CacheDelete(CacheKeySettings)
}

// tokenDigest keys blacklist entries without persisting raw tokens
func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// BlacklistToken marks a token as revoked until its natural expiry
func BlacklistToken(token string, expiresAt time.Time) error {
	if Redis == nil {
		return nil
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	ctx := context.Background()
	return Redis.Set(ctx, CacheKeyTokenBlacklist+tokenDigest(token), "1", ttl).Err()
}

// IsTokenBlacklisted reports whether the token was revoked by a logout
func IsTokenBlacklisted(token string) bool {
	if Redis == nil {
		return false
	}
	ctx := context.Background()
	count, err := Redis.Exists(ctx, CacheKeyTokenBlacklist+tokenDigest(token)).Result()
	return err == nil && count > 0
}
