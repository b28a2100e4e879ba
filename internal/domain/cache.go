package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
//
// The cache never invalidates itself on writes elsewhere; the lifecycle
// manager calls InvalidateTimeline explicitly after every successful commit.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetTimeline retrieves the cached published-version timeline for a
	// visa type. Returns nil, nil on a miss.
	GetTimeline(ctx context.Context, visaTypeID string) (*TimelineCache, error)

	// SetTimeline caches a visa type's published-version timeline.
	SetTimeline(ctx context.Context, visaTypeID string, data *TimelineCache, ttl time.Duration) error

	// InvalidateTimeline drops the cached timeline for a visa type.
	InvalidateTimeline(ctx context.Context, visaTypeID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// TimelineCache holds the published effective windows of a visa type, enough
// to resolve which version governs an evaluation at a given instant without
// touching the repository.
type TimelineCache struct {
	VisaTypeID string         `json:"visaTypeId"`
	Windows    []CachedWindow `json:"windows"`
	CachedAt   time.Time      `json:"cachedAt"`
}

// CachedWindow is one published version's effective window.
type CachedWindow struct {
	VersionID     string     `json:"versionId"`
	VersionNumber int        `json:"versionNumber"`
	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`
}

// ActiveVersionID returns the version whose window covers t, or "" if none.
func (tc *TimelineCache) ActiveVersionID(t time.Time) string {
	for _, w := range tc.Windows {
		if t.Before(w.EffectiveFrom) {
			continue
		}
		if w.EffectiveTo == nil || t.Before(*w.EffectiveTo) {
			return w.VersionID
		}
	}
	return ""
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
