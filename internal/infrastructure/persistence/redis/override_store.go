// Package redis implements the per-learner override store. Administrators
// force-lock or force-unlock individual tracks through the syncctl CLI;
// the worker reads the sets on every verification request and the
// progression engine applies them last, so they always win over computed
// lock state.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluencyhub/fluency-sync/internal/domain/progression"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// URL is a redis:// connection URL. When set it takes precedence
	// over Host/Port.
	URL string

	// Host and Port locate the Redis server when URL is empty.
	Host string
	Port int

	// Password authenticates, empty for no auth.
	Password string

	// DB is the database number.
	DB int

	// DialTimeout, ReadTimeout and WriteTimeout bound socket operations.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Key prefixes for the override sets.
const (
	prefixForceUnlock = "override:unlock:"
	prefixForceLock   = "override:lock:"
)

// ══════════════════════════════════════════════════════════════════════════════
// OVERRIDE STORE
// ══════════════════════════════════════════════════════════════════════════════

// OverrideStore reads and writes the per-learner force-lock/unlock sets.
type OverrideStore struct {
	client *redis.Client
}

// NewOverrideStore connects to Redis and verifies the connection.
func NewOverrideStore(ctx context.Context, cfg Config) (*OverrideStore, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &OverrideStore{client: client}, nil
}

// Close releases the connection pool.
func (s *OverrideStore) Close() error {
	return s.client.Close()
}

// Get returns the learner's overrides. Missing keys yield empty sets.
func (s *OverrideStore) Get(ctx context.Context, learnerID string) (progression.Overrides, error) {
	unlock, err := s.client.SMembers(ctx, prefixForceUnlock+learnerID).Result()
	if err != nil {
		return progression.Overrides{}, fmt.Errorf("redis: read force-unlock set: %w", err)
	}
	lock, err := s.client.SMembers(ctx, prefixForceLock+learnerID).Result()
	if err != nil {
		return progression.Overrides{}, fmt.Errorf("redis: read force-lock set: %w", err)
	}

	return progression.Overrides{ForceUnlock: unlock, ForceLock: lock}, nil
}

// ForceUnlock adds tracks to the learner's force-unlock set.
func (s *OverrideStore) ForceUnlock(ctx context.Context, learnerID string, tracks ...string) error {
	return s.add(ctx, prefixForceUnlock+learnerID, tracks)
}

// ForceLock adds tracks to the learner's force-lock set.
func (s *OverrideStore) ForceLock(ctx context.Context, learnerID string, tracks ...string) error {
	return s.add(ctx, prefixForceLock+learnerID, tracks)
}

// Clear removes every override for the learner.
func (s *OverrideStore) Clear(ctx context.Context, learnerID string) error {
	if err := s.client.Del(ctx, prefixForceUnlock+learnerID, prefixForceLock+learnerID).Err(); err != nil {
		return fmt.Errorf("redis: clear overrides: %w", err)
	}
	return nil
}

func (s *OverrideStore) add(ctx context.Context, key string, tracks []string) error {
	if len(tracks) == 0 {
		return nil
	}
	members := make([]interface{}, len(tracks))
	for i, t := range tracks {
		members[i] = t
	}
	if err := s.client.SAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("redis: add overrides: %w", err)
	}
	return nil
}
