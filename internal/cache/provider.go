// Package cache provides the key-value store and lock primitive shared by the
// queue and session layers. Backends are interchangeable behind Provider.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Provider is a TTL key-value store with a non-blocking lock.
type Provider interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetIfAbsent stores value only when key is missing or expired.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// AcquireLock returns a token that must be handed back to ReleaseLock.
	// It never waits; acquired is false when another holder owns key.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	// ReleaseLock deletes key only while it still holds token.
	ReleaseLock(ctx context.Context, key, token string) error
	Clear(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver        string
	RedisURL      string
	RedisPrefix   string
	PoolSize      int
	SweepInterval time.Duration
}

// New builds the backend named by opts.Driver ("memory" or "redis").
func New(opts Options, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "memory":
		logger.Info("cache provider selected", zap.String("driver", "memory"))
		return NewMemoryProvider(opts.SweepInterval), nil
	case "redis":
		p, err := NewRedisProvider(opts, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", opts.Driver)
	}
}

func newLockToken() string {
	return uuid.NewString()
}
