// Package lease provides a cross-instance in-flight lease for page fetches.
//
// A single client.Service already refuses to start a second fetch while one
// is outstanding. When several processes page through the same collection
// and share one upstream budget, a RedisLease extends that guarantee across
// them: only the holder of the lease may have a request in flight.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Defaults for RedisLease.
const (
	DefaultKey = "postfeed:lease:posts"
	DefaultTTL = 30 * time.Second
)

// Outcomes recorded by postfeed_lease_acquire_total.
const (
	outcomeAcquired  = "acquired"
	outcomeContended = "contended"
	outcomeError     = "error"
)

var (
	leaseAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postfeed_lease_acquire_total",
		Help: "Total lease acquisition attempts by outcome",
	}, []string{"outcome"})

	leaseReleaseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postfeed_lease_release_errors_total",
		Help: "Total number of failed lease releases",
	})
)

// ErrNotHeld is returned by Release when this holder does not own the lease.
var ErrNotHeld = errors.New("lease not held")

// Lease guards a single in-flight fetch.
type Lease interface {
	// Acquire reports whether the lease was obtained.
	Acquire(ctx context.Context) (bool, error)

	// Release gives the lease up.
	Release(ctx context.Context) error
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a Lease stored under a single Redis key. The key expires
// after TTL so a crashed holder cannot block other instances forever.
type RedisLease struct {
	redis  *redis.Client
	key    string
	ttl    time.Duration
	token  string
	logger zerolog.Logger
}

// Config holds RedisLease configuration.
type Config struct {
	// Redis client holding the lease key (REQUIRED)
	Redis *redis.Client

	// Key is the Redis key shared by all instances paging the same collection
	Key string

	// TTL bounds how long a lease survives a holder that never releases it
	TTL time.Duration

	Logger zerolog.Logger
}

// NewRedisLease creates a RedisLease with a unique holder token.
func NewRedisLease(cfg Config) (*RedisLease, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	return &RedisLease{
		redis:  cfg.Redis,
		key:    cfg.Key,
		ttl:    cfg.TTL,
		token:  uuid.NewString(),
		logger: cfg.Logger,
	}, nil
}

// Acquire sets the lease key if nobody holds it.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		leaseAcquireTotal.WithLabelValues(outcomeError).Inc()
		return false, fmt.Errorf("redis setnx %s: %w", l.key, err)
	}

	if !ok {
		leaseAcquireTotal.WithLabelValues(outcomeContended).Inc()
		l.logger.Debug().Str("key", l.key).Msg("Lease held by another instance")
		return false, nil
	}

	leaseAcquireTotal.WithLabelValues(outcomeAcquired).Inc()
	l.logger.Debug().Str("key", l.key).Dur("ttl", l.ttl).Msg("Lease acquired")
	return true, nil
}

// Release deletes the lease key if this holder still owns it.
func (l *RedisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.redis, []string{l.key}, l.token).Int()
	if err != nil {
		leaseReleaseErrorsTotal.Inc()
		return fmt.Errorf("redis release %s: %w", l.key, err)
	}
	if n == 0 {
		leaseReleaseErrorsTotal.Inc()
		return ErrNotHeld
	}

	l.logger.Debug().Str("key", l.key).Msg("Lease released")
	return nil
}

// Key returns the Redis key of the lease.
func (l *RedisLease) Key() string {
	return l.key
}
