// Package throttle counts failed login attempts per identifier and per client
// IP in fixed windows, backed by Redis.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable indicates the counter backend could not be reached.
var ErrUnavailable = errors.New("throttle backend unavailable")

// Config bounds failed attempts within Window. A zero max disables that
// dimension.
type Config struct {
	IdentifierMax int
	IPMax         int
	Window        time.Duration
}

// DefaultConfig returns conservative login limits.
func DefaultConfig() Config {
	return Config{
		IdentifierMax: 10,
		IPMax:         50,
		Window:        15 * time.Minute,
	}
}

// Decision is the outcome of Check.
type Decision struct {
	Limited    bool
	RetryAfter time.Duration
}

// Limiter is what the login handler needs.
type Limiter interface {
	Check(ctx context.Context, identifier, ip string) (Decision, error)
	Fail(ctx context.Context, identifier, ip string) error
	Reset(ctx context.Context, identifier string) error
}

// RedisLimiter implements Limiter with INCR + EXPIRE counters.
type RedisLimiter struct {
	redis  redis.UniversalClient
	config Config
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter returns a limiter over client.
func NewRedisLimiter(client redis.UniversalClient, cfg Config) *RedisLimiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &RedisLimiter{redis: client, config: cfg}
}

// Check reports whether identifier or ip already reached its limit.
// It does not count as an attempt.
func (l *RedisLimiter) Check(ctx context.Context, identifier, ip string) (Decision, error) {
	if l.config.IPMax > 0 && ip != "" {
		d, err := l.check(ctx, ipKey(ip), l.config.IPMax)
		if err != nil || d.Limited {
			return d, err
		}
	}
	if l.config.IdentifierMax > 0 && identifier != "" {
		return l.check(ctx, identifierKey(identifier), l.config.IdentifierMax)
	}
	return Decision{}, nil
}

// Fail records one failed attempt for identifier and ip.
func (l *RedisLimiter) Fail(ctx context.Context, identifier, ip string) error {
	if l.config.IdentifierMax > 0 && identifier != "" {
		if err := l.incr(ctx, identifierKey(identifier)); err != nil {
			return err
		}
	}
	if l.config.IPMax > 0 && ip != "" {
		if err := l.incr(ctx, ipKey(ip)); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears the identifier counter after a successful login. The IP
// counter is left alone so one good account cannot launder a spraying IP.
func (l *RedisLimiter) Reset(ctx context.Context, identifier string) error {
	if identifier == "" {
		return nil
	}
	if err := l.redis.Del(ctx, identifierKey(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *RedisLimiter) check(ctx context.Context, key string, limit int) (Decision, error) {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Decision{}, nil
		}
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count < int64(limit) {
		return Decision{}, nil
	}

	ttl, err := l.redis.TTL(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl <= 0 {
		ttl = l.config.Window
	}
	return Decision{Limited: true, RetryAfter: ttl}, nil
}

// incr bumps the counter and arms its TTL in one MULTI/EXEC. EXPIRE NX
// leaves a running window alone but repairs a key that lost its TTL.
func (l *RedisLimiter) incr(ctx context.Context, key string) error {
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, l.config.Window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func identifierKey(identifier string) string {
	return "murmur:login:id:" + strings.ToLower(strings.TrimSpace(identifier))
}

func ipKey(ip string) string {
	return "murmur:login:ip:" + ip
}

// Noop never limits. Used when no Redis is configured.
type Noop struct{}

func (Noop) Check(context.Context, string, string) (Decision, error) { return Decision{}, nil }
func (Noop) Fail(context.Context, string, string) error               { return nil }
func (Noop) Reset(context.Context, string) error                      { return nil }
