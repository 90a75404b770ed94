// Package ratelimit implements a Redis sorted-set sliding window limiter
// shared by every API node.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
	"github.com/capitalize-ai/sentiment-chat/pkg/metrics"
)

// Scope selects a limit.
type Scope string

const (
	ScopeGeneral Scope = "general"
	ScopeChat    Scope = "chat"
	ScopeAuth    Scope = "auth"
)

// Config holds per-scope limits.
type Config struct {
	Enabled bool
	General int
	Chat    int
	Auth    int
	Window  time.Duration
}

// Result is the outcome of one check. Remaining is -1 when no count was
// available.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// Limiter checks request rates against Redis.
type Limiter struct {
	client *redis.Client
	cfg    Config
	logger *logger.Logger
	now    func() time.Time
}

// New creates a limiter. A nil client disables limiting.
func New(client *redis.Client, cfg Config, log *logger.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if log == nil {
		log = logger.Global()
	}
	return &Limiter{client: client, cfg: cfg, logger: log, now: time.Now}
}

// Enabled reports whether checks reach Redis.
func (l *Limiter) Enabled() bool {
	return l != nil && l.cfg.Enabled && l.client != nil
}

// Limit returns the configured limit of a scope.
func (l *Limiter) Limit(scope Scope) int {
	switch scope {
	case ScopeChat:
		return l.cfg.Chat
	case ScopeAuth:
		return l.cfg.Auth
	default:
		return l.cfg.General
	}
}

// Key returns the Redis key of an identifier within a scope.
func Key(scope Scope, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, identifier)
}

// Check records one request for identifier and reports whether it fits the
// window. The request counts toward the window even when denied. When Redis
// fails, auth denies and the other scopes allow.
func (l *Limiter) Check(ctx context.Context, scope Scope, identifier string) Result {
	limit := l.Limit(scope)
	now := l.now()
	resetAt := now.Add(l.cfg.Window)

	if !l.Enabled() {
		return Result{Allowed: true, Remaining: -1, Limit: limit, ResetAt: resetAt}
	}

	count, err := l.record(ctx, Key(scope, identifier), now)
	if err != nil {
		l.logger.Warn("rate limit check failed",
			zap.String("scope", string(scope)),
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		if scope == ScopeAuth {
			metrics.RecordRateLimit(string(scope), false)
			return Result{Allowed: false, Remaining: 0, Limit: limit, ResetAt: resetAt}
		}
		metrics.RecordRateLimit(string(scope), true)
		return Result{Allowed: true, Remaining: -1, Limit: limit, ResetAt: resetAt}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	allowed := count <= int64(limit)
	metrics.RecordRateLimit(string(scope), allowed)

	return Result{Allowed: allowed, Remaining: remaining, Limit: limit, ResetAt: resetAt}
}

// record prunes the window, adds this request and returns the window size.
func (l *Limiter) record(ctx context.Context, key string, now time.Time) (int64, error) {
	windowStart := now.Add(-l.cfg.Window)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(windowStart.UnixMilli(), 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: ulid.Make().String(),
	})
	pipe.Expire(ctx, key, 2*l.cfg.Window)
	card := pipe.ZCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}
