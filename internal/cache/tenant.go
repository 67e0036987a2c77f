package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spacesai/spaces-engine/internal/observability"
)

// Revision kinds. Any write affecting a tenant's chunks bumps the text
// revision; image writes bump the image revision.
const (
	RevText  = "text"
	RevImage = "image"
)

// Config holds tenant cache settings.
type Config struct {
	App              string
	SchemaVersion    int
	DefaultTTL       time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// TenantCache maps namespaced string keys to JSON values with per-key TTL.
// Failures trip a circuit breaker: after FailureThreshold consecutive
// failures all operations short-circuit for the Cooldown window, then the
// first call reprobes connectivity. Callers always degrade gracefully: a
// broken cache behaves as a cache that misses everything.
type TenantCache struct {
	store  Store
	logger *observability.Logger
	prefix string
	ttl    time.Duration

	threshold int
	cooldown  time.Duration

	mu            sync.Mutex
	failures      int
	cooldownUntil time.Time
	hits          int64
	misses        int64
	sets          int64
	failureTotal  int64
	lastErr       string
	lastPing      time.Time
}

// New creates a TenantCache over the given store. A nil store yields a
// disabled cache where every get is a miss and every set is a no-op.
func New(store Store, logger *observability.Logger, cfg Config) *TenantCache {
	if cfg.App == "" {
		cfg.App = "spacesai"
	}
	if cfg.SchemaVersion < 1 {
		cfg.SchemaVersion = 1
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &TenantCache{
		store:     store,
		logger:    logger,
		prefix:    fmt.Sprintf("%s:%d:", cfg.App, cfg.SchemaVersion),
		ttl:       cfg.DefaultTTL,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
	}
}

// Key returns the fully namespaced key for a scope.
func (c *TenantCache) Key(scope string) string {
	return c.prefix + scope
}

// RevisionKey returns the scope of a revision counter. A nil space is
// rendered as s0; real space ids are positive.
func RevisionKey(kind string, userID int64, spaceID *int64) string {
	sid := int64(0)
	if spaceID != nil {
		sid = *spaceID
	}
	return fmt.Sprintf("rev:%s:u%d:s%d", kind, userID, sid)
}

// GetJSON fetches the scope and unmarshals it into dst. Returns false on
// miss, short-circuit, or any failure.
func (c *TenantCache) GetJSON(ctx context.Context, scope string, dst interface{}) bool {
	if !c.allow(ctx) {
		c.countMiss()
		return false
	}
	data, err := c.store.Get(ctx, c.Key(scope))
	if err == ErrMiss {
		c.recordSuccess()
		c.countMiss()
		return false
	}
	if err != nil {
		c.recordFailure(err)
		c.countMiss()
		return false
	}
	c.recordSuccess()
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn().Err(err).Str("scope", scope).Msg("cache: stale payload shape, treating as miss")
		c.countMiss()
		return false
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return true
}

// SetJSON stores the value under the scope. TTL ≤ 0 uses the default; the
// effective TTL is never below one second.
func (c *TenantCache) SetJSON(ctx context.Context, scope string, value interface{}, ttl time.Duration) error {
	if !c.allow(ctx) {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", scope, err)
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := c.store.Set(ctx, c.Key(scope), data, ttl); err != nil {
		c.recordFailure(err)
		return nil
	}
	c.recordSuccess()
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return nil
}

// BumpRevision increments the revision counter for (kind, user, space).
// Best-effort: an error means the bump did not happen and the caller may
// log and continue.
func (c *TenantCache) BumpRevision(ctx context.Context, kind string, userID int64, spaceID *int64) (int64, error) {
	if !c.allow(ctx) {
		return 0, fmt.Errorf("cache: unavailable, revision bump skipped")
	}
	rev, err := c.store.Incr(ctx, c.Key(RevisionKey(kind, userID, spaceID)))
	if err != nil {
		c.recordFailure(err)
		return 0, err
	}
	c.recordSuccess()
	return rev, nil
}

// GetRevision returns the current revision for (kind, user, space); zero
// when unset or the cache is unavailable.
func (c *TenantCache) GetRevision(ctx context.Context, kind string, userID int64, spaceID *int64) int64 {
	if !c.allow(ctx) {
		return 0
	}
	data, err := c.store.Get(ctx, c.Key(RevisionKey(kind, userID, spaceID)))
	if err == ErrMiss {
		c.recordSuccess()
		return 0
	}
	if err != nil {
		c.recordFailure(err)
		return 0
	}
	c.recordSuccess()
	rev, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return rev
}

// Status reports the cache state for health checks.
type Status struct {
	State             string    `json:"state"` // ok, cooldown or disabled
	Enabled           bool      `json:"enabled"`
	Connected         bool      `json:"connected"`
	Hits              int64     `json:"hits"`
	Misses            int64     `json:"misses"`
	Sets              int64     `json:"sets"`
	Failures          int64     `json:"failures"`
	LastError         string    `json:"last_error,omitempty"`
	LastPing          time.Time `json:"last_ping,omitzero"`
	CooldownRemaining float64   `json:"cooldown_remaining_seconds"`
}

// Status returns a snapshot of counters and breaker state.
func (c *TenantCache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Enabled:   c.store != nil,
		Hits:      c.hits,
		Misses:    c.misses,
		Sets:      c.sets,
		Failures:  c.failureTotal,
		LastError: c.lastErr,
		LastPing:  c.lastPing,
	}
	switch {
	case c.store == nil:
		st.State = "disabled"
	case c.failures >= c.threshold:
		st.State = "cooldown"
		if remaining := time.Until(c.cooldownUntil); remaining > 0 {
			st.CooldownRemaining = remaining.Seconds()
		}
	default:
		st.State = "ok"
		st.Connected = true
	}
	return st
}

// Close releases the underlying store.
func (c *TenantCache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// allow reports whether the breaker admits an operation, reprobing once
// when a cooldown has expired.
func (c *TenantCache) allow(ctx context.Context) bool {
	c.mu.Lock()
	if c.store == nil {
		c.mu.Unlock()
		return false
	}
	if c.failures < c.threshold {
		c.mu.Unlock()
		return true
	}
	if time.Now().Before(c.cooldownUntil) {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if err := c.store.Ping(ctx); err != nil {
		c.mu.Lock()
		c.failureTotal++
		c.lastErr = err.Error()
		c.cooldownUntil = time.Now().Add(c.cooldown)
		c.mu.Unlock()
		return false
	}
	c.mu.Lock()
	c.failures = 0
	c.lastPing = time.Now()
	c.mu.Unlock()
	c.logger.Info().Msg("cache: reconnected after cooldown")
	return true
}

func (c *TenantCache) recordFailure(err error) {
	c.mu.Lock()
	c.failures++
	c.failureTotal++
	c.lastErr = err.Error()
	if c.failures == c.threshold {
		c.cooldownUntil = time.Now().Add(c.cooldown)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Dur("cooldown", c.cooldown).Msg("cache: failure threshold reached, entering cooldown")
		return
	}
	c.mu.Unlock()
}

func (c *TenantCache) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

func (c *TenantCache) countMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}
