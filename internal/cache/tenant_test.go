package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacesai/spaces-engine/internal/observability"
)

func newRedisCache(t *testing.T, cfg Config) (*TenantCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, observability.Nop(), cfg), srv
}

func TestTenantCache_KeyNamespacing(t *testing.T) {
	c := New(NewMemoryStore(0), observability.Nop(), Config{App: "spacesai", SchemaVersion: 2})

	assert.Equal(t, "spacesai:2:sem:0:7:0:5:hello", c.Key("sem:0:7:0:5:hello"))
}

func TestTenantCache_RoundTrip(t *testing.T) {
	c, srv := newRedisCache(t, Config{App: "spacesai", SchemaVersion: 1})
	ctx := context.Background()

	type payload struct {
		Answer string `json:"answer"`
		N      int    `json:"n"`
	}

	require.NoError(t, c.SetJSON(ctx, "scope:a", payload{Answer: "hi", N: 3}, 0))

	var got payload
	require.True(t, c.GetJSON(ctx, "scope:a", &got))
	assert.Equal(t, payload{Answer: "hi", N: 3}, got)

	// The stored value lives under the namespaced key with a real TTL.
	ttl := srv.TTL("spacesai:1:scope:a")
	assert.GreaterOrEqual(t, ttl, time.Second)

	st := c.Status()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Sets)
	assert.Equal(t, "ok", st.State)
}

func TestTenantCache_TTLFloor(t *testing.T) {
	c, srv := newRedisCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.SetJSON(ctx, "scope:tiny", "v", time.Millisecond))

	assert.GreaterOrEqual(t, srv.TTL(c.Key("scope:tiny")), time.Second, "TTL is clamped to at least one second")
}

func TestTenantCache_MissOnAbsent(t *testing.T) {
	c, _ := newRedisCache(t, Config{})

	var out string
	assert.False(t, c.GetJSON(context.Background(), "nope", &out))
	assert.Equal(t, int64(1), c.Status().Misses)
}

func TestTenantCache_RevisionsMonotonic(t *testing.T) {
	c, _ := newRedisCache(t, Config{})
	ctx := context.Background()
	sid := int64(5)

	assert.Equal(t, int64(0), c.GetRevision(ctx, RevText, 42, &sid), "unset revision reads as zero")

	r1, err := c.BumpRevision(ctx, RevText, 42, &sid)
	require.NoError(t, err)
	r2, err := c.BumpRevision(ctx, RevText, 42, &sid)
	require.NoError(t, err)

	assert.Equal(t, int64(1), r1)
	assert.Equal(t, int64(2), r2)
	assert.Equal(t, int64(2), c.GetRevision(ctx, RevText, 42, &sid))

	// Other scopes are untouched.
	assert.Equal(t, int64(0), c.GetRevision(ctx, RevImage, 42, &sid))
	assert.Equal(t, int64(0), c.GetRevision(ctx, RevText, 42, nil))
	assert.Equal(t, int64(0), c.GetRevision(ctx, RevText, 7, &sid))
}

func TestRevisionKey_Shape(t *testing.T) {
	sid := int64(9)
	assert.Equal(t, "rev:text:u42:s9", RevisionKey(RevText, 42, &sid))
	assert.Equal(t, "rev:image:u42:s0", RevisionKey(RevImage, 42, nil))
}

// flakyStore fails every operation while broken is set.
type flakyStore struct {
	mu     sync.Mutex
	inner  Store
	broken bool
}

func (f *flakyStore) setBroken(b bool) {
	f.mu.Lock()
	f.broken = b
	f.mu.Unlock()
}

func (f *flakyStore) fail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broken
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.fail() {
		return nil, errors.New("connection refused")
	}
	return f.inner.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.fail() {
		return errors.New("connection refused")
	}
	return f.inner.Set(ctx, key, value, ttl)
}

func (f *flakyStore) Incr(ctx context.Context, key string) (int64, error) {
	if f.fail() {
		return 0, errors.New("connection refused")
	}
	return f.inner.Incr(ctx, key)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.fail() {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyStore) Close() error { return nil }

func TestTenantCache_BreakerOpensAfterThreshold(t *testing.T) {
	store := &flakyStore{inner: NewMemoryStore(0), broken: true}
	c := New(store, observability.Nop(), Config{FailureThreshold: 3, Cooldown: time.Hour})
	ctx := context.Background()

	var out string
	for i := 0; i < 3; i++ {
		assert.False(t, c.GetJSON(ctx, "k", &out))
	}

	st := c.Status()
	assert.Equal(t, "cooldown", st.State)
	assert.False(t, st.Connected)
	assert.Equal(t, int64(3), st.Failures)
	assert.Contains(t, st.LastError, "connection refused")
	assert.Greater(t, st.CooldownRemaining, 0.0)

	// During cooldown the store is never touched: repairing it must not help
	// until the window elapses.
	store.setBroken(false)
	require.NoError(t, store.inner.Set(ctx, c.Key("k"), []byte(`"v"`), time.Minute))
	assert.False(t, c.GetJSON(ctx, "k", &out), "short-circuited during cooldown")
	assert.NoError(t, c.SetJSON(ctx, "k2", "x", 0), "set is a silent no-op during cooldown")

	_, err := c.BumpRevision(ctx, RevText, 1, nil)
	assert.Error(t, err, "revision bump reports unavailability")
}

func TestTenantCache_ReprobeAfterCooldown(t *testing.T) {
	store := &flakyStore{inner: NewMemoryStore(0), broken: true}
	c := New(store, observability.Nop(), Config{FailureThreshold: 2, Cooldown: 30 * time.Millisecond})
	ctx := context.Background()

	var out string
	c.GetJSON(ctx, "k", &out)
	c.GetJSON(ctx, "k", &out)
	require.Equal(t, "cooldown", c.Status().State)

	store.setBroken(false)
	time.Sleep(50 * time.Millisecond)

	// First call after the window reprobes and closes the breaker.
	require.NoError(t, c.SetJSON(ctx, "k", "back", 0))
	require.True(t, c.GetJSON(ctx, "k", &out))
	assert.Equal(t, "back", out)
	assert.Equal(t, "ok", c.Status().State)
}

func TestTenantCache_FailedReprobeExtendsCooldown(t *testing.T) {
	store := &flakyStore{inner: NewMemoryStore(0), broken: true}
	c := New(store, observability.Nop(), Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	var out string
	c.GetJSON(ctx, "k", &out)
	require.Equal(t, "cooldown", c.Status().State)

	time.Sleep(40 * time.Millisecond)

	// Store still broken: the reprobe fails and a fresh window starts.
	assert.False(t, c.GetJSON(ctx, "k", &out))
	st := c.Status()
	assert.Equal(t, "cooldown", st.State)
	assert.Greater(t, st.CooldownRemaining, 0.0)
}

func TestTenantCache_DisabledWithoutStore(t *testing.T) {
	c := New(nil, observability.Nop(), Config{})
	ctx := context.Background()

	var out string
	assert.False(t, c.GetJSON(ctx, "k", &out))
	assert.NoError(t, c.SetJSON(ctx, "k", "v", 0))
	assert.Equal(t, int64(0), c.GetRevision(ctx, RevText, 1, nil))

	st := c.Status()
	assert.Equal(t, "disabled", st.State)
	assert.False(t, st.Enabled)
}

func TestTenantCache_SuccessResetsFailureStreak(t *testing.T) {
	store := &flakyStore{inner: NewMemoryStore(0)}
	c := New(store, observability.Nop(), Config{FailureThreshold: 3, Cooldown: time.Hour})
	ctx := context.Background()

	var out string
	store.setBroken(true)
	c.GetJSON(ctx, "k", &out)
	c.GetJSON(ctx, "k", &out)

	store.setBroken(false)
	c.GetJSON(ctx, "k", &out) // clean miss resets the streak

	store.setBroken(true)
	c.GetJSON(ctx, "k", &out)
	c.GetJSON(ctx, "k", &out)

	assert.Equal(t, "ok", c.Status().State, "two failures after a reset stay under the threshold")
}
