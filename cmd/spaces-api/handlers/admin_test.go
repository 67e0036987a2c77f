package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacesai/spaces-engine/cmd/spaces-api/middleware"
	"github.com/spacesai/spaces-engine/internal/cache"
	"github.com/spacesai/spaces-engine/internal/config"
	"github.com/spacesai/spaces-engine/internal/ingest"
	"github.com/spacesai/spaces-engine/internal/observability"
	"github.com/spacesai/spaces-engine/internal/tuning"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "json"})
}

// brokenStore fails every operation so the breaker trips.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenStore) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenStore) Ping(context.Context) error { return errors.New("connection refused") }
func (brokenStore) Close() error               { return nil }

func newAdminForTest(t *testing.T, tenantCache *cache.TenantCache) *AdminHandler {
	t.Helper()
	cfg := config.Default()
	tun := tuning.New(cfg.Search.DefaultTopK, cfg.PGVector.Probes, cfg.Secondary.NumCandidates)
	return NewAdminHandler(nil, tun, tenantCache, cfg.Search, cfg.Secondary, testLogger())
}

func identified(req *http.Request) *http.Request {
	rec := httptest.NewRecorder()
	var out *http.Request
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { out = r })
	req.Header.Set("X-User-ID", "7")
	middleware.Identity(next).ServeHTTP(rec, req)
	return out
}

func TestIngestRequestKeepsNestedMetadata(t *testing.T) {
	payload := `{"title":"t","content":"c","metadata":{"source":"crm","labels":{"priority":1}}}`
	var req ingestRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))

	// Metadata passes through to the pipeline verbatim, nesting included.
	ir := ingest.Request{Title: req.Title, Content: req.Content, Metadata: req.Metadata}
	assert.JSONEq(t, `{"source":"crm","labels":{"priority":1}}`, string(ir.Metadata))
}

func TestRuntimeConfigRoundTrip(t *testing.T) {
	h := newAdminForTest(t, nil)

	rec := httptest.NewRecorder()
	h.GetRuntimeConfig(rec, httptest.NewRequest(http.MethodGet, "/api/admin/runtime-config", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got runtimeConfigResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "secondary", got.Backend)
	assert.Equal(t, 25, got.DefaultTopK)
	assert.Equal(t, 10, got.ANNProbes)
	assert.Equal(t, "nmslib", got.Secondary.Engine)
	assert.Equal(t, "cosinesimil", got.Secondary.Distance)

	body := `{"default_top_k": 40, "ann_probes": 20, "num_candidates": 500}`
	rec = httptest.NewRecorder()
	h.SetRuntimeConfig(rec, httptest.NewRequest(http.MethodPost, "/api/admin/runtime-config", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 40, got.DefaultTopK)
	assert.Equal(t, 20, got.ANNProbes)
	assert.Equal(t, 500, got.Secondary.NumCandidates)
}

func TestRuntimeConfigRejectsOutOfRange(t *testing.T) {
	h := newAdminForTest(t, nil)

	for _, body := range []string{
		`{"default_top_k": 0}`,
		`{"default_top_k": 1001}`,
		`{"ann_probes": -1}`,
		`{"num_candidates": 2000000}`,
	} {
		rec := httptest.NewRecorder()
		h.SetRuntimeConfig(rec, httptest.NewRequest(http.MethodPost, "/api/admin/runtime-config", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}

	// Rejected updates must not stick.
	rec := httptest.NewRecorder()
	h.GetRuntimeConfig(rec, httptest.NewRequest(http.MethodGet, "/api/admin/runtime-config", nil))
	var got runtimeConfigResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 25, got.DefaultTopK)
}

func TestHealthOK(t *testing.T) {
	tenantCache := cache.New(cache.NewMemoryStore(16), testLogger(), cache.Config{})
	h := newAdminForTest(t, tenantCache)

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.JSONEq(t, `"ok"`, string(got["status"]))
}

func TestHealthDegradedOnCooldown(t *testing.T) {
	tenantCache := cache.New(brokenStore{}, testLogger(), cache.Config{FailureThreshold: 1})
	// Trip the breaker.
	var sink struct{}
	tenantCache.GetJSON(context.Background(), "probe", &sink)

	h := newAdminForTest(t, tenantCache)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.JSONEq(t, `"degraded"`, string(got["status"]))
}

func TestReindexRequiresScope(t *testing.T) {
	h := newAdminForTest(t, nil)

	req := identified(httptest.NewRequest(http.MethodPost, "/api/admin/reindex", strings.NewReader(`{}`)))
	rec := httptest.NewRecorder()
	h.Reindex(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReindexRequiresIdentity(t *testing.T) {
	h := newAdminForTest(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/reindex", strings.NewReader(`{"all": true}`))
	rec := httptest.NewRecorder()
	h.Reindex(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
