package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callIdentity(t *testing.T, headers map[string]string) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()
	var captured *http.Request
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	Identity(next).ServeHTTP(rec, req)
	return rec, captured
}

func TestIdentityRequiresUserHeader(t *testing.T) {
	rec, captured := callIdentity(t, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, captured)
}

func TestIdentityRejectsMalformedUser(t *testing.T) {
	for _, v := range []string{"abc", "-3", "0", "1.5"} {
		rec, _ := callIdentity(t, map[string]string{"X-User-ID": v})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", v)
	}
}

func TestIdentityExtractsUserAndSpace(t *testing.T) {
	rec, captured := callIdentity(t, map[string]string{"X-User-ID": "42", "X-Space-ID": "9"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, captured)

	uid, ok := UserID(captured.Context())
	require.True(t, ok)
	assert.Equal(t, int64(42), uid)

	sid := SpaceID(captured.Context())
	require.NotNil(t, sid)
	assert.Equal(t, int64(9), *sid)
}

func TestIdentitySpaceOptional(t *testing.T) {
	rec, captured := callIdentity(t, map[string]string{"X-User-ID": "42"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, SpaceID(captured.Context()))
}
