package cds

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyToken(t *testing.T) {
	cfg := testAuthConfig("top-secret")
	now := time.Now()

	token, err := IssueToken(cfg, "explorer", now)
	require.NoError(t, err)

	subject, err := VerifyToken(cfg, token)
	require.NoError(t, err)
	require.Equal(t, "explorer", subject)
}

func TestVerifyTokenRejections(t *testing.T) {
	cfg := testAuthConfig("top-secret")
	now := time.Now()

	token, err := IssueToken(cfg, "explorer", now)
	require.NoError(t, err)

	wrongSecret := cfg
	wrongSecret.Secret = "other-secret"
	_, err = VerifyToken(wrongSecret, token)
	require.Error(t, err)

	wrongIssuer := cfg
	wrongIssuer.Issuer = "someone-else"
	_, err = VerifyToken(wrongIssuer, token)
	require.Error(t, err)

	// Issued far enough in the past to be expired beyond the leeway.
	stale, err := IssueToken(cfg, "explorer", now.Add(-2*cfg.TokenTTL.Duration))
	require.NoError(t, err)
	_, err = VerifyToken(cfg, stale)
	require.Error(t, err)
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	_, err := IssueToken(testAuthConfig(""), "explorer", time.Now())
	require.Error(t, err)
}

func TestRequireAuthPassthroughWithoutSecret(t *testing.T) {
	handler := requireAuth(testAuthConfig(""))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/blocks", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}
