package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/schedopt/pkg/models"
)

const testSecret = "test-secret-with-enough-bytes"

func newVerifier(t *testing.T) *TokenVerifier {
	t.Helper()
	v, err := NewTokenVerifier(testSecret, "schedopt", "")
	require.NoError(t, err)
	return v
}

func TestTokenRoundTrip(t *testing.T) {
	v := newVerifier(t)
	tok, err := v.Issue("user-1", []models.Role{models.RolePlanner}, []models.Permission{models.PermMetricsRead}, time.Hour)
	require.NoError(t, err)

	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.Subject)
	assert.Equal(t, "jwt", p.Method)
	assert.True(t, p.HasPermission(models.PermOptimizationSubmit), "granted by planner role")
	assert.True(t, p.HasPermission(models.PermMetricsRead))
	assert.False(t, p.HasPermission(models.PermOptimizationAdmin))
}

func TestTokenRejections(t *testing.T) {
	v := newVerifier(t)
	other, err := NewTokenVerifier("another-secret-entirely", "schedopt", "")
	require.NoError(t, err)
	foreign, err := other.Issue("user-1", nil, nil, time.Hour)
	require.NoError(t, err)

	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := v.Issue("user-1", nil, nil, time.Hour)
	require.NoError(t, err)
	v.now = time.Now

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "user-1", Issuer: "schedopt",
	}}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"wrong secret", foreign},
		{"expired", expired},
		{"alg none", unsigned},
		{"no expiry", noExp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestShortSecretRejected(t *testing.T) {
	_, err := NewTokenVerifier("short", "", "")
	assert.Error(t, err)
}

func TestAPIKeys(t *testing.T) {
	s := NewAPIKeyStore()
	s.cost = bcrypt.MinCost

	key, entry, err := s.Generate(models.Principal{Subject: "svc-planner", Roles: []models.Role{models.RolePlanner}}, 0)
	require.NoError(t, err)
	assert.True(t, IsAPIKey(key))
	assert.NotContains(t, entry.Hash, key)

	p, err := s.Verify(key)
	require.NoError(t, err)
	assert.Equal(t, "svc-planner", p.Subject)
	assert.Equal(t, "apikey", p.Method)

	_, err = s.Verify(key + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.Verify("sok_unknown_secret")
	assert.ErrorIs(t, err, ErrInvalidToken)

	s.Revoke(entry.ID)
	_, err = s.Verify(key)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAPIKeyExpiry(t *testing.T) {
	s := NewAPIKeyStore()
	s.cost = bcrypt.MinCost
	key, _, err := s.Generate(models.Principal{Subject: "tmp"}, time.Minute)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = s.Verify(key)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, 1, s.CleanupExpired())
	assert.Empty(t, s.List())
}

func TestLoadConfiguredKeys(t *testing.T) {
	key := "sok_ci01_abcdefghijklmnop"
	hash, err := HashKey(key)
	require.NoError(t, err)

	s := NewAPIKeyStore()
	require.NoError(t, s.Load([]KeyConfig{{ID: "ci01", Hash: hash, Subject: "ci", Permissions: []string{"optimization:submit"}}}))
	p, err := s.Verify(key)
	require.NoError(t, err)
	assert.True(t, p.HasPermission(models.PermOptimizationSubmit))

	assert.Error(t, s.Load([]KeyConfig{{ID: "bad", Hash: "plain", Subject: "x"}}))
	_, err = HashKey("not-a-key")
	assert.Error(t, err)
}

func TestMiddlewareDistinguishesMissingFromInvalid(t *testing.T) {
	v := newVerifier(t)
	keys := NewAPIKeyStore()
	keys.cost = bcrypt.MinCost
	apiKey, _, err := keys.Generate(models.Principal{Subject: "svc"}, 0)
	require.NoError(t, err)
	tok, err := v.Issue("user-1", []models.Role{models.RoleViewer}, nil, time.Hour)
	require.NoError(t, err)

	a := NewAuthenticator(v, keys)
	var rejected error
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		rejected = err
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(PrincipalFrom(r.Context()).Subject))
	}))

	tests := []struct {
		name    string
		headers map[string]string
		want    error
		subject string
	}{
		{"no header", nil, ErrMissingToken, ""},
		{"empty bearer", map[string]string{"Authorization": "Bearer "}, ErrInvalidToken, ""},
		{"basic scheme", map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}, ErrInvalidToken, ""},
		{"bad jwt", map[string]string{"Authorization": "Bearer invalid-token"}, ErrInvalidToken, ""},
		{"jwt", map[string]string{"Authorization": "Bearer " + tok}, nil, "user-1"},
		{"api key as bearer", map[string]string{"Authorization": "Bearer " + apiKey}, nil, "svc"},
		{"api key header", map[string]string{APIKeyHeader: apiKey}, nil, "svc"},
		{"bad api key header", map[string]string{APIKeyHeader: "nope"}, ErrInvalidToken, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rejected = nil
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, val := range tt.headers {
				req.Header.Set(k, val)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if tt.want != nil {
				assert.Equal(t, http.StatusUnauthorized, rec.Code)
				assert.True(t, errors.Is(rejected, tt.want), "got %v", rejected)
				if tt.want == ErrInvalidToken {
					assert.False(t, errors.Is(rejected, ErrMissingToken))
				}
				return
			}
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.subject, rec.Body.String())
		})
	}
}

func TestPolicy(t *testing.T) {
	viewer := &models.Principal{Subject: "v", Roles: []models.Role{models.RoleViewer}}
	deny := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) }
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	serve := func(pol Policy, p *models.Principal) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if p != nil {
			req = req.WithContext(WithPrincipal(req.Context(), p))
		}
		rec := httptest.NewRecorder()
		pol.RequirePermission(models.PermOptimizationSubmit, deny)(ok).ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusForbidden, serve(Policy{}, viewer))
	assert.Equal(t, http.StatusNoContent, serve(Policy{DevMode: true}, viewer))
	assert.Equal(t, http.StatusForbidden, serve(Policy{DevMode: true}, nil), "dev mode still needs a principal")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithPrincipal(req.Context(), viewer))
	Policy{}.RequireAnyPermission(deny, models.PermMetricsRead, models.PermOptimizationView)(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, HasPermission(req.Context(), models.PermOptimizationView))
}
