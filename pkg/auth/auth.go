package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/psantana5/schedopt/pkg/models"
)

var (
	ErrMissingToken = errors.New("authentication required")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Header carrying service API keys when the Authorization header is not used
const APIKeyHeader = "X-API-Key"

type principalKey struct{}

// WithPrincipal stores p on the context
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller, or nil
func PrincipalFrom(ctx context.Context) *models.Principal {
	p, _ := ctx.Value(principalKey{}).(*models.Principal)
	return p
}

// Authenticator resolves a request credential to a principal. Bearer
// values that look like API keys go to the key store, everything else is
// treated as a JWT.
type Authenticator struct {
	tokens *TokenVerifier
	keys   *APIKeyStore
}

// NewAuthenticator accepts nil for either verifier; a nil verifier rejects
// every credential of its kind.
func NewAuthenticator(tokens *TokenVerifier, keys *APIKeyStore) *Authenticator {
	return &Authenticator{tokens: tokens, keys: keys}
}

// Authenticate returns ErrMissingToken when the request carries no
// credential and an error wrapping ErrInvalidToken when it cannot be verified.
func (a *Authenticator) Authenticate(r *http.Request) (*models.Principal, error) {
	cred, fromKeyHeader, err := credential(r)
	if err != nil {
		return nil, err
	}
	if fromKeyHeader || IsAPIKey(cred) {
		if a.keys == nil {
			return nil, ErrInvalidToken
		}
		return a.keys.Verify(cred)
	}
	if a.tokens == nil {
		return nil, ErrInvalidToken
	}
	return a.tokens.Verify(cred)
}

// credential extracts the raw credential. A header that is present but
// not a Bearer credential counts as an invalid one, not a missing one.
func credential(r *http.Request) (string, bool, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", false, ErrInvalidToken
		}
		return strings.TrimSpace(parts[1]), false, nil
	}
	if k := strings.TrimSpace(r.Header.Get(APIKeyHeader)); k != "" {
		return k, true, nil
	}
	return "", false, ErrMissingToken
}

// Middleware authenticates every request and stores the principal on the
// context. Failures are handed to reject, which writes the response.
func (a *Authenticator) Middleware(reject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r)
			if err != nil {
				reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
