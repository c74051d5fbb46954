package auth

import (
	"context"
	"net/http"

	"github.com/psantana5/schedopt/pkg/models"
)

// HasPermission checks if the caller on ctx has perm
func HasPermission(ctx context.Context, perm models.Permission) bool {
	return PrincipalFrom(ctx).HasPermission(perm)
}

// Policy decides permission checks. In development mode every
// authenticated caller passes.
type Policy struct {
	DevMode bool
}

// Allowed reports whether p may exercise perm
func (pol Policy) Allowed(p *models.Principal, perm models.Permission) bool {
	if p == nil {
		return false
	}
	return pol.DevMode || p.HasPermission(perm)
}

// RequirePermission middleware that checks for a specific permission.
// deny writes the rejection.
func (pol Policy) RequirePermission(perm models.Permission, deny http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !pol.Allowed(PrincipalFrom(r.Context()), perm) {
				deny(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyPermission passes callers holding at least one of perms
func (pol Policy) RequireAnyPermission(deny http.HandlerFunc, perms ...models.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFrom(r.Context())
			for _, perm := range perms {
				if pol.Allowed(p, perm) {
					next.ServeHTTP(w, r)
					return
				}
			}
			deny(w, r)
		})
	}
}
