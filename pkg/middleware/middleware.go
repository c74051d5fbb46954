// Package middleware holds HTTP middleware shared by the optimizer API
// that does not depend on API types.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"runtime/debug"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// client supplied IDs are echoed only when they are short and printable
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// RequestID reuses a well-formed incoming X-Request-ID or generates one,
// stores it on the context and echoes it in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Recover turns a handler panic into a call to onPanic, which writes the
// response. http.ErrAbortHandler is re-raised so net/http can abort the
// connection as it expects.
func Recover(onPanic func(w http.ResponseWriter, r *http.Request, value interface{}, stack []byte)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					onPanic(w, r, v, debug.Stack())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
