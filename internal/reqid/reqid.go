// Package reqid attaches a per-request identifier to the request
// context, in the spirit of chi's middleware.RequestID — reimplemented
// here with google/uuid since this proxy has no chi router to hang a
// middleware chain off of.
package reqid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey struct{}

var key = contextKey{}

// Middleware assigns a fresh UUID to every incoming request and stores
// it in the request context, unless the client already supplied an
// X-Request-Id header, which is trusted as-is.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), key, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the request ID stored by Middleware, or "" if
// none is present.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(key).(string)
	return id
}
