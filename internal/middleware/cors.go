// Package middleware holds HTTP middleware shared by the router.
package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// OriginMatcher decides whether a browser origin is allowed.
type OriginMatcher func(origin string) bool

// CORS allows cross-origin requests from origins accepted by allowed.
func CORS(allowed OriginMatcher) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return allowed(origin)
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
