package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKey authenticates requests against a static key set. With no keys
// configured the middleware is a pass-through. The key is read from the
// configured header, accepting a Bearer prefix on Authorization.
func APIKey(keys []string, header string) func(http.Handler) http.Handler {
	if header == "" {
		header = "Authorization"
	}
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			keySet[k] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		if len(keySet) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := strings.TrimSpace(r.Header.Get(header))
			presented = strings.TrimPrefix(presented, "Bearer ")
			if !validKey(keySet, presented) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":{"code":"unauthorized","message":"invalid or missing API key"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validKey(keys map[string]struct{}, presented string) bool {
	if presented == "" {
		return false
	}
	for k := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(presented)) == 1 {
			return true
		}
	}
	return false
}
