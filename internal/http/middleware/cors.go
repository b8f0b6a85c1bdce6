package middleware

import (
	"net/http"
	"strings"

	"github.com/wolfman30/workcomp-booking/internal/voice"
)

// The booking API only serves GET and POST. Browser clients may replay
// provider webhooks from the operator console, so the signature headers are
// allowed alongside the bearer token.
var (
	corsAllowedMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsAllowedHeaders = strings.Join([]string{
		"Authorization",
		"Content-Type",
		"X-Request-ID",
		voice.SignatureHeader,
		voice.TimestampHeader,
	}, ", ")
	corsExposedHeaders = strings.Join([]string{"Retry-After", "X-Request-ID"}, ", ")
)

// CORS answers cross-origin requests from the configured operator consoles.
// "*" echoes any origin. Preflights from other origins are refused with 403.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := false
	allow := map[string]struct{}{}
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch origin {
		case "":
		case "*":
			allowAny = true
		default:
			allow[strings.ToLower(origin)] = struct{}{}
		}
	}
	allowed := func(origin string) bool {
		if allowAny {
			return true
		}
		_, ok := allow[strings.ToLower(origin)]
		return ok
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")

			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if !allowed(origin) {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			if preflight {
				w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
			next.ServeHTTP(w, r)
		})
	}
}
