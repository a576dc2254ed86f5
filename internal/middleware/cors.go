// Package middleware provides HTTP middleware for the agentd API.
package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CORSOptions configures the CORS middleware.
type CORSOptions struct {
	// AllowedOrigins lists exact origins; "*" matches any origin.
	AllowedOrigins []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

var defaultAllowedHeaders = []string{"Content-Type", "X-Device-ID", "X-Session-ID", "Last-Event-ID"}

// CORS returns middleware that answers preflight requests and sets CORS
// headers for the given origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return CORSWithOptions(CORSOptions{AllowedOrigins: allowedOrigins})
}

// CORSWithOptions is CORS with explicit header and preflight settings.
func CORSWithOptions(opts CORSOptions) func(http.Handler) http.Handler {
	headers := opts.AllowedHeaders
	if len(headers) == 0 {
		headers = defaultAllowedHeaders
	}
	allowHeaders := strings.Join(headers, ", ")
	maxAge := ""
	if opts.MaxAge > 0 {
		maxAge = strconv.Itoa(int(opts.MaxAge.Seconds()))
	}
	wildcard := slices.Contains(opts.AllowedOrigins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			explicit := origin != "" && slices.Contains(opts.AllowedOrigins, origin)
			if origin != "" && (explicit || wildcard) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
				// Credentials only for listed origins; echoing them for "*" would enable CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				if maxAge != "" {
					w.Header().Set("Access-Control-Max-Age", maxAge)
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
