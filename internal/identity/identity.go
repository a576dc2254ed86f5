// Package identity provides anonymous per-device identity primitives and the
// session addressing parameters carried on connection requests.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	AnonCookieName    = "agentd_device_id"
	DeviceHeaderName  = "X-Device-ID"
	SessionHeaderName = "X-Session-ID"
	anonCookieMaxAge  = 365 * 24 * time.Hour
)

type contextKey int

const (
	deviceIDKey contextKey = iota
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// DeviceIDFromContext extracts the device ID from the request context.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithDeviceID returns a copy of ctx carrying deviceID.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if !idPattern.MatchString(id) {
		return ""
	}
	return id
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// deviceIDFromRequest prefers an explicit device id (query, then header) and
// falls back to the anonymous cookie.
func deviceIDFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if id := sanitizeID(r.URL.Query().Get("device_id")); id != "" {
		return id, nil
	}
	if id := sanitizeID(r.Header.Get(DeviceHeaderName)); id != "" {
		return id, nil
	}
	return getOrCreateAnonID(w, r, isDev)
}

// Middleware injects the per-device identity into the request context.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID, err := deviceIDFromRequest(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish device identity"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithDeviceID(r.Context(), deviceID)))
		})
	}
}

// SessionIDFromRequest returns the session a connection asks to resume, or
// "" for a new session. Malformed ids are treated as absent.
func SessionIDFromRequest(r *http.Request) string {
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		sid = r.Header.Get(SessionHeaderName)
	}
	return sanitizeID(sid)
}

// LastSeenFromRequest returns the last event sequence the client observed.
// Absent or invalid values mean a full replay.
func LastSeenFromRequest(r *http.Request) int64 {
	raw := strings.TrimSpace(r.URL.Query().Get("last_seq"))
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
