// Package middleware wraps admin API handlers with authentication,
// instrumentation and panic recovery.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jusunglee/pumpbot/internal/metrics"
)

const apiKeyHeader = "X-API-Key"

type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one listed runs first.
func Chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	for _, mw := range slices.Backward(middlewares) {
		handler = mw(handler)
	}
	return handler
}

// APIKeyAuth rejects requests whose X-API-Key header does not match key.
// With an empty key every request is refused.
func APIKeyAuth(key string) Middleware {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case len(want) == 0:
				writeError(w, http.StatusServiceUnavailable, "admin API key not configured")
			case subtle.ConstantTimeCompare([]byte(r.Header.Get(apiKeyHeader)), want) != 1:
				writeError(w, http.StatusUnauthorized, "unauthorized")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// Instrument counts and times each request by route pattern and logs it.
// Admin calls log at Info; anything else at Debug.
func Instrument(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			elapsed := time.Since(start)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(sw.Status())).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

			level := slog.LevelDebug
			if strings.HasPrefix(r.URL.Path, "/admin/") {
				level = slog.LevelInfo
			}
			log.Log(r.Context(), level, "request",
				"route", route,
				"path", r.URL.Path,
				"status", sw.Status(),
				"duration", elapsed,
				"remote", RemoteIP(r),
			)
		})
	}
}

// Recover turns a handler panic into a 500 and logs the stack.
func Recover(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					log.ErrorContext(r.Context(), "handler panic",
						"path", r.URL.Path,
						"panic", fmt.Sprint(v),
						"stack", string(debug.Stack()),
					)
					writeError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter remembers the status code; handlers that never call
// WriteHeader report 200.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Status() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

// RemoteIP prefers X-Real-IP, which the reverse proxy sets, over the socket
// address.
func RemoteIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
