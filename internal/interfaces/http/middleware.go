package http

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/cliploop/retentiond/internal/interfaces/http/handlers"
	"github.com/cliploop/retentiond/internal/persistence"
)

const (
	eventAuthDenied  = "auth_denied"
	eventRateLimited = "rate_limited"

	securityRingCap = 500
	limiterMapCap   = 4096
)

// responseWrapper captures the status code for logging and metrics.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := handlers.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Info().
			Str("request_id", handlers.RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", clientIP(r)).
			Msg("Request handled")
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.ObserveRequest(route, r.Method, wrapper.statusCode, time.Since(start))
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks the operator email against the owner list and the
// control key against the configured one. Denials become security events.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimSpace(r.Header.Get("X-Operator-Email"))
		key := r.Header.Get("X-Control-Key")

		status, reason := s.authorize(email, key)
		if status != 0 {
			s.recordSecurityEvent(r, eventAuthDenied, map[string]interface{}{
				"reason": reason,
				"ip":     clientIP(r),
				"path":   r.URL.Path,
				"email":  email,
			})
			s.metrics.AuthDenied.Inc()
			handlers.WriteError(w, r, status, "auth_denied", reason)
			return
		}

		ctx := handlers.WithOperator(r.Context(), strings.ToLower(email))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize returns 0 when the credentials pass, otherwise the status to
// deny with. An unconfigured server denies everything.
func (s *Server) authorize(email, key string) (int, string) {
	if len(s.owners) == 0 || s.cfg.ControlKey == "" {
		return http.StatusUnauthorized, "auth_not_configured"
	}
	if email == "" || key == "" {
		return http.StatusUnauthorized, "missing_credentials"
	}
	if !s.owners[strings.ToLower(email)] {
		return http.StatusForbidden, "email_not_on_owner_list"
	}
	if key != s.cfg.ControlKey {
		return http.StatusForbidden, "control_key_mismatch"
	}
	return 0, ""
}

// rateLimitMiddleware throttles mutations per client IP. Reads pass
// through untouched.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if !s.allow(ip) {
			s.recordSecurityEvent(r, eventRateLimited, map[string]interface{}{
				"ip":   ip,
				"path": r.URL.Path,
			})
			s.metrics.RateLimited.Inc()
			handlers.WriteError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow fetches or creates the per-IP token bucket.
func (s *Server) allow(ip string) bool {
	s.limiterMu.Lock()
	lim, ok := s.limiters[ip]
	if !ok {
		if len(s.limiters) >= limiterMapCap {
			s.limiters = make(map[string]*rate.Limiter)
		}
		perSec := float64(s.cfg.RateLimitMax) * 1000 / float64(s.cfg.RateLimitWindowMs)
		lim = rate.NewLimiter(rate.Limit(perSec), s.cfg.RateLimitMax)
		s.limiters[ip] = lim
	}
	s.limiterMu.Unlock()
	return lim.Allow()
}

// clientIP prefers the first X-Forwarded-For hop over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// securityLog is the bounded in-process tail of security events. The store
// write rides on top of it, best effort.
type securityLog struct {
	mu     sync.Mutex
	events []persistence.SecurityEvent
}

func (l *securityLog) append(e persistence.SecurityEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	if len(l.events) > securityRingCap {
		l.events = l.events[len(l.events)-securityRingCap:]
	}
}

func (l *securityLog) recent(limit int) []persistence.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.events) {
		limit = len(l.events)
	}
	out := make([]persistence.SecurityEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = l.events[len(l.events)-1-i]
	}
	return out
}

func (s *Server) recordSecurityEvent(r *http.Request, eventType string, meta map[string]interface{}) {
	e := persistence.SecurityEvent{
		CreatedAt: time.Now().UTC(),
		Type:      eventType,
		Meta:      meta,
	}
	s.security.append(e)

	if s.events == nil {
		return
	}
	err := s.guarded(func() error { return s.events.Insert(r.Context(), e) })
	if err != nil {
		log.Warn().Err(err).Str("type", eventType).Msg("Security event store write failed")
	}
}

func (s *Server) guarded(fn func() error) error {
	if s.guard == nil {
		return fn()
	}
	return s.guard(fn)
}
