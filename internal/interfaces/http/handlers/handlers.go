// Package handlers implements the route handlers of the retention control
// API. Handlers translate HTTP into calls on the domain services and map
// their errors onto the stable error codes clients depend on.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cliploop/retentiond/internal/cache"
	"github.com/cliploop/retentiond/internal/configstore"
	"github.com/cliploop/retentiond/internal/experiment"
	"github.com/cliploop/retentiond/internal/persistence"
	"github.com/cliploop/retentiond/internal/prompt"
	"github.com/cliploop/retentiond/internal/recorder"
	"github.com/cliploop/retentiond/internal/scoring"
	"github.com/cliploop/retentiond/internal/suggest"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	operatorKey  contextKey = "operator"
)

// Response cache lifetimes. Entries are never invalidated explicitly, they
// just age out.
const (
	scorecardCacheTTL  = 30 * time.Second
	suggestionCacheTTL = 60 * time.Second
)

// WithRequestID stamps the request id assigned by the middleware.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id, or "" outside the middleware chain.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithOperator stamps the authenticated operator email.
func WithOperator(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, operatorKey, email)
}

// Operator returns the authenticated operator email, or "".
func Operator(ctx context.Context) string {
	if v, ok := ctx.Value(operatorKey).(string); ok {
		return v
	}
	return ""
}

// CacheMetrics records response cache outcomes. The server's prometheus
// registry satisfies it.
type CacheMetrics interface {
	RecordCacheHit(surface string)
	RecordCacheMiss(surface string)
}

// Handlers wires the route handlers to the domain services.
type Handlers struct {
	Versions     *configstore.Store
	Allocator    *experiment.Allocator
	Recorder     *recorder.Recorder
	Suggest      *suggest.Engine
	Translator   *prompt.Translator
	Engine       *scoring.Engine
	Jobs         persistence.JobsRepo
	StoreHealth  persistence.RepositoryHealth
	BreakerState func() string
	Cache        cache.Cache
	Metrics      CacheMetrics
}

// WriteJSON writes status and a JSON body.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}

// WriteError writes the standard error body {error, message, request_id}.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: RequestID(r.Context()),
	})
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// NotFound handles unmatched routes. It runs outside the middleware chain,
// so it sets its own content type.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	WriteError(w, r, http.StatusNotFound, "endpoint_not_found", "the requested endpoint does not exist")
}

// decodeBody decodes a JSON request body into dst. An empty body passes
// when optional is set.
func decodeBody(r *http.Request, dst interface{}, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return nil
	}
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// queryLimit reads ?limit with a per-route default and ceiling. Garbage
// falls back to the default.
func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// parseRange turns "7d", "24h" or a bare day count into a window ending
// now. An empty value means no window.
func parseRange(raw string) (*persistence.TimeRange, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return nil, nil
	}
	unit := 24 * time.Hour
	digits := raw
	switch {
	case strings.HasSuffix(raw, "d"):
		digits = raw[:len(raw)-1]
	case strings.HasSuffix(raw, "h"):
		unit = time.Hour
		digits = raw[:len(raw)-1]
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("range must look like 7d or 24h, got %q", raw)
	}
	now := time.Now().UTC()
	return &persistence.TimeRange{From: now.Add(-time.Duration(n) * unit), To: now}, nil
}

// actorRef turns the authenticated operator into an audit reference.
func actorRef(ctx context.Context) *string {
	if email := Operator(ctx); email != "" {
		return &email
	}
	return nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func (h *Handlers) cacheGet(key, surface string) ([]byte, bool) {
	if h.Cache == nil {
		return nil, false
	}
	body, ok := h.Cache.Get(key)
	if h.Metrics != nil {
		if ok {
			h.Metrics.RecordCacheHit(surface)
		} else {
			h.Metrics.RecordCacheMiss(surface)
		}
	}
	return body, ok
}

func (h *Handlers) cacheSet(key string, body []byte, ttl time.Duration) {
	if h.Cache != nil {
		h.Cache.Set(key, body, ttl)
	}
}
