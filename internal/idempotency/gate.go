// Package idempotency replays the stored result of a mutating request when a
// client retries it with the same Idempotency-Key.
//
// Two concurrent first attempts with one key are not serialized. Both run,
// and the later cache write wins.
package idempotency

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"manabi-backend/internal/logger"
	"manabi-backend/internal/middleware"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	MaxKeyLength = 200
	DefaultTTL   = 24 * time.Hour
)

var (
	ErrKeyRequired = errors.New("idempotency key required")
	ErrKeyTooLong  = errors.New("idempotency key too long")
)

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "idempotency_lookups_total",
	Help: "Idempotency cache lookups by namespace and result",
}, []string{"namespace", "result"})

// Result is the captured outcome of a request.
type Result struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Cache stores results by (namespace, key).
type Cache interface {
	// Lookup returns nil, nil on a miss.
	Lookup(ctx context.Context, namespace, key string) (*Result, error)
	Store(ctx context.Context, namespace, key string, result Result, ttl time.Duration) error
}

type Gate struct {
	cache Cache
	ttl   time.Duration
	log   *logger.Logger
	// scope separates callers. The default scopes keys per authenticated user.
	scope func(r *http.Request) string
}

func NewGate(cache Cache, log *logger.Logger) *Gate {
	return &Gate{
		cache: cache,
		ttl:   DefaultTTL,
		log:   log,
		scope: func(r *http.Request) string { return middleware.GetUserID(r.Context()).String() },
	}
}

// NormalizeKey trims key and enforces presence and length.
func NormalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrKeyRequired
	}
	if len(key) > MaxKeyLength {
		return "", ErrKeyTooLong
	}
	return key, nil
}

// Do runs fn once per (namespace, key) within the retention window. A cached
// result is returned with replayed=true and fn is not called. Results of
// failed calls and non-2xx results are not stored, so the client may retry them.
func (g *Gate) Do(ctx context.Context, namespace, key string, fn func(ctx context.Context) (Result, error)) (res Result, replayed bool, err error) {
	key, err = NormalizeKey(key)
	if err != nil {
		return Result{}, false, err
	}
	return g.do(ctx, namespace, key, fn)
}

func (g *Gate) do(ctx context.Context, namespace, key string, fn func(ctx context.Context) (Result, error)) (Result, bool, error) {
	cached, err := g.cache.Lookup(ctx, namespace, key)
	if err != nil {
		// A failed lookup counts as a miss.
		lookups.WithLabelValues(namespace, "error").Inc()
		g.log.Warn("idempotency lookup failed", "namespace", namespace, "error", err)
	}
	if cached != nil {
		lookups.WithLabelValues(namespace, "hit").Inc()
		return *cached, true, nil
	}
	if err == nil {
		lookups.WithLabelValues(namespace, "miss").Inc()
	}

	res, err := fn(ctx)
	if err != nil {
		return Result{}, false, err
	}

	if res.Status >= 200 && res.Status < 300 {
		if err := g.cache.Store(ctx, namespace, key, res, g.ttl); err != nil {
			g.log.Warn("idempotency store failed", "namespace", namespace, "error", err)
		}
	}
	return res, false, nil
}

// Require guards a mutating route. Requests without a usable key are
// rejected with 400 before the handler runs.
func (g *Gate) Require(namespace string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := NormalizeKey(r.Header.Get(HeaderKey))
			switch {
			case errors.Is(err, ErrKeyRequired):
				middleware.WriteError(w, http.StatusBadRequest, "IDEMPOTENCY_KEY_REQUIRED", "Idempotency-Key header is required", r)
				return
			case err != nil:
				middleware.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Idempotency-Key must be at most 200 characters", r)
				return
			}

			scoped := g.scope(r) + ":" + key
			res, replayed, _ := g.do(r.Context(), namespace, scoped, func(ctx context.Context) (Result, error) {
				rec := &recorder{ResponseWriter: w, status: http.StatusOK}
				next.ServeHTTP(rec, r)
				return Result{
					Status:      rec.status,
					ContentType: rec.Header().Get("Content-Type"),
					Body:        rec.body.Bytes(),
				}, nil
			})

			if replayed {
				if res.ContentType != "" {
					w.Header().Set("Content-Type", res.ContentType)
				}
				w.Header().Set(HeaderReplayed, "true")
				w.WriteHeader(res.Status)
				w.Write(res.Body)
			}
		})
	}
}

// recorder passes the response through while keeping a copy.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
