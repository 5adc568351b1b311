// Package admin serves read-only queue inspection, health and metrics over HTTP.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/walletrelay/internal/convert"
	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/model"
)

// KeyHeader carries the admin API key.
const KeyHeader = "X-Admin-Key"

// QueueReader is the read side of the queue store.
type QueueReader interface {
	Get(ctx context.Context, id uuid.UUID) (*model.QueueEntry, error)
	ListByWallet(ctx context.Context, walletAddress string, limit int) ([]model.QueueEntry, error)
}

// Options configures the router.
type Options struct {
	APIKey   string                      // empty disables /v1
	Gatherer prometheus.Gatherer         // nil serves the default registry
	Ready    func(context.Context) error // optional readiness probe for /healthz
}

// NewRouter builds the admin HTTP handler.
func NewRouter(queue QueueReader, log *zap.Logger, opts Options) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &handler{queue: queue, log: log, ready: opts.Ready}
	g := opts.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestLogging(log))

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireKey(opts.APIKey))
		r.Get("/wallets/{address}/queue", h.listWallet)
		r.Get("/queue/{id}", h.getEntry)
	})
	return r
}

func requireKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(KeyHeader)
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogging(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("dur", time.Since(start)),
			)
		})
	}
}

type handler struct {
	queue QueueReader
	log   *zap.Logger
	ready func(context.Context) error
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.log.Warn("readiness", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *handler) listWallet(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	addr := model.NormalizeAddress(chi.URLParam(r, "address"))
	es, err := h.queue.ListByWallet(r.Context(), addr, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(es))
	for _, e := range es {
		out = append(out, convert.EntryMap(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"walletAddress": addr, "entries": out})
}

func (h *handler) getEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad id")
		return
	}
	e, err := h.queue.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.EntryMap(*e))
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, errs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.log.Error("admin query", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal")
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
