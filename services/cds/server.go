package cds

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"xianchain/observability"
)

// Server is the HTTP face of the data service.
type Server struct {
	store  *Store
	auth   AuthConfig
	log    *slog.Logger
	tracer trace.Tracer
	router http.Handler
}

// NewServer builds the configured router over the store.
func NewServer(store *Store, auth AuthConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		store:  store,
		auth:   auth,
		log:    log,
		tracer: otel.Tracer("xian-cds"),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.router, "cds"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("data service API listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(requireAuth(s.auth))
		v1.Get("/blocks", s.observe("blocks", s.handleBlocks))
		v1.Get("/blocks/{ref}", s.observe("block", s.handleBlock))
		v1.Get("/transactions/{hash}", s.observe("transaction", s.handleTransaction))
		v1.Get("/state/{key}", s.observe("state", s.handleState))
		v1.Get("/state/{key}/history", s.observe("state_history", s.handleStateHistory))
		v1.Get("/contracts", s.observe("contracts", s.handleContracts))
	})

	return r
}

// observe wraps a handler with a span and the request metrics, keyed by a
// stable route name rather than the raw path.
func (s *Server) observe(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), route, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
		))
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		span.End()
		observability.Service().ObserveAPIRequest(route, recorder.status)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	blocks, err := s.store.LatestBlocks(limit, offset)
	if err != nil {
		s.serverError(w, "list blocks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	block, txs, err := s.store.BlockByRef(ref)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "load block", err)
		return
	}
	rewards, err := s.store.RewardsForBlock(block.Height)
	if err != nil {
		s.serverError(w, "load rewards", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"block":        block,
		"transactions": txs,
		"rewards":      rewards,
	})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	tx, writes, err := s.store.TransactionByHash(hash)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "load transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": tx,
		"state":       keyValueRows(writes),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	result, err := s.store.State(chi.URLParam(r, "key"), limit, offset)
	if err != nil {
		s.serverError(w, "query state", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": result})
}

func (s *Server) handleStateHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	result, err := s.store.StateHistory(chi.URLParam(r, "key"), limit, offset)
	if err != nil {
		s.serverError(w, "query state history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": result})
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	result, err := s.store.Contracts(limit, offset)
	if err != nil {
		s.serverError(w, "query contracts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": result})
}

func (s *Server) serverError(w http.ResponseWriter, action string, err error) {
	s.log.Error(action+" failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

const pageLimitMax = 1000

func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultQueryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > pageLimitMax {
		limit = pageLimitMax
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
