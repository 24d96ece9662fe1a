package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"xianchain/abci"
	"xianchain/core"
	"xianchain/fingerprint"
	"xianchain/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	defaultRateLimitWindow = time.Minute
	defaultMaxTxPerWindow  = 5
	txSeenTTL              = 15 * time.Minute
	limiterIdleTTL         = 10 * time.Minute
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeDuplicateTx    = -32010
	codeRateLimited    = -32020
)

// Options tunes the JSON-RPC surface. Zero values fall back to defaults
// suitable for a local node.
type Options struct {
	// AuthToken guards the consensus methods. Empty refuses them all.
	AuthToken string

	MaxTxPerWindow  int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server exposes the application over JSON-RPC 2.0 plus a websocket feed of
// committed blocks. Consensus methods are serialized; check and query run
// concurrently against the committed view.
type Server struct {
	app  *core.App
	log  *slog.Logger
	opts Options

	mu       sync.Mutex
	txSeen   map[string]time.Time
	limiters map[string]*sourceLimiter

	// consensusMu mirrors the consensus connection discipline: one
	// lifecycle call in flight at a time.
	consensusMu sync.Mutex
}

// NewServer wires a JSON-RPC server over app.
func NewServer(app *core.App, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxTxPerWindow <= 0 {
		opts.MaxTxPerWindow = defaultMaxTxPerWindow
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = defaultRateLimitWindow
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{
		app:      app,
		log:      log,
		opts:     opts,
		txSeen:   make(map[string]time.Time),
		limiters: make(map[string]*sourceLimiter),
	}
}

// Router mounts the JSON-RPC endpoint, the websocket feed, health and
// metrics on one handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)
	r.Post("/", s.handle)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.Router(), "rpc"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("JSON-RPC server listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

func writeError(w http.ResponseWriter, status int, id interface{}, rpcErr *RPCError) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: rpcErr}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func httpStatusFor(code int) int {
	switch code {
	case codeUnauthorized:
		return http.StatusUnauthorized
	case codeRateLimited:
		return http.StatusTooManyRequests
	case codeDuplicateTx:
		return http.StatusConflict
	case codeMethodNotFound:
		return http.StatusNotFound
	case codeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, &RPCError{Code: codeInvalidRequest, Message: message, Data: err.Error()})
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, &RPCError{Code: codeInvalidRequest, Message: "request body required"})
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, &RPCError{Code: codeParseError, Message: "invalid JSON payload", Data: err.Error()})
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, &RPCError{Code: codeInvalidRequest, Message: "unsupported jsonrpc version", Data: req.JSONRPC})
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, &RPCError{Code: codeInvalidRequest, Message: "method required"})
		return
	}

	start := time.Now()
	result, rpcErr := s.dispatch(r, req)
	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
	}
	observability.RPC().Observe(req.Method, code, time.Since(start))

	if rpcErr != nil {
		writeError(w, httpStatusFor(rpcErr.Code), req.ID, rpcErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) dispatch(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	switch req.Method {
	case "abci_info":
		return s.handleInfo(r.Context(), req)
	case "abci_init_chain":
		if authErr := s.requireAuth(r); authErr != nil {
			return nil, authErr
		}
		return s.handleInitChain(r.Context(), req)
	case "abci_check_tx":
		return s.handleCheckTx(r, req)
	case "abci_prepare_proposal":
		if authErr := s.requireAuth(r); authErr != nil {
			return nil, authErr
		}
		return s.handlePrepareProposal(r.Context(), req)
	case "abci_process_proposal":
		if authErr := s.requireAuth(r); authErr != nil {
			return nil, authErr
		}
		return s.handleProcessProposal(r.Context(), req)
	case "abci_finalize_block":
		if authErr := s.requireAuth(r); authErr != nil {
			return nil, authErr
		}
		return s.handleFinalizeBlock(r.Context(), req)
	case "abci_commit":
		if authErr := s.requireAuth(r); authErr != nil {
			return nil, authErr
		}
		return s.handleCommit(r.Context(), req)
	case "abci_query":
		return s.handleQuery(r.Context(), req)
	default:
		return nil, &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func (s *Server) handleInfo(ctx context.Context, req *RPCRequest) (interface{}, *RPCError) {
	in := &abci.RequestInfo{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params[0], in); err != nil {
			return nil, &RPCError{Code: codeInvalidParams, Message: "invalid info request", Data: err.Error()}
		}
	}
	resp, err := s.app.Info(ctx, in)
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "info failed", Data: err.Error()}
	}
	return resp, nil
}

func (s *Server) handleInitChain(ctx context.Context, req *RPCRequest) (interface{}, *RPCError) {
	if len(req.Params) == 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "init_chain request required"}
	}
	in := &abci.RequestInitChain{}
	if err := json.Unmarshal(req.Params[0], in); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid init_chain request", Data: err.Error()}
	}

	s.consensusMu.Lock()
	defer s.consensusMu.Unlock()
	resp, err := s.app.InitChain(ctx, in)
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "init_chain failed", Data: err.Error()}
	}
	return resp, nil
}

func (s *Server) handleCheckTx(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	if len(req.Params) == 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "check_tx request required"}
	}
	in := &abci.RequestCheckTx{}
	if err := json.Unmarshal(req.Params[0], in); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid check_tx request", Data: err.Error()}
	}
	if len(in.Tx) == 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "transaction bytes required"}
	}

	// Admission throttling applies to fresh submissions only; rechecks are
	// the engine revisiting its own mempool after a commit.
	if in.Type == abci.CheckTxNew {
		now := time.Now()
		source := clientSource(r)
		if !s.allowSource(source, now) {
			observability.RPC().RecordThrottle("rate_limit")
			return nil, &RPCError{Code: codeRateLimited, Message: "transaction rate limit exceeded", Data: source}
		}
		hash := fingerprint.Hash(in.Tx)
		if !s.rememberTx(hash, now) {
			observability.RPC().RecordThrottle("duplicate_tx")
			return nil, &RPCError{Code: codeDuplicateTx, Message: "transaction has already been submitted", Data: hash}
		}
	}

	resp, err := s.app.CheckTx(r.Context(), in)
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "check_tx failed", Data: err.Error()}
	}
	return resp, nil
}

func (s *Server) handlePrepareProposal(ctx context.Context, req *RPCRequest) (interface{}, *RPCError) {
	if len(req.Params) == 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "prepare_proposal request required"}
	}
	in := &abci.RequestPrepareProposal{}
	if err := json.Unmarshal(req.Params[0], in); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid prepare_proposal request", Data: err.Error()}
	}

	s.consensusMu.Lock()
	defer s.consensusMu.Unlock()
	resp, err := s.app.PrepareProposal(ctx, in)
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "prepare_proposal failed", Data: err.Error()}
	}
	return resp, nil
}

func (s *Server) handleProcessProposal(ctx context.Context, req *RPCRequest) (interface{}, *RPCError) {
	if len(req.Params) == 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "process_proposal request required"}
	}
	in := &abci.RequestProcessProposal{}
	if err := json.Unmarshal(req.Params[0], in); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid process_proposal request", Data: err.Error()}
	}

	s.consensusMu.Lock()
	defer s.consensusMu.Unlock()
	resp, err := s.app.ProcessProposal(ctx, in)
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "process_proposal failed", Data: err.Error()}
	}
	return resp, nil
}

func (s *Server) handleFinalizeBlock(ctx context.Context, req *RPCRequest) (interface{}, *RPCError) {
	if len(req.Params) == 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "finalize_block request required"}
	}
	in := &abci.RequestFinalizeBlock{}
	if err := json.Unmarshal(req.Params[0], in); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid finalize_block request", Data: err.Error()}
	}

	s.consensusMu.Lock()
	defer s.consensusMu.Unlock()
	resp, err := s.app.FinalizeBlock(ctx, in)
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "finalize_block failed", Data: err.Error()}
	}
	return resp, nil
}

func (s *Server) handleCommit(ctx context.Context, req *RPCRequest) (interface{}, *RPCError) {
	s.consensusMu.Lock()
	defer s.consensusMu.Unlock()
	resp, err := s.app.Commit(ctx, &abci.RequestCommit{})
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "commit failed", Data: err.Error()}
	}
	return resp, nil
}

func (s *Server) handleQuery(ctx context.Context, req *RPCRequest) (interface{}, *RPCError) {
	if len(req.Params) == 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "query request required"}
	}
	in := &abci.RequestQuery{}
	if err := json.Unmarshal(req.Params[0], in); err != nil {
		// A bare string param is accepted as the query path.
		var path string
		if strErr := json.Unmarshal(req.Params[0], &path); strErr != nil {
			return nil, &RPCError{Code: codeInvalidParams, Message: "invalid query request", Data: err.Error()}
		}
		in = &abci.RequestQuery{Path: path}
	}
	resp, err := s.app.Query(ctx, in)
	if err != nil {
		return nil, &RPCError{Code: codeServerError, Message: "query failed", Data: err.Error()}
	}
	return resp, nil
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.opts.AuthToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AuthToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.limiters[source]
	if !ok {
		for key, stale := range s.limiters {
			if now.Sub(stale.lastSeen) > limiterIdleTTL {
				delete(s.limiters, key)
			}
		}
		every := s.opts.RateLimitWindow / time.Duration(s.opts.MaxTxPerWindow)
		entry = &sourceLimiter{limiter: rate.NewLimiter(rate.Every(every), s.opts.MaxTxPerWindow)}
		s.limiters[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (s *Server) rememberTx(hash string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, seenAt := range s.txSeen {
		if now.Sub(seenAt) > txSeenTTL {
			delete(s.txSeen, h)
		}
	}
	if _, exists := s.txSeen[hash]; exists {
		return false
	}
	s.txSeen[hash] = now
	return true
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
