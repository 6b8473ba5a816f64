package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/antoniostano/lilith/internal/compaction"
	"github.com/antoniostano/lilith/internal/generation"
	"github.com/antoniostano/lilith/internal/memory"
	"github.com/antoniostano/lilith/internal/observability"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

// Options tune the HTTP surface.
type Options struct {
	// AllowAnyOrigin disables the same-origin check on websocket upgrades.
	AllowAnyOrigin bool
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	pipeline *generation.Pipeline
	metrics  *observability.Metrics
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader

	// Hijacked websocket connections are invisible to http.Server.Shutdown,
	// so the server tracks them itself.
	base      context.Context
	closeBase context.CancelFunc
	streamsMu sync.Mutex
	closing   bool
	streams   sync.WaitGroup
}

func New(pipeline *generation.Pipeline, metrics *observability.Metrics, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	base, closeBase := context.WithCancel(context.Background())
	return &Server{
		base:      base,
		closeBase: closeBase,
		pipeline:  pipeline,
		metrics:   metrics,
		logger:    logger,
		gatherer:  gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if opts.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// CloseStreams cancels every websocket turn and refuses new connections.
// It fits http.Server.RegisterOnShutdown.
func (s *Server) CloseStreams() {
	s.streamsMu.Lock()
	s.closing = true
	s.streamsMu.Unlock()
	s.closeBase()
}

// WaitStreams blocks until every websocket handler has returned, including
// any turn still persisting, or ctx ends.
func (s *Server) WaitStreams(ctx context.Context) error {
	s.CloseStreams()
	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) trackStream() bool {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if s.closing {
		return false
	}
	s.streams.Add(1)
	return true
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandler(s.gatherer))

	r.Route("/v1/conversations/{user_id}", func(r chi.Router) {
		r.Post("/turns", s.handleTurn)
		r.Get("/ws", s.handleStreamWS)
		r.Post("/compact", s.handleCompact)
		r.Get("/summary", s.handleSummary)
		r.Get("/transcript", s.handleTranscript)
		r.Get("/memories", s.handleMemories)
	})

	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfLatencyReset)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "pipeline not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// turnBody is the blocking turn request. Params are decoded over the
// configured defaults, so a client may set a single knob.
type turnBody struct {
	Text       string          `json:"text"`
	UseContext *bool           `json:"use_context,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type turnResponse struct {
	generation.TurnResult
	Persisted bool `json:"persisted"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var body turnBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	req, err := buildRequest(s.pipeline.Defaults(), body.UseContext, body.Params)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	res, err := s.pipeline.StartTurn(r.Context(), userID, body.Text, req)
	if err != nil {
		s.respondPipelineError(w, userID, err)
		return
	}
	respondJSON(w, http.StatusOK, turnResponse{TurnResult: res, Persisted: res.PersistErr == nil})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	summary, err := s.pipeline.CompactMemory(r.Context(), userID)
	if err != nil {
		s.respondPipelineError(w, userID, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	summary, found, err := s.pipeline.Summary(r.Context(), userID)
	if err != nil {
		s.logger.Error("summary read failed", zap.String("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "summary_not_found", "no summary for user "+userID)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	turns, err := s.pipeline.Transcript(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("transcript read failed", zap.String("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"turns":   turns,
	})
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	memories, err := s.pipeline.Memories(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("memories read failed", zap.String("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if memories == nil {
		memories = []memory.MemoryRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"memories": memories,
	})
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxListLimit {
		respondError(w, http.StatusBadRequest, "invalid_limit", fmt.Sprintf("limit must be in [1, %d]", maxListLimit))
		return 0, false
	}
	return n, true
}

// buildRequest applies per-turn overrides on top of the configured defaults.
func buildRequest(defaults generation.Request, useContext *bool, rawParams json.RawMessage) (generation.Request, error) {
	req := defaults
	req.Params.Stop = append([]string(nil), defaults.Params.Stop...)
	if useContext != nil {
		req.UseContext = *useContext
	}
	if len(bytes.TrimSpace(rawParams)) > 0 && !bytes.Equal(bytes.TrimSpace(rawParams), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(rawParams))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req.Params); err != nil {
			return generation.Request{}, fmt.Errorf("invalid params: %w", err)
		}
	}
	if err := req.Params.Validate(); err != nil {
		return generation.Request{}, err
	}
	return req, nil
}

// errorStatus maps pipeline errors onto HTTP status, code and retryability.
func errorStatus(err error) (int, string, bool) {
	var cfgErr *generation.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest, "invalid_params", false
	case errors.Is(err, compaction.ErrNothingToCompact):
		return http.StatusConflict, "nothing_to_compact", false
	case errors.Is(err, generation.ErrStreamCancelled), errors.Is(err, context.Canceled):
		return 499, "cancelled", true
	case errors.Is(err, generation.ErrBackendTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "backend_timeout", true
	case errors.Is(err, generation.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "backend_unavailable", true
	case errors.Is(err, generation.ErrGenerationFailed), errors.Is(err, compaction.ErrEmptySummary):
		return http.StatusBadGateway, "generation_failed", true
	default:
		return http.StatusInternalServerError, "internal_error", false
	}
}

func (s *Server) respondPipelineError(w http.ResponseWriter, userID string, err error) {
	status, code, _ := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.String("user_id", userID), zap.String("code", code), zap.Error(err))
	}
	respondError(w, status, code, err.Error())
}

func userIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(chi.URLParam(r, "user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return "", false
	}
	return userID, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
