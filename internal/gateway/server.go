// Package gateway serves a tool.Backend over HTTP, so the pipeline can run
// against a remote tool gateway through tool.HTTPBackend.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cgast/missionctl/pkg/checkpoint"
	"github.com/cgast/missionctl/pkg/events"
	"github.com/cgast/missionctl/pkg/tool"
)

const maxRequestBytes = 1 << 20

// ToolInfo describes one tool the gateway exposes.
type ToolInfo struct {
	Name        string `json:"name"`
	Namespace   string `json:"namespace"`
	Description string `json:"description"`
	Mutating    bool   `json:"mutating"`
}

// Config wires a Server.
type Config struct {
	Backend tool.Backend
	Tools   []ToolInfo

	// Idempotency defaults to an in-memory store.
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
	// Limiter defaults to admitting everything.
	Limiter Limiter

	// Bus and Checkpoints are optional; they back /events and /sessions.
	Bus         events.EventBus
	Checkpoints checkpoint.Store

	Logger *slog.Logger
}

// Server is the tool gateway HTTP server.
type Server struct {
	backend     tool.Backend
	tools       map[string]ToolInfo
	idem        IdempotencyStore
	ttl         time.Duration
	limiter     Limiter
	bus         events.EventBus
	checkpoints checkpoint.Store
	logger      *slog.Logger
	router      chi.Router
	startTime   time.Time

	requests atomic.Int64
	failures atomic.Int64
	calls    metric.Int64Counter

	streamMu sync.Mutex
	streams  map[*streamClient]bool
}

type streamClient struct {
	send chan []byte
}

// New creates a gateway server.
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("gateway: backend is required")
	}
	s := &Server{
		backend:     cfg.Backend,
		tools:       make(map[string]ToolInfo, len(cfg.Tools)),
		idem:        cfg.Idempotency,
		ttl:         cfg.IdempotencyTTL,
		limiter:     cfg.Limiter,
		bus:         cfg.Bus,
		checkpoints: cfg.Checkpoints,
		logger:      cfg.Logger,
		startTime:   time.Now(),
		streams:     make(map[*streamClient]bool),
	}
	for _, t := range cfg.Tools {
		s.tools[t.Name] = t
	}
	if s.idem == nil {
		s.idem = NewMemoryIdempotencyStore(nil)
	}
	if s.ttl <= 0 {
		s.ttl = 24 * time.Hour
	}
	if s.limiter == nil {
		s.limiter = NewLocalLimiter(0, 0)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "gateway")

	if c, err := otel.Meter("github.com/cgast/missionctl/internal/gateway").Int64Counter("missionctl.gateway.requests",
		metric.WithDescription("Gateway tool requests by tool name and outcome code")); err == nil {
		s.calls = c
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/tools", s.handleTools)
	r.Get("/events", s.handleHistory)
	r.Get("/events/stream", s.handleStream)
	r.Get("/sessions", s.handleSessions)
	r.With(s.rateLimit).Post("/tools/{namespace}/{name}", s.handleCall)
	s.router = r
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if s.bus != nil {
		ch := s.bus.Subscribe()
		defer s.bus.Unsubscribe(ch)
		go s.broadcastEvents(ch)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway.listen", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("gateway.shutdown")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := s.limiter.Allow(r.Context())
		if err != nil {
			// Limiter backend is down; fail open.
			s.logger.Warn("ratelimit.error", "error", err)
			ok = true
		}
		if !ok {
			w.Header().Set("Retry-After", "1")
			s.failures.Add(1)
			s.writeEnvelope(w, http.StatusTooManyRequests, tool.Failure(tool.CodeRateLimited, "gateway rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "namespace") + "." + chi.URLParam(r, "name")
	s.requests.Add(1)

	info, known := s.tools[name]
	if !known {
		s.finish(r.Context(), w, name, tool.Failure(tool.CodeNotFound, "unknown tool: %s", name))
		return
	}

	var req tool.Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		s.finish(r.Context(), w, name, tool.Failure(tool.CodeInvalidArgument, "decode request: %v", err))
		return
	}
	if resp, ok := validateEnvelope(&req, name, r.Header.Get("Idempotency-Key"), info); !ok {
		s.finish(r.Context(), w, name, resp)
		return
	}

	if !info.Mutating || req.IdempotencyKey == "" {
		s.finish(r.Context(), w, name, s.call(r.Context(), req))
		return
	}

	key := req.UserID + ":" + name + ":" + req.IdempotencyKey
	entry, acquired, err := s.idem.Begin(r.Context(), key, s.ttl)
	if err != nil {
		s.logger.Error("idempotency.begin", "tool", name, "error", err)
		s.finish(r.Context(), w, name, tool.Failure(tool.CodeInternal, "idempotency store unavailable"))
		return
	}
	if !acquired {
		if entry.State == StateCompleted && entry.Response != nil {
			w.Header().Set("Idempotent-Replayed", "true")
			s.finish(r.Context(), w, name, *entry.Response)
			return
		}
		s.finishStatus(r.Context(), w, name, http.StatusConflict, tool.Failure(tool.CodeUpstreamError,
			"request with idempotency key %s is still processing", req.IdempotencyKey))
		return
	}

	resp := s.call(r.Context(), req)
	if resp.OK {
		err = s.idem.Complete(r.Context(), key, resp, s.ttl)
	} else {
		err = s.idem.Release(r.Context(), key)
	}
	if err != nil {
		s.logger.Warn("idempotency.update", "tool", name, "error", err)
	}
	s.finish(r.Context(), w, name, resp)
}

func validateEnvelope(req *tool.Request, name, headerKey string, info ToolInfo) (tool.Response, bool) {
	switch {
	case req.ToolName == "":
		req.ToolName = name
	case req.ToolName != name:
		return tool.Failure(tool.CodeInvalidArgument, "tool_name %q does not match path %q", req.ToolName, name), false
	}
	if req.RequestID == "" {
		return tool.Failure(tool.CodeInvalidArgument, "request_id is required"), false
	}
	if req.Actor.ID == "" {
		return tool.Failure(tool.CodeInvalidArgument, "actor.id is required"), false
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = headerKey
	}
	if info.Mutating && req.IdempotencyKey == "" {
		return tool.Failure(tool.CodeInvalidArgument, "%s requires an idempotency key", name), false
	}
	return tool.Response{}, true
}

func (s *Server) call(ctx context.Context, req tool.Request) tool.Response {
	resp, err := s.backend.Call(ctx, req)
	if err != nil {
		s.logger.Warn("backend.error", "tool", req.ToolName, "error", err)
		return tool.Failure(tool.CodeUpstreamError, "backend unavailable")
	}
	return resp
}

func (s *Server) finish(ctx context.Context, w http.ResponseWriter, name string, resp tool.Response) {
	s.finishStatus(ctx, w, name, statusFor(resp), resp)
}

func (s *Server) finishStatus(ctx context.Context, w http.ResponseWriter, name string, status int, resp tool.Response) {
	code := "OK"
	if !resp.OK {
		s.failures.Add(1)
		code = string(tool.CodeOf(resp.Err()))
	}
	if s.calls != nil {
		s.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", name), attribute.String("code", code)))
	}
	if s.bus != nil {
		s.bus.Publish(events.NewEvent(events.EventGatewayRequest, map[string]any{
			"tool": name,
			"code": code,
		}))
	}
	s.writeEnvelope(w, status, resp)
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, resp tool.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("response.encode", "error", err)
	}
}

func statusFor(resp tool.Response) int {
	if resp.OK {
		return http.StatusOK
	}
	switch tool.CodeOf(resp.Err()) {
	case tool.CodeInvalidArgument:
		return http.StatusBadRequest
	case tool.CodeNotFound:
		return http.StatusNotFound
	case tool.CodeRateLimited:
		return http.StatusTooManyRequests
	case tool.CodeTimeout:
		return http.StatusGatewayTimeout
	case tool.CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
		"requests":    s.requests.Load(),
		"failures":    s.failures.Load(),
		"tools_total": len(s.tools),
	})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	infos := make([]ToolInfo, 0, len(s.tools))
	for _, t := range s.tools {
		infos = append(infos, t)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	writeJSON(w, infos)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeJSON(w, []events.Event{})
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = t
	}
	session := r.URL.Query().Get("session")
	history := []events.Event{}
	for _, ev := range s.bus.History(since) {
		if session == "" || ev.SessionID == session {
			history = append(history, ev)
		}
	}
	writeJSON(w, history)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		writeJSON(w, []checkpoint.Info{})
		return
	}
	infos, err := s.checkpoints.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit >= 0 && limit < len(infos) {
		infos = infos[:limit]
	}
	writeJSON(w, infos)
}

// handleStream sends the event history, then live events, as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.bus == nil {
		http.Error(w, "streaming not supported", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &streamClient{send: make(chan []byte, 64)}
	s.streamMu.Lock()
	s.streams[client] = true
	s.streamMu.Unlock()
	defer func() {
		s.streamMu.Lock()
		delete(s.streams, client)
		s.streamMu.Unlock()
	}()

	for _, ev := range s.bus.History(time.Time{}) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-client.send:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (s *Server) broadcastEvents(ch <-chan events.Event) {
	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		s.streamMu.Lock()
		for client := range s.streams {
			select {
			case client.send <- data:
			default:
				// Slow client; drop the event.
			}
		}
		s.streamMu.Unlock()
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}
