// Package httpapi serves the daemon's local control API: health and
// status endpoints plus a websocket event stream backed by the bus.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/talonhq/talon/internal/bus"
	"github.com/talonhq/talon/internal/gateway"
	otelhelpers "github.com/talonhq/talon/internal/otel"
	"github.com/talonhq/talon/internal/shared"
	"github.com/talonhq/talon/internal/worksteal"
)

// Config holds the dependencies for the API server.
type Config struct {
	BindAddr string
	Logger   *slog.Logger
	Bus      *bus.Bus
	Version  string

	// Tracer records one server span per request when set.
	Tracer trace.Tracer

	// ConfigFingerprint is the hash of the active config exposed in /v1/status.
	ConfigFingerprint string

	// GatewayStatus reports the supervisor's view of the gateway process.
	// Nil means no gateway is configured.
	GatewayStatus func() gateway.Status

	// WorkerStats reports the balancer's current workload view.
	// Nil means the balancer is not running.
	WorkerStats func() worksteal.Stats

	// SessionsRestored is the count of sessions with pending todos
	// restored at startup.
	SessionsRestored int
}

// Server is the daemon's HTTP control surface.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	startTime time.Time

	listener net.Listener
	srv      *http.Server
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/events", s.handleEvents)
	s.srv = &http.Server{
		Handler:           s.withTraceID(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// withTraceID stamps every request context with a fresh trace_id and
// logs the request with it, so API activity is correlatable in the
// daemon's logs.
func (s *Server) withTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otelhelpers.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
			)
			defer span.End()
		}
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"trace_id", traceID,
		)
	})
}

// Start binds the configured address and begins serving in a background
// goroutine. A bind failure is returned synchronously so the caller can
// fail startup.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.BindAddr, err)
	}
	s.listener = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api: serve error", "error", err)
		}
	}()
	s.logger.Info("api: listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.BindAddr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pid":    os.Getpid(),
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version":            s.cfg.Version,
		"pid":                os.Getpid(),
		"started_at":         s.startTime.UTC().Format(time.RFC3339),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"sessions_restored":  s.cfg.SessionsRestored,
	}
	if s.cfg.GatewayStatus != nil {
		gs := s.cfg.GatewayStatus()
		resp["gateway"] = map[string]any{
			"state":     string(gs.State),
			"running":   gs.Running,
			"enabled":   gs.Enabled,
			"pid":       gs.PID,
			"retries":   gs.Retries,
			"error":     gs.Error,
			"last_exit": gs.LastExit,
		}
	}
	if s.cfg.WorkerStats != nil {
		ws := s.cfg.WorkerStats()
		resp["workers"] = map[string]any{
			"count":          ws.Workers,
			"total_tasks":    ws.TotalTasks,
			"avg_tasks":      ws.AvgTasks,
			"imbalance":      ws.Imbalance,
			"steal_requests": ws.StealRequests,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents upgrades to a websocket and forwards bus events matching
// the optional ?topic= prefix until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	prefix := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Info("api: event stream connected", "prefix", prefix)

	// Reads are only used to observe client disconnect; the stream is
	// one-directional.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := map[string]any{
				"topic":   ev.Topic,
				"payload": ev.Payload,
				"ts":      time.Now().UTC().Format(time.RFC3339Nano),
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				s.logger.Debug("api: event stream write failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
