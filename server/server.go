// Package server exposes the agent over the A2A protocol: JSON-RPC 2.0 over
// HTTP POST plus Server-Sent Events for the streaming methods. It also serves
// the agent card, artifact downloads, and a health endpoint. The server owns
// no task state of its own; requests are routed to the executor, store,
// runtime, and bus. A background sweeper retires expired tasks and idle
// contexts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub002/agent"
	"github.com/uratmangun/arbitrum-vibekit-sub002/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub002/contexts"
	"github.com/uratmangun/arbitrum-vibekit-sub002/logger"
	"github.com/uratmangun/arbitrum-vibekit-sub002/metrics"
	"github.com/uratmangun/arbitrum-vibekit-sub002/task"
	"github.com/uratmangun/arbitrum-vibekit-sub002/workflow"
)

const (
	// DefaultA2APath is where the JSON-RPC endpoint is mounted.
	DefaultA2APath = "/a2a"

	// DefaultTaskTTL is how long a terminal task stays queryable before the
	// sweeper retires it.
	DefaultTaskTTL = time.Hour

	// DefaultSweepInterval is how often the sweeper runs.
	DefaultSweepInterval = time.Minute

	defaultReadHeaderTimeout = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultMaxBodySize       = 10 << 20 // 10 MiB

	// codeAuthFailed is the JSON-RPC error code for failed authentication,
	// in the implementation-defined range.
	codeAuthFailed = -32000
)

// Authenticator validates inbound RPC requests. A non-nil error rejects the
// request before the body is read.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// Server hosts the A2A surface for one agent.
type Server struct {
	executor *agent.Executor
	store    *task.Store
	contexts *contexts.Manager
	runtime  *workflow.Runtime
	bus      *bus.Bus

	card           a2a.AgentCard
	a2aPath        string
	auth           Authenticator
	metricsHandler http.Handler
	rate           RateLimitConfig

	readHeaderTimeout time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	idleTimeout       time.Duration
	maxBodySize       int64
	taskTTL           time.Duration
	sweepInterval     time.Duration

	httpSrvMu sync.Mutex
	httpSrv   *http.Server

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithCard sets the agent card identity. The card's url is ignored; it is
// rewritten per request from the request host and forwarding headers.
func WithCard(card a2a.AgentCard) Option {
	return func(s *Server) { s.card = card }
}

// WithA2APath mounts the JSON-RPC endpoint somewhere other than /a2a.
func WithA2APath(path string) Option {
	return func(s *Server) {
		if path != "" && strings.HasPrefix(path, "/") {
			s.a2aPath = strings.TrimRight(path, "/")
		}
	}
}

// WithAuthenticator guards the RPC endpoint. Card, health, and artifact
// requests stay open.
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

// WithMetricsHandler serves the given handler at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithRateLimit applies per-client rate limiting to every route.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(s *Server) { s.rate = cfg }
}

// WithReadTimeout overrides the HTTP read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

// WithWriteTimeout sets an HTTP write timeout. There is none by default:
// SSE streams stay open across workflow pauses, which have no server-side
// deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithIdleTimeout overrides the HTTP keep-alive idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithMaxBodySize overrides the request body size limit in bytes.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

// WithTaskTTL overrides how long terminal tasks stay queryable.
func WithTaskTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.taskTTL = d
		}
	}
}

// WithSweepInterval overrides how often expired state is swept.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// NewServer wires a Server to its collaborators.
func NewServer(exec *agent.Executor, store *task.Store, ctxs *contexts.Manager, rt *workflow.Runtime, b *bus.Bus, opts ...Option) *Server {
	s := &Server{
		executor:          exec,
		store:             store,
		contexts:          ctxs,
		runtime:           rt,
		bus:               b,
		a2aPath:           DefaultA2APath,
		readHeaderTimeout: defaultReadHeaderTimeout,
		readTimeout:       defaultReadTimeout,
		idleTimeout:       defaultIdleTimeout,
		maxBodySize:       defaultMaxBodySize,
		taskTTL:           DefaultTaskTTL,
		sweepInterval:     DefaultSweepInterval,
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the full route set wrapped in rate limiting and OTel HTTP
// instrumentation. It is exported so tests and embedders can mount the server
// without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)
	mux.HandleFunc("GET /.well-known/agent-card.json", s.handleAgentCard)
	mux.HandleFunc("POST "+s.a2aPath, s.handleRPC)
	mux.HandleFunc("GET "+s.a2aPath+"/tasks/{taskId}/artifacts/{artifactId}", s.handleArtifact)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	return otelhttp.NewHandler(rateLimitMiddleware(s.rate)(mux), "a2a-server")
}

// ListenAndServe binds addr and serves until Shutdown. A server closed via
// Shutdown returns nil.
func (s *Server) ListenAndServe(addr string) error {
	httpSrv := s.newHTTPServer(addr)
	s.httpSrvMu.Lock()
	s.httpSrv = httpSrv
	s.httpSrvMu.Unlock()

	go s.sweepLoop()
	logger.Info("🌐 A2A server listening", "addr", addr, "path", s.a2aPath)

	err := httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	httpSrv := s.newHTTPServer(l.Addr().String())
	s.httpSrvMu.Lock()
	s.httpSrv = httpSrv
	s.httpSrvMu.Unlock()

	go s.sweepLoop()
	logger.Info("🌐 A2A server listening", "addr", l.Addr().String(), "path", s.a2aPath)

	err := httpSrv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the sweeper and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.httpSrvMu.Lock()
	httpSrv := s.httpSrv
	s.httpSrv = nil
	s.httpSrvMu.Unlock()

	if httpSrv == nil {
		return nil
	}
	logger.Info("🛑 A2A server shutting down")
	return httpSrv.Shutdown(ctx)
}

func (s *Server) newHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
}

// sweepLoop retires expired tasks and idle contexts until Shutdown.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

// sweepOnce runs one sweep pass. Releasing a swept task's stream closes any
// straggling subscriptions; the task record is already gone from the store.
func (s *Server) sweepOnce(now time.Time) {
	swept := s.store.SweepTerminal(now, s.taskTTL)
	for _, id := range swept {
		s.bus.Release(id)
	}
	idle := s.contexts.SweepIdle(now)
	metrics.RecordContextsSwept(len(idle))

	total, nonTerminal := s.store.Counts()
	metrics.SetStoreTasks(total, nonTerminal)
	metrics.SetContextsActive(s.contexts.Len())
	metrics.SetBusSubscriptions(s.bus.OpenSubscriptions())

	if len(swept) > 0 || len(idle) > 0 {
		logger.Debug("🧹 Swept expired state",
			"tasks", len(swept), "contexts", len(idle), "active_streams", s.bus.ActiveStreams())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleArtifact serves one artifact's content. A single text part renders as
// plain text and a single file part as its own media type, so browsers and
// curl get usable bytes; anything else renders as the artifact JSON.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	artifactID := r.PathValue("artifactId")

	artifact, err := s.runtime.GetArtifact(taskID, artifactID)
	if err != nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}

	if len(artifact.Parts) == 1 {
		p := artifact.Parts[0]
		switch {
		case p.Text != nil:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(*p.Text))
			return
		case len(p.Raw) > 0:
			mediaType := p.MediaType
			if mediaType == "" {
				mediaType = "application/octet-stream"
			}
			w.Header().Set("Content-Type", mediaType)
			_, _ = w.Write(p.Raw)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(artifact); err != nil {
		logger.Debug("encode artifact", "task_id", taskID, "artifact_id", artifactID, "error", err)
	}
}
