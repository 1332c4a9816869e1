// Package server implements the conduit server engine: it accepts a
// transport, owns a method router, tracks connections through the
// pending/negotiated lifecycle, aggregates capability providers, and manages
// graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/logging"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
	"github.com/conduit-rpc/conduit-go/pkg/router"
	"github.com/conduit-rpc/conduit-go/pkg/transport"
)

// DefaultShutdownTimeout bounds graceful shutdown when Run drives the
// lifecycle.
const DefaultShutdownTimeout = 30 * time.Second

// Recorder observes request outcomes and connection churn; the metrics
// provider implements it.
type Recorder interface {
	RecordRequest(method string, elapsed time.Duration, success bool)
	RecordConnection(active int)
}

// Hooks observe server lifecycle transitions. Cleanup runs during graceful
// shutdown after in-flight requests have drained, before the transport is
// torn down.
type Hooks struct {
	OnStarted func()
	OnStopped func()
	Cleanup   func(ctx context.Context) error
}

// Server is the conduit server engine. It implements transport.Handler.
type Server struct {
	info     protocol.Info
	caps     protocol.CapabilitySet
	logger   logging.Logger
	recorder Recorder

	transport transport.Transport
	router    *router.Router

	tools     []ToolProvider
	resources []ResourceProvider
	prompts   []PromptProvider

	rateLimits      map[string]*router.RateLimit
	toolTimeout     time.Duration
	shutdownTimeout time.Duration
	hooks           Hooks

	conns *connectionRegistry
	subs  *subscriptionTable

	baseCtx   context.Context
	cancelAll context.CancelFunc

	startMu sync.Mutex
	started bool

	closing      atomic.Bool
	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error

	inFlight  sync.WaitGroup
	startedAt time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithInfo sets the server identity advertised in the handshake.
func WithInfo(name, version string) Option {
	return func(s *Server) { s.info = protocol.Info{Name: name, Version: version} }
}

// WithCapabilities replaces the advertised capability tree.
func WithCapabilities(caps protocol.CapabilitySet) Option {
	return func(s *Server) { s.caps = caps }
}

// WithLogger sets the server logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithToolProvider appends a tool provider; aggregation order follows
// registration order.
func WithToolProvider(p ToolProvider) Option {
	return func(s *Server) { s.tools = append(s.tools, p) }
}

// WithResourceProvider appends a resource provider.
func WithResourceProvider(p ResourceProvider) Option {
	return func(s *Server) { s.resources = append(s.resources, p) }
}

// WithPromptProvider appends a prompt provider.
func WithPromptProvider(p PromptProvider) Option {
	return func(s *Server) { s.prompts = append(s.prompts, p) }
}

// WithRateLimit throttles one method with a fixed window per connection.
func WithRateLimit(method string, requests int, window time.Duration) Option {
	return func(s *Server) {
		s.rateLimits[method] = &router.RateLimit{Requests: requests, Window: window}
	}
}

// WithToolTimeout overrides the tool-call handler budget.
func WithToolTimeout(d time.Duration) Option {
	return func(s *Server) { s.toolTimeout = d }
}

// WithShutdownTimeout overrides the graceful shutdown budget used by Run.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(s *Server) { s.hooks = h }
}

// New assembles a server over the given transport.
func New(t transport.Transport, opts ...Option) (*Server, error) {
	if t == nil {
		return nil, cerrors.Validationf("transport is required")
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info:         protocol.Info{Name: "conduit-server", Version: "dev"},
		caps:         protocol.DefaultServerCapabilities(),
		transport:    t,
		rateLimits:   make(map[string]*router.RateLimit),
		conns:        newConnectionRegistry(),
		subs:         newSubscriptionTable(),
		baseCtx:      baseCtx,
		cancelAll:    cancel,
		shutdownDone: make(chan struct{}),
		startedAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Default("server")
	}

	s.router = router.New(
		router.WithLogger(s.logger.WithFields(logging.String("component", "router"))),
		router.WithInfo(s.info),
		router.WithCapabilities(s.caps),
		router.WithNegotiatedCheck(s.conns.negotiated),
		router.WithInitializeHook(s.conns.negotiate),
	)
	if err := s.registerProviderRoutes(); err != nil {
		cancel()
		return nil, err
	}

	t.SetHandler(s)
	return s, nil
}

// Router exposes the underlying router for custom route registration.
func (s *Server) Router() *router.Router {
	return s.router
}

// Start brings the transport up. Starting a started server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.started {
		return nil
	}
	if s.closing.Load() {
		return cerrors.Unavailablef("server is shut down")
	}

	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	s.started = true
	s.startedAt = time.Now()
	s.logger.Info("server started",
		logging.String("name", s.info.Name),
		logging.String("transport", s.transport.Kind()))
	if s.hooks.OnStarted != nil {
		s.hooks.OnStarted()
	}
	return nil
}

// Shutdown stops the server gracefully: new requests are rejected, in-flight
// handlers get half the budget to drain before cancellation, and the
// transport is torn down with the remainder. Concurrent and repeated calls
// share the first invocation's result.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.doShutdown(timeout)
		close(s.shutdownDone)
	})
	<-s.shutdownDone
	return s.shutdownErr
}

func (s *Server) doShutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	s.closing.Store(true)
	s.logger.Info("server shutting down", logging.Duration("timeout", timeout))

	// Best effort: tell every connection we are going away.
	noteCtx, noteCancel := context.WithTimeout(context.Background(), timeout/4)
	if err := s.broadcast(noteCtx, protocol.MethodCancelled,
		&protocol.CancelledParams{Reason: "server shutting down"}); err != nil {
		s.logger.Debug("shutdown notification failed", logging.ErrorField(err))
	}
	noteCancel()

	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(timeout / 2):
		s.logger.Warn("drain budget exceeded, cancelling in-flight requests")
		s.cancelAll()
		select {
		case <-drained:
		case <-time.After(timeout / 2):
			s.logger.Warn("requests still in flight at disconnect")
		}
	}
	s.cancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.transport.Disconnect(ctx); err != nil {
		return cerrors.Wrap(err, cerrors.KindInternal, "transport disconnect failed")
	}

	if s.hooks.Cleanup != nil {
		if err := s.hooks.Cleanup(ctx); err != nil {
			s.logger.Warn("cleanup hook failed", logging.ErrorField(err))
		}
	}

	s.logger.Info("server stopped")
	if s.hooks.OnStopped != nil {
		s.hooks.OnStopped()
	}
	return nil
}

// Run starts the server and blocks until the context is cancelled or a
// termination signal arrives, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	return s.Shutdown(s.shutdownTimeout)
}

// OnMessage implements transport.Handler: every inbound message funnels
// through the router. During shutdown, requests are answered with a
// service-unavailable error instead of being dispatched.
func (s *Server) OnMessage(ctx context.Context, connID string, data []byte) []byte {
	if s.closing.Load() {
		return s.rejectDuringShutdown(data)
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	// Re-check after joining the in-flight group to avoid racing the drain.
	if s.closing.Load() {
		return s.rejectDuringShutdown(data)
	}

	// Tie the request lifetime to both the transport context and the server
	// lifetime so shutdown cancellation reaches in-flight handlers.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	start := time.Now()
	reply := s.router.Dispatch(reqCtx, connID, data)

	if s.recorder != nil && protocol.IsRequest(data) {
		var probe struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(data, &probe)
		s.recorder.RecordRequest(probe.Method, time.Since(start), !isErrorReply(reply))
	}
	return reply
}

// OnConnect implements transport.Handler.
func (s *Server) OnConnect(connID string) {
	s.conns.add(connID, s.transport.Kind())
	if s.recorder != nil {
		s.recorder.RecordConnection(s.conns.stats().Active)
	}
	s.logger.Info("connection opened", logging.String("conn", connID))
}

// OnDisconnect implements transport.Handler. Departed connections lose their
// subscriptions and bookkeeping immediately.
func (s *Server) OnDisconnect(connID string, reason error) {
	s.subs.dropConn(connID)
	s.conns.remove(connID)
	if s.recorder != nil {
		s.recorder.RecordConnection(s.conns.stats().Active)
	}

	fields := []logging.Field{logging.String("conn", connID)}
	if reason != nil {
		fields = append(fields, logging.ErrorField(reason))
	}
	s.logger.Info("connection closed", fields...)
}

// OnError implements transport.Handler.
func (s *Server) OnError(err error) {
	s.logger.Warn("transport error", logging.ErrorField(err))
}

func (s *Server) rejectDuringShutdown(data []byte) []byte {
	if !protocol.IsRequest(data) {
		return nil
	}
	var probe struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(data, &probe)
	resp := protocol.NewErrorResponse(probe.ID, protocol.ServiceUnavailable, "server is shutting down", nil)
	out, _ := json.Marshal(resp)
	return out
}

// Connection returns the bookkeeping record for one connection.
func (s *Server) Connection(connID string) (ConnectionInfo, bool) {
	return s.conns.get(connID)
}

// Connections lists all tracked connections.
func (s *Server) Connections() []ConnectionInfo {
	return s.conns.list()
}

// Health is a point-in-time health report.
type Health struct {
	Status        string
	Connected     bool
	UptimeSeconds float64
	Connections   ConnectionStats
	Providers     ProviderCounts
	Router        router.Metrics
	Transport     transport.MetricsSnapshot
}

// ProviderCounts reports how many providers of each kind are registered.
type ProviderCounts struct {
	Tools     int
	Resources int
	Prompts   int
}

// Checker is the narrow view a health poller depends on.
type Checker interface {
	Health() Health
}

// Health reports server liveness and aggregate activity. The status degrades
// when more than half of all dispatched requests have failed.
func (s *Server) Health() Health {
	rm := s.router.Metrics()
	status := "ok"
	switch {
	case s.closing.Load():
		status = "stopping"
	case rm.Requests >= 10 && rm.ErrorRate() > 0.5:
		status = "degraded"
	}

	return Health{
		Status:        status,
		Connected:     s.transport.Connected(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Connections:   s.conns.stats(),
		Providers: ProviderCounts{
			Tools:     len(s.tools),
			Resources: len(s.resources),
			Prompts:   len(s.prompts),
		},
		Router:    rm,
		Transport: s.transport.Metrics(),
	}
}

func isErrorReply(reply []byte) bool {
	if len(reply) == 0 {
		return false
	}
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(reply, &probe); err != nil {
		return false
	}
	return len(probe.Error) > 0
}
