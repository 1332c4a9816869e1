// Package client implements the conduit client engine: request/response
// correlation over a transport, handshake management, typed wrappers for the
// standard methods, and failure containment via timeouts and a circuit
// breaker.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/logging"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
	"github.com/conduit-rpc/conduit-go/pkg/router"
	"github.com/conduit-rpc/conduit-go/pkg/transport"
)

// DefaultCallTimeout bounds calls that carry no context deadline.
const DefaultCallTimeout = 30 * time.Second

// SamplingHandler serves server-initiated sampling requests.
type SamplingHandler func(ctx context.Context, params *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error)

// Tracer observes outgoing calls; the tracing provider's call middleware
// implements it. The returned func settles the span with the call's outcome.
type Tracer interface {
	StartCall(ctx context.Context, method string) (context.Context, func(err error))
}

// Events are the optional client-side callbacks. All are invoked from
// transport goroutines and must not block.
type Events struct {
	OnConnect            func(connID string)
	OnDisconnect         func(reason error)
	OnReconnectExhausted func(err error)

	OnResourceUpdated      func(uri string)
	OnToolsListChanged     func()
	OnResourcesListChanged func()
	OnPromptsListChanged   func()

	OnLog      func(p *protocol.LogParams)
	OnProgress func(p *protocol.ProgressParams)
}

// Client is the conduit client engine. It implements transport.Handler.
type Client struct {
	info    protocol.Info
	caps    protocol.CapabilitySet
	logger  logging.Logger
	events  Events
	timeout time.Duration

	transport transport.Transport
	router    *router.Router
	breaker   *breaker
	sampling  SamplingHandler
	tracer    Tracer
	metrics   clientMetrics

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	connected   atomic.Bool
	initialized atomic.Bool
	closing     atomic.Bool

	handshakeMu sync.Mutex
	serverInfo  protocol.Info
	serverCaps  protocol.CapabilitySet
}

// Option configures a Client.
type Option func(*Client)

// WithInfo sets the client identity sent in the handshake.
func WithInfo(name, version string) Option {
	return func(c *Client) { c.info = protocol.Info{Name: name, Version: version} }
}

// WithCapabilities replaces the advertised client capability tree.
func WithCapabilities(caps protocol.CapabilitySet) Option {
	return func(c *Client) { c.caps = caps }
}

// WithLogger sets the client logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithEvents installs the event callbacks.
func WithEvents(events Events) Option {
	return func(c *Client) { c.events = events }
}

// WithCallTimeout overrides the default per-call budget.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBreaker tunes the circuit breaker.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Client) { c.breaker = newBreaker(cfg) }
}

// WithSamplingHandler serves server-initiated sampling requests. Installing
// one implies the sampling capability.
func WithSamplingHandler(h SamplingHandler) Option {
	return func(c *Client) { c.sampling = h }
}

// WithTracer spans every outgoing call through the given tracer.
func WithTracer(t Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New assembles a client over the given transport.
func New(t transport.Transport, opts ...Option) (*Client, error) {
	if t == nil {
		return nil, cerrors.Validationf("transport is required")
	}

	c := &Client{
		info:      protocol.Info{Name: "conduit-client", Version: "dev"},
		caps:      protocol.DefaultClientCapabilities(),
		timeout:   DefaultCallTimeout,
		transport: t,
		pending:   make(map[string]chan *protocol.Response),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Default("client")
	}
	if c.breaker == nil {
		c.breaker = newBreaker(DefaultBreakerConfig())
	}

	c.router = router.New(
		router.WithLogger(c.logger.WithFields(logging.String("component", "router"))),
		router.WithInfo(c.info),
		router.WithCapabilities(c.caps),
		router.WithResponseSink(c.settle),
		router.WithLogHook(func(connID string, p *protocol.LogParams) {
			if c.events.OnLog != nil {
				c.events.OnLog(p)
			}
		}),
		router.WithProgressHook(func(connID string, p *protocol.ProgressParams) {
			if c.events.OnProgress != nil {
				c.events.OnProgress(p)
			}
		}),
	)
	if err := c.registerInboundRoutes(); err != nil {
		return nil, err
	}

	t.SetHandler(c)
	return c, nil
}

// registerInboundRoutes installs the server-push notification routes and the
// sampling route when a handler is present.
func (c *Client) registerInboundRoutes() error {
	notes := []router.NotificationRoute{
		{Method: protocol.MethodResourceUpdated, Handler: c.onResourceUpdated},
		{Method: protocol.MethodToolsListChanged, Handler: c.onListChanged(c.events.OnToolsListChanged)},
		{Method: protocol.MethodResourcesListChanged, Handler: c.onListChanged(c.events.OnResourcesListChanged)},
		{Method: protocol.MethodPromptsListChanged, Handler: c.onListChanged(c.events.OnPromptsListChanged)},
	}
	for _, note := range notes {
		if err := c.router.RegisterNotification(note); err != nil {
			return err
		}
	}

	if c.sampling == nil {
		return nil
	}
	return c.router.Register(router.Route{
		Method: protocol.MethodCreateMessage,
		Handler: func(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
			var p protocol.CreateMessageParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, cerrors.Wrap(err, cerrors.KindValidation, "invalid sampling params")
			}
			return c.sampling(ctx, &p)
		},
		Capabilities: []string{protocol.CapabilitySampling},
	})
}

func (c *Client) onResourceUpdated(ctx context.Context, connID string, params json.RawMessage) error {
	var p protocol.ResourceUpdatedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return cerrors.Wrap(err, cerrors.KindValidation, "invalid resource update params")
	}
	if c.events.OnResourceUpdated != nil {
		c.events.OnResourceUpdated(p.URI)
	}
	return nil
}

func (c *Client) onListChanged(cb func()) router.NotificationHandlerFunc {
	return func(ctx context.Context, connID string, params json.RawMessage) error {
		if cb != nil {
			cb()
		}
		return nil
	}
}

// Connect brings the transport up. It does not perform the handshake; call
// Initialize next.
func (c *Client) Connect(ctx context.Context) error {
	if c.closing.Load() {
		return cerrors.Unavailablef("client is closed")
	}
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}
	c.connected.Store(true)
	return nil
}

// Initialize performs the handshake and records the server's identity and
// capability tree. Calling it again renegotiates.
func (c *Client) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	raw, err := c.call(ctx, protocol.MethodInitialize, &protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		Capabilities:    c.caps,
		ClientInfo:      c.info,
	})
	if err != nil {
		return nil, err
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindProtocol, "invalid initialize result")
	}

	c.handshakeMu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCaps = result.Capabilities
	c.handshakeMu.Unlock()
	c.initialized.Store(true)

	c.logger.Info("handshake complete",
		logging.String("server", result.ServerInfo.Name),
		logging.String("version", result.ProtocolVersion))
	return &result, nil
}

// ServerInfo returns the negotiated server identity.
func (c *Client) ServerInfo() protocol.Info {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the negotiated server capability tree.
func (c *Client) ServerCapabilities() protocol.CapabilitySet {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	return c.serverCaps
}

// Initialized reports whether the handshake has completed.
func (c *Client) Initialized() bool {
	return c.initialized.Load()
}

// Call performs one raw request. Calls other than the handshake and ping are
// rejected locally before any wire traffic until Initialize has succeeded.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if method != protocol.MethodInitialize && method != protocol.MethodPing && !c.initialized.Load() {
		return nil, cerrors.NotInitialized("client")
	}
	return c.call(ctx, method, params)
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.tracer == nil {
		return c.doCall(ctx, method, params)
	}
	ctx, end := c.tracer.StartCall(ctx, method)
	result, err := c.doCall(ctx, method, params)
	end(err)
	return result, err
}

func (c *Client) doCall(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.closing.Load() {
		return nil, cerrors.Unavailablef("client is closed")
	}
	if !c.connected.Load() {
		return nil, cerrors.Unavailablef("client is not connected")
	}
	if !c.breaker.Allow() {
		return nil, cerrors.Unavailablef("circuit breaker open for %s", method).
			WithContext(&cerrors.Context{Method: method, Component: "client"})
	}

	c.metrics.recordCall(method)
	start := time.Now()

	id := c.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindValidation, "failed to build request")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindInternal, "failed to marshal request")
	}

	ch := make(chan *protocol.Response, 1)
	key := idKey(id)
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()

	if !hasDeadline(ctx) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.transport.Send(ctx, data); err != nil {
		c.removePending(key)
		c.breaker.Failure()
		c.metrics.recordFailure(time.Since(start))
		return nil, err
	}

	select {
	case resp := <-ch:
		return c.finish(method, resp, start)
	case <-ctx.Done():
		c.removePending(key)
		c.breaker.Failure()
		c.metrics.recordFailure(time.Since(start))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, cerrors.Timeoutf("call %s timed out", method).
				WithContext(&cerrors.Context{Method: method, Component: "client"})
		}
		return nil, cerrors.Wrap(ctx.Err(), cerrors.KindTimeout, "call cancelled").
			WithContext(&cerrors.Context{Method: method, Component: "client"})
	}
}

func (c *Client) finish(method string, resp *protocol.Response, start time.Time) (json.RawMessage, error) {
	elapsed := time.Since(start)
	if resp.Error != nil {
		err := cerrors.FromPayload(resp.Error)
		// Only infrastructure failures count against the breaker; declared
		// application errors do not indicate a sick peer.
		switch err.Kind {
		case cerrors.KindTimeout, cerrors.KindServiceUnavailable, cerrors.KindInternal:
			c.breaker.Failure()
		default:
			c.breaker.Success()
		}
		c.metrics.recordFailure(elapsed)
		return nil, err
	}
	c.breaker.Success()
	c.metrics.recordSuccess(elapsed)
	return resp.Result, nil
}

// Metrics returns a snapshot of call counters and latency.
func (c *Client) Metrics() Metrics {
	return c.metrics.snapshot()
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	if c.closing.Load() {
		return cerrors.Unavailablef("client is closed")
	}
	note, err := protocol.NewNotification(method, params)
	if err != nil {
		return cerrors.Wrap(err, cerrors.KindValidation, "failed to build notification")
	}
	data, err := json.Marshal(note)
	if err != nil {
		return cerrors.Wrap(err, cerrors.KindInternal, "failed to marshal notification")
	}
	return c.transport.Send(ctx, data)
}

// settle delivers one response to its waiting call, exactly once. The
// pending entry is removed under the lock before delivery, so a duplicate or
// late response finds nothing and is dropped.
func (c *Client) settle(resp *protocol.Response) {
	key := idKey(resp.ID)

	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("dropping uncorrelated response", logging.String("id", key))
		return
	}
	ch <- resp
}

func (c *Client) removePending(key string) {
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
}

// rejectPending fails every outstanding call with the given error.
func (c *Client) rejectPending(err *cerrors.Error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Response)
	c.pendingMu.Unlock()

	for key, ch := range pending {
		ch <- &protocol.Response{
			JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: protocol.JSONRPCVersion},
			ID:             key,
			Error:          cerrors.ToPayload(err),
		}
	}
}

// Disconnect closes the client. Outstanding calls are rejected with a
// non-retryable error. Repeated calls are no-ops.
func (c *Client) Disconnect(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	err := cerrors.Unavailablef("client disconnecting")
	err.Retryable = false
	c.rejectPending(err)

	c.initialized.Store(false)
	c.connected.Store(false)
	return c.transport.Disconnect(ctx)
}

// OnMessage implements transport.Handler. Inbound responses settle pending
// calls; server-initiated requests and notifications go through the router.
func (c *Client) OnMessage(ctx context.Context, connID string, data []byte) []byte {
	return c.router.Dispatch(ctx, connID, data)
}

// OnConnect implements transport.Handler. A connect after a completed
// handshake is a reconnect; the session state is gone, so the handshake is
// redone before the connection is usable again.
func (c *Client) OnConnect(connID string) {
	reconnected := !c.connected.Swap(true) && c.initialized.Load()

	if c.events.OnConnect != nil {
		c.events.OnConnect(connID)
	}

	if reconnected && !c.closing.Load() {
		c.initialized.Store(false)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			if _, err := c.Initialize(ctx); err != nil {
				c.logger.Warn("re-handshake after reconnect failed", logging.ErrorField(err))
			}
		}()
	}
}

// OnDisconnect implements transport.Handler. Outstanding calls cannot
// complete on a dead connection; they are rejected as non-retryable so
// callers do not resend a request whose fate on the peer is unknown.
func (c *Client) OnDisconnect(connID string, reason error) {
	c.connected.Store(false)
	rejection := cerrors.Unavailablef("connection lost")
	rejection.Retryable = false
	c.rejectPending(rejection)

	if c.events.OnDisconnect != nil {
		c.events.OnDisconnect(reason)
	}
}

// OnError implements transport.Handler. Reconnect exhaustion is terminal for
// the session.
func (c *Client) OnError(err error) {
	if errors.Is(err, transport.ErrReconnectExhausted) {
		c.initialized.Store(false)
		rejection := cerrors.Unavailablef("reconnect attempts exhausted")
		rejection.Retryable = false
		c.rejectPending(rejection)

		if c.events.OnReconnectExhausted != nil {
			c.events.OnReconnectExhausted(err)
		}
		return
	}
	c.logger.Warn("transport error", logging.ErrorField(err))
}

// idKey normalizes a message id for map lookup. Locally generated ids are
// int64; the same id decoded from JSON arrives as float64, so integral
// floats must collapse to the same key.
func idKey(id interface{}) string {
	switch v := id.(type) {
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func hasDeadline(ctx context.Context) bool {
	_, ok := ctx.Deadline()
	return ok
}
