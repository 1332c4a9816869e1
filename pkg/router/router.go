// Package router implements the conduit method router: a dispatch table for
// request methods and notifications with parameter validation, capability
// checks, per-method rate limiting, and timeout enforcement. The router
// never lets a route failure escape as an unhandled fault; every request
// failure becomes a response carrying a mapped error payload.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/logging"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
)

// DefaultTimeout bounds route handlers that do not override it.
const DefaultTimeout = 30 * time.Second

// HandlerFunc executes one request method.
type HandlerFunc func(ctx context.Context, connID string, params json.RawMessage) (interface{}, error)

// NotificationHandlerFunc consumes one fire-and-forget notification.
type NotificationHandlerFunc func(ctx context.Context, connID string, params json.RawMessage) error

// RateLimit is a fixed-window limit: at most Requests calls per Window,
// keyed by (connection, method). The counter resets exactly at window
// expiry, never early.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Route declares one request method.
type Route struct {
	Method  string
	Handler HandlerFunc

	// Schema validates params before the handler runs. A route with no
	// schema skips validation entirely.
	Schema *jsonschema.Schema

	// Capabilities are dot paths that must all be granted by the negotiated
	// capability tree. A route with no required capabilities skips the
	// check.
	Capabilities []string

	// RateLimit throttles the route when set.
	RateLimit *RateLimit

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// NotificationRoute declares one notification method. Notifications carry no
// rate limit or timeout.
type NotificationRoute struct {
	Method       string
	Handler      NotificationHandlerFunc
	Schema       *jsonschema.Schema
	Capabilities []string
}

type boundRoute struct {
	Route
	resolved *jsonschema.Resolved
}

type boundNotification struct {
	NotificationRoute
	resolved *jsonschema.Resolved
}

// ResponseSink consumes inbound responses; the owning client registers one.
type ResponseSink func(resp *protocol.Response)

// InitializeHook observes a completed handshake for a connection.
type InitializeHook func(connID string, params *protocol.InitializeParams)

// NegotiatedCheck reports whether a connection has completed the handshake.
// When set, non-handshake methods are rejected before negotiation; ping is
// always permitted.
type NegotiatedCheck func(connID string) bool

// Router dispatches inbound messages by kind.
type Router struct {
	mu            sync.RWMutex
	routes        map[string]*boundRoute
	notifications map[string]*boundNotification

	caps    protocol.CapabilitySet
	info    protocol.Info
	limiter *windowLimiter
	logger  logging.Logger
	started time.Time

	negotiated   NegotiatedCheck
	onInitialize InitializeHook
	onResponse   ResponseSink
	onProgress   func(connID string, p *protocol.ProgressParams)
	onCancelled  func(connID string, p *protocol.CancelledParams)
	onLog        func(connID string, p *protocol.LogParams)

	metrics routerMetrics
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithInfo sets the identity returned by the handshake.
func WithInfo(info protocol.Info) Option {
	return func(r *Router) { r.info = info }
}

// WithCapabilities sets the capability tree advertised by the handshake and
// checked against route requirements.
func WithCapabilities(caps protocol.CapabilitySet) Option {
	return func(r *Router) { r.caps = caps }
}

// WithNegotiatedCheck enables server-side pre-handshake enforcement.
func WithNegotiatedCheck(check NegotiatedCheck) Option {
	return func(r *Router) { r.negotiated = check }
}

// WithInitializeHook observes handshakes.
func WithInitializeHook(hook InitializeHook) Option {
	return func(r *Router) { r.onInitialize = hook }
}

// WithResponseSink registers the consumer for inbound responses.
func WithResponseSink(sink ResponseSink) Option {
	return func(r *Router) { r.onResponse = sink }
}

// WithProgressHook observes progress notifications.
func WithProgressHook(hook func(connID string, p *protocol.ProgressParams)) Option {
	return func(r *Router) { r.onProgress = hook }
}

// WithCancelledHook observes cancellation notifications.
func WithCancelledHook(hook func(connID string, p *protocol.CancelledParams)) Option {
	return func(r *Router) { r.onCancelled = hook }
}

// WithLogHook observes relayed log notifications.
func WithLogHook(hook func(connID string, p *protocol.LogParams)) Option {
	return func(r *Router) { r.onLog = hook }
}

// New creates a router with the built-in routes and notifications
// registered.
func New(opts ...Option) *Router {
	r := &Router{
		routes:        make(map[string]*boundRoute),
		notifications: make(map[string]*boundNotification),
		caps:          protocol.CapabilitySet{},
		info:          protocol.Info{Name: "conduit", Version: "dev"},
		limiter:       newWindowLimiter(),
		started:       time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Default("router")
	}

	r.registerBuiltins()
	return r
}

// Register adds a request route, resolving its schema once.
func (r *Router) Register(route Route) error {
	if route.Method == "" {
		return cerrors.Validationf("route method is required")
	}
	if route.Handler == nil {
		return cerrors.Validationf("route %s has no handler", route.Method)
	}

	bound := &boundRoute{Route: route}
	if route.Schema != nil {
		resolved, err := route.Schema.Resolve(nil)
		if err != nil {
			return cerrors.Wrap(err, cerrors.KindValidation, "invalid parameter schema").WithDetail(route.Method)
		}
		bound.resolved = resolved
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route.Method] = bound
	return nil
}

// RegisterNotification adds a notification route.
func (r *Router) RegisterNotification(route NotificationRoute) error {
	if route.Method == "" {
		return cerrors.Validationf("notification method is required")
	}
	if route.Handler == nil {
		return cerrors.Validationf("notification %s has no handler", route.Method)
	}

	bound := &boundNotification{NotificationRoute: route}
	if route.Schema != nil {
		resolved, err := route.Schema.Resolve(nil)
		if err != nil {
			return cerrors.Wrap(err, cerrors.KindValidation, "invalid parameter schema").WithDetail(route.Method)
		}
		bound.resolved = resolved
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications[route.Method] = bound
	return nil
}

// Methods lists the registered request methods.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.routes))
	for m := range r.routes {
		methods = append(methods, m)
	}
	return methods
}

// Dispatch routes one inbound message and returns the serialized response,
// if the message produces one. Requests always produce a response;
// notifications and responses never do.
func (r *Router) Dispatch(ctx context.Context, connID string, data []byte) []byte {
	switch {
	case protocol.IsResponse(data):
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			r.logger.Warn("undecodable response", logging.ErrorField(err))
			return nil
		}
		if r.onResponse != nil {
			r.onResponse(&resp)
		}
		return nil

	case protocol.IsRequest(data):
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return r.marshalResponse(protocol.NewErrorResponse(nil, protocol.InvalidRequest, "invalid request", nil))
		}
		return r.marshalResponse(r.handleRequest(ctx, connID, &req))

	case protocol.IsNotification(data):
		var note protocol.Notification
		if err := json.Unmarshal(data, &note); err != nil {
			r.logger.Warn("undecodable notification", logging.ErrorField(err))
			return nil
		}
		r.handleNotification(ctx, connID, &note)
		return nil

	default:
		if !json.Valid(data) {
			return r.marshalResponse(protocol.NewErrorResponse(nil, protocol.ParseError, "parse error: invalid JSON", nil))
		}
		return r.marshalResponse(protocol.NewErrorResponse(nil, protocol.InvalidRequest, "message is not a request, response, or notification", nil))
	}
}

func (r *Router) handleRequest(ctx context.Context, connID string, req *protocol.Request) *protocol.Response {
	start := time.Now()
	r.metrics.recordRequest(req.Method)

	r.mu.RLock()
	route, ok := r.routes[req.Method]
	r.mu.RUnlock()

	if !ok {
		r.metrics.recordFailure(time.Since(start))
		return r.errorResponse(req.ID, connID, req.Method,
			cerrors.NotFoundf("method not found: %s", req.Method))
	}

	if err := r.checkNegotiated(connID, req.Method); err != nil {
		r.metrics.recordFailure(time.Since(start))
		return r.errorResponse(req.ID, connID, req.Method, err)
	}

	if err := r.validateParams(route.resolved, req.Params); err != nil {
		r.metrics.recordFailure(time.Since(start))
		return r.errorResponse(req.ID, connID, req.Method, err)
	}

	if err := r.checkCapabilities(route.Capabilities); err != nil {
		r.metrics.recordFailure(time.Since(start))
		return r.errorResponse(req.ID, connID, req.Method, err)
	}

	if route.RateLimit != nil {
		allowed, resetAt := r.limiter.Allow(connID+"|"+req.Method, route.RateLimit.Requests, route.RateLimit.Window)
		if !allowed {
			r.metrics.recordFailure(time.Since(start))
			return r.errorResponse(req.ID, connID, req.Method, cerrors.RateLimited(req.Method, resetAt))
		}
	}

	result, err := r.invoke(ctx, connID, route, req.Params)
	if err != nil {
		r.metrics.recordFailure(time.Since(start))
		return r.errorResponse(req.ID, connID, req.Method, err)
	}

	resp, err := protocol.NewResponse(req.ID, result)
	if err != nil {
		r.metrics.recordFailure(time.Since(start))
		return r.errorResponse(req.ID, connID, req.Method,
			cerrors.Wrap(err, cerrors.KindInternal, "failed to marshal result"))
	}

	r.metrics.recordSuccess(time.Since(start))
	return resp
}

// invoke races the handler against the route timeout. A handler panic is
// indistinguishable from a declared failure.
func (r *Router) invoke(ctx context.Context, connID string, route *boundRoute, params json.RawMessage) (interface{}, error) {
	budget := route.Timeout
	if budget <= 0 {
		budget = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: cerrors.Internalf("handler panic: %v", rec)}
			}
		}()
		result, err := route.Handler(ctx, connID, params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, cerrors.Timeoutf("request timed out after %s", budget).
				WithContext(&cerrors.Context{Method: route.Method, ConnectionID: connID, Component: "router"})
		}
		return nil, cerrors.Unavailablef("request cancelled")
	}
}

// handleNotification is fire-and-forget: an unknown method is logged and
// silently dropped, and handler failures are logged, never surfaced.
func (r *Router) handleNotification(ctx context.Context, connID string, note *protocol.Notification) {
	r.metrics.recordNotification(note.Method)

	r.mu.RLock()
	route, ok := r.notifications[note.Method]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("unknown notification", logging.String("method", note.Method))
		return
	}

	if err := r.validateParams(route.resolved, note.Params); err != nil {
		r.metrics.recordFailure(0)
		r.logger.Warn("notification validation failed",
			logging.String("method", note.Method), logging.ErrorField(err))
		return
	}

	if err := r.checkCapabilities(route.Capabilities); err != nil {
		r.metrics.recordFailure(0)
		r.logger.Warn("notification capability denied",
			logging.String("method", note.Method), logging.ErrorField(err))
		return
	}

	if err := route.Handler(ctx, connID, note.Params); err != nil {
		r.metrics.recordFailure(0)
		r.logger.Warn("notification handler failed",
			logging.String("method", note.Method), logging.ErrorField(err))
	}
}

func (r *Router) checkNegotiated(connID, method string) error {
	if r.negotiated == nil {
		return nil
	}
	if method == protocol.MethodInitialize || method == protocol.MethodPing {
		return nil
	}
	if !r.negotiated(connID) {
		return cerrors.NotInitialized("router").
			WithDetail(fmt.Sprintf("method %s requires a completed handshake", method))
	}
	return nil
}

// validateParams checks params against the route's resolved schema. A route
// with no schema passes params through as-is.
func (r *Router) validateParams(resolved *jsonschema.Resolved, params json.RawMessage) error {
	if resolved == nil {
		return nil
	}

	var value interface{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &value); err != nil {
			return cerrors.Wrap(err, cerrors.KindValidation, "params are not valid JSON")
		}
	} else {
		value = map[string]interface{}{}
	}

	if err := resolved.Validate(value); err != nil {
		return cerrors.Wrap(err, cerrors.KindValidation, "invalid params").WithDetail(err.Error())
	}
	return nil
}

func (r *Router) checkCapabilities(paths []string) error {
	for _, path := range paths {
		if !r.caps.Has(path) {
			return cerrors.Newf(cerrors.KindAuthorization, "capability not granted: %s", path)
		}
	}
	return nil
}

func (r *Router) errorResponse(id interface{}, connID, method string, err error) *protocol.Response {
	if e, ok := cerrors.As(err); ok && e.Context == nil {
		err = e.WithContext(&cerrors.Context{Method: method, ConnectionID: connID})
	}
	payload := cerrors.ToPayload(err)
	return &protocol.Response{
		JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: protocol.JSONRPCVersion},
		ID:             id,
		Error:          payload,
	}
}

func (r *Router) marshalResponse(resp *protocol.Response) []byte {
	if resp == nil {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("failed to marshal response", logging.ErrorField(err))
		fallback, _ := json.Marshal(protocol.NewErrorResponse(resp.ID, protocol.InternalError, "internal error", nil))
		return fallback
	}
	return data
}

// Metrics returns a read-only snapshot of the router counters.
func (r *Router) Metrics() Metrics {
	return r.metrics.snapshot()
}

// Capabilities returns the advertised capability tree.
func (r *Router) Capabilities() protocol.CapabilitySet {
	return r.caps
}
