package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/logging"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
	"github.com/conduit-rpc/conduit-go/pkg/transport"
)

// scriptedTransport is an in-memory transport. Outbound requests are pushed
// to the requests channel; the optional respond hook produces the peer's
// answer, delivered back through the handler.
type scriptedTransport struct {
	mu        sync.Mutex
	handler   transport.Handler
	connected bool
	sent      int

	requests chan protocol.Request
	respond  func(req protocol.Request) *protocol.Response
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{requests: make(chan protocol.Request, 16)}
}

func (s *scriptedTransport) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *scriptedTransport) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *scriptedTransport) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	s.sent++
	respond := s.respond
	s.mu.Unlock()

	var req protocol.Request
	if err := json.Unmarshal(data, &req); err == nil && req.Method != "" {
		select {
		case s.requests <- req:
		default:
		}
		if respond != nil {
			if resp := respond(req); resp != nil {
				s.deliver(resp)
			}
		}
	}
	return nil
}

func (s *scriptedTransport) deliver(resp *protocol.Response) {
	data, _ := json.Marshal(resp)
	s.handler.OnMessage(context.Background(), "peer", data)
}

func (s *scriptedTransport) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *scriptedTransport) SetHandler(h transport.Handler) { s.handler = h }
func (s *scriptedTransport) Kind() string                   { return "fake" }

func (s *scriptedTransport) Metrics() transport.MetricsSnapshot {
	return transport.MetricsSnapshot{Kind: "fake"}
}

func (s *scriptedTransport) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func okResult(req protocol.Request, result interface{}) *protocol.Response {
	resp, _ := protocol.NewResponse(req.ID, result)
	return resp
}

// answerHandshake serves initialize with the given capability tree and echoes
// ping; everything else gets an empty result.
func answerHandshake(caps protocol.CapabilitySet) func(req protocol.Request) *protocol.Response {
	return func(req protocol.Request) *protocol.Response {
		switch req.Method {
		case protocol.MethodInitialize:
			return okResult(req, &protocol.InitializeResult{
				ProtocolVersion: protocol.Version,
				Capabilities:    caps,
				ServerInfo:      protocol.Info{Name: "scripted-server", Version: "1.0"},
			})
		case protocol.MethodPing:
			return okResult(req, &protocol.PingResult{Status: "ok"})
		default:
			return okResult(req, struct{}{})
		}
	}
}

func newTestClient(t *testing.T, st *scriptedTransport, opts ...Option) *Client {
	t.Helper()

	opts = append([]Option{
		WithLogger(logging.Nop()),
		WithInfo("test-client", "0.0.1"),
	}, opts...)

	c, err := New(st, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func initializedClient(t *testing.T, st *scriptedTransport, opts ...Option) *Client {
	t.Helper()
	st.respond = answerHandshake(protocol.DefaultServerCapabilities())
	c := newTestClient(t, st, opts...)
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)
	// Drain the handshake traffic so tests reading st.requests synchronize
	// with their own calls rather than the stale initialize request.
	for len(st.requests) > 0 {
		<-st.requests
	}
	return c
}

func TestCallBeforeInitializeRejectedLocally(t *testing.T) {
	st := newScriptedTransport()
	c := newTestClient(t, st)

	_, err := c.Call(context.Background(), protocol.MethodListTools, nil)
	require.Error(t, err)
	assert.True(t, cerrors.IsKind(err, cerrors.KindServiceUnavailable))
	// The rejection happens before any wire traffic.
	assert.Equal(t, 0, st.sentCount())

	_, err = c.ListTools(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, st.sentCount())
}

func TestPingAllowedBeforeInitialize(t *testing.T) {
	st := newScriptedTransport()
	st.respond = answerHandshake(nil)
	c := newTestClient(t, st)

	result, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
}

func TestInitializeRecordsServerIdentity(t *testing.T) {
	st := newScriptedTransport()
	c := initializedClient(t, st)

	assert.True(t, c.Initialized())
	assert.Equal(t, "scripted-server", c.ServerInfo().Name)
	assert.True(t, c.ServerCapabilities().Has("tools"))
}

func TestCapabilityGateBlocksUnsupportedCalls(t *testing.T) {
	st := newScriptedTransport()
	st.respond = answerHandshake(protocol.CapabilitySet{
		"tools": map[string]interface{}{},
	})
	c := newTestClient(t, st)
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	before := st.sentCount()
	_, err = c.ListPrompts(context.Background())
	require.Error(t, err)
	assert.True(t, cerrors.IsKind(err, cerrors.KindAuthorization))
	assert.Equal(t, before, st.sentCount())

	_, err = c.ListTools(context.Background())
	assert.NoError(t, err)
}

func TestOutOfOrderCorrelation(t *testing.T) {
	st := newScriptedTransport()
	c := initializedClient(t, st)
	st.respond = nil

	type outcome struct {
		method string
		raw    json.RawMessage
		err    error
	}
	results := make(chan outcome, 2)
	for _, method := range []string{"first/op", "second/op"} {
		go func() {
			raw, err := c.Call(context.Background(), method, nil)
			results <- outcome{method: method, raw: raw, err: err}
		}()
	}

	reqs := map[string]protocol.Request{}
	for range 2 {
		req := <-st.requests
		reqs[req.Method] = req
	}

	// Answer in reverse order of submission; each call still gets its own
	// result.
	st.deliver(okResult(reqs["second/op"], map[string]string{"from": "second/op"}))
	st.deliver(okResult(reqs["first/op"], map[string]string{"from": "first/op"}))

	for range 2 {
		out := <-results
		require.NoError(t, out.err)
		assert.Contains(t, string(out.raw), out.method)
	}
}

func TestDuplicateResponseIsDropped(t *testing.T) {
	st := newScriptedTransport()
	c := initializedClient(t, st)
	st.respond = nil

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "some/op", nil)
		done <- err
	}()

	req := <-st.requests
	st.deliver(okResult(req, struct{}{}))
	require.NoError(t, <-done)

	// The second copy finds no pending call and must not block or panic.
	st.deliver(okResult(req, struct{}{}))
}

func TestCallTimeout(t *testing.T) {
	st := newScriptedTransport()
	c := initializedClient(t, st, WithCallTimeout(50*time.Millisecond))
	st.respond = nil

	_, err := c.Call(context.Background(), "slow/op", nil)
	require.Error(t, err)
	assert.True(t, cerrors.IsKind(err, cerrors.KindTimeout))
	assert.True(t, cerrors.IsRetryable(err))
}

func TestErrorResponseSurfacesKind(t *testing.T) {
	st := newScriptedTransport()
	c := initializedClient(t, st)
	st.respond = func(req protocol.Request) *protocol.Response {
		payload := cerrors.ToPayload(cerrors.Validationf("bad argument"))
		return &protocol.Response{
			JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: protocol.JSONRPCVersion},
			ID:             req.ID,
			Error:          payload,
		}
	}

	_, err := c.Call(context.Background(), "some/op", nil)
	require.Error(t, err)
	assert.True(t, cerrors.IsKind(err, cerrors.KindValidation))
	assert.False(t, cerrors.IsRetryable(err))
}

func TestDisconnectRejectsPending(t *testing.T) {
	st := newScriptedTransport()
	c := initializedClient(t, st)
	st.respond = nil

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "some/op", nil)
		done <- err
	}()
	<-st.requests

	require.NoError(t, c.Disconnect(context.Background()))
	err := <-done
	require.Error(t, err)
	assert.False(t, cerrors.IsRetryable(err))

	// The client is closed for good.
	_, err = c.Call(context.Background(), protocol.MethodPing, nil)
	assert.Error(t, err)
	assert.NoError(t, c.Disconnect(context.Background()))
}

func TestConnectionLossRejectsPendingAsNonRetryable(t *testing.T) {
	st := newScriptedTransport()
	c := initializedClient(t, st)
	st.respond = nil

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "some/op", nil)
		done <- err
	}()
	<-st.requests

	// The request may already have executed on the peer; resending it
	// blindly is not safe.
	c.OnDisconnect("peer", fmt.Errorf("broken pipe"))
	err := <-done
	require.Error(t, err)
	assert.True(t, cerrors.IsKind(err, cerrors.KindServiceUnavailable))
	assert.False(t, cerrors.IsRetryable(err))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	st := newScriptedTransport()
	c := initializedClient(t, st,
		WithCallTimeout(20*time.Millisecond),
		WithBreaker(BreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Cooldown:         time.Hour,
		}),
	)
	st.respond = nil

	for range 2 {
		_, err := c.Call(context.Background(), "dead/op", nil)
		require.Error(t, err)
	}

	before := st.sentCount()
	_, err := c.Call(context.Background(), "dead/op", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, before, st.sentCount())
}

func TestReconnectExhaustedIsTerminal(t *testing.T) {
	st := newScriptedTransport()
	var exhausted error
	c := initializedClient(t, st, WithEvents(Events{
		OnReconnectExhausted: func(err error) { exhausted = err },
	}))
	st.respond = nil

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "some/op", nil)
		done <- err
	}()
	<-st.requests

	c.OnError(fmt.Errorf("socket: %w", transport.ErrReconnectExhausted))

	err := <-done
	require.Error(t, err)
	assert.False(t, cerrors.IsRetryable(err))
	assert.ErrorIs(t, exhausted, transport.ErrReconnectExhausted)
	assert.False(t, c.Initialized())
}

func TestReconnectTriggersRehandshake(t *testing.T) {
	st := newScriptedTransport()
	c := initializedClient(t, st)

	c.OnDisconnect("peer", fmt.Errorf("connection reset"))
	c.OnConnect("peer")

	require.Eventually(t, func() bool {
		return c.Initialized()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "scripted-server", c.ServerInfo().Name)
}

func TestServerPushNotifications(t *testing.T) {
	st := newScriptedTransport()
	var (
		mu      sync.Mutex
		updated []string
		toolsCh int
	)
	c := initializedClient(t, st, WithEvents(Events{
		OnResourceUpdated: func(uri string) {
			mu.Lock()
			updated = append(updated, uri)
			mu.Unlock()
		},
		OnToolsListChanged: func() {
			mu.Lock()
			toolsCh++
			mu.Unlock()
		},
	}))

	c.OnMessage(context.Background(), "peer",
		[]byte(`{"jsonrpc":"2.0","method":"notifications/resources/updated","params":{"uri":"file:///a"}}`))
	c.OnMessage(context.Background(), "peer",
		[]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"file:///a"}, updated)
	assert.Equal(t, 1, toolsCh)
}

// recordingTracer captures the spans the client opens around calls.
type recordingTracer struct {
	mu      sync.Mutex
	started []string
	errs    []error
}

func (r *recordingTracer) StartCall(ctx context.Context, method string) (context.Context, func(error)) {
	r.mu.Lock()
	r.started = append(r.started, method)
	r.mu.Unlock()
	return ctx, func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	}
}

func TestTracerWrapsEveryCall(t *testing.T) {
	rt := &recordingTracer{}
	st := newScriptedTransport()
	c := initializedClient(t, st, WithTracer(rt))

	_, err := c.Ping(context.Background())
	require.NoError(t, err)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, []string{protocol.MethodInitialize, protocol.MethodPing}, rt.started)
	require.Len(t, rt.errs, 2)
	assert.NoError(t, rt.errs[0])
	assert.NoError(t, rt.errs[1])
}

func TestClientMetricsTrackOutcomes(t *testing.T) {
	st := newScriptedTransport()
	c := initializedClient(t, st)

	_, err := c.Ping(context.Background())
	require.NoError(t, err)

	st.respond = func(req protocol.Request) *protocol.Response {
		return &protocol.Response{
			JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: protocol.JSONRPCVersion},
			ID:             req.ID,
			Error: &protocol.ErrorPayload{
				Code:    protocol.InvalidParams,
				Message: "bad params",
			},
		}
	}
	_, err = c.Call(context.Background(), protocol.MethodListTools, nil)
	require.Error(t, err)

	m := c.Metrics()
	assert.Equal(t, int64(3), m.Requests) // initialize, ping, tools/list
	assert.Equal(t, int64(2), m.Successes)
	assert.Equal(t, int64(1), m.Failures)
	assert.Equal(t, int64(1), m.PerMethod[protocol.MethodPing])
	assert.Greater(t, m.AvgLatency, time.Duration(0))
	assert.False(t, m.LastActivity.IsZero())
}

func TestIDKeyNormalization(t *testing.T) {
	// A locally generated int64 id and the same id decoded from JSON as
	// float64 must collapse to one key.
	assert.Equal(t, idKey(int64(1000000)), idKey(float64(1000000)))
	assert.Equal(t, "7", idKey(float64(7)))
	assert.Equal(t, "abc", idKey("abc"))
	assert.Equal(t, "1.5", idKey(float64(1.5)))
	assert.Equal(t, "42", idKey(json.Number("42")))
}
