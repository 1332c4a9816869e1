package server

import (
	"bytes"
	"context"
	"encoding/json"
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

// fakeTransport is an in-memory multi-connection transport that records
// outbound frames per connection.
type fakeTransport struct {
	mu        sync.Mutex
	handler   transport.Handler
	connected bool
	sent      map[string][][]byte
	conns     []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][][]byte)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	return f.SendTo(ctx, "default", data)
}

func (f *fakeTransport) SendTo(ctx context.Context, connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[connID] = append(f.sent[connID], data)
	return nil
}

func (f *fakeTransport) ConnectionIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.conns...)
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SetHandler(h transport.Handler) { f.handler = h }
func (f *fakeTransport) Kind() string                   { return "fake" }

func (f *fakeTransport) Metrics() transport.MetricsSnapshot {
	return transport.MetricsSnapshot{Kind: "fake"}
}

func (f *fakeTransport) sentTo(connID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent[connID]...)
}

// fakeToolProvider serves a fixed tool set and disclaims everything else.
type fakeToolProvider struct {
	tools []protocol.Tool
}

func (p *fakeToolProvider) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	return p.tools, nil
}

func (p *fakeToolProvider) CallTool(ctx context.Context, name string, args json.RawMessage) (*protocol.CallToolResult, error) {
	for _, tool := range p.tools {
		if tool.Name == name {
			return &protocol.CallToolResult{
				Content: []protocol.Content{{Type: "text", Text: "from " + tool.Description}},
			}, nil
		}
	}
	return nil, cerrors.NotFoundf("tool not found: %s", name)
}

type fakeResourceProvider struct {
	resources []protocol.Resource
}

func (p *fakeResourceProvider) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	return p.resources, nil
}

func (p *fakeResourceProvider) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	for _, res := range p.resources {
		if res.URI == uri {
			return &protocol.ReadResourceResult{
				Contents: []protocol.ResourceContents{{URI: uri, Text: res.Name}},
			}, nil
		}
	}
	return nil, cerrors.NotFoundf("resource not found: %s", uri)
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *fakeTransport) {
	t.Helper()

	ft := newFakeTransport()
	opts = append([]Option{
		WithLogger(logging.Nop()),
		WithInfo("test-server", "0.0.1"),
	}, opts...)

	srv, err := New(ft, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	return srv, ft
}

func sendRequest(t *testing.T, s *Server, connID string, id interface{}, method string, params interface{}) *protocol.Response {
	t.Helper()

	req, err := protocol.NewRequest(id, method, params)
	require.NoError(t, err)
	data, err := json.Marshal(req)
	require.NoError(t, err)

	out := s.OnMessage(context.Background(), connID, data)
	require.NotNil(t, out)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(out, &resp))
	return &resp
}

func handshake(t *testing.T, s *Server, connID string) {
	t.Helper()
	s.OnConnect(connID)
	resp := sendRequest(t, s, connID, 0, protocol.MethodInitialize, &protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		ClientInfo:      protocol.Info{Name: "test-client", Version: "0.0.1"},
	})
	require.Nil(t, resp.Error)
}

func TestConnectionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	srv.OnConnect("c1")
	info, ok := srv.Connection("c1")
	require.True(t, ok)
	assert.Equal(t, StatePending, info.State)
	assert.Equal(t, "fake", info.TransportKind)

	resp := sendRequest(t, srv, "c1", 1, protocol.MethodInitialize, &protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		ClientInfo:      protocol.Info{Name: "acme-cli", Version: "2.0"},
	})
	require.Nil(t, resp.Error)

	info, ok = srv.Connection("c1")
	require.True(t, ok)
	assert.Equal(t, StateNegotiated, info.State)
	assert.Equal(t, "acme-cli", info.ClientInfo.Name)
	assert.False(t, info.NegotiatedAt.IsZero())

	srv.OnDisconnect("c1", nil)
	_, ok = srv.Connection("c1")
	assert.False(t, ok)
}

func TestRequestsRejectedBeforeHandshake(t *testing.T) {
	srv, _ := newTestServer(t, WithToolProvider(&fakeToolProvider{}))
	srv.OnConnect("c1")

	resp := sendRequest(t, srv, "c1", 1, protocol.MethodListTools, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ServerNotInitialized, resp.Error.Code)

	// Ping stays available before the handshake.
	resp = sendRequest(t, srv, "c1", 2, protocol.MethodPing, nil)
	assert.Nil(t, resp.Error)
}

func TestListToolsMergesProviders(t *testing.T) {
	srv, _ := newTestServer(t,
		WithToolProvider(&fakeToolProvider{tools: []protocol.Tool{
			{Name: "alpha", Description: "first"},
			{Name: "shared", Description: "first"},
		}}),
		WithToolProvider(&fakeToolProvider{tools: []protocol.Tool{
			{Name: "beta", Description: "second"},
			{Name: "shared", Description: "second"},
		}}),
	)
	handshake(t, srv, "c1")

	resp := sendRequest(t, srv, "c1", 1, protocol.MethodListTools, nil)
	require.Nil(t, resp.Error)

	var result protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 3)

	byName := make(map[string]protocol.Tool)
	for _, tool := range result.Tools {
		byName[tool.Name] = tool
	}
	// On a name collision the earliest-registered provider wins.
	assert.Equal(t, "first", byName["shared"].Description)
}

func TestCallToolFirstMatchWins(t *testing.T) {
	srv, _ := newTestServer(t,
		WithToolProvider(&fakeToolProvider{tools: []protocol.Tool{{Name: "shared", Description: "first"}}}),
		WithToolProvider(&fakeToolProvider{tools: []protocol.Tool{
			{Name: "shared", Description: "second"},
			{Name: "only-second", Description: "second"},
		}}),
	)
	handshake(t, srv, "c1")

	resp := sendRequest(t, srv, "c1", 1, protocol.MethodCallTool,
		&protocol.CallToolParams{Name: "shared"})
	require.Nil(t, resp.Error)
	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "from first", result.Content[0].Text)

	// A tool only the second provider owns still resolves.
	resp = sendRequest(t, srv, "c1", 2, protocol.MethodCallTool,
		&protocol.CallToolParams{Name: "only-second"})
	require.Nil(t, resp.Error)
}

func TestCallUnknownTool(t *testing.T) {
	srv, _ := newTestServer(t, WithToolProvider(&fakeToolProvider{}))
	handshake(t, srv, "c1")

	resp := sendRequest(t, srv, "c1", 1, protocol.MethodCallTool,
		&protocol.CallToolParams{Name: "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.MethodNotFound, resp.Error.Code)
}

func TestReadUnknownResource(t *testing.T) {
	srv, _ := newTestServer(t, WithResourceProvider(&fakeResourceProvider{}))
	handshake(t, srv, "c1")

	resp := sendRequest(t, srv, "c1", 1, protocol.MethodReadResource,
		&protocol.ReadResourceParams{URI: "file:///nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ResourceNotFound, resp.Error.Code)
}

func TestProviderRoutesAbsentWithoutProviders(t *testing.T) {
	srv, _ := newTestServer(t)
	handshake(t, srv, "c1")

	resp := sendRequest(t, srv, "c1", 1, protocol.MethodListTools, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.MethodNotFound, resp.Error.Code)
}

func TestSubscriptionDeliveryAndCleanup(t *testing.T) {
	uri := "file:///watched.txt"
	srv, ft := newTestServer(t, WithResourceProvider(&fakeResourceProvider{
		resources: []protocol.Resource{{URI: uri, Name: "watched"}},
	}))
	handshake(t, srv, "c1")

	resp := sendRequest(t, srv, "c1", 1, protocol.MethodSubscribeResource,
		&protocol.SubscribeResourceParams{URI: uri})
	require.Nil(t, resp.Error)

	require.NoError(t, srv.NotifyResourceUpdated(context.Background(), uri))
	frames := ft.sentTo("c1")
	require.Len(t, frames, 1)
	assert.Contains(t, string(frames[0]), protocol.MethodResourceUpdated)
	assert.Contains(t, string(frames[0]), uri)

	// Disconnection drops the subscription; further updates go nowhere.
	srv.OnDisconnect("c1", nil)
	require.NoError(t, srv.NotifyResourceUpdated(context.Background(), uri))
	assert.Len(t, ft.sentTo("c1"), 1)
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	srv, ft := newTestServer(t, WithToolProvider(&fakeToolProvider{}))
	handshake(t, srv, "c1")
	handshake(t, srv, "c2")

	require.NoError(t, srv.NotifyToolsListChanged(context.Background()))
	assert.Len(t, ft.sentTo("c1"), 1)
	assert.Len(t, ft.sentTo("c2"), 1)
}

func TestPerMethodRateLimit(t *testing.T) {
	srv, _ := newTestServer(t,
		WithToolProvider(&fakeToolProvider{tools: []protocol.Tool{{Name: "t", Description: "d"}}}),
		WithRateLimit(protocol.MethodListTools, 2, time.Minute),
	)
	handshake(t, srv, "c1")

	for i := 1; i <= 2; i++ {
		resp := sendRequest(t, srv, "c1", i, protocol.MethodListTools, nil)
		assert.Nil(t, resp.Error)
	}
	resp := sendRequest(t, srv, "c1", 3, protocol.MethodListTools, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.RateLimitExceeded, resp.Error.Code)

	// Other methods on the same connection are unaffected.
	resp = sendRequest(t, srv, "c1", 4, protocol.MethodPing, nil)
	assert.Nil(t, resp.Error)
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv, ft := newTestServer(t)
	handshake(t, srv, "c1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = srv.Shutdown(time.Second)
		}()
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.False(t, ft.Connected())
}

func TestRequestsRejectedDuringShutdown(t *testing.T) {
	srv, _ := newTestServer(t)
	handshake(t, srv, "c1")
	require.NoError(t, srv.Shutdown(time.Second))

	resp := sendRequest(t, srv, "c1", 1, protocol.MethodPing, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ServiceUnavailable, resp.Error.Code)

	// Notifications are dropped silently.
	out := srv.OnMessage(context.Background(),
		"c1", []byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`))
	assert.Nil(t, out)
}

func TestHealthReport(t *testing.T) {
	srv, _ := newTestServer(t)
	handshake(t, srv, "c1")
	sendRequest(t, srv, "c1", 1, protocol.MethodPing, nil)

	health := srv.Health()
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Connected)
	assert.Equal(t, 1, health.Connections.Active)
	assert.GreaterOrEqual(t, health.Router.Requests, int64(2))

	require.NoError(t, srv.Shutdown(time.Second))
	assert.Equal(t, "stopping", srv.Health().Status)
}

func TestHealthCountsProviders(t *testing.T) {
	srv, _ := newTestServer(t,
		WithToolProvider(&fakeToolProvider{}),
		WithToolProvider(&fakeToolProvider{}),
		WithResourceProvider(&fakeResourceProvider{}),
	)

	var _ Checker = srv
	health := srv.Health()
	assert.Equal(t, 2, health.Providers.Tools)
	assert.Equal(t, 1, health.Providers.Resources)
	assert.Equal(t, 0, health.Providers.Prompts)
}

func TestLifecycleHooks(t *testing.T) {
	var started, stopped, cleaned bool
	ft := newFakeTransport()
	srv, err := New(ft,
		WithLogger(logging.Nop()),
		WithHooks(Hooks{
			OnStarted: func() { started = true },
			OnStopped: func() { stopped = true },
			Cleanup:   func(ctx context.Context) error { cleaned = true; return nil },
		}),
	)
	require.NoError(t, err)

	require.NoError(t, srv.Start(context.Background()))
	assert.True(t, started)

	require.NoError(t, srv.Shutdown(time.Second))
	assert.True(t, cleaned)
	assert.True(t, stopped)
}

func TestShutdownNotifiesConnections(t *testing.T) {
	srv, ft := newTestServer(t)
	handshake(t, srv, "c1")

	require.NoError(t, srv.Shutdown(time.Second))

	var found bool
	for _, frame := range ft.sentTo("c1") {
		if bytes.Contains(frame, []byte(protocol.MethodCancelled)) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSubscriptionTable(t *testing.T) {
	table := newSubscriptionTable()
	table.subscribe("c1", "a")
	table.subscribe("c2", "a")
	table.subscribe("c1", "b")

	assert.ElementsMatch(t, []string{"c1", "c2"}, table.subscribers("a"))
	assert.Equal(t, []string{"c1"}, table.subscribers("b"))

	table.unsubscribe("c1", "a")
	assert.Equal(t, []string{"c2"}, table.subscribers("a"))

	table.dropConn("c1")
	assert.Empty(t, table.subscribers("b"))

	// Unsubscribing something never subscribed is a no-op.
	table.unsubscribe("c9", "z")
}
