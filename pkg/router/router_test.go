package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-rpc/conduit-go/pkg/logging"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
)

func testRouter(t *testing.T, opts ...Option) *Router {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	return New(opts...)
}

func dispatchRequest(t *testing.T, r *Router, id interface{}, method string, params interface{}) *protocol.Response {
	t.Helper()

	req, err := protocol.NewRequest(id, method, params)
	require.NoError(t, err)
	data, err := json.Marshal(req)
	require.NoError(t, err)

	out := r.Dispatch(context.Background(), "conn-1", data)
	require.NotNil(t, out, "requests always produce a response")

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(out, &resp))
	return &resp
}

func registerEcho(t *testing.T, r *Router, route Route) {
	t.Helper()
	if route.Handler == nil {
		route.Handler = func(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
			return map[string]string{"echo": "ok"}, nil
		}
	}
	require.NoError(t, r.Register(route))
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := testRouter(t)

	resp := dispatchRequest(t, r, 1, "no/such/method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.MethodNotFound, resp.Error.Code)
}

func TestDispatchInvalidJSON(t *testing.T) {
	r := testRouter(t)

	out := r.Dispatch(context.Background(), "conn-1", []byte(`{{{`))
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ParseError, resp.Error.Code)
}

func TestDispatchResponseGoesToSink(t *testing.T) {
	var got *protocol.Response
	r := testRouter(t, WithResponseSink(func(resp *protocol.Response) { got = resp }))

	out := r.Dispatch(context.Background(), "conn-1",
		[]byte(`{"jsonrpc":"2.0","id":42,"result":{"ok":true}}`))
	assert.Nil(t, out)
	require.NotNil(t, got)
	assert.Equal(t, float64(42), got.ID)
}

func TestBuiltinPing(t *testing.T) {
	r := testRouter(t)

	resp := dispatchRequest(t, r, 1, protocol.MethodPing, nil)
	require.Nil(t, resp.Error)

	var result protocol.PingResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "ok", result.Status)
	assert.NotZero(t, result.Timestamp)
}

func TestBuiltinInitialize(t *testing.T) {
	var negotiated string
	r := testRouter(t,
		WithInfo(protocol.Info{Name: "test-server", Version: "1.0"}),
		WithCapabilities(protocol.DefaultServerCapabilities()),
		WithInitializeHook(func(connID string, params *protocol.InitializeParams) {
			negotiated = connID
		}),
	)

	resp := dispatchRequest(t, r, 1, protocol.MethodInitialize, &protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		ClientInfo:      protocol.Info{Name: "test-client", Version: "1.0"},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "conn-1", negotiated)

	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "test-server", result.ServerInfo.Name)
	assert.Equal(t, protocol.Version, result.ProtocolVersion)
}

func TestPreHandshakePolicy(t *testing.T) {
	negotiated := map[string]bool{}
	r := testRouter(t, WithNegotiatedCheck(func(connID string) bool { return negotiated[connID] }))
	registerEcho(t, r, Route{Method: "tools/list"})

	// Before the handshake: ping passes, everything else is rejected.
	resp := dispatchRequest(t, r, 1, protocol.MethodPing, nil)
	assert.Nil(t, resp.Error)

	resp = dispatchRequest(t, r, 2, "tools/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ServerNotInitialized, resp.Error.Code)

	negotiated["conn-1"] = true
	resp = dispatchRequest(t, r, 3, "tools/list", nil)
	assert.Nil(t, resp.Error)
}

func TestCapabilityGating(t *testing.T) {
	r := testRouter(t, WithCapabilities(protocol.CapabilitySet{
		"tools": map[string]interface{}{"listChanged": true},
	}))
	registerEcho(t, r, Route{Method: "tools/list", Capabilities: []string{"tools"}})
	registerEcho(t, r, Route{Method: "resources/list", Capabilities: []string{"resources"}})
	registerEcho(t, r, Route{Method: "resources/subscribe", Capabilities: []string{"resources.subscribe"}})

	resp := dispatchRequest(t, r, 1, "tools/list", nil)
	assert.Nil(t, resp.Error)

	// The whole capability subtree is absent: both the bare path and any
	// nested path must be denied.
	resp = dispatchRequest(t, r, 2, "resources/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.AuthorizationFailed, resp.Error.Code)

	resp = dispatchRequest(t, r, 3, "resources/subscribe", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.AuthorizationFailed, resp.Error.Code)
}

func TestSchemaValidation(t *testing.T) {
	r := testRouter(t)
	registerEcho(t, r, Route{
		Method: "items/get",
		Schema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"name": {Type: "string"},
			},
			Required: []string{"name"},
		},
	})

	resp := dispatchRequest(t, r, 1, "items/get", map[string]interface{}{"name": "a"})
	assert.Nil(t, resp.Error)

	resp = dispatchRequest(t, r, 2, "items/get", map[string]interface{}{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)

	resp = dispatchRequest(t, r, 3, "items/get", map[string]interface{}{"name": 7})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)
}

func TestRateLimitWindow(t *testing.T) {
	r := testRouter(t)
	registerEcho(t, r, Route{
		Method:    "limited/op",
		RateLimit: &RateLimit{Requests: 3, Window: 200 * time.Millisecond},
	})

	// N requests pass, request N+1 is rejected with the reset time.
	for i := 1; i <= 3; i++ {
		resp := dispatchRequest(t, r, i, "limited/op", nil)
		assert.Nil(t, resp.Error, "request %d within the window", i)
	}

	resp := dispatchRequest(t, r, 4, "limited/op", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.RateLimitExceeded, resp.Error.Code)

	data, err := json.Marshal(resp.Error.Data)
	require.NoError(t, err)
	assert.Contains(t, string(data), "resetAt")

	// After expiry the window admits again.
	time.Sleep(250 * time.Millisecond)
	resp = dispatchRequest(t, r, 5, "limited/op", nil)
	assert.Nil(t, resp.Error)
}

func TestRateLimitIsPerConnection(t *testing.T) {
	r := testRouter(t)
	registerEcho(t, r, Route{
		Method:    "limited/op",
		RateLimit: &RateLimit{Requests: 1, Window: time.Minute},
	})

	req, err := protocol.NewRequest(1, "limited/op", nil)
	require.NoError(t, err)
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var a, b protocol.Response
	require.NoError(t, json.Unmarshal(r.Dispatch(context.Background(), "conn-a", data), &a))
	require.NoError(t, json.Unmarshal(r.Dispatch(context.Background(), "conn-b", data), &b))
	assert.Nil(t, a.Error)
	assert.Nil(t, b.Error)
}

func TestHandlerTimeout(t *testing.T) {
	r := testRouter(t)
	require.NoError(t, r.Register(Route{
		Method:  "slow/op",
		Timeout: 50 * time.Millisecond,
		Handler: func(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	start := time.Now()
	resp := dispatchRequest(t, r, 1, "slow/op", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.RequestFailed, resp.Error.Code)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	r := testRouter(t)
	require.NoError(t, r.Register(Route{
		Method: "broken/op",
		Handler: func(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
			panic("handler bug")
		},
	}))

	resp := dispatchRequest(t, r, 1, "broken/op", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InternalError, resp.Error.Code)
}

func TestUnknownNotificationIsSilent(t *testing.T) {
	r := testRouter(t)

	out := r.Dispatch(context.Background(), "conn-1",
		[]byte(`{"jsonrpc":"2.0","method":"no/such/notification","params":{}}`))
	assert.Nil(t, out)
}

func TestNotificationHandlerFailureIsSilent(t *testing.T) {
	r := testRouter(t)
	require.NoError(t, r.RegisterNotification(NotificationRoute{
		Method: "custom/event",
		Handler: func(ctx context.Context, connID string, params json.RawMessage) error {
			return assert.AnError
		},
	}))

	out := r.Dispatch(context.Background(), "conn-1",
		[]byte(`{"jsonrpc":"2.0","method":"custom/event","params":{}}`))
	assert.Nil(t, out)
}

func TestProgressAndCancelledHooks(t *testing.T) {
	var progress *protocol.ProgressParams
	var cancelled *protocol.CancelledParams
	r := testRouter(t,
		WithProgressHook(func(connID string, p *protocol.ProgressParams) { progress = p }),
		WithCancelledHook(func(connID string, p *protocol.CancelledParams) { cancelled = p }),
	)

	r.Dispatch(context.Background(), "conn-1",
		[]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"t1","progress":0.4}}`))
	require.NotNil(t, progress)
	assert.Equal(t, 0.4, progress.Progress)

	r.Dispatch(context.Background(), "conn-1",
		[]byte(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7,"reason":"user"}}`))
	require.NotNil(t, cancelled)
	assert.Equal(t, "user", cancelled.Reason)
}

func TestMetricsCounters(t *testing.T) {
	r := testRouter(t)
	registerEcho(t, r, Route{Method: "ok/op"})

	dispatchRequest(t, r, 1, "ok/op", nil)
	dispatchRequest(t, r, 2, "missing/op", nil)
	r.Dispatch(context.Background(), "conn-1",
		[]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"x","progress":1}}`))

	m := r.Metrics()
	assert.Equal(t, int64(2), m.Requests)
	assert.Equal(t, int64(1), m.Notifications)
	assert.Equal(t, int64(1), m.Successes)
	assert.Equal(t, int64(1), m.Failures)
	assert.Equal(t, int64(1), m.PerMethod["ok/op"])
	assert.InDelta(t, 0.5, m.ErrorRate(), 0.001)
}

func TestRegisterValidation(t *testing.T) {
	r := testRouter(t)

	assert.Error(t, r.Register(Route{}))
	assert.Error(t, r.Register(Route{Method: "x"}))
	assert.Error(t, r.RegisterNotification(NotificationRoute{Method: "y"}))
}
