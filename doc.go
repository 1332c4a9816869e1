// Package conduit implements a bidirectional remote-procedure protocol
// runtime for tool services.
//
// A conduit deployment pairs a server, which exposes callable tools, readable
// resources, and templated prompts through pluggable providers, with a client
// that correlates requests to responses over any of three wire bindings:
// newline-delimited standard streams, TCP sockets, or HTTP request/response
// with a server-sent-events push channel. The framework owns request
// correlation, capability negotiation, timeouts, rate limiting, circuit
// breaking, and reconnection, so services only implement providers.
//
// # Sub-packages
//
//   - pkg/protocol: message envelope, capability trees, method constants
//   - pkg/transport: the Transport contract and the three bindings
//   - pkg/router: dispatch, validation, capability checks, rate limits
//   - pkg/server: connection lifecycle, provider aggregation, shutdown
//   - pkg/client: correlation, circuit breaker, reconnection
//   - pkg/factory: declarative YAML definitions and the provider registry
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//
// # Serving
//
//	t, _ := conduit.NewTransport(transport.Config{Kind: transport.KindStdio})
//	srv, _ := conduit.NewServer(t,
//	    conduit.WithServerInfo("demo", "1.0.0"),
//	    conduit.WithToolProvider(myTools),
//	)
//	_ = srv.Run(context.Background())
//
// # Calling
//
//	t, _ := conduit.NewTransport(transport.Config{
//	    Kind:     transport.KindSocket,
//	    Endpoint: "localhost:9210",
//	})
//	c, _ := conduit.NewClient(t, conduit.WithClientInfo("demo-cli", "1.0.0"))
//	_ = c.Connect(ctx)
//	_, _ = c.Initialize(ctx)
//	tools, _ := c.ListTools(ctx)
//
// Servers are more often assembled from a YAML definition through
// pkg/factory; see cmd/conduit for the reference binary.
package conduit
