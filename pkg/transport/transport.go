// Package transport provides the conduit transport layer: an abstract
// bidirectional channel with three bindings (stdio line stream, socket
// stream, HTTP request/response) created from a unified config.
//
// Usage:
//
//	cfg := transport.DefaultConfig(transport.KindSocket)
//	cfg.Endpoint = "localhost:9210"
//	t, err := transport.New(cfg)
package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/conduit-rpc/conduit-go/pkg/logging"
)

// Handler is the typed callback set a transport owner registers. Each fully
// parsed inbound message, connect, disconnect, and transport error is
// delivered through it. OnMessage may return a reply, which the transport
// writes back on the same connection (the response body for the HTTP
// binding).
type Handler interface {
	OnMessage(ctx context.Context, connID string, data []byte) []byte
	OnConnect(connID string)
	OnDisconnect(connID string, reason error)
	OnError(err error)
}

// Transport is the abstract bidirectional channel contract.
type Transport interface {
	// Connect establishes the channel (or starts listening in server mode).
	Connect(ctx context.Context) error

	// Disconnect tears the channel down. Calling it on a disconnected
	// transport is a no-op.
	Disconnect(ctx context.Context) error

	// Send transmits one serialized message.
	Send(ctx context.Context, data []byte) error

	// Connected reports whether the channel is up.
	Connected() bool

	// SetHandler registers the owner's callback set. Must be called before
	// Connect.
	SetHandler(h Handler)

	// Kind identifies the binding ("stdio", "socket", "http").
	Kind() string

	// Metrics returns a read-only snapshot of the transport counters.
	Metrics() MetricsSnapshot
}

// MultiConn is implemented by listening-mode transports hosting many
// independent connections.
type MultiConn interface {
	// SendTo transmits one message on a specific connection.
	SendTo(ctx context.Context, connID string, data []byte) error

	// ConnectionIDs lists the currently tracked connections.
	ConnectionIDs() []string
}

// MetricsSnapshot is a read-only view of a transport's counters.
type MetricsSnapshot struct {
	Kind         string
	Sent         int64
	Received     int64
	Errors       int64
	LastActivity time.Time
}

// Binding kinds.
const (
	KindStdio  = "stdio"
	KindSocket = "socket"
	KindHTTP   = "http"
)

// ReconnectConfig controls socket client reconnection.
type ReconnectConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
}

// RetryConfig controls the HTTP client retry policy.
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
}

// Config is the unified configuration for all bindings.
type Config struct {
	// Kind of binding to create.
	Kind string `json:"kind" yaml:"kind"`

	// Endpoint is the remote address (socket client) or URL (HTTP client).
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// ListenAddress puts socket/HTTP bindings in listening-server mode.
	ListenAddress string `json:"listen_address,omitempty" yaml:"listen_address,omitempty"`

	// Path is the HTTP endpoint path (default "/rpc").
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// ConnectTimeout bounds dialing.
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// KeepAliveInterval enables the periodic idle check when positive; a
	// heartbeat is sent if the channel has been idle beyond IdleThreshold.
	KeepAliveInterval time.Duration `json:"keep_alive_interval" yaml:"keep_alive_interval"`
	IdleThreshold     time.Duration `json:"idle_threshold" yaml:"idle_threshold"`

	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`

	// EventStream enables the HTTP server-push notification stream.
	EventStream bool `json:"event_stream" yaml:"event_stream"`

	// Reader/Writer override the stdio streams (testing).
	Reader io.Reader `json:"-" yaml:"-"`
	Writer io.Writer `json:"-" yaml:"-"`

	Logger logging.Logger `json:"-" yaml:"-"`
}

// ErrUnsupportedKind is returned for unknown binding kinds.
var ErrUnsupportedKind = errors.New("unsupported transport kind")

// ErrReconnectExhausted is delivered through Handler.OnError when a socket
// client has used up its reconnection budget. It is terminal: the transport
// will not try again.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// DefaultConfig returns a configuration with sensible defaults for the
// given binding kind.
func DefaultConfig(kind string) Config {
	return Config{
		Kind:           kind,
		Path:           "/rpc",
		ConnectTimeout: 10 * time.Second,
		Reconnect: ReconnectConfig{
			Enabled:     true,
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
	}
}

// New creates a transport for the configured binding.
func New(cfg Config) (Transport, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("transport." + cfg.Kind)
	}
	if cfg.Path == "" {
		cfg.Path = "/rpc"
	}

	switch cfg.Kind {
	case KindStdio:
		return newStdioTransport(cfg), nil
	case KindSocket:
		return newSocketTransport(cfg), nil
	case KindHTTP:
		return newHTTPTransport(cfg), nil
	default:
		return nil, ErrUnsupportedKind
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Kind {
	case KindStdio:
		return nil
	case KindSocket, KindHTTP:
		if cfg.Endpoint == "" && cfg.ListenAddress == "" {
			return errors.New("endpoint or listen_address is required for " + cfg.Kind + " transport")
		}
		return nil
	default:
		return ErrUnsupportedKind
	}
}
