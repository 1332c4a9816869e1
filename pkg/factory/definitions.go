package factory

import (
	"bytes"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
	"github.com/conduit-rpc/conduit-go/pkg/transport"
)

// TransportDefinition is the declarative transport section shared by server
// and client definitions.
type TransportDefinition struct {
	Kind              string        `yaml:"kind"`
	Endpoint          string        `yaml:"endpoint,omitempty"`
	ListenAddress     string        `yaml:"listen_address,omitempty"`
	Path              string        `yaml:"path,omitempty"`
	EventStream       bool          `yaml:"event_stream,omitempty"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout,omitempty"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval,omitempty"`

	Reconnect *transport.ReconnectConfig `yaml:"reconnect,omitempty"`
	Retry     *transport.RetryConfig     `yaml:"retry,omitempty"`
}

func (d TransportDefinition) toConfig() transport.Config {
	cfg := transport.DefaultConfig(d.Kind)
	cfg.Endpoint = d.Endpoint
	cfg.ListenAddress = d.ListenAddress
	cfg.EventStream = d.EventStream
	if d.Path != "" {
		cfg.Path = d.Path
	}
	if d.ConnectTimeout > 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if d.KeepAliveInterval > 0 {
		cfg.KeepAliveInterval = d.KeepAliveInterval
	}
	if d.Reconnect != nil {
		cfg.Reconnect = *d.Reconnect
	}
	if d.Retry != nil {
		cfg.Retry = *d.Retry
	}
	return cfg
}

// ProviderRef names a registered provider constructor with its config block.
type ProviderRef struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config,omitempty"`
}

// RateLimitDefinition is a declarative fixed-window limit for one method.
type RateLimitDefinition struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ServerDefinition declares a complete server assembly.
type ServerDefinition struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`

	Transport TransportDefinition `yaml:"transport"`

	Capabilities map[string]interface{} `yaml:"capabilities,omitempty"`

	Tools     []ProviderRef `yaml:"tools,omitempty"`
	Resources []ProviderRef `yaml:"resources,omitempty"`
	Prompts   []ProviderRef `yaml:"prompts,omitempty"`

	RateLimits      map[string]RateLimitDefinition `yaml:"rate_limits,omitempty"`
	ToolTimeout     time.Duration                  `yaml:"tool_timeout,omitempty"`
	ShutdownTimeout time.Duration                  `yaml:"shutdown_timeout,omitempty"`
}

// Validate checks the definition for assembly-time errors. Malformed
// definitions fail here, before any constructor runs.
func (d *ServerDefinition) Validate() error {
	if d.Name == "" {
		return cerrors.Validationf("server definition requires a name")
	}
	if d.Version == "" {
		return cerrors.Validationf("server definition requires a version")
	}
	if len(d.Capabilities) == 0 {
		return cerrors.Validationf("server definition requires a non-empty capability set")
	}
	if err := validateTransport(d.Transport); err != nil {
		return err
	}
	for method, rl := range d.RateLimits {
		if rl.Requests <= 0 || rl.Window <= 0 {
			return cerrors.Validationf("rate limit for %s requires positive requests and window", method)
		}
	}
	for _, refs := range [][]ProviderRef{d.Tools, d.Resources, d.Prompts} {
		for _, ref := range refs {
			if ref.Type == "" {
				return cerrors.Validationf("provider reference requires a type")
			}
		}
	}
	return nil
}

// BreakerDefinition is the declarative circuit breaker section.
type BreakerDefinition struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	SuccessThreshold int           `yaml:"success_threshold,omitempty"`
	Cooldown         time.Duration `yaml:"cooldown,omitempty"`
}

// ClientDefinition declares a complete client assembly.
type ClientDefinition struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`

	Transport TransportDefinition `yaml:"transport"`

	Capabilities map[string]interface{} `yaml:"capabilities,omitempty"`

	CallTimeout time.Duration      `yaml:"call_timeout,omitempty"`
	Breaker     *BreakerDefinition `yaml:"breaker,omitempty"`
}

// Validate checks the definition for assembly-time errors.
func (d *ClientDefinition) Validate() error {
	if d.Name == "" {
		return cerrors.Validationf("client definition requires a name")
	}
	if d.Version == "" {
		return cerrors.Validationf("client definition requires a version")
	}
	if len(d.Capabilities) == 0 {
		return cerrors.Validationf("client definition requires a non-empty capability set")
	}
	if err := validateTransport(d.Transport); err != nil {
		return err
	}
	if d.Transport.Kind != transport.KindStdio && d.Transport.Endpoint == "" {
		return cerrors.Validationf("client transport requires an endpoint")
	}
	return nil
}

func validateTransport(d TransportDefinition) error {
	switch d.Kind {
	case transport.KindStdio:
		return nil
	case transport.KindSocket, transport.KindHTTP:
		if d.Endpoint == "" && d.ListenAddress == "" {
			return cerrors.Validationf("%s transport requires endpoint or listen_address", d.Kind)
		}
		return nil
	case "":
		return cerrors.Validationf("transport kind is required")
	default:
		return cerrors.Validationf("unknown transport kind: %s", d.Kind)
	}
}

// DefaultServerDefinition is a ready-to-edit stdio server template.
func DefaultServerDefinition(name string) ServerDefinition {
	return ServerDefinition{
		Name:            name,
		Version:         "0.1.0",
		Transport:       TransportDefinition{Kind: transport.KindStdio},
		Capabilities:    protocol.DefaultServerCapabilities(),
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultClientDefinition is a ready-to-edit stdio client template.
func DefaultClientDefinition(name string) ClientDefinition {
	return ClientDefinition{
		Name:         name,
		Version:      "0.1.0",
		Transport:    TransportDefinition{Kind: transport.KindStdio},
		Capabilities: protocol.DefaultClientCapabilities(),
	}
}

// LoadServerDefinition reads and validates a YAML server definition.
func LoadServerDefinition(path string) (*ServerDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindValidation, "cannot read definition").WithDetail(path)
	}
	return ParseServerDefinition(data)
}

// ParseServerDefinition decodes and validates a YAML server definition.
// Unknown fields are rejected.
func ParseServerDefinition(data []byte) (*ServerDefinition, error) {
	var def ServerDefinition
	if err := decodeStrict(data, &def); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadClientDefinition reads and validates a YAML client definition.
func LoadClientDefinition(path string) (*ClientDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindValidation, "cannot read definition").WithDetail(path)
	}
	return ParseClientDefinition(data)
}

// ParseClientDefinition decodes and validates a YAML client definition.
func ParseClientDefinition(data []byte) (*ClientDefinition, error) {
	var def ClientDefinition
	if err := decodeStrict(data, &def); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func decodeStrict(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return cerrors.Wrap(err, cerrors.KindValidation, "invalid definition YAML")
	}
	return nil
}
