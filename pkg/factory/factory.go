// Package factory assembles servers and clients from declarative
// definitions: transport, identity, providers, and policy come from a
// definition struct (usually loaded from YAML), and provider implementations
// are resolved through a registry of named constructors.
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conduit-rpc/conduit-go/pkg/client"
	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/logging"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
	"github.com/conduit-rpc/conduit-go/pkg/server"
	"github.com/conduit-rpc/conduit-go/pkg/transport"
)

// Factory builds servers and clients from definitions.
type Factory struct {
	registry *Registry
	logger   logging.Logger
}

// New creates a factory. A nil registry gets a fresh one with the built-in
// provider types registered.
func New(registry *Registry, logger logging.Logger) *Factory {
	if registry == nil {
		registry = NewRegistry()
		RegisterBuiltins(registry)
	}
	if logger == nil {
		logger = logging.Default("factory")
	}
	return &Factory{registry: registry, logger: logger}
}

// Registry returns the factory's provider registry.
func (f *Factory) Registry() *Registry {
	return f.registry
}

// NewServer assembles a server from a validated definition. Provider
// references that cannot be resolved are logged and skipped; they never fail
// the assembly. Extra options are applied after the definition-derived ones.
func (f *Factory) NewServer(def *ServerDefinition, extra ...server.Option) (*server.Server, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	logger := f.componentLogger(def.Name, def.LogLevel)

	cfg := def.Transport.toConfig()
	cfg.Logger = logger.WithFields(logging.String("component", "transport"))
	t, err := transport.New(cfg)
	if err != nil {
		return nil, err
	}

	opts := []server.Option{
		server.WithInfo(def.Name, def.Version),
		server.WithLogger(logger),
		server.WithCapabilities(protocol.CapabilitySet(def.Capabilities)),
	}
	for method, rl := range def.RateLimits {
		opts = append(opts, server.WithRateLimit(method, rl.Requests, rl.Window))
	}
	if def.ToolTimeout > 0 {
		opts = append(opts, server.WithToolTimeout(def.ToolTimeout))
	}
	if def.ShutdownTimeout > 0 {
		opts = append(opts, server.WithShutdownTimeout(def.ShutdownTimeout))
	}

	for _, ref := range def.Tools {
		p, err := f.registry.toolProvider(ref)
		if err != nil {
			f.logger.Warn("skipping unresolvable tool provider",
				logging.String("type", ref.Type), logging.ErrorField(err))
			continue
		}
		opts = append(opts, server.WithToolProvider(p))
	}
	for _, ref := range def.Resources {
		p, err := f.registry.resourceProvider(ref)
		if err != nil {
			f.logger.Warn("skipping unresolvable resource provider",
				logging.String("type", ref.Type), logging.ErrorField(err))
			continue
		}
		opts = append(opts, server.WithResourceProvider(p))
	}
	for _, ref := range def.Prompts {
		p, err := f.registry.promptProvider(ref)
		if err != nil {
			f.logger.Warn("skipping unresolvable prompt provider",
				logging.String("type", ref.Type), logging.ErrorField(err))
			continue
		}
		opts = append(opts, server.WithPromptProvider(p))
	}
	opts = append(opts, extra...)

	return server.New(t, opts...)
}

// NewClient assembles a client from a validated definition. Extra options
// are applied after the definition-derived ones.
func (f *Factory) NewClient(def *ClientDefinition, extra ...client.Option) (*client.Client, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	logger := f.componentLogger(def.Name, def.LogLevel)

	cfg := def.Transport.toConfig()
	cfg.Logger = logger.WithFields(logging.String("component", "transport"))
	t, err := transport.New(cfg)
	if err != nil {
		return nil, err
	}

	opts := []client.Option{
		client.WithInfo(def.Name, def.Version),
		client.WithLogger(logger),
		client.WithCapabilities(protocol.CapabilitySet(def.Capabilities)),
	}
	if def.CallTimeout > 0 {
		opts = append(opts, client.WithCallTimeout(def.CallTimeout))
	}
	if def.Breaker != nil {
		bc := client.BreakerConfig{
			Enabled:          def.Breaker.Enabled,
			FailureThreshold: def.Breaker.FailureThreshold,
			SuccessThreshold: def.Breaker.SuccessThreshold,
			Cooldown:         def.Breaker.Cooldown,
		}
		defaults := client.DefaultBreakerConfig()
		if bc.FailureThreshold <= 0 {
			bc.FailureThreshold = defaults.FailureThreshold
		}
		if bc.SuccessThreshold <= 0 {
			bc.SuccessThreshold = defaults.SuccessThreshold
		}
		if bc.Cooldown <= 0 {
			bc.Cooldown = defaults.Cooldown
		}
		opts = append(opts, client.WithBreaker(bc))
	}
	opts = append(opts, extra...)

	return client.New(t, opts...)
}

func (f *Factory) componentLogger(name, level string) logging.Logger {
	logger := logging.New(nil, nil).WithFields(logging.String("service", name))
	if level != "" {
		logger.SetLevel(logging.ParseLevel(level))
	}
	return logger
}

// RegisterBuiltins installs the provider types every registry understands:
// "static" resources and prompts defined entirely in the config block, and
// the "echo" diagnostic tool.
func RegisterBuiltins(reg *Registry) {
	reg.RegisterResourceProvider("static", newStaticResourcesFromConfig)
	reg.RegisterPromptProvider("static", newStaticPromptsFromConfig)
	reg.RegisterToolProvider("echo", newEchoToolProvider)
}

// newStaticResourcesFromConfig builds a static resource provider from a
// config block of the form:
//
//	resources:
//	  - uri: doc://greeting
//	    name: greeting
//	    mime_type: text/plain
//	    text: hello
func newStaticResourcesFromConfig(cfg map[string]interface{}) (server.ResourceProvider, error) {
	var parsed struct {
		Resources []struct {
			URI      string `json:"uri"`
			Name     string `json:"name"`
			MimeType string `json:"mime_type"`
			Text     string `json:"text"`
		} `json:"resources"`
	}
	if err := decodeConfig(cfg, &parsed); err != nil {
		return nil, err
	}

	p := NewStaticResourceProvider()
	for _, r := range parsed.Resources {
		if r.URI == "" {
			return nil, cerrors.Validationf("static resource requires a uri")
		}
		p.AddResource(protocol.Resource{
			URI:      r.URI,
			Name:     r.Name,
			MimeType: r.MimeType,
		}, r.Text)
	}
	return p, nil
}

// newStaticPromptsFromConfig builds a static prompt provider whose templates
// substitute {{name}} placeholders from the call arguments.
func newStaticPromptsFromConfig(cfg map[string]interface{}) (server.PromptProvider, error) {
	var parsed struct {
		Prompts []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Template    string `json:"template"`
		} `json:"prompts"`
	}
	if err := decodeConfig(cfg, &parsed); err != nil {
		return nil, err
	}

	p := NewStaticPromptProvider()
	for _, def := range parsed.Prompts {
		if def.Name == "" {
			return nil, cerrors.Validationf("static prompt requires a name")
		}
		template := def.Template
		p.AddPrompt(protocol.Prompt{Name: def.Name, Description: def.Description},
			func(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error) {
				text := template
				for k, v := range args {
					text = strings.ReplaceAll(text, "{{"+k+"}}", v)
				}
				return &protocol.GetPromptResult{
					Messages: []protocol.PromptMessage{{
						Role:    "user",
						Content: protocol.Content{Type: "text", Text: text},
					}},
				}, nil
			})
	}
	return p, nil
}

// newEchoToolProvider builds the diagnostic echo tool: it returns its
// arguments verbatim.
func newEchoToolProvider(cfg map[string]interface{}) (server.ToolProvider, error) {
	p := NewStaticToolProvider()
	p.AddTool(protocol.Tool{
		Name:        "echo",
		Description: "Returns its arguments verbatim.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
		text := string(args)
		if text == "" {
			text = "{}"
		}
		return &protocol.CallToolResult{
			Content: []protocol.Content{{Type: "text", Text: text}},
		}, nil
	})
	return p, nil
}

// decodeConfig round-trips a YAML-decoded map into a typed struct.
func decodeConfig(cfg map[string]interface{}, out interface{}) error {
	if cfg == nil {
		return nil
	}
	raw, err := json.Marshal(normalizeConfig(cfg))
	if err != nil {
		return cerrors.Wrap(err, cerrors.KindValidation, "invalid provider config")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return cerrors.Wrap(err, cerrors.KindValidation, "invalid provider config")
	}
	return nil
}

// normalizeConfig rewrites YAML's map[interface{}]interface{} values into
// JSON-encodable maps.
func normalizeConfig(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeConfig(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeConfig(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeConfig(item)
		}
		return out
	default:
		return val
	}
}

