package factory

import (
	"context"
	"encoding/json"
	"sync"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
)

// ToolFunc executes one statically registered tool.
type ToolFunc func(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error)

// StaticToolProvider serves a fixed set of tools registered in code.
type StaticToolProvider struct {
	mu       sync.RWMutex
	tools    []protocol.Tool
	handlers map[string]ToolFunc
}

// NewStaticToolProvider creates an empty static tool provider.
func NewStaticToolProvider() *StaticToolProvider {
	return &StaticToolProvider{handlers: make(map[string]ToolFunc)}
}

// AddTool registers one tool. Re-adding a name replaces the handler.
func (p *StaticToolProvider) AddTool(tool protocol.Tool, fn ToolFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.handlers[tool.Name]; !exists {
		p.tools = append(p.tools, tool)
	}
	p.handlers[tool.Name] = fn
}

// ListTools implements the tool provider contract.
func (p *StaticToolProvider) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]protocol.Tool, len(p.tools))
	copy(out, p.tools)
	return out, nil
}

// CallTool implements the tool provider contract, disclaiming unknown names.
func (p *StaticToolProvider) CallTool(ctx context.Context, name string, args json.RawMessage) (*protocol.CallToolResult, error) {
	p.mu.RLock()
	fn, ok := p.handlers[name]
	p.mu.RUnlock()
	if !ok {
		return nil, cerrors.NotFoundf("tool %s not served here", name)
	}
	return fn(ctx, args)
}

// StaticResource pairs a resource descriptor with its fixed contents.
type StaticResource struct {
	Resource protocol.Resource
	Text     string
}

// StaticResourceProvider serves fixed text resources.
type StaticResourceProvider struct {
	mu        sync.RWMutex
	resources map[string]StaticResource
	order     []string
}

// NewStaticResourceProvider creates an empty static resource provider.
func NewStaticResourceProvider() *StaticResourceProvider {
	return &StaticResourceProvider{resources: make(map[string]StaticResource)}
}

// AddResource registers one resource keyed by URI.
func (p *StaticResourceProvider) AddResource(res protocol.Resource, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.resources[res.URI]; !exists {
		p.order = append(p.order, res.URI)
	}
	p.resources[res.URI] = StaticResource{Resource: res, Text: text}
}

// ListResources implements the resource provider contract.
func (p *StaticResourceProvider) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]protocol.Resource, 0, len(p.order))
	for _, uri := range p.order {
		out = append(out, p.resources[uri].Resource)
	}
	return out, nil
}

// ReadResource implements the resource provider contract.
func (p *StaticResourceProvider) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	p.mu.RLock()
	res, ok := p.resources[uri]
	p.mu.RUnlock()
	if !ok {
		return nil, cerrors.NotFoundf("resource %s not served here", uri)
	}
	return &protocol.ReadResourceResult{
		Contents: []protocol.ResourceContents{{
			URI:      uri,
			MimeType: res.Resource.MimeType,
			Text:     res.Text,
		}},
	}, nil
}

// PromptFunc renders one statically registered prompt.
type PromptFunc func(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error)

// StaticPromptProvider serves fixed prompt templates.
type StaticPromptProvider struct {
	mu       sync.RWMutex
	prompts  []protocol.Prompt
	handlers map[string]PromptFunc
}

// NewStaticPromptProvider creates an empty static prompt provider.
func NewStaticPromptProvider() *StaticPromptProvider {
	return &StaticPromptProvider{handlers: make(map[string]PromptFunc)}
}

// AddPrompt registers one prompt template.
func (p *StaticPromptProvider) AddPrompt(prompt protocol.Prompt, fn PromptFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.handlers[prompt.Name]; !exists {
		p.prompts = append(p.prompts, prompt)
	}
	p.handlers[prompt.Name] = fn
}

// ListPrompts implements the prompt provider contract.
func (p *StaticPromptProvider) ListPrompts(ctx context.Context) ([]protocol.Prompt, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]protocol.Prompt, len(p.prompts))
	copy(out, p.prompts)
	return out, nil
}

// GetPrompt implements the prompt provider contract.
func (p *StaticPromptProvider) GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error) {
	p.mu.RLock()
	fn, ok := p.handlers[name]
	p.mu.RUnlock()
	if !ok {
		return nil, cerrors.NotFoundf("prompt %s not served here", name)
	}
	return fn(ctx, args)
}
