package server

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
	"golang.org/x/sync/errgroup"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
	"github.com/conduit-rpc/conduit-go/pkg/router"
)

// ToolProvider exposes callable tools. CallTool must return a KindNotFound
// error for tools it does not own so the server can consult the next
// provider.
type ToolProvider interface {
	ListTools(ctx context.Context) ([]protocol.Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*protocol.CallToolResult, error)
}

// ResourceProvider exposes readable resources. ReadResource must return a
// KindNotFound error for URIs it does not own.
type ResourceProvider interface {
	ListResources(ctx context.Context) ([]protocol.Resource, error)
	ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error)
}

// PromptProvider exposes templated prompts. GetPrompt must return a
// KindNotFound error for prompts it does not own.
type PromptProvider interface {
	ListPrompts(ctx context.Context) ([]protocol.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error)
}

var (
	callToolSchema = &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"name":      {Type: "string"},
			"arguments": {},
		},
		Required: []string{"name"},
	}

	uriSchema = &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"uri": {Type: "string"},
		},
		Required: []string{"uri"},
	}

	getPromptSchema = &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"name": {Type: "string"},
			"arguments": {
				Type:                 "object",
				AdditionalProperties: &jsonschema.Schema{Type: "string"},
			},
		},
		Required: []string{"name"},
	}
)

// registerProviderRoutes installs the aggregation routes for every provider
// category the server carries. Categories with no providers register no
// routes, so calls to them fail with method-not-found.
func (s *Server) registerProviderRoutes() error {
	type reg struct {
		route  router.Route
		enable bool
	}

	regs := []reg{
		{router.Route{
			Method:       protocol.MethodListTools,
			Handler:      s.handleListTools,
			Capabilities: []string{protocol.CapabilityTools},
			RateLimit:    s.rateLimits[protocol.MethodListTools],
		}, len(s.tools) > 0},
		{router.Route{
			Method:       protocol.MethodCallTool,
			Handler:      s.handleCallTool,
			Schema:       callToolSchema,
			Capabilities: []string{protocol.CapabilityTools},
			RateLimit:    s.rateLimits[protocol.MethodCallTool],
			Timeout:      s.toolTimeout,
		}, len(s.tools) > 0},
		{router.Route{
			Method:       protocol.MethodListResources,
			Handler:      s.handleListResources,
			Capabilities: []string{protocol.CapabilityResources},
			RateLimit:    s.rateLimits[protocol.MethodListResources],
		}, len(s.resources) > 0},
		{router.Route{
			Method:       protocol.MethodReadResource,
			Handler:      s.handleReadResource,
			Schema:       uriSchema,
			Capabilities: []string{protocol.CapabilityResources},
			RateLimit:    s.rateLimits[protocol.MethodReadResource],
		}, len(s.resources) > 0},
		{router.Route{
			Method:       protocol.MethodSubscribeResource,
			Handler:      s.handleSubscribe,
			Schema:       uriSchema,
			Capabilities: []string{protocol.CapabilityResources, "resources.subscribe"},
		}, len(s.resources) > 0},
		{router.Route{
			Method:       protocol.MethodUnsubscribeResource,
			Handler:      s.handleUnsubscribe,
			Schema:       uriSchema,
			Capabilities: []string{protocol.CapabilityResources, "resources.subscribe"},
		}, len(s.resources) > 0},
		{router.Route{
			Method:       protocol.MethodListPrompts,
			Handler:      s.handleListPrompts,
			Capabilities: []string{protocol.CapabilityPrompts},
			RateLimit:    s.rateLimits[protocol.MethodListPrompts],
		}, len(s.prompts) > 0},
		{router.Route{
			Method:       protocol.MethodGetPrompt,
			Handler:      s.handleGetPrompt,
			Schema:       getPromptSchema,
			Capabilities: []string{protocol.CapabilityPrompts},
			RateLimit:    s.rateLimits[protocol.MethodGetPrompt],
		}, len(s.prompts) > 0},
	}

	for _, r := range regs {
		if !r.enable {
			continue
		}
		if err := s.router.Register(r.route); err != nil {
			return err
		}
	}
	return nil
}

// handleListTools queries every tool provider concurrently and merges the
// listings. On a name collision the earliest-registered provider wins.
func (s *Server) handleListTools(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
	lists := make([][]protocol.Tool, len(s.tools))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range s.tools {
		g.Go(func() error {
			tools, err := p.ListTools(gctx)
			if err != nil {
				return err
			}
			lists[i] = tools
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindInternal, "tool listing failed")
	}

	seen := make(map[string]bool)
	merged := make([]protocol.Tool, 0)
	for _, list := range lists {
		for _, tool := range list {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			merged = append(merged, tool)
		}
	}
	return &protocol.ListToolsResult{Tools: merged}, nil
}

// handleCallTool walks the providers in registration order; the first one
// that does not disclaim the tool settles the call.
func (s *Server) handleCallTool(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
	var p protocol.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindValidation, "invalid tool call params")
	}

	opCtx := &cerrors.Context{Method: protocol.MethodCallTool, ConnectionID: connID, Operation: "tools/call"}

	for _, provider := range s.tools {
		result, err := provider.CallTool(ctx, p.Name, p.Arguments)
		if err != nil {
			if cerrors.IsKind(err, cerrors.KindNotFound) {
				continue
			}
			if e, ok := cerrors.As(err); ok {
				return nil, e.WithContext(opCtx)
			}
			return nil, cerrors.Wrap(err, cerrors.KindInternal, "tool execution failed").WithContext(opCtx)
		}
		return result, nil
	}

	return nil, cerrors.NotFoundf("unknown tool: %s", p.Name).WithContext(opCtx)
}

func (s *Server) handleListResources(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
	lists := make([][]protocol.Resource, len(s.resources))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range s.resources {
		g.Go(func() error {
			resources, err := p.ListResources(gctx)
			if err != nil {
				return err
			}
			lists[i] = resources
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindInternal, "resource listing failed")
	}

	seen := make(map[string]bool)
	merged := make([]protocol.Resource, 0)
	for _, list := range lists {
		for _, res := range list {
			if seen[res.URI] {
				continue
			}
			seen[res.URI] = true
			merged = append(merged, res)
		}
	}
	return &protocol.ListResourcesResult{Resources: merged}, nil
}

func (s *Server) handleReadResource(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
	var p protocol.ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindValidation, "invalid read params")
	}

	opCtx := &cerrors.Context{Method: protocol.MethodReadResource, ConnectionID: connID, Operation: "resources/read"}

	for _, provider := range s.resources {
		result, err := provider.ReadResource(ctx, p.URI)
		if err != nil {
			if cerrors.IsKind(err, cerrors.KindNotFound) {
				continue
			}
			if e, ok := cerrors.As(err); ok {
				return nil, e.WithContext(opCtx)
			}
			return nil, cerrors.Wrap(err, cerrors.KindInternal, "resource read failed").WithContext(opCtx)
		}
		return result, nil
	}

	return nil, cerrors.NotFoundf("resource not found: %s", p.URI).WithContext(opCtx)
}

func (s *Server) handleSubscribe(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
	var p protocol.SubscribeResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindValidation, "invalid subscribe params")
	}
	s.subs.subscribe(connID, p.URI)
	return struct{}{}, nil
}

func (s *Server) handleUnsubscribe(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
	var p protocol.UnsubscribeResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindValidation, "invalid unsubscribe params")
	}
	s.subs.unsubscribe(connID, p.URI)
	return struct{}{}, nil
}

func (s *Server) handleListPrompts(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
	lists := make([][]protocol.Prompt, len(s.prompts))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range s.prompts {
		g.Go(func() error {
			prompts, err := p.ListPrompts(gctx)
			if err != nil {
				return err
			}
			lists[i] = prompts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindInternal, "prompt listing failed")
	}

	seen := make(map[string]bool)
	merged := make([]protocol.Prompt, 0)
	for _, list := range lists {
		for _, prompt := range list {
			if seen[prompt.Name] {
				continue
			}
			seen[prompt.Name] = true
			merged = append(merged, prompt)
		}
	}
	return &protocol.ListPromptsResult{Prompts: merged}, nil
}

func (s *Server) handleGetPrompt(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
	var p protocol.GetPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindValidation, "invalid prompt params")
	}

	for _, provider := range s.prompts {
		result, err := provider.GetPrompt(ctx, p.Name, p.Arguments)
		if err != nil {
			if cerrors.IsKind(err, cerrors.KindNotFound) {
				continue
			}
			return nil, err
		}
		return result, nil
	}

	return nil, cerrors.NotFoundf("prompt not found: %s", p.Name)
}
