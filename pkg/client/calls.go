package client

import (
	"context"
	"encoding/json"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
)

// typedCall performs one call and decodes the result. The capability path,
// when non-empty, is asserted against the negotiated server tree before any
// wire traffic.
func typedCall[T any](c *Client, ctx context.Context, method, capability string, params interface{}) (*T, error) {
	if !c.initialized.Load() {
		return nil, cerrors.NotInitialized("client")
	}
	if capability != "" && !c.ServerCapabilities().Has(capability) {
		return nil, cerrors.Newf(cerrors.KindAuthorization, "server does not support %s", capability).
			WithContext(&cerrors.Context{Method: method, Component: "client"})
	}

	raw, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}

	var result T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, cerrors.Wrap(err, cerrors.KindProtocol, "invalid result").
				WithContext(&cerrors.Context{Method: method, Component: "client"})
		}
	}
	return &result, nil
}

// Ping checks liveness. It is permitted before the handshake.
func (c *Client) Ping(ctx context.Context) (*protocol.PingResult, error) {
	raw, err := c.call(ctx, protocol.MethodPing, nil)
	if err != nil {
		return nil, err
	}
	var result protocol.PingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindProtocol, "invalid ping result")
	}
	return &result, nil
}

// ListTools fetches the server's aggregated tool listing.
func (c *Client) ListTools(ctx context.Context) (*protocol.ListToolsResult, error) {
	return typedCall[protocol.ListToolsResult](c, ctx, protocol.MethodListTools, protocol.CapabilityTools, nil)
}

// CallTool invokes a named tool.
func (c *Client) CallTool(ctx context.Context, name string, args interface{}) (*protocol.CallToolResult, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindValidation, "failed to marshal tool arguments")
	}
	return typedCall[protocol.CallToolResult](c, ctx, protocol.MethodCallTool, protocol.CapabilityTools,
		&protocol.CallToolParams{Name: name, Arguments: rawArgs})
}

// ListResources fetches the server's aggregated resource listing.
func (c *Client) ListResources(ctx context.Context) (*protocol.ListResourcesResult, error) {
	return typedCall[protocol.ListResourcesResult](c, ctx, protocol.MethodListResources, protocol.CapabilityResources, nil)
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	return typedCall[protocol.ReadResourceResult](c, ctx, protocol.MethodReadResource, protocol.CapabilityResources,
		&protocol.ReadResourceParams{URI: uri})
}

// SubscribeResource subscribes to updates of one URI. Updates arrive through
// Events.OnResourceUpdated.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	_, err := typedCall[struct{}](c, ctx, protocol.MethodSubscribeResource, "resources.subscribe",
		&protocol.SubscribeResourceParams{URI: uri})
	return err
}

// UnsubscribeResource removes a subscription.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	_, err := typedCall[struct{}](c, ctx, protocol.MethodUnsubscribeResource, "resources.subscribe",
		&protocol.UnsubscribeResourceParams{URI: uri})
	return err
}

// ListPrompts fetches the server's aggregated prompt listing.
func (c *Client) ListPrompts(ctx context.Context) (*protocol.ListPromptsResult, error) {
	return typedCall[protocol.ListPromptsResult](c, ctx, protocol.MethodListPrompts, protocol.CapabilityPrompts, nil)
}

// GetPrompt renders one prompt template.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error) {
	return typedCall[protocol.GetPromptResult](c, ctx, protocol.MethodGetPrompt, protocol.CapabilityPrompts,
		&protocol.GetPromptParams{Name: name, Arguments: args})
}

// CreateMessage requests a sampled completion from the peer.
func (c *Client) CreateMessage(ctx context.Context, params *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error) {
	return typedCall[protocol.CreateMessageResult](c, ctx, protocol.MethodCreateMessage, protocol.CapabilitySampling, params)
}

// NotifyProgress reports progress for a long-running request.
func (c *Client) NotifyProgress(ctx context.Context, p *protocol.ProgressParams) error {
	return c.Notify(ctx, protocol.MethodProgress, p)
}

// NotifyCancelled announces best-effort cancellation of an in-flight request.
func (c *Client) NotifyCancelled(ctx context.Context, requestID interface{}, reason string) error {
	return c.Notify(ctx, protocol.MethodCancelled, &protocol.CancelledParams{RequestID: requestID, Reason: reason})
}
