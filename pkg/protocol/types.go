package protocol

import "encoding/json"

// Info identifies one side of a connection.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is sent by the client as the first application-level
// exchange on every connection.
type InitializeParams struct {
	ProtocolVersion string        `json:"protocolVersion"`
	Capabilities    CapabilitySet `json:"capabilities"`
	ClientInfo      Info          `json:"clientInfo"`
}

// InitializeResult is the server's handshake reply.
type InitializeResult struct {
	ProtocolVersion string        `json:"protocolVersion"`
	Capabilities    CapabilitySet `json:"capabilities"`
	ServerInfo      Info          `json:"serverInfo"`
}

// PingResult reports liveness.
type PingResult struct {
	Timestamp     int64   `json:"timestamp"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Status        string  `json:"status"`
}

// Tool describes one callable operation exposed by a tool provider.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the aggregated tool listing.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams invokes a named tool.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Content is one item of tool or prompt output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is a tool invocation outcome. IsError marks declared tool
// failures that are still successful protocol responses.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Resource describes one readable resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult is the aggregated resource listing.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ReadResourceParams selects a resource by URI.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ResourceContents is one block of resource content.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceResult carries the contents of one read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// SubscribeResourceParams subscribes the caller to updates of one URI.
type SubscribeResourceParams struct {
	URI string `json:"uri"`
}

// UnsubscribeResourceParams removes a subscription.
type UnsubscribeResourceParams struct {
	URI string `json:"uri"`
}

// ResourceUpdatedParams notifies subscribers that a resource changed.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// PromptArgument describes one templated prompt argument.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt describes one templated prompt.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ListPromptsResult is the aggregated prompt listing.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

// GetPromptParams selects a prompt by name with template arguments.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// PromptMessage is one rendered message of a prompt template.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// GetPromptResult carries a rendered prompt.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// SamplingMessage is one conversational message for sampling.
type SamplingMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// CreateMessageParams requests a sampled completion.
type CreateMessageParams struct {
	Messages     []SamplingMessage `json:"messages"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	MaxTokens    int               `json:"maxTokens,omitempty"`
	Temperature  float64           `json:"temperature,omitempty"`
}

// CreateMessageResult carries a sampled completion.
type CreateMessageResult struct {
	Role       string  `json:"role"`
	Content    Content `json:"content"`
	Model      string  `json:"model,omitempty"`
	StopReason string  `json:"stopReason,omitempty"`
}

// ProgressParams reports progress for a long-running request.
type ProgressParams struct {
	ProgressToken interface{} `json:"progressToken"`
	Progress      float64     `json:"progress"`
	Total         float64     `json:"total,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// CancelledParams announces best-effort cancellation of an in-flight request.
type CancelledParams struct {
	RequestID interface{} `json:"requestId,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// LogParams relays a log message over the wire.
type LogParams struct {
	Level   string      `json:"level"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
