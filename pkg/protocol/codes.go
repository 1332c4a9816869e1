package protocol

// ErrorCode is a numeric JSON-RPC error code.
type ErrorCode int

// Standard error codes as per JSON-RPC 2.0 specification.
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603
)

// Conduit-specific error codes. Internal error kinds are mapped 1:1 onto this
// enumeration at the protocol boundary.
const (
	// ServerNotInitialized indicates a call was attempted before the
	// initialize handshake completed.
	ServerNotInitialized ErrorCode = -32000
	// RequestFailed indicates a request handler failed.
	RequestFailed ErrorCode = -32001
	// ResourceNotFound indicates a requested resource was not found.
	ResourceNotFound ErrorCode = -32002
	// ResourceUnavailable indicates a resource is temporarily unavailable.
	ResourceUnavailable ErrorCode = -32003
	// ToolExecutionError indicates a tool handler failed during execution.
	ToolExecutionError ErrorCode = -32004
	// InvalidToolCall indicates a malformed tool invocation.
	InvalidToolCall ErrorCode = -32005
	// AuthenticationRequired indicates the caller must authenticate.
	AuthenticationRequired ErrorCode = -32010
	// AuthorizationFailed indicates the caller lacks a required capability
	// or permission.
	AuthorizationFailed ErrorCode = -32011
	// RateLimitExceeded indicates a per-method rate limit was exceeded.
	RateLimitExceeded ErrorCode = -32020
	// ServiceUnavailable indicates the service cannot handle the call,
	// typically because the connection is down or shutting down.
	ServiceUnavailable ErrorCode = -32030
)

var errorCodeNames = map[ErrorCode]string{
	ParseError:             "ParseError",
	InvalidRequest:         "InvalidRequest",
	MethodNotFound:         "MethodNotFound",
	InvalidParams:          "InvalidParams",
	InternalError:          "InternalError",
	ServerNotInitialized:   "ServerNotInitialized",
	RequestFailed:          "RequestFailed",
	ResourceNotFound:       "ResourceNotFound",
	ResourceUnavailable:    "ResourceUnavailable",
	ToolExecutionError:     "ToolExecutionError",
	InvalidToolCall:        "InvalidToolCall",
	AuthenticationRequired: "AuthenticationRequired",
	AuthorizationFailed:    "AuthorizationFailed",
	RateLimitExceeded:      "RateLimitExceeded",
	ServiceUnavailable:     "ServiceUnavailable",
}

// String returns the symbolic name of an error code.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return "UnknownError"
}
