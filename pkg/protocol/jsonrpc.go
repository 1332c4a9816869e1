package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	// JSONRPCVersion is the supported JSON-RPC version tag carried by every message.
	JSONRPCVersion = "2.0"

	// Version is the conduit protocol version exchanged during the handshake.
	Version = "2025-03-26"
)

// JSONRPCMessage carries the fixed protocol version tag shared by all envelope types.
type JSONRPCMessage struct {
	JSONRPC string `json:"jsonrpc"`
}

// Request represents a JSON-RPC 2.0 request. The ID is chosen by the sender
// (string or integer) and correlation is purely by equality, scoped to one
// physical connection.
type Request struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewRequest creates a new JSON-RPC 2.0 request.
func NewRequest(id interface{}, method string, params interface{}) (*Request, error) {
	paramsJSON, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	return &Request{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Method:         method,
		Params:         paramsJSON,
	}, nil
}

// Response represents a JSON-RPC 2.0 response carrying exactly one of
// Result or Error.
type Response struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// NewResponse creates a new JSON-RPC 2.0 success response.
func NewResponse(id interface{}, result interface{}) (*Response, error) {
	resultJSON, err := marshalOptional(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Result:         resultJSON,
	}, nil
}

// NewErrorResponse creates a new JSON-RPC 2.0 error response.
func NewErrorResponse(id interface{}, code ErrorCode, message string, data interface{}) *Response {
	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Error: &ErrorPayload{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// Notification represents a JSON-RPC 2.0 notification. It carries no id and
// never produces a response.
type Notification struct {
	JSONRPCMessage
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewNotification creates a new JSON-RPC 2.0 notification.
func NewNotification(method string, params interface{}) (*Notification, error) {
	paramsJSON, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	return &Notification{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		Method:         method,
		Params:         paramsJSON,
	}, nil
}

// ErrorPayload represents a JSON-RPC 2.0 error object. Data carries the
// internal error kind/severity/context for diagnostics.
type ErrorPayload struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface so payloads can travel error chains.
func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func marshalOptional(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// The predicates below are the sole basis for message dispatch in every other
// component; no component inspects message shape ad hoc.

type probeMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorPayload   `json:"error"`
}

// IsRequest checks if a raw JSON message is a JSON-RPC 2.0 request: it has a
// method and an id field (possibly null).
func IsRequest(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	_, hasID := probe["id"]
	method, hasMethod := probe["method"]
	return hasID && hasMethod && len(method) > 2
}

// IsResponse checks if a raw JSON message is a JSON-RPC 2.0 response: it has
// the jsonrpc tag, an id, exactly one of result/error, and no method.
func IsResponse(data []byte) bool {
	var msg probeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	hasResult := len(msg.Result) > 0
	hasError := msg.Error != nil
	return msg.JSONRPC == JSONRPCVersion && msg.ID != nil && msg.Method == "" &&
		(hasResult != hasError)
}

// IsNotification checks if a raw JSON message is a JSON-RPC 2.0 notification:
// it has a method and no id field at all.
func IsNotification(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	_, hasID := probe["id"]
	method, hasMethod := probe["method"]
	return !hasID && hasMethod && len(method) > 2
}
