package errors

import (
	"encoding/json"

	"github.com/conduit-rpc/conduit-go/pkg/protocol"
)

// kindCodes maps each internal error kind onto the fixed protocol
// enumeration. The mapping is 1:1 and applied only at the protocol boundary.
var kindCodes = map[Kind]protocol.ErrorCode{
	KindValidation:         protocol.InvalidParams,
	KindNotFound:           protocol.MethodNotFound,
	KindAuthentication:     protocol.AuthenticationRequired,
	KindAuthorization:      protocol.AuthorizationFailed,
	KindRateLimit:          protocol.RateLimitExceeded,
	KindTimeout:            protocol.RequestFailed,
	KindServiceUnavailable: protocol.ServiceUnavailable,
	KindResourceExhausted:  protocol.ResourceUnavailable,
	KindProtocol:           protocol.InvalidRequest,
	KindInternal:           protocol.InternalError,
}

var codeKinds = func() map[protocol.ErrorCode]Kind {
	m := make(map[protocol.ErrorCode]Kind, len(kindCodes))
	for kind, code := range kindCodes {
		m[code] = kind
	}
	// Codes without a dedicated kind collapse onto the nearest one.
	m[protocol.ParseError] = KindProtocol
	m[protocol.MethodNotFound] = KindNotFound
	m[protocol.ResourceNotFound] = KindNotFound
	m[protocol.ServerNotInitialized] = KindServiceUnavailable
	m[protocol.ToolExecutionError] = KindInternal
	m[protocol.InvalidToolCall] = KindValidation
	return m
}()

func codeForKind(kind Kind) protocol.ErrorCode {
	if code, ok := kindCodes[kind]; ok {
		return code
	}
	return protocol.InternalError
}

func kindForCode(code protocol.ErrorCode) Kind {
	if kind, ok := codeKinds[code]; ok {
		return kind
	}
	return KindInternal
}

// payloadData is the diagnostics block carried in ErrorPayload.Data.
type payloadData struct {
	Kind      Kind        `json:"kind"`
	Severity  Severity    `json:"severity"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail,omitempty"`
	Context   *Context    `json:"context,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// ToPayload converts any error into a wire ErrorPayload. Conduit errors map
// their kind onto the code enumeration; everything else becomes an internal
// error.
func ToPayload(err error) *protocol.ErrorPayload {
	if err == nil {
		return nil
	}

	if e, ok := As(err); ok {
		return &protocol.ErrorPayload{
			Code:    withCodeOverride(e),
			Message: e.Message,
			Data: &payloadData{
				Kind:      e.Kind,
				Severity:  e.Severity,
				Retryable: e.Retryable,
				Detail:    e.Detail,
				Context:   e.Context,
				Data:      e.Data,
			},
		}
	}

	return &protocol.ErrorPayload{
		Code:    protocol.InternalError,
		Message: err.Error(),
		Data: &payloadData{
			Kind:      KindInternal,
			Severity:  SeverityError,
			Retryable: false,
		},
	}
}

// codeOverrides refine the kind mapping for errors tagged with a specific
// operation in their context. tools/call failures surface as tool errors and
// resources/read misses as resource-not-found, per the code enumeration.
func withCodeOverride(e *Error) protocol.ErrorCode {
	if e.Context != nil {
		switch {
		case e.Context.Operation == "tools/call" && e.Kind == KindInternal:
			return protocol.ToolExecutionError
		case e.Context.Operation == "tools/call" && e.Kind == KindValidation:
			return protocol.InvalidToolCall
		case e.Context.Operation == "resources/read" && e.Kind == KindNotFound:
			return protocol.ResourceNotFound
		case e.Context.Operation == "initialize" && e.Kind == KindServiceUnavailable:
			return protocol.ServerNotInitialized
		}
	}
	return codeForKind(e.Kind)
}

// FromPayload reconstructs a conduit error from a wire ErrorPayload.
func FromPayload(p *protocol.ErrorPayload) *Error {
	if p == nil {
		return nil
	}

	e := &Error{
		Kind:      kindForCode(p.Code),
		Message:   p.Message,
		Severity:  SeverityError,
		Retryable: kindRetryable(kindForCode(p.Code)),
		Cause:     p,
	}

	// Recover the original kind/retryability from the diagnostics block when
	// the payload round-tripped through JSON.
	if raw, err := json.Marshal(p.Data); err == nil && len(raw) > 0 && string(raw) != "null" {
		var data payloadData
		if err := json.Unmarshal(raw, &data); err == nil && data.Kind != "" {
			e.Kind = data.Kind
			e.Retryable = data.Retryable
			e.Detail = data.Detail
			e.Context = data.Context
			if data.Severity != "" {
				e.Severity = data.Severity
			}
		}
	}

	return e
}

// NotInitialized is the error returned for calls attempted before a
// successful handshake.
func NotInitialized(component string) *Error {
	e := New(KindServiceUnavailable, "not initialized: complete the initialize handshake first")
	e.Retryable = false
	return e.WithContext(&Context{Component: component, Operation: "initialize"})
}
