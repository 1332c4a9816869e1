package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-rpc/conduit-go/pkg/protocol"
)

func TestKindCodeMapping(t *testing.T) {
	tests := []struct {
		kind Kind
		code protocol.ErrorCode
	}{
		{KindValidation, protocol.InvalidParams},
		{KindNotFound, protocol.MethodNotFound},
		{KindAuthentication, protocol.AuthenticationRequired},
		{KindAuthorization, protocol.AuthorizationFailed},
		{KindRateLimit, protocol.RateLimitExceeded},
		{KindTimeout, protocol.RequestFailed},
		{KindServiceUnavailable, protocol.ServiceUnavailable},
		{KindResourceExhausted, protocol.ResourceUnavailable},
		{KindProtocol, protocol.InvalidRequest},
		{KindInternal, protocol.InternalError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.code, New(tt.kind, "x").Code())
		})
	}
}

func TestRetryableDefaults(t *testing.T) {
	assert.True(t, IsRetryable(Timeoutf("slow")))
	assert.True(t, IsRetryable(Unavailablef("down")))
	assert.True(t, IsRetryable(RateLimited("tools/call", time.Now())))

	assert.False(t, IsRetryable(Validationf("bad")))
	assert.False(t, IsRetryable(NotFoundf("missing")))
	assert.False(t, IsRetryable(Internalf("boom")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, KindServiceUnavailable, "dial failed")

	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsKind(err, KindServiceUnavailable))
}

func TestWithHelpersCopy(t *testing.T) {
	base := Internalf("boom")
	detailed := base.WithDetail("while flushing")

	assert.Empty(t, base.Detail)
	assert.Contains(t, detailed.Error(), "while flushing")

	withCtx := base.WithContext(&Context{Method: "ping"})
	assert.Nil(t, base.Context)
	require.NotNil(t, withCtx.Context)
	assert.False(t, withCtx.Context.Timestamp.IsZero())
}

func TestRateLimitedCarriesReset(t *testing.T) {
	resetAt := time.Now().Add(30 * time.Second)
	err := RateLimited("tools/call", resetAt)

	data, ok := err.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, resetAt.UTC().Format(time.RFC3339Nano), data["resetAt"])
}

func TestToPayloadOverrides(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		code protocol.ErrorCode
	}{
		{
			name: "tool execution failure",
			err:  Internalf("boom").WithContext(&Context{Operation: "tools/call"}),
			code: protocol.ToolExecutionError,
		},
		{
			name: "invalid tool call",
			err:  Validationf("bad args").WithContext(&Context{Operation: "tools/call"}),
			code: protocol.InvalidToolCall,
		},
		{
			name: "resource miss",
			err:  NotFoundf("no such uri").WithContext(&Context{Operation: "resources/read"}),
			code: protocol.ResourceNotFound,
		},
		{
			name: "not initialized",
			err:  NotInitialized("router"),
			code: protocol.ServerNotInitialized,
		},
		{
			name: "no override without operation",
			err:  Internalf("boom"),
			code: protocol.InternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := ToPayload(tt.err)
			require.NotNil(t, payload)
			assert.Equal(t, tt.code, payload.Code)
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	original := Timeoutf("request timed out").
		WithDetail("after 30s").
		WithContext(&Context{Method: "tools/call", ConnectionID: "c1"})

	payload := ToPayload(original)

	// The payload travels as JSON; simulate the wire hop.
	wire, err := jsonRoundTrip(payload)
	require.NoError(t, err)

	restored := FromPayload(wire)
	assert.Equal(t, KindTimeout, restored.Kind)
	assert.True(t, restored.Retryable)
	assert.Equal(t, "after 30s", restored.Detail)
	require.NotNil(t, restored.Context)
	assert.Equal(t, "tools/call", restored.Context.Method)
}

func TestFromPayloadWithoutDiagnostics(t *testing.T) {
	restored := FromPayload(&protocol.ErrorPayload{
		Code:    protocol.RateLimitExceeded,
		Message: "slow down",
	})

	assert.Equal(t, KindRateLimit, restored.Kind)
	assert.True(t, restored.Retryable)
}

func TestToPayloadPlainError(t *testing.T) {
	payload := ToPayload(fmt.Errorf("plain failure"))
	assert.Equal(t, protocol.InternalError, payload.Code)
	assert.Equal(t, "plain failure", payload.Message)
}

func jsonRoundTrip(p *protocol.ErrorPayload) (*protocol.ErrorPayload, error) {
	resp := protocol.NewErrorResponse(1, p.Code, p.Message, p.Data)
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	var decoded protocol.Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	return decoded.Error, nil
}
