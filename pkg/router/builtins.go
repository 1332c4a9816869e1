package router

import (
	"context"
	"encoding/json"
	"time"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/logging"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
)

// registerBuiltins installs the handshake and liveness routes every router
// serves, plus the standard notification hooks. Registration cannot fail
// here: the routes carry no schema.
func (r *Router) registerBuiltins() {
	_ = r.Register(Route{
		Method:  protocol.MethodInitialize,
		Handler: r.handleInitialize,
		Timeout: 10 * time.Second,
	})
	_ = r.Register(Route{
		Method:  protocol.MethodPing,
		Handler: r.handlePing,
		Timeout: 5 * time.Second,
	})

	_ = r.RegisterNotification(NotificationRoute{
		Method:  protocol.MethodLogMessage,
		Handler: r.handleLogNotification,
	})
	_ = r.RegisterNotification(NotificationRoute{
		Method:  protocol.MethodProgress,
		Handler: r.handleProgressNotification,
	})
	_ = r.RegisterNotification(NotificationRoute{
		Method:  protocol.MethodCancelled,
		Handler: r.handleCancelledNotification,
	})
}

func (r *Router) handleInitialize(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
	var p protocol.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, cerrors.Wrap(err, cerrors.KindValidation, "invalid initialize params")
		}
	}

	r.logger.Info("handshake",
		logging.String("conn", connID),
		logging.String("client", p.ClientInfo.Name),
		logging.String("version", p.ProtocolVersion))

	if r.onInitialize != nil {
		r.onInitialize(connID, &p)
	}

	return &protocol.InitializeResult{
		ProtocolVersion: protocol.Version,
		Capabilities:    r.caps,
		ServerInfo:      r.info,
	}, nil
}

func (r *Router) handlePing(ctx context.Context, connID string, params json.RawMessage) (interface{}, error) {
	return &protocol.PingResult{
		Timestamp:     time.Now().UnixMilli(),
		UptimeSeconds: time.Since(r.started).Seconds(),
		Status:        "ok",
	}, nil
}

func (r *Router) handleLogNotification(ctx context.Context, connID string, params json.RawMessage) error {
	var p protocol.LogParams
	if err := json.Unmarshal(params, &p); err != nil {
		return cerrors.Wrap(err, cerrors.KindValidation, "invalid log params")
	}
	if r.onLog != nil {
		r.onLog(connID, &p)
	}
	return nil
}

func (r *Router) handleProgressNotification(ctx context.Context, connID string, params json.RawMessage) error {
	var p protocol.ProgressParams
	if err := json.Unmarshal(params, &p); err != nil {
		return cerrors.Wrap(err, cerrors.KindValidation, "invalid progress params")
	}
	if r.onProgress != nil {
		r.onProgress(connID, &p)
	}
	return nil
}

func (r *Router) handleCancelledNotification(ctx context.Context, connID string, params json.RawMessage) error {
	var p protocol.CancelledParams
	if err := json.Unmarshal(params, &p); err != nil {
		return cerrors.Wrap(err, cerrors.KindValidation, "invalid cancelled params")
	}
	if r.onCancelled != nil {
		r.onCancelled(connID, &p)
	}
	return nil
}
