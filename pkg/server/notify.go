package server

import (
	"context"
	"encoding/json"
	"sync"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/logging"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
	"github.com/conduit-rpc/conduit-go/pkg/transport"
)

// subscriptionTable tracks resource subscriptions per (connection, uri) with
// lookup in both directions.
type subscriptionTable struct {
	mu     sync.RWMutex
	byURI  map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{
		byURI:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

func (t *subscriptionTable) subscribe(connID, uri string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byURI[uri] == nil {
		t.byURI[uri] = make(map[string]struct{})
	}
	t.byURI[uri][connID] = struct{}{}

	if t.byConn[connID] == nil {
		t.byConn[connID] = make(map[string]struct{})
	}
	t.byConn[connID][uri] = struct{}{}
}

// unsubscribe is a no-op for a subscription that does not exist.
func (t *subscriptionTable) unsubscribe(connID, uri string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked(connID, uri)
}

// dropConn removes every subscription held by a departed connection.
func (t *subscriptionTable) dropConn(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for uri := range t.byConn[connID] {
		t.dropLocked(connID, uri)
	}
}

func (t *subscriptionTable) dropLocked(connID, uri string) {
	if conns := t.byURI[uri]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(t.byURI, uri)
		}
	}
	if uris := t.byConn[connID]; uris != nil {
		delete(uris, uri)
		if len(uris) == 0 {
			delete(t.byConn, connID)
		}
	}
}

func (t *subscriptionTable) subscribers(uri string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byURI[uri]))
	for connID := range t.byURI[uri] {
		out = append(out, connID)
	}
	return out
}

// NotifyResourceUpdated pushes a resource-updated notification to every
// subscriber of the URI. Per-connection delivery failures are logged, never
// fatal.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) error {
	data, err := marshalNotification(protocol.MethodResourceUpdated, &protocol.ResourceUpdatedParams{URI: uri})
	if err != nil {
		return err
	}
	for _, connID := range s.subs.subscribers(uri) {
		if err := s.sendTo(ctx, connID, data); err != nil {
			s.logger.Warn("resource update delivery failed",
				logging.String("conn", connID), logging.String("uri", uri), logging.ErrorField(err))
		}
	}
	return nil
}

// NotifyToolsListChanged broadcasts a tool-listing change to all connections.
func (s *Server) NotifyToolsListChanged(ctx context.Context) error {
	return s.broadcast(ctx, protocol.MethodToolsListChanged, nil)
}

// NotifyResourcesListChanged broadcasts a resource-listing change.
func (s *Server) NotifyResourcesListChanged(ctx context.Context) error {
	return s.broadcast(ctx, protocol.MethodResourcesListChanged, nil)
}

// NotifyPromptsListChanged broadcasts a prompt-listing change.
func (s *Server) NotifyPromptsListChanged(ctx context.Context) error {
	return s.broadcast(ctx, protocol.MethodPromptsListChanged, nil)
}

// NotifyLog relays a log message to all connections.
func (s *Server) NotifyLog(ctx context.Context, level, message string, data interface{}) error {
	return s.broadcast(ctx, protocol.MethodLogMessage, &protocol.LogParams{
		Level:   level,
		Message: message,
		Data:    data,
	})
}

func (s *Server) broadcast(ctx context.Context, method string, params interface{}) error {
	data, err := marshalNotification(method, params)
	if err != nil {
		return err
	}

	var firstErr error
	for _, connID := range s.conns.ids() {
		if err := s.sendTo(ctx, connID, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sendTo routes one outbound frame to a specific connection when the
// transport hosts many, falling back to the single channel otherwise.
func (s *Server) sendTo(ctx context.Context, connID string, data []byte) error {
	if mc, ok := s.transport.(transport.MultiConn); ok {
		return mc.SendTo(ctx, connID, data)
	}
	return s.transport.Send(ctx, data)
}

func marshalNotification(method string, params interface{}) ([]byte, error) {
	note, err := protocol.NewNotification(method, params)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindInternal, "failed to build notification")
	}
	data, err := json.Marshal(note)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindInternal, "failed to marshal notification")
	}
	return data, nil
}
