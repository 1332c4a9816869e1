package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
)

const maxHTTPBody = 4 * 1024 * 1024

// Pinned sessions that stop POSTing and hold no event stream are swept after
// the idle timeout so their bookkeeping does not outlive the caller.
const (
	sessionIdleTimeout   = 5 * time.Minute
	sessionSweepInterval = time.Minute
)

// HTTPTransport is the stateless request/response binding: one message per
// call body, one response body per call. Client mode wraps each call in a
// retry policy; server mode listens on a configurable address/path and
// accepts only POST submissions. When the event stream is enabled, a GET on
// the same path upgrades to a server-sent-events session used for
// server-pushed notifications.
type HTTPTransport struct {
	base
	cfg Config

	client    *http.Client
	sessionID string
	postURL   string

	server    *http.Server
	closing   atomic.Bool
	streamCtx context.CancelFunc
	sweepStop chan struct{}

	sessionsMu sync.RWMutex
	sessions   map[string]*sseSession
	known      map[string]time.Time
}

type sseSession struct {
	msgs chan []byte
	done chan struct{}
}

func newHTTPTransport(cfg Config) *HTTPTransport {
	t := &HTTPTransport{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.ConnectTimeout},
		sessions: make(map[string]*sseSession),
		known:    make(map[string]time.Time),
	}
	t.init(KindHTTP, cfg.Logger)
	return t
}

func (t *HTTPTransport) serverMode() bool {
	return t.cfg.ListenAddress != ""
}

// Connect prepares the client session (and opens the notification stream if
// enabled) or starts the listening server.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.Connected() {
		return nil
	}
	if t.serverMode() {
		return t.listen()
	}

	t.sessionID = uuid.NewString()
	u, err := url.Parse(t.cfg.Endpoint)
	if err != nil {
		return cerrors.Wrap(err, cerrors.KindValidation, "invalid endpoint URL").WithDetail(t.cfg.Endpoint)
	}
	q := u.Query()
	q.Set("session", t.sessionID)
	u.RawQuery = q.Encode()
	t.postURL = u.String()

	t.connected.Store(true)
	t.emitConnect(t.sessionID)

	if t.cfg.EventStream {
		streamCtx, cancel := context.WithCancel(context.Background())
		t.streamCtx = cancel
		go t.streamLoop(streamCtx)
	}
	return nil
}

// Send performs one outer call wrapped in the retry policy. The call's
// response body, if present, is treated as an inbound message.
func (t *HTTPTransport) Send(ctx context.Context, data []byte) error {
	if t.serverMode() {
		return t.broadcast(ctx, data)
	}
	if !t.Connected() {
		return cerrors.Unavailablef("http transport not connected")
	}

	var respBody []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.postURL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			respBody = body
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("http status %d", resp.StatusCode))
		default:
			return fmt.Errorf("http status %d", resp.StatusCode)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.Retry.InitialDelay
	bo.MaxInterval = t.cfg.Retry.MaxDelay
	bo.MaxElapsedTime = 0

	maxRetries := uint64(0)
	if t.cfg.Retry.MaxAttempts > 1 {
		maxRetries = uint64(t.cfg.Retry.MaxAttempts - 1)
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)); err != nil {
		t.markError()
		return cerrors.Wrap(err, cerrors.KindServiceUnavailable, "http request failed")
	}

	t.markSent()
	if len(respBody) > 0 && json.Valid(respBody) {
		t.markReceived()
		t.emitMessage(ctx, t.sessionID, respBody)
	}
	return nil
}

// streamLoop consumes the server-sent notification stream.
func (t *HTTPTransport) streamLoop(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.postURL, nil)
	if err != nil {
		t.emitError(cerrors.Wrap(err, cerrors.KindInternal, "event stream request failed"))
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	// No overall timeout: the stream is long-lived.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		t.emitError(cerrors.Wrap(err, cerrors.KindServiceUnavailable, "event stream connect failed"))
		return
	}
	defer resp.Body.Close()

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			if !t.closing.Load() {
				t.emitError(cerrors.Wrap(err, cerrors.KindServiceUnavailable, "event stream read failed"))
			}
			return
		}
		if ev.Type != "message" || !json.Valid([]byte(ev.Data)) {
			continue
		}
		t.markReceived()
		t.emitMessage(ctx, t.sessionID, []byte(ev.Data))
	}
}

func (t *HTTPTransport) listen() error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.Path, t.handleHTTP)

	t.server = &http.Server{
		Addr:              t.cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	t.connected.Store(true)
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.connected.Store(false)
			t.emitError(cerrors.Wrap(err, cerrors.KindServiceUnavailable, "http listen failed"))
		}
	}()

	t.sweepStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(sessionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.sweepStop:
				return
			case now := <-ticker.C:
				t.sweepIdleSessions(now.Add(-sessionIdleTimeout))
			}
		}
	}()
	return nil
}

func (t *HTTPTransport) handleHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		if t.cfg.EventStream {
			t.handleStream(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost parses each incoming call body as one message, invokes the
// handler synchronously, and writes the handler's return value (if any) as
// the call's response body.
func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHTTPBody))
	if err != nil {
		t.markError()
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !json.Valid(body) {
		t.markError()
		resp := protocol.NewErrorResponse(nil, protocol.ParseError, "parse error: invalid JSON", nil)
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	connID, ephemeral := t.sessionFor(r)
	if ephemeral {
		// The connection lives exactly as long as this request.
		defer t.emitDisconnect(connID, nil)
	}
	t.markReceived()

	reply := t.emitMessage(r.Context(), connID, body)
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(reply); err == nil {
		t.markSent()
	}
}

// handleStream upgrades a GET into a server-sent-events session carrying
// server-pushed notifications for the caller's session.
func (t *HTTPTransport) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		t.markError()
		http.Error(w, "failed to upgrade session", http.StatusInternalServerError)
		return
	}

	connID, _ := t.sessionFor(r)
	s := &sseSession{msgs: make(chan []byte, 64), done: make(chan struct{})}

	t.sessionsMu.Lock()
	t.sessions[connID] = s
	t.sessionsMu.Unlock()

	// Tell the client where to submit messages for this session.
	endpoint := sse.Message{Type: sse.Type("endpoint")}
	endpoint.AppendData(fmt.Sprintf("%s?session=%s", t.cfg.Path, connID))
	if err := sess.Send(&endpoint); err == nil {
		_ = sess.Flush()
	}

	defer func() {
		t.sessionsMu.Lock()
		delete(t.sessions, connID)
		delete(t.known, connID)
		t.sessionsMu.Unlock()
		close(s.done)
		t.emitDisconnect(connID, nil)
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-s.msgs:
			ev := sse.Message{Type: sse.Type("message")}
			ev.AppendData(string(msg))
			if err := sess.Send(&ev); err != nil {
				t.markError()
				return
			}
			if err := sess.Flush(); err != nil {
				t.markError()
				return
			}
			t.markSent()
		}
	}
}

// sessionFor resolves the caller's session id and reports new sessions as
// connections. Callers presenting no session id get an ephemeral one that is
// not tracked; the caller of sessionFor owns its disconnect.
func (t *HTTPTransport) sessionFor(r *http.Request) (connID string, ephemeral bool) {
	id := r.URL.Query().Get("session")
	if id == "" {
		id = uuid.NewString()
		t.emitConnect(id)
		return id, true
	}

	t.sessionsMu.Lock()
	_, seen := t.known[id]
	t.known[id] = time.Now()
	t.sessionsMu.Unlock()

	if !seen {
		t.emitConnect(id)
	}
	return id, false
}

// sweepIdleSessions drops bookkeeping for pinned sessions that went quiet
// before the cutoff without an event stream to signal their departure.
func (t *HTTPTransport) sweepIdleSessions(cutoff time.Time) {
	t.sessionsMu.Lock()
	var expired []string
	for id, seen := range t.known {
		if _, streaming := t.sessions[id]; streaming {
			continue
		}
		if seen.Before(cutoff) {
			delete(t.known, id)
			expired = append(expired, id)
		}
	}
	t.sessionsMu.Unlock()

	for _, id := range expired {
		t.emitDisconnect(id, nil)
	}
}

// SendTo pushes one message onto a session's event stream.
func (t *HTTPTransport) SendTo(ctx context.Context, connID string, data []byte) error {
	t.sessionsMu.RLock()
	s, ok := t.sessions[connID]
	t.sessionsMu.RUnlock()
	if !ok {
		return cerrors.NotFoundf("no event stream for session %s", connID)
	}

	select {
	case s.msgs <- data:
		return nil
	case <-s.done:
		return cerrors.Unavailablef("session %s closed", connID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *HTTPTransport) broadcast(ctx context.Context, data []byte) error {
	var firstErr error
	for _, id := range t.ConnectionIDs() {
		if err := t.SendTo(ctx, id, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ConnectionIDs lists sessions with an active event stream.
func (t *HTTPTransport) ConnectionIDs() []string {
	t.sessionsMu.RLock()
	defer t.sessionsMu.RUnlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Disconnect stops the client stream or shuts the listening server down.
// Repeated calls are no-ops.
func (t *HTTPTransport) Disconnect(ctx context.Context) error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	t.stopKeepAlive()
	t.connected.Store(false)

	if t.streamCtx != nil {
		t.streamCtx()
	}
	if t.sweepStop != nil {
		close(t.sweepStop)
	}

	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			return cerrors.Wrap(err, cerrors.KindInternal, "http server shutdown failed")
		}
	}

	if !t.serverMode() && t.sessionID != "" {
		t.emitDisconnect(t.sessionID, nil)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
