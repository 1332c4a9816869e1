package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/logging"
)

// SocketTransport carries one newline-framed message per line over a
// long-lived TCP connection. It runs either as a connecting client with
// bounded exponential-backoff reconnection, or as a listening server
// accepting many independent connections, each tracked by its own generated
// connection id.
type SocketTransport struct {
	base
	cfg Config

	// client mode
	connMu   sync.Mutex
	conn     net.Conn
	writer   *bufio.Writer
	clientID string
	closing  atomic.Bool

	// server mode
	listener net.Listener
	connsMu  sync.RWMutex
	conns    map[string]*socketConn
}

type socketConn struct {
	conn    net.Conn
	writer  *bufio.Writer
	writeMu sync.Mutex
}

func newSocketTransport(cfg Config) *SocketTransport {
	t := &SocketTransport{
		cfg:   cfg,
		conns: make(map[string]*socketConn),
	}
	t.init(KindSocket, cfg.Logger)
	return t
}

func (t *SocketTransport) serverMode() bool {
	return t.cfg.ListenAddress != ""
}

// Connect dials the endpoint (client mode) or starts the accept loop
// (server mode).
func (t *SocketTransport) Connect(ctx context.Context) error {
	if t.Connected() {
		return nil
	}
	if t.serverMode() {
		return t.listen()
	}
	return t.dial(ctx)
}

func (t *SocketTransport) dialTimeout() time.Duration {
	if t.cfg.ConnectTimeout > 0 {
		return t.cfg.ConnectTimeout
	}
	return 10 * time.Second
}

func (t *SocketTransport) dial(ctx context.Context) error {
	dialer := net.Dialer{Timeout: t.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.Endpoint)
	if err != nil {
		t.markError()
		return cerrors.Wrap(err, cerrors.KindServiceUnavailable, "socket dial failed").
			WithDetail(t.cfg.Endpoint)
	}

	t.attach(conn)

	if t.cfg.KeepAliveInterval > 0 {
		t.startKeepAlive(t.cfg.KeepAliveInterval, t.cfg.IdleThreshold, t.heartbeat, func(err error) {
			t.connMu.Lock()
			c := t.conn
			t.connMu.Unlock()
			if c != nil {
				_ = c.Close()
			}
		})
	}
	return nil
}

// attach installs a live client connection and starts its read loop.
func (t *SocketTransport) attach(conn net.Conn) {
	id := uuid.NewString()

	t.connMu.Lock()
	t.conn = conn
	t.writer = bufio.NewWriter(conn)
	t.clientID = id
	t.connMu.Unlock()

	t.connected.Store(true)
	t.emitConnect(id)
	go t.clientReadLoop(conn, id)
}

func (t *SocketTransport) clientReadLoop(conn net.Conn, connID string) {
	err := t.scanLines(conn, connID)

	t.connected.Store(false)
	t.emitDisconnect(connID, err)

	if !t.closing.Load() && t.cfg.Reconnect.Enabled {
		t.reconnectLoop()
	}
}

// reconnectBackoff yields the delay schedule BaseDelay*2^(n-1) capped at
// MaxDelay.
func reconnectBackoff(cfg ReconnectConfig) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = cfg.MaxDelay
	bo.MaxElapsedTime = 0
	return bo
}

// reconnectLoop retries the dial with exponential backoff for at most
// MaxAttempts attempts.
func (t *SocketTransport) reconnectLoop() {
	bo := reconnectBackoff(t.cfg.Reconnect)

	maxAttempts := t.cfg.Reconnect.MaxAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if t.closing.Load() {
			return
		}

		delay := bo.NextBackOff()
		t.logger.Info("scheduling reconnect",
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay))
		time.Sleep(delay)

		if t.closing.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout())
		err := t.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		t.logger.Warn("reconnect attempt failed",
			logging.Int("attempt", attempt),
			logging.ErrorField(err))
	}

	t.emitError(cerrors.Wrap(ErrReconnectExhausted, cerrors.KindServiceUnavailable,
		"max reconnect attempts exceeded").WithDetail(t.cfg.Endpoint))
}

func (t *SocketTransport) listen() error {
	listener, err := net.Listen("tcp", t.cfg.ListenAddress)
	if err != nil {
		t.markError()
		return cerrors.Wrap(err, cerrors.KindServiceUnavailable, "socket listen failed").
			WithDetail(t.cfg.ListenAddress)
	}

	t.listener = listener
	t.connected.Store(true)
	go t.acceptLoop(listener)
	return nil
}

func (t *SocketTransport) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.closing.Load() {
				return
			}
			t.emitError(cerrors.Wrap(err, cerrors.KindServiceUnavailable, "socket accept failed"))
			return
		}

		id := uuid.NewString()
		sc := &socketConn{conn: conn, writer: bufio.NewWriter(conn)}

		t.connsMu.Lock()
		t.conns[id] = sc
		t.connsMu.Unlock()

		t.emitConnect(id)
		go t.serveConn(sc, id)
	}
}

func (t *SocketTransport) serveConn(sc *socketConn, connID string) {
	err := t.scanLines(sc.conn, connID)

	t.connsMu.Lock()
	delete(t.conns, connID)
	t.connsMu.Unlock()
	_ = sc.conn.Close()
	t.emitDisconnect(connID, err)
}

// scanLines reads newline-framed messages from conn until EOF or error.
// Empty lines are peer heartbeats; malformed lines are dropped.
func (t *SocketTransport) scanLines(conn net.Conn, connID string) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	ctx := context.Background()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			t.touch()
			continue
		}

		data := make([]byte, len(line))
		copy(data, line)

		if !json.Valid(data) {
			t.logger.Warn("dropping malformed frame", logging.String("conn", connID))
			t.emitError(cerrors.Protocolf("malformed message on socket connection %s", connID))
			continue
		}

		t.markReceived()
		if reply := t.emitMessage(ctx, connID, data); reply != nil {
			if err := t.replyTo(connID, reply); err != nil {
				t.emitError(err)
			}
		}
	}
	return scanner.Err()
}

// replyTo writes a handler reply back on the connection it arrived on.
func (t *SocketTransport) replyTo(connID string, data []byte) error {
	if t.serverMode() {
		if err := t.writeFrame(connID, data); err != nil {
			return err
		}
		t.markSent()
		return nil
	}
	return t.Send(context.Background(), data)
}

// heartbeat writes a bare line terminator; the peer treats empty lines as
// keep-alives.
func (t *SocketTransport) heartbeat(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.writer == nil {
		return cerrors.Unavailablef("socket not connected")
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return err
	}
	return t.writer.Flush()
}

// Send writes one frame: to the single connection in client mode, broadcast
// to every connection in server mode.
func (t *SocketTransport) Send(ctx context.Context, data []byte) error {
	if t.serverMode() {
		var firstErr error
		for _, id := range t.ConnectionIDs() {
			if err := t.SendTo(ctx, id, data); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.writer == nil || !t.Connected() {
		return cerrors.Unavailablef("socket transport not connected")
	}
	if err := writeLine(t.writer, data); err != nil {
		t.markError()
		return cerrors.Wrap(err, cerrors.KindServiceUnavailable, "socket write failed")
	}
	t.markSent()
	return nil
}

// SendTo writes one frame to a specific server-mode connection.
func (t *SocketTransport) SendTo(ctx context.Context, connID string, data []byte) error {
	if !t.serverMode() {
		return t.Send(ctx, data)
	}
	if err := t.writeFrame(connID, data); err != nil {
		return err
	}
	t.markSent()
	return nil
}

func (t *SocketTransport) writeFrame(connID string, data []byte) error {
	t.connsMu.RLock()
	sc, ok := t.conns[connID]
	t.connsMu.RUnlock()
	if !ok {
		return cerrors.NotFoundf("unknown connection %s", connID)
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := writeLine(sc.writer, data); err != nil {
		t.markError()
		return cerrors.Wrap(err, cerrors.KindServiceUnavailable, "socket write failed").
			WithContext(&cerrors.Context{ConnectionID: connID, Component: "SocketTransport"})
	}
	return nil
}

func writeLine(w *bufio.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// Addr reports the bound listener address in server mode, nil otherwise.
func (t *SocketTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// ConnectionIDs lists the currently tracked server-mode connections.
func (t *SocketTransport) ConnectionIDs() []string {
	t.connsMu.RLock()
	defer t.connsMu.RUnlock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

// Disconnect closes the connection, the listener, and every accepted
// connection. Repeated calls are no-ops.
func (t *SocketTransport) Disconnect(ctx context.Context) error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	t.stopKeepAlive()
	t.connected.Store(false)

	t.connMu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
		t.writer = nil
	}
	t.connMu.Unlock()

	if t.listener != nil {
		_ = t.listener.Close()
	}

	t.connsMu.Lock()
	for id, sc := range t.conns {
		_ = sc.conn.Close()
		delete(t.conns, id)
	}
	t.connsMu.Unlock()

	return nil
}
