package transport

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conduit-rpc/conduit-go/pkg/logging"
)

// base provides the bookkeeping shared by all bindings: handler fan-out with
// panic isolation, activity tracking, sent/received/error counters, and the
// optional keep-alive loop.
type base struct {
	kind   string
	logger logging.Logger

	mu      sync.RWMutex
	handler Handler

	connected    atomic.Bool
	sent         atomic.Int64
	received     atomic.Int64
	errs         atomic.Int64
	lastActivity atomic.Int64 // unix nanos

	keepAliveStop chan struct{}
	keepAliveOnce sync.Once
}

func (b *base) init(kind string, logger logging.Logger) {
	b.kind = kind
	b.logger = logger
	b.touch()
}

func (b *base) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *base) currentHandler() Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handler
}

func (b *base) Kind() string {
	return b.kind
}

func (b *base) Connected() bool {
	return b.connected.Load()
}

func (b *base) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Kind:         b.kind,
		Sent:         b.sent.Load(),
		Received:     b.received.Load(),
		Errors:       b.errs.Load(),
		LastActivity: time.Unix(0, b.lastActivity.Load()),
	}
}

func (b *base) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

func (b *base) idleFor() time.Duration {
	return time.Since(time.Unix(0, b.lastActivity.Load()))
}

func (b *base) markSent()     { b.sent.Add(1); b.touch() }
func (b *base) markReceived() { b.received.Add(1); b.touch() }
func (b *base) markError()    { b.errs.Add(1) }

// emitMessage hands one parsed inbound message to the handler, isolating
// handler panics from the read loop. The returned reply, if any, is written
// back by the calling binding.
func (b *base) emitMessage(ctx context.Context, connID string, data []byte) (reply []byte) {
	h := b.currentHandler()
	if h == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			b.markError()
			b.logger.Error("panic in message handler",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())))
			reply = nil
		}
	}()
	return h.OnMessage(ctx, connID, data)
}

func (b *base) emitConnect(connID string) {
	if h := b.currentHandler(); h != nil {
		h.OnConnect(connID)
	}
}

func (b *base) emitDisconnect(connID string, reason error) {
	if h := b.currentHandler(); h != nil {
		h.OnDisconnect(connID, reason)
	}
}

func (b *base) emitError(err error) {
	b.markError()
	if h := b.currentHandler(); h != nil {
		h.OnError(err)
	}
}

// startKeepAlive runs the periodic idle check. When the channel has been
// idle beyond threshold, ping is invoked; a ping failure is treated as a
// disconnect via onFail.
func (b *base) startKeepAlive(interval, threshold time.Duration, ping func(context.Context) error, onFail func(error)) {
	if interval <= 0 {
		return
	}
	if threshold <= 0 {
		threshold = interval
	}
	b.keepAliveStop = make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.keepAliveStop:
				return
			case <-ticker.C:
				if !b.connected.Load() || b.idleFor() < threshold {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := ping(ctx)
				cancel()
				if err != nil {
					b.logger.Warn("heartbeat failed", logging.ErrorField(err))
					onFail(err)
					return
				}
			}
		}
	}()
}

func (b *base) stopKeepAlive() {
	if b.keepAliveStop == nil {
		return
	}
	b.keepAliveOnce.Do(func() { close(b.keepAliveStop) })
}
