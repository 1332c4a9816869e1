package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
	"github.com/conduit-rpc/conduit-go/pkg/logging"
)

// StdioConnectionID names the single implicit connection of the stdio
// binding.
const StdioConnectionID = "stdio"

// StdioTransport carries one message per UTF-8 line on the process's
// standard streams. Inbound bytes are buffered and split on line
// boundaries; a trailing partial line is completed by the next chunk.
type StdioTransport struct {
	base

	reader io.Reader
	writer *bufio.Writer

	writeMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

func newStdioTransport(cfg Config) *StdioTransport {
	reader := cfg.Reader
	writer := cfg.Writer
	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}

	t := &StdioTransport{
		reader: reader,
		writer: bufio.NewWriter(writer),
		done:   make(chan struct{}),
	}
	t.init(KindStdio, cfg.Logger)
	return t
}

// Connect starts the read loop on the input stream. The single implicit
// connection is reported immediately.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if !t.connected.CompareAndSwap(false, true) {
		return nil
	}

	t.emitConnect(StdioConnectionID)
	go t.readLoop(ctx)
	return nil
}

func (t *StdioTransport) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-t.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			// Bare newlines are peer heartbeats.
			t.touch()
			continue
		}

		data := make([]byte, len(line))
		copy(data, line)

		// Malformed lines are logged and dropped, never fatal.
		if !json.Valid(data) {
			t.logger.Warn("dropping malformed input line", logging.Int("bytes", len(data)))
			t.emitError(cerrors.Protocolf("malformed message on stdio"))
			continue
		}

		t.markReceived()
		if reply := t.emitMessage(ctx, StdioConnectionID, data); reply != nil {
			if err := t.Send(ctx, reply); err != nil {
				t.emitError(err)
			}
		}
	}

	err := scanner.Err()
	if err != nil && err != io.EOF {
		t.emitError(cerrors.Wrap(err, cerrors.KindServiceUnavailable, "stdio read failed"))
	}
	if t.connected.CompareAndSwap(true, false) {
		t.emitDisconnect(StdioConnectionID, err)
	}
}

// Send serializes nothing itself: it writes the payload followed by the line
// terminator and flushes.
func (t *StdioTransport) Send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if !t.Connected() {
		return cerrors.Unavailablef("stdio transport not connected")
	}

	if _, err := t.writer.Write(data); err != nil {
		t.markError()
		return cerrors.Wrap(err, cerrors.KindServiceUnavailable, "stdio write failed")
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		t.markError()
		return cerrors.Wrap(err, cerrors.KindServiceUnavailable, "stdio write failed")
	}
	if err := t.writer.Flush(); err != nil {
		t.markError()
		return cerrors.Wrap(err, cerrors.KindServiceUnavailable, "stdio flush failed")
	}

	t.markSent()
	return nil
}

// Disconnect stops the read loop and flushes pending output. Repeated calls
// are no-ops.
func (t *StdioTransport) Disconnect(ctx context.Context) error {
	var flushErr error
	t.stopOnce.Do(func() {
		close(t.done)
		t.stopKeepAlive()

		t.writeMu.Lock()
		flushErr = t.writer.Flush()
		t.writeMu.Unlock()

		if closer, ok := t.reader.(io.Closer); ok {
			_ = closer.Close()
		}
		if t.connected.CompareAndSwap(true, false) {
			t.emitDisconnect(StdioConnectionID, nil)
		}
	})

	if flushErr != nil {
		return cerrors.Wrap(flushErr, cerrors.KindInternal, "stdio flush on disconnect failed")
	}
	return nil
}
