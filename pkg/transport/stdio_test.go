package transport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandler records callbacks and optionally answers messages.
type testHandler struct {
	mu          sync.Mutex
	messages    [][]byte
	connects    []string
	disconnects []string
	errs        []error

	reply    []byte
	received chan []byte
}

func newTestHandler() *testHandler {
	return &testHandler{received: make(chan []byte, 16)}
}

func (h *testHandler) OnMessage(ctx context.Context, connID string, data []byte) []byte {
	h.mu.Lock()
	h.messages = append(h.messages, data)
	h.mu.Unlock()
	h.received <- data
	return h.reply
}

func (h *testHandler) OnConnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects = append(h.connects, connID)
}

func (h *testHandler) OnDisconnect(connID string, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, connID)
}

func (h *testHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *testHandler) errorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs)
}

func waitFor(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestStdioSplitsChunkIntoMessages(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n"

	cfg := DefaultConfig(KindStdio)
	cfg.Reader = strings.NewReader(input)
	cfg.Writer = &bytes.Buffer{}

	tr, err := New(cfg)
	require.NoError(t, err)

	h := newTestHandler()
	tr.SetHandler(h)
	require.NoError(t, tr.Connect(context.Background()))

	first := waitFor(t, h.received)
	second := waitFor(t, h.received)
	assert.Contains(t, string(first), `"id":1`)
	assert.Contains(t, string(second), `"id":2`)
}

func TestStdioCompletesPartialLine(t *testing.T) {
	pr, pw := io.Pipe()

	cfg := DefaultConfig(KindStdio)
	cfg.Reader = pr
	cfg.Writer = &bytes.Buffer{}

	tr, err := New(cfg)
	require.NoError(t, err)

	h := newTestHandler()
	tr.SetHandler(h)
	require.NoError(t, tr.Connect(context.Background()))

	msg := `{"jsonrpc":"2.0","id":9,"method":"ping"}`
	half := len(msg) / 2

	_, err = pw.Write([]byte(msg[:half]))
	require.NoError(t, err)

	// No line terminator yet: nothing may be delivered.
	select {
	case <-h.received:
		t.Fatal("partial line must not be delivered")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = pw.Write([]byte(msg[half:] + "\n"))
	require.NoError(t, err)

	got := waitFor(t, h.received)
	assert.JSONEq(t, msg, string(got))
	require.NoError(t, pw.Close())
}

func TestStdioDropsMalformedLines(t *testing.T) {
	input := "not json at all\n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"

	cfg := DefaultConfig(KindStdio)
	cfg.Reader = strings.NewReader(input)
	cfg.Writer = &bytes.Buffer{}

	tr, err := New(cfg)
	require.NoError(t, err)

	h := newTestHandler()
	tr.SetHandler(h)
	require.NoError(t, tr.Connect(context.Background()))

	got := waitFor(t, h.received)
	assert.Contains(t, string(got), `"id":1`)
	assert.Equal(t, 1, h.errorCount())
}

// syncBuffer makes buffer reads race-free against the transport's write
// goroutine.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestStdioWritesReplyWithTerminator(t *testing.T) {
	var out syncBuffer

	cfg := DefaultConfig(KindStdio)
	cfg.Reader = strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	cfg.Writer = &out

	tr, err := New(cfg)
	require.NoError(t, err)

	h := newTestHandler()
	h.reply = []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)
	tr.SetHandler(h)
	require.NoError(t, tr.Connect(context.Background()))

	waitFor(t, h.received)
	require.Eventually(t, func() bool {
		return strings.HasSuffix(out.String(), "\n")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, string(h.reply)+"\n", out.String())
}

func TestStdioSendAfterDisconnectFails(t *testing.T) {
	cfg := DefaultConfig(KindStdio)
	cfg.Reader = strings.NewReader("")
	cfg.Writer = &bytes.Buffer{}

	tr, err := New(cfg)
	require.NoError(t, err)
	tr.SetHandler(newTestHandler())
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Disconnect(context.Background()))

	err = tr.Send(context.Background(), []byte(`{}`))
	assert.Error(t, err)

	// Repeated disconnects are no-ops.
	assert.NoError(t, tr.Disconnect(context.Background()))
}
