// ABOUTME: Tests for the Session read loop driven by scripted chunk sequences
// ABOUTME: Covers reassembly, malformed frames, two-phase errors and incomplete streams

package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns one scripted chunk per Read, then finalErr (io.EOF when nil).
type chunkReader struct {
	chunks   []string
	finalErr error
	closed   bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.finalErr != nil {
			return 0, r.finalErr
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

// recorder captures callbacks in arrival order.
type recorder struct {
	mu        sync.Mutex
	events    []StreamEvent
	errs      []error
	completes int
	order     []string
}

func (r *recorder) handler() Handler {
	return Handler{
		OnEvent: func(ev StreamEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
			r.order = append(r.order, "event")
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
			r.order = append(r.order, "error")
		},
		OnComplete: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes++
			r.order = append(r.order, "complete")
		},
	}
}

func (r *recorder) snapshot() ([]StreamEvent, []error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StreamEvent(nil), r.events...), append([]error(nil), r.errs...), r.completes
}

func newTestSession(handlers ...Handler) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:             "test-session",
		conversationID: "conv-1",
		ctx:            ctx,
		cancel:         cancel,
		handlers:       handlers,
		logger:         slog.Default(),
		chunkSize:      defaultChunkSize,
		done:           make(chan struct{}),
	}
}

func runScript(t *testing.T, body *chunkReader) *recorder {
	t.Helper()
	rec := &recorder{}
	s := newTestSession(rec.handler())
	s.run(body)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not finish")
	}
	assert.True(t, body.closed, "body should be closed")
	return rec
}

func TestSession_SplitFrameYieldsOneEvent(t *testing.T) {
	rec := runScript(t, &chunkReader{chunks: []string{
		`data: {"type":"agent_ac`,
		`tive","agent_name":"analyst"}` + "\n",
		`data: {"type":"complete"}` + "\n",
	}})

	events, errs, completes := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, AgentActivePayload{Agent: "analyst"}, events[0].Payload)
	assert.Equal(t, EventComplete, events[1].Type)
	assert.Empty(t, errs)
	assert.Equal(t, 1, completes)
}

func TestSession_SplitMultiByteAcrossChunks(t *testing.T) {
	frame := "data: {\"type\":\"progress\",\"message\":\"análisis\",\"progress\":10}\n"
	idx := len("data: {\"type\":\"progress\",\"message\":\"an") + 1

	rec := runScript(t, &chunkReader{chunks: []string{
		frame[:idx],
		frame[idx:],
		"data: {\"type\":\"complete\"}\n",
	}})

	events, _, _ := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "análisis", events[0].Message)
}

func TestSession_MalformedFrameSkipped(t *testing.T) {
	rec := runScript(t, &chunkReader{chunks: []string{
		"data: {\"type\":\"start\"}\n",
		"data: {not json}\n",
		"data: {\"type\":\"complete\"}\n",
	}})

	events, errs, completes := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, EventStart, events[0].Type)
	assert.Equal(t, EventComplete, events[1].Type)
	assert.Empty(t, errs)
	assert.Equal(t, 1, completes)
}

func TestSession_KeepalivesIgnored(t *testing.T) {
	rec := runScript(t, &chunkReader{chunks: []string{
		": keepalive\n\n",
		"event: progress\n",
		"data: {\"type\":\"complete\"}\n",
		": keepalive\n",
	}})

	events, errs, completes := rec.snapshot()
	require.Len(t, events, 1)
	assert.Empty(t, errs)
	assert.Equal(t, 1, completes)
}

func TestSession_ErrorThenCompleteReportsOnce(t *testing.T) {
	rec := runScript(t, &chunkReader{chunks: []string{
		"data: {\"type\":\"error\",\"message\":\"agent crashed\"}\n",
		"data: {\"type\":\"complete\",\"data\":{\"success\":false}}\n",
	}})

	events, errs, completes := rec.snapshot()
	assert.Len(t, events, 2)
	require.Len(t, errs, 1)
	var perr *ProtocolError
	require.ErrorAs(t, errs[0], &perr)
	assert.Equal(t, "agent crashed", perr.Message)
	assert.Equal(t, 1, completes)
	assert.Equal(t, []string{"event", "error", "event", "complete"}, rec.order)
}

func TestSession_FailureFlagOnComplete(t *testing.T) {
	rec := runScript(t, &chunkReader{chunks: []string{
		"data: {\"type\":\"agent_active\",\"agent_name\":\"analyst\"}\n",
		"data: {\"type\":\"complete\",\"message\":\"analysis aborted\",\"data\":{\"success\":false}}\n",
	}})

	_, errs, completes := rec.snapshot()
	require.Len(t, errs, 1)
	var perr *ProtocolError
	require.ErrorAs(t, errs[0], &perr)
	assert.Equal(t, "analysis aborted", perr.Message)
	assert.Equal(t, 1, completes)
}

func TestSession_TrailingFrameWithoutNewline(t *testing.T) {
	rec := runScript(t, &chunkReader{chunks: []string{
		"data: {\"type\":\"start\"}\n",
		"data: {\"type\":\"complete\"}",
	}})

	events, errs, completes := rec.snapshot()
	assert.Len(t, events, 2)
	assert.Empty(t, errs)
	assert.Equal(t, 1, completes)
}

func TestSession_EOFWithoutTerminal(t *testing.T) {
	rec := runScript(t, &chunkReader{chunks: []string{
		"data: {\"type\":\"start\"}\n",
	}})

	_, errs, completes := rec.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrIncompleteStream)
	assert.Equal(t, 1, completes)
	assert.Equal(t, []string{"event", "error", "complete"}, rec.order)
}

func TestSession_TransportFailure(t *testing.T) {
	boom := errors.New("connection reset by peer")
	rec := runScript(t, &chunkReader{
		chunks:   []string{"data: {\"type\":\"start\"}\n"},
		finalErr: boom,
	})

	_, errs, completes := rec.snapshot()
	require.Len(t, errs, 1)
	var terr *TransportError
	require.ErrorAs(t, errs[0], &terr)
	assert.Equal(t, "read", terr.Op)
	assert.ErrorIs(t, errs[0], boom)
	assert.Equal(t, 0, completes)
}

func TestSession_CancelBeforeRunIsSilent(t *testing.T) {
	rec := &recorder{}
	s := newTestSession(rec.handler())
	s.Cancel()
	s.Cancel()

	s.run(&chunkReader{chunks: []string{"data: {\"type\":\"complete\"}\n"}})

	events, errs, completes := rec.snapshot()
	assert.Empty(t, events)
	assert.Empty(t, errs)
	assert.Equal(t, 0, completes)
	assert.True(t, s.Cancelled())
}

func TestSession_CancelAfterFinishIsNoop(t *testing.T) {
	rec := &recorder{}
	s := newTestSession(rec.handler())
	s.run(&chunkReader{chunks: []string{"data: {\"type\":\"complete\"}\n"}})

	s.Cancel()
	assert.False(t, s.Cancelled())
	assert.NoError(t, s.Err())
}

func TestSession_CancelDuringCompletionKeepsCompleted(t *testing.T) {
	rec := &recorder{}
	var s *Session
	s = newTestSession(rec.handler(), Handler{
		OnComplete: func() { s.Cancel() },
	})
	s.run(&chunkReader{chunks: []string{"data: {\"type\":\"complete\"}\n"}})

	<-s.Done()
	_, errs, completes := rec.snapshot()
	assert.Equal(t, 1, completes)
	assert.Empty(t, errs)
	assert.False(t, s.Cancelled())
	assert.NoError(t, s.Err())
}

func TestSession_MultipleHandlers(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	s := newTestSession(a.handler(), b.handler())
	s.run(&chunkReader{chunks: []string{"data: {\"type\":\"complete\"}\n"}})

	_, _, ca := a.snapshot()
	_, _, cb := b.snapshot()
	assert.Equal(t, 1, ca)
	assert.Equal(t, 1, cb)
}
