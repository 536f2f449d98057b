// ABOUTME: Stream session owning one server-push connection and its read loop
// ABOUTME: Implements two-phase error/completion delivery and silent induced cancellation

package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-stream/internal/metrics"
)

// ErrIncompleteStream is reported when the transport ends before any
// terminal event arrived.
var ErrIncompleteStream = errors.New("stream ended before a completion event")

// ProtocolError is a failure reported by the producer, either through an
// error event or a failure flag on the terminal event.
type ProtocolError struct {
	Message string
	Event   StreamEvent
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return "analysis failed"
	}
	return "analysis failed: " + e.Message
}

// TransportError wraps a network failure of the underlying connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Handler receives the callbacks of one session. Nil fields are skipped.
// All callbacks run sequentially on the session's read goroutine.
type Handler struct {
	OnEvent    func(StreamEvent)
	OnError    func(error)
	OnComplete func()
}

// Session is one open server-push connection. It owns the cancellation
// token and the subscriber list for its lifetime.
type Session struct {
	id             string
	conversationID string
	ctx            context.Context
	cancel         context.CancelFunc
	handlers       []Handler
	logger         *slog.Logger
	metrics        *metrics.Metrics
	chunkSize      int

	cancelled atomic.Bool // set by the read loop only
	done      chan struct{}

	mu  sync.Mutex
	err error

	// Owned by the read goroutine
	decoder  lineDecoder
	terminal bool
}

// ID returns the client-generated session identifier.
func (s *Session) ID() string {
	return s.id
}

// ConversationID returns the conversation this session streams for.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Cancel aborts the transport. The read loop exits without invoking OnError
// or OnComplete. Safe to call multiple times. Once the read loop has reached
// EOF the session counts as completed and Cancel changes nothing.
func (s *Session) Cancel() {
	s.cancel()
}

// Done is closed once the read loop has exited and the transport is released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the read loop exits.
func (s *Session) Wait() {
	<-s.done
}

// Cancelled reports whether the session ended through cancellation, either
// Cancel or the parent context. Only meaningful once Done is closed.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Err returns the error handed to OnError, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// run drains body until EOF, cancellation or a transport failure.
func (s *Session) run(body io.ReadCloser) {
	defer func() {
		s.cancel()
		body.Close()
		s.metrics.SessionEnded()
		close(s.done)
	}()

	buf := make([]byte, s.chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, line := range s.decoder.Feed(buf[:n]) {
				if s.ctx.Err() != nil {
					break
				}
				s.handleLine(line)
			}
		}

		// Our own cancellation surfaces as a read error; never report it
		if s.ctx.Err() != nil {
			s.cancelled.Store(true)
			s.logger.Debug("stream cancelled")
			return
		}

		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			if line, ok := s.decoder.Flush(); ok {
				s.handleLine(line)
			}
			s.finish()
			return
		}

		s.logger.Warn("stream transport failed", "error", err)
		s.reportError(&TransportError{Op: "read", Err: err}, "transport")
		return
	}
}

// handleLine decodes and dispatches one complete line.
func (s *Session) handleLine(line string) {
	// Keepalive comments and non-data fields carry nothing for us
	kind, payload := classifyLine(line)
	if kind != lineData || strings.TrimSpace(payload) == "" {
		return
	}

	ev, err := DecodeEvent([]byte(payload), time.Now())
	if err != nil {
		s.metrics.FrameMalformed()
		s.logger.Warn("skipping malformed frame", "error", err)
		return
	}

	s.metrics.EventReceived(string(ev.Type))
	for _, h := range s.handlers {
		if h.OnEvent != nil {
			h.OnEvent(ev)
		}
	}

	switch {
	case ev.Type == EventError:
		s.reportError(&ProtocolError{Message: ev.FailureReason(), Event: ev}, "protocol")
	case ev.Type.IsTerminal():
		s.terminal = true
		if ev.Failed() {
			s.reportError(&ProtocolError{Message: ev.FailureReason(), Event: ev}, "protocol")
		}
	}
}

// finish runs once the transport reported EOF.
func (s *Session) finish() {
	if !s.terminal {
		s.reportError(ErrIncompleteStream, "incomplete")
	}

	s.logger.Debug("stream completed", "error", s.Err())
	for _, h := range s.handlers {
		if h.OnComplete != nil {
			h.OnComplete()
		}
	}
}

// reportError invokes OnError for the first error of the session only.
func (s *Session) reportError(err error, kind string) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.mu.Unlock()

	s.metrics.SessionError(kind)
	for _, h := range s.handlers {
		if h.OnError != nil {
			h.OnError(err)
		}
	}
}
