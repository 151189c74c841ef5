// Package sse implements the single-writer SSE framer every streaming
// component (C6 single-agent loop, C7 multi-agent orchestrator, C8 chunker,
// C9 resumer) writes through. It is grounded on the mutex-guarded write
// closure plus background keepalive ticker pattern used by the chat
// streaming handler this system is patterned on; there is no third-party
// SSE framing library in the pack (SSE framing is three lines of text over
// http.Flusher — the point of this package is to be exactly that, not to
// wrap a dependency).
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"streamorch/internal/observability"
)

// ErrNotFlushable is returned by New when the underlying ResponseWriter
// cannot be flushed incrementally.
var ErrNotFlushable = errors.New("sse: response writer does not support flushing")

// Writer is a single-producer SSE framer around one http.ResponseWriter. All
// methods are safe to call from at most one writer goroutine at a time for
// content events, but IsClosed is safe from any goroutine, and the
// background heartbeat writes through the same mutex so it never
// interleaves with a concurrent WriteEvent call.
type Writer struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	ctx      context.Context
	closed   bool
	cancelHB context.CancelFunc
	log      func(msg string)
}

// New wraps w for SSE writing. ctx should be the request context; once it is
// done (client disconnect, server shutdown), the writer transitions to
// closed and all subsequent writes become no-ops returning false.
func New(ctx context.Context, w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNotFlushable
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sw := &Writer{w: w, flusher: flusher, ctx: ctx}
	go sw.watchContext()
	return sw, nil
}

func (s *Writer) watchContext() {
	<-s.ctx.Done()
	s.mu.Lock()
	s.closed = true
	cancel := s.cancelHB
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsClosed reports whether the client has disconnected or Close has been
// called. Every component on the streaming path must poll this between
// chunks, between tool rounds, and before each multi-agent round.
func (s *Writer) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// WriteEvent marshals payload to JSON and emits it as one `data: <json>\n\n`
// frame. Returns false (and flips the writer to closed) if the client is
// gone or the write fails.
func (s *Writer) WriteEvent(payload any) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		observability.Component("sse").Error().Err(err).Msg("marshal sse event")
		return false
	}
	return s.writeFrame(fmt.Sprintf("data: %s\n\n", b))
}

// WriteInit emits the mandatory first event of every stream.
func (s *Writer) WriteInit(conversationID string, mode string) bool {
	return s.WriteEvent(InitEvent{ConversationID: conversationID, Type: "init", Mode: mode})
}

// Done emits the terminal `data: [DONE]\n\n` marker and closes the writer.
// Its boolean return reflects whether the DONE frame itself was delivered;
// the writer is closed either way.
func (s *Writer) Done() bool {
	ok := s.writeFrame("data: [DONE]\n\n")
	s.Close()
	return ok
}

// Heartbeat starts a background ticker that emits `: keep-alive\n\n`
// comment lines at interval until the writer is closed. Safe to call once
// per writer; a second call replaces the previous ticker.
func (s *Writer) Heartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	if s.cancelHB != nil {
		s.cancelHB()
	}
	hbCtx, cancel := context.WithCancel(s.ctx)
	s.cancelHB = cancel
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if !s.writeFrame(": keep-alive\n\n") {
					return
				}
			}
		}
	}()
}

// Close transitions the writer to its terminal closed state without
// emitting a frame, stopping any heartbeat. Idempotent.
func (s *Writer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.cancelHB != nil {
		s.cancelHB()
		s.cancelHB = nil
	}
}

func (s *Writer) writeFrame(frame string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		s.closed = true
		return false
	}
	s.flusher.Flush()
	return true
}
