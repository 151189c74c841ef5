// Package resume implements C9, the Stream Resumer: a read-only
// resume(messageId, fromPosition) operation. It replays the Stream
// Progress entry's accumulated text from fromPosition in small
// time-spaced frames, then polls for new text until the stream reaches a
// terminal status or a wall-clock budget elapses; if no Stream Progress
// entry survives, it falls back to the persisted message. Grounded on the
// keepalive-ticker/context-done shape internal/agentd/handlers_chat.go
// uses for its own long-lived SSE handler, applied here to a poll loop
// instead of a single upstream stream.
package resume

import (
	"context"
	"fmt"
	"time"

	"streamorch/internal/apperrors"
	"streamorch/internal/messagerepo"
	"streamorch/internal/observability"
	"streamorch/internal/sse"
	"streamorch/internal/streamprogress"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollBudget   = 60 * time.Second
	defaultFrameSize    = 80
	defaultFrameDelay   = 30 * time.Millisecond
)

// Request bundles one resume call's inputs.
type Request struct {
	ConversationID string
	MessageID      string // client-assigned message id
	FromPosition   int
}

// Resumer is the C9 Stream Resumer.
type Resumer struct {
	Progress     *streamprogress.Store
	Repo         messagerepo.Repository
	PollInterval time.Duration
	PollBudget   time.Duration
	FrameSize    int
	FrameDelay   time.Duration
}

func (r *Resumer) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return defaultPollInterval
}

func (r *Resumer) pollBudget() time.Duration {
	if r.PollBudget > 0 {
		return r.PollBudget
	}
	return defaultPollBudget
}

func (r *Resumer) frameSize() int {
	if r.FrameSize > 0 {
		return r.FrameSize
	}
	return defaultFrameSize
}

func (r *Resumer) frameDelay() time.Duration {
	if r.FrameDelay > 0 {
		return r.FrameDelay
	}
	return defaultFrameDelay
}

// Resume replays a reconnecting client up to the live edge of an
// in-progress (or just-finished) stream. It always returns — callers treat
// it the same way they treat C6/C7/C8's Run: errors become an ErrorEvent,
// never a propagated error.
func (r *Resumer) Resume(ctx context.Context, w *sse.Writer, req Request) {
	log := observability.LoggerWithTrace(ctx).With().Str("conversationId", req.ConversationID).Str("messageId", req.MessageID).Logger()

	w.WriteInit(req.ConversationID, "resume")

	entry, found, err := r.Progress.Load(ctx, req.MessageID)
	if err != nil {
		log.Error().Err(fmt.Errorf("%w: %w", apperrors.ErrCacheDegraded, err)).Msg("resume_progress_load_failed")
		w.Done()
		return
	}
	if !found {
		r.resumeFromPersisted(ctx, w, req)
		return
	}

	pos := req.FromPosition
	pos = r.streamFrom(w, entry.AccumulatedText, pos)
	if entry.Status != streamprogress.StatusStreaming {
		r.finish(w, entry)
		return
	}

	deadline := time.Now().Add(r.pollBudget())
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()

	for {
		if w.IsClosed() {
			return
		}
		if time.Now().After(deadline) {
			log.Info().Msg("resume_poll_budget_exceeded")
			w.Done()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entry, found, err = r.Progress.Load(ctx, req.MessageID)
			if err != nil {
				log.Error().Err(fmt.Errorf("%w: %w", apperrors.ErrCacheDegraded, err)).Msg("resume_poll_load_failed")
				w.Done()
				return
			}
			if !found {
				r.resumeFromPersisted(ctx, w, req)
				return
			}
			pos = r.streamFrom(w, entry.AccumulatedText, pos)
			if entry.Status != streamprogress.StatusStreaming {
				r.finish(w, entry)
				return
			}
		}
	}
}

// streamFrom writes text[from:] to w in small frames, returning the new
// position: len(text), or the position reached when w closes mid-way. It
// is a no-op if from >= len(text).
func (r *Resumer) streamFrom(w *sse.Writer, text string, from int) int {
	if from < 0 {
		from = 0
	}
	if from >= len(text) {
		return len(text)
	}
	remaining := text[from:]
	size := r.frameSize()
	for len(remaining) > 0 {
		if w.IsClosed() {
			return from
		}
		n := size
		if n > len(remaining) {
			n = len(remaining)
		}
		frame := remaining[:n]
		w.WriteEvent(sse.ContentEvent{Content: frame})
		from += n
		remaining = remaining[n:]
		if len(remaining) > 0 {
			time.Sleep(r.frameDelay())
		}
	}
	return from
}

func (r *Resumer) finish(w *sse.Writer, entry streamprogress.Entry) {
	if entry.Status == streamprogress.StatusError {
		w.WriteEvent(sse.ErrorEvent{Type: "error", Error: entry.Error, Timestamp: time.Now().Unix()})
	}
	w.Done()
}

// resumeFromPersisted is the fallback path when no Stream Progress entry
// survives: the message was already fully persisted (or never streamed at
// all under this id), so the persisted row's content is replayed instead.
func (r *Resumer) resumeFromPersisted(ctx context.Context, w *sse.Writer, req Request) {
	msg, found, err := r.Repo.GetMessage(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(fmt.Errorf("%w: %w", apperrors.ErrPersistenceFailed, err)).Msg("resume_fallback_load_failed")
		w.Done()
		return
	}
	if !found {
		observability.LoggerWithTrace(ctx).Info().Err(apperrors.ErrResumeMiss).Str("messageId", req.MessageID).Msg("resume_message_not_found")
		w.WriteEvent(sse.ErrorEvent{Type: "error", Error: "message not found", Timestamp: time.Now().Unix()})
		w.Done()
		return
	}
	r.streamFrom(w, msg.Content, req.FromPosition)
	w.Done()
}
