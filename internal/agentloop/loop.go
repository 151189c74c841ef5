// Package agentloop implements C6, the Single-Agent Loop: streams one
// model, runs the bounded tool-call loop against the Tool Dispatcher (C5),
// and persists the final or partial assistant message. Grounded on
// internal/agent/engine.go's runStreamLoop/dispatchTools shape,
// generalized from its in-process callback style to this service's
// SSE-writer-driven streaming and adding the partial-persistence defer
// region that engine does not need (it has no per-request HTTP stream to
// recover from).
package agentloop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"streamorch/internal/apperrors"
	"streamorch/internal/embedding"
	"streamorch/internal/llm"
	"streamorch/internal/memory"
	"streamorch/internal/messagerepo"
	"streamorch/internal/observability"
	"streamorch/internal/requestcache"
	"streamorch/internal/sse"
	"streamorch/internal/streamprogress"
	"streamorch/internal/tooling"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"

	heartbeatInterval  = 15 * time.Second
	progressSaveEvery  = 1 * time.Second
)

// Request bundles everything one single-agent turn needs.
type Request struct {
	ConversationID  string
	UserID          string
	ClientMessageID string
	UserMessage     string
	SystemPrompt    string
	ModelType       string
	MemoryConfig    memory.Config
}

// Loop is the C6 Single-Agent Loop.
type Loop struct {
	Provider   llm.Provider
	Tools      *tooling.Dispatcher
	Repo       messagerepo.Repository
	Memory     *memory.Builder
	Progress   *streamprogress.Store
	Cache      *requestcache.Cache
	Embedder   embedding.Service
	ToolSchema []llm.ToolSchema
	// MaxToolRounds overrides tooling.DefaultMaxToolRounds when positive.
	MaxToolRounds int
}

func (l *Loop) maxToolRounds() int {
	if l.MaxToolRounds > 0 {
		return l.MaxToolRounds
	}
	return tooling.DefaultMaxToolRounds
}

// splitState tracks the thinking/content split across chunk boundaries so a
// marker that straddles two deltas is still recognized.
type splitState struct {
	inThinking   bool
	pendingBuf   string
	thinking     strings.Builder
	content      strings.Builder
	lastThinking string
	lastContent  string
}

// feed appends one delta, updating the thinking/content accumulators. It
// returns true if either accumulator changed since the previous feed. A
// trailing partial marker is held back until the next delta; an empty delta
// flushes it.
func (s *splitState) feed(delta string) bool {
	s.pendingBuf += delta
	for {
		if s.inThinking {
			idx := strings.Index(s.pendingBuf, thinkClose)
			if idx < 0 {
				break
			}
			s.thinking.WriteString(s.pendingBuf[:idx])
			s.pendingBuf = s.pendingBuf[idx+len(thinkClose):]
			s.inThinking = false
			continue
		}
		idx := strings.Index(s.pendingBuf, thinkOpen)
		if idx < 0 {
			break
		}
		s.content.WriteString(s.pendingBuf[:idx])
		s.pendingBuf = s.pendingBuf[idx+len(thinkOpen):]
		s.inThinking = true
	}
	marker, dst := thinkOpen, &s.content
	if s.inThinking {
		marker, dst = thinkClose, &s.thinking
	}
	keep := len(s.pendingBuf)
	if i := strings.LastIndex(s.pendingBuf, "<"); delta != "" && i >= 0 && strings.HasPrefix(marker, s.pendingBuf[i:]) {
		keep = i
	}
	dst.WriteString(s.pendingBuf[:keep])
	s.pendingBuf = s.pendingBuf[keep:]

	changed := s.thinking.String() != s.lastThinking || s.content.String() != s.lastContent
	s.lastThinking = s.thinking.String()
	s.lastContent = s.content.String()
	return changed
}

// Run executes one single-agent turn end to end, writing every SSE event
// itself. It always returns (never propagates a stream error to the
// caller as anything other than an ErrorEvent) so chatdispatch's admission
// release can run unconditionally.
func (l *Loop) Run(ctx context.Context, w *sse.Writer, req Request) {
	log := observability.LoggerWithTrace(ctx).With().Str("conversationId", req.ConversationID).Logger()

	w.WriteInit(req.ConversationID, "single")
	w.Heartbeat(heartbeatInterval)

	messageID := req.ClientMessageID
	persisted := false
	var accumulatedContent, accumulatedThinking string
	var sources []messagerepo.Source

	persist := func() {
		if persisted || accumulatedContent == "" {
			return
		}
		persisted = true
		_, err := l.Repo.UpsertAssistantMessage(ctx, messagerepo.Message{
			ClientMessageID: messageID,
			ConversationID:  req.ConversationID,
			UserID:          req.UserID,
			Role:            "assistant",
			Content:         accumulatedContent,
			Thinking:        accumulatedThinking,
			ModelType:       req.ModelType,
			Sources:         sources,
		})
		if err != nil {
			log.Error().Err(fmt.Errorf("%w: %w", apperrors.ErrPersistenceFailed, err)).Msg("agentloop_persist_failed")
			return
		}
		_ = l.Repo.IncrementMessageCount(ctx, req.ConversationID, 1)
	}
	// Partial persistence: whatever has accumulated is saved on every exit
	// path, success or not, as long as it hasn't already been written.
	defer persist()
	defer func() {
		if l.Progress != nil {
			_ = l.Progress.Delete(ctx, messageID)
		}
	}()

	messages, err := l.buildMessages(ctx, req)
	if err != nil {
		w.WriteEvent(sse.ContentEvent{Content: ""})
		log.Error().Err(fmt.Errorf("%w: %w", apperrors.ErrPersistenceFailed, err)).Msg("agentloop_context_build_failed")
		w.Done()
		return
	}

	userMessage := req.UserMessage
	round := 0
	started := time.Now()

	for {
		if w.IsClosed() {
			log.Info().Err(apperrors.ErrClientGone).Msg("agentloop_client_disconnected")
			return
		}

		state := &splitState{}
		lastProgressSave := time.Now()
		var nativeCalls []llm.ToolCall

		handler := &streamHandler{
			onToolCall: func(tc llm.ToolCall) {
				nativeCalls = append(nativeCalls, tc)
			},
			onDelta: func(delta string) {
				if w.IsClosed() {
					return
				}
				if state.feed(delta) {
					accumulatedContent = state.content.String()
					accumulatedThinking = state.thinking.String()
					w.WriteEvent(sse.ContentEvent{Content: accumulatedContent, Thinking: accumulatedThinking})
				}
				if l.Progress != nil && time.Since(lastProgressSave) >= progressSaveEvery {
					lastProgressSave = time.Now()
					_ = l.Progress.Save(ctx, streamprogress.Entry{
						MessageID: messageID, UserID: req.UserID, ConversationID: req.ConversationID,
						AccumulatedText: accumulatedContent, Thinking: accumulatedThinking,
						ModelType: req.ModelType, Status: streamprogress.StatusStreaming,
					})
				}
			},
			onThinking: func(delta string) {
				if w.IsClosed() {
					return
				}
				accumulatedThinking += delta
				w.WriteEvent(sse.ContentEvent{Content: accumulatedContent, Thinking: accumulatedThinking})
			},
		}

		if err := l.Provider.ChatStream(ctx, messages, l.ToolSchema, req.ModelType, handler); err != nil {
			log.Error().Err(fmt.Errorf("%w: %w", apperrors.ErrUpstreamTransient, err)).Int("round", round).Msg("agentloop_stream_error")
			w.WriteEvent(sse.ContentEvent{Content: accumulatedContent, Thinking: accumulatedThinking})
			w.Done()
			return
		}

		state.feed("")
		accumulatedContent = state.content.String()
		accumulatedThinking = state.thinking.String()
		messages = append(messages, llm.Message{Role: "assistant", Content: accumulatedContent})

		if w.IsClosed() {
			return
		}

		meta := tooling.CallMeta{ConversationID: req.ConversationID, UserID: req.UserID, Round: round}
		outcome := l.Tools.ExtractAndExecute(ctx, accumulatedContent, meta)
		if !outcome.HasToolCall && len(nativeCalls) > 0 {
			tc := nativeCalls[0]
			outcome = l.Tools.ExecuteCall(ctx, tc.Name, tc.Args, meta)
		}
		if !outcome.HasToolCall {
			break
		}

		feedback := tooling.ContinuationFeedback(userMessage, outcome.ResultText)
		messages = append(messages, llm.Message{Role: "tool", Content: feedback})
		w.WriteEvent(sse.ContentEvent{
			Content: accumulatedContent,
			ToolCall: &sse.ToolCallNotice{Tool: outcome.ToolName, Input: outcome.ToolInput},
		})

		round++
		if !tooling.ShouldContinueLoop(round, l.maxToolRounds(), time.Since(started), tooling.DefaultToolRoundBudget, true) {
			break
		}
		// Reset per-round accumulators: the next stream call produces a new
		// assistant turn layered on top of the tool feedback just appended.
		accumulatedContent = ""
	}

	w.WriteEvent(sse.ContentEvent{Content: accumulatedContent, Thinking: accumulatedThinking, Sources: toSSESources(sources)})
	persist()
	w.Done()

	if accumulatedContent != "" && l.Cache != nil && l.Embedder != nil && l.Embedder.IsConfigured() {
		l.saveToCache(ctx, req, accumulatedContent, accumulatedThinking, sources)
	}
}

func (l *Loop) buildMessages(ctx context.Context, req Request) ([]llm.Message, error) {
	entries, err := l.Memory.Build(ctx, req.ConversationID, req.UserID, req.UserMessage, req.SystemPrompt, req.MemoryConfig)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, llm.Message{Role: e.Role, Content: e.Content})
	}
	return out, nil
}

func (l *Loop) saveToCache(ctx context.Context, req Request, content, thinking string, sources []messagerepo.Source) {
	vec, err := l.Embedder.Embed(ctx, req.UserMessage)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("agentloop_cache_embed_failed")
		return
	}
	cacheSources := make([]requestcache.Source, 0, len(sources))
	for _, s := range sources {
		cacheSources = append(cacheSources, requestcache.Source{Title: s.Title, URL: s.URL})
	}
	_, err = l.Cache.Save(ctx, requestcache.Entry{
		UserID:           req.UserID,
		RequestText:      req.UserMessage,
		RequestEmbedding: vec,
		ResponseContent:  content,
		ResponseThinking: thinking,
		Sources:          cacheSources,
		ModelType:        req.ModelType,
		Mode:             "single",
	})
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("agentloop_cache_save_failed")
	}
}

func toSSESources(sources []messagerepo.Source) []sse.Source {
	if len(sources) == 0 {
		return nil
	}
	out := make([]sse.Source, len(sources))
	for i, s := range sources {
		out[i] = sse.Source{Title: s.Title, URL: s.URL}
	}
	return out
}

// streamHandler implements llm.StreamHandler, routing deltas to the split
// accumulator and natively-surfaced tool calls back out to onToolCall. Both
// extraction paths are live: text-embedded calls are picked up from the
// completed text by Tools.ExtractAndExecute after the stream call returns,
// natively-surfaced calls arrive here as they complete.
type streamHandler struct {
	onDelta    func(string)
	onThinking func(string)
	onToolCall func(llm.ToolCall)
}

func (h *streamHandler) OnDelta(content string) {
	if h.onDelta != nil {
		h.onDelta(content)
	}
}

func (h *streamHandler) OnThinking(content string) {
	if h.onThinking != nil {
		h.onThinking(content)
	}
}

func (h *streamHandler) OnToolCall(tc llm.ToolCall) {
	if h.onToolCall != nil {
		h.onToolCall(tc)
	}
}
