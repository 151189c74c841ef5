// Package chunker implements C8, the Long-Text Chunker: large inputs are
// split on paragraph boundaries into ~5,000-character windows, each
// streamed through a chunk-local analysis pass, then synthesized into one
// final response. Grounded on internal/agent/engine.go's
// runStreamLoop accumulation pattern, applied once per chunk instead of
// once per whole conversation, and reusing C7's agent_chunk/agent_complete
// SSE event shapes (an agent_chunk-style event per chunk) rather than
// inventing a third streaming vocabulary.
package chunker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"streamorch/internal/apperrors"
	"streamorch/internal/llm"
	"streamorch/internal/messagerepo"
	"streamorch/internal/observability"
	"streamorch/internal/sse"
	"streamorch/internal/tooling"
)

const (
	// TriggerCharThreshold and TriggerLineThreshold are the
	// auto-detection thresholds for routing a message to the chunker
	// instead of the single-agent loop.
	TriggerCharThreshold = 12_000
	TriggerLineThreshold = 1_000

	targetChunkSize = 5_000

	chunkSystemPrompt     = `You are analyzing one section of a much larger document. Give a concise analysis of just this section: key points, notable details, anything a reader assembling a full summary would need.`
	synthesisSystemPrompt = `You have the per-section analyses of a long document, in order. Synthesize them into one coherent final response to the user's original request.`
)

// ShouldChunk reports whether message is large enough to route through the
// chunker rather than the single-agent loop.
func ShouldChunk(message string) bool {
	if len(message) > TriggerCharThreshold {
		return true
	}
	return strings.Count(message, "\n")+1 > TriggerLineThreshold
}

// Split divides text into paragraph-boundary windows of roughly
// targetChunkSize characters. A single paragraph longer than the target is
// kept whole rather than cut mid-paragraph — the target is a soft goal, not
// a hard cap.
func Split(text string) []string {
	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, p := range paragraphs {
		if current.Len() > 0 && current.Len()+len(p) > targetChunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()

	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}

// Request bundles one chunking run's inputs.
type Request struct {
	ConversationID  string
	UserID          string
	ClientMessageID string
	UserMessage     string
	ModelType       string
}

// Chunker is the C8 Long-Text Chunker.
type Chunker struct {
	Provider llm.Provider
	Repo     messagerepo.Repository
	// Tools is optional. Neither pass requests a tool schema today (each
	// analysis prompt is a closed, single-turn summarization task), but a
	// backend can still surface a native call unprompted, and when it does
	// it is routed through the same dispatcher policy as everywhere else
	// rather than dropped.
	Tools *tooling.Dispatcher
}

// Run streams a chunk-local analysis for each window of req.UserMessage,
// then a synthesis pass over all of them, persisting via the same
// partial-persistence contract as C6: whatever has accumulated is written
// on every exit path.
func (c *Chunker) Run(ctx context.Context, w *sse.Writer, req Request) {
	log := observability.LoggerWithTrace(ctx).With().Str("conversationId", req.ConversationID).Logger()

	w.WriteInit(req.ConversationID, "chunking")

	chunks := Split(req.UserMessage)
	log.Info().Int("chunks", len(chunks)).Msg("chunker_split")

	var final string
	persisted := false
	persist := func() {
		if persisted || final == "" {
			return
		}
		persisted = true
		_, err := c.Repo.UpsertAssistantMessage(ctx, messagerepo.Message{
			ClientMessageID: req.ClientMessageID,
			ConversationID:  req.ConversationID,
			UserID:          req.UserID,
			Role:            "assistant",
			Content:         final,
			ModelType:       req.ModelType,
		})
		if err != nil {
			log.Error().Err(fmt.Errorf("%w: %w", apperrors.ErrPersistenceFailed, err)).Msg("chunker_persist_failed")
			return
		}
		_ = c.Repo.IncrementMessageCount(ctx, req.ConversationID, 1)
	}
	defer persist()

	analyses := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if w.IsClosed() {
			log.Info().Err(apperrors.ErrClientGone).Int("chunk", i).Msg("chunker_client_disconnected")
			return
		}

		analysis, err := c.streamChunk(ctx, w, req, i, len(chunks), chunk)
		if err != nil {
			log.Error().Err(fmt.Errorf("%w: %w", apperrors.ErrUpstreamTransient, err)).Int("chunk", i).Msg("chunker_chunk_stream_error")
			w.Done()
			return
		}
		analyses = append(analyses, analysis)
		// Partial results persist via the same contract C6 uses: if the
		// stream is interrupted mid-way, the analyses gathered so far,
		// joined with blank lines, are what gets persisted.
		final = strings.Join(analyses, "\n\n")
	}

	if w.IsClosed() {
		return
	}

	synthesis, err := c.streamSynthesis(ctx, w, req, analyses)
	if err != nil {
		log.Error().Err(fmt.Errorf("%w: %w", apperrors.ErrUpstreamTransient, err)).Msg("chunker_synthesis_error")
		w.Done()
		return
	}
	final = synthesis

	w.WriteEvent(sse.ContentEvent{Content: final})
	persist()
	w.Done()
}

// streamChunk runs one chunk's analysis pass, streaming deltas as
// agent_chunk events labeled "chunk-N" so the client can distinguish
// per-section progress from the final synthesis.
func (c *Chunker) streamChunk(ctx context.Context, w *sse.Writer, req Request, index, total int, chunk string) (string, error) {
	label := fmt.Sprintf("chunk-%d", index)
	w.WriteEvent(sse.AgentStartEvent{Type: "agent_start", Agent: label, Round: index, Timestamp: time.Now().Unix()})

	var content strings.Builder
	handler := &deltaHandler{
		onDelta: func(delta string) {
			content.WriteString(delta)
			if !w.IsClosed() {
				w.WriteEvent(sse.AgentChunkEvent{Type: "agent_chunk", Agent: label, Round: index, Chunk: delta, Timestamp: time.Now().Unix()})
			}
		},
		onToolCall: c.toolCallHandler(ctx, req, index),
	}

	prompt := fmt.Sprintf("Section %d of %d:\n\n%s", index+1, total, chunk)
	msgs := []llm.Message{{Role: "system", Content: chunkSystemPrompt}, {Role: "user", Content: prompt}}
	if err := c.Provider.ChatStream(ctx, msgs, nil, req.ModelType, handler); err != nil {
		return "", fmt.Errorf("chunker: chunk %d stream: %w", index, err)
	}

	full := content.String()
	w.WriteEvent(sse.AgentCompleteEvent{Type: "agent_complete", Agent: label, Round: index, FullContent: full, Timestamp: time.Now().Unix()})
	return full, nil
}

// streamSynthesis runs the final pass consuming every chunk's analysis.
func (c *Chunker) streamSynthesis(ctx context.Context, w *sse.Writer, req Request, analyses []string) (string, error) {
	w.WriteEvent(sse.AgentStartEvent{Type: "agent_start", Agent: "synthesis", Timestamp: time.Now().Unix()})

	var content strings.Builder
	handler := &deltaHandler{
		onDelta: func(delta string) {
			content.WriteString(delta)
			if !w.IsClosed() {
				w.WriteEvent(sse.AgentChunkEvent{Type: "agent_chunk", Agent: "synthesis", Chunk: delta, Timestamp: time.Now().Unix()})
			}
		},
		onToolCall: c.toolCallHandler(ctx, req, -1),
	}

	prompt := fmt.Sprintf("Original request (truncated for context): %.500s\n\nSection analyses:\n\n%s", req.UserMessage, strings.Join(analyses, "\n\n---\n\n"))
	msgs := []llm.Message{{Role: "system", Content: synthesisSystemPrompt}, {Role: "user", Content: prompt}}
	if err := c.Provider.ChatStream(ctx, msgs, nil, req.ModelType, handler); err != nil {
		return "", fmt.Errorf("chunker: synthesis stream: %w", err)
	}

	full := content.String()
	w.WriteEvent(sse.AgentCompleteEvent{Type: "agent_complete", Agent: "synthesis", FullContent: full, Timestamp: time.Now().Unix()})
	return full, nil
}

// toolCallHandler routes a natively-surfaced tool call through the same
// dispatcher policy and metrics path as the single-agent loop, even though
// neither analysis pass offers a tool schema today. round is -1 for the
// synthesis pass.
func (c *Chunker) toolCallHandler(ctx context.Context, req Request, round int) func(llm.ToolCall) {
	if c.Tools == nil {
		return nil
	}
	return func(tc llm.ToolCall) {
		meta := tooling.CallMeta{ConversationID: req.ConversationID, UserID: req.UserID, Round: round}
		c.Tools.ExecuteCall(ctx, tc.Name, tc.Args, meta)
	}
}

type deltaHandler struct {
	onDelta    func(string)
	onToolCall func(llm.ToolCall)
}

func (h *deltaHandler) OnDelta(content string) {
	if h.onDelta != nil {
		h.onDelta(content)
	}
}
func (h *deltaHandler) OnThinking(content string) {}
func (h *deltaHandler) OnToolCall(tc llm.ToolCall) {
	if h.onToolCall != nil {
		h.onToolCall(tc)
	}
}
