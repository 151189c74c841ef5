// Package chatdispatch implements C10, the Chat Dispatcher: the single HTTP
// entry point every chat turn passes through before it reaches one of
// C6/C7/C8/C9. Grounded on internal/agentd/handlers_chat.go's
// agentRunHandler/promptHandler pipeline shape (decode body → resolve
// identity → ensure session → branch on Accept/mode → stream), adapted from
// that handler's single-engine branch into this service's
// validate → assemble upload → admit → ensure conversation → resume-or-persist
// → cache probe → mode route pipeline, and from internal/agentd/run.go's
// `app` struct for threading every collaborator as a field rather than a
// package-level global.
package chatdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"streamorch/internal/admission"
	"streamorch/internal/agentloop"
	"streamorch/internal/apperrors"
	"streamorch/internal/chunker"
	"streamorch/internal/embedding"
	"streamorch/internal/memory"
	"streamorch/internal/messagerepo"
	"streamorch/internal/multiagent"
	"streamorch/internal/observability"
	"streamorch/internal/requestcache"
	"streamorch/internal/resume"
	"streamorch/internal/sse"
)

const (
	maxBodyBytes             = 1 << 20 // 1 MiB; uploads go through uploadSessionId, not the JSON body
	defaultHeartbeatInterval = 15 * time.Second
)

// ResumeFrom names the message and byte offset a reconnecting client wants
// to pick up from. The wire field is "position"; it is passed on as
// internal/resume.Request.FromPosition.
type ResumeFrom struct {
	MessageID string `json:"messageId"`
	Position  int    `json:"position"`
}

// Request is the POST /chat wire body.
type Request struct {
	Message                  string          `json:"message"`
	ModelType                string          `json:"modelType"`
	ConversationID           string          `json:"conversationId,omitempty"`
	UserID                   string          `json:"userId"`
	DeviceID                 string          `json:"deviceId,omitempty"`
	Mode                     string          `json:"mode,omitempty"` // "single" | "multi_agent" | "chunking"
	ClientUserMessageID      string          `json:"clientUserMessageId,omitempty"`
	ClientAssistantMessageID string          `json:"clientAssistantMessageId,omitempty"`
	QueueToken               string          `json:"queueToken,omitempty"`
	UploadSessionID          string          `json:"uploadSessionId,omitempty"`
	IsCompressed             bool            `json:"isCompressed,omitempty"`
	ResumeFrom               *ResumeFrom     `json:"resumeFrom,omitempty"`
	ResumeFromRound          int             `json:"resumeFromRound,omitempty"`
	LongTextMode             string          `json:"longTextMode,omitempty"`
	LongTextOptions          json.RawMessage `json:"longTextOptions,omitempty"`
}

// UploadAssembler is C12's contract, depended on as an interface so C10 can
// be wired and tested before C12 exists.
type UploadAssembler interface {
	Assemble(ctx context.Context, uploadSessionID string, isCompressed bool) (string, error)
}

// ModeCapacity resolves the admission concurrency cap for a routed mode.
// config.AdmissionConfig.ModeCapacityFor satisfies this without a direct
// import, keeping this package decoupled from the config package's YAML
// shape.
type ModeCapacity interface {
	ModeCapacityFor(mode string) int
}

// Dispatcher is the C10 Chat Dispatcher.
type Dispatcher struct {
	Admission    *admission.Controller
	Capacity     ModeCapacity
	Repo         messagerepo.Repository
	Cache        *requestcache.Cache
	Embedder     embedding.Service
	Uploads      UploadAssembler
	SingleAgent  *agentloop.Loop
	MultiAgent   *multiagent.Orchestrator
	Chunker      *chunker.Chunker
	Resumer      *resume.Resumer
	SystemPrompt string
	MemoryConfig memory.Config
	MaxRounds    int

	// HeartbeatInterval overrides the SSE keep-alive cadence; zero uses
	// defaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// ReplayFrameSize/ReplayFrameDelay override defaultCacheReplayFrameSize/
	// defaultCacheReplayFrameDelay for probeCache's fake-live-stream replay.
	ReplayFrameSize  int
	ReplayFrameDelay time.Duration
}

func (d *Dispatcher) heartbeatInterval() time.Duration {
	if d.HeartbeatInterval > 0 {
		return d.HeartbeatInterval
	}
	return defaultHeartbeatInterval
}

// ServeHTTP implements the POST /chat (and OPTIONS /chat) surface.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	log := observability.LoggerWithTrace(r.Context()).With().Str("userId", req.UserID).Str("deviceId", req.DeviceID).Logger()

	if strings.TrimSpace(req.UserID) == "" {
		http.Error(w, "userId required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" && req.UploadSessionID == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	if req.UploadSessionID != "" {
		if d.Uploads == nil {
			http.Error(w, "uploads not configured", http.StatusBadRequest)
			return
		}
		assembled, err := d.Uploads.Assemble(r.Context(), req.UploadSessionID, req.IsCompressed)
		if err != nil {
			log.Warn().Err(err).Str("uploadSessionId", req.UploadSessionID).Msg("upload_assemble_failed")
			http.Error(w, "upload not found", http.StatusBadRequest)
			return
		}
		req.Message = assembled
	}

	mode := d.resolveMode(req)
	concurrencyCap := 2
	if d.Capacity != nil {
		concurrencyCap = d.Capacity.ModeCapacityFor(mode)
	}

	result := d.Admission.Acquire(r.Context(), req.UserID, concurrencyCap, req.QueueToken)
	if !result.OK {
		log.Info().Err(apperrors.ErrAdmissionRejected).Int("queuePosition", result.QueuePosition).Msg("admission_rejected")
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSec))
		w.Header().Set("X-Queue-Token", result.QueueToken)
		w.Header().Set("X-Queue-Position", strconv.Itoa(result.QueuePosition))
		w.Header().Set("X-Queue-Estimated-Wait", strconv.Itoa(result.EstimatedWaitSec))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":            "admission rejected",
			"queueToken":       result.QueueToken,
			"queuePosition":    result.QueuePosition,
			"estimatedWaitSec": result.EstimatedWaitSec,
		})
		return
	}
	defer result.Release()

	title := req.Message
	if len(title) > 50 {
		title = title[:50]
	}
	conv, err := d.Repo.EnsureConversation(r.Context(), req.ConversationID, req.UserID, title)
	if err != nil {
		log.Error().Err(fmt.Errorf("%w: %w", apperrors.ErrPersistenceFailed, err)).Msg("ensure_conversation_failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	req.ConversationID = conv.ConversationID

	sw, err := sse.New(r.Context(), w)
	if err != nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sw.Heartbeat(d.heartbeatInterval())

	if req.ResumeFrom != nil {
		d.Resumer.Resume(r.Context(), sw, resume.Request{
			ConversationID: req.ConversationID,
			MessageID:      req.ResumeFrom.MessageID,
			FromPosition:   req.ResumeFrom.Position,
		})
		return
	}

	if _, err := d.Repo.SaveUserMessage(r.Context(), messagerepo.Message{
		ClientMessageID: req.ClientUserMessageID,
		ConversationID:  req.ConversationID,
		UserID:          req.UserID,
		Role:            "user",
		Content:         req.Message,
		ModelType:       req.ModelType,
	}); err != nil {
		log.Error().Err(fmt.Errorf("%w: %w", apperrors.ErrPersistenceFailed, err)).Msg("persist_user_message_failed")
	} else {
		_ = d.Repo.IncrementMessageCount(r.Context(), req.ConversationID, 1)
	}

	if mode == "single" && d.probeCache(r.Context(), sw, req) {
		return
	}

	switch mode {
	case "multi_agent":
		d.MultiAgent.Run(r.Context(), sw, multiagent.Request{
			ConversationID:     req.ConversationID,
			UserID:             req.UserID,
			AssistantMessageID: req.ClientAssistantMessageID,
			UserQuery:          req.Message,
			MaxRounds:          d.MaxRounds,
			ResumeFromRound:    req.ResumeFromRound,
		})
	case "chunking":
		d.Chunker.Run(r.Context(), sw, chunker.Request{
			ConversationID:  req.ConversationID,
			UserID:          req.UserID,
			ClientMessageID: req.ClientAssistantMessageID,
			UserMessage:     req.Message,
			ModelType:       req.ModelType,
		})
	default:
		d.SingleAgent.Run(r.Context(), sw, agentloop.Request{
			ConversationID:  req.ConversationID,
			UserID:          req.UserID,
			ClientMessageID: req.ClientAssistantMessageID,
			UserMessage:     req.Message,
			SystemPrompt:    d.SystemPrompt,
			ModelType:       req.ModelType,
			MemoryConfig:    d.MemoryConfig,
		})
	}
}

// resolveMode applies the explicit mode field, then the longTextMode alias,
// then auto-detection by size. An explicit "multi_agent" or "chunking" always
// wins; any other mode value, "single" included, can still be routed to the
// chunker by longTextMode or by size.
func (d *Dispatcher) resolveMode(req Request) string {
	switch req.Mode {
	case "multi_agent", "chunking":
		return req.Mode
	}
	if req.LongTextMode != "" {
		return "chunking"
	}
	if chunker.ShouldChunk(req.Message) {
		return "chunking"
	}
	return "single"
}

// probeCache checks the Request Cache for single-agent mode only (the
// standing Open Question decision: only single-agent responses are ever
// cached or replayed from cache). Returns true if it served the response.
func (d *Dispatcher) probeCache(ctx context.Context, sw *sse.Writer, req Request) bool {
	if d.Cache == nil || d.Embedder == nil || !d.Embedder.IsConfigured() {
		return false
	}
	emb, err := d.Embedder.Embed(ctx, req.Message)
	if err != nil {
		return false
	}
	match, found, err := d.Cache.FindSimilar(ctx, req.UserID, emb, requestcache.Filter{ModelType: req.ModelType, Mode: "single"})
	if err != nil || !found {
		return false
	}

	sw.WriteInit(req.ConversationID, "single")
	sources := make([]sse.Source, 0, len(match.Entry.Sources))
	for _, s := range match.Entry.Sources {
		sources = append(sources, sse.Source{Title: s.Title, URL: s.URL})
	}
	d.streamCachedReplay(sw, match.Entry.ResponseContent, match.Entry.ResponseThinking, sources)
	sw.Done()
	_ = d.Cache.IncrementHit(ctx, match.Entry.CacheID)
	return true
}

const (
	defaultCacheReplayFrameSize  = 40
	defaultCacheReplayFrameDelay = 30 * time.Millisecond
)

func (d *Dispatcher) replayFrameSize() int {
	if d.ReplayFrameSize > 0 {
		return d.ReplayFrameSize
	}
	return defaultCacheReplayFrameSize
}

func (d *Dispatcher) replayFrameDelay() time.Duration {
	if d.ReplayFrameDelay > 0 {
		return d.ReplayFrameDelay
	}
	return defaultCacheReplayFrameDelay
}

// streamCachedReplay writes content in ~40-char windows with a small
// inter-event delay so a cache hit is indistinguishable on the wire from a
// live stream. sources ride on the final event. Mirrors
// resume.Resumer.streamFrom's frame-size/sleep shape.
func (d *Dispatcher) streamCachedReplay(sw *sse.Writer, content, thinking string, sources []sse.Source) {
	if content == "" {
		sw.WriteEvent(sse.ContentEvent{Thinking: thinking, Sources: sources})
		return
	}
	remaining := content
	for len(remaining) > 0 {
		if sw.IsClosed() {
			return
		}
		n := d.replayFrameSize()
		if n > len(remaining) {
			n = len(remaining)
		}
		frame := remaining[:n]
		remaining = remaining[n:]
		event := sse.ContentEvent{Content: frame}
		if len(remaining) == 0 {
			event.Thinking = thinking
			event.Sources = sources
		}
		sw.WriteEvent(event)
		if len(remaining) > 0 {
			time.Sleep(d.replayFrameDelay())
		}
	}
}
