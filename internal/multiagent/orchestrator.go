package multiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"streamorch/internal/apperrors"
	"streamorch/internal/checkpointworker"
	"streamorch/internal/embedding"
	"streamorch/internal/llm"
	"streamorch/internal/messagerepo"
	"streamorch/internal/observability"
	"streamorch/internal/sessionstore"
	"streamorch/internal/sse"
	"streamorch/internal/tooling"
)

// Orchestrator runs C7, the multi-agent Planner/Critic/Host/Reporter
// debate, for one conversation turn.
type Orchestrator struct {
	Provider     llm.Provider
	ModelType    string
	SessionStore *sessionstore.Store
	Repo         messagerepo.Repository
	Embedder     embedding.Service

	// Checkpoints, if set, routes every checkpoint write through the C11
	// bounded worker pool instead of saving on the orchestrator's own
	// goroutine, so a client disconnect's context cancellation can never
	// cut short an in-flight checkpoint write. Nil falls back to a direct
	// SessionStore.Save (still correct, just not decoupled from the
	// request context — fine for tests and for a pool-less deployment).
	Checkpoints *checkpointworker.Pool

	// Tools is optional. None of Planner/Critic/Reporter are offered a tool
	// schema — each is a closed structured-output or synthesis pass — but a
	// backend can still surface a native call unprompted, and when it does
	// it is routed through the same dispatcher policy as C6 rather than
	// dropped.
	Tools *tooling.Dispatcher
}

// Request bundles one multi-agent run's inputs.
type Request struct {
	ConversationID     string
	UserID             string
	AssistantMessageID string
	UserQuery          string
	MaxRounds          int
	ResumeFromRound    int
}

// Run executes the full round protocol: resume-if-possible, round loop
// with client-liveness checks and per-round checkpointing, then the
// Reporter and final persistence. It always returns (errors are reported
// as an ErrorEvent, never propagated) so the caller's admission release
// can run unconditionally.
func (o *Orchestrator) Run(ctx context.Context, w *sse.Writer, req Request) {
	log := observability.LoggerWithTrace(ctx).With().Str("conversationId", req.ConversationID).Logger()

	if req.MaxRounds <= 0 {
		req.MaxRounds = defaultMaxRounds
	}
	if req.AssistantMessageID == "" {
		req.AssistantMessageID = uuid.NewString()
	}

	w.WriteInit(req.ConversationID, "multi")

	state, startRound := o.resumeOrStart(ctx, w, req)

	h := newHost(o.Embedder, o.embedFn(ctx))

	for round := startRound; round <= state.MaxRounds; round++ {
		if w.IsClosed() {
			state.Status = StatusTerminated
			log.Info().Err(apperrors.ErrClientGone).Int("round", round).Msg("multiagent_client_disconnected")
			o.checkpoint(ctx, req, state)
			return
		}

		state.CurrentRound = round

		priorContext := ""
		forceOpposition := false
		var constraints *Constraints
		if len(state.History) > 0 {
			last := state.History[len(state.History)-1]
			priorContext = serializePosition(last.Planner.Position)
			forceOpposition = last.Decision.Action == ActionForceOpposition
			constraints = last.Decision.Constraints
		}

		planner := o.runPlanner(ctx, w, req, round, req.UserQuery, priorContext, constraints)
		if w.IsClosed() {
			state.Status = StatusTerminated
			o.checkpoint(ctx, req, state)
			return
		}
		critic := o.runCritic(ctx, w, req, round, req.UserQuery, planner, forceOpposition, constraints)

		decision := h.decide(&state, round, planner, critic)
		w.WriteEvent(sse.HostDecisionEvent{
			Type: "host_decision", Action: decision.Action, Reason: decision.Reason,
			NextAgents: decision.NextAgents, ConsensusLevel: decision.ConsensusLevel, Timestamp: time.Now().Unix(),
		})

		state.History = append(state.History, RoundRecord{Round: round, Planner: planner, Critic: critic, Decision: decision})
		state.UpdatedAt = time.Now()

		w.WriteEvent(sse.RoundCompleteEvent{Type: "round_complete", Round: round, Timestamp: time.Now().Unix()})
		o.checkpointAsync(ctx, req, state)

		switch decision.Action {
		case ActionConverge:
			state.Status = StatusConverged
			o.finish(ctx, w, req, state)
			return
		case ActionTerminate:
			state.Status = StatusTerminated
			o.finish(ctx, w, req, state)
			return
		case ActionForceOpposition, ActionContinue:
			// loop continues; force_opposition and stubborn-targeted
			// continue both just annotate next round's prompts, already
			// captured above from state.History's last decision.
		}
	}

	// Round cap exhausted without an explicit terminate/converge decision
	// (defensive: the decision table's round>=maxRounds clause should
	// always fire first, but a caller-supplied maxRounds of 0 or a bug
	// upstream should not hang the loop).
	state.Status = StatusTerminated
	o.finish(ctx, w, req, state)
}

// finish runs the Reporter, persists the final assistant message, deletes
// the checkpoint, and closes the stream.
func (o *Orchestrator) finish(ctx context.Context, w *sse.Writer, req Request, state SessionState) {
	report := o.runReporter(ctx, w, req, state)

	_, err := o.Repo.UpsertAssistantMessage(ctx, messagerepo.Message{
		ClientMessageID: req.AssistantMessageID,
		ConversationID:  req.ConversationID,
		UserID:          req.UserID,
		Role:            "assistant",
		Content:         report,
	})
	if err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(fmt.Errorf("%w: %w", apperrors.ErrPersistenceFailed, err)).Msg("multiagent_persist_failed")
	} else {
		_ = o.Repo.IncrementMessageCount(ctx, req.ConversationID, 1)
	}

	if o.SessionStore != nil {
		_ = o.SessionStore.Delete(ctx, req.ConversationID, req.AssistantMessageID, req.UserID)
	}

	w.WriteEvent(sse.SessionCompleteEvent{
		Type: "session_complete", Status: state.Status, Rounds: state.CurrentRound,
		ConsensusTrend: state.ConsensusTrend, Timestamp: time.Now().Unix(),
	})
	w.Done()
}

// resumeOrStart restores a checkpointed session if req.ResumeFromRound
// indicates one should exist and it is not stale, otherwise starts fresh
// from round 1.
func (o *Orchestrator) resumeOrStart(ctx context.Context, w *sse.Writer, req Request) (SessionState, int) {
	fresh := SessionState{
		SessionID: req.AssistantMessageID, UserQuery: req.UserQuery, Status: StatusInProgress,
		MaxRounds: req.MaxRounds, Agents: map[string]AgentState{}, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}

	if req.ResumeFromRound <= 1 || o.SessionStore == nil {
		return fresh, 1
	}

	st, found, err := o.SessionStore.Load(ctx, req.ConversationID, req.AssistantMessageID, sessionstore.LoadOptions{RenewTTL: true, MaxRounds: req.MaxRounds})
	if err != nil || !found || st.CompletedRounds < req.ResumeFromRound-1 {
		return fresh, 1
	}

	var restored SessionState
	if err := json.Unmarshal(st.SessionState, &restored); err != nil {
		return fresh, 1
	}
	if restored.Agents == nil {
		restored.Agents = map[string]AgentState{}
	}
	continueFrom := st.CompletedRounds + 1
	w.WriteEvent(sse.ResumeEvent{Type: "resume", ResumedFromRound: st.CompletedRounds, ContinueFromRound: continueFrom, Timestamp: time.Now().Unix()})
	return restored, continueFrom
}

// checkpoint saves without an audit event — used on the client-disconnect
// path, where the orchestrator is about to return anyway. With a C11 pool
// configured the save is queued on the pool; without one it runs
// synchronously.
func (o *Orchestrator) checkpoint(ctx context.Context, req Request, state SessionState) {
	o.saveCheckpoint(ctx, req, state, nil)
}

// checkpointAsync saves after a completed round, routed through the C11
// pool when configured so the write outlives this request's context.
func (o *Orchestrator) checkpointAsync(ctx context.Context, req Request, state SessionState) {
	o.saveCheckpoint(ctx, req, state, &checkpointworker.AuditEvent{
		Kind: "round_complete", ConversationID: req.ConversationID,
		AssistantMessageID: req.AssistantMessageID, UserID: req.UserID, CompletedRounds: state.CurrentRound,
	})
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, req Request, state SessionState, audit *checkpointworker.AuditEvent) {
	if o.SessionStore == nil {
		return
	}
	body, err := json.Marshal(state)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(fmt.Errorf("%w: %w", apperrors.ErrSchemaViolation, err)).Msg("multiagent_checkpoint_marshal_failed")
		return
	}
	st := sessionstore.State{
		ConversationID: req.ConversationID, AssistantMessageID: req.AssistantMessageID, UserID: req.UserID,
		CompletedRounds: state.CurrentRound, MaxRounds: state.MaxRounds, SessionState: body, UserQuery: state.UserQuery,
	}
	opts := sessionstore.SaveOptions{MaxRounds: state.MaxRounds}

	if o.Checkpoints != nil {
		opts.Async = true
		if !o.Checkpoints.Submit(ctx, checkpointworker.Job{State: st, SaveOpts: opts, Audit: audit}) {
			observability.LoggerWithTrace(ctx).Warn().Str("conversationId", req.ConversationID).Msg("multiagent_checkpoint_queue_full")
		}
		return
	}

	opts.Async = audit != nil
	if err := o.SessionStore.Save(ctx, st, opts); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(fmt.Errorf("%w: %w", apperrors.ErrCacheDegraded, err)).Msg("multiagent_checkpoint_save_failed")
	}
}

// embedFn adapts the Embedder into the closure signature the Host's
// similarity helper expects, swallowing embed errors into ok=false so the
// Host falls back to token overlap rather than aborting the round.
func (o *Orchestrator) embedFn(ctx context.Context) func(string) ([]float32, bool) {
	return func(text string) ([]float32, bool) {
		if o.Embedder == nil || !o.Embedder.IsConfigured() {
			return nil, false
		}
		vec, err := o.Embedder.Embed(ctx, text)
		if err != nil {
			return nil, false
		}
		return vec, true
	}
}
