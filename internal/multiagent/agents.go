package multiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"streamorch/internal/llm"
	"streamorch/internal/sse"
	"streamorch/internal/tooling"
)

const (
	plannerSystemPrompt = `You are the Planner in a multi-agent debate. Given the user's query and any prior discussion, produce a structured plan and your position. Respond with ONLY a JSON object: {"plan": string, "position": {"conclusion": string, "key_reasons": [string], "assumptions": [string], "confidence": number 0-1}}.`
	criticSystemPrompt = `You are the Critic in a multi-agent debate. Critique the Planner's latest plan. Respond with ONLY a JSON object: {"risks": [string], "suggestions": [string], "validity_flags": [string], "position": {"conclusion": string, "key_reasons": [string], "assumptions": [string], "confidence": number 0-1}}.`
	reporterSystemPrompt = `You are the Reporter. Synthesize the full Planner/Critic discussion history into one clear, human-readable final report for the user. Respond with plain text, not JSON.`
)

// streamAgent runs one agent's turn: emits agent_start, streams deltas as
// agent_chunk, and emits agent_complete with the accumulated text. It
// returns the full accumulated content.
func (o *Orchestrator) streamAgent(ctx context.Context, w *sse.Writer, req Request, agent string, round int, systemPrompt, userPrompt string) (string, error) {
	w.WriteEvent(sse.AgentStartEvent{Type: "agent_start", Agent: agent, Round: round, Timestamp: time.Now().Unix()})

	var content strings.Builder
	handler := &agentStreamHandler{
		onDelta: func(delta string) {
			content.WriteString(delta)
			if !w.IsClosed() {
				w.WriteEvent(sse.AgentChunkEvent{Type: "agent_chunk", Agent: agent, Round: round, Chunk: delta, Timestamp: time.Now().Unix()})
			}
		},
		onToolCall: o.toolCallHandler(ctx, req, round),
	}

	msgs := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	if err := o.Provider.ChatStream(ctx, msgs, nil, o.ModelType, handler); err != nil {
		return content.String(), fmt.Errorf("multiagent: %s stream: %w", agent, err)
	}

	full := content.String()
	w.WriteEvent(sse.AgentCompleteEvent{Type: "agent_complete", Agent: agent, Round: round, FullContent: full, Timestamp: time.Now().Unix()})
	return full, nil
}

// runPlanner produces a PlannerOutput, falling back to a minimal valid
// output on parse failure per the agent fallback contract.
func (o *Orchestrator) runPlanner(ctx context.Context, w *sse.Writer, req Request, round int, userQuery, priorContext string, constraints *Constraints) PlannerOutput {
	prompt := fmt.Sprintf("User query: %s\n\nPrior discussion:\n%s%s", userQuery, priorContext, constraintsNote(constraints))
	raw, err := o.streamAgent(ctx, w, req, "planner", round, plannerSystemPrompt, prompt)
	if err != nil {
		return fallbackPlanner(err.Error())
	}
	var out PlannerOutput
	if jsonErr := unmarshalJSONObject(raw, &out); jsonErr != nil || out.Position.Conclusion == "" {
		return fallbackPlanner(raw)
	}
	return out
}

// runCritic produces a CriticOutput. When forceOpposition is set, the
// prompt is annotated to require a devil's-advocate stance.
func (o *Orchestrator) runCritic(ctx context.Context, w *sse.Writer, req Request, round int, userQuery string, planner PlannerOutput, forceOpposition bool, constraints *Constraints) CriticOutput {
	prompt := fmt.Sprintf("User query: %s\n\nPlanner's plan:\n%s\n\nPlanner's position: %s%s",
		userQuery, planner.Plan, serializePosition(planner.Position), constraintsNote(constraints))
	if forceOpposition {
		prompt += "\n\nYou must argue the strongest possible opposing position, even if you find the plan mostly sound."
	}
	raw, err := o.streamAgent(ctx, w, req, "critic", round, criticSystemPrompt, prompt)
	if err != nil {
		return fallbackCritic(err.Error())
	}
	var out CriticOutput
	if jsonErr := unmarshalJSONObject(raw, &out); jsonErr != nil || out.Position.Conclusion == "" {
		return fallbackCritic(raw)
	}
	return out
}

// runReporter synthesizes the final report from the full round history.
func (o *Orchestrator) runReporter(ctx context.Context, w *sse.Writer, req Request, state SessionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User query: %s\n\n", state.UserQuery)
	for _, r := range state.History {
		fmt.Fprintf(&b, "Round %d:\nPlanner: %s\nCritic risks: %s\nHost: %s (%s)\n\n",
			r.Round, r.Planner.Plan, strings.Join(r.Critic.Risks, "; "), r.Decision.Action, r.Decision.Reason)
	}
	content, err := o.streamAgent(ctx, w, req, "reporter", state.CurrentRound, reporterSystemPrompt, b.String())
	if err != nil || strings.TrimSpace(content) == "" {
		return "Unable to synthesize a final report; see the round-by-round discussion above."
	}
	return content
}

func constraintsNote(c *Constraints) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	if len(c.MustAddress) > 0 {
		fmt.Fprintf(&b, "\n\nYou must address: %s", strings.Join(c.MustAddress, "; "))
	}
	if len(c.Avoid) > 0 {
		fmt.Fprintf(&b, "\nAvoid: %s", strings.Join(c.Avoid, "; "))
	}
	return b.String()
}

// unmarshalJSONObject takes the span of raw from the first '{' to the last
// '}' (the
// model's reply may carry leading/trailing prose despite the system
// prompt's instruction) and unmarshals it into v.
func unmarshalJSONObject(raw string, v any) error {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("multiagent: no JSON object found")
	}
	return json.Unmarshal([]byte(raw[start:end+1]), v)
}

func fallbackPlanner(raw string) PlannerOutput {
	return PlannerOutput{
		Plan: strings.TrimSpace(raw),
		Position: PositionSummary{
			Conclusion: "unable to parse a structured position this round",
			Confidence: 0.65,
			Fallback:   true,
		},
	}
}

func fallbackCritic(raw string) CriticOutput {
	return CriticOutput{
		Risks: []string{"critic output could not be parsed this round"},
		Position: PositionSummary{
			Conclusion: "unable to parse a structured position this round",
			Confidence: 0.65,
			Fallback:   true,
		},
	}
}

// toolCallHandler routes a natively-surfaced tool call through the same
// dispatcher policy and metrics path as the single-agent loop, even though
// no Planner/Critic/Reporter pass offers a tool schema today.
func (o *Orchestrator) toolCallHandler(ctx context.Context, req Request, round int) func(llm.ToolCall) {
	if o.Tools == nil {
		return nil
	}
	return func(tc llm.ToolCall) {
		meta := tooling.CallMeta{ConversationID: req.ConversationID, UserID: req.UserID, Round: round}
		o.Tools.ExecuteCall(ctx, tc.Name, tc.Args, meta)
	}
}

// agentStreamHandler implements llm.StreamHandler for one agent turn;
// thinking is not part of the multi-agent agent contract.
type agentStreamHandler struct {
	onDelta    func(string)
	onToolCall func(llm.ToolCall)
}

func (h *agentStreamHandler) OnDelta(content string) {
	if h.onDelta != nil {
		h.onDelta(content)
	}
}
func (h *agentStreamHandler) OnThinking(content string) {}
func (h *agentStreamHandler) OnToolCall(tc llm.ToolCall) {
	if h.onToolCall != nil {
		h.onToolCall(tc)
	}
}
