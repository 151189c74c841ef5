package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"streamorch/internal/observability"
)

// ToolConfig is the per-tool policy applied around a call.
type ToolConfig struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
	BreakerThreshold   int
	BreakerCooldown    time.Duration
	CacheTTL           time.Duration
	Timeout            time.Duration
}

const defaultTimeout = 20 * time.Second

type toolState struct {
	limiter *tokenBucket
	brk     *breaker
	cache   *resultCache
	timeout time.Duration
}

// MetricsSink records one completed tool invocation, per the Tool Call
// Record shape (round, tool, input, output, success, elapsedMs). Kept as a
// narrow interface here rather than importing a concrete backend, so the
// dispatcher stays agnostic to where (or whether) invocations are logged.
type MetricsSink interface {
	Record(ctx context.Context, rec ToolInvocation)
}

// ToolInvocation is one Tool Call Record plus the conversation/user scope
// every other append-only record in this service carries.
type ToolInvocation struct {
	ConversationID string
	UserID         string
	Round          int
	Tool           string
	Input          json.RawMessage
	Output         string
	Success        bool
	ElapsedMs      int64
}

// CallMeta scopes one ExtractAndExecute call for metrics purposes.
type CallMeta struct {
	ConversationID string
	UserID         string
	Round          int
}

// Dispatcher is the C5 Tool Dispatcher.
type Dispatcher struct {
	registry *Registry
	states   map[string]*toolState
	Metrics  MetricsSink // optional; nil means no metrics are recorded
}

func NewDispatcher(registry *Registry, configs map[string]ToolConfig) *Dispatcher {
	d := &Dispatcher{registry: registry, states: make(map[string]*toolState)}
	for name, cfg := range configs {
		d.states[name] = &toolState{
			limiter: newTokenBucket(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
			brk:     newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
			cache:   newResultCache(cfg.CacheTTL),
			timeout: cfg.Timeout,
		}
	}
	return d
}

func (d *Dispatcher) stateFor(name string) *toolState {
	st, ok := d.states[name]
	if ok {
		return st
	}
	// Tools registered without explicit config still get safe defaults
	// rather than bypassing the policy entirely.
	st = &toolState{
		limiter: newTokenBucket(5, 5),
		brk:     newBreaker(5, 30*time.Second),
		cache:   newResultCache(30 * time.Second),
		timeout: defaultTimeout,
	}
	d.states[name] = st
	return st
}

// Outcome is the dispatcher's result for one extract+execute pass, shaped
// after the {hasToolCall, toolCall?, toolResult?, error?} fields of the
// dispatcher contract; whether to continue is decided separately by
// ShouldContinueLoop.
type Outcome struct {
	HasToolCall bool
	ToolName    string
	ToolInput   json.RawMessage
	ResultText  string
	Success     bool
	Err         error
}

// ExtractAndExecute scans text for a tool-call payload and, if found, routes
// and executes it under that tool's policy. Extraction failure is reported
// as HasToolCall=false, never as Err — per the failure semantics, a text
// that merely looks like it might contain a call but doesn't parse is just
// not a tool call.
func (d *Dispatcher) ExtractAndExecute(ctx context.Context, text string, meta CallMeta) Outcome {
	for _, candidate := range extractCandidates(text) {
		var envelope struct {
			Tool  string          `json:"tool"`
			Input json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal([]byte(candidate), &envelope); err != nil || envelope.Tool == "" {
			continue
		}
		return d.execute(ctx, envelope.Tool, envelope.Input, meta)
	}
	return Outcome{HasToolCall: false}
}

// ExecuteCall routes and executes a tool call already structured by the
// model backend's native function-calling surface, as opposed to
// ExtractAndExecute's text-embedded parsing. Both paths converge on the
// same per-tool policy and metrics recording.
func (d *Dispatcher) ExecuteCall(ctx context.Context, name string, args json.RawMessage, meta CallMeta) Outcome {
	return d.execute(ctx, name, args, meta)
}

func (d *Dispatcher) execute(ctx context.Context, name string, args json.RawMessage, meta CallMeta) Outcome {
	started := time.Now()
	outcome := d.doExecute(ctx, name, args)
	if d.Metrics != nil {
		d.Metrics.Record(ctx, ToolInvocation{
			ConversationID: meta.ConversationID, UserID: meta.UserID, Round: meta.Round,
			Tool: name, Input: args, Output: outcome.ResultText, Success: outcome.Success,
			ElapsedMs: time.Since(started).Milliseconds(),
		})
	}
	return outcome
}

func (d *Dispatcher) doExecute(ctx context.Context, name string, args json.RawMessage) Outcome {
	tool, ok := d.registry.Get(name)
	if !ok {
		return Outcome{
			HasToolCall: true, ToolName: name, ToolInput: args,
			Success: false, ResultText: fmt.Sprintf("tool %q is not available, try again", name),
		}
	}

	st := d.stateFor(name)

	cacheKey := name + ":" + string(args)
	if payload, success, found := st.cache.get(cacheKey); found {
		return Outcome{HasToolCall: true, ToolName: name, ToolInput: args, Success: success, ResultText: string(payload)}
	}

	if !st.limiter.allow() {
		return Outcome{
			HasToolCall: true, ToolName: name, ToolInput: args,
			Success: false, ResultText: fmt.Sprintf("tool %q is rate limited, try again shortly", name),
		}
	}

	if !st.brk.allow() {
		observability.Metrics().BreakerTrips.Add(ctx, 1)
		return Outcome{
			HasToolCall: true, ToolName: name, ToolInput: args,
			Success: false, ResultText: fmt.Sprintf("tool %q is temporarily unavailable, try again later", name),
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if st.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, st.timeout)
		defer cancel()
	}

	val, err := tool.Call(callCtx, args)
	if err != nil {
		st.brk.recordFailure()
		resultText := fmt.Sprintf("tool %q failed: %s, try again", name, err.Error())
		st.cache.put(cacheKey, []byte(resultText), false)
		return Outcome{HasToolCall: true, ToolName: name, ToolInput: args, Success: false, Err: err, ResultText: resultText}
	}

	st.brk.recordSuccess()
	body, marshalErr := json.Marshal(val)
	if marshalErr != nil {
		body = []byte(fmt.Sprintf("%v", val))
	}
	st.cache.put(cacheKey, body, true)
	return Outcome{HasToolCall: true, ToolName: name, ToolInput: args, Success: true, ResultText: string(body)}
}

// Continuation policy constants (spec defaults).
const (
	DefaultMaxToolRounds  = 5
	DefaultToolRoundBudget = 120 * time.Second
)

var cueWords = []string{"then", "next", "after", "also"}

// HasContinuationCue reports whether the user's original message hints at a
// multi-step task, used to decide whether to nudge the model to proceed
// rather than stop after one tool round.
func HasContinuationCue(userMessage string) bool {
	lower := strings.ToLower(userMessage)
	for _, cue := range cueWords {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// ShouldContinueLoop applies the dispatcher's continuation policy: stop once
// the round cap or wall-clock budget is exceeded, or once the model itself
// reports it is done.
func ShouldContinueLoop(round, maxRounds int, elapsed, budget time.Duration, modelWantsToContinue bool) bool {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}
	if budget <= 0 {
		budget = DefaultToolRoundBudget
	}
	if round >= maxRounds {
		return false
	}
	if elapsed >= budget {
		return false
	}
	return modelWantsToContinue
}

// ContinuationFeedback synthesizes the text fed back to the model after a
// tool round, nudging it toward the next step when the user's message
// implied one.
func ContinuationFeedback(userMessage string, toolResultText string) string {
	if HasContinuationCue(userMessage) {
		return toolResultText + "\n\nContinue with the next step of the user's request."
	}
	return toolResultText
}
