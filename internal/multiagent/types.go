// Package multiagent implements C7, the multi-agent orchestrator: a
// turn-based Planner/Critic/Host/Reporter debate with a non-LLM Host
// decision algorithm, checkpointed after every round via the Session
// Store (C3) and resumable across disconnects. No single reference file
// owns this shape — internal/agent/planner.go and critic.go are a
// simpler single-shot ReAct planner/critic pair, not a multi-round
// consensus debate — so the round state machine is built fresh, grounded
// on that streaming-callback style (planner.go's Plan / engine.go's
// RunStream) generalized to four distinct agent roles.
package multiagent

import "time"

// PositionSummary is the structured stance every LLM-backed agent emits
// alongside its free-form output, consumed by the Host for its decision.
type PositionSummary struct {
	Conclusion  string   `json:"conclusion"`
	KeyReasons  []string `json:"key_reasons"`
	Assumptions []string `json:"assumptions"`
	Confidence  float64  `json:"confidence"`
	Fallback    bool     `json:"fallback,omitempty"`
}

// PlannerOutput is the Planner agent's structured output.
type PlannerOutput struct {
	Plan     string          `json:"plan"`
	Position PositionSummary `json:"position"`
}

// CriticOutput is the Critic agent's structured output.
type CriticOutput struct {
	Risks         []string        `json:"risks"`
	Suggestions   []string        `json:"suggestions"`
	ValidityFlags []string        `json:"validity_flags"`
	Position      PositionSummary `json:"position"`
}

// Constraints narrows a continue decision to address specific concerns,
// used when the Host flags stubborn agents.
type Constraints struct {
	MustAddress []string `json:"must_address,omitempty"`
	Avoid       []string `json:"avoid,omitempty"`
}

// HostDecision is the Host's non-LLM routing verdict for one round.
type HostDecision struct {
	Action         string       `json:"action"` // converge | terminate | force_opposition | continue
	Reason         string       `json:"reason"`
	NextAgents     []string     `json:"next_agents"`
	Constraints    *Constraints `json:"constraints,omitempty"`
	ConsensusLevel float64      `json:"consensus_level"`
}

const (
	ActionConverge        = "converge"
	ActionTerminate        = "terminate"
	ActionForceOpposition  = "force_opposition"
	ActionContinue         = "continue"
)

// AgentState is one agent's last-known status within the session.
type AgentState struct {
	Status     string `json:"status"`
	LastOutput any    `json:"lastOutput,omitempty"`
}

// RoundRecord is one completed round's outputs, kept in history for the
// Reporter and for stubbornness/consensus comparisons against prior rounds.
type RoundRecord struct {
	Round    int             `json:"round"`
	Planner  PlannerOutput   `json:"planner"`
	Critic   CriticOutput    `json:"critic"`
	Decision HostDecision    `json:"decision"`
}

const (
	StatusInProgress = "in_progress"
	StatusConverged  = "converged"
	StatusTerminated = "terminated"
)

// SessionState is the C7 Session State data model entry, checkpointed to
// the Session Store (C3) after every round via its opaque json.RawMessage
// envelope.
type SessionState struct {
	SessionID      string         `json:"sessionId"`
	UserQuery      string         `json:"userQuery"`
	Status         string         `json:"status"`
	CurrentRound   int            `json:"currentRound"`
	MaxRounds      int            `json:"maxRounds"`
	Agents         map[string]AgentState `json:"agents"`
	History        []RoundRecord  `json:"history"`
	ConsensusTrend []float64      `json:"consensusTrend"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`

	// stubbornRoundStreak tracks, per agent name, how many consecutive
	// rounds that agent's self-similarity exceeded the stubbornness
	// threshold. Not one of the persisted session-state fields but needed
	// across rounds to detect "two consecutive rounds" — kept internal to
	// the orchestrator rather than persisted in the checkpoint schema.
	stubbornRoundStreak map[string]int `json:"-"`
}

const defaultMaxRounds = 5
