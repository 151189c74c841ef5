package sse

// Event payloads. Per the design note against "dynamic, loosely-typed event
// payloads", each SSE event is a distinct Go struct with its own canonical
// JSON shape rather than a shared map[string]any — the discriminator field
// (where one exists) is just a normal struct field.

// InitEvent is the mandatory first event of every stream.
type InitEvent struct {
	ConversationID string `json:"conversationId"`
	Type           string `json:"type"`
	Mode           string `json:"mode,omitempty"`
}

// Source is a citation surfaced alongside a single-agent reply.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ToolCallNotice is embedded in a ContentEvent when the model emitted a tool
// call the dispatcher is about to execute.
type ToolCallNotice struct {
	Tool  string `json:"tool"`
	Input any    `json:"input,omitempty"`
}

// ContentEvent is the single-agent streaming payload; it carries no "type"
// discriminator, unlike the other event structs.
type ContentEvent struct {
	Content  string          `json:"content"`
	Thinking string          `json:"thinking,omitempty"`
	Sources  []Source        `json:"sources,omitempty"`
	ToolCall *ToolCallNotice `json:"toolCall,omitempty"`
}

// AgentStartEvent marks the beginning of one agent's turn within one round.
type AgentStartEvent struct {
	Type      string `json:"type"`
	Agent     string `json:"agent"`
	Round     int    `json:"round"`
	Timestamp int64  `json:"timestamp"`
}

// AgentChunkEvent carries one streamed delta from an agent. Chunking event
// reuse (C8) uses this same shape.
type AgentChunkEvent struct {
	Type      string `json:"type"`
	Agent     string `json:"agent"`
	Round     int    `json:"round"`
	Chunk     string `json:"chunk"`
	Timestamp int64  `json:"timestamp"`
}

// AgentCompleteEvent carries an agent's full output for the round.
type AgentCompleteEvent struct {
	Type        string         `json:"type"`
	Agent       string         `json:"agent"`
	Round       int            `json:"round"`
	FullContent string         `json:"full_content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

// HostDecisionEvent carries the Host's routing decision for the round.
type HostDecisionEvent struct {
	Type           string   `json:"type"`
	Action         string   `json:"action"`
	Reason         string   `json:"reason"`
	NextAgents     []string `json:"next_agents"`
	ConsensusLevel float64  `json:"consensus_level"`
	Timestamp      int64    `json:"timestamp"`
}

// RoundCompleteEvent marks one fully-executed round.
type RoundCompleteEvent struct {
	Type      string `json:"type"`
	Round     int    `json:"round"`
	Timestamp int64  `json:"timestamp"`
}

// ResumeEvent is emitted immediately after InitEvent when a multi-agent run
// resumes from a checkpoint.
type ResumeEvent struct {
	Type             string `json:"type"`
	ResumedFromRound int    `json:"resumedFromRound"`
	ContinueFromRound int   `json:"continueFromRound"`
	Timestamp        int64  `json:"timestamp"`
}

// SessionCompleteEvent is the terminal multi-agent event, emitted just
// before [DONE].
type SessionCompleteEvent struct {
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Rounds         int       `json:"rounds"`
	ConsensusTrend []float64 `json:"consensus_trend"`
	Timestamp      int64     `json:"timestamp"`
}

// ErrorEvent is a terminal error surfaced to the UI.
type ErrorEvent struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
