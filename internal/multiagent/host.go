package multiagent

import (
	"fmt"
	"strings"

	"streamorch/internal/embedding"
	"streamorch/internal/vectormath"
)

const (
	convergeThreshold       = 0.90
	forceOppositionThreshold = 0.70
	stubbornSelfSimilarity  = 0.98
	stubbornRoundsRequired  = 2
)

// serializePosition renders a PositionSummary to the canonical text form the
// Host compares for consensus and self-similarity.
func serializePosition(p PositionSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "conclusion: %s\n", p.Conclusion)
	fmt.Fprintf(&b, "key_reasons: %s\n", strings.Join(p.KeyReasons, "; "))
	fmt.Fprintf(&b, "assumptions: %s", strings.Join(p.Assumptions, "; "))
	return b.String()
}

// similarity compares two canonical position texts: embedding-based cosine
// similarity when an embedder is configured, otherwise a token-overlap
// (Jaccard) fallback so the Host degrades rather than fails when no
// embedding backend is reachable.
func similarity(embedder embedding.Service, ctxEmbed func(string) ([]float32, bool), a, b string) float64 {
	if embedder != nil && embedder.IsConfigured() {
		va, okA := ctxEmbed(a)
		vb, okB := ctxEmbed(b)
		if okA && okB {
			return vectormath.CosineSimilarity(va, vb)
		}
	}
	return tokenOverlapSimilarity(a, b)
}

// tokenOverlapSimilarity is the Jaccard index over lowercased word sets.
func tokenOverlapSimilarity(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	intersection := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			intersection++
		}
	}
	union := len(wa) + len(wb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// host evaluates one round: computes consensus, detects stubbornness, and
// applies the decision table top-to-bottom.
type host struct {
	embedder embedding.Service
	embedFn  func(string) ([]float32, bool)
}

func newHost(embedder embedding.Service, embedFn func(string) ([]float32, bool)) *host {
	return &host{embedder: embedder, embedFn: embedFn}
}

// decide computes the HostDecision for this round and mutates state's
// consensusTrend and stubbornRoundStreak as a side effect.
func (h *host) decide(state *SessionState, round int, planner PlannerOutput, critic CriticOutput) HostDecision {
	plannerText := serializePosition(planner.Position)
	criticText := serializePosition(critic.Position)

	consensus := similarity(h.embedder, h.embedFn, plannerText, criticText)
	state.ConsensusTrend = append(state.ConsensusTrend, consensus)

	stubborn := h.detectStubborn(state, round, "planner", plannerText)
	stubborn = append(stubborn, h.detectStubborn(state, round, "critic", criticText)...)

	switch {
	case round >= state.MaxRounds:
		return HostDecision{
			Action: ActionTerminate, Reason: "max rounds reached",
			NextAgents: []string{"reporter"}, ConsensusLevel: consensus,
		}
	case consensus > convergeThreshold:
		return HostDecision{
			Action: ActionConverge, Reason: "planner and critic positions have converged",
			NextAgents: []string{"planner", "critic", "reporter"}, ConsensusLevel: consensus,
		}
	case consensus <= forceOppositionThreshold && round >= 2:
		return HostDecision{
			Action: ActionForceOpposition, Reason: "positions diverge sharply; forcing critic opposition",
			NextAgents: []string{"critic"}, ConsensusLevel: consensus,
		}
	case len(stubborn) > 0:
		return HostDecision{
			Action: ActionContinue, Reason: fmt.Sprintf("stubborn agents detected: %s", strings.Join(stubborn, ", ")),
			NextAgents: stubborn, ConsensusLevel: consensus,
			Constraints: &Constraints{
				MustAddress: []string{"reconsider assumptions given the opposing position"},
				Avoid:       []string{"repeating the previous round's conclusion unchanged"},
			},
		}
	default:
		return HostDecision{
			Action: ActionContinue, Reason: "discussion ongoing, no convergence yet",
			NextAgents: []string{"planner", "critic"}, ConsensusLevel: consensus,
		}
	}
}

// detectStubborn compares this round's position text for agentName against
// its previous round's, flags it if self-similarity exceeds the threshold,
// and returns agentName in a one-element slice once that has happened for
// two consecutive rounds.
func (h *host) detectStubborn(state *SessionState, round int, agentName, currentText string) []string {
	if round < 2 || len(state.History) == 0 {
		return nil
	}
	prev := state.History[len(state.History)-1]
	var prevText string
	switch agentName {
	case "planner":
		prevText = serializePosition(prev.Planner.Position)
	case "critic":
		prevText = serializePosition(prev.Critic.Position)
	}
	selfSim := similarity(h.embedder, h.embedFn, currentText, prevText)

	if state.stubbornRoundStreak == nil {
		state.stubbornRoundStreak = make(map[string]int)
	}
	if selfSim > stubbornSelfSimilarity {
		state.stubbornRoundStreak[agentName]++
	} else {
		state.stubbornRoundStreak[agentName] = 0
	}
	if state.stubbornRoundStreak[agentName] >= stubbornRoundsRequired {
		return []string{agentName}
	}
	return nil
}
