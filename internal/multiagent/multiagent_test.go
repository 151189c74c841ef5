package multiagent

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamorch/internal/checkpointworker"
	"streamorch/internal/embedding"
	"streamorch/internal/kv"
	"streamorch/internal/llm"
	"streamorch/internal/messagerepo"
	"streamorch/internal/sessionstore"
	"streamorch/internal/sse"
)

type fakeProvider struct {
	respond func(systemPrompt string) string
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	return llm.Message{}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	sys := ""
	if len(msgs) > 0 {
		sys = msgs[0].Content
	}
	h.OnDelta(f.respond(sys))
	return nil
}

func newTestWriter(t *testing.T) (*sse.Writer, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	w, err := sse.New(context.Background(), rec)
	require.NoError(t, err)
	return w, rec
}

func roleOf(systemPrompt string) string {
	switch {
	case strings.Contains(systemPrompt, "Planner"):
		return "planner"
	case strings.Contains(systemPrompt, "Critic"):
		return "critic"
	default:
		return "reporter"
	}
}

func TestRun_ConvergesWhenPositionsAgree(t *testing.T) {
	w, rec := newTestWriter(t)
	provider := &fakeProvider{respond: func(sys string) string {
		switch roleOf(sys) {
		case "planner":
			return `{"plan":"do the thing","position":{"conclusion":"ship it","key_reasons":["works"],"assumptions":["stable"],"confidence":0.9}}`
		case "critic":
			return `{"risks":[],"suggestions":[],"validity_flags":["ok"],"position":{"conclusion":"ship it","key_reasons":["works"],"assumptions":["stable"],"confidence":0.9}}`
		default:
			return "Final report: ship it."
		}
	}}

	o := &Orchestrator{Provider: provider, ModelType: "test-model", Repo: messagerepo.NewMemoryRepository(), Embedder: &embedding.FakeService{Configured: false}}
	req := Request{ConversationID: "c1", UserID: "u1", AssistantMessageID: "a1", UserQuery: "should we ship?", MaxRounds: 5}
	o.Run(context.Background(), w, req)

	body := rec.Body.String()
	require.Contains(t, body, "\"action\":\"converge\"")
	require.Contains(t, body, "\"status\":\"converged\"")
	require.Contains(t, body, "[DONE]")

	msgs, err := o.Repo.RecentMessages(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Content, "ship it")
}

func TestRun_TerminatesAtMaxRounds(t *testing.T) {
	w, rec := newTestWriter(t)
	provider := &fakeProvider{respond: func(sys string) string {
		switch roleOf(sys) {
		case "planner":
			return `{"plan":"plan","position":{"conclusion":"planner stance","key_reasons":["x"],"assumptions":["y"],"confidence":0.7}}`
		case "critic":
			return `{"risks":["r"],"suggestions":[],"validity_flags":[],"position":{"conclusion":"totally different stance","key_reasons":["z"],"assumptions":["w"],"confidence":0.7}}`
		default:
			return "Final synthesis."
		}
	}}

	o := &Orchestrator{Provider: provider, ModelType: "test-model", Repo: messagerepo.NewMemoryRepository(), Embedder: &embedding.FakeService{Configured: false}}
	req := Request{ConversationID: "c2", UserID: "u1", AssistantMessageID: "a2", UserQuery: "debate this", MaxRounds: 2}
	o.Run(context.Background(), w, req)

	body := rec.Body.String()
	require.Contains(t, body, "\"status\":\"terminated\"")
	require.Contains(t, body, "[DONE]")

	msgs, err := o.Repo.RecentMessages(context.Background(), "c2", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestRun_RoutesRoundCheckpointsThroughWorkerPool(t *testing.T) {
	w, rec := newTestWriter(t)
	provider := &fakeProvider{respond: func(sys string) string {
		switch roleOf(sys) {
		case "planner":
			return `{"plan":"plan","position":{"conclusion":"planner stance","key_reasons":["x"],"assumptions":["y"],"confidence":0.7}}`
		case "critic":
			return `{"risks":["r"],"suggestions":[],"validity_flags":[],"position":{"conclusion":"totally different stance","key_reasons":["z"],"assumptions":["w"],"confidence":0.7}}`
		default:
			return "Final synthesis."
		}
	}}

	store := sessionstore.New(kv.NewMemClient(), 0, 0)
	auditor := &recordingAuditor{}
	pool := checkpointworker.New(store, 8, 2, checkpointworker.WithAuditPublisher(auditor))

	o := &Orchestrator{
		Provider: provider, ModelType: "test-model", Repo: messagerepo.NewMemoryRepository(),
		SessionStore: store, Checkpoints: pool, Embedder: &embedding.FakeService{Configured: false},
	}
	req := Request{ConversationID: "c7", UserID: "u1", AssistantMessageID: "a7", UserQuery: "debate this", MaxRounds: 2}
	o.Run(context.Background(), w, req)
	pool.Close() // blocks until every submitted round-complete job has drained

	require.Contains(t, rec.Body.String(), "\"status\":\"terminated\"")
	require.NotZero(t, auditor.calls(), "expected at least one round_complete checkpoint to have gone through the pool")
}

type recordingAuditor struct {
	mu sync.Mutex
	n  int
}

func (a *recordingAuditor) Publish(ctx context.Context, ev checkpointworker.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return nil
}

func (a *recordingAuditor) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

func TestRun_FallsBackWhenPlannerOutputUnparseable(t *testing.T) {
	w, rec := newTestWriter(t)
	_ = rec
	provider := &fakeProvider{respond: func(sys string) string {
		switch roleOf(sys) {
		case "planner":
			return "this is not json at all"
		case "critic":
			return `{"risks":[],"suggestions":[],"validity_flags":[],"position":{"conclusion":"fine","key_reasons":[],"assumptions":[],"confidence":0.8}}`
		default:
			return "Final report."
		}
	}}

	o := &Orchestrator{Provider: provider, ModelType: "test-model", Repo: messagerepo.NewMemoryRepository(), Embedder: &embedding.FakeService{Configured: false}}
	req := Request{ConversationID: "c3", UserID: "u1", AssistantMessageID: "a3", UserQuery: "q", MaxRounds: 1}
	o.Run(context.Background(), w, req)

	msgs, err := o.Repo.RecentMessages(context.Background(), "c3", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1) // fallback path still completes the session, never aborts
}

func TestRun_ClientDisconnectStopsBeforeAnyRoundRuns(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	w, err := sse.New(ctx, rec)
	require.NoError(t, err)
	cancel()
	time.Sleep(10 * time.Millisecond)

	calls := 0
	provider := &fakeProvider{respond: func(sys string) string { calls++; return "{}" }}
	store := sessionstore.New(kv.NewMemClient(), 0, 0)
	o := &Orchestrator{Provider: provider, ModelType: "test-model", Repo: messagerepo.NewMemoryRepository(), SessionStore: store, Embedder: &embedding.FakeService{Configured: false}}
	req := Request{ConversationID: "c4", UserID: "u1", AssistantMessageID: "a4", UserQuery: "q", MaxRounds: 3}
	o.Run(ctx, w, req)

	require.Equal(t, 0, calls)
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	store := sessionstore.New(kv.NewMemClient(), 0, 0)
	repo := messagerepo.NewMemoryRepository()

	prior := SessionState{
		SessionID: "a5", UserQuery: "q", Status: StatusInProgress, MaxRounds: 5, CurrentRound: 1,
		History: []RoundRecord{{
			Round: 1,
			Planner: PlannerOutput{Plan: "p1", Position: PositionSummary{Conclusion: "ship it", Confidence: 0.9}},
			Critic:  CriticOutput{Position: PositionSummary{Conclusion: "ship it", Confidence: 0.9}},
			Decision: HostDecision{Action: ActionContinue},
		}},
		ConsensusTrend: []float64{0.5},
	}
	body, err := json.Marshal(prior)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), sessionstore.State{
		ConversationID: "c5", AssistantMessageID: "a5", UserID: "u1",
		CompletedRounds: 1, MaxRounds: 5, SessionState: body, UserQuery: "q",
	}, sessionstore.SaveOptions{MaxRounds: 5}))

	w, rec := newTestWriter(t)
	provider := &fakeProvider{respond: func(sys string) string {
		switch roleOf(sys) {
		case "planner":
			return `{"plan":"p2","position":{"conclusion":"ship it","key_reasons":[],"assumptions":[],"confidence":0.9}}`
		case "critic":
			return `{"risks":[],"suggestions":[],"validity_flags":[],"position":{"conclusion":"ship it","key_reasons":[],"assumptions":[],"confidence":0.9}}`
		default:
			return "Final."
		}
	}}
	o := &Orchestrator{Provider: provider, ModelType: "test-model", Repo: repo, SessionStore: store, Embedder: &embedding.FakeService{Configured: false}}
	req := Request{ConversationID: "c5", UserID: "u1", AssistantMessageID: "a5", UserQuery: "q", MaxRounds: 5, ResumeFromRound: 2}
	o.Run(context.Background(), w, req)

	require.Contains(t, rec.Body.String(), "\"resumedFromRound\":1")
}

func TestSerializePosition(t *testing.T) {
	p := PositionSummary{Conclusion: "c", KeyReasons: []string{"a", "b"}, Assumptions: []string{"x"}}
	text := serializePosition(p)
	require.Contains(t, text, "conclusion: c")
	require.Contains(t, text, "key_reasons: a; b")
	require.Contains(t, text, "assumptions: x")
}

func TestTokenOverlapSimilarity(t *testing.T) {
	require.Equal(t, 1.0, tokenOverlapSimilarity("ship it now", "ship it now"))
	require.Less(t, tokenOverlapSimilarity("ship it now", "do not ship"), 1.0)
	require.Equal(t, 0.0, tokenOverlapSimilarity("", "anything"))
}

func TestUnmarshalJSONObject_ExtractsEmbeddedObject(t *testing.T) {
	var out struct {
		Plan string `json:"plan"`
	}
	err := unmarshalJSONObject("here is my answer: {\"plan\":\"go\"} thanks", &out)
	require.NoError(t, err)
	require.Equal(t, "go", out.Plan)
}
