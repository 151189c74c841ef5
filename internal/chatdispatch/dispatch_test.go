package chatdispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamorch/internal/admission"
	"streamorch/internal/agentloop"
	"streamorch/internal/chunker"
	"streamorch/internal/embedding"
	"streamorch/internal/kv"
	"streamorch/internal/llm"
	"streamorch/internal/memory"
	"streamorch/internal/messagerepo"
	"streamorch/internal/multiagent"
	"streamorch/internal/resume"
	"streamorch/internal/sessionstore"
	"streamorch/internal/streamprogress"
	"streamorch/internal/tooling"
)

type fakeProvider struct {
	content string
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	return llm.Message{Content: f.content}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	h.OnDelta(f.content)
	return nil
}

type fakeUploads struct {
	text string
	err  error
}

func (f *fakeUploads) Assemble(ctx context.Context, uploadSessionID string, isCompressed bool) (string, error) {
	return f.text, f.err
}

func newDispatcher(t *testing.T, providerContent string) (*Dispatcher, *messagerepo.MemoryRepository) {
	t.Helper()
	repo := messagerepo.NewMemoryRepository()
	provider := &fakeProvider{content: providerContent}

	loop := &agentloop.Loop{
		Provider: provider,
		Tools:    tooling.NewDispatcher(tooling.NewRegistry(), nil),
		Repo:     repo,
		Memory:   memory.NewBuilder(repo, nil),
		Progress: streamprogress.New(kv.NewMemClient(), time.Minute),
		Embedder: &embedding.FakeService{Configured: false},
	}
	orch := &multiagent.Orchestrator{
		Provider:     provider,
		SessionStore: sessionstore.New(kv.NewMemClient(), time.Minute, time.Minute),
		Repo:         repo,
		Embedder:     &embedding.FakeService{Configured: false},
	}
	ch := &chunker.Chunker{Provider: provider, Repo: repo}
	res := &resume.Resumer{Progress: loop.Progress, Repo: repo}

	return &Dispatcher{
		Admission:   admission.NewController(),
		Repo:        repo,
		SingleAgent: loop,
		MultiAgent:  orch,
		Chunker:     ch,
		Resumer:     res,
		MaxRounds:   2,
	}, repo
}

func doRequest(t *testing.T, d *Dispatcher, body Request) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(string(b)))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTP_RejectsMissingUserID(t *testing.T) {
	d, _ := newDispatcher(t, "hi")
	rec := doRequest(t, d, Request{Message: "hello"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTP_RejectsEmptyMessageWithoutUpload(t *testing.T) {
	d, _ := newDispatcher(t, "hi")
	rec := doRequest(t, d, Request{UserID: "u1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTP_StreamsSingleAgentReplyAndPersists(t *testing.T) {
	d, repo := newDispatcher(t, "hello there")
	rec := doRequest(t, d, Request{UserID: "u1", Message: "hi", ClientUserMessageID: "cu1", ClientAssistantMessageID: "ca1"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "hello there")
	require.Contains(t, rec.Body.String(), "[DONE]")

	msgs, err := repo.RecentMessages(context.Background(), msgConversationID(rec), 10)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
}

func msgConversationID(rec *httptest.ResponseRecorder) string {
	body := rec.Body.String()
	idx := strings.Index(body, "\"conversationId\":\"")
	if idx < 0 {
		return ""
	}
	rest := body[idx+len("\"conversationId\":\""):]
	end := strings.Index(rest, "\"")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func TestServeHTTP_RoutesToMultiAgentMode(t *testing.T) {
	d, _ := newDispatcher(t, `{"plan":"p","position":{"conclusion":"c","confidence":0.5}}`)
	rec := doRequest(t, d, Request{UserID: "u2", Message: "plan something", Mode: "multi_agent"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "\"mode\":\"multi\"")
}

func TestServeHTTP_AutoRoutesLongMessageToChunker(t *testing.T) {
	d, _ := newDispatcher(t, "section analysis")
	longMsg := strings.Repeat("word ", 3000)
	rec := doRequest(t, d, Request{UserID: "u3", Message: longMsg})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "\"mode\":\"chunking\"")
}

func TestServeHTTP_AssemblesUploadBeforeRouting(t *testing.T) {
	d, _ := newDispatcher(t, "ack")
	d.Uploads = &fakeUploads{text: "assembled text from upload"}
	rec := doRequest(t, d, Request{UserID: "u4", UploadSessionID: "sess1"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ack")
}

func TestServeHTTP_UploadAssembleFailureReturns400(t *testing.T) {
	d, _ := newDispatcher(t, "ack")
	d.Uploads = &fakeUploads{err: context.DeadlineExceeded}
	rec := doRequest(t, d, Request{UserID: "u5", UploadSessionID: "sess1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTP_SecondConcurrentRequestIsQueuedAtCapOne(t *testing.T) {
	d, _ := newDispatcher(t, "hi")
	d.Capacity = staticCapacity(1)

	blocking := &blockingProvider{release: make(chan struct{})}
	d.SingleAgent.Provider = blocking

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doRequest(t, d, Request{UserID: "u6", Message: "first"})
	}()
	time.Sleep(30 * time.Millisecond)

	rec := doRequest(t, d, Request{UserID: "u6", Message: "second"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Queue-Token"))

	close(blocking.release)
	<-done
}

type staticCapacity int

func (s staticCapacity) ModeCapacityFor(mode string) int { return int(s) }

type blockingProvider struct {
	release chan struct{}
}

func (b *blockingProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	return llm.Message{}, nil
}

func (b *blockingProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	<-b.release
	h.OnDelta("done")
	return nil
}

func TestServeHTTP_OptionsReturnsNoContent(t *testing.T) {
	d, _ := newDispatcher(t, "hi")
	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
