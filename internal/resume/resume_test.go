package resume

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamorch/internal/kv"
	"streamorch/internal/messagerepo"
	"streamorch/internal/sse"
	"streamorch/internal/streamprogress"
)

func newTestWriter(t *testing.T) (*sse.Writer, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	w, err := sse.New(context.Background(), rec)
	require.NoError(t, err)
	return w, rec
}

func TestResume_ReplaysFromPositionWhenAlreadyCompleted(t *testing.T) {
	store := streamprogress.New(kv.NewMemClient(), time.Minute)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, streamprogress.Entry{
		MessageID: "m1", AccumulatedText: "hello world", Status: streamprogress.StatusCompleted,
	}))

	r := &Resumer{Progress: store, Repo: messagerepo.NewMemoryRepository(), FrameSize: 100}
	w, rec := newTestWriter(t)
	r.Resume(ctx, w, Request{ConversationID: "c1", MessageID: "m1", FromPosition: 6})

	require.Contains(t, rec.Body.String(), "world")
	require.NotContains(t, rec.Body.String(), "hello world")
	require.Contains(t, rec.Body.String(), "[DONE]")
}

func TestResume_PollsUntilStatusBecomesCompleted(t *testing.T) {
	store := streamprogress.New(kv.NewMemClient(), time.Minute)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, streamprogress.Entry{
		MessageID: "m2", AccumulatedText: "partial", Status: streamprogress.StatusStreaming,
	}))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Save(ctx, streamprogress.Entry{
			MessageID: "m2", AccumulatedText: "partial text done", Status: streamprogress.StatusCompleted,
		})
	}()

	r := &Resumer{Progress: store, Repo: messagerepo.NewMemoryRepository(), PollInterval: 10 * time.Millisecond, PollBudget: time.Second, FrameSize: 100}
	w, rec := newTestWriter(t)
	r.Resume(ctx, w, Request{ConversationID: "c2", MessageID: "m2", FromPosition: 0})

	require.Contains(t, rec.Body.String(), "partial")
	require.Contains(t, rec.Body.String(), " text done")
	require.Contains(t, rec.Body.String(), "[DONE]")
}

func TestResume_FallsBackToPersistedMessageWhenProgressMissing(t *testing.T) {
	store := streamprogress.New(kv.NewMemClient(), time.Minute)
	repo := messagerepo.NewMemoryRepository()
	ctx := context.Background()
	_, err := repo.UpsertAssistantMessage(ctx, messagerepo.Message{
		ClientMessageID: "m3", ConversationID: "c3", UserID: "u1", Role: "assistant", Content: "already finished",
	})
	require.NoError(t, err)

	r := &Resumer{Progress: store, Repo: repo, FrameSize: 100}
	w, rec := newTestWriter(t)
	r.Resume(ctx, w, Request{ConversationID: "c3", MessageID: "m3", FromPosition: 0})

	require.Contains(t, rec.Body.String(), "already finished")
	require.Contains(t, rec.Body.String(), "[DONE]")
}

func TestResume_ErrorsWhenNothingFound(t *testing.T) {
	store := streamprogress.New(kv.NewMemClient(), time.Minute)
	repo := messagerepo.NewMemoryRepository()

	r := &Resumer{Progress: store, Repo: repo}
	w, rec := newTestWriter(t)
	r.Resume(context.Background(), w, Request{ConversationID: "c4", MessageID: "missing", FromPosition: 0})

	require.Contains(t, rec.Body.String(), "\"error\":\"message not found\"")
}

func TestResume_SurfacesStreamProgressErrorStatus(t *testing.T) {
	store := streamprogress.New(kv.NewMemClient(), time.Minute)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, streamprogress.Entry{
		MessageID: "m5", AccumulatedText: "oops", Status: streamprogress.StatusError, Error: "upstream failed",
	}))

	r := &Resumer{Progress: store, Repo: messagerepo.NewMemoryRepository(), FrameSize: 100}
	w, rec := newTestWriter(t)
	r.Resume(ctx, w, Request{ConversationID: "c5", MessageID: "m5", FromPosition: 0})

	require.Contains(t, rec.Body.String(), "\"error\":\"upstream failed\"")
}
