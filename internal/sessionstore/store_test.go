package sessionstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamorch/internal/kv"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	mem := kv.NewMemClient()
	s := New(mem, 0, 0)
	ctx := context.Background()

	st := State{
		ConversationID:     "c1",
		AssistantMessageID: "m1",
		UserID:             "u1",
		CompletedRounds:    2,
		MaxRounds:          5,
		SessionState:       json.RawMessage(`{"foo":"bar"}`),
		UserQuery:          "hello",
	}
	require.NoError(t, s.Save(ctx, st, SaveOptions{MaxRounds: 5}))

	got, found, err := s.Load(ctx, "c1", "m1", LoadOptions{})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, got.CompletedRounds)
	require.JSONEq(t, `{"foo":"bar"}`, string(got.SessionState))
}

func TestSave_MonotonicCheckpointInvariant(t *testing.T) {
	mem := kv.NewMemClient()
	s := New(mem, 0, 0)
	ctx := context.Background()

	base := State{ConversationID: "c1", AssistantMessageID: "m1", UserID: "u1", MaxRounds: 5}
	base.CompletedRounds = 3
	require.NoError(t, s.Save(ctx, base, SaveOptions{MaxRounds: 5}))

	stale := base
	stale.CompletedRounds = 2
	require.Error(t, s.Save(ctx, stale, SaveOptions{MaxRounds: 5}))

	got, found, err := s.Load(ctx, "c1", "m1", LoadOptions{})
	require.NoError(t, err)
	require.True(t, found)
	require.GreaterOrEqual(t, got.CompletedRounds, 3)
}

func TestLoad_MissingReturnsNotFound(t *testing.T) {
	mem := kv.NewMemClient()
	s := New(mem, 0, 0)
	_, found, err := s.Load(context.Background(), "nope", "nope", LoadOptions{})
	require.NoError(t, err)
	require.False(t, found)
}

func TestDelete_RemovesStateAndIndex(t *testing.T) {
	mem := kv.NewMemClient()
	s := New(mem, 0, 0)
	ctx := context.Background()

	st := State{ConversationID: "c1", AssistantMessageID: "m1", UserID: "u1", MaxRounds: 5, CompletedRounds: 1}
	require.NoError(t, s.Save(ctx, st, SaveOptions{MaxRounds: 5}))
	require.NoError(t, s.Delete(ctx, "c1", "m1", "u1"))

	_, found, err := s.Load(ctx, "c1", "m1", LoadOptions{})
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 0, mem.ZCardForTest(userIndexKey("u1")))
}

func TestFindUnfinished_FiltersCompletedSessions(t *testing.T) {
	mem := kv.NewMemClient()
	s := New(mem, 0, 0)
	ctx := context.Background()

	unfinished := State{ConversationID: "c1", AssistantMessageID: "m1", UserID: "u1", MaxRounds: 5, CompletedRounds: 2}
	finished := State{ConversationID: "c2", AssistantMessageID: "m2", UserID: "u1", MaxRounds: 3, CompletedRounds: 3}
	require.NoError(t, s.Save(ctx, unfinished, SaveOptions{MaxRounds: 5}))
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Save(ctx, finished, SaveOptions{MaxRounds: 3}))

	results, err := s.FindUnfinished(ctx, "u1", 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "c1", results[0].ConversationID)
}

func TestSave_AsyncDoesNotBlock(t *testing.T) {
	mem := kv.NewMemClient()
	s := New(mem, 0, 0)
	ctx := context.Background()
	st := State{ConversationID: "c1", AssistantMessageID: "m1", UserID: "u1", MaxRounds: 5, CompletedRounds: 1}
	require.NoError(t, s.Save(ctx, st, SaveOptions{MaxRounds: 5, Async: true}))

	require.Eventually(t, func() bool {
		_, found, _ := s.Load(ctx, "c1", "m1", LoadOptions{})
		return found
	}, time.Second, time.Millisecond)
}
