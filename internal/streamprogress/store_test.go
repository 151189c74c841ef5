package streamprogress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"streamorch/internal/kv"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	mem := kv.NewMemClient()
	s := New(mem, 0)
	ctx := context.Background()

	e := Entry{MessageID: "m1", UserID: "u1", ConversationID: "c1", AccumulatedText: "hello", Status: StatusStreaming}
	require.NoError(t, s.Save(ctx, e))

	got, found, err := s.Load(ctx, "m1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello", got.AccumulatedText)
	require.Equal(t, StatusStreaming, got.Status)
}

func TestAppendAndSave_AccumulatesText(t *testing.T) {
	mem := kv.NewMemClient()
	s := New(mem, 0)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Entry{MessageID: "m1", Status: StatusStreaming, AccumulatedText: "he"}))
	require.NoError(t, s.AppendAndSave(ctx, "m1", "llo"))

	got, found, err := s.Load(ctx, "m1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello", got.AccumulatedText)
}

func TestAppendAndSave_MissingEntryErrors(t *testing.T) {
	mem := kv.NewMemClient()
	s := New(mem, 0)
	err := s.AppendAndSave(context.Background(), "ghost", "x")
	require.Error(t, err)
}

func TestDelete_RemovesEntry(t *testing.T) {
	mem := kv.NewMemClient()
	s := New(mem, 0)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Entry{MessageID: "m1"}))
	require.NoError(t, s.Delete(ctx, "m1"))

	_, found, err := s.Load(ctx, "m1")
	require.NoError(t, err)
	require.False(t, found)
}
