package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"streamorch/internal/messagerepo"
)

func seedMessages(t *testing.T, repo *messagerepo.MemoryRepository, conversationID string, contents []string) {
	t.Helper()
	ctx := context.Background()
	repo.EnsureConversation(ctx, conversationID, "u1", "")
	for _, c := range contents {
		_, err := repo.SaveUserMessage(ctx, messagerepo.Message{ConversationID: conversationID, UserID: "u1", Role: "user", Content: c})
		require.NoError(t, err)
	}
}

func TestBuild_PreservesSystemPromptAndCurrentMessage(t *testing.T) {
	repo := messagerepo.NewMemoryRepository()
	seedMessages(t, repo, "c1", []string{"turn one", "turn two"})
	b := NewBuilder(repo, nil)

	out, err := b.Build(context.Background(), "c1", "u1", "current question", "you are a helpful assistant", Config{})
	require.NoError(t, err)
	require.Equal(t, "system", out[0].Role)
	require.Equal(t, "you are a helpful assistant", out[0].Content)
	require.Equal(t, "current question", out[len(out)-1].Content)
}

func TestBuild_WindowPrioritizesMostRecentTurns(t *testing.T) {
	repo := messagerepo.NewMemoryRepository()
	seedMessages(t, repo, "c1", []string{"old one", "old two", "newest"})
	b := NewBuilder(repo, nil)

	out, err := b.Build(context.Background(), "c1", "u1", "current", "", Config{WindowSize: 1, MaxTokens: 4000})
	require.NoError(t, err)
	// system prompt absent (empty), so out = [window..., current]
	require.Equal(t, "newest", out[0].Content)
}

func TestBuild_TruncatesOldestWindowEntriesUnderTightBudget(t *testing.T) {
	repo := messagerepo.NewMemoryRepository()
	seedMessages(t, repo, "c1", []string{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "b"})
	b := NewBuilder(repo, nil)

	out, err := b.Build(context.Background(), "c1", "u1", "q", "", Config{WindowSize: 2, MaxTokens: 1})
	require.NoError(t, err)
	// only the current message fits; the oldest, largest window entry is dropped
	require.Len(t, out, 1)
	require.Equal(t, "q", out[0].Content)
}

func TestBuild_KeywordMatchPullsInOlderRelevantTurn(t *testing.T) {
	repo := messagerepo.NewMemoryRepository()
	seedMessages(t, repo, "c1", []string{"let's talk about kubernetes deployments", "unrelated chat", "another unrelated turn", "more filler"})
	b := NewBuilder(repo, nil)

	out, err := b.Build(context.Background(), "c1", "u1", "more about kubernetes please", "", Config{WindowSize: 1, MaxTokens: 4000, EnableKeywordMatch: true, KeywordMatchCount: 2})
	require.NoError(t, err)

	found := false
	for _, e := range out {
		if e.Content == "let's talk about kubernetes deployments" {
			found = true
		}
	}
	require.True(t, found, "expected keyword-matched turn to be included: %#v", out)
}

type fakeRecaller struct {
	entries []Entry
}

func (f *fakeRecaller) Recall(_ context.Context, _, _, _ string, limit int) ([]Entry, error) {
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func TestBuild_MergesRecallDeduplicatedByMessageID(t *testing.T) {
	repo := messagerepo.NewMemoryRepository()
	seedMessages(t, repo, "c1", []string{"hello"})
	recaller := &fakeRecaller{entries: []Entry{{MessageID: "ltm-1", Role: "user", Content: "recalled memory"}}}
	b := NewBuilder(repo, recaller)

	out, err := b.Build(context.Background(), "c1", "u1", "q", "", Config{WindowSize: 1, MaxTokens: 4000, EnableKeywordMatch: true, KeywordMatchCount: 1})
	require.NoError(t, err)

	found := false
	for _, e := range out {
		if e.MessageID == "ltm-1" {
			found = true
		}
	}
	require.True(t, found)
}
