package requestcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"streamorch/internal/kv"
)

func TestSaveFindByUser_RoundTrip(t *testing.T) {
	mem := kv.NewMemClient()
	c := New(mem, Options{})
	ctx := context.Background()

	id, err := c.Save(ctx, Entry{
		UserID:           "u1",
		RequestText:      "what is go",
		RequestEmbedding: []float32{1, 0, 0},
		ResponseContent:  "a programming language",
		ModelType:        "gpt-5",
		Mode:             "single",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	found, err := c.FindByUser(ctx, "u1", Filter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "what is go", found[0].RequestText)
}

func TestFindByUser_FiltersByModeAndModel(t *testing.T) {
	mem := kv.NewMemClient()
	c := New(mem, Options{})
	ctx := context.Background()

	_, err := c.Save(ctx, Entry{UserID: "u1", RequestEmbedding: []float32{1, 0}, ModelType: "gpt-5", Mode: "single"})
	require.NoError(t, err)
	_, err = c.Save(ctx, Entry{UserID: "u1", RequestEmbedding: []float32{0, 1}, ModelType: "claude", Mode: "multi"})
	require.NoError(t, err)

	found, err := c.FindByUser(ctx, "u1", Filter{Mode: "single"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "gpt-5", found[0].ModelType)
}

func TestSave_EvictsOverflowBeyondMaxPerUser(t *testing.T) {
	mem := kv.NewMemClient()
	c := New(mem, Options{MaxPerUser: 2})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := c.Save(ctx, Entry{UserID: "u1", RequestEmbedding: []float32{1, 0}})
		require.NoError(t, err)
	}

	found, err := c.FindByUser(ctx, "u1", Filter{})
	require.NoError(t, err)
	require.LessOrEqual(t, len(found), 2)
}

func TestIncrementHit_BumpsCountAndTimestamp(t *testing.T) {
	mem := kv.NewMemClient()
	c := New(mem, Options{})
	ctx := context.Background()

	id, err := c.Save(ctx, Entry{UserID: "u1", RequestEmbedding: []float32{1, 0}})
	require.NoError(t, err)

	require.NoError(t, c.IncrementHit(ctx, id))

	found, err := c.FindByUser(ctx, "u1", Filter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, 1, found[0].HitCount)
	require.NotNil(t, found[0].LastHitAt)
}

func TestFindSimilar_ReturnsBestMatchAboveThreshold(t *testing.T) {
	mem := kv.NewMemClient()
	c := New(mem, Options{SimilarityThreshold: 0.95})
	ctx := context.Background()

	_, err := c.Save(ctx, Entry{UserID: "u1", RequestEmbedding: []float32{1, 0, 0}, ResponseContent: "exact"})
	require.NoError(t, err)
	_, err = c.Save(ctx, Entry{UserID: "u1", RequestEmbedding: []float32{0, 1, 0}, ResponseContent: "orthogonal"})
	require.NoError(t, err)

	match, ok, err := c.FindSimilar(ctx, "u1", []float32{1, 0, 0}, Filter{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "exact", match.Entry.ResponseContent)
	require.InDelta(t, 1.0, match.Similarity, 1e-9)
}

func TestFindSimilar_BelowThresholdIsMiss(t *testing.T) {
	mem := kv.NewMemClient()
	c := New(mem, Options{SimilarityThreshold: 0.95})
	ctx := context.Background()

	_, err := c.Save(ctx, Entry{UserID: "u1", RequestEmbedding: []float32{1, 0, 0}})
	require.NoError(t, err)

	_, ok, err := c.FindSimilar(ctx, "u1", []float32{0, 1, 0}, Filter{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindSimilar_TieBreaksByHitCountThenNewest(t *testing.T) {
	mem := kv.NewMemClient()
	c := New(mem, Options{SimilarityThreshold: 0.5})
	ctx := context.Background()

	idLow, err := c.Save(ctx, Entry{UserID: "u1", RequestEmbedding: []float32{1, 1, 0}})
	require.NoError(t, err)
	_, err = c.Save(ctx, Entry{UserID: "u1", RequestEmbedding: []float32{1, 1, 0}})
	require.NoError(t, err)

	require.NoError(t, c.IncrementHit(ctx, idLow))
	require.NoError(t, c.IncrementHit(ctx, idLow))

	match, ok, err := c.FindSimilar(ctx, "u1", []float32{1, 1, 0}, Filter{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, idLow, match.Entry.CacheID)
}

func TestFindSimilar_NoCandidatesIsMiss(t *testing.T) {
	mem := kv.NewMemClient()
	c := New(mem, Options{})
	_, ok, err := c.FindSimilar(context.Background(), "ghost", []float32{1, 0}, Filter{})
	require.NoError(t, err)
	require.False(t, ok)
}
