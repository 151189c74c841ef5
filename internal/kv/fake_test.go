package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemClient_SetGetExpire(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()

	require.NoError(t, c.SetEX(ctx, "k", []byte("v"), time.Minute))
	v, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", string(v))

	require.NoError(t, c.SetEX(ctx, "expired", []byte("v"), -time.Second))
	_, found, err = c.Get(ctx, "expired")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemClient_ZSetOrderingAndCount(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	require.NoError(t, c.ZAdd(ctx, "zs", 1, "a"))
	require.NoError(t, c.ZAdd(ctx, "zs", 3, "b"))
	require.NoError(t, c.ZAdd(ctx, "zs", 2, "c"))

	members, err := c.ZRevRangeWithScores(ctx, "zs", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "a"}, []string{members[0].Member, members[1].Member, members[2].Member})

	require.NoError(t, c.ZRem(ctx, "zs", "b"))
	require.Equal(t, 2, c.ZCardForTest("zs"))
}
