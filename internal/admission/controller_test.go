package admission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquire_AdmitsUpToCapacity(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	r1 := c.Acquire(ctx, "u2", 2, "")
	require.True(t, r1.OK)
	r2 := c.Acquire(ctx, "u2", 2, "")
	require.True(t, r2.OK)
	require.Equal(t, 2, c.ActiveCount("u2"))

	r3 := c.Acquire(ctx, "u2", 2, "")
	require.False(t, r3.OK)
	require.Equal(t, 1, r3.QueuePosition)
	require.NotEmpty(t, r3.QueueToken)
	require.GreaterOrEqual(t, r3.RetryAfterSec, 1)
	require.LessOrEqual(t, r3.RetryAfterSec, 60)

	r1.Release()
	require.Equal(t, 1, c.ActiveCount("u2"))

	r3Retry := c.Acquire(ctx, "u2", 2, r3.QueueToken)
	require.True(t, r3Retry.OK)
	require.Equal(t, 2, c.ActiveCount("u2"))

	r2.Release()
	r3Retry.Release()
	require.Equal(t, 0, c.ActiveCount("u2"))
}

func TestAcquire_SlotBalanceReleaseIsIdempotent(t *testing.T) {
	c := NewController()
	ctx := context.Background()
	r := c.Acquire(ctx, "u1", 1, "")
	require.True(t, r.OK)
	r.Release()
	r.Release() // must not double-decrement
	require.Equal(t, 0, c.ActiveCount("u1"))
}

func TestAcquire_MismatchedTokenReentersAtTail(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_ = c.Acquire(ctx, "u3", 1, "") // occupies the one slot

	q1 := c.Acquire(ctx, "u3", 1, "")
	require.False(t, q1.OK)
	require.Equal(t, 1, q1.QueuePosition)

	q2 := c.Acquire(ctx, "u3", 1, "")
	require.False(t, q2.OK)
	require.Equal(t, 2, q2.QueuePosition)

	// A stale/mismatched token does not jump the queue; it is invalidated
	// and the caller is re-queued at the tail.
	stale := c.Acquire(ctx, "u3", 1, "not-a-real-token")
	require.False(t, stale.OK)
	require.Equal(t, 3, stale.QueuePosition)
	require.NotEqual(t, "not-a-real-token", stale.QueueToken)
}

func TestAcquire_IndependentIdentities(t *testing.T) {
	c := NewController()
	ctx := context.Background()
	r1 := c.Acquire(ctx, "a", 1, "")
	r2 := c.Acquire(ctx, "b", 1, "")
	require.True(t, r1.OK)
	require.True(t, r2.OK)
}
