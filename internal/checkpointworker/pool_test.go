package checkpointworker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamorch/internal/kv"
	"streamorch/internal/sessionstore"
)

func TestPool_SubmitSavesCheckpoint(t *testing.T) {
	store := sessionstore.New(kv.NewMemClient(), time.Minute, time.Minute)
	pool := New(store, 8, 2)
	defer pool.Close()

	ok := pool.Submit(context.Background(), Job{
		State: sessionstore.State{ConversationID: "c1", AssistantMessageID: "a1", UserID: "u1", CompletedRounds: 1, MaxRounds: 3},
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, found, err := store.Load(context.Background(), "c1", "a1", sessionstore.LoadOptions{})
		return err == nil && found
	}, time.Second, 5*time.Millisecond)
}

type countingAuditor struct {
	calls int32
}

func (c *countingAuditor) Publish(ctx context.Context, ev AuditEvent) error {
	atomic.AddInt32(&c.calls, 1)
	return nil
}

func TestPool_PublishesAuditEventAfterSuccessfulSave(t *testing.T) {
	store := sessionstore.New(kv.NewMemClient(), time.Minute, time.Minute)
	auditor := &countingAuditor{}
	pool := New(store, 8, 1, WithAuditPublisher(auditor))
	defer pool.Close()

	pool.Submit(context.Background(), Job{
		State: sessionstore.State{ConversationID: "c2", AssistantMessageID: "a2", UserID: "u2", CompletedRounds: 2},
		Audit: &AuditEvent{Kind: "round_complete", ConversationID: "c2", AssistantMessageID: "a2", UserID: "u2", CompletedRounds: 2},
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&auditor.calls) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_SubmitDropsWhenQueueFull(t *testing.T) {
	store := sessionstore.New(kv.NewMemClient(), time.Minute, time.Minute)
	// Zero workers: nothing ever drains the queue, so it fills after
	// queueCapacity submissions and the next one is dropped.
	pool := &Pool{store: store, jobs: make(chan Job, 1), started: true}

	ok1 := pool.Submit(context.Background(), Job{State: sessionstore.State{ConversationID: "c3", AssistantMessageID: "a3"}})
	require.True(t, ok1)

	ok2 := pool.Submit(context.Background(), Job{State: sessionstore.State{ConversationID: "c3", AssistantMessageID: "a4"}})
	require.False(t, ok2)
}

func TestPool_CloseDrainsInFlightJobsBeforeReturning(t *testing.T) {
	store := sessionstore.New(kv.NewMemClient(), time.Minute, time.Minute)
	pool := New(store, 8, 2)

	for i := 0; i < 5; i++ {
		pool.Submit(context.Background(), Job{
			State: sessionstore.State{ConversationID: "c5", AssistantMessageID: "a" + string(rune('0'+i))},
		})
	}
	pool.Close()

	for i := 0; i < 5; i++ {
		_, found, err := store.Load(context.Background(), "c5", "a"+string(rune('0'+i)), sessionstore.LoadOptions{})
		require.NoError(t, err)
		require.True(t, found)
	}
}
