// Package admission implements the per-identity concurrency gate (C2): a
// FIFO queue with one-time tokens in front of a per-identity concurrency
// cap. No direct analog for this component exists in the reference
// packages (grepped the agent/orchestrator/agentd packages for
// queue/semaphore/rate-limit patterns; nothing matched an admission
// controller) — it is built fresh, following the general idiom of a
// mutex-guarded map of explicit struct state (as in the Redis dedupe
// store), kept entirely in-process per the standing Open Question decision
// that the admission map does not survive restarts.
package admission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamorch/internal/observability"
)

// Result is the outcome of a call to Acquire.
type Result struct {
	OK bool
	// Release must be invoked exactly once on every terminal path
	// (completion, abort, error) when OK is true. Failing to call it leaks
	// a concurrency slot.
	Release func()

	RetryAfterSec    int
	QueueToken       string
	QueuePosition    int
	EstimatedWaitSec int
}

type waiter struct {
	token       string
	submittedAt time.Time
}

type identityState struct {
	active     int
	cap        int
	queue      []*waiter
	recentSecs []float64 // ring buffer of recent slot-hold durations, for wait estimates
}

const recentSecsCap = 20

// Controller holds the one shared mutable structure in this service: the
// per-identity map of active counts and waiter queues.
type Controller struct {
	mu     sync.Mutex
	states map[string]*identityState
}

// NewController returns an empty admission controller.
func NewController() *Controller {
	return &Controller{states: make(map[string]*identityState)}
}

// Acquire attempts to admit identity under capacity cap. queueToken, if
// non-empty, is the token previously issued to this identity on a queued
// response; presenting it preserves FIFO order.
func (c *Controller) Acquire(ctx context.Context, identity string, cap int, queueToken string) Result {
	c.mu.Lock()

	st, ok := c.states[identity]
	if !ok {
		st = &identityState{}
		c.states[identity] = st
	}
	st.cap = cap

	if queueToken != "" && len(st.queue) > 0 && st.queue[0].token == queueToken {
		if st.active < st.cap {
			st.queue = st.queue[1:]
			st.active++
			c.mu.Unlock()
			observability.Metrics().QueueDepth.Add(ctx, -1)
			return c.admitted(identity, time.Now())
		}
		// Still legitimately at the head; keep position 1 and the same token.
		estimate := st.estimateWaitSeconds(1)
		c.mu.Unlock()
		return Result{OK: false, RetryAfterSec: estimate, QueueToken: queueToken, QueuePosition: 1, EstimatedWaitSec: estimate}
	}

	if queueToken != "" {
		// Mismatched or stale token: it is one-time, so invalidate wherever
		// it sits in the queue before falling through.
		st.removeToken(queueToken)
	}

	if st.active < st.cap {
		st.active++
		c.mu.Unlock()
		return c.admitted(identity, time.Now())
	}

	w := &waiter{token: uuid.NewString(), submittedAt: time.Now()}
	st.queue = append(st.queue, w)
	position := len(st.queue)
	estimate := st.estimateWaitSeconds(position)
	c.mu.Unlock()

	observability.Metrics().QueueDepth.Add(ctx, 1)
	return Result{OK: false, RetryAfterSec: estimate, QueueToken: w.token, QueuePosition: position, EstimatedWaitSec: estimate}
}

func (c *Controller) admitted(identity string, admittedAt time.Time) Result {
	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			st := c.states[identity]
			if st != nil {
				st.active--
				if st.active < 0 {
					st.active = 0
				}
				st.recordCompletion(time.Since(admittedAt).Seconds())
			}
			c.mu.Unlock()
		})
	}
	return Result{OK: true, Release: release}
}

func (st *identityState) removeToken(token string) {
	for i, w := range st.queue {
		if w.token == token {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			return
		}
	}
}

func (st *identityState) recordCompletion(secs float64) {
	st.recentSecs = append(st.recentSecs, secs)
	if len(st.recentSecs) > recentSecsCap {
		st.recentSecs = st.recentSecs[len(st.recentSecs)-recentSecsCap:]
	}
}

func (st *identityState) medianRecentSeconds() float64 {
	if len(st.recentSecs) == 0 {
		return 5 // no history yet; a conservative default guess
	}
	sorted := append([]float64(nil), st.recentSecs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func (st *identityState) estimateWaitSeconds(position int) int {
	est := float64(position) * st.medianRecentSeconds()
	if est < 1 {
		est = 1
	}
	if est > 60 {
		est = 60
	}
	return int(est)
}

// ActiveCount reports the current active count for identity; intended for
// tests and metrics, not the request path.
func (c *Controller) ActiveCount(identity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[identity]; ok {
		return st.active
	}
	return 0
}

// QueueLength reports the current waiter count for identity.
func (c *Controller) QueueLength(identity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[identity]; ok {
		return len(st.queue)
	}
	return 0
}
