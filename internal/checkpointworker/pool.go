// Package checkpointworker implements C11, the bounded checkpoint/event
// worker: a fixed goroutine pool draining a bounded job channel so that
// multi-agent round checkpointing never blocks the orchestrator's round
// loop and never spawns a goroutine per round. Grounded directly on
// internal/orchestrator/kafka.go's StartKafkaConsumer shape (bounded jobs
// channel sized relative to worker count, fixed worker pool, best-effort
// publish to a secondary topic on the side), adapted from a Kafka consumer
// loop into a generic in-process job-submission pool: the channel here is
// fed by Submit calls instead of a Kafka reader, and there is no
// commit/offset bookkeeping since jobs are not redelivered.
package checkpointworker

import (
	"context"
	"fmt"
	"sync"

	"streamorch/internal/apperrors"
	"streamorch/internal/observability"
	"streamorch/internal/sessionstore"
)

const (
	defaultWorkerCount    = 4
	defaultQueueCapacity  = 256
	minQueueCapacityFloor = 64
)

// AuditEvent is a best-effort notification published after a successful
// checkpoint write, if an AuditPublisher is configured. Kind is one of
// "round_complete" or "session_complete".
type AuditEvent struct {
	Kind               string `json:"kind"`
	ConversationID     string `json:"conversationId"`
	AssistantMessageID string `json:"assistantMessageId"`
	UserID             string `json:"userId"`
	CompletedRounds    int    `json:"completedRounds"`
}

// AuditPublisher publishes an AuditEvent to an external sink. Publish
// failures are logged by the caller and never retried or surfaced back to
// the orchestrator — the checkpoint write itself already succeeded.
type AuditPublisher interface {
	Publish(ctx context.Context, ev AuditEvent) error
}

// Job is one unit of checkpoint work: a Session Store write plus an
// optional audit event to publish afterward.
type Job struct {
	State    sessionstore.State
	SaveOpts sessionstore.SaveOptions
	Audit    *AuditEvent
}

// Pool is the C11 worker pool. Submit is non-blocking: a full queue drops
// the job and increments the checkpoints_dropped counter rather than
// blocking the caller or growing the queue.
type Pool struct {
	store   *sessionstore.Store
	audit   AuditPublisher
	jobs    chan Job
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithAuditPublisher wires an optional audit-event sink (e.g. Kafka, built
// under the enterprise tag). Nil (the default) means audit events are
// simply dropped after a successful checkpoint write.
func WithAuditPublisher(p AuditPublisher) Option {
	return func(pool *Pool) { pool.audit = p }
}

// New builds a Pool backed by store. queueCapacity and workerCount fall
// back to defaults (256 and 4) when <= 0, matching the documented defaults
// for this component.
func New(store *sessionstore.Store, queueCapacity, workerCount int, opts ...Option) *Pool {
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}
	if queueCapacity <= 0 {
		queueCapacity = defaultQueueCapacity
	}
	if queueCapacity < minQueueCapacityFloor {
		queueCapacity = max(minQueueCapacityFloor, workerCount*4)
	}
	p := &Pool{store: store, jobs: make(chan Job, queueCapacity)}
	for _, opt := range opts {
		opt(p)
	}
	p.start(workerCount)
	return p
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (p *Pool) start(workerCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go p.drain()
	}
}

func (p *Pool) drain() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.process(job)
	}
}

func (p *Pool) process(job Job) {
	ctx := context.Background()
	log := observability.LoggerWithTrace(ctx).With().
		Str("conversationId", job.State.ConversationID).
		Str("assistantMessageId", job.State.AssistantMessageID).Logger()

	if err := p.store.Save(ctx, job.State, job.SaveOpts); err != nil {
		log.Warn().Err(fmt.Errorf("%w: %w", apperrors.ErrCacheDegraded, err)).Msg("checkpointworker_save_failed")
		return
	}

	if job.Audit == nil || p.audit == nil {
		return
	}
	if err := p.audit.Publish(ctx, *job.Audit); err != nil {
		log.Warn().Err(err).Msg("checkpointworker_audit_publish_failed")
	}
}

// Submit enqueues job without blocking. It returns false if the queue was
// full, in which case the job was dropped and the checkpoints_dropped
// counter was incremented — the orchestrator round loop continues
// regardless, since a dropped checkpoint only risks losing resumability
// for that one round, never correctness of the round already streamed.
func (p *Pool) Submit(ctx context.Context, job Job) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		observability.Metrics().CheckpointsDropped.Add(ctx, 1)
		observability.LoggerWithTrace(ctx).Warn().
			Str("conversationId", job.State.ConversationID).
			Msg("checkpointworker_queue_full_dropped")
		return false
	}
}

// Close stops accepting new jobs and waits for in-flight ones to drain.
// Call it once at process shutdown.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
