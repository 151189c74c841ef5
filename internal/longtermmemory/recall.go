// Package longtermmemory implements C13, the supplemented embedding-based
// long-term recall path for the Memory/Context contract: turns passed to
// Ingest are embedded into a pgvector table, and recall does a k-NN query
// scoped to (conversationId, userId). Nothing in this module calls Ingest;
// the table holds only what other callers store through it.
// Grounded directly on agentic_memory.go's EnsureAgenticMemoryTable (table
// creation with a vector(N) column) and SearchAgenticMemories (embed query,
// `ORDER BY embedding <-> $1 LIMIT $2`), scoped here to one conversation
// instead of a global agentic-memory table.
package longtermmemory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"streamorch/internal/embedding"
	"streamorch/internal/memory"
)

// Entry is the Long-Term Memory Entry data model entry.
type Entry struct {
	EntryID        string
	ConversationID string
	UserID         string
	MessageID      string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Store is the pgvector-backed long-term memory store. It implements
// memory.Recaller so the context Builder can consult it directly.
type Store struct {
	pool     *pgxpool.Pool
	embedder embedding.Service
	dim      int
}

func New(pool *pgxpool.Pool, embedder embedding.Service, dim int) *Store {
	if dim <= 0 {
		dim = 768
	}
	return &Store{pool: pool, embedder: embedder, dim: dim}
}

// Init creates the backing table if absent.
func (s *Store) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("longtermmemory: store requires a pool")
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS longterm_memory_entries (
    id              UUID PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    message_id      TEXT NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    embedding       vector(%d) NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS longterm_memory_conversation_idx
    ON longterm_memory_entries (conversation_id, user_id);
`, s.dim))
	return err
}

// Ingest embeds and stores one turn for later recall. No persistence path
// in this module (single-agent, multi-agent or chunker) calls it.
func (s *Store) Ingest(ctx context.Context, e Entry) error {
	if !s.embedder.IsConfigured() {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, e.Content)
	if err != nil {
		return fmt.Errorf("longtermmemory: embed: %w", err)
	}
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO longterm_memory_entries (id, conversation_id, user_id, message_id, role, content, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EntryID, e.ConversationID, e.UserID, e.MessageID, e.Role, e.Content, pgvector.NewVector(vec))
	return err
}

// Recall performs a k-NN query scoped to (conversationId, userId),
// implementing memory.Recaller.
func (s *Store) Recall(ctx context.Context, conversationID, userID, query string, limit int) ([]memory.Entry, error) {
	if !s.embedder.IsConfigured() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("longtermmemory: embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT message_id, role, content
FROM longterm_memory_entries
WHERE conversation_id = $1 AND user_id = $2
ORDER BY embedding <-> $3
LIMIT $4`, conversationID, userID, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("longtermmemory: knn query: %w", err)
	}
	defer rows.Close()

	var out []memory.Entry
	for rows.Next() {
		var e memory.Entry
		if err := rows.Scan(&e.MessageID, &e.Role, &e.Content); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
