package messagerepo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is the reference Repository backed by Postgres.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Init creates the schema if absent, matching the reference repo's
// Init-on-boot convention rather than a separate migration tool.
func (r *PostgresRepository) Init(ctx context.Context) error {
	if r.pool == nil {
		return errors.New("messagerepo: postgres repository requires a pool")
	}
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS conversations (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    message_count INTEGER NOT NULL DEFAULT 0,
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS messages (
    id UUID PRIMARY KEY,
    client_message_id TEXT,
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    thinking TEXT NOT NULL DEFAULT '',
    model_type TEXT NOT NULL DEFAULT '',
    sources JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_conversation_client_idx
    ON messages(conversation_id, client_message_id)
    WHERE client_message_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS messages_conversation_created_idx ON messages(conversation_id, created_at);
`)
	return err
}

func (r *PostgresRepository) EnsureConversation(ctx context.Context, conversationID, userID, title string) (Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		conversationID = uuid.NewString()
	}
	if strings.TrimSpace(title) == "" {
		title = "New Conversation"
	}
	row := r.pool.QueryRow(ctx, `
WITH ins AS (
  INSERT INTO conversations (id, user_id, title)
  VALUES ($1, $2, $3)
  ON CONFLICT (id) DO NOTHING
  RETURNING id, user_id, title, created_at, updated_at, message_count, is_active
)
SELECT id, user_id, title, created_at, updated_at, message_count, is_active FROM ins
UNION ALL
SELECT id, user_id, title, created_at, updated_at, message_count, is_active FROM conversations WHERE id = $1
LIMIT 1`, conversationID, userID, title)

	var c Conversation
	if err := row.Scan(&c.ConversationID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount, &c.IsActive); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (r *PostgresRepository) SaveUserMessage(ctx context.Context, msg Message) (Message, error) {
	return r.upsert(ctx, msg)
}

func (r *PostgresRepository) UpsertAssistantMessage(ctx context.Context, msg Message) (Message, error) {
	return r.upsert(ctx, msg)
}

func (r *PostgresRepository) upsert(ctx context.Context, msg Message) (Message, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	sourcesJSON, err := json.Marshal(msg.Sources)
	if err != nil {
		return Message{}, err
	}

	var clientID any
	if msg.ClientMessageID != "" {
		clientID = msg.ClientMessageID
	}

	var row pgx.Row
	if clientID != nil {
		row = r.pool.QueryRow(ctx, `
INSERT INTO messages (id, client_message_id, conversation_id, user_id, role, content, thinking, model_type, sources)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (conversation_id, client_message_id) WHERE client_message_id IS NOT NULL
DO UPDATE SET content = EXCLUDED.content, thinking = EXCLUDED.thinking, sources = EXCLUDED.sources
RETURNING id, client_message_id, conversation_id, user_id, role, content, thinking, model_type, sources, created_at`,
			msg.MessageID, clientID, msg.ConversationID, msg.UserID, msg.Role, msg.Content, msg.Thinking, msg.ModelType, sourcesJSON)
	} else {
		row = r.pool.QueryRow(ctx, `
INSERT INTO messages (id, client_message_id, conversation_id, user_id, role, content, thinking, model_type, sources)
VALUES ($1, NULL, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, client_message_id, conversation_id, user_id, role, content, thinking, model_type, sources, created_at`,
			msg.MessageID, msg.ConversationID, msg.UserID, msg.Role, msg.Content, msg.Thinking, msg.ModelType, sourcesJSON)
	}

	return scanMessage(row)
}

func (r *PostgresRepository) IncrementMessageCount(ctx context.Context, conversationID string, delta int) error {
	_, err := r.pool.Exec(ctx, `UPDATE conversations SET message_count = message_count + $2, updated_at = NOW() WHERE id = $1`, conversationID, delta)
	return err
}

func (r *PostgresRepository) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, client_message_id, conversation_id, user_id, role, content, thinking, model_type, sources, created_at
FROM (
  SELECT * FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2
) recent
ORDER BY created_at ASC`, conversationID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetMessage(ctx context.Context, conversationID, clientMessageID string) (Message, bool, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, client_message_id, conversation_id, user_id, role, content, thinking, model_type, sources, created_at
FROM messages WHERE conversation_id = $1 AND client_message_id = $2`, conversationID, clientMessageID)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var clientID *string
	var sourcesJSON []byte
	if err := row.Scan(&m.MessageID, &clientID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.Thinking, &m.ModelType, &sourcesJSON, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	if clientID != nil {
		m.ClientMessageID = *clientID
	}
	if len(sourcesJSON) > 0 {
		_ = json.Unmarshal(sourcesJSON, &m.Sources)
	}
	return m, nil
}
