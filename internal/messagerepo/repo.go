// Package messagerepo is the Message repository external collaborator:
// conversation/message CRUD is explicitly out of scope for this service's
// core (see the system overview), but every component needs a concrete
// contract to persist against. Grounded directly on
// internal/persistence/databases/chat_store_postgres.go's idempotent
// upsert-or-fetch idiom, moved from session-level to message-level
// idempotency since this service's idempotency key is (conversationId,
// clientMessageId), not a whole session.
package messagerepo

import (
	"context"
	"time"
)

// Source is a citation attached to an assistant message.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Conversation is the Conversation data model entry.
type Conversation struct {
	ConversationID string
	UserID         string
	Title          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	MessageCount   int
	IsActive       bool
}

// Message is the Message data model entry.
type Message struct {
	MessageID       string
	ClientMessageID string
	ConversationID  string
	UserID          string
	Role            string // "user" | "assistant" | "system"
	Content         string
	Thinking        string
	ModelType       string
	Sources         []Source
	CreatedAt       time.Time
}

// Repository is the Message repository contract every component persists
// through. Never called directly by C6/C7 for conversation creation — only
// C10 ensures conversations; C6/C7/C8 only ever append/upsert messages.
type Repository interface {
	// EnsureConversation idempotently creates or fetches a conversation by
	// id. If title is empty on creation, the title "New Conversation" is
	// used.
	EnsureConversation(ctx context.Context, conversationID, userID, title string) (Conversation, error)

	// SaveUserMessage idempotently inserts a user message keyed on
	// (conversationId, clientMessageId), returning the persisted row either
	// way.
	SaveUserMessage(ctx context.Context, msg Message) (Message, error)

	// UpsertAssistantMessage idempotently inserts or updates an assistant
	// message keyed on (conversationId, clientMessageId): a later call with
	// the same key overwrites content/thinking/sources (used for partial →
	// final persistence).
	UpsertAssistantMessage(ctx context.Context, msg Message) (Message, error)

	// IncrementMessageCount bumps the conversation's messageCount.
	IncrementMessageCount(ctx context.Context, conversationID string, delta int) error

	// RecentMessages returns the most recent n messages for a conversation,
	// oldest first, for context-window assembly.
	RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error)

	// GetMessage fetches one message by its client-assigned id, used by C9
	// to fall back to the persisted row when no Stream Progress entry
	// survives a reconnect.
	GetMessage(ctx context.Context, conversationID, clientMessageID string) (Message, bool, error)
}
