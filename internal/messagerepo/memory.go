package messagerepo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository, used by every package's unit
// tests instead of a live Postgres — mirroring the reference repo's own
// memory-backed chat store used alongside its Postgres one.
type MemoryRepository struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      map[string][]Message // conversationId -> messages, insertion order
	byClientID    map[string]int       // conversationId+":"+clientMessageId -> index in messages[conversationId]
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		byClientID:    make(map[string]int),
	}
}

func (r *MemoryRepository) EnsureConversation(_ context.Context, conversationID, userID, title string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(conversationID) == "" {
		conversationID = uuid.NewString()
	}
	if c, ok := r.conversations[conversationID]; ok {
		return c, nil
	}
	if strings.TrimSpace(title) == "" {
		title = "New Conversation"
	}
	now := time.Now()
	c := Conversation{ConversationID: conversationID, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now, IsActive: true}
	r.conversations[conversationID] = c
	return c, nil
}

func (r *MemoryRepository) SaveUserMessage(ctx context.Context, msg Message) (Message, error) {
	return r.upsert(msg)
}

func (r *MemoryRepository) UpsertAssistantMessage(ctx context.Context, msg Message) (Message, error) {
	return r.upsert(msg)
}

func (r *MemoryRepository) upsert(msg Message) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if msg.ClientMessageID != "" {
		key := msg.ConversationID + ":" + msg.ClientMessageID
		if idx, ok := r.byClientID[key]; ok {
			existing := r.messages[msg.ConversationID][idx]
			msg.MessageID = existing.MessageID
			msg.CreatedAt = existing.CreatedAt
			r.messages[msg.ConversationID][idx] = msg
			return msg, nil
		}
		r.byClientID[key] = len(r.messages[msg.ConversationID])
	}

	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], msg)
	return msg, nil
}

func (r *MemoryRepository) IncrementMessageCount(_ context.Context, conversationID string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[conversationID]
	if !ok {
		return nil
	}
	c.MessageCount += delta
	c.UpdatedAt = time.Now()
	r.conversations[conversationID] = c
	return nil
}

func (r *MemoryRepository) GetMessage(_ context.Context, conversationID, clientMessageID string) (Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := conversationID + ":" + clientMessageID
	idx, ok := r.byClientID[key]
	if !ok {
		return Message{}, false, nil
	}
	return r.messages[conversationID][idx], true, nil
}

func (r *MemoryRepository) RecentMessages(_ context.Context, conversationID string, n int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 {
		n = 50
	}
	all := r.messages[conversationID]
	if n >= len(all) {
		out := make([]Message, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]Message, n)
	copy(out, all[len(all)-n:])
	return out, nil
}
