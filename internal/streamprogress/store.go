// Package streamprogress implements the Stream Progress snapshot store: a
// mid-flight record of an in-progress assistant message, written
// periodically during C6 (single-agent) streaming and read by C9 on
// reconnect.
// Grounded on the same kv.Client key/TTL idiom as internal/sessionstore
// (internal/skills/redis_cache.go in the reference repo), simplified — no
// compression, no rounds — since a Stream Progress entry is a flat text
// accumulator, not a multi-round orchestrator snapshot.
package streamprogress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"streamorch/internal/messagerepo"

	"streamorch/internal/kv"
)

// Status is the lifecycle state of an in-progress message.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Entry is the Stream Progress data model entry.
type Entry struct {
	MessageID        string              `json:"messageId"`
	UserID           string              `json:"userId"`
	ConversationID   string              `json:"conversationId"`
	AccumulatedText  string              `json:"accumulatedText"`
	Thinking         string              `json:"thinking,omitempty"`
	Sources          []messagerepo.Source `json:"sources,omitempty"`
	ModelType        string              `json:"modelType"`
	Status           Status              `json:"status"`
	LastSentPosition int                 `json:"lastSentPosition"`
	LastUpdateAt     time.Time           `json:"lastUpdateAt"`
	CreatedAt        time.Time           `json:"createdAt"`
	Error            string              `json:"error,omitempty"`
}

const defaultTTL = 10 * time.Minute

// Store is the Stream Progress store.
type Store struct {
	kv  kv.Client
	ttl time.Duration
}

func New(client kv.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{kv: client, ttl: ttl}
}

func key(messageID string) string { return "stream_progress:" + messageID }

// Save writes or overwrites the progress entry, refreshing its TTL.
func (s *Store) Save(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.LastUpdateAt = time.Now()
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("streamprogress: marshal entry: %w", err)
	}
	return s.kv.SetEX(ctx, key(e.MessageID), body, s.ttl)
}

// Load reads the progress entry for a message, if still present.
func (s *Store) Load(ctx context.Context, messageID string) (Entry, bool, error) {
	body, found, err := s.kv.Get(ctx, key(messageID))
	if err != nil || !found {
		return Entry{}, found, err
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return Entry{}, false, fmt.Errorf("streamprogress: decode entry: %w", err)
	}
	return e, true, nil
}

// Delete removes the entry once the client has consumed the full response.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	return s.kv.Del(ctx, key(messageID))
}

// AppendAndSave is a convenience used by the streaming loops: it appends
// delta to the accumulated text and re-saves, preserving lastSentPosition.
func (s *Store) AppendAndSave(ctx context.Context, messageID string, delta string) error {
	e, found, err := s.Load(ctx, messageID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("streamprogress: no entry for message %s", messageID)
	}
	e.AccumulatedText += delta
	return s.Save(ctx, e)
}
