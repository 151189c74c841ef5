// Package sessionstore implements C3, the checkpointed multi-agent session
// store: gzip-compressed JSON snapshots with a sliding, round-aware TTL and
// a per-user ordered index, backed by kv.Client. Grounded directly on
// internal/skills/redis_cache.go's namespaced key helpers and nil-receiver
// safety, and internal/orchestrator/dedupe.go's construction idiom.
package sessionstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"streamorch/internal/kv"
	"streamorch/internal/observability"
)

// State is the opaque orchestrator snapshot persisted on each checkpoint.
// SessionState is left as json.RawMessage: the session store has no
// business knowing the multi-agent orchestrator's internal shape, only how
// to store and retrieve it intact.
type State struct {
	ConversationID    string          `json:"conversationId"`
	AssistantMessageID string         `json:"assistantMessageId"`
	UserID            string          `json:"userId"`
	CompletedRounds   int             `json:"completedRounds"`
	MaxRounds         int             `json:"maxRounds,omitempty"`
	SessionState      json.RawMessage `json:"sessionState"`
	UserQuery         string          `json:"userQuery"`
	Timestamp         int64           `json:"timestamp"`
	Version           int             `json:"version"`
}

type meta struct {
	Compressed bool `json:"compressed"`
	Rounds     int  `json:"rounds"`
}

// SaveOptions configures one Save call.
type SaveOptions struct {
	MaxRounds int
	// Async, when true, fires the write without waiting for it: Save returns
	// nil at once and a write error is only logged (C11 uses this). When
	// false, Save waits for the writes and returns their error. The stale
	// checkpoint check runs before either path.
	Async bool
}

const (
	baseTTLDefault     = 180 * time.Second
	perRoundTTLDefault = 60 * time.Second
	schemaVersion      = 1
)

// Store is the C3 Session Store.
type Store struct {
	kv             kv.Client
	baseTTL        time.Duration
	perRoundTTL    time.Duration
	nowFn          func() time.Time
}

// New builds a Store. baseTTL/perRoundTTL of zero fall back to the
// documented defaults (180s, 60s).
func New(client kv.Client, baseTTL, perRoundTTL time.Duration) *Store {
	if baseTTL <= 0 {
		baseTTL = baseTTLDefault
	}
	if perRoundTTL <= 0 {
		perRoundTTL = perRoundTTLDefault
	}
	return &Store{kv: client, baseTTL: baseTTL, perRoundTTL: perRoundTTL, nowFn: time.Now}
}

func mainKey(conversationID, assistantMessageID string) string {
	return fmt.Sprintf("multi_agent:%s:%s", conversationID, assistantMessageID)
}

func metaKey(conversationID, assistantMessageID string) string {
	return mainKey(conversationID, assistantMessageID) + ":meta"
}

func userIndexKey(userID string) string {
	return "multi_agent_user:" + userID
}

func indexMember(conversationID, assistantMessageID string) string {
	return conversationID + ":" + assistantMessageID
}

func (s *Store) dynamicTTL(maxRounds, completedRounds int) time.Duration {
	remaining := maxRounds - completedRounds
	if remaining < 0 {
		remaining = 0
	}
	return s.baseTTL + time.Duration(remaining)*s.perRoundTTL
}

// Save writes a checkpoint. It must succeed even if the client has
// disconnected — checkpoints are the resume contract, so Save never
// consults any request-scoped cancellation beyond ctx's deadline.
func (s *Store) Save(ctx context.Context, st State, opts SaveOptions) error {
	if st.Version == 0 {
		st.Version = schemaVersion
	}
	if st.Timestamp == 0 {
		st.Timestamp = s.nowFn().Unix()
	}

	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal state: %w", err)
	}
	compressed, err := gzipBytes(body)
	if err != nil {
		return fmt.Errorf("sessionstore: gzip state: %w", err)
	}

	ttl := s.dynamicTTL(opts.MaxRounds, st.CompletedRounds)
	mk := metaKeyFor(st)

	if existingBody, found, err := s.kv.Get(ctx, mk); err == nil && found {
		var existing meta
		if json.Unmarshal(existingBody, &existing) == nil && st.CompletedRounds < existing.Rounds {
			return fmt.Errorf("sessionstore: stale checkpoint rejected: completedRounds=%d < stored=%d", st.CompletedRounds, existing.Rounds)
		}
	}

	m := meta{Compressed: true, Rounds: st.CompletedRounds}
	metaBody, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal meta: %w", err)
	}

	do := func() error {
		if err := s.kv.SetEX(ctx, mainKeyFor(st), compressed, ttl); err != nil {
			return err
		}
		if err := s.kv.SetEX(ctx, mk, metaBody, ttl); err != nil {
			return err
		}
		uk := userIndexKey(st.UserID)
		if err := s.kv.ZAdd(ctx, uk, float64(st.Timestamp), indexMember(st.ConversationID, st.AssistantMessageID)); err != nil {
			return err
		}
		return s.kv.Expire(ctx, uk, ttl)
	}

	if opts.Async {
		go func() {
			if err := do(); err != nil {
				observability.Component("sessionstore").Warn().Err(err).
					Str("conversationId", st.ConversationID).Msg("async checkpoint save failed")
			}
		}()
		return nil
	}
	return do()
}

// LoadOptions configures one Load call.
type LoadOptions struct {
	RenewTTL  bool
	MaxRounds int
}

// Load reads a checkpoint back. ok is false if no checkpoint exists (a
// ResumeMiss condition at the caller).
func (s *Store) Load(ctx context.Context, conversationID, assistantMessageID string, opts LoadOptions) (State, bool, error) {
	mk := mainKey(conversationID, assistantMessageID)
	metaK := metaKey(conversationID, assistantMessageID)

	metaBody, found, err := s.kv.Get(ctx, metaK)
	if err != nil {
		return State{}, false, fmt.Errorf("sessionstore: load meta: %w", err)
	}
	if !found {
		return State{}, false, nil
	}
	var m meta
	if err := json.Unmarshal(metaBody, &m); err != nil {
		return State{}, false, fmt.Errorf("sessionstore: decode meta: %w", err)
	}

	raw, found, err := s.kv.Get(ctx, mk)
	if err != nil {
		return State{}, false, fmt.Errorf("sessionstore: load state: %w", err)
	}
	if !found {
		return State{}, false, nil
	}

	body := raw
	if m.Compressed {
		body, err = gunzipBytes(raw)
		if err != nil {
			return State{}, false, fmt.Errorf("sessionstore: gunzip state: %w", err)
		}
	}

	var st State
	if err := json.Unmarshal(body, &st); err != nil {
		return State{}, false, fmt.Errorf("sessionstore: decode state: %w", err)
	}

	if opts.RenewTTL {
		ttl := s.dynamicTTL(opts.MaxRounds, st.CompletedRounds)
		_ = s.kv.Expire(ctx, mk, ttl)
		_ = s.kv.Expire(ctx, metaK, ttl)
	}
	return st, true, nil
}

// Delete removes a checkpoint and its user-index entry.
func (s *Store) Delete(ctx context.Context, conversationID, assistantMessageID, userID string) error {
	if err := s.kv.Del(ctx, mainKey(conversationID, assistantMessageID), metaKey(conversationID, assistantMessageID)); err != nil {
		return err
	}
	return s.kv.ZRem(ctx, userIndexKey(userID), indexMember(conversationID, assistantMessageID))
}

// FindUnfinished returns checkpoints for userID whose completedRounds is
// still below maxRounds, newest first. Loads do not renew TTL.
func (s *Store) FindUnfinished(ctx context.Context, userID string, maxLookback int64) ([]State, error) {
	members, err := s.kv.ZRevRangeWithScores(ctx, userIndexKey(userID), maxLookback)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list user index: %w", err)
	}
	out := make([]State, 0, len(members))
	for _, m := range members {
		convID, msgID, ok := splitMember(m.Member)
		if !ok {
			continue
		}
		st, found, err := s.Load(ctx, convID, msgID, LoadOptions{})
		if err != nil || !found {
			continue
		}
		if st.MaxRounds == 0 || st.CompletedRounds < st.MaxRounds {
			out = append(out, st)
		}
	}
	return out, nil
}

func mainKeyFor(st State) string { return mainKey(st.ConversationID, st.AssistantMessageID) }
func metaKeyFor(st State) string { return metaKey(st.ConversationID, st.AssistantMessageID) }

func splitMember(member string) (conversationID, assistantMessageID string, ok bool) {
	for i := len(member) - 1; i >= 0; i-- {
		if member[i] == ':' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
