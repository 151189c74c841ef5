// Package uploads implements C12, the Upload Assembler: resolves an
// uploadSessionId into the full chat message text, fetching chunked or
// remote payloads, gunzipping when flagged, and transcribing voice
// messages. Grounded on internal/objectstore/s3.go for the S3 fetch path
// and cmd/whisper-go/main.go for the whisper transcription loop, composed
// here into the single end-to-end operation neither reference file
// performs on its own.
package uploads

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrSessionNotFound is returned when uploadSessionId names no known or
// not-yet-expired upload session.
var ErrSessionNotFound = errors.New("uploads: session not found")

// Session is the server-side record an uploadSessionId resolves to: either
// locally-buffered chunks (small uploads) or a pointer to a remote S3
// object (large ones).
type Session struct {
	SessionID   string
	UserID      string
	ContentType string
	TotalChunks int
	Chunks      map[int][]byte // present for small, locally-buffered uploads
	RemoteKey   string         // present for uploads handed off to S3
}

// Registry looks up upload sessions by id. SessionRegistry is the
// in-memory reference implementation; a Redis- or Postgres-backed one
// could satisfy the same interface without changing the Assembler.
type Registry interface {
	Get(ctx context.Context, sessionID string) (Session, bool, error)
}

// SessionRegistry is an in-memory Registry, sufficient for small
// locally-buffered uploads and for tests. Sessions are not persisted
// across restarts — callers that need durability register an S3-backed
// Session via Put instead of relying on local chunk accumulation.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewSessionRegistry returns an empty in-memory Registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]Session)}
}

// Put registers or replaces a session, overwriting any chunks/remote key
// already recorded for sessionID.
func (r *SessionRegistry) Put(sess Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.SessionID] = sess
}

// AddChunk appends chunk index for an in-progress session, creating the
// session record on first use.
func (r *SessionRegistry) AddChunk(sessionID, userID, contentType string, index int, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		sess = Session{SessionID: sessionID, UserID: userID, ContentType: contentType, Chunks: make(map[int][]byte)}
	}
	if sess.Chunks == nil {
		sess.Chunks = make(map[int][]byte)
	}
	sess.Chunks[index] = data
	r.sessions[sessionID] = sess
}

// Get implements Registry.
func (r *SessionRegistry) Get(ctx context.Context, sessionID string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok, nil
}

// orderedChunks returns sess.Chunks concatenated by ascending index.
func orderedChunks(sess Session) []byte {
	indices := make([]int, 0, len(sess.Chunks))
	for i := range sess.Chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	total := 0
	for _, i := range indices {
		total += len(sess.Chunks[i])
	}
	out := make([]byte, 0, total)
	for _, i := range indices {
		out = append(out, sess.Chunks[i]...)
	}
	return out
}
