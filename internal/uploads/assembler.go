package uploads

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
)

// Assembler implements C12's end-to-end contract: resolve an
// uploadSessionId to the chunked-or-remote payload, gunzip if flagged,
// transcribe if it's a voice message, and hand the chatdispatch Dispatcher
// plain text it can fold into the user's turn.
type Assembler struct {
	Registry    Registry
	Remote      ObjectFetcher // optional: nil if no uploads are ever handed off to S3
	Transcriber Transcriber   // optional: nil if voice uploads are not supported
}

// NewAssembler wires a Registry with optional remote-fetch and
// transcription support.
func NewAssembler(registry Registry, remote ObjectFetcher, transcriber Transcriber) *Assembler {
	return &Assembler{Registry: registry, Remote: remote, Transcriber: transcriber}
}

// Assemble resolves uploadSessionID to its full payload and returns text
// ready to be appended to the triggering user message.
func (a *Assembler) Assemble(ctx context.Context, uploadSessionID string, isCompressed bool) (string, error) {
	sess, ok, err := a.Registry.Get(ctx, uploadSessionID)
	if err != nil {
		return "", fmt.Errorf("uploads: lookup session %q: %w", uploadSessionID, err)
	}
	if !ok {
		return "", ErrSessionNotFound
	}

	raw, err := a.fetchPayload(ctx, sess)
	if err != nil {
		return "", err
	}

	if isCompressed {
		raw, err = gunzip(raw)
		if err != nil {
			return "", fmt.Errorf("uploads: gunzip session %q: %w", uploadSessionID, err)
		}
	}

	if isWAVContentType(sess.ContentType) {
		if a.Transcriber == nil {
			return "", fmt.Errorf("uploads: session %q is audio but no transcriber is configured", uploadSessionID)
		}
		return a.Transcriber.Transcribe(ctx, raw)
	}

	return string(raw), nil
}

// fetchPayload prefers locally-buffered chunks over a remote fetch, since a
// session only ever populates one of the two paths.
func (a *Assembler) fetchPayload(ctx context.Context, sess Session) ([]byte, error) {
	if len(sess.Chunks) > 0 {
		return orderedChunks(sess), nil
	}
	if sess.RemoteKey != "" {
		if a.Remote == nil {
			return nil, fmt.Errorf("uploads: session %q points at a remote object but no fetcher is configured", sess.SessionID)
		}
		return a.Remote.Fetch(ctx, sess.RemoteKey)
	}
	return nil, ErrSessionNotFound
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
