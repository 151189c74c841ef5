package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteEvent_FramesAsDataJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := New(context.Background(), rec)
	require.NoError(t, err)

	ok := w.WriteEvent(ContentEvent{Content: "hi"})
	require.True(t, ok)
	require.Equal(t, "data: {\"content\":\"hi\"}\n\n", rec.Body.String())
}

func TestDone_EmitsMarkerAndCloses(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := New(context.Background(), rec)
	require.NoError(t, err)

	require.True(t, w.Done())
	require.True(t, w.IsClosed())
	require.True(t, strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n"))

	// Further writes are no-ops once closed.
	require.False(t, w.WriteEvent(ContentEvent{Content: "late"}))
}

func TestIsClosed_OnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()
	w, err := New(ctx, rec)
	require.NoError(t, err)

	require.False(t, w.IsClosed())
	cancel()
	require.Eventually(t, w.IsClosed, time.Second, time.Millisecond)
	require.False(t, w.WriteEvent(ContentEvent{Content: "after disconnect"}))
}

func TestHeartbeat_EmitsKeepAlive(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := New(context.Background(), rec)
	require.NoError(t, err)

	w.Heartbeat(5 * time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body.String(), ": keep-alive\n\n")
	}, time.Second, time.Millisecond)
}

func TestNew_RejectsNonFlushableWriter(t *testing.T) {
	_, err := New(context.Background(), nonFlushableWriter{})
	require.ErrorIs(t, err, ErrNotFlushable)
}

type nonFlushableWriter struct{}

func (nonFlushableWriter) Header() http.Header         { return http.Header{} }
func (nonFlushableWriter) Write(b []byte) (int, error) { return len(b), nil }
func (nonFlushableWriter) WriteHeader(int)             {}
