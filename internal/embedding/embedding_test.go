package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPService_IsConfiguredFalseWithoutHost(t *testing.T) {
	s := NewHTTPService(Options{})
	require.False(t, s.IsConfigured())

	_, err := s.Embed(context.Background(), "hello")
	require.Error(t, err)
}

func TestHTTPService_IsConfiguredTrueWithHost(t *testing.T) {
	s := NewHTTPService(Options{Host: "http://localhost:1234/embeddings"})
	require.True(t, s.IsConfigured())
}

func TestFakeService_DeterministicAndFixedDimension(t *testing.T) {
	f := NewFakeService()
	a, err := f.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	b, err := f.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 8)
}
