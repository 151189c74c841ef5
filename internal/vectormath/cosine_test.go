package vectormath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity_IdenticalVectorsIsOne(t *testing.T) {
	a := []float32{1, 2, 3}
	require.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
}

func TestCosineSimilarity_OrthogonalIsZero(t *testing.T) {
	a := []float64{1, 0}
	b := []float64{0, 1}
	require.InDelta(t, 0.0, CosineSimilarity(a, b), 1e-9)
}

func TestCosineSimilarity_MismatchedLengthIsZero(t *testing.T) {
	require.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1}))
}

func TestCosineSimilarity_ZeroVectorIsZero(t *testing.T) {
	require.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{1, 1}))
}
