package service

import (
	"context"
	"math"

	infraerrors "github.com/quorumlabs/councilproxy/internal/pkg/errors"
)

// EmbeddingClient turns text into vectors for similarity measurement. The
// implementation lives in internal/provider; tests use fixed-vector fakes.
type EmbeddingClient interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float64, error)
}

var ErrEmbeddingFailure = infraerrors.ServiceUnavailable("EMBEDDING_FAILURE", "embedding service failed")

// CosineSimilarity computes the cosine of the angle between two vectors.
// Zero-magnitude vectors yield 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SimilarityMatrix builds the n×n pairwise cosine matrix. Diagonals are 1;
// the matrix is symmetric.
func SimilarityMatrix(vectors [][]float64) [][]float64 {
	n := len(vectors)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := CosineSimilarity(vectors[i], vectors[j])
			matrix[i][j] = s
			matrix[j][i] = s
		}
	}
	return matrix
}

// AverageUpperTriangle returns the mean of the strict upper triangle. A
// matrix smaller than 2×2 has no pairs and averages to 0.
func AverageUpperTriangle(matrix [][]float64) float64 {
	n := len(matrix)
	if n < 2 {
		return 0
	}
	var sum float64
	var count int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += matrix[i][j]
			count++
		}
	}
	return sum / float64(count)
}

// allPairsAtOrAbove reports whether every off-diagonal pair meets the
// threshold.
func allPairsAtOrAbove(matrix [][]float64, threshold float64) bool {
	n := len(matrix)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if matrix[i][j] < threshold {
				return false
			}
		}
	}
	return true
}

// meanSimilarityToOthers is row i's mean similarity to every other index.
func meanSimilarityToOthers(matrix [][]float64, i int) float64 {
	n := len(matrix)
	if n < 2 {
		return 0
	}
	var sum float64
	for j := 0; j < n; j++ {
		if j != i {
			sum += matrix[i][j]
		}
	}
	return sum / float64(n-1)
}
