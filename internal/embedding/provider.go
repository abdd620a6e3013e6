// Package embedding provides vector embedding generation for semantic matching.
// Supports multiple backends: Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"fmt"
	"math"

	"auditkb/internal/logging"
)

// Provider generates vector embeddings for text.
type Provider interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, order preserved
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the provider name
	Name() string
}

// HealthChecker is an optional interface for providers that support health
// checks. When implemented, callers can verify availability before a batch run.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds embedding provider configuration.
type Config struct {
	// Provider: "ollama" or "genai"
	Provider string `json:"provider"`

	// Ollama configuration
	OllamaEndpoint string `json:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `json:"ollama_model"`    // Default: "embeddinggemma"

	// GenAI configuration
	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"` // Default: "gemini-embedding-001"
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
	}
}

// NewProvider creates an embedding provider based on configuration.
func NewProvider(cfg Config) (Provider, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewProvider")
	defer timer.Stop()

	logging.Embedding("Creating embedding provider: %s", cfg.Provider)

	var provider Provider
	var err error

	switch cfg.Provider {
	case "ollama":
		provider, err = NewOllamaProvider(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		provider, err = NewGenAIProvider(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
		logging.Get(logging.CategoryEmbedding).Error("Unsupported embedding provider: %s", cfg.Provider)
		return nil, err
	}

	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding provider: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding provider ready: name=%s, dimensions=%d", provider.Name(), provider.Dimensions())
	return provider, nil
}

// normEpsilon replaces a zero vector norm so similarity computation never
// divides by zero. Zero-norm inputs produce a warning, not a crash.
const normEpsilon = 1e-10

// Normalize returns a unit-length copy of the vector. Zero-norm vectors are
// substituted with an epsilon denominator and logged as a warning.
func Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		logging.Get(logging.CategoryEmbedding).Warn("Normalize: zero-norm vector (dim=%d), substituting epsilon", len(v))
		norm = normEpsilon
	}

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// NormalizeAll unit-normalizes every vector in the batch.
func NormalizeAll(vectors [][]float32) [][]float32 {
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		out[i] = Normalize(v)
	}
	return out
}

// Dot returns the dot product of two vectors of equal dimension.
// For unit-normalized inputs this equals cosine similarity.
func Dot(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		logging.Get(logging.CategoryEmbedding).Error("CosineSimilarity: dimension mismatch: %d != %d", len(a), len(b))
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		aMagnitude += float64(a[i]) * float64(a[i])
		bMagnitude += float64(b[i]) * float64(b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		logging.Get(logging.CategoryEmbedding).Warn("CosineSimilarity: zero magnitude vector, substituting epsilon")
		if aMagnitude == 0 {
			aMagnitude = normEpsilon
		}
		if bMagnitude == 0 {
			bMagnitude = normEpsilon
		}
	}

	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}

// SimilarityMatrix computes the full cosine-similarity matrix between two
// vector sets. Both sides are unit-normalized first, so each cell is a
// normalized dot product. Result is rows[len(a)] x cols[len(b)].
func SimilarityMatrix(a, b [][]float32) ([][]float64, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "SimilarityMatrix")
	defer timer.Stop()

	na := NormalizeAll(a)
	nb := NormalizeAll(b)

	matrix := make([][]float64, len(na))
	for i, av := range na {
		row := make([]float64, len(nb))
		for j, bv := range nb {
			sim, err := Dot(av, bv)
			if err != nil {
				return nil, fmt.Errorf("similarity matrix cell (%d,%d): %w", i, j, err)
			}
			row[j] = sim
		}
		matrix[i] = row
	}

	logging.EmbeddingDebug("SimilarityMatrix: computed %dx%d matrix", len(na), len(nb))
	return matrix, nil
}
