package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
)

// FakeConfig configures the deterministic fake provider.
type FakeConfig struct {
	// Dimensions is the vector size (default: 8)
	Dimensions int `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
}

// FakeEmbeddings implements EmbeddingService with a deterministic hash of
// the input text. Vectors are stable across processes, which makes
// similarity results reproducible in tests and local development.
type FakeEmbeddings struct {
	dimensions int
}

func init() {
	Register("fake", NewFake)
}

// NewFake creates a deterministic fake embedding service.
func NewFake(config Config) (EmbeddingService, error) {
	dims := 8
	if config.Fake != nil && config.Fake.Dimensions > 0 {
		dims = config.Fake.Dimensions
	}
	return &FakeEmbeddings{dimensions: dims}, nil
}

// Embed generates a deterministic embedding for a single text.
func (f *FakeEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	vector := make([]float32, f.dimensions)
	for i := range vector {
		h := fnv.New64a()
		fmt.Fprintf(h, "%d:%s", i, text)
		// Map the hash onto [-1, 1).
		vector[i] = float32(int64(h.Sum64())) / float32(math.MaxInt64)
	}
	return normalize(vector), nil
}

// EmbedBatch generates deterministic embeddings for multiple texts.
func (f *FakeEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := f.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		vectors[i] = vector
	}
	return vectors, nil
}

// Dimensions returns the dimension size of the embeddings.
func (f *FakeEmbeddings) Dimensions() int {
	return f.dimensions
}

// ModelName returns the name of the embedding model.
func (f *FakeEmbeddings) ModelName() string {
	return "fake"
}

// Close is a no-op.
func (f *FakeEmbeddings) Close() error {
	return nil
}

func normalize(vector []float32) []float32 {
	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector
	}
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / norm)
	}
	return vector
}
