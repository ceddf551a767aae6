package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/arborchat-dev/arborchat/pkg/convstate"
	"github.com/arborchat-dev/arborchat/pkg/embeddings"
)

// WebIndexer embeds web-search result snippets and caches them on the
// conversation for retrieval.
type WebIndexer struct {
	embedder embeddings.EmbeddingService
}

// NewWebIndexer creates a web snippet indexer.
func NewWebIndexer(embedder embeddings.EmbeddingService) *WebIndexer {
	return &WebIndexer{embedder: embedder}
}

// SnippetInput is one search result to index. ID is optional; a missing
// id gets a generated one, a provided id upserts in place.
type SnippetInput struct {
	ID       string `json:"id,omitempty"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Snippet  string `json:"snippet"`
	Provider string `json:"provider,omitempty"`
}

// Index embeds the snippets in one batch and upserts them onto the
// conversation. It returns the number of snippets written.
func (w *WebIndexer) Index(ctx context.Context, actor *convstate.Actor, inputs []SnippetInput) (int, error) {
	if len(inputs) == 0 {
		return 0, nil
	}

	texts := make([]string, len(inputs))
	for i, input := range inputs {
		if input.Snippet == "" {
			return 0, fmt.Errorf("snippet %d: text is required", i)
		}
		texts[i] = input.Snippet
	}

	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed snippets: %w", err)
	}

	snippets := make([]*convstate.WebSearchSnippet, len(inputs))
	for i, input := range inputs {
		id := input.ID
		if id == "" {
			id = uuid.NewString()
		}
		snippets[i] = &convstate.WebSearchSnippet{
			ID:        id,
			Title:     input.Title,
			URL:       input.URL,
			Snippet:   input.Snippet,
			Embedding: vectors[i],
			Provider:  input.Provider,
		}
	}
	return actor.UpsertWebSnippets(ctx, snippets)
}
