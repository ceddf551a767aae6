package pipeline

import (
	"context"
	"fmt"

	"github.com/arborchat-dev/arborchat/pkg/convstate"
	"github.com/arborchat-dev/arborchat/pkg/embeddings"
)

// Retriever embeds a query text and runs it against the actor's chunk and
// snippet tables.
type Retriever struct {
	embedder embeddings.EmbeddingService
}

// NewRetriever creates a retriever over the given embedding service.
func NewRetriever(embedder embeddings.EmbeddingService) *Retriever {
	return &Retriever{embedder: embedder}
}

// RetrieveRequest is one text query against a conversation's cached
// retrieval context.
type RetrieveRequest struct {
	Query                string
	MaxAttachmentChunks  int
	MaxWebSnippets       int
	AllowedAttachmentIDs []string
	MinScore             float32
}

// Retrieve embeds the query and returns the two-tier similarity result.
func (r *Retriever) Retrieve(ctx context.Context, actor *convstate.Actor, req RetrieveRequest) (*convstate.QueryResult, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query text is required")
	}
	embedding, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return actor.Query(ctx, convstate.QueryRequest{
		Embedding:            embedding,
		MaxAttachmentChunks:  req.MaxAttachmentChunks,
		MaxWebSnippets:       req.MaxWebSnippets,
		AllowedAttachmentIDs: req.AllowedAttachmentIDs,
		MinScore:             req.MinScore,
	})
}
