package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arborchat-dev/arborchat/pkg/convstate"
	"github.com/arborchat-dev/arborchat/pkg/embeddings"
)

// DefaultEmbedParallelism bounds concurrent embedding calls per ingestion.
const DefaultEmbedParallelism = 4

// Ingestor chunks and embeds attachment text and commits the result to
// the conversation actor.
type Ingestor struct {
	embedder    embeddings.EmbeddingService
	chunkBudget int
	parallelism int
}

// NewIngestor creates an ingestor. chunkBudget and parallelism fall back
// to package defaults when non-positive.
func NewIngestor(embedder embeddings.EmbeddingService, chunkBudget, parallelism int) *Ingestor {
	if chunkBudget <= 0 {
		chunkBudget = DefaultChunkBudget
	}
	if parallelism <= 0 {
		parallelism = DefaultEmbedParallelism
	}
	return &Ingestor{embedder: embedder, chunkBudget: chunkBudget, parallelism: parallelism}
}

// IngestInput is the extracted text of one attachment to ingest.
type IngestInput struct {
	AttachmentID string
	FileName     string
	ContentType  string
	Size         int64
	Text         string
	Summary      string
}

// Ingest splits the input text, embeds every chunk, and installs the
// ingestion record plus its chunk set in one actor mutation. Prior chunks
// for the attachment are replaced wholesale. On embedding failure a
// "failed" record carrying the error replaces the prior state instead, so
// the failure is visible and re-ingestion can be retried.
func (ing *Ingestor) Ingest(ctx context.Context, actor *convstate.Actor, input IngestInput) (*convstate.IngestionRecord, error) {
	if input.AttachmentID == "" {
		return nil, fmt.Errorf("attachment id is required")
	}

	parts := SplitText(input.Text, ing.chunkBudget)
	if len(parts) == 0 {
		return nil, fmt.Errorf("attachment %s has no text to ingest", input.AttachmentID)
	}

	vectors := make([][]float32, len(parts))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(ing.parallelism)
	for i, part := range parts {
		group.Go(func() error {
			vector, err := ing.embedder.Embed(groupCtx, part)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", i, err)
			}
			vectors[i] = vector
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		failed := &convstate.IngestionRecord{
			AttachmentID: input.AttachmentID,
			Status:       convstate.IngestionFailed,
			Error:        err.Error(),
		}
		if _, recordErr := actor.IngestAttachment(ctx, failed, nil); recordErr != nil {
			return nil, fmt.Errorf("record ingestion failure: %w (embedding error: %v)", recordErr, err)
		}
		return nil, err
	}

	chunks := make([]*convstate.AttachmentChunk, len(parts))
	for i, part := range parts {
		chunks[i] = &convstate.AttachmentChunk{
			ID:           uuid.NewString(),
			AttachmentID: input.AttachmentID,
			Kind:         convstate.ChunkText,
			Content:      part,
			TokenCount:   estimateTokens(part),
			Embedding:    vectors[i],
			Metadata: convstate.ChunkMetadata{
				FileName:    input.FileName,
				ContentType: input.ContentType,
				Size:        input.Size,
				Summary:     input.Summary,
			},
		}
	}

	record := &convstate.IngestionRecord{
		AttachmentID: input.AttachmentID,
		Status:       convstate.IngestionReady,
		Summary:      input.Summary,
	}
	return actor.IngestAttachment(ctx, record, chunks)
}

// estimateTokens is a rough rune-based token estimate, good enough for
// budgeting retrieval context.
func estimateTokens(text string) int {
	n := len([]rune(text)) / 4
	if n < 1 {
		n = 1
	}
	return n
}
