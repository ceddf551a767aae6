package convstate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/arborchat-dev/arborchat/pkg/observability"
)

// Retrieval defaults. Fallback results are capped independently of the
// requested limits so an empty thresholded tier never floods the prompt
// with low-relevance context.
const (
	DefaultMaxAttachmentChunks = 6
	DefaultMaxWebSnippets      = 4
	fallbackCap                = 4
)

// QueryRequest is one similarity search over the actor's chunk and snippet
// tables.
type QueryRequest struct {
	// Embedding is the query vector. Candidates whose embedding
	// dimensionality differs are skipped entirely.
	Embedding []float32
	// MaxAttachmentChunks caps the attachment result tier (default 6).
	MaxAttachmentChunks int
	// MaxWebSnippets caps the web snippet result tier (default 4).
	MaxWebSnippets int
	// AllowedAttachmentIDs optionally restricts chunks to the given
	// attachments. Nil means all attachments.
	AllowedAttachmentIDs []string
	// MinScore is the minimum cosine similarity for the primary tier.
	MinScore float32
}

// ScoredChunk is an attachment chunk with its similarity score.
type ScoredChunk struct {
	Chunk *AttachmentChunk `json:"chunk"`
	Score float32          `json:"score"`
}

// ScoredSnippet is a web snippet with its similarity score.
type ScoredSnippet struct {
	Snippet *WebSearchSnippet `json:"snippet"`
	Score   float32           `json:"score"`
}

// QueryResult carries both result tiers per category. The fallback tier
// for a category is populated only when that category's thresholded tier
// is empty; whether to use it is the caller's decision.
type QueryResult struct {
	Attachments         []ScoredChunk   `json:"attachments"`
	WebSnippets         []ScoredSnippet `json:"webSnippets"`
	FallbackAttachments []ScoredChunk   `json:"fallbackAttachments"`
	FallbackWebSnippets []ScoredSnippet `json:"fallbackWebSnippets"`
}

// Query runs an exhaustive cosine-similarity scan over the conversation's
// attachment chunks and web-search snippets. The scan is read-only and
// served from the committed in-memory state.
func (a *Actor) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if len(req.Embedding) == 0 {
		return nil, fmt.Errorf("query embedding is required")
	}
	maxChunks := req.MaxAttachmentChunks
	if maxChunks <= 0 {
		maxChunks = DefaultMaxAttachmentChunks
	}
	maxSnippets := req.MaxWebSnippets
	if maxSnippets <= 0 {
		maxSnippets = DefaultMaxWebSnippets
	}

	var allowed map[string]struct{}
	if req.AllowedAttachmentIDs != nil {
		allowed = make(map[string]struct{}, len(req.AllowedAttachmentIDs))
		for _, id := range req.AllowedAttachmentIDs {
			allowed[id] = struct{}{}
		}
	}

	started := time.Now()
	result := &QueryResult{}
	err := a.readState(ctx, func(state *ConversationState) {
		var chunkRanked []ScoredChunk
		for _, chunk := range state.AttachmentChunks {
			if allowed != nil {
				if _, ok := allowed[chunk.AttachmentID]; !ok {
					continue
				}
			}
			if len(chunk.Embedding) != len(req.Embedding) {
				continue
			}
			chunkRanked = append(chunkRanked, ScoredChunk{
				Chunk: chunk.Clone(),
				Score: cosineSimilarity(req.Embedding, chunk.Embedding),
			})
		}
		sort.SliceStable(chunkRanked, func(i, j int) bool {
			if chunkRanked[i].Score != chunkRanked[j].Score {
				return chunkRanked[i].Score > chunkRanked[j].Score
			}
			return chunkRanked[i].Chunk.Seq < chunkRanked[j].Chunk.Seq
		})
		result.Attachments = thresholdChunks(chunkRanked, req.MinScore, maxChunks)
		if len(result.Attachments) == 0 {
			result.FallbackAttachments = capChunks(chunkRanked, min(maxChunks, fallbackCap))
		}

		var snippetRanked []ScoredSnippet
		for _, snip := range state.WebSearchSnippets {
			if len(snip.Embedding) != len(req.Embedding) {
				continue
			}
			snippetRanked = append(snippetRanked, ScoredSnippet{
				Snippet: snip.Clone(),
				Score:   cosineSimilarity(req.Embedding, snip.Embedding),
			})
		}
		sort.SliceStable(snippetRanked, func(i, j int) bool {
			if snippetRanked[i].Score != snippetRanked[j].Score {
				return snippetRanked[i].Score > snippetRanked[j].Score
			}
			return snippetRanked[i].Snippet.Seq < snippetRanked[j].Snippet.Seq
		})
		result.WebSnippets = thresholdSnippets(snippetRanked, req.MinScore, maxSnippets)
		if len(result.WebSnippets) == 0 {
			result.FallbackWebSnippets = capSnippets(snippetRanked, min(maxSnippets, fallbackCap))
		}
	})
	if err != nil {
		return nil, err
	}
	observability.ObserveRetrieval(time.Since(started),
		len(result.Attachments)+len(result.WebSnippets))
	return result, nil
}

func thresholdChunks(ranked []ScoredChunk, minScore float32, limit int) []ScoredChunk {
	out := make([]ScoredChunk, 0, limit)
	for _, candidate := range ranked {
		if candidate.Score < minScore {
			continue
		}
		out = append(out, candidate)
		if len(out) == limit {
			break
		}
	}
	return out
}

func capChunks(ranked []ScoredChunk, limit int) []ScoredChunk {
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return append([]ScoredChunk(nil), ranked...)
}

func thresholdSnippets(ranked []ScoredSnippet, minScore float32, limit int) []ScoredSnippet {
	out := make([]ScoredSnippet, 0, limit)
	for _, candidate := range ranked {
		if candidate.Score < minScore {
			continue
		}
		out = append(out, candidate)
		if len(out) == limit {
			break
		}
	}
	return out
}

func capSnippets(ranked []ScoredSnippet, limit int) []ScoredSnippet {
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return append([]ScoredSnippet(nil), ranked...)
}

// cosineSimilarity is the normalized dot product of two equal-length
// vectors. A zero-magnitude vector scores 0 against everything.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (sqrt32(normA) * sqrt32(normB))
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
