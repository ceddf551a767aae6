// Package convstate implements the per-conversation state actor: it owns
// one conversation's branch/message snapshot, its staged attachments,
// ingested chunks and web-search snippets, serializes every mutation, and
// answers similarity-search queries over the cached chunk/snippet tables.
package convstate

import (
	"time"

	"github.com/arborchat-dev/arborchat/pkg/chatgraph"
)

// AttachmentStatus is the lifecycle state of a staged attachment.
type AttachmentStatus string

const (
	// AttachmentPending means the attachment record exists but its bytes
	// have not finished uploading.
	AttachmentPending AttachmentStatus = "pending"
	// AttachmentReady means the upload finished and the attachment can be
	// consumed onto a message.
	AttachmentReady AttachmentStatus = "ready"
)

// IngestionStatus is the state of an attachment's chunk/embedding ingestion.
type IngestionStatus string

const (
	IngestionPending IngestionStatus = "pending"
	IngestionReady   IngestionStatus = "ready"
	IngestionFailed  IngestionStatus = "failed"
)

// ChunkKind distinguishes textual from image-derived chunks.
type ChunkKind string

const (
	ChunkText  ChunkKind = "text"
	ChunkImage ChunkKind = "image"
)

// PendingAttachment is an uploaded file's metadata while it is staged on
// the conversation, before being consumed onto a message or deleted.
type PendingAttachment struct {
	ID          string           `json:"id"`
	FileName    string           `json:"fileName"`
	ContentType string           `json:"contentType"`
	Size        int64            `json:"size"`
	// StorageKey is an opaque reference into external blob storage.
	StorageKey string           `json:"storageKey"`
	Status     AttachmentStatus `json:"status"`
	// IngestionStatus mirrors the attachment's ingestion record for UI
	// feedback; it is advisory and updated best-effort.
	IngestionStatus IngestionStatus `json:"ingestionStatus,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UploadedAt      *time.Time      `json:"uploadedAt,omitempty"`
}

// ChunkMetadata carries per-chunk file context for retrieval display.
type ChunkMetadata struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Page        int    `json:"page,omitempty"`
	Language    string `json:"language,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

// AttachmentChunk is one embedded slice of an ingested attachment.
type AttachmentChunk struct {
	ID             string        `json:"id"`
	AttachmentID   string        `json:"attachmentId"`
	ConversationID string        `json:"conversationId"`
	Kind           ChunkKind     `json:"kind"`
	Content        string        `json:"content"`
	TokenCount     int           `json:"tokenCount"`
	Embedding      []float32     `json:"embedding"`
	Metadata       ChunkMetadata `json:"metadata"`
	CreatedAt      time.Time     `json:"createdAt"`
	// Seq is the insertion sequence, used as a deterministic tie-break
	// when ranking equal similarity scores.
	Seq int64 `json:"seq"`
}

// IngestionRecord tracks the chunking/embedding state of one attachment.
// Re-ingestion replaces the record and its chunk set wholesale.
type IngestionRecord struct {
	AttachmentID   string          `json:"attachmentId"`
	ConversationID string          `json:"conversationId"`
	Status         IngestionStatus `json:"status"`
	ChunkIDs       []string        `json:"chunkIds"`
	Summary        string          `json:"summary,omitempty"`
	Error          string          `json:"error,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// WebSearchSnippet is a cached, embedded web-search result snippet.
type WebSearchSnippet struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Title          string    `json:"title"`
	URL            string    `json:"url"`
	Snippet        string    `json:"snippet"`
	Embedding      []float32 `json:"embedding"`
	Provider       string    `json:"provider,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Seq            int64     `json:"seq"`
}

// ConversationState is everything the actor owns for one conversation,
// persisted as a single unit under a single durable key.
type ConversationState struct {
	Snapshot             *chatgraph.Snapshot           `json:"snapshot"`
	Version              int64                         `json:"version"`
	PendingAttachments   map[string]*PendingAttachment `json:"pendingAttachments"`
	AttachmentChunks     map[string]*AttachmentChunk   `json:"attachmentChunks"`
	AttachmentIngestions map[string]*IngestionRecord   `json:"attachmentIngestions"`
	WebSearchSnippets    map[string]*WebSearchSnippet  `json:"webSearchSnippets"`
	// NextSeq feeds chunk/snippet insertion sequence numbers.
	NextSeq int64 `json:"nextSeq"`
}

// NewConversationState returns an empty, uninitialized state (nil snapshot,
// version 0).
func NewConversationState() *ConversationState {
	return &ConversationState{
		PendingAttachments:   make(map[string]*PendingAttachment),
		AttachmentChunks:     make(map[string]*AttachmentChunk),
		AttachmentIngestions: make(map[string]*IngestionRecord),
		WebSearchSnippets:    make(map[string]*WebSearchSnippet),
	}
}

// Clone returns a deep copy of the state. The actor mutates only clones;
// the committed state is replaced wholesale after a successful save.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := &ConversationState{
		Snapshot:             s.Snapshot.Clone(),
		Version:              s.Version,
		PendingAttachments:   make(map[string]*PendingAttachment, len(s.PendingAttachments)),
		AttachmentChunks:     make(map[string]*AttachmentChunk, len(s.AttachmentChunks)),
		AttachmentIngestions: make(map[string]*IngestionRecord, len(s.AttachmentIngestions)),
		WebSearchSnippets:    make(map[string]*WebSearchSnippet, len(s.WebSearchSnippets)),
		NextSeq:              s.NextSeq,
	}
	for id, att := range s.PendingAttachments {
		out.PendingAttachments[id] = att.Clone()
	}
	for id, chunk := range s.AttachmentChunks {
		out.AttachmentChunks[id] = chunk.Clone()
	}
	for id, rec := range s.AttachmentIngestions {
		out.AttachmentIngestions[id] = rec.Clone()
	}
	for id, snip := range s.WebSearchSnippets {
		out.WebSearchSnippets[id] = snip.Clone()
	}
	return out
}

// normalize backfills nil maps after JSON decoding so lookups and inserts
// never hit a nil map.
func (s *ConversationState) normalize() {
	if s.PendingAttachments == nil {
		s.PendingAttachments = make(map[string]*PendingAttachment)
	}
	if s.AttachmentChunks == nil {
		s.AttachmentChunks = make(map[string]*AttachmentChunk)
	}
	if s.AttachmentIngestions == nil {
		s.AttachmentIngestions = make(map[string]*IngestionRecord)
	}
	if s.WebSearchSnippets == nil {
		s.WebSearchSnippets = make(map[string]*WebSearchSnippet)
	}
}

// Clone returns a deep copy of the pending attachment.
func (p *PendingAttachment) Clone() *PendingAttachment {
	if p == nil {
		return nil
	}
	out := *p
	if p.UploadedAt != nil {
		uploaded := *p.UploadedAt
		out.UploadedAt = &uploaded
	}
	return &out
}

// Clone returns a deep copy of the chunk.
func (c *AttachmentChunk) Clone() *AttachmentChunk {
	if c == nil {
		return nil
	}
	out := *c
	if c.Embedding != nil {
		out.Embedding = make([]float32, len(c.Embedding))
		copy(out.Embedding, c.Embedding)
	}
	return &out
}

// Clone returns a deep copy of the ingestion record.
func (r *IngestionRecord) Clone() *IngestionRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.ChunkIDs != nil {
		out.ChunkIDs = make([]string, len(r.ChunkIDs))
		copy(out.ChunkIDs, r.ChunkIDs)
	}
	return &out
}

// Clone returns a deep copy of the snippet.
func (w *WebSearchSnippet) Clone() *WebSearchSnippet {
	if w == nil {
		return nil
	}
	out := *w
	if w.Embedding != nil {
		out.Embedding = make([]float32, len(w.Embedding))
		copy(out.Embedding, w.Embedding)
	}
	return &out
}
