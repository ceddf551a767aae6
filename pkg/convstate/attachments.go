package convstate

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// StageAttachment inserts a pending attachment record. It fails with
// ErrAttachmentLimit when the conversation already has maxAllowed staged
// attachments, and with ErrAttachmentDuplicate when the id is taken.
func (a *Actor) StageAttachment(ctx context.Context, att *PendingAttachment, maxAllowed int) (*PendingAttachment, error) {
	if att == nil || att.ID == "" {
		return nil, fmt.Errorf("attachment with id is required")
	}
	var staged *PendingAttachment
	err := a.commit(ctx, "attachment:stage", func(work *ConversationState) error {
		if _, exists := work.PendingAttachments[att.ID]; exists {
			return fmt.Errorf("%w: %q", ErrAttachmentDuplicate, att.ID)
		}
		if maxAllowed > 0 && len(work.PendingAttachments) >= maxAllowed {
			return fmt.Errorf("%w: %d staged, max %d", ErrAttachmentLimit, len(work.PendingAttachments), maxAllowed)
		}
		record := att.Clone()
		record.Status = AttachmentPending
		if record.CreatedAt.IsZero() {
			record.CreatedAt = a.now()
		}
		work.PendingAttachments[record.ID] = record
		staged = record.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return staged, nil
}

// FinalizeAttachment transitions a staged attachment to ready, optionally
// correcting the recorded size and stamping the upload time. Finalizing an
// already-ready attachment is a no-op.
func (a *Actor) FinalizeAttachment(ctx context.Context, id string, size *int64, uploadedAt *time.Time) (*PendingAttachment, error) {
	var finalized *PendingAttachment
	err := a.commit(ctx, "attachment:finalize", func(work *ConversationState) error {
		record, ok := work.PendingAttachments[id]
		if !ok {
			return fmt.Errorf("%w: %q", ErrAttachmentNotFound, id)
		}
		if record.Status != AttachmentReady {
			record.Status = AttachmentReady
			if size != nil {
				record.Size = *size
			}
			if uploadedAt != nil {
				stamped := *uploadedAt
				record.UploadedAt = &stamped
			} else if record.UploadedAt == nil {
				stamped := a.now()
				record.UploadedAt = &stamped
			}
		}
		finalized = record.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return finalized, nil
}

// ConsumeAttachments removes the given staged attachments and returns
// them, for the caller to attach to a message. The call is all-or-nothing:
// every id must exist and be ready, otherwise nothing is removed.
func (a *Actor) ConsumeAttachments(ctx context.Context, ids []string) ([]*PendingAttachment, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one attachment id is required")
	}
	var consumed []*PendingAttachment
	err := a.commit(ctx, "attachment:consume", func(work *ConversationState) error {
		records := make([]*PendingAttachment, 0, len(ids))
		for _, id := range ids {
			record, ok := work.PendingAttachments[id]
			if !ok {
				return fmt.Errorf("%w: %q", ErrAttachmentNotFound, id)
			}
			if record.Status != AttachmentReady {
				return fmt.Errorf("%w: %q is %s", ErrAttachmentNotReady, id, record.Status)
			}
			records = append(records, record)
		}
		consumed = make([]*PendingAttachment, 0, len(records))
		for _, record := range records {
			delete(work.PendingAttachments, record.ID)
			consumed = append(consumed, record.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

// DeleteAttachment removes a staged attachment regardless of its status.
// The removed record and true are returned, or nil and false if absent.
func (a *Actor) DeleteAttachment(ctx context.Context, id string) (*PendingAttachment, bool, error) {
	var (
		removed *PendingAttachment
		found   bool
	)
	err := a.commit(ctx, "attachment:delete", func(work *ConversationState) error {
		record, ok := work.PendingAttachments[id]
		if !ok {
			return nil
		}
		delete(work.PendingAttachments, id)
		removed = record.Clone()
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return removed, found, nil
}

// GetAttachment returns one staged attachment by id.
func (a *Actor) GetAttachment(ctx context.Context, id string) (*PendingAttachment, error) {
	var record *PendingAttachment
	err := a.readState(ctx, func(state *ConversationState) {
		if found, ok := state.PendingAttachments[id]; ok {
			record = found.Clone()
		}
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %q", ErrAttachmentNotFound, id)
	}
	return record, nil
}

// ListAttachments returns all staged attachments ordered by creation time.
func (a *Actor) ListAttachments(ctx context.Context) ([]*PendingAttachment, error) {
	var records []*PendingAttachment
	err := a.readState(ctx, func(state *ConversationState) {
		records = make([]*PendingAttachment, 0, len(state.PendingAttachments))
		for _, record := range state.PendingAttachments {
			records = append(records, record.Clone())
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// IngestAttachment replaces the attachment's ingestion record and its
// whole chunk set in one serialized mutation: prior chunks are deleted,
// new ones inserted, and the record installed atomically. If the
// attachment is still staged, its record is annotated with the ingestion
// status for UI feedback.
func (a *Actor) IngestAttachment(ctx context.Context, record *IngestionRecord, chunks []*AttachmentChunk) (*IngestionRecord, error) {
	if record == nil || record.AttachmentID == "" {
		return nil, fmt.Errorf("ingestion record with attachment id is required")
	}
	for i, chunk := range chunks {
		if chunk == nil || chunk.ID == "" {
			return nil, fmt.Errorf("chunk %d: id is required", i)
		}
		if chunk.AttachmentID != record.AttachmentID {
			return nil, fmt.Errorf("chunk %q belongs to attachment %q, record is for %q",
				chunk.ID, chunk.AttachmentID, record.AttachmentID)
		}
	}

	var stored *IngestionRecord
	err := a.commit(ctx, "attachment:ingest", func(work *ConversationState) error {
		// Drop the superseded chunk set wholesale.
		if prior, ok := work.AttachmentIngestions[record.AttachmentID]; ok {
			for _, chunkID := range prior.ChunkIDs {
				delete(work.AttachmentChunks, chunkID)
			}
		}

		installed := record.Clone()
		installed.ConversationID = a.conversationID
		installed.UpdatedAt = a.now()
		installed.ChunkIDs = make([]string, 0, len(chunks))
		for _, chunk := range chunks {
			inserted := chunk.Clone()
			inserted.ConversationID = a.conversationID
			if inserted.CreatedAt.IsZero() {
				inserted.CreatedAt = a.now()
			}
			inserted.Seq = work.NextSeq
			work.NextSeq++
			work.AttachmentChunks[inserted.ID] = inserted
			installed.ChunkIDs = append(installed.ChunkIDs, inserted.ID)
		}
		work.AttachmentIngestions[record.AttachmentID] = installed

		// Best-effort UI annotation; the attachment may already have been
		// consumed or deleted, which is fine.
		if staged, ok := work.PendingAttachments[record.AttachmentID]; ok {
			staged.IngestionStatus = installed.Status
		}

		stored = installed.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ListIngestions returns all ingestion records ordered by attachment id.
func (a *Actor) ListIngestions(ctx context.Context) ([]*IngestionRecord, error) {
	var records []*IngestionRecord
	err := a.readState(ctx, func(state *ConversationState) {
		records = make([]*IngestionRecord, 0, len(state.AttachmentIngestions))
		for _, record := range state.AttachmentIngestions {
			records = append(records, record.Clone())
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].AttachmentID < records[j].AttachmentID
	})
	return records, nil
}

// UpsertWebSnippets inserts or replaces web-search snippets by id and
// returns the number written.
func (a *Actor) UpsertWebSnippets(ctx context.Context, snippets []*WebSearchSnippet) (int, error) {
	if len(snippets) == 0 {
		return 0, nil
	}
	for i, snip := range snippets {
		if snip == nil || snip.ID == "" {
			return 0, fmt.Errorf("snippet %d: id is required", i)
		}
	}
	err := a.commit(ctx, "web:upsert", func(work *ConversationState) error {
		for _, snip := range snippets {
			inserted := snip.Clone()
			inserted.ConversationID = a.conversationID
			if inserted.CreatedAt.IsZero() {
				inserted.CreatedAt = a.now()
			}
			if existing, ok := work.WebSearchSnippets[inserted.ID]; ok {
				inserted.Seq = existing.Seq
			} else {
				inserted.Seq = work.NextSeq
				work.NextSeq++
			}
			work.WebSearchSnippets[inserted.ID] = inserted
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(snippets), nil
}
