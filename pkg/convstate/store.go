package convstate

import (
	"context"
	"errors"
)

// Common errors for actor operations and storage backends.
var (
	// ErrStateNotFound is returned by backends when no record exists for
	// the conversation key.
	ErrStateNotFound = errors.New("conversation state not found")
	// ErrStorageClosed is returned when operating on a closed backend.
	ErrStorageClosed = errors.New("storage backend is closed")

	// ErrSnapshotNotInitialized is returned when updates are applied to a
	// conversation with no snapshot and initialization was not requested.
	ErrSnapshotNotInitialized = errors.New("snapshot not initialized")
	// ErrBranchNotFound is returned when an update references a branch
	// that does not exist in the snapshot.
	ErrBranchNotFound = errors.New("branch not found")
	// ErrMessageNotFound is returned when an update references a message
	// that does not exist in the snapshot.
	ErrMessageNotFound = errors.New("message not found")

	// ErrAttachmentLimit is returned when staging would exceed the
	// per-conversation cap of simultaneously staged attachments.
	ErrAttachmentLimit = errors.New("attachment limit exceeded")
	// ErrAttachmentDuplicate is returned when staging an id that is
	// already staged.
	ErrAttachmentDuplicate = errors.New("attachment already staged")
	// ErrAttachmentNotFound is returned when an attachment id is not in
	// the pending set.
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrAttachmentNotReady is returned by consume when any attachment has
	// not been finalized yet.
	ErrAttachmentNotReady = errors.New("attachment not ready")
)

// StorageBackend persists one ConversationState per conversation id as a
// single durable record. Implementations must be safe for concurrent use.
type StorageBackend interface {
	// Load retrieves the state for a conversation.
	// Returns ErrStateNotFound if no record exists.
	Load(ctx context.Context, conversationID string) (*ConversationState, error)

	// Save writes the whole state record, replacing any prior version.
	Save(ctx context.Context, conversationID string, state *ConversationState) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, conversationID string) error

	// Close releases any resources held by the backend.
	Close() error
}
