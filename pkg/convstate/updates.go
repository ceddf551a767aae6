package convstate

import (
	"fmt"
	"time"

	"github.com/arborchat-dev/arborchat/pkg/chatgraph"
)

// Update is one typed mutation applied by Actor.Apply. The set of variants
// is closed: applyUpdate switches over every implementation and rejects
// anything else, so an unhandled variant fails the whole batch instead of
// silently passing through.
type Update interface {
	updateKind() string
}

// ConversationUpdate replaces the conversation settings wholesale. On an
// uninitialized conversation (nil snapshot) it creates the snapshot with a
// fresh root branch, provided the batch was flagged with allowMissing.
type ConversationUpdate struct {
	Settings chatgraph.Settings `json:"settings"`
}

// BranchCreate upserts a branch by id, typically a draft produced by
// chatgraph.DraftBranch.
type BranchCreate struct {
	Branch *chatgraph.Branch `json:"branch"`
}

// BranchUpdate upserts a branch by id (title edits, archival).
type BranchUpdate struct {
	Branch *chatgraph.Branch `json:"branch"`
}

// MessageAppend adds a message and appends its id to the owning branch's
// message list. Appending an id already present in the list is a no-op.
type MessageAppend struct {
	Message *chatgraph.Message `json:"message"`
}

// MessagePatch is the set of message fields MessageUpdate may merge.
// Nil fields are left unchanged.
type MessagePatch struct {
	Content     *string                        `json:"content,omitempty"`
	Usage       *chatgraph.TokenUsage          `json:"usage,omitempty"`
	Attachments []chatgraph.MessageAttachment  `json:"attachments,omitempty"`
	ToolCalls   []chatgraph.ToolCall           `json:"toolCalls,omitempty"`
}

// MessageUpdate merges fields into an existing message. It fails if the
// message does not exist.
type MessageUpdate struct {
	MessageID string       `json:"messageId"`
	Patch     MessagePatch `json:"patch"`
}

func (ConversationUpdate) updateKind() string { return "conversation:update" }
func (BranchCreate) updateKind() string       { return "branch:create" }
func (BranchUpdate) updateKind() string       { return "branch:update" }
func (MessageAppend) updateKind() string      { return "message:append" }
func (MessageUpdate) updateKind() string      { return "message:update" }

// applyUpdates folds a batch of updates over a working copy of the
// snapshot. The caller passes a clone; on any error the clone is discarded
// and the committed snapshot is untouched.
func applyUpdates(snap *chatgraph.Snapshot, conversationID string, updates []Update, allowMissing bool, now time.Time) (*chatgraph.Snapshot, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("empty update batch")
	}
	if snap == nil {
		if !allowMissing {
			return nil, ErrSnapshotNotInitialized
		}
		if !batchInitializes(updates) {
			return nil, fmt.Errorf("%w: batch has no conversation:update", ErrSnapshotNotInitialized)
		}
	}

	work := snap
	for i, update := range updates {
		next, err := applyUpdate(work, conversationID, update, now)
		if err != nil {
			return nil, fmt.Errorf("update %d (%s): %w", i, update.updateKind(), err)
		}
		work = next
	}
	return work, nil
}

func batchInitializes(updates []Update) bool {
	for _, u := range updates {
		if _, ok := u.(ConversationUpdate); ok {
			return true
		}
	}
	return false
}

func applyUpdate(snap *chatgraph.Snapshot, conversationID string, update Update, now time.Time) (*chatgraph.Snapshot, error) {
	switch u := update.(type) {
	case ConversationUpdate:
		if snap == nil {
			return chatgraph.NewSnapshot(conversationID, u.Settings, now), nil
		}
		snap.Conversation.Settings = u.Settings
		return snap, nil

	case BranchCreate:
		return applyBranchUpsert(snap, u.Branch)

	case BranchUpdate:
		return applyBranchUpsert(snap, u.Branch)

	case MessageAppend:
		if snap == nil {
			return nil, ErrSnapshotNotInitialized
		}
		msg := u.Message
		if msg == nil || msg.ID == "" {
			return nil, fmt.Errorf("message with id is required")
		}
		branch, ok := snap.Branches[msg.BranchID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBranchNotFound, msg.BranchID)
		}
		if existing, ok := snap.Messages[msg.ID]; ok {
			// Idempotent on duplicate id; a conflicting payload for the
			// same id is a batch error.
			if existing.BranchID != msg.BranchID {
				return nil, fmt.Errorf("message %q already exists on branch %q", msg.ID, existing.BranchID)
			}
			return snap, nil
		}
		snap.Messages[msg.ID] = msg.Clone()
		branch.MessageIDs = append(branch.MessageIDs, msg.ID)
		return snap, nil

	case MessageUpdate:
		if snap == nil {
			return nil, ErrSnapshotNotInitialized
		}
		msg, ok := snap.Messages[u.MessageID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMessageNotFound, u.MessageID)
		}
		if u.Patch.Content != nil {
			msg.Content = *u.Patch.Content
		}
		if u.Patch.Usage != nil {
			usage := *u.Patch.Usage
			msg.Usage = &usage
		}
		if u.Patch.Attachments != nil {
			msg.Attachments = append([]chatgraph.MessageAttachment(nil), u.Patch.Attachments...)
		}
		if u.Patch.ToolCalls != nil {
			msg.ToolCalls = append([]chatgraph.ToolCall(nil), u.Patch.ToolCalls...)
		}
		return snap, nil

	default:
		return nil, fmt.Errorf("unhandled update variant %T", update)
	}
}

func applyBranchUpsert(snap *chatgraph.Snapshot, branch *chatgraph.Branch) (*chatgraph.Snapshot, error) {
	if snap == nil {
		return nil, ErrSnapshotNotInitialized
	}
	if branch == nil || branch.ID == "" {
		return nil, fmt.Errorf("branch with id is required")
	}
	if branch.ID != snap.Conversation.RootBranchID {
		if branch.ParentID == "" {
			return nil, fmt.Errorf("branch %q: only the root branch may have no parent", branch.ID)
		}
		if _, ok := snap.Branches[branch.ParentID]; !ok {
			return nil, fmt.Errorf("%w: parent %q", ErrBranchNotFound, branch.ParentID)
		}
	}
	if existing, ok := snap.Branches[branch.ID]; ok {
		// Upsert must not drop messages already recorded on the branch.
		incoming := branch.Clone()
		if len(incoming.MessageIDs) == 0 {
			incoming.MessageIDs = append([]string(nil), existing.MessageIDs...)
		}
		snap.Branches[branch.ID] = incoming
		return snap, nil
	}
	snap.Branches[branch.ID] = branch.Clone()
	return snap, nil
}
