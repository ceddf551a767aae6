package chatgraph

import (
	"encoding/json"
	"fmt"
)

// ValidationError reports the first offending field of a malformed or
// structurally inconsistent snapshot.
type ValidationError struct {
	// Field is a dotted path to the offending field.
	Field string
	// Reason describes what is wrong with it.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid snapshot: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DecodeSnapshot parses raw JSON into a Snapshot and validates it.
// It returns a *ValidationError if the payload is malformed or the decoded
// snapshot violates a structural invariant.
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, invalid("snapshot", "malformed JSON: %v", err)
	}
	if err := ValidateSnapshot(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ValidateSnapshot checks shape constraints first (ids, timestamps, enums,
// span bounds), then the structural cross-references between branches and
// messages. It returns a *ValidationError naming the first offending field,
// or nil if the snapshot is valid.
//
// Invariants checked:
//   - every map key equals the contained entity's own ID
//   - the root branch exists in Branches and has no parent
//   - every entry of a branch's MessageIDs resolves to a message whose
//     BranchID equals that branch's ID
//   - every message's BranchID resolves to a branch listing the message
func ValidateSnapshot(snap *Snapshot) error {
	if snap == nil {
		return invalid("snapshot", "must not be nil")
	}
	if snap.Conversation.ID == "" {
		return invalid("conversation.id", "must not be empty")
	}
	if snap.Conversation.RootBranchID == "" {
		return invalid("conversation.rootBranchId", "must not be empty")
	}
	if snap.Conversation.CreatedAt.IsZero() {
		return invalid("conversation.createdAt", "must be set")
	}
	if snap.Conversation.Settings.Model == "" {
		return invalid("conversation.settings.model", "must not be empty")
	}
	if snap.Branches == nil {
		return invalid("branches", "must not be nil")
	}
	if snap.Messages == nil {
		return invalid("messages", "must not be nil")
	}

	for id, branch := range snap.Branches {
		field := "branches." + id
		if branch == nil {
			return invalid(field, "must not be nil")
		}
		if branch.ID != id {
			return invalid(field+".id", "key %q does not match branch id %q", id, branch.ID)
		}
		if branch.CreatedAt.IsZero() {
			return invalid(field+".createdAt", "must be set")
		}
		if branch.CreatedFrom != nil {
			if branch.CreatedFrom.MessageID == "" {
				return invalid(field+".createdFrom.messageId", "must not be empty")
			}
			if sp := branch.CreatedFrom.Span; sp != nil && !sp.Valid() {
				return invalid(field+".createdFrom.span", "require end >= start >= 0, got [%d, %d)", sp.Start, sp.End)
			}
		}
	}

	root, ok := snap.Branches[snap.Conversation.RootBranchID]
	if !ok {
		return invalid("conversation.rootBranchId", "root branch %q not present in branches", snap.Conversation.RootBranchID)
	}
	if root.ParentID != "" {
		return invalid("branches."+root.ID+".parentId", "root branch must not have a parent")
	}

	for id, branch := range snap.Branches {
		if branch.ParentID == "" {
			if id != snap.Conversation.RootBranchID {
				return invalid("branches."+id+".parentId", "only the root branch may have no parent")
			}
			continue
		}
		if _, ok := snap.Branches[branch.ParentID]; !ok {
			return invalid("branches."+id+".parentId", "parent branch %q not found", branch.ParentID)
		}
	}

	for id, msg := range snap.Messages {
		field := "messages." + id
		if msg == nil {
			return invalid(field, "must not be nil")
		}
		if msg.ID != id {
			return invalid(field+".id", "key %q does not match message id %q", id, msg.ID)
		}
		if !ValidRole(msg.Role) {
			return invalid(field+".role", "unknown role %q", msg.Role)
		}
		if msg.CreatedAt.IsZero() {
			return invalid(field+".createdAt", "must be set")
		}
		if msg.Usage != nil && (msg.Usage.InputTokens < 0 || msg.Usage.OutputTokens < 0) {
			return invalid(field+".usage", "token counts must be non-negative")
		}
		owner, ok := snap.Branches[msg.BranchID]
		if !ok {
			return invalid(field+".branchId", "branch %q not found", msg.BranchID)
		}
		if !containsID(owner.MessageIDs, id) {
			return invalid(field+".branchId", "branch %q does not list message %q", msg.BranchID, id)
		}
	}

	for id, branch := range snap.Branches {
		seen := make(map[string]struct{}, len(branch.MessageIDs))
		for i, msgID := range branch.MessageIDs {
			field := fmt.Sprintf("branches.%s.messageIds[%d]", id, i)
			if _, dup := seen[msgID]; dup {
				return invalid(field, "duplicate message id %q", msgID)
			}
			seen[msgID] = struct{}{}
			msg, ok := snap.Messages[msgID]
			if !ok {
				return invalid(field, "message %q not found", msgID)
			}
			if msg.BranchID != id {
				return invalid(field, "message %q belongs to branch %q", msgID, msg.BranchID)
			}
		}
	}

	return nil
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
