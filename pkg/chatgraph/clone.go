package chatgraph

import "time"

// Clone returns a deep copy of the branch.
func (b *Branch) Clone() *Branch {
	if b == nil {
		return nil
	}
	out := *b
	if b.CreatedFrom != nil {
		origin := *b.CreatedFrom
		if b.CreatedFrom.Span != nil {
			span := *b.CreatedFrom.Span
			origin.Span = &span
		}
		out.CreatedFrom = &origin
	}
	if b.MessageIDs != nil {
		out.MessageIDs = make([]string, len(b.MessageIDs))
		copy(out.MessageIDs, b.MessageIDs)
	}
	if b.ArchivedAt != nil {
		archived := *b.ArchivedAt
		out.ArchivedAt = &archived
	}
	return &out
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Usage != nil {
		usage := *m.Usage
		out.Usage = &usage
	}
	if m.Attachments != nil {
		out.Attachments = make([]MessageAttachment, len(m.Attachments))
		copy(out.Attachments, m.Attachments)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return &out
}

// Clone returns a deep copy of the snapshot. Mutating the copy never
// affects the original, so a failed mutation can be discarded without
// corrupting the last committed snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Conversation: s.Conversation,
		Branches:     make(map[string]*Branch, len(s.Branches)),
		Messages:     make(map[string]*Message, len(s.Messages)),
	}
	for id, branch := range s.Branches {
		out.Branches[id] = branch.Clone()
	}
	for id, msg := range s.Messages {
		out.Messages[id] = msg.Clone()
	}
	return out
}

// NewSnapshot builds a minimal valid snapshot: a conversation with a single
// empty root branch.
func NewSnapshot(conversationID string, settings Settings, now time.Time) *Snapshot {
	rootID := conversationID + "-root"
	return &Snapshot{
		Conversation: Conversation{
			ID:           conversationID,
			RootBranchID: rootID,
			CreatedAt:    now,
			Settings:     settings,
		},
		Branches: map[string]*Branch{
			rootID: {
				ID:         rootID,
				Title:      "Main",
				MessageIDs: []string{},
				CreatedAt:  now,
			},
		},
		Messages: map[string]*Message{},
	}
}
