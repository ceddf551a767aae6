package chatgraph

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TitleBudget is the maximum rune length of a derived branch title.
const TitleBudget = 80

// titleEllipsis marks a truncated excerpt-derived title.
const titleEllipsis = "…"

// DraftRequest describes a branch to derive from a selection inside an
// existing message.
type DraftRequest struct {
	// ParentBranchID is the branch being forked.
	ParentBranchID string `json:"parentBranchId"`
	// MessageID is the message the selection lives in.
	MessageID string `json:"messageId"`
	// Span optionally narrows the selection to a character range.
	Span *Span `json:"span,omitempty"`
	// Title is an optional explicit title; it wins over the excerpt.
	Title string `json:"title,omitempty"`
	// Excerpt is the selected text, used to derive a title.
	Excerpt string `json:"excerpt,omitempty"`
}

// DraftBranch derives a new, not-yet-persisted branch from a selection.
// The result has a fresh id, ParentID set, CreatedFrom populated and an
// empty message list; persisting it is the caller's job, via the actor.
//
// Title precedence: explicit title (trimmed) > whitespace-collapsed excerpt
// truncated to TitleBudget runes with an ellipsis when truncated > a
// generic fallback built from the new branch id's prefix.
func DraftBranch(snap *Snapshot, req DraftRequest, now time.Time) (*Branch, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is nil")
	}
	if _, ok := snap.Branches[req.ParentBranchID]; !ok {
		return nil, fmt.Errorf("parent branch %q not found", req.ParentBranchID)
	}
	if _, ok := snap.Messages[req.MessageID]; !ok {
		return nil, fmt.Errorf("source message %q not found", req.MessageID)
	}
	if req.Span != nil && !req.Span.Valid() {
		return nil, fmt.Errorf("invalid span [%d, %d)", req.Span.Start, req.Span.End)
	}

	id := uuid.New().String()

	origin := &BranchOrigin{
		MessageID: req.MessageID,
		Excerpt:   req.Excerpt,
	}
	if req.Span != nil {
		span := *req.Span
		origin.Span = &span
	}

	return &Branch{
		ID:          id,
		ParentID:    req.ParentBranchID,
		Title:       deriveTitle(req.Title, req.Excerpt, id),
		CreatedFrom: origin,
		MessageIDs:  []string{},
		CreatedAt:   now,
	}, nil
}

func deriveTitle(explicit, excerpt, branchID string) string {
	if title := strings.TrimSpace(explicit); title != "" {
		return title
	}
	if collapsed := collapseWhitespace(excerpt); collapsed != "" {
		return truncateRunes(collapsed, TitleBudget)
	}
	prefix := branchID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "Branch " + prefix
}

// collapseWhitespace trims the string and folds every whitespace run into a
// single space.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateRunes cuts s to at most budget runes, replacing the final rune
// with an ellipsis when a cut happened.
func truncateRunes(s string, budget int) string {
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	return string(runes[:budget-1]) + titleEllipsis
}
