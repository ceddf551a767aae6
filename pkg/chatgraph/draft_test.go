package chatgraph

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDraftBranch(t *testing.T) {
	snap := testSnapshot()

	t.Run("explicit title wins", func(t *testing.T) {
		branch, err := DraftBranch(snap, DraftRequest{
			ParentBranchID: snap.Conversation.RootBranchID,
			MessageID:      "m-asst",
			Title:          "  Moon deep dive  ",
			Excerpt:        "something else entirely",
		}, testTime)
		if err != nil {
			t.Fatalf("DraftBranch() error = %v", err)
		}
		if branch.Title != "Moon deep dive" {
			t.Errorf("Title = %q, want trimmed explicit title", branch.Title)
		}
	})

	t.Run("excerpt within budget kept verbatim", func(t *testing.T) {
		excerpt := "caused  by the\n moon's   gravity"
		branch, err := DraftBranch(snap, DraftRequest{
			ParentBranchID: snap.Conversation.RootBranchID,
			MessageID:      "m-asst",
			Span:           &Span{Start: 10, End: 40},
			Excerpt:        excerpt,
		}, testTime)
		if err != nil {
			t.Fatalf("DraftBranch() error = %v", err)
		}
		if branch.Title != "caused by the moon's gravity" {
			t.Errorf("Title = %q, want whitespace-collapsed excerpt", branch.Title)
		}
		if branch.ParentID != snap.Conversation.RootBranchID {
			t.Errorf("ParentID = %q, want root", branch.ParentID)
		}
		if branch.CreatedFrom == nil || branch.CreatedFrom.MessageID != "m-asst" {
			t.Fatalf("CreatedFrom = %+v, want origin at m-asst", branch.CreatedFrom)
		}
		if got := branch.CreatedFrom.Span; got == nil || got.Start != 10 || got.End != 40 {
			t.Errorf("CreatedFrom.Span = %+v, want [10, 40)", got)
		}
		if len(branch.MessageIDs) != 0 {
			t.Errorf("MessageIDs = %v, want empty", branch.MessageIDs)
		}
	})

	t.Run("long excerpt truncated with ellipsis", func(t *testing.T) {
		branch, err := DraftBranch(snap, DraftRequest{
			ParentBranchID: snap.Conversation.RootBranchID,
			MessageID:      "m-asst",
			Excerpt:        strings.Repeat("tide ", 40),
		}, testTime)
		if err != nil {
			t.Fatalf("DraftBranch() error = %v", err)
		}
		if got := utf8.RuneCountInString(branch.Title); got > TitleBudget {
			t.Errorf("title length = %d runes, want <= %d", got, TitleBudget)
		}
		if !strings.HasSuffix(branch.Title, titleEllipsis) {
			t.Errorf("Title = %q, want ellipsis suffix", branch.Title)
		}
	})

	t.Run("fallback title from id prefix", func(t *testing.T) {
		branch, err := DraftBranch(snap, DraftRequest{
			ParentBranchID: snap.Conversation.RootBranchID,
			MessageID:      "m-asst",
			Excerpt:        "   \n\t ",
		}, testTime)
		if err != nil {
			t.Fatalf("DraftBranch() error = %v", err)
		}
		if !strings.HasPrefix(branch.Title, "Branch ") {
			t.Errorf("Title = %q, want generic fallback", branch.Title)
		}
		if !strings.HasPrefix(branch.ID, strings.TrimPrefix(branch.Title, "Branch ")) {
			t.Errorf("fallback title %q does not match id prefix of %q", branch.Title, branch.ID)
		}
	})

	t.Run("unknown parent", func(t *testing.T) {
		_, err := DraftBranch(snap, DraftRequest{
			ParentBranchID: "b-gone",
			MessageID:      "m-asst",
		}, testTime)
		if err == nil {
			t.Fatal("DraftBranch() error = nil, want parent-not-found")
		}
	})

	t.Run("unknown source message", func(t *testing.T) {
		_, err := DraftBranch(snap, DraftRequest{
			ParentBranchID: snap.Conversation.RootBranchID,
			MessageID:      "m-gone",
		}, testTime)
		if err == nil {
			t.Fatal("DraftBranch() error = nil, want message-not-found")
		}
	})

	t.Run("invalid span", func(t *testing.T) {
		_, err := DraftBranch(snap, DraftRequest{
			ParentBranchID: snap.Conversation.RootBranchID,
			MessageID:      "m-asst",
			Span:           &Span{Start: 12, End: 2},
		}, testTime)
		if err == nil {
			t.Fatal("DraftBranch() error = nil, want span error")
		}
	})

	t.Run("fresh id per draft", func(t *testing.T) {
		req := DraftRequest{ParentBranchID: snap.Conversation.RootBranchID, MessageID: "m-asst"}
		a, err := DraftBranch(snap, req, testTime)
		if err != nil {
			t.Fatalf("DraftBranch() error = %v", err)
		}
		b, err := DraftBranch(snap, req, testTime)
		if err != nil {
			t.Fatalf("DraftBranch() error = %v", err)
		}
		if a.ID == b.ID {
			t.Errorf("two drafts share id %q", a.ID)
		}
	})
}
