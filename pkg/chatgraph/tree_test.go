package chatgraph

import (
	"testing"
	"time"
)

func TestBuildTree(t *testing.T) {
	snap := testSnapshot()

	later := &Branch{
		ID:          "b-later",
		ParentID:    snap.Conversation.RootBranchID,
		Title:       "later fork",
		CreatedFrom: &BranchOrigin{MessageID: "m-asst"},
		MessageIDs:  []string{},
		CreatedAt:   testTime.Add(time.Hour),
	}
	snap.Branches[later.ID] = later

	tree, err := BuildTree(snap)
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}
	if tree.Branch.ID != snap.Conversation.RootBranchID {
		t.Fatalf("root = %q, want %q", tree.Branch.ID, snap.Conversation.RootBranchID)
	}
	if len(tree.Children) != 2 {
		t.Fatalf("root children = %d, want 2", len(tree.Children))
	}
	// Siblings ordered by creation time.
	if tree.Children[0].Branch.ID != "b-fork" || tree.Children[1].Branch.ID != "b-later" {
		t.Errorf("children = [%s %s], want [b-fork b-later]",
			tree.Children[0].Branch.ID, tree.Children[1].Branch.ID)
	}
}

func TestBranchChain(t *testing.T) {
	snap := testSnapshot()

	chain, err := BranchChain(snap, "b-fork")
	if err != nil {
		t.Fatalf("BranchChain() error = %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if chain[0].ID != snap.Conversation.RootBranchID || chain[1].ID != "b-fork" {
		t.Errorf("chain = [%s %s], want root-first order", chain[0].ID, chain[1].ID)
	}

	if _, err := BranchChain(snap, "b-gone"); err == nil {
		t.Error("BranchChain(unknown) error = nil, want not-found")
	}

	// A cycle must not hang the walk.
	snap.Branches[snap.Conversation.RootBranchID].ParentID = "b-fork"
	if _, err := BranchChain(snap, "b-fork"); err == nil {
		t.Error("BranchChain(cycle) error = nil, want cycle error")
	}
}

func TestMessagesOnChain(t *testing.T) {
	snap := testSnapshot()

	// The fork originates at m-asst, so the parent's messages are included
	// in full; the fork appends its own.
	msgs, err := MessagesOnChain(snap, "b-fork")
	if err != nil {
		t.Fatalf("MessagesOnChain() error = %v", err)
	}
	want := []string{"m-sys", "m-user", "m-asst", "m-fork-user"}
	if len(msgs) != len(want) {
		t.Fatalf("messages = %d, want %d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("messages[%d] = %q, want %q", i, msgs[i].ID, id)
		}
	}

	// Fork from the middle message: later parent messages are cut off.
	snap.Branches["b-fork"].CreatedFrom.MessageID = "m-user"
	msgs, err = MessagesOnChain(snap, "b-fork")
	if err != nil {
		t.Fatalf("MessagesOnChain() error = %v", err)
	}
	want = []string{"m-sys", "m-user", "m-fork-user"}
	if len(msgs) != len(want) {
		t.Fatalf("messages after cutoff = %d, want %d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("messages[%d] = %q, want %q", i, msgs[i].ID, id)
		}
	}
}

func TestSnapshotClone(t *testing.T) {
	snap := testSnapshot()
	clone := snap.Clone()

	// Mutating the clone must not leak into the original.
	clone.Conversation.Settings.Model = "other-model"
	clone.Branches["b-fork"].Title = "changed"
	clone.Branches["b-fork"].MessageIDs = append(clone.Branches["b-fork"].MessageIDs, "m-extra")
	clone.Branches["b-fork"].CreatedFrom.Span.End = 999
	clone.Messages["m-user"].Content = "changed"
	delete(clone.Messages, "m-sys")

	if snap.Conversation.Settings.Model != "gpt-4o" {
		t.Error("clone mutation leaked into conversation settings")
	}
	if snap.Branches["b-fork"].Title != "moon's gravity" {
		t.Error("clone mutation leaked into branch title")
	}
	if len(snap.Branches["b-fork"].MessageIDs) != 1 {
		t.Error("clone mutation leaked into branch message list")
	}
	if snap.Branches["b-fork"].CreatedFrom.Span.End != 40 {
		t.Error("clone mutation leaked into origin span")
	}
	if snap.Messages["m-user"].Content != "Tell me about tides." {
		t.Error("clone mutation leaked into message content")
	}
	if _, ok := snap.Messages["m-sys"]; !ok {
		t.Error("clone deletion leaked into original")
	}
	if err := ValidateSnapshot(snap); err != nil {
		t.Errorf("original snapshot invalid after clone mutations: %v", err)
	}
}
