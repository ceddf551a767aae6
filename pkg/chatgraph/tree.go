package chatgraph

import "fmt"

// TreeNode is one branch in the materialized conversation tree.
type TreeNode struct {
	Branch   *Branch
	Children []*TreeNode
}

// BuildTree materializes the branch tree rooted at the conversation's root
// branch. Children are ordered by creation time, then by id for stability.
func BuildTree(snap *Snapshot) (*TreeNode, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is nil")
	}
	root, ok := snap.Branches[snap.Conversation.RootBranchID]
	if !ok {
		return nil, fmt.Errorf("root branch %q not found", snap.Conversation.RootBranchID)
	}

	children := make(map[string][]*Branch)
	for _, branch := range snap.Branches {
		if branch.ParentID != "" {
			children[branch.ParentID] = append(children[branch.ParentID], branch)
		}
	}
	for _, siblings := range children {
		sortBranches(siblings)
	}

	var build func(b *Branch) *TreeNode
	build = func(b *Branch) *TreeNode {
		node := &TreeNode{Branch: b}
		for _, child := range children[b.ID] {
			node.Children = append(node.Children, build(child))
		}
		return node
	}
	return build(root), nil
}

func sortBranches(branches []*Branch) {
	// Insertion sort keeps this allocation-free; sibling counts are small.
	for i := 1; i < len(branches); i++ {
		for j := i; j > 0; j-- {
			a, b := branches[j-1], branches[j]
			if a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID <= b.ID) {
				break
			}
			branches[j-1], branches[j] = b, a
		}
	}
}

// BranchChain returns the branch and its ancestors ordered root-first.
// It fails if the branch does not exist, a parent link is broken, or the
// parent chain contains a cycle.
func BranchChain(snap *Snapshot, branchID string) ([]*Branch, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is nil")
	}
	var chain []*Branch
	seen := make(map[string]struct{})
	for id := branchID; id != ""; {
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("branch chain contains a cycle at %q", id)
		}
		seen[id] = struct{}{}
		branch, ok := snap.Branches[id]
		if !ok {
			return nil, fmt.Errorf("branch %q not found", id)
		}
		chain = append(chain, branch)
		id = branch.ParentID
	}
	// Reverse to root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// MessagesOnChain returns the messages along the ancestor chain of branchID,
// root-first, preserving each branch's insertion order. For a derived
// branch, messages of an ancestor are included only up to and including the
// origin message the child was forked from.
func MessagesOnChain(snap *Snapshot, branchID string) ([]*Message, error) {
	chain, err := BranchChain(snap, branchID)
	if err != nil {
		return nil, err
	}

	var out []*Message
	for i, branch := range chain {
		cutoff := ""
		if i+1 < len(chain) {
			if origin := chain[i+1].CreatedFrom; origin != nil {
				cutoff = origin.MessageID
			}
		}
		for _, msgID := range branch.MessageIDs {
			msg, ok := snap.Messages[msgID]
			if !ok {
				return nil, fmt.Errorf("message %q not found", msgID)
			}
			out = append(out, msg)
			if cutoff != "" && msgID == cutoff {
				break
			}
		}
	}
	return out, nil
}
