// Package chatgraph defines the branch/message graph of one conversation.
// A conversation is a tree of branches: any excerpt of an assistant reply
// can be forked into a new branch that continues independently while
// keeping a provenance link back to its origin.
package chatgraph

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser is a message written by the end user.
	RoleUser Role = "user"
	// RoleAssistant is a model-generated message.
	RoleAssistant Role = "assistant"
	// RoleSystem is an instruction message injected by the application.
	RoleSystem Role = "system"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Settings holds the generation parameters of a conversation.
type Settings struct {
	// Model is the model identifier used for generation.
	Model string `json:"model"`
	// Temperature is the sampling temperature.
	Temperature float64 `json:"temperature"`
	// SystemPrompt is an optional conversation-wide system prompt.
	SystemPrompt string `json:"systemPrompt,omitempty"`
	// ReasoningEffort is an optional reasoning-effort hint (e.g. "low", "high").
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
}

// Conversation is the root entity of one conversation graph.
type Conversation struct {
	// ID is the unique conversation identifier.
	ID string `json:"id"`
	// RootBranchID names the branch every other branch descends from.
	RootBranchID string `json:"rootBranchId"`
	// CreatedAt is when the conversation was created.
	CreatedAt time.Time `json:"createdAt"`
	// Settings are the current generation settings.
	Settings Settings `json:"settings"`
}

// Span is a half-open character range [Start, End) over a message's
// plain-text content. It marks the excerpt a derived branch was forked from.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Valid reports whether the span is well-formed (End >= Start >= 0).
func (s Span) Valid() bool {
	return s.Start >= 0 && s.End >= s.Start
}

// BranchOrigin records where a branch was forked from.
type BranchOrigin struct {
	// MessageID is the message the branch was created from.
	MessageID string `json:"messageId"`
	// Span optionally narrows the origin to a character range.
	Span *Span `json:"span,omitempty"`
	// Excerpt optionally carries the selected text itself.
	Excerpt string `json:"excerpt,omitempty"`
}

// Branch is a node in the conversation tree: a linear sequence of messages
// with a single parent. The root branch has no parent.
type Branch struct {
	// ID is the unique branch identifier.
	ID string `json:"id"`
	// ParentID is the parent branch, empty only for the root branch.
	ParentID string `json:"parentId,omitempty"`
	// Title is the display title of the branch.
	Title string `json:"title"`
	// CreatedFrom records the provenance of a derived branch.
	CreatedFrom *BranchOrigin `json:"createdFrom,omitempty"`
	// MessageIDs lists the branch's messages in conversation order.
	MessageIDs []string `json:"messageIds"`
	// CreatedAt is when the branch was created.
	CreatedAt time.Time `json:"createdAt"`
	// ArchivedAt is set when the branch has been archived.
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// TokenUsage records the token accounting of one generation.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// MessageAttachment is a file attached to a message after its staged
// upload has been consumed.
type MessageAttachment struct {
	ID          string `json:"id"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	// StorageKey is an opaque reference into external blob storage.
	StorageKey string `json:"storageKey"`
}

// ToolCall records one tool invocation made while generating a message.
type ToolCall struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// Message is a single conversation turn inside a branch.
type Message struct {
	// ID is the unique message identifier.
	ID string `json:"id"`
	// BranchID is the branch this message belongs to.
	BranchID string `json:"branchId"`
	// Role identifies the author.
	Role Role `json:"role"`
	// Content is the plain-text content. It may be empty only transiently
	// for an assistant message mid-generation.
	Content string `json:"content"`
	// CreatedAt is when the message was created.
	CreatedAt time.Time `json:"createdAt"`
	// Usage is the optional token accounting for a generated message.
	Usage *TokenUsage `json:"usage,omitempty"`
	// Attachments are files attached to this message.
	Attachments []MessageAttachment `json:"attachments,omitempty"`
	// ToolCalls are tool invocations made during generation.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// Snapshot is the complete, validated state of one conversation at a given
// version: the conversation settings plus all branches and messages.
type Snapshot struct {
	Conversation Conversation        `json:"conversation"`
	Branches     map[string]*Branch  `json:"branches"`
	Messages     map[string]*Message `json:"messages"`
}
