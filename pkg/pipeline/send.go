package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/arborchat-dev/arborchat/pkg/chatgraph"
	"github.com/arborchat-dev/arborchat/pkg/convstate"
	"github.com/arborchat-dev/arborchat/pkg/quota"
)

// GenerateRequest is the context handed to the model for one assistant
// turn: the conversation settings, the branch chain history (oldest
// first) and the new user message.
type GenerateRequest struct {
	Settings chatgraph.Settings
	History  []*chatgraph.Message
	Prompt   *chatgraph.Message
}

// GenerateResult is one completed assistant turn.
type GenerateResult struct {
	Content   string
	Usage     *chatgraph.TokenUsage
	ToolCalls []chatgraph.ToolCall
}

// Generator produces an assistant reply for a send attempt. The model
// call itself lives behind this interface.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

// Generate calls the function.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	return f(ctx, req)
}

// Sender brackets a send attempt: reserve a quota pass, consume staged
// attachments onto the user message, generate the assistant reply, append
// both messages in one batch, then commit the reservation. Any failure
// releases the reservation and best-effort restores consumed attachments.
type Sender struct {
	ledger    *quota.Ledger
	generator Generator

	now func() time.Time
}

// NewSender creates a sender over the given quota ledger and generator.
func NewSender(ledger *quota.Ledger, generator Generator) *Sender {
	return &Sender{
		ledger:    ledger,
		generator: generator,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SendRequest is one user turn to send on a branch.
type SendRequest struct {
	// OwnerID is charged one quota pass for the attempt.
	OwnerID string `json:"ownerId"`
	// BranchID is the branch the turn is appended to.
	BranchID string `json:"branchId"`
	// Content is the user message text.
	Content string `json:"content"`
	// AttachmentIDs are staged attachments to consume onto the message.
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
	// ReservationID makes retries idempotent against the quota ledger.
	// A new id is generated when empty.
	ReservationID string `json:"reservationId,omitempty"`
}

// SendResult is the committed outcome of a send attempt.
type SendResult struct {
	UserMessage      *chatgraph.Message `json:"userMessage"`
	AssistantMessage *chatgraph.Message `json:"assistantMessage"`
	Version          int64              `json:"version"`
	Quota            quota.Snapshot     `json:"quota"`
}

// Send runs the full send bracket against one conversation actor.
func (s *Sender) Send(ctx context.Context, actor *convstate.Actor, req SendRequest) (*SendResult, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if req.BranchID == "" {
		return nil, fmt.Errorf("branch id is required")
	}
	if req.Content == "" {
		return nil, fmt.Errorf("message content is required")
	}

	snap, _, err := actor.Read(ctx)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, convstate.ErrSnapshotNotInitialized
	}
	if _, ok := snap.Branches[req.BranchID]; !ok {
		return nil, fmt.Errorf("%w: %q", convstate.ErrBranchNotFound, req.BranchID)
	}
	history, err := chatgraph.MessagesOnChain(snap, req.BranchID)
	if err != nil {
		return nil, err
	}

	reservationID := req.ReservationID
	if reservationID == "" {
		reservationID = uuid.NewString()
	}
	if _, err := s.ledger.Reserve(ctx, req.OwnerID, reservationID, 1); err != nil {
		return nil, err
	}

	var consumed []*convstate.PendingAttachment
	fail := func(cause error) (*SendResult, error) {
		s.restoreAttachments(ctx, actor, consumed)
		if _, releaseErr := s.ledger.Release(ctx, req.OwnerID, reservationID); releaseErr != nil {
			log.Printf("release reservation %s for %s: %v", reservationID, req.OwnerID, releaseErr)
		}
		return nil, cause
	}

	if len(req.AttachmentIDs) > 0 {
		consumed, err = actor.ConsumeAttachments(ctx, req.AttachmentIDs)
		if err != nil {
			return fail(err)
		}
	}

	now := s.now()
	userMessage := &chatgraph.Message{
		ID:        uuid.NewString(),
		BranchID:  req.BranchID,
		Role:      chatgraph.RoleUser,
		Content:   req.Content,
		CreatedAt: now,
	}
	for _, att := range consumed {
		userMessage.Attachments = append(userMessage.Attachments, chatgraph.MessageAttachment{
			ID:          att.ID,
			FileName:    att.FileName,
			ContentType: att.ContentType,
			Size:        att.Size,
			StorageKey:  att.StorageKey,
		})
	}

	generated, err := s.generator.Generate(ctx, GenerateRequest{
		Settings: snap.Conversation.Settings,
		History:  history,
		Prompt:   userMessage,
	})
	if err != nil {
		return fail(fmt.Errorf("generate reply: %w", err))
	}

	assistantMessage := &chatgraph.Message{
		ID:        uuid.NewString(),
		BranchID:  req.BranchID,
		Role:      chatgraph.RoleAssistant,
		Content:   generated.Content,
		CreatedAt: s.now(),
		Usage:     generated.Usage,
		ToolCalls: generated.ToolCalls,
	}

	_, version, err := actor.Apply(ctx, []convstate.Update{
		convstate.MessageAppend{Message: userMessage},
		convstate.MessageAppend{Message: assistantMessage},
	}, false)
	if err != nil {
		return fail(err)
	}

	quotaSnap, err := s.ledger.Commit(ctx, req.OwnerID, reservationID)
	if err != nil {
		// The turn is already committed; the held pass is returned on the
		// next commit/release retry, so only log here.
		log.Printf("commit reservation %s for %s: %v", reservationID, req.OwnerID, err)
	}

	return &SendResult{
		UserMessage:      userMessage,
		AssistantMessage: assistantMessage,
		Version:          version,
		Quota:            quotaSnap,
	}, nil
}

// restoreAttachments puts consumed attachments back into the pending set
// after a failed attempt. Restoration is best-effort and logged; the
// blob bytes still exist under the original storage keys.
func (s *Sender) restoreAttachments(ctx context.Context, actor *convstate.Actor, consumed []*convstate.PendingAttachment) {
	for _, att := range consumed {
		if _, err := actor.StageAttachment(ctx, att, 0); err != nil {
			log.Printf("restore attachment %s: %v", att.ID, err)
			continue
		}
		uploadedAt := att.UploadedAt
		if _, err := actor.FinalizeAttachment(ctx, att.ID, &att.Size, uploadedAt); err != nil {
			log.Printf("restore attachment %s to ready: %v", att.ID, err)
		}
	}
}
