package convstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/arborchat-dev/arborchat/pkg/chatgraph"
)

func newTestRedisBackend(t *testing.T, ttl time.Duration) *RedisBackend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackendFromClient(client, "", ttl)
}

func TestRedisBackendRoundTrip(t *testing.T) {
	backend := newTestRedisBackend(t, 0)
	ctx := context.Background()

	if _, err := backend.Load(ctx, "conv-1"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("Load missing = %v, want ErrStateNotFound", err)
	}

	state := NewConversationState()
	state.Snapshot = chatgraph.NewSnapshot("conv-1", chatgraph.Settings{Model: "m"}, testTime)
	state.Version = 3
	state.PendingAttachments["att-1"] = &PendingAttachment{ID: "att-1", Status: AttachmentPending, CreatedAt: testTime}
	state.NextSeq = 7

	if err := backend.Save(ctx, "conv-1", state); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := backend.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Version != 3 || loaded.NextSeq != 7 {
		t.Errorf("loaded version=%d nextSeq=%d", loaded.Version, loaded.NextSeq)
	}
	if loaded.Snapshot.Conversation.ID != "conv-1" {
		t.Errorf("snapshot conversation = %s", loaded.Snapshot.Conversation.ID)
	}
	if _, ok := loaded.PendingAttachments["att-1"]; !ok {
		t.Error("pending attachment lost in round trip")
	}

	if err := backend.Delete(ctx, "conv-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := backend.Load(ctx, "conv-1"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("Load after delete = %v, want ErrStateNotFound", err)
	}

	// Deleting again is not an error.
	if err := backend.Delete(ctx, "conv-1"); err != nil {
		t.Errorf("repeat Delete() error = %v", err)
	}
}

func TestRedisBackendClosed(t *testing.T) {
	backend := newTestRedisBackend(t, 0)
	if err := backend.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	ctx := context.Background()
	if _, err := backend.Load(ctx, "conv-1"); !errors.Is(err, ErrStorageClosed) {
		t.Errorf("Load on closed = %v, want ErrStorageClosed", err)
	}
	if err := backend.Save(ctx, "conv-1", NewConversationState()); !errors.Is(err, ErrStorageClosed) {
		t.Errorf("Save on closed = %v, want ErrStorageClosed", err)
	}
	if err := backend.Close(); err != nil {
		t.Errorf("repeat Close() error = %v", err)
	}
}

func TestActorOverRedis(t *testing.T) {
	backend := newTestRedisBackend(t, time.Hour)
	ctx := context.Background()

	actor := NewActor("conv-1", backend)
	snap := chatgraph.NewSnapshot("conv-1", chatgraph.Settings{Model: "m"}, testTime)
	if _, _, err := actor.Replace(ctx, snap); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if _, _, err := actor.Apply(ctx, []Update{
		MessageAppend{Message: &chatgraph.Message{ID: "m-1", BranchID: "conv-1-root", Role: chatgraph.RoleUser, Content: "hi", CreatedAt: testTime}},
	}, false); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// A cold actor over the same Redis sees the committed state.
	cold := NewActor("conv-1", backend)
	got, version, err := cold.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
	if _, ok := got.Messages["m-1"]; !ok {
		t.Error("message lost across cold start")
	}
}
