package convstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arborchat-dev/arborchat/pkg/chatgraph"
)

func TestManagerForReturnsSameActor(t *testing.T) {
	m, err := NewManager(NewMemoryBackend(), ManagerConfig{IdleTTL: -1})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	a, err := m.For("conv-1")
	if err != nil {
		t.Fatalf("For() error = %v", err)
	}
	b, err := m.For("conv-1")
	if err != nil {
		t.Fatalf("For() error = %v", err)
	}
	if a != b {
		t.Error("same conversation returned different actor instances")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}

	if _, err := m.For(""); err == nil {
		t.Error("expected error for empty conversation id")
	}
}

func TestManagerEvictForcesReload(t *testing.T) {
	m, err := NewManager(NewMemoryBackend(), ManagerConfig{IdleTTL: -1})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	actor, _ := m.For("conv-1")
	snap := chatgraph.NewSnapshot("conv-1", chatgraph.Settings{Model: "m"}, testTime)
	if _, _, err := actor.Replace(ctx, snap); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	m.Evict("conv-1")
	if m.Len() != 0 {
		t.Fatalf("Len() after evict = %d, want 0", m.Len())
	}

	// The durable record survives eviction.
	fresh, _ := m.For("conv-1")
	if fresh == actor {
		t.Error("evicted actor instance was reused")
	}
	_, version, err := fresh.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if version != 1 {
		t.Errorf("version after reload = %d, want 1", version)
	}
}

func TestManagerIdleEviction(t *testing.T) {
	m, err := NewManager(NewMemoryBackend(), ManagerConfig{IdleTTL: time.Millisecond})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	actor, _ := m.For("conv-1")
	if _, _, err := actor.Read(context.Background()); err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	m.evictIdle()
	if m.Len() != 0 {
		t.Errorf("Len() after idle sweep = %d, want 0", m.Len())
	}
}

func TestManagerClose(t *testing.T) {
	m, err := NewManager(NewMemoryBackend(), ManagerConfig{IdleTTL: -1})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := m.For("conv-1"); !errors.Is(err, ErrStorageClosed) {
		t.Errorf("For() after close = %v, want ErrStorageClosed", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("repeat Close() error = %v", err)
	}
}
