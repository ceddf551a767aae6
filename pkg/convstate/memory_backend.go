package convstate

import (
	"context"
	"sync"
)

// MemoryBackend implements StorageBackend in process memory. It is meant
// for tests and single-node development; state does not survive restarts.
type MemoryBackend struct {
	states map[string]*ConversationState
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		states: make(map[string]*ConversationState),
	}
}

// Load retrieves the state for a conversation.
func (b *MemoryBackend) Load(ctx context.Context, conversationID string) (*ConversationState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	state, ok := b.states[conversationID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return state.Clone(), nil
}

// Save writes the whole state record.
func (b *MemoryBackend) Save(ctx context.Context, conversationID string, state *ConversationState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	b.states[conversationID] = state.Clone()
	return nil
}

// Delete removes the record.
func (b *MemoryBackend) Delete(ctx context.Context, conversationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	delete(b.states, conversationID)
	return nil
}

// Close marks the backend closed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Count returns the number of stored records (useful for testing).
func (b *MemoryBackend) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.states)
}
