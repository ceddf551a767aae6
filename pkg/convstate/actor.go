package convstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arborchat-dev/arborchat/pkg/chatgraph"
	"github.com/arborchat-dev/arborchat/pkg/observability"
)

// Actor owns all state for one conversation id. Every mutating operation
// runs under a single per-actor lock, so no operation can observe another
// operation's partial state. Reads are served from the last committed
// in-memory state and always reflect the most recent completed mutation.
//
// Mutations work on a deep copy of the committed state: the copy is
// mutated, validated, saved to the backend, and only then installed. A
// failed mutation never commits, leaving the prior state intact.
type Actor struct {
	conversationID string
	backend        StorageBackend

	mu       sync.RWMutex
	loaded   bool
	state    *ConversationState
	lastUsed time.Time

	now func() time.Time
}

// NewActor creates an actor for one conversation. State is loaded from the
// backend lazily, on the first operation.
func NewActor(conversationID string, backend StorageBackend) *Actor {
	return &Actor{
		conversationID: conversationID,
		backend:        backend,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// ConversationID returns the conversation this actor is scoped to.
func (a *Actor) ConversationID() string {
	return a.conversationID
}

// ensureLoaded performs the cold-start load. Further operations run
// against the in-memory state and only touch the backend to save.
func (a *Actor) ensureLoaded(ctx context.Context) error {
	a.mu.RLock()
	loaded := a.loaded
	a.mu.RUnlock()
	if loaded {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return nil
	}

	state, err := a.backend.Load(ctx, a.conversationID)
	if errors.Is(err, ErrStateNotFound) {
		state = NewConversationState()
	} else if err != nil {
		return fmt.Errorf("load conversation %s: %w", a.conversationID, err)
	} else {
		state.normalize()
	}

	a.state = state
	a.loaded = true
	a.lastUsed = a.now()
	return nil
}

// touch records actor use for idle eviction. Callers hold a.mu.
func (a *Actor) touch() {
	a.lastUsed = a.now()
}

// LastUsed reports when the actor last served an operation.
func (a *Actor) LastUsed() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastUsed
}

// Read returns the current snapshot and version. The snapshot is nil
// before first initialization; the returned copy is safe to retain.
func (a *Actor) Read(ctx context.Context) (*chatgraph.Snapshot, int64, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return nil, 0, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Snapshot.Clone(), a.state.Version, nil
}

// Replace validates the given snapshot and installs it wholesale,
// incrementing the version by one.
func (a *Actor) Replace(ctx context.Context, snap *chatgraph.Snapshot) (*chatgraph.Snapshot, int64, error) {
	if err := chatgraph.ValidateSnapshot(snap); err != nil {
		observability.RecordMutation("replace", "rejected")
		return nil, 0, err
	}
	var (
		outSnap    *chatgraph.Snapshot
		outVersion int64
	)
	err := a.commit(ctx, "replace", func(work *ConversationState) error {
		work.Snapshot = snap.Clone()
		work.Version++
		outSnap = work.Snapshot.Clone()
		outVersion = work.Version
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return outSnap, outVersion, nil
}

// Apply folds a batch of typed updates over a copy of the current
// snapshot, validates the result, and installs it. The version increments
// once for the whole batch. On any failure the batch is rejected in full:
// no partial application reaches memory or storage and the version is
// unchanged.
//
// Applying to an uninitialized conversation requires allowMissing and a
// ConversationUpdate in the batch.
func (a *Actor) Apply(ctx context.Context, updates []Update, allowMissing bool) (*chatgraph.Snapshot, int64, error) {
	var (
		outSnap    *chatgraph.Snapshot
		outVersion int64
	)
	err := a.commit(ctx, "apply", func(work *ConversationState) error {
		next, err := applyUpdates(work.Snapshot, a.conversationID, updates, allowMissing, a.now())
		if err != nil {
			return err
		}
		if err := chatgraph.ValidateSnapshot(next); err != nil {
			return err
		}
		work.Snapshot = next
		work.Version++
		outSnap = work.Snapshot.Clone()
		outVersion = work.Version
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return outSnap, outVersion, nil
}

// Reset clears all conversation state back to nil snapshot and version 0
// and deletes the durable record. Used on conversation deletion.
func (a *Actor) Reset(ctx context.Context) error {
	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.backend.Delete(ctx, a.conversationID); err != nil {
		observability.RecordMutation("reset", "error")
		return fmt.Errorf("delete conversation %s: %w", a.conversationID, err)
	}
	a.state = NewConversationState()
	a.touch()
	observability.RecordMutation("reset", "ok")
	return nil
}

// commit runs one serialized mutation: deep-copy the committed state, let
// mutate change the copy, persist the copy, then install it. Any error
// leaves the committed state untouched (at-most-once write semantics).
func (a *Actor) commit(ctx context.Context, op string, mutate func(work *ConversationState) error) error {
	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.touch()

	work := a.state.Clone()
	if err := mutate(work); err != nil {
		observability.RecordMutation(op, "rejected")
		return err
	}
	if err := a.backend.Save(ctx, a.conversationID, work); err != nil {
		observability.RecordMutation(op, "error")
		return fmt.Errorf("save conversation %s: %w", a.conversationID, err)
	}
	a.state = work
	observability.RecordMutation(op, "ok")
	return nil
}

// readState gives read-only access to the committed state. The callback
// must not mutate or retain it.
func (a *Actor) readState(ctx context.Context, read func(state *ConversationState)) error {
	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	read(a.state)
	return nil
}
