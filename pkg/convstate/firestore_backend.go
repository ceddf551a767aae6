package convstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBackend implements StorageBackend using Google Cloud Firestore.
// One conversation maps to one document holding the JSON-encoded state
// record, so every save replaces the unit atomically.
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
	mu         sync.RWMutex
	closed     bool
}

// FirestoreConfig holds Firestore connection configuration.
type FirestoreConfig struct {
	// ProjectID is the GCP project (required).
	ProjectID string
	// CredentialsFile optionally points at service account credentials;
	// otherwise Application Default Credentials are used.
	CredentialsFile string
	// Collection is the collection name (default: "conversation_state").
	Collection string
}

// stateDoc is the Firestore document layout. The record is stored as one
// JSON blob rather than native fields so the document stays a single unit
// and the Go types remain the only schema.
type stateDoc struct {
	State []byte `firestore:"state"`
}

// NewFirestoreBackend creates a new Firestore storage backend.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "conversation_state"
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreBackend{
		client:     client,
		collection: collection,
	}, nil
}

func (b *FirestoreBackend) guard() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *FirestoreBackend) doc(conversationID string) *firestore.DocumentRef {
	return b.client.Collection(b.collection).Doc(conversationID)
}

// Load retrieves the state record for a conversation.
func (b *FirestoreBackend) Load(ctx context.Context, conversationID string) (*ConversationState, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	snap, err := b.doc(conversationID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("get state: %w", err)
	}

	var doc stateDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	var state ConversationState
	if err := json.Unmarshal(doc.State, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	state.normalize()
	return &state, nil
}

// Save writes the whole state record into the conversation document.
func (b *FirestoreBackend) Save(ctx context.Context, conversationID string, state *ConversationState) error {
	if err := b.guard(); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if _, err := b.doc(conversationID).Set(ctx, stateDoc{State: data}); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Delete removes the conversation document.
func (b *FirestoreBackend) Delete(ctx context.Context, conversationID string) error {
	if err := b.guard(); err != nil {
		return err
	}

	if _, err := b.doc(conversationID).Delete(ctx); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// Close releases the Firestore client.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
