package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultSessionsCollection = "chat_sessions"

// FirestoreBackend implements Backend using Google Cloud Firestore.
// Sessions are stored one document per session in a single collection.
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
	ownsClient bool
	mu         sync.RWMutex
	closed     bool
}

// FirestoreConfig configures a FirestoreBackend.
type FirestoreConfig struct {
	// ProjectID is the GCP project ID (required).
	ProjectID string
	// CredentialsFile is an optional service account credentials path.
	CredentialsFile string
	// Collection overrides the sessions collection name.
	Collection string
}

// NewFirestoreBackend creates a Firestore storage backend.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	b := NewFirestoreBackendFromClient(client, cfg.Collection)
	b.ownsClient = true
	return b, nil
}

// NewFirestoreBackendFromClient wraps an existing Firestore client. The
// client is not closed by Close in this mode.
func NewFirestoreBackendFromClient(client *firestore.Client, collection string) *FirestoreBackend {
	if collection == "" {
		collection = defaultSessionsCollection
	}
	return &FirestoreBackend{client: client, collection: collection}
}

func (b *FirestoreBackend) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Load retrieves a session by ID.
func (b *FirestoreBackend) Load(ctx context.Context, sessionID string) (*Session, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	doc, err := b.client.Collection(b.collection).Doc(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}

	var sess Session
	if err := doc.DataTo(&sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}

	return &sess, nil
}

// Save creates or updates a session document.
func (b *FirestoreBackend) Save(ctx context.Context, sess *Session) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	if _, err := b.client.Collection(b.collection).Doc(sess.ID).Set(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// ListEndedSince returns IDs of sessions that ended within the window.
func (b *FirestoreBackend) ListEndedSince(ctx context.Context, window time.Duration) ([]string, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-window).UTC()
	iter := b.client.Collection(b.collection).
		Where("metadata.ended", "==", true).
		Where("metadata.end_time", ">=", cutoff).
		Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list ended sessions: %w", err)
		}
		ids = append(ids, doc.Ref.ID)
	}

	return ids, nil
}

// Close releases resources held by the backend.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}
