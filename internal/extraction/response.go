package extraction

import (
	"context"
	"errors"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/chatform-dev/chatform/pkg/session"
)

// Response is the durable structured output of one extracted session.
// Written at most once per session and never updated afterwards.
type Response struct {
	SessionID string                    `json:"session_id" firestore:"session_id"`
	FormID    string                    `json:"form_id" firestore:"form_id"`
	Responses map[string]session.Answer `json:"responses" firestore:"responses"`
	Metadata  session.Metadata          `json:"metadata" firestore:"metadata"`
	Partial   bool                      `json:"partial" firestore:"partial"`
	// ExtractedBy records the model that produced the extraction.
	ExtractedBy string    `json:"extracted_by" firestore:"extracted_by"`
	CreatedAt   time.Time `json:"created_at" firestore:"created_at"`
}

// ResponseStore persists extracted responses.
type ResponseStore interface {
	// Exists reports whether a response was already written for the session.
	Exists(ctx context.Context, sessionID string) (bool, error)

	// Save writes the response document.
	Save(ctx context.Context, resp *Response) error
}

// MemoryResponseStore is an in-memory ResponseStore for tests and local
// development.
type MemoryResponseStore struct {
	mu        sync.RWMutex
	responses map[string]*Response
}

// NewMemoryResponseStore creates an empty in-memory store.
func NewMemoryResponseStore() *MemoryResponseStore {
	return &MemoryResponseStore{responses: make(map[string]*Response)}
}

// Exists reports whether a response exists for the session.
func (s *MemoryResponseStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.responses[sessionID]
	return ok, nil
}

// Save writes the response.
func (s *MemoryResponseStore) Save(ctx context.Context, resp *Response) error {
	if resp.SessionID == "" {
		return errors.New("response missing session_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[resp.SessionID] = resp
	return nil
}

// Get returns the stored response, or nil.
func (s *MemoryResponseStore) Get(sessionID string) *Response {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.responses[sessionID]
}

// FirestoreResponseStore persists responses in a Firestore collection,
// keyed by session ID so a duplicate write is idempotent rather than
// additive.
type FirestoreResponseStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreResponseStore creates a store over an existing client.
func NewFirestoreResponseStore(client *firestore.Client, collection string) *FirestoreResponseStore {
	if collection == "" {
		collection = "responses"
	}
	return &FirestoreResponseStore{client: client, collection: collection}
}

// Exists reports whether a response exists for the session.
func (s *FirestoreResponseStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	iter := s.client.Collection(s.collection).
		Where("session_id", "==", sessionID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	_, err := iter.Next()
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Save writes the response document.
func (s *FirestoreResponseStore) Save(ctx context.Context, resp *Response) error {
	_, err := s.client.Collection(s.collection).Doc(resp.SessionID).Set(ctx, resp)
	return err
}
