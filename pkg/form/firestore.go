package form

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFormsCollection = "forms"
	defaultUsersCollection = "users"
)

// FirestoreProvider reads form documents from a Firestore collection.
type FirestoreProvider struct {
	client *firestore.Client
	forms  string
	users  string
}

// FirestoreConfig configures a FirestoreProvider.
type FirestoreConfig struct {
	// ProjectID is the GCP project ID (required).
	ProjectID string
	// CredentialsFile is an optional service account credentials path;
	// Application Default Credentials are used when empty.
	CredentialsFile string
	// FormsCollection overrides the forms collection name.
	FormsCollection string
	// UsersCollection overrides the users collection name.
	UsersCollection string
}

// NewFirestoreProvider creates a form provider backed by Firestore.
func NewFirestoreProvider(ctx context.Context, cfg FirestoreConfig) (*FirestoreProvider, error) {
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

	return NewFirestoreProviderFromClient(client, cfg.FormsCollection, cfg.UsersCollection), nil
}

// NewFirestoreProviderFromClient wraps an existing Firestore client.
// Useful when the session backend already holds one.
func NewFirestoreProviderFromClient(client *firestore.Client, formsCollection, usersCollection string) *FirestoreProvider {
	if formsCollection == "" {
		formsCollection = defaultFormsCollection
	}
	if usersCollection == "" {
		usersCollection = defaultUsersCollection
	}
	return &FirestoreProvider{client: client, forms: formsCollection, users: usersCollection}
}

// formDoc is the persisted form document shape.
type formDoc struct {
	Title         string     `firestore:"title"`
	CreatorID     string     `firestore:"creator_id"`
	Active        bool       `firestore:"active"`
	Questions     []Question `firestore:"questions"`
	ResponseCount int64      `firestore:"response_count"`
}

// Snapshot returns a point-in-time copy of the form.
func (p *FirestoreProvider) Snapshot(ctx context.Context, formID string) (*Snapshot, error) {
	doc, err := p.client.Collection(p.forms).Doc(formID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrFormNotFound
		}
		return nil, fmt.Errorf("get form %s: %w", formID, err)
	}

	var fd formDoc
	if err := doc.DataTo(&fd); err != nil {
		return nil, fmt.Errorf("decode form %s: %w", formID, err)
	}

	if !fd.Active {
		return nil, ErrFormInactive
	}

	return &Snapshot{
		FormID:    formID,
		Title:     fd.Title,
		CreatorID: fd.CreatorID,
		Active:    fd.Active,
		Questions: fd.Questions,
		TakenAt:   time.Now().UTC(),
	}, nil
}

// IncrementResponseCount atomically bumps the form's response counter.
func (p *FirestoreProvider) IncrementResponseCount(ctx context.Context, formID string) (int64, error) {
	ref := p.client.Collection(p.forms).Doc(formID)

	_, err := ref.Update(ctx, []firestore.Update{
		{Path: "response_count", Value: firestore.Increment(1)},
		{Path: "last_response", Value: time.Now().UTC()},
	})
	if err != nil {
		return 0, fmt.Errorf("increment response count for %s: %w", formID, err)
	}

	doc, err := ref.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("read back response count for %s: %w", formID, err)
	}

	var fd formDoc
	if err := doc.DataTo(&fd); err != nil {
		return 0, fmt.Errorf("decode form %s: %w", formID, err)
	}
	return fd.ResponseCount, nil
}

// CreatorContact resolves the form creator's notification address via the
// users collection.
func (p *FirestoreProvider) CreatorContact(ctx context.Context, formID string) (string, error) {
	doc, err := p.client.Collection(p.forms).Doc(formID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", ErrFormNotFound
		}
		return "", fmt.Errorf("get form %s: %w", formID, err)
	}

	var fd formDoc
	if err := doc.DataTo(&fd); err != nil {
		return "", fmt.Errorf("decode form %s: %w", formID, err)
	}
	if fd.CreatorID == "" {
		return "", nil
	}

	user, err := p.client.Collection(p.users).Doc(fd.CreatorID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", nil
		}
		return "", fmt.Errorf("get user %s: %w", fd.CreatorID, err)
	}

	email, _ := user.Data()["email"].(string)
	return email, nil
}

// Close releases the underlying Firestore client.
func (p *FirestoreProvider) Close() error {
	return p.client.Close()
}
