package identity

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore principal source.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreSource is the source of truth for principal records. It acts as
// the fallback a cache pulls from; low-volume deployments may use it as the
// resolver directly.
type FirestoreSource struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreSource creates a new FirestoreSource.
func NewFirestoreSource(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreSource, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreSource initialized.")
	return &FirestoreSource{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreSource").Logger(),
	}, nil
}

// Fetch retrieves a single principal document from Firestore by identity.
func (s *FirestoreSource) Fetch(ctx context.Context, id string) (Principal, error) {
	docSnap, err := s.client.Collection(s.collectionName).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Warn().Str("key", id).Msg("Principal not found in Firestore.")
			return Principal{}, fmt.Errorf("principal not found: %w", err)
		}
		s.logger.Error().Err(err).Str("key", id).Msg("Failed to get principal from Firestore.")
		return Principal{}, fmt.Errorf("firestore get for %s: %w", id, err)
	}

	var p Principal
	if err := docSnap.DataTo(&p); err != nil {
		s.logger.Error().Err(err).Str("key", id).Msg("Failed to map Firestore document data.")
		return Principal{}, fmt.Errorf("firestore DataTo for %s: %w", id, err)
	}
	return p, nil
}

// Resolve satisfies Resolver by fetching directly from Firestore.
func (s *FirestoreSource) Resolve(ctx context.Context, id string) (Principal, error) {
	return s.Fetch(ctx, id)
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreSource) Close() error {
	return nil
}
