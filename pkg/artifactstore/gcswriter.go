// Package artifactstore persists result artifacts that are too large, or too
// structured, to travel inline on the broker. Objects are laid out as
// <prefix>/<handler>/<task-id>/<filename> and addressed by gs:// URI.
package artifactstore

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/rs/zerolog"
)

// GCSArtifactWriterConfig holds configuration for the GCS artifact writer.
type GCSArtifactWriterConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSArtifactWriter stores artifacts in a Google Cloud Storage bucket. It
// implements the gateway's ArtifactWriter contract.
type GCSArtifactWriter struct {
	client GCSClient
	config GCSArtifactWriterConfig
	logger zerolog.Logger
}

// NewGCSArtifactWriter creates a new writer for the configured bucket.
func NewGCSArtifactWriter(gcsClient GCSClient, config GCSArtifactWriterConfig, logger zerolog.Logger) (*GCSArtifactWriter, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSArtifactWriter{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "GCSArtifactWriter").Logger(),
	}, nil
}

// Save writes one artifact object and returns its gs:// URI.
func (w *GCSArtifactWriter) Save(ctx context.Context, objectKey string, data []byte, contentType string) (string, error) {
	objectName := path.Join(w.config.ObjectPrefix, objectKey)

	writer := w.client.Bucket(w.config.BucketName).Object(objectName).NewWriter(ctx)
	writer.SetContentType(contentType)
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("failed to write GCS object %s: %w", objectName, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, err)
	}

	uri := fmt.Sprintf("gs://%s/%s", w.config.BucketName, objectName)
	w.logger.Info().Str("object_name", objectName).Int("size_bytes", len(data)).Msg("Artifact stored.")
	return uri, nil
}
