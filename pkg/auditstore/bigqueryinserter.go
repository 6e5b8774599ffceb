package auditstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// BigQueryConfig holds configuration for the settlement audit table.
type BigQueryConfig struct {
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: Path to a service account JSON file.
}

// NewProductionBigQueryClient creates a BigQuery client suitable for production
// environments. It uses Application Default Credentials unless a specific
// credentials file is provided.
func NewProductionBigQueryClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", projectID).Msg("BigQuery client created successfully.")
	return client, nil
}

// BigQueryInserter streams settlement rows into a BigQuery table.
type BigQueryInserter struct {
	client   *bigquery.Client
	table    *bigquery.Table
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryInserter creates an inserter for the configured table. If the
// table does not exist it is created with a schema inferred from SettlementRow,
// so no manual table setup is needed for new deployments.
func NewBigQueryInserter(
	ctx context.Context,
	client *bigquery.Client,
	cfg *BigQueryConfig,
	logger zerolog.Logger,
) (*BigQueryInserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQueryConfig cannot be nil")
	}

	logger = logger.With().Str("project_id", client.Project()).Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	_, err := tableRef.Metadata(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "notFound") {
			logger.Warn().Msg("Settlement audit table not found. Attempting to create with inferred schema.")
			inferredSchema, inferErr := bigquery.InferSchema(SettlementRow{})
			if inferErr != nil {
				return nil, fmt.Errorf("failed to infer settlement row schema: %w", inferErr)
			}
			tableMetadata := &bigquery.TableMetadata{Schema: inferredSchema}
			if createErr := tableRef.Create(ctx, tableMetadata); createErr != nil {
				return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
			}
			logger.Info().Msg("Settlement audit table created successfully.")
		} else {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
	} else {
		logger.Info().Msg("Successfully connected to existing settlement audit table.")
	}

	return &BigQueryInserter{
		client:   client,
		table:    tableRef,
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// InsertBatch streams a batch of settlement rows to the configured table.
// Row-level failures are logged individually for debugging before the wrapped
// error is returned.
func (i *BigQueryInserter) InsertBatch(ctx context.Context, rows []*SettlementRow) error {
	if len(rows) == 0 {
		return nil
	}

	err := i.inserter.Put(ctx, rows)
	if err != nil {
		i.logger.Error().Err(err).Int("batch_size", len(rows)).Msg("Failed to insert settlement rows into BigQuery.")
		if multiErr, ok := err.(bigquery.PutMultiError); ok {
			for _, rowErr := range multiErr {
				i.logger.Error().
					Int("row_index", rowErr.RowIndex).
					Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}

	i.logger.Debug().Int("batch_size", len(rows)).Msg("Successfully inserted settlement batch into BigQuery.")
	return nil
}

// Close is a no-op; the BigQuery client's lifecycle is managed externally,
// allowing a single client to be shared across components.
func (i *BigQueryInserter) Close() error {
	return nil
}
