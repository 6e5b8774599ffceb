package auditstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// BatchAuditorConfig holds configuration for the BatchAuditor.
type BatchAuditorConfig struct {
	BatchSize     int
	FlushInterval time.Duration // How often to flush a partial batch.
	InsertTimeout time.Duration // The timeout for a single flush operation.
}

// BatchAuditor collects settlement rows and flushes them to a RowInserter in
// batches. Record is non-blocking so it can run on the settling goroutine;
// rows are dropped when the internal buffer is full.
type BatchAuditor struct {
	config    *BatchAuditorConfig
	inserter  RowInserter
	logger    zerolog.Logger
	inputChan chan *SettlementRow
	dropped   atomic.Int64
	wg        sync.WaitGroup
}

// NewBatchAuditor creates a new BatchAuditor.
func NewBatchAuditor(
	config *BatchAuditorConfig,
	inserter RowInserter,
	logger zerolog.Logger,
) *BatchAuditor {
	return &BatchAuditor{
		config:    config,
		inserter:  inserter,
		logger:    logger.With().Str("component", "BatchAuditor").Logger(),
		inputChan: make(chan *SettlementRow, config.BatchSize*2),
	}
}

// Start begins the batching worker. The passed context controls the worker's
// lifecycle.
func (b *BatchAuditor) Start(ctx context.Context) {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_interval", b.config.FlushInterval).
		Msg("Starting BatchAuditor worker...")
	b.wg.Add(1)
	go b.worker(ctx)
}

// Stop gracefully shuts down the BatchAuditor, flushing any buffered rows.
// The method accepts a context to enforce a shutdown timeout.
func (b *BatchAuditor) Stop(ctx context.Context) error {
	b.logger.Info().Msg("Stopping BatchAuditor...")
	close(b.inputChan)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info().Msg("BatchAuditor worker stopped gracefully.")
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for BatchAuditor worker to stop.")
		return ctx.Err()
	}

	if err := b.inserter.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Error closing underlying row inserter")
	}
	b.logger.Info().Msg("BatchAuditor stopped.")
	return nil
}

// Record queues one settlement row for insertion. It never blocks; a row that
// cannot be queued is dropped and logged.
func (b *BatchAuditor) Record(row SettlementRow) {
	select {
	case b.inputChan <- &row:
	default:
		b.dropped.Add(1)
		b.logger.Warn().Str("task_id", row.TaskID).Msg("Audit buffer full, dropping settlement row.")
	}
}

// Dropped reports how many rows have been discarded because the buffer was full.
func (b *BatchAuditor) Dropped() int64 {
	return b.dropped.Load()
}

// worker collects rows into a batch and flushes on size or interval.
func (b *BatchAuditor) worker(ctx context.Context) {
	defer b.wg.Done()
	batch := make([]*SettlementRow, 0, b.config.BatchSize)
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The service is shutting down, flush any remaining rows.
			b.flush(context.Background(), batch)
			return

		case row, ok := <-b.inputChan:
			if !ok {
				// The input channel was closed, flush remaining rows and exit.
				b.flush(ctx, batch)
				return
			}
			batch = append(batch, row)
			if len(batch) >= b.config.BatchSize {
				b.flush(ctx, batch)
				batch = make([]*SettlementRow, 0, b.config.BatchSize)
				// Reset the ticker to prevent an immediate, unnecessary flush.
				ticker.Reset(b.config.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(ctx, batch)
				batch = make([]*SettlementRow, 0, b.config.BatchSize)
			}
		}
	}
}

// flush sends the current batch to the inserter. Audit writes are best-effort;
// a failed batch is logged and the rows are not retried.
func (b *BatchAuditor) flush(ctx context.Context, batch []*SettlementRow) {
	if len(batch) == 0 {
		return
	}

	insertCtx, cancel := context.WithTimeout(ctx, b.config.InsertTimeout)
	defer cancel()

	if err := b.inserter.InsertBatch(insertCtx, batch); err != nil {
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to insert settlement batch.")
		return
	}
	b.logger.Debug().Int("batch_size", len(batch)).Msg("Flushed settlement batch.")
}
