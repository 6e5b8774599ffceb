// Package auditstore persists acknowledgment settlement records for audit.
// Records are collected in memory and flushed to the backing store in batches,
// either when the batch fills or on a periodic interval.
package auditstore

import (
	"context"
	"time"
)

// SettlementRow is the stored form of one acknowledgment settlement.
type SettlementRow struct {
	TaskID    string    `bigquery:"task_id" json:"task_id"`
	Handler   string    `bigquery:"handler" json:"handler"`
	Success   bool      `bigquery:"success" json:"success"`
	Outcome   string    `bigquery:"outcome" json:"outcome"`
	Reason    string    `bigquery:"reason" json:"reason"`
	Deferred  bool      `bigquery:"deferred" json:"deferred"`
	CreatedAt time.Time `bigquery:"created_at" json:"created_at"`
	SettledAt time.Time `bigquery:"settled_at" json:"settled_at"`
}

// RowInserter abstracts the destination store for settlement rows, keeping the
// batching worker independent of BigQuery.
type RowInserter interface {
	InsertBatch(ctx context.Context, rows []*SettlementRow) error
	Close() error
}
