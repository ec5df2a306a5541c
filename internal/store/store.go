// Package store is the PostgreSQL persistence layer, built on pgx. It
// implements the narrow interfaces the import core consumes: the batch
// ledger, the tracked-record store and the rollback unit of work.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opencivic/backoffice/internal/importer"
)

// Store wraps the connection pool with query methods.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool as the core's DBTX.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// RunInTransaction implements importer.UnitOfWork. fn's mutations commit or
// roll back as one unit.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx importer.RollbackTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&rollbackTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rollbackTx adapts a pgx transaction to importer.RollbackTx.
type rollbackTx struct {
	tx pgx.Tx
}

// DB implements importer.RollbackTx.
func (r *rollbackTx) DB() importer.DBTX {
	return r.tx
}

// LockBatch implements importer.RollbackTx with a row lock.
func (r *rollbackTx) LockBatch(ctx context.Context, batchID uuid.UUID) (*importer.ImportBatch, error) {
	row := r.tx.QueryRow(ctx, selectBatchColumns+` FROM import_batches WHERE id = $1 FOR UPDATE`, batchID)
	return scanBatch(row)
}

// ImportedRecords implements importer.RollbackTx, returning entries still in
// imported state in file order.
func (r *rollbackTx) ImportedRecords(ctx context.Context, batchID uuid.UUID) ([]*importer.ImportedRecord, error) {
	rows, err := r.tx.Query(ctx, selectRecordColumns+`
		FROM imported_records
		WHERE batch_id = $1 AND status = $2
		ORDER BY row_number`,
		batchID, importer.RecordImported)
	if err != nil {
		return nil, fmt.Errorf("query tracked records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// SetRecordStatus implements importer.RollbackTx.
func (r *rollbackTx) SetRecordStatus(ctx context.Context, recordID uuid.UUID, status importer.RecordStatus) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE imported_records SET status = $2 WHERE id = $1`,
		recordID, status)
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s not found", recordID)
	}
	return nil
}

// StampRollback implements importer.RollbackTx.
func (r *rollbackTx) StampRollback(ctx context.Context, batchID uuid.UUID, actorID uuid.UUID, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE import_batches
		SET rolled_back_at = $2, rolled_back_by = $3, can_rollback = FALSE
		WHERE id = $1`,
		batchID, at, actorID)
	if err != nil {
		return fmt.Errorf("stamp rollback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s not found", batchID)
	}
	return nil
}

// pgTimePtr converts a nullable timestamptz to *time.Time.
func pgTimePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// pgUUIDPtr converts a nullable uuid column to *uuid.UUID.
func pgUUIDPtr(u pgtype.UUID) *uuid.UUID {
	if !u.Valid {
		return nil
	}
	v := uuid.UUID(u.Bytes)
	return &v
}
