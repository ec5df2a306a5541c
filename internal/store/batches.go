package store

// batches.go persists the import ledger. Terminal transitions are guarded in
// SQL: the status predicate in each UPDATE makes a second terminal call
// affect zero rows, which surfaces as ErrBatchFinalized rather than a silent
// overwrite.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/opencivic/backoffice/internal/importer"
)

const selectBatchColumns = `
	SELECT id, import_id, version, entity_type, status,
	       file_name, original_name, file_size, mime_type, extension, storage_path,
	       user_id, user_name, user_email,
	       total_rows, imported_count, skipped_count, duplicates_count, error_count,
	       errors, warnings,
	       can_rollback, started_at, finished_at, rolled_back_at, rolled_back_by,
	       ip_address, user_agent, session_id, created_at`

// Create implements importer.BatchStore.
func (s *Store) Create(ctx context.Context, b *importer.ImportBatch) error {
	errsJSON, warnsJSON, err := marshalLists(b.Errors, b.Warnings)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO import_batches (
			id, import_id, version, entity_type, status,
			file_name, original_name, file_size, mime_type, extension, storage_path,
			user_id, user_name, user_email,
			total_rows, imported_count, skipped_count, duplicates_count, error_count,
			errors, warnings, can_rollback,
			ip_address, user_agent, session_id, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22,
			$23, $24, $25, $26
		)`,
		b.ID, b.ImportID, b.Version, b.EntityType, b.Status,
		b.FileName, b.OriginalName, b.FileSize, b.MimeType, b.Extension, b.StoragePath,
		b.UserID, b.UserName, b.UserEmail,
		b.TotalRows, b.ImportedCount, b.SkippedCount, b.DuplicatesCount, b.ErrorCount,
		errsJSON, warnsJSON, b.CanRollback,
		b.IPAddress, b.UserAgent, b.SessionID, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// MarkStarted implements importer.BatchStore.
func (s *Store) MarkStarted(ctx context.Context, batchID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_batches
		SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4`,
		batchID, importer.BatchProcessing, at, importer.BatchPending)
	if err != nil {
		return fmt.Errorf("mark batch started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", batchID, importer.ErrBatchFinalized)
	}
	return nil
}

// UpdateResults implements importer.BatchStore.
func (s *Store) UpdateResults(ctx context.Context, b *importer.ImportBatch) error {
	errsJSON, warnsJSON, err := marshalLists(b.Errors, b.Warnings)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE import_batches
		SET total_rows = $2, imported_count = $3, skipped_count = $4,
		    duplicates_count = $5, error_count = $6,
		    errors = $7, warnings = $8,
		    can_rollback = ($3 > 0 AND rolled_back_at IS NULL)
		WHERE id = $1`,
		b.ID, b.TotalRows, b.ImportedCount, b.SkippedCount,
		b.DuplicatesCount, b.ErrorCount, errsJSON, warnsJSON)
	if err != nil {
		return fmt.Errorf("update batch results: %w", err)
	}
	return nil
}

// MarkCompleted implements importer.BatchStore. Valid exactly once.
func (s *Store) MarkCompleted(ctx context.Context, batchID uuid.UUID, at time.Time) error {
	return s.finalize(ctx, batchID, importer.BatchCompleted, "", at)
}

// MarkFailed implements importer.BatchStore. Valid exactly once.
func (s *Store) MarkFailed(ctx context.Context, batchID uuid.UUID, reason string, at time.Time) error {
	return s.finalize(ctx, batchID, importer.BatchFailed, reason, at)
}

func (s *Store) finalize(ctx context.Context, batchID uuid.UUID, status importer.BatchStatus, reason string, at time.Time) error {
	var tag pgconn.CommandTag
	var err error
	if reason != "" {
		failure, merr := json.Marshal([]importer.RowError{{Errors: []string{reason}}})
		if merr != nil {
			return fmt.Errorf("marshal failure reason: %w", merr)
		}
		tag, err = s.pool.Exec(ctx, `
			UPDATE import_batches
			SET status = $2, finished_at = $3,
			    errors = COALESCE(errors, '[]'::jsonb) || $4::jsonb
			WHERE id = $1 AND status IN ($5, $6)`,
			batchID, status, at, failure,
			importer.BatchPending, importer.BatchProcessing)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE import_batches
			SET status = $2, finished_at = $3
			WHERE id = $1 AND status IN ($4, $5)`,
			batchID, status, at,
			importer.BatchPending, importer.BatchProcessing)
	}
	if err != nil {
		return fmt.Errorf("finalize batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", batchID, importer.ErrBatchFinalized)
	}
	return nil
}

// ByImportID implements importer.BatchStore, returning the latest version of
// the lineage.
func (s *Store) ByImportID(ctx context.Context, importID uuid.UUID) (*importer.ImportBatch, error) {
	row := s.pool.QueryRow(ctx, selectBatchColumns+`
		FROM import_batches
		WHERE import_id = $1
		ORDER BY version DESC
		LIMIT 1`, importID)

	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("import %s: %w", importID, importer.ErrBatchNotFound)
	}
	return b, err
}

// Versions implements importer.BatchStore, oldest first.
func (s *Store) Versions(ctx context.Context, importID uuid.UUID) ([]*importer.ImportBatch, error) {
	rows, err := s.pool.Query(ctx, selectBatchColumns+`
		FROM import_batches
		WHERE import_id = $1
		ORDER BY version`, importID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var batches []*importer.ImportBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("import %s: %w", importID, importer.ErrBatchNotFound)
	}
	return batches, nil
}

// List implements importer.BatchStore.
func (s *Store) List(ctx context.Context, f importer.BatchFilter) ([]*importer.ImportBatch, int64, error) {
	conditions := []string{"user_id = $1"}
	args := []interface{}{f.UserID}

	if f.Status != "" {
		args = append(args, f.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.EntityType != "" {
		args = append(args, f.EntityType)
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if f.DateFrom != nil {
		args = append(args, *f.DateFrom)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.DateTo != nil {
		args = append(args, *f.DateTo)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	where := strings.Join(conditions, " AND ")

	var total int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM import_batches WHERE "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count batches: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	args = append(args, pageSize, (page-1)*pageSize)
	query := fmt.Sprintf("%s FROM import_batches WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		selectBatchColumns, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []*importer.ImportBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, total, nil
}

// UserStats implements importer.BatchStore.
func (s *Store) UserStats(ctx context.Context, userID uuid.UUID) (*importer.UserImportStats, error) {
	var stats importer.UserImportStats
	var processingSeconds float64

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(SUM(imported_count), 0),
		       COALESCE(SUM(skipped_count), 0),
		       COALESCE(SUM(duplicates_count), 0),
		       COALESCE(SUM(error_count), 0),
		       COALESCE(SUM(EXTRACT(EPOCH FROM (finished_at - started_at))), 0)
		FROM import_batches
		WHERE user_id = $1`, userID).Scan(
		&stats.TotalImports, &stats.Completed, &stats.Failed,
		&stats.TotalImported, &stats.TotalSkipped,
		&stats.TotalDuplicates, &stats.TotalErrors,
		&processingSeconds)
	if err != nil {
		return nil, fmt.Errorf("query user stats: %w", err)
	}

	if stats.TotalImports > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.TotalImports)
	}
	stats.ProcessingTime = time.Duration(processingSeconds * float64(time.Second))
	return &stats, nil
}

// scanBatch reads one batch row from a query selecting selectBatchColumns.
func scanBatch(row pgx.Row) (*importer.ImportBatch, error) {
	var b importer.ImportBatch
	var errsJSON, warnsJSON []byte
	var startedAt, finishedAt, rolledBackAt pgtype.Timestamptz
	var rolledBackBy pgtype.UUID

	err := row.Scan(
		&b.ID, &b.ImportID, &b.Version, &b.EntityType, &b.Status,
		&b.FileName, &b.OriginalName, &b.FileSize, &b.MimeType, &b.Extension, &b.StoragePath,
		&b.UserID, &b.UserName, &b.UserEmail,
		&b.TotalRows, &b.ImportedCount, &b.SkippedCount, &b.DuplicatesCount, &b.ErrorCount,
		&errsJSON, &warnsJSON,
		&b.CanRollback, &startedAt, &finishedAt, &rolledBackAt, &rolledBackBy,
		&b.IPAddress, &b.UserAgent, &b.SessionID, &b.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(errsJSON) > 0 {
		if err := json.Unmarshal(errsJSON, &b.Errors); err != nil {
			return nil, fmt.Errorf("decode batch errors: %w", err)
		}
	}
	if len(warnsJSON) > 0 {
		if err := json.Unmarshal(warnsJSON, &b.Warnings); err != nil {
			return nil, fmt.Errorf("decode batch warnings: %w", err)
		}
	}

	b.StartedAt = pgTimePtr(startedAt)
	b.FinishedAt = pgTimePtr(finishedAt)
	b.RolledBackAt = pgTimePtr(rolledBackAt)
	b.RolledBackBy = pgUUIDPtr(rolledBackBy)
	return &b, nil
}

func marshalLists(errs []importer.RowError, warns []importer.RowWarning) ([]byte, []byte, error) {
	if errs == nil {
		errs = []importer.RowError{}
	}
	if warns == nil {
		warns = []importer.RowWarning{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal errors: %w", err)
	}
	warnsJSON, err := json.Marshal(warns)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal warnings: %w", err)
	}
	return errsJSON, warnsJSON, nil
}
