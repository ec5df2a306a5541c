package store

// records.go persists the tracked records linking each batch to the rows it
// created.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opencivic/backoffice/internal/importer"
)

const selectRecordColumns = `
	SELECT id, batch_id, table_name, record_id, row_number, row_hash,
	       original_data, processed_data, status, created_at`

// Register implements importer.RecordStore.
func (s *Store) Register(ctx context.Context, rec *importer.ImportedRecord) error {
	original, err := json.Marshal(rec.OriginalData)
	if err != nil {
		return fmt.Errorf("marshal original data: %w", err)
	}
	processed, err := json.Marshal(rec.ProcessedData)
	if err != nil {
		return fmt.Errorf("marshal processed data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO imported_records (
			id, batch_id, table_name, record_id, row_number, row_hash,
			original_data, processed_data, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.BatchID, rec.TableName, rec.RecordID, rec.RowNumber,
		rec.RowHash, original, processed, rec.Status, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert tracked record: %w", err)
	}
	return nil
}

// HashExists implements importer.RecordStore.
func (s *Store) HashExists(ctx context.Context, tableName, rowHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM imported_records
			WHERE table_name = $1 AND row_hash = $2 AND status = $3
		)`, tableName, rowHash, importer.RecordImported).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check row hash: %w", err)
	}
	return exists, nil
}

// ForBatch implements importer.RecordStore, paginated in file order.
func (s *Store) ForBatch(ctx context.Context, batchID uuid.UUID, page, pageSize int) ([]*importer.ImportedRecord, int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM imported_records WHERE batch_id = $1`, batchID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count tracked records: %w", err)
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	rows, err := s.pool.Query(ctx, selectRecordColumns+`
		FROM imported_records
		WHERE batch_id = $1
		ORDER BY row_number
		LIMIT $2 OFFSET $3`,
		batchID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("query tracked records: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// scanRecords drains a query selecting selectRecordColumns.
func scanRecords(rows pgx.Rows) ([]*importer.ImportedRecord, error) {
	var records []*importer.ImportedRecord
	for rows.Next() {
		var rec importer.ImportedRecord
		var original, processed []byte

		err := rows.Scan(
			&rec.ID, &rec.BatchID, &rec.TableName, &rec.RecordID, &rec.RowNumber,
			&rec.RowHash, &original, &processed, &rec.Status, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan tracked record: %w", err)
		}

		if err := json.Unmarshal(original, &rec.OriginalData); err != nil {
			return nil, fmt.Errorf("decode original data: %w", err)
		}
		if err := json.Unmarshal(processed, &rec.ProcessedData); err != nil {
			return nil, fmt.Errorf("decode processed data: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked records: %w", err)
	}
	return records, nil
}
