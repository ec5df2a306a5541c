// Package importer implements bulk spreadsheet import with historized,
// reversible side effects. Uploading a file produces a batch of derived
// database rows; every created row is tracked so the whole batch can later
// be undone without touching unrelated data.
package importer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// BatchStatus is the lifecycle state of an import batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// RecordStatus is the state of a single tracked record.
type RecordStatus string

const (
	RecordImported   RecordStatus = "imported"
	RecordRolledBack RecordStatus = "rolled_back"
	RecordError      RecordStatus = "error"
)

// Actor identifies the authenticated user performing an operation.
// Name and email are denormalized onto the batch at import time.
type Actor struct {
	ID    uuid.UUID
	Name  string
	Email string
}

// RequestContext carries request metadata recorded on the batch.
type RequestContext struct {
	IPAddress string
	UserAgent string
	SessionID string
}

// RowError is a structured per-row failure collected during processing.
type RowError struct {
	Row       int               `json:"row"`
	Attribute string            `json:"attribute,omitempty"`
	Errors    []string          `json:"errors"`
	Values    map[string]string `json:"values,omitempty"`
}

// Duplicate classification for row warnings.
const (
	DuplicateInFile   = "duplicate_in_file"
	DuplicateExisting = "duplicate_existing"
)

// RowWarning records a non-fatal row outcome, currently duplicate skips.
type RowWarning struct {
	Row     int    `json:"row"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ImportBatch is the ledger entry for one execution of the import operation.
// ImportID is the externally-stable identifier; batches produced by
// re-importing share an ImportID and differ by Version.
type ImportBatch struct {
	ID       uuid.UUID
	ImportID uuid.UUID
	Version  int

	EntityType string
	Status     BatchStatus

	FileName     string // sanitized
	OriginalName string
	FileSize     int64
	MimeType     string
	Extension    string
	StoragePath  string

	UserID    uuid.UUID
	UserName  string
	UserEmail string

	TotalRows       int
	ImportedCount   int
	SkippedCount    int
	DuplicatesCount int
	ErrorCount      int
	Errors          []RowError
	Warnings        []RowWarning

	CanRollback  bool
	StartedAt    *time.Time
	FinishedAt   *time.Time
	RolledBackAt *time.Time
	RolledBackBy *uuid.UUID

	IPAddress string
	UserAgent string
	SessionID string

	CreatedAt time.Time
}

// ImportedRecord links a batch to one concrete row it created, with enough
// of the original and processed data to reverse or audit the creation.
// The (TableName, RecordID) pair is a weak reference resolved through the
// entity registry; it never implies ownership of the business row.
type ImportedRecord struct {
	ID            uuid.UUID
	BatchID       uuid.UUID
	TableName     string
	RecordID      uuid.UUID
	RowNumber     int
	RowHash       string
	OriginalData  map[string]string
	ProcessedData map[string]string
	Status        RecordStatus
	CreatedAt     time.Time
}

// ImportStats are the aggregate counts of one batch.
type ImportStats struct {
	TotalRows       int `json:"total_rows"`
	ImportedCount   int `json:"imported_count"`
	SkippedCount    int `json:"skipped_count"`
	DuplicatesCount int `json:"duplicates_count"`
	ErrorCount      int `json:"error_count"`
}

// BatchFilter narrows a batch listing.
type BatchFilter struct {
	UserID     uuid.UUID
	Status     BatchStatus
	EntityType string
	DateFrom   *time.Time
	DateTo     *time.Time
	Page       int
	PageSize   int
}

// UserImportStats are per-user aggregates across all batches.
type UserImportStats struct {
	TotalImports    int64         `json:"total_imports"`
	Completed       int64         `json:"completed"`
	Failed          int64         `json:"failed"`
	SuccessRate     float64       `json:"success_rate"`
	TotalImported   int64         `json:"total_imported"`
	TotalSkipped    int64         `json:"total_skipped"`
	TotalDuplicates int64         `json:"total_duplicates"`
	TotalErrors     int64         `json:"total_errors"`
	ProcessingTime  time.Duration `json:"processing_time"`
}

// BatchStore persists and queries import batches (the ledger).
type BatchStore interface {
	Create(ctx context.Context, b *ImportBatch) error

	// MarkStarted transitions pending -> processing and stamps started_at.
	MarkStarted(ctx context.Context, batchID uuid.UUID, at time.Time) error

	// UpdateResults writes the aggregate counts and the structured error and
	// warning lists, recomputing can_rollback.
	UpdateResults(ctx context.Context, b *ImportBatch) error

	// MarkCompleted and MarkFailed are terminal transitions, each valid
	// exactly once per batch. Calling either on an already-terminal batch
	// returns ErrBatchFinalized.
	MarkCompleted(ctx context.Context, batchID uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, batchID uuid.UUID, reason string, at time.Time) error

	// ByImportID returns the latest version of the lineage.
	ByImportID(ctx context.Context, importID uuid.UUID) (*ImportBatch, error)

	Versions(ctx context.Context, importID uuid.UUID) ([]*ImportBatch, error)
	List(ctx context.Context, f BatchFilter) ([]*ImportBatch, int64, error)
	UserStats(ctx context.Context, userID uuid.UUID) (*UserImportStats, error)
}

// RecordStore persists and queries tracked records.
type RecordStore interface {
	Register(ctx context.Context, rec *ImportedRecord) error

	// HashExists reports whether a row with the same hash was already
	// imported into tableName by any batch and is still in imported state.
	HashExists(ctx context.Context, tableName, rowHash string) (bool, error)

	ForBatch(ctx context.Context, batchID uuid.UUID, page, pageSize int) ([]*ImportedRecord, int64, error)
}

// RollbackTx is the transactional surface the rollback engine runs against.
// All mutations made through it commit or roll back as one unit.
type RollbackTx interface {
	// DB returns the transaction-scoped handle used for entity deletes.
	DB() DBTX

	// LockBatch loads the batch under a row lock so two concurrent rollback
	// requests cannot both pass the can_rollback check.
	LockBatch(ctx context.Context, batchID uuid.UUID) (*ImportBatch, error)

	ImportedRecords(ctx context.Context, batchID uuid.UUID) ([]*ImportedRecord, error)
	SetRecordStatus(ctx context.Context, recordID uuid.UUID, status RecordStatus) error

	// StampRollback sets rolled_back_at/by and clears can_rollback.
	StampRollback(ctx context.Context, batchID uuid.UUID, actorID uuid.UUID, at time.Time) error
}

// UnitOfWork runs a function inside a single database transaction.
type UnitOfWork interface {
	RunInTransaction(ctx context.Context, fn func(tx RollbackTx) error) error
}
