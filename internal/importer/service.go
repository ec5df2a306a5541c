package importer

// service.go orchestrates one import request end to end: rate gate, file
// validation, ledger entry, streaming decode, row processing, finalization.
//
// The batch is the durable record of the run. It is created in pending
// before any row is touched, moves to processing when decoding starts, and
// reaches exactly one terminal state. A failure mid-stream marks the batch
// failed with the partial statistics retained, never silently dropped.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencivic/backoffice/internal/logging"
	"github.com/opencivic/backoffice/internal/storage"
)

// Service is the import/rollback core.
type Service struct {
	db        DBTX
	batches   BatchStore
	records   RecordStore
	uow       UnitOfWork
	files     storage.Store
	limiter   *RateLimiter
	validator *FileValidator

	maxReturnedErrors int
}

// Options configures a Service.
type Options struct {
	DB         DBTX
	Batches    BatchStore
	Records    RecordStore
	UnitOfWork UnitOfWork
	Files      storage.Store
	Limiter    *RateLimiter
	Validator  *FileValidator

	// MaxReturnedErrors caps the error list echoed in the import response.
	// The full list is always retained on the batch. Zero means 10.
	MaxReturnedErrors int
}

// NewService creates the import service.
func NewService(opts Options) *Service {
	if opts.MaxReturnedErrors <= 0 {
		opts.MaxReturnedErrors = 10
	}
	return &Service{
		db:                opts.DB,
		batches:           opts.Batches,
		records:           opts.Records,
		uow:               opts.UnitOfWork,
		files:             opts.Files,
		limiter:           opts.Limiter,
		validator:         opts.Validator,
		maxReturnedErrors: opts.MaxReturnedErrors,
	}
}

// ImportRequest describes one upload.
type ImportRequest struct {
	EntityType string
	FileName   string
	FileSize   int64
	MimeType   string
	Reader     io.Reader

	// ReimportOf optionally links this batch into the version lineage of a
	// prior import. Zero means a fresh lineage.
	ReimportOf uuid.UUID

	Actor   Actor
	Context RequestContext
}

// ImportResult is returned to the caller after the batch finishes.
type ImportResult struct {
	Batch      *ImportBatch
	Statistics ImportStats
	Errors     []RowError   // capped at MaxReturnedErrors
	Warnings   []RowWarning // capped at MaxReturnedErrors
}

// RetryAfter reports how long the user must wait before the rate limiter
// admits another import.
func (s *Service) RetryAfter(userID uuid.UUID) time.Duration {
	return s.limiter.RetryAfter(userID)
}

// LimiterStatus returns a snapshot of the rate limiter state.
func (s *Service) LimiterStatus() RateLimiterStatus {
	return s.limiter.Status()
}

// WaitForDrain blocks until every in-flight import finishes or ctx expires.
func (s *Service) WaitForDrain(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// Import runs one upload synchronously and returns its result. Row-level
// problems are collected into the batch; only gate rejections and
// infrastructure failures return an error.
func (s *Service) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if !s.limiter.CheckLimit(req.Actor.ID) {
		return nil, ErrRateLimited
	}
	if !s.limiter.CheckConcurrentLimit(req.Actor.ID) {
		return nil, ErrTooManyImports
	}
	defer s.limiter.ReleaseConcurrentSlot(req.Actor.ID)

	if err := s.validator.Validate(req.FileName, req.FileSize, req.MimeType); err != nil {
		return nil, err
	}

	def, ok := Lookup(req.EntityType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, req.EntityType)
	}

	importID := uuid.New()
	version := 1
	if req.ReimportOf != uuid.Nil {
		prior, err := s.batches.ByImportID(ctx, req.ReimportOf)
		if err != nil {
			return nil, fmt.Errorf("resolve reimport lineage: %w", err)
		}
		importID = prior.ImportID
		version = prior.Version + 1
	}

	now := time.Now()
	batch := &ImportBatch{
		ID:           uuid.New(),
		ImportID:     importID,
		Version:      version,
		EntityType:   def.Type,
		Status:       BatchPending,
		FileName:     SanitizeFileName(req.FileName),
		OriginalName: req.FileName,
		FileSize:     req.FileSize,
		MimeType:     req.MimeType,
		Extension:    strings.TrimPrefix(strings.ToLower(filepath.Ext(req.FileName)), "."),
		UserID:       req.Actor.ID,
		UserName:     req.Actor.Name,
		UserEmail:    req.Actor.Email,
		IPAddress:    req.Context.IPAddress,
		UserAgent:    req.Context.UserAgent,
		SessionID:    req.Context.SessionID,
		CreatedAt:    now,
	}

	// Retain the source file before creating the ledger entry, so a batch
	// never points at a file that failed to persist.
	batch.StoragePath = fmt.Sprintf("imports/%s/%s", batch.ID, batch.FileName)
	if err := s.files.Put(ctx, batch.StoragePath, req.Reader); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	if err := s.batches.Create(ctx, batch); err != nil {
		// No ledger entry references the file; remove it.
		_ = s.files.Delete(context.WithoutCancel(ctx), batch.StoragePath)
		return nil, fmt.Errorf("create batch: %w", err)
	}

	log := logging.WithFields(ctx,
		"import_id", batch.ImportID.String(),
		"batch_id", batch.ID.String(),
		"entity_type", batch.EntityType,
		"user_id", batch.UserID.String(),
	)
	log.Info("import started", "file", batch.FileName, "size", batch.FileSize, "version", batch.Version)

	startedAt := time.Now()
	if err := s.batches.MarkStarted(ctx, batch.ID, startedAt); err != nil {
		return nil, fmt.Errorf("mark batch started: %w", err)
	}
	batch.Status = BatchProcessing
	batch.StartedAt = &startedAt

	result, err := s.runBatch(ctx, def, batch)
	if err != nil {
		// Terminal failure: keep whatever was counted before the abort. The
		// request context may already be cancelled (timeout, client gone);
		// the failure must still reach the ledger or the batch is stranded
		// in processing with its created rows unreachable by rollback.
		reason := SanitizeMessage(err)
		if ferr := s.batches.MarkFailed(context.WithoutCancel(ctx), batch.ID, reason, time.Now()); ferr != nil {
			log.Error("mark batch failed", "error", ferr)
		}
		batch.Status = BatchFailed
		log.Error("import failed", "error", err)
		return nil, fmt.Errorf("import batch %s: %w", batch.ImportID, err)
	}

	log.Info("import completed",
		"total_rows", result.Statistics.TotalRows,
		"imported", result.Statistics.ImportedCount,
		"skipped", result.Statistics.SkippedCount,
		"duplicates", result.Statistics.DuplicatesCount,
		"errors", result.Statistics.ErrorCount,
	)
	return result, nil
}

// runBatch decodes rows from the retained file and processes them in file
// order. Memory stays bounded: rows stream one at a time.
func (s *Service) runBatch(ctx context.Context, def EntityDefinition, batch *ImportBatch) (*ImportResult, error) {
	src, err := s.files.Get(ctx, batch.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open stored upload: %w", err)
	}
	defer src.Close()

	dec, err := NewCSVDecoder(src)
	if err != nil {
		return nil, fmt.Errorf("decode upload: %w", err)
	}

	proc := NewRowProcessor(def, s.db, s.records, batch)

	for {
		row, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A malformed stream aborts the remaining rows; the partial
			// statistics are written before the batch is marked failed.
			s.writeResults(context.WithoutCancel(ctx), batch, proc)
			return nil, fmt.Errorf("decode row: %w", err)
		}
		if ctx.Err() != nil {
			s.writeResults(context.WithoutCancel(ctx), batch, proc)
			return nil, ctx.Err()
		}

		if err := proc.ProcessRow(ctx, row); err != nil {
			s.writeResults(context.WithoutCancel(ctx), batch, proc)
			return nil, err
		}
	}

	if err := s.writeResults(ctx, batch, proc); err != nil {
		return nil, err
	}

	finishedAt := time.Now()
	if err := s.batches.MarkCompleted(ctx, batch.ID, finishedAt); err != nil {
		return nil, fmt.Errorf("mark batch completed: %w", err)
	}
	batch.Status = BatchCompleted
	batch.FinishedAt = &finishedAt

	return &ImportResult{
		Batch:      batch,
		Statistics: proc.Stats(),
		Errors:     capErrors(proc.Errors(), s.maxReturnedErrors),
		Warnings:   capWarnings(proc.Warnings(), s.maxReturnedErrors),
	}, nil
}

// writeResults flushes the processor's counts and error lists onto the batch.
func (s *Service) writeResults(ctx context.Context, batch *ImportBatch, proc *RowProcessor) error {
	stats := proc.Stats()
	batch.TotalRows = stats.TotalRows
	batch.ImportedCount = stats.ImportedCount
	batch.SkippedCount = stats.SkippedCount
	batch.DuplicatesCount = stats.DuplicatesCount
	batch.ErrorCount = stats.ErrorCount
	batch.Errors = proc.Errors()
	batch.Warnings = proc.Warnings()
	batch.CanRollback = batch.ImportedCount > 0 && batch.RolledBackAt == nil

	if err := s.batches.UpdateResults(ctx, batch); err != nil {
		return fmt.Errorf("update batch results: %w", err)
	}
	return nil
}

func capErrors(errs []RowError, max int) []RowError {
	if len(errs) > max {
		return errs[:max]
	}
	return errs
}

func capWarnings(warns []RowWarning, max int) []RowWarning {
	if len(warns) > max {
		return warns[:max]
	}
	return warns
}

// History lists batches matching the filter.
func (s *Service) History(ctx context.Context, f BatchFilter) ([]*ImportBatch, int64, error) {
	return s.batches.List(ctx, f)
}

// BatchByImportID returns the latest version of a lineage.
func (s *Service) BatchByImportID(ctx context.Context, importID uuid.UUID) (*ImportBatch, error) {
	return s.batches.ByImportID(ctx, importID)
}

// BatchRecords pages through the tracked records of a batch.
func (s *Service) BatchRecords(ctx context.Context, batchID uuid.UUID, page, pageSize int) ([]*ImportedRecord, int64, error) {
	return s.records.ForBatch(ctx, batchID, page, pageSize)
}

// Versions lists every batch in an import lineage, oldest first.
func (s *Service) Versions(ctx context.Context, importID uuid.UUID) ([]*ImportBatch, error) {
	return s.batches.Versions(ctx, importID)
}

// UserStatistics aggregates a user's import history.
func (s *Service) UserStatistics(ctx context.Context, userID uuid.UUID) (*UserImportStats, error) {
	return s.batches.UserStats(ctx, userID)
}

// ResolveRecord resolves the weak reference of a tracked record to the
// business row it created. Returns nil without error when the row was
// deleted out-of-band.
func (s *Service) ResolveRecord(ctx context.Context, rec *ImportedRecord) (map[string]string, error) {
	def, ok := Lookup(rec.TableName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, rec.TableName)
	}
	return def.Handler.Find(ctx, s.db, rec.RecordID)
}
