package importer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeBatchStore keeps batches in memory keyed by batch id.
type fakeBatchStore struct {
	batches map[uuid.UUID]*ImportBatch
}

func newFakeBatchStore() *fakeBatchStore {
	return &fakeBatchStore{batches: make(map[uuid.UUID]*ImportBatch)}
}

func (s *fakeBatchStore) Create(_ context.Context, b *ImportBatch) error {
	s.batches[b.ID] = b
	return nil
}

func (s *fakeBatchStore) MarkStarted(_ context.Context, batchID uuid.UUID, at time.Time) error {
	b := s.batches[batchID]
	b.Status = BatchProcessing
	b.StartedAt = &at
	return nil
}

func (s *fakeBatchStore) UpdateResults(_ context.Context, b *ImportBatch) error {
	s.batches[b.ID] = b
	return nil
}

func (s *fakeBatchStore) MarkCompleted(_ context.Context, batchID uuid.UUID, at time.Time) error {
	b := s.batches[batchID]
	b.Status = BatchCompleted
	b.FinishedAt = &at
	return nil
}

func (s *fakeBatchStore) MarkFailed(_ context.Context, batchID uuid.UUID, reason string, at time.Time) error {
	b := s.batches[batchID]
	b.Status = BatchFailed
	b.FinishedAt = &at
	b.Errors = append(b.Errors, RowError{Errors: []string{reason}})
	return nil
}

func (s *fakeBatchStore) ByImportID(_ context.Context, importID uuid.UUID) (*ImportBatch, error) {
	var latest *ImportBatch
	for _, b := range s.batches {
		if b.ImportID != importID {
			continue
		}
		if latest == nil || b.Version > latest.Version {
			latest = b
		}
	}
	if latest == nil {
		return nil, ErrBatchNotFound
	}
	return latest, nil
}

func (s *fakeBatchStore) Versions(_ context.Context, importID uuid.UUID) ([]*ImportBatch, error) {
	var out []*ImportBatch
	for _, b := range s.batches {
		if b.ImportID == importID {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, ErrBatchNotFound
	}
	return out, nil
}

func (s *fakeBatchStore) List(_ context.Context, _ BatchFilter) ([]*ImportBatch, int64, error) {
	var out []*ImportBatch
	for _, b := range s.batches {
		out = append(out, b)
	}
	return out, int64(len(out)), nil
}

func (s *fakeBatchStore) UserStats(_ context.Context, _ uuid.UUID) (*UserImportStats, error) {
	return &UserImportStats{}, nil
}

// fakeUnitOfWork runs the rollback function against in-memory state. The
// commit flag distinguishes committed mutations from rolled-back ones.
type fakeUnitOfWork struct {
	batches *fakeBatchStore
	records *fakeRecordStore

	committed bool
}

type fakeRollbackTx struct {
	uow *fakeUnitOfWork

	statusChanges map[uuid.UUID]RecordStatus
	stamped       bool
	stampedBy     uuid.UUID
	lockedBatch   uuid.UUID
}

func (u *fakeUnitOfWork) RunInTransaction(_ context.Context, fn func(tx RollbackTx) error) error {
	tx := &fakeRollbackTx{uow: u, statusChanges: make(map[uuid.UUID]RecordStatus)}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit: apply the buffered mutations.
	for recID, status := range tx.statusChanges {
		for _, rec := range u.records.records {
			if rec.ID == recID {
				rec.Status = status
			}
		}
	}
	if tx.stamped {
		b := u.batches.batches[tx.lockedBatch]
		now := time.Now()
		b.RolledBackAt = &now
		b.RolledBackBy = &tx.stampedBy
		b.CanRollback = false
	}
	u.committed = true
	return nil
}

func (tx *fakeRollbackTx) DB() DBTX { return nil }

func (tx *fakeRollbackTx) LockBatch(_ context.Context, batchID uuid.UUID) (*ImportBatch, error) {
	b, ok := tx.uow.batches.batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	tx.lockedBatch = batchID
	return b, nil
}

func (tx *fakeRollbackTx) ImportedRecords(_ context.Context, batchID uuid.UUID) ([]*ImportedRecord, error) {
	var out []*ImportedRecord
	for _, rec := range tx.uow.records.records {
		if rec.BatchID == batchID && rec.Status == RecordImported {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (tx *fakeRollbackTx) SetRecordStatus(_ context.Context, recordID uuid.UUID, status RecordStatus) error {
	tx.statusChanges[recordID] = status
	return nil
}

func (tx *fakeRollbackTx) StampRollback(_ context.Context, batchID uuid.UUID, actorID uuid.UUID, _ time.Time) error {
	tx.stamped = true
	tx.stampedBy = actorID
	return nil
}

// rollbackFixture wires a service over in-memory stores with one completed
// batch of two imported records.
type rollbackFixture struct {
	service *Service
	handler *fakeHandler
	batches *fakeBatchStore
	records *fakeRecordStore
	uow     *fakeUnitOfWork
	batch   *ImportBatch
	recIDs  []uuid.UUID
}

func newRollbackFixture(t *testing.T) *rollbackFixture {
	t.Helper()
	ClearRegistry()
	t.Cleanup(ClearRegistry)

	handler := newFakeHandler()
	Register(testDefinition(handler))

	batches := newFakeBatchStore()
	records := newFakeRecordStore()
	uow := &fakeUnitOfWork{batches: batches, records: records}

	batch := &ImportBatch{
		ID:            uuid.New(),
		ImportID:      uuid.New(),
		Version:       1,
		EntityType:    "purchase_plans",
		Status:        BatchCompleted,
		ImportedCount: 2,
		CanRollback:   true,
	}
	batches.batches[batch.ID] = batch

	var recIDs []uuid.UUID
	for row := 1; row <= 2; row++ {
		businessID := uuid.New()
		handler.rows[businessID] = map[string]string{"plan_number": "PP-00" + string(rune('0'+row))}
		rec := &ImportedRecord{
			ID:        uuid.New(),
			BatchID:   batch.ID,
			TableName: "purchase_plans",
			RecordID:  businessID,
			RowNumber: row,
			Status:    RecordImported,
		}
		records.records = append(records.records, rec)
		recIDs = append(recIDs, rec.ID)
	}

	service := NewService(Options{
		Batches:    batches,
		Records:    records,
		UnitOfWork: uow,
	})

	return &rollbackFixture{
		service: service,
		handler: handler,
		batches: batches,
		records: records,
		uow:     uow,
		batch:   batch,
		recIDs:  recIDs,
	}
}

func TestRollback_Full(t *testing.T) {
	f := newRollbackFixture(t)
	actor := uuid.New()

	result, err := f.service.Rollback(context.Background(), f.batch.ImportID, actor)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if !result.Success {
		t.Error("Success = false, want true")
	}
	if result.RolledBackCount != 2 {
		t.Errorf("RolledBackCount = %d, want 2", result.RolledBackCount)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Errors = %v, want none", result.Errors)
	}
	if len(f.handler.deleted) != 2 {
		t.Errorf("deleted %d business rows, want 2", len(f.handler.deleted))
	}

	if f.batch.CanRollback {
		t.Error("batch still marked rollbackable")
	}
	if f.batch.RolledBackAt == nil {
		t.Error("rolled_back_at not stamped")
	}
	if f.batch.RolledBackBy == nil || *f.batch.RolledBackBy != actor {
		t.Error("rolled_back_by not stamped with the acting user")
	}

	for _, rec := range f.records.records {
		if rec.Status != RecordRolledBack {
			t.Errorf("record row %d status = %s, want %s", rec.RowNumber, rec.Status, RecordRolledBack)
		}
	}
}

func TestRollback_PartialWhenRowDeletedOutOfBand(t *testing.T) {
	f := newRollbackFixture(t)

	// The second business row disappeared before the rollback.
	gone := f.records.records[1].RecordID
	f.handler.deleteMissing[gone] = true

	result, err := f.service.Rollback(context.Background(), f.batch.ImportID, uuid.New())
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if !result.Success {
		t.Error("Success = false, want true (partial rollback still completes)")
	}
	if result.RolledBackCount != 1 {
		t.Errorf("RolledBackCount = %d, want 1", result.RolledBackCount)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("Errors = %v, want exactly one", result.Errors)
	}

	if got := f.records.records[0].Status; got != RecordRolledBack {
		t.Errorf("first record status = %s, want %s", got, RecordRolledBack)
	}
	if got := f.records.records[1].Status; got != RecordError {
		t.Errorf("missing record status = %s, want %s", got, RecordError)
	}
	if f.batch.CanRollback {
		t.Error("batch still marked rollbackable after partial rollback")
	}
}

func TestRollback_DeniedWhenNotRollbackable(t *testing.T) {
	f := newRollbackFixture(t)
	f.batch.CanRollback = false

	_, err := f.service.Rollback(context.Background(), f.batch.ImportID, uuid.New())
	if !errors.Is(err, ErrRollbackNotAllowed) {
		t.Fatalf("err = %v, want ErrRollbackNotAllowed", err)
	}
	if len(f.handler.deleted) != 0 {
		t.Errorf("deleted %d rows on denied rollback, want 0", len(f.handler.deleted))
	}
}

func TestRollback_SecondAttemptDenied(t *testing.T) {
	f := newRollbackFixture(t)
	ctx := context.Background()

	if _, err := f.service.Rollback(ctx, f.batch.ImportID, uuid.New()); err != nil {
		t.Fatalf("first Rollback failed: %v", err)
	}
	if _, err := f.service.Rollback(ctx, f.batch.ImportID, uuid.New()); !errors.Is(err, ErrRollbackNotAllowed) {
		t.Fatalf("second Rollback err = %v, want ErrRollbackNotAllowed", err)
	}
}

func TestRollback_InfrastructureFailureLeavesStateUntouched(t *testing.T) {
	f := newRollbackFixture(t)

	// A delete error aborts the transaction; buffered mutations are dropped.
	failing := &failingDeleteHandler{err: errors.New("connection reset")}
	ClearRegistry()
	Register(testDefinition(failing))

	_, err := f.service.Rollback(context.Background(), f.batch.ImportID, uuid.New())
	if err == nil {
		t.Fatal("Rollback returned nil on delete failure, want error")
	}

	if f.uow.committed {
		t.Error("transaction committed despite failure")
	}
	if !f.batch.CanRollback {
		t.Error("batch lost rollbackability after aborted rollback")
	}
	for _, rec := range f.records.records {
		if rec.Status != RecordImported {
			t.Errorf("record row %d status = %s, want untouched %s", rec.RowNumber, rec.Status, RecordImported)
		}
	}
}

func TestRollback_UnknownImport(t *testing.T) {
	f := newRollbackFixture(t)

	_, err := f.service.Rollback(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("err = %v, want ErrBatchNotFound", err)
	}
}

// failingDeleteHandler fails every delete, simulating storage loss mid
// rollback.
type failingDeleteHandler struct {
	fakeHandler
	err error
}

func (h *failingDeleteHandler) Delete(context.Context, DBTX, uuid.UUID) (bool, error) {
	return false, h.err
}
