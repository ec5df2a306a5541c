package importer

// rollback.go reverses exactly what one batch created.
//
// The whole operation runs inside a single transaction. The batch row is
// locked first and can_rollback re-checked under the lock, so two concurrent
// rollback requests cannot both proceed. Individual rows that cannot be
// reverted (the business row was deleted out-of-band) are marked error and
// collected; they never abort the remaining rows. Only an infrastructure
// failure aborts, in which case the transaction rolls back and the batch is
// left untouched.

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencivic/backoffice/internal/logging"
)

// RollbackResult reports the outcome of one rollback operation.
// Success is true whenever the operation itself completed, even if some
// individual rows could not be reverted.
type RollbackResult struct {
	ImportID        uuid.UUID `json:"import_id"`
	EntityType      string    `json:"entity_type"`
	RolledBackCount int       `json:"rolled_back_count"`
	Errors          []string  `json:"errors,omitempty"`
	Success         bool      `json:"success"`
}

// Rollback deletes every record the batch created and marks the batch
// rolled back. Fails without mutating anything when can_rollback is false.
func (s *Service) Rollback(ctx context.Context, importID uuid.UUID, actorID uuid.UUID) (*RollbackResult, error) {
	batch, err := s.batches.ByImportID(ctx, importID)
	if err != nil {
		return nil, err
	}

	// Cheap pre-check; the authoritative check happens under the row lock.
	if !batch.CanRollback {
		return nil, fmt.Errorf("%w: import %s", ErrRollbackNotAllowed, importID)
	}

	def, ok := Lookup(batch.EntityType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, batch.EntityType)
	}

	log := logging.WithFields(ctx,
		"import_id", importID.String(),
		"batch_id", batch.ID.String(),
		"entity_type", batch.EntityType,
		"actor_id", actorID.String(),
	)

	result := &RollbackResult{
		ImportID:   importID,
		EntityType: batch.EntityType,
	}

	err = s.uow.RunInTransaction(ctx, func(tx RollbackTx) error {
		locked, err := tx.LockBatch(ctx, batch.ID)
		if err != nil {
			return fmt.Errorf("lock batch: %w", err)
		}
		if !locked.CanRollback {
			return fmt.Errorf("%w: import %s", ErrRollbackNotAllowed, importID)
		}

		records, err := tx.ImportedRecords(ctx, batch.ID)
		if err != nil {
			return fmt.Errorf("load tracked records: %w", err)
		}

		for _, rec := range records {
			found, err := def.Handler.Delete(ctx, tx.DB(), rec.RecordID)
			if err != nil {
				return fmt.Errorf("delete record %s (row %d): %w", rec.RecordID, rec.RowNumber, err)
			}

			if !found {
				// Independently deleted before rollback: flag the tracker
				// entry, keep going.
				if err := tx.SetRecordStatus(ctx, rec.ID, RecordError); err != nil {
					return fmt.Errorf("flag record %s: %w", rec.ID, err)
				}
				result.Errors = append(result.Errors,
					fmt.Sprintf("row %d: record %s no longer exists", rec.RowNumber, rec.RecordID))
				continue
			}

			if err := tx.SetRecordStatus(ctx, rec.ID, RecordRolledBack); err != nil {
				return fmt.Errorf("mark record %s rolled back: %w", rec.ID, err)
			}
			result.RolledBackCount++
		}

		if err := tx.StampRollback(ctx, batch.ID, actorID, time.Now()); err != nil {
			return fmt.Errorf("stamp batch: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Error("rollback failed", "error", err)
		return nil, err
	}

	result.Success = true
	log.Info("rollback completed",
		"rolled_back", result.RolledBackCount,
		"row_errors", len(result.Errors),
	)
	return result, nil
}
