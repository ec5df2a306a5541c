package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opencivic/backoffice/internal/importer"
)

// handleImport processes a multipart spreadsheet upload synchronously and
// returns the batch result.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "AUTH001", "missing user identity")
		return
	}

	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+1024)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, importer.CodeFileTooLarge,
			"file too large or invalid multipart form")
		return
	}

	entityType := r.FormValue("type")
	if entityType == "" {
		writeError(w, r, http.StatusUnprocessableEntity, importer.CodeUnknownEntity,
			"missing form field: type")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, importer.CodeFileUnreadable,
			"no file provided")
		return
	}
	defer file.Close()

	var reimportOf uuid.UUID
	if raw := r.FormValue("reimport_of"); raw != "" {
		reimportOf, err = uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusUnprocessableEntity, importer.CodeBatchNotFound,
				"invalid reimport_of import id")
			return
		}
	}

	result, err := s.service.Import(r.Context(), importer.ImportRequest{
		EntityType: entityType,
		FileName:   header.Filename,
		FileSize:   header.Size,
		MimeType:   header.Header.Get("Content-Type"),
		Reader:     file,
		ReimportOf: reimportOf,
		Actor:      actor,
		Context:    requestContext(r),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	data := map[string]interface{}{
		"import_id":  result.Batch.ImportID.String(),
		"version":    result.Batch.Version,
		"file_name":  result.Batch.FileName,
		"statistics": result.Statistics,
	}
	if len(result.Errors) > 0 {
		data["errors"] = result.Errors
	}
	if len(result.Warnings) > 0 {
		data["warnings"] = result.Warnings
	}

	writeJSON(w, r, http.StatusOK, "import completed", data)
}

// handleImportHistory lists the actor's batches with optional filters.
func (s *Server) handleImportHistory(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	q := r.URL.Query()

	filter := importer.BatchFilter{
		UserID:     actor.ID,
		Status:     importer.BatchStatus(q.Get("status")),
		EntityType: q.Get("type"),
		Page:       queryInt(q.Get("page"), 1),
		PageSize:   queryInt(q.Get("page_size"), 20),
	}

	if raw := q.Get("date_from"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "REQ001", "invalid date_from (use YYYY-MM-DD)")
			return
		}
		filter.DateFrom = &t
	}
	if raw := q.Get("date_to"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "REQ001", "invalid date_to (use YYYY-MM-DD)")
			return
		}
		end := t.Add(24*time.Hour - time.Nanosecond)
		filter.DateTo = &end
	}

	batches, total, err := s.service.History(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	items := make([]map[string]interface{}, len(batches))
	for i, b := range batches {
		items[i] = batchSummary(b)
	}

	writeJSON(w, r, http.StatusOK, "", map[string]interface{}{
		"items":     items,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

// handleImportDetail returns one batch plus a page of its tracked records.
func (s *Server) handleImportDetail(w http.ResponseWriter, r *http.Request) {
	importID, ok := parseImportID(w, r)
	if !ok {
		return
	}

	batch, err := s.service.BatchByImportID(r.Context(), importID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	pageSize := queryInt(q.Get("page_size"), 50)

	records, total, err := s.service.BatchRecords(r.Context(), batch.ID, page, pageSize)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resolve := q.Get("resolve") == "true"

	recItems := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		item := map[string]interface{}{
			"id":             rec.ID.String(),
			"table_name":     rec.TableName,
			"record_id":      rec.RecordID.String(),
			"row_number":     rec.RowNumber,
			"row_hash":       rec.RowHash,
			"original_data":  rec.OriginalData,
			"processed_data": rec.ProcessedData,
			"status":         rec.Status,
		}
		if resolve {
			// current_data is null when the business row was deleted
			// out-of-band since the import.
			current, err := s.service.ResolveRecord(r.Context(), rec)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			item["current_data"] = current
		}
		recItems[i] = item
	}

	data := batchDetail(batch)
	data["records"] = map[string]interface{}{
		"items":     recItems,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	}

	writeJSON(w, r, http.StatusOK, "", data)
}

// handleImportStatistics returns the actor's aggregate import statistics.
func (s *Server) handleImportStatistics(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())

	// The path carries an import id for API symmetry, but statistics
	// aggregate over the acting user's whole history.
	if _, ok := parseImportID(w, r); !ok {
		return
	}

	stats, err := s.service.UserStatistics(r.Context(), actor.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, "", map[string]interface{}{
		"total_imports":       stats.TotalImports,
		"completed":           stats.Completed,
		"failed":              stats.Failed,
		"success_rate":        stats.SuccessRate,
		"total_imported":      stats.TotalImported,
		"total_skipped":       stats.TotalSkipped,
		"total_duplicates":    stats.TotalDuplicates,
		"total_errors":        stats.TotalErrors,
		"processing_time_sec": stats.ProcessingTime.Seconds(),
	})
}

// handleImportVersions lists every batch sharing the import id lineage.
func (s *Server) handleImportVersions(w http.ResponseWriter, r *http.Request) {
	importID, ok := parseImportID(w, r)
	if !ok {
		return
	}

	versions, err := s.service.Versions(r.Context(), importID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	items := make([]map[string]interface{}, len(versions))
	for i, b := range versions {
		items[i] = batchSummary(b)
	}

	writeJSON(w, r, http.StatusOK, "", map[string]interface{}{"items": items})
}

// handleRollback reverses everything the batch created.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())

	importID, ok := parseImportID(w, r)
	if !ok {
		return
	}

	result, err := s.service.Rollback(r.Context(), importID, actor.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, "rollback completed", result)
}

// handleHealth reports liveness including database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "SYS002", "database unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, "ok", nil)
}

func parseImportID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "importID")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, importer.CodeBatchNotFound, "invalid import id")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func batchSummary(b *importer.ImportBatch) map[string]interface{} {
	return map[string]interface{}{
		"import_id":        b.ImportID.String(),
		"version":          b.Version,
		"type":             b.EntityType,
		"status":           b.Status,
		"file_name":        b.FileName,
		"total_rows":       b.TotalRows,
		"imported_count":   b.ImportedCount,
		"skipped_count":    b.SkippedCount,
		"duplicates_count": b.DuplicatesCount,
		"error_count":      b.ErrorCount,
		"can_rollback":     b.CanRollback,
		"created_at":       b.CreatedAt,
	}
}

func batchDetail(b *importer.ImportBatch) map[string]interface{} {
	data := batchSummary(b)
	data["original_name"] = b.OriginalName
	data["file_size"] = b.FileSize
	data["mime_type"] = b.MimeType
	data["extension"] = b.Extension
	data["user_name"] = b.UserName
	data["user_email"] = b.UserEmail
	data["errors"] = b.Errors
	data["warnings"] = b.Warnings
	data["started_at"] = b.StartedAt
	data["finished_at"] = b.FinishedAt
	data["rolled_back_at"] = b.RolledBackAt
	if b.RolledBackBy != nil {
		data["rolled_back_by"] = b.RolledBackBy.String()
	}
	return data
}
