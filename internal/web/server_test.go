package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opencivic/backoffice/internal/config"
	"github.com/opencivic/backoffice/internal/importer"
)

// In-memory implementations of the service's storage interfaces, enough to
// drive the HTTP surface end to end without a database.

type memBatches struct {
	byID map[uuid.UUID]*importer.ImportBatch
}

func newMemBatches() *memBatches {
	return &memBatches{byID: make(map[uuid.UUID]*importer.ImportBatch)}
}

func (s *memBatches) Create(_ context.Context, b *importer.ImportBatch) error {
	s.byID[b.ID] = b
	return nil
}

func (s *memBatches) MarkStarted(_ context.Context, id uuid.UUID, at time.Time) error {
	s.byID[id].Status = importer.BatchProcessing
	s.byID[id].StartedAt = &at
	return nil
}

func (s *memBatches) UpdateResults(_ context.Context, b *importer.ImportBatch) error {
	s.byID[b.ID] = b
	return nil
}

func (s *memBatches) MarkCompleted(_ context.Context, id uuid.UUID, at time.Time) error {
	s.byID[id].Status = importer.BatchCompleted
	s.byID[id].FinishedAt = &at
	return nil
}

func (s *memBatches) MarkFailed(_ context.Context, id uuid.UUID, _ string, at time.Time) error {
	s.byID[id].Status = importer.BatchFailed
	s.byID[id].FinishedAt = &at
	return nil
}

func (s *memBatches) ByImportID(_ context.Context, importID uuid.UUID) (*importer.ImportBatch, error) {
	var latest *importer.ImportBatch
	for _, b := range s.byID {
		if b.ImportID == importID && (latest == nil || b.Version > latest.Version) {
			latest = b
		}
	}
	if latest == nil {
		return nil, importer.ErrBatchNotFound
	}
	return latest, nil
}

func (s *memBatches) Versions(_ context.Context, importID uuid.UUID) ([]*importer.ImportBatch, error) {
	var out []*importer.ImportBatch
	for _, b := range s.byID {
		if b.ImportID == importID {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, importer.ErrBatchNotFound
	}
	return out, nil
}

func (s *memBatches) List(_ context.Context, f importer.BatchFilter) ([]*importer.ImportBatch, int64, error) {
	var out []*importer.ImportBatch
	for _, b := range s.byID {
		if f.UserID != uuid.Nil && b.UserID != f.UserID {
			continue
		}
		out = append(out, b)
	}
	return out, int64(len(out)), nil
}

func (s *memBatches) UserStats(_ context.Context, _ uuid.UUID) (*importer.UserImportStats, error) {
	return &importer.UserImportStats{TotalImports: int64(len(s.byID))}, nil
}

type memRecords struct {
	records []*importer.ImportedRecord
}

func (s *memRecords) Register(_ context.Context, rec *importer.ImportedRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func (s *memRecords) HashExists(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

func (s *memRecords) ForBatch(_ context.Context, batchID uuid.UUID, _, _ int) ([]*importer.ImportedRecord, int64, error) {
	var out []*importer.ImportedRecord
	for _, rec := range s.records {
		if rec.BatchID == batchID {
			out = append(out, rec)
		}
	}
	return out, int64(len(out)), nil
}

type memFiles struct {
	files map[string][]byte
}

func (s *memFiles) Put(_ context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.files[path] = data
	return nil
}

func (s *memFiles) Get(_ context.Context, path string) (io.ReadCloser, error) {
	data, ok := s.files[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memFiles) Delete(_ context.Context, path string) error { return nil }

func (s *memFiles) Exists(_ context.Context, path string) (bool, error) {
	_, ok := s.files[path]
	return ok, nil
}

// webHandler persists nothing; creates always succeed.
type webHandler struct{}

func (webHandler) Create(_ context.Context, _ importer.DBTX, fields map[string]string) (importer.CreateResult, error) {
	return importer.CreateResult{RecordID: uuid.New(), Persisted: fields}, nil
}
func (webHandler) Exists(context.Context, importer.DBTX, map[string]string) (bool, error) {
	return false, nil
}
func (webHandler) Delete(context.Context, importer.DBTX, uuid.UUID) (bool, error) {
	return true, nil
}
func (webHandler) Find(context.Context, importer.DBTX, uuid.UUID) (map[string]string, error) {
	return nil, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:           "127.0.0.1",
			Port:           0,
			RequestTimeout: 30 * time.Second,
		},
		Import: config.ImportConfig{
			MaxFileSize:       1024 * 1024,
			MaxReturnedErrors: 10,
		},
	}
}

func newTestServer(t *testing.T) (*Server, *memBatches) {
	t.Helper()
	importer.ClearRegistry()
	t.Cleanup(importer.ClearRegistry)

	importer.Register(importer.EntityDefinition{
		Type:  "purchase_plans",
		Label: "Purchase plans",
		Columns: []importer.ColumnSpec{
			{Name: "plan_number", Required: true},
			{Name: "title", Required: true},
		},
		SignatureFields: []string{"plan_number"},
		Handler:         webHandler{},
	})

	batches := newMemBatches()
	service := importer.NewService(importer.Options{
		Batches:   batches,
		Records:   &memRecords{},
		Files:     &memFiles{files: make(map[string][]byte)},
		Limiter:   importer.NewRateLimiter(importer.NewMemoryCounterStore(), importer.RateLimiterOptions{}),
		Validator: importer.NewFileValidator(1024*1024, []string{"csv"}, nil),
	})

	return NewServer(service, nil, testConfig()), batches
}

func multipartUpload(t *testing.T, fields map[string]string, fileName, fileBody string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write form field: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.Copy(fw, strings.NewReader(fileBody)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func asUser(req *http.Request, userID uuid.UUID) {
	req.Header.Set(HeaderUserID, userID.String())
	req.Header.Set(HeaderUserName, "Clerk")
	req.Header.Set(HeaderUserEmail, "clerk@example.gov")
}

func TestImportEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	user := uuid.New()

	body, contentType := multipartUpload(t,
		map[string]string{"type": "purchase_plans"},
		"plans.csv",
		"plan_number,title\nPP-001,Desks\nPP-002,Chairs\n",
	)

	req := httptest.NewRequest(http.MethodPost, "/api/import", body)
	req.Header.Set("Content-Type", contentType)
	asUser(req, user)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			ImportID   string `json:"import_id"`
			Version    int    `json:"version"`
			Statistics struct {
				TotalRows     int `json:"total_rows"`
				ImportedCount int `json:"imported_count"`
			} `json:"statistics"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Error("success = false, want true")
	}
	if resp.Data.Statistics.ImportedCount != 2 {
		t.Errorf("imported_count = %d, want 2", resp.Data.Statistics.ImportedCount)
	}
	if _, err := uuid.Parse(resp.Data.ImportID); err != nil {
		t.Errorf("import_id %q is not a uuid", resp.Data.ImportID)
	}
	if resp.Data.Version != 1 {
		t.Errorf("version = %d, want 1", resp.Data.Version)
	}

	// The detail endpoint can resolve each tracked record to its current
	// business-row state.
	detail := httptest.NewRequest(http.MethodGet,
		"/api/import-history/"+resp.Data.ImportID+"?resolve=true", nil)
	asUser(detail, user)
	drec := httptest.NewRecorder()
	srv.Router().ServeHTTP(drec, detail)

	if drec.Code != http.StatusOK {
		t.Fatalf("detail status = %d, want 200; body: %s", drec.Code, drec.Body.String())
	}
	if !strings.Contains(drec.Body.String(), "current_data") {
		t.Error("resolved detail response missing current_data")
	}
}

func TestImportEndpoint_RequiresIdentity(t *testing.T) {
	srv, _ := newTestServer(t)

	body, contentType := multipartUpload(t,
		map[string]string{"type": "purchase_plans"}, "plans.csv", "plan_number,title\nPP-001,Desks\n")

	tests := []struct {
		name   string
		userID string
	}{
		{"missing header", ""},
		{"malformed uuid", "not-a-uuid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/import", bytes.NewReader(body.Bytes()))
			req.Header.Set("Content-Type", contentType)
			if tt.userID != "" {
				req.Header.Set(HeaderUserID, tt.userID)
			}

			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestImportEndpoint_UnknownType(t *testing.T) {
	srv, _ := newTestServer(t)

	body, contentType := multipartUpload(t,
		map[string]string{"type": "mystery"}, "plans.csv", "a,b\n1,2\n")

	req := httptest.NewRequest(http.MethodPost, "/api/import", body)
	req.Header.Set("Content-Type", contentType)
	asUser(req, uuid.New())

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422; body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), importer.CodeUnknownEntity) {
		t.Errorf("body missing code %s: %s", importer.CodeUnknownEntity, rec.Body.String())
	}
}

func TestImportEndpoint_RateLimitedGets429(t *testing.T) {
	importer.ClearRegistry()
	t.Cleanup(importer.ClearRegistry)
	importer.Register(importer.EntityDefinition{
		Type:            "purchase_plans",
		Columns:         []importer.ColumnSpec{{Name: "plan_number", Required: true}},
		SignatureFields: []string{"plan_number"},
		Handler:         webHandler{},
	})

	service := importer.NewService(importer.Options{
		Batches: newMemBatches(),
		Records: &memRecords{},
		Files:   &memFiles{files: make(map[string][]byte)},
		Limiter: importer.NewRateLimiter(importer.NewMemoryCounterStore(),
			importer.RateLimiterOptions{MaxAttempts: 1, Window: time.Hour}),
		Validator: importer.NewFileValidator(1024*1024, []string{"csv"}, nil),
	})
	srv := NewServer(service, nil, testConfig())
	user := uuid.New()

	send := func() *httptest.ResponseRecorder {
		body, contentType := multipartUpload(t,
			map[string]string{"type": "purchase_plans"}, "plans.csv", "plan_number\nPP-001\n")
		req := httptest.NewRequest(http.MethodPost, "/api/import", body)
		req.Header.Set("Content-Type", contentType)
		asUser(req, user)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first upload status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second upload status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestHistoryAndRollbackEndpoints(t *testing.T) {
	srv, batches := newTestServer(t)
	user := uuid.New()

	// Seed one completed batch directly.
	batch := &importer.ImportBatch{
		ID:            uuid.New(),
		ImportID:      uuid.New(),
		Version:       1,
		EntityType:    "purchase_plans",
		Status:        importer.BatchCompleted,
		UserID:        user,
		ImportedCount: 3,
		CanRollback:   false,
		CreatedAt:     time.Now(),
	}
	batches.byID[batch.ID] = batch

	t.Run("history list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/import-history", nil)
		asUser(req, user)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), batch.ImportID.String()) {
			t.Error("history response missing the seeded batch")
		}
	})

	t.Run("detail", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/import-history/"+batch.ImportID.String(), nil)
		asUser(req, user)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("detail of unknown import", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/import-history/"+uuid.NewString(), nil)
		asUser(req, user)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("rollback denied when not rollbackable", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/import-history/"+batch.ImportID.String()+"/rollback", nil)
		asUser(req, user)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400; body: %s", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), importer.CodeRollbackDenied) {
			t.Errorf("body missing code %s: %s", importer.CodeRollbackDenied, rec.Body.String())
		}
	})

	t.Run("invalid import id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/import-history/not-a-uuid", nil)
		asUser(req, user)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestSecurityHeaders(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/import-history", nil)
	asUser(req, uuid.New())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}
