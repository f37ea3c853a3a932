package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-watchbot/internal/domain"
	"github.com/tbourn/go-watchbot/internal/repo"
	"github.com/tbourn/go-watchbot/internal/services"
)

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "handlers_test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	db.Logger = logger.Default.LogMode(logger.Silent)
	if err := repo.Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

type stubOutbox struct {
	stats    *repo.OutboxStats
	failures []domain.DeliveryFailure
	total    int64
	err      error

	gotPage, gotSize int
}

func (s *stubOutbox) Stats(context.Context) (*repo.OutboxStats, error) { return s.stats, s.err }

func (s *stubOutbox) FailuresPage(_ context.Context, page, size int) ([]domain.DeliveryFailure, int64, error) {
	s.gotPage, s.gotSize = page, size
	return s.failures, s.total, s.err
}

func newTestRouter(t *testing.T, ob OutboxReader) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newHandlerDB(t)
	batches := services.NewBatchService(db)
	h := New(services.NewIngestService(batches), batches, ob)

	r := gin.New()
	r.POST("/users/:platform_id/batches", h.OpenBatch)
	r.POST("/users/:platform_id/resources", h.RecordResource)
	r.GET("/batches/:id", h.GetBatch)
	r.POST("/batches/:id/resources", h.AttachResource)
	r.POST("/batches/:id/commit", h.CommitBatch)
	r.POST("/batches/:id/rollback", h.RollbackBatch)
	r.PUT("/batches/:id/title", h.SetTitle)
	r.GET("/outbox/stats", h.OutboxStats)
	r.GET("/outbox/failures", h.ListFailures)
	return r, db
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func wantError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d; want %d (body %s)", w.Code, status, w.Body.String())
	}
	if er := decode[ErrorResponse](t, w); er.Code != code {
		t.Fatalf("code = %q; want %q", er.Code, code)
	}
}

func TestBatchLifecycle_OverHTTP(t *testing.T) {
	r, db := newTestRouter(t, &stubOutbox{})

	w := do(t, r, http.MethodPost, "/users/42/batches", UserRequest{Username: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("open = %d %s", w.Code, w.Body.String())
	}
	b := decode[domain.Batch](t, w)
	if b.State != domain.BatchOpen || b.ID == 0 {
		t.Fatalf("unexpected batch: %+v", b)
	}
	id := strconv.FormatInt(b.ID, 10)

	wantError(t, do(t, r, http.MethodPost, "/users/42/batches", nil), http.StatusConflict, ErrCodeConflict)

	text := ResourceRequest{Kind: domain.ResourceText, Content: "hello", MessageID: 1}
	w = do(t, r, http.MethodPost, "/batches/"+id+"/resources", text)
	if w.Code != http.StatusCreated {
		t.Fatalf("attach = %d %s", w.Code, w.Body.String())
	}
	if res := decode[domain.Resource](t, w); res.Sequence != 1 || res.BatchID == nil || *res.BatchID != b.ID {
		t.Fatalf("unexpected resource: %+v", res)
	}
	wantError(t, do(t, r, http.MethodPost, "/batches/"+id+"/resources", text), http.StatusConflict, ErrCodeDuplicate)
	wantError(t, do(t, r, http.MethodPost, "/batches/"+id+"/resources",
		ResourceRequest{Kind: "sticker", Content: "x", MessageID: 2}), http.StatusUnprocessableEntity, ErrCodeValidation)

	wantError(t, do(t, r, http.MethodPut, "/batches/"+id+"/title", TitleRequest{}), http.StatusBadRequest, ErrCodeBadRequest)
	w = do(t, r, http.MethodPut, "/batches/"+id+"/title", TitleRequest{Title: "Trip"})
	if got := decode[domain.Batch](t, w); w.Code != http.StatusOK || got.Title == nil || *got.Title != "Trip" {
		t.Fatalf("title = %d %s", w.Code, w.Body.String())
	}

	w = do(t, r, http.MethodGet, "/batches/"+id, nil)
	if got := decode[BatchResponse](t, w); w.Code != http.StatusOK || len(got.Resources) != 1 || got.ID != b.ID {
		t.Fatalf("get = %d %s", w.Code, w.Body.String())
	}

	w = do(t, r, http.MethodPost, "/batches/"+id+"/commit", CommitRequest{})
	if got := decode[domain.Batch](t, w); w.Code != http.StatusOK || got.State != domain.BatchCommitted || got.Title == nil || *got.Title != "Trip" {
		t.Fatalf("commit = %d %s", w.Code, w.Body.String())
	}
	tasks, err := repo.ListTasks(context.Background(), db)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].Kind != domain.TaskBatchDocument || tasks[1].Kind != domain.TaskResourceDocument {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}

	wantError(t, do(t, r, http.MethodPost, "/batches/"+id+"/commit", nil), http.StatusConflict, ErrCodeInvalidState)
	wantError(t, do(t, r, http.MethodPost, "/batches/"+id+"/resources",
		ResourceRequest{Kind: domain.ResourceText, Content: "late", MessageID: 3}), http.StatusConflict, ErrCodeInvalidState)
}

func TestRollback_OverHTTP(t *testing.T) {
	r, db := newTestRouter(t, &stubOutbox{})

	b := decode[domain.Batch](t, do(t, r, http.MethodPost, "/users/7/batches", nil))
	id := strconv.FormatInt(b.ID, 10)
	do(t, r, http.MethodPost, "/batches/"+id+"/resources", ResourceRequest{Kind: domain.ResourceText, Content: "a", MessageID: 1})

	w := do(t, r, http.MethodPost, "/batches/"+id+"/rollback", nil)
	if got := decode[domain.Batch](t, w); w.Code != http.StatusOK || got.State != domain.BatchRolledBack {
		t.Fatalf("rollback = %d %s", w.Code, w.Body.String())
	}
	wantError(t, do(t, r, http.MethodPost, "/batches/"+id+"/rollback", nil), http.StatusConflict, ErrCodeInvalidState)

	if got := decode[BatchResponse](t, do(t, r, http.MethodGet, "/batches/"+id, nil)); len(got.Resources) != 0 {
		t.Fatalf("rolled back batch should have no resources: %+v", got.Resources)
	}
	if tasks, _ := repo.ListTasks(context.Background(), db); len(tasks) != 0 {
		t.Fatalf("rollback must enqueue nothing, got %d", len(tasks))
	}

	// A new batch can be opened afterwards.
	if w := do(t, r, http.MethodPost, "/users/7/batches", nil); w.Code != http.StatusCreated {
		t.Fatalf("reopen = %d", w.Code)
	}
}

func TestRecordResource_StandaloneAndIntoBatch(t *testing.T) {
	r, db := newTestRouter(t, &stubOutbox{})

	w := do(t, r, http.MethodPost, "/users/9/resources", ResourceRequest{Kind: domain.ResourceText, Content: "solo", MessageID: 1})
	if res := decode[domain.Resource](t, w); w.Code != http.StatusCreated || res.BatchID != nil {
		t.Fatalf("standalone = %d %s", w.Code, w.Body.String())
	}
	if tasks, _ := repo.ListTasks(context.Background(), db); len(tasks) != 1 {
		t.Fatalf("standalone should enqueue one task, got %d", len(tasks))
	}

	b := decode[domain.Batch](t, do(t, r, http.MethodPost, "/users/9/batches", nil))
	w = do(t, r, http.MethodPost, "/users/9/resources", ResourceRequest{Kind: domain.ResourcePhoto, Content: "file-1", MessageID: 2})
	if res := decode[domain.Resource](t, w); w.Code != http.StatusCreated || res.BatchID == nil || *res.BatchID != b.ID {
		t.Fatalf("into batch = %d %s", w.Code, w.Body.String())
	}
	if tasks, _ := repo.ListTasks(context.Background(), db); len(tasks) != 1 {
		t.Fatalf("open batch must defer delivery, got %d tasks", len(tasks))
	}

	wantError(t, do(t, r, http.MethodPost, "/users/9/resources", map[string]any{"kind": "text"}), http.StatusBadRequest, ErrCodeBadRequest)
}

func TestBadParamsAndNotFound(t *testing.T) {
	r, _ := newTestRouter(t, &stubOutbox{})

	wantError(t, do(t, r, http.MethodGet, "/batches/abc", nil), http.StatusBadRequest, ErrCodeBadRequest)
	wantError(t, do(t, r, http.MethodGet, "/batches/0", nil), http.StatusBadRequest, ErrCodeBadRequest)
	wantError(t, do(t, r, http.MethodPost, "/users/x/batches", nil), http.StatusBadRequest, ErrCodeBadRequest)
	wantError(t, do(t, r, http.MethodGet, "/batches/999", nil), http.StatusNotFound, ErrCodeNotFound)
	wantError(t, do(t, r, http.MethodPost, "/batches/999/commit", nil), http.StatusNotFound, ErrCodeNotFound)

	req := httptest.NewRequest(http.MethodPost, "/users/1/batches", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	wantError(t, w, http.StatusBadRequest, ErrCodeBadRequest)
}

func TestFailService_UnknownErrorIs500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { failService(c, errors.New("disk on fire")) })
	w := do(t, r, http.MethodGet, "/x", nil)
	wantError(t, w, http.StatusInternalServerError, ErrCodeInternal)
	if bytes.Contains(w.Body.Bytes(), []byte("disk on fire")) {
		t.Fatalf("internal error text leaked: %s", w.Body.String())
	}
}
