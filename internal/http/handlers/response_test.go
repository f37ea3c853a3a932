package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestFail_ServerErrorLogsCause(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-500")
		c.Set("logger", &logger)
		c.Next()
	})
	r.POST("/batches/1/commit", func(c *gin.Context) {
		_ = c.Error(errors.New("database is locked"))
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/batches/1/commit", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.RequestID != "rid-500" || resp.Code != ErrCodeInternal {
		t.Fatalf("unexpected body: %+v", resp)
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, "database is locked") {
		t.Fatalf("expected error log with cause, got: %s", out)
	}
}

func TestFail_ClientErrorIsQuiet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r.Use(func(c *gin.Context) {
		c.Set("logger", &logger)
		c.Next()
	})
	r.GET("/batches/9", func(c *gin.Context) {
		Fail(c, http.StatusNotFound, ErrCodeNotFound, "batch not found")
	})
	r.GET("/after", func(c *gin.Context) {
		ok(c, http.StatusCreated, gin.H{"id": 1})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/batches/9", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
	if buf.Len() != 0 {
		t.Fatalf("4xx should not log, got: %s", buf.String())
	}
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil || er.Code != ErrCodeNotFound || er.RequestID != "" {
		t.Fatalf("unexpected body: %+v (%v)", er, err)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/after", nil))
	if w.Code != http.StatusCreated || !strings.Contains(w.Body.String(), `"id":1`) {
		t.Fatalf("ok helper: %d %s", w.Code, w.Body.String())
	}
}

func TestClampPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query          string
		page, pageSize int
	}{
		{"", 1, 20},
		{"page=3&page_size=50", 3, 50},
		{"page=0&page_size=0", 1, 1},
		{"page=-2&page_size=1000", 1, 100},
		{"page=x&page_size=y", 1, 20},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/outbox/failures?"+tc.query, nil)
		page, size := clampPagination(c)
		if page != tc.page || size != tc.pageSize {
			t.Fatalf("%q: got %d/%d want %d/%d", tc.query, page, size, tc.page, tc.pageSize)
		}
	}
}

func TestNewPagination(t *testing.T) {
	p := newPagination(2, 10, 25)
	if p.TotalPages != 3 || !p.HasNext || p.Total != 25 {
		t.Fatalf("unexpected pagination: %+v", p)
	}
	if p := newPagination(3, 10, 25); p.HasNext {
		t.Fatalf("last page must not have next: %+v", p)
	}
	if p := newPagination(1, 20, 0); p.TotalPages != 0 || p.HasNext {
		t.Fatalf("empty pagination: %+v", p)
	}
}
