package adminapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/core/model"
)

type fakeStore struct {
	byThread map[string]*model.SessionRecord
}

func (f *fakeStore) Upsert(ctx context.Context, r *model.SessionRecord) error { return nil }
func (f *fakeStore) GetByThread(ctx context.Context, threadID string) (*model.SessionRecord, error) {
	return f.byThread[threadID], nil
}
func (f *fakeStore) HasTracked(ctx context.Context, threadID string) (bool, error) { return false, nil }
func (f *fakeStore) GetActive(ctx context.Context, threadID string) (*model.SessionRecord, error) {
	return nil, nil
}
func (f *fakeStore) MarkActivity(ctx context.Context, threadID string) error  { return nil }
func (f *fakeStore) MarkHealthOk(ctx context.Context, threadID string) error  { return nil }
func (f *fakeStore) UpdateStatus(ctx context.Context, threadID string, status model.Status, lastError *string) error {
	return nil
}
func (f *fakeStore) IncrementResumeFailure(ctx context.Context, threadID string, lastError string) error {
	return nil
}
func (f *fakeStore) ListActive(ctx context.Context) ([]*model.SessionRecord, error) {
	var out []*model.SessionRecord
	for _, r := range f.byThread {
		if r.IsActive() {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeStore) ListTracked(ctx context.Context) ([]*model.SessionRecord, error) {
	out := make([]*model.SessionRecord, 0, len(f.byThread))
	for _, r := range f.byThread {
		out = append(out, r)
	}
	return out, nil
}
func (f *fakeStore) ListStaleActive(ctx context.Context, olderThanMinutes int) ([]*model.SessionRecord, error) {
	return nil, nil
}
func (f *fakeStore) ListExpiredPaused(ctx context.Context, olderThanMinutes int) ([]*model.SessionRecord, error) {
	return nil, nil
}

type fakeEntity struct {
	recreateCalled bool
	pauseReason    string
	pauseErr       error
}

func (f *fakeEntity) Recreate(ctx context.Context, key, threadID string) error {
	f.recreateCalled = true
	return nil
}

func (f *fakeEntity) Pause(ctx context.Context, key, threadID, reason string) (*model.SessionRecord, error) {
	if f.pauseErr != nil {
		return nil, f.pauseErr
	}
	f.pauseReason = reason
	return &model.SessionRecord{ThreadID: threadID, Status: model.StatusPaused}, nil
}

func (f *fakeEntity) Logs(ctx context.Context, key, threadID string, lines int) (string, string, error) {
	return "sandbox-1", "log output", nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

func newTestRouter(store *fakeStore, entity *fakeEntity, t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(store, entity, testLogger(t))
	r.GET("/health", h.HealthCheck)
	api := r.Group("/api/v1")
	SetupRoutes(api, h)
	return r
}

func TestHealthCheck(t *testing.T) {
	r := newTestRouter(&fakeStore{byThread: map[string]*model.SessionRecord{}}, &fakeEntity{}, t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestGetStatusNotFound(t *testing.T) {
	r := newTestRouter(&fakeStore{byThread: map[string]*model.SessionRecord{}}, &fakeEntity{}, t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/threads/abc/status", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestGetStatusFound(t *testing.T) {
	store := &fakeStore{byThread: map[string]*model.SessionRecord{
		"abc": {ThreadID: "abc", Status: model.StatusActive, UpdatedAt: time.Now()},
	}}
	r := newTestRouter(store, &fakeEntity{}, t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/threads/abc/status", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestRecreate(t *testing.T) {
	entity := &fakeEntity{}
	r := newTestRouter(&fakeStore{byThread: map[string]*model.SessionRecord{}}, entity, t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/threads/abc/recreate", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if !entity.recreateCalled {
		t.Fatalf("expected Recreate to be called")
	}
}

func TestPauseDefaultsReason(t *testing.T) {
	entity := &fakeEntity{}
	r := newTestRouter(&fakeStore{byThread: map[string]*model.SessionRecord{}}, entity, t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/threads/abc/pause", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d body %s", rec.Code, rec.Body.String())
	}
	if entity.pauseReason != "manual-admin-pause" {
		t.Fatalf("got reason %q", entity.pauseReason)
	}
}

func TestPauseFailure(t *testing.T) {
	entity := &fakeEntity{pauseErr: errors.New("boom")}
	r := newTestRouter(&fakeStore{byThread: map[string]*model.SessionRecord{}}, entity, t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/threads/abc/pause", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestStreamLogs(t *testing.T) {
	entity := &fakeEntity{}
	router := newTestRouter(&fakeStore{byThread: map[string]*model.SessionRecord{}}, entity, t)
	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/threads/abc/logs/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(logStreamInterval + 5*time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if !strings.Contains(string(msg), "log output") {
		t.Fatalf("got message %q", string(msg))
	}
}
