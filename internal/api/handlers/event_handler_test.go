package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/analytics/services/ingest/config"
	"example.com/analytics/services/ingest/internal/metrics"
	"example.com/analytics/services/ingest/internal/models"
	"example.com/analytics/services/ingest/internal/queue"
	"example.com/analytics/services/ingest/internal/services"
	"example.com/analytics/services/ingest/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockEventQueue struct {
	mock.Mock
}

func (m *MockEventQueue) Submit(ctx context.Context, payload interface{}) (*queue.Job, error) {
	args := m.Called(ctx, payload)
	if job := args.Get(0); job != nil {
		return job.(*queue.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) Create(ctx context.Context, event *models.StoredEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventStore) CountEvents(ctx context.Context, siteID string, from, to time.Time) (int64, error) {
	args := m.Called(ctx, siteID, from, to)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEventStore) CountUniqueUsers(ctx context.Context, siteID string, from, to time.Time) (int64, error) {
	args := m.Called(ctx, siteID, from, to)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEventStore) TopPaths(ctx context.Context, siteID string, from, to time.Time, limit int) ([]models.PathCount, error) {
	args := m.Called(ctx, siteID, from, to, limit)
	if paths := args.Get(0); paths != nil {
		return paths.([]models.PathCount), args.Error(1)
	}
	return nil, args.Error(1)
}

func setupTestRouter(t *testing.T) (*gin.Engine, *MockEventQueue, *MockEventStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockQueue := new(MockEventQueue)
	mockStore := new(MockEventStore)
	service := services.NewIngestService(
		mockQueue,
		mockStore,
		nil,
		nil,
		metrics.NewMetrics(),
		&tracing.NewRelicTracer{},
		config.StatsConfig{TopPathsLimit: 10, CacheTTL: time.Minute},
	)

	router := gin.New()
	handler := NewEventHandler(service, &tracing.NewRelicTracer{})
	handler.RegisterRoutes(router)
	return router, mockQueue, mockStore
}

func postEvent(router *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/event", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestHandleIngestEventAcceptsValidEvent(t *testing.T) {
	router, mockQueue, _ := setupTestRouter(t)

	mockQueue.On("Submit", mock.Anything, mock.AnythingOfType("models.EventPayload")).
		Return(&queue.Job{ID: "job-1", State: queue.StateWaiting}, nil)

	w := postEvent(router, `{
		"site_id": "abc",
		"event_type": "page_view",
		"path": "/home",
		"user_id": "user-1",
		"timestamp": "2024-01-15T10:30:00Z"
	}`)

	require.Equal(t, http.StatusAccepted, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Equal(t, true, response["success"])
	require.Equal(t, "Event queued for processing", response["message"])
	require.Equal(t, "job-1", response["job_id"])
	mockQueue.AssertExpectations(t)
}

func TestHandleIngestEventStampsMissingTimestamp(t *testing.T) {
	router, mockQueue, _ := setupTestRouter(t)

	var submitted models.EventPayload
	mockQueue.On("Submit", mock.Anything, mock.AnythingOfType("models.EventPayload")).
		Run(func(args mock.Arguments) {
			submitted = args.Get(1).(models.EventPayload)
		}).
		Return(&queue.Job{ID: "job-2"}, nil)

	w := postEvent(router, `{"site_id": "abc", "event_type": "click"}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotEmpty(t, submitted.Timestamp)
	_, err := time.Parse(time.RFC3339, submitted.Timestamp)
	require.NoError(t, err)
}

func TestHandleIngestEventRejectsInvalidPayload(t *testing.T) {
	router, mockQueue, _ := setupTestRouter(t)

	w := postEvent(router, `{"event_type": "page_view"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Equal(t, false, response["success"])
	errs := response["errors"].([]interface{})
	require.Contains(t, errs, "site_id is required and must be a string")
	mockQueue.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestHandleIngestEventReportsAllValidationErrors(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := postEvent(router, `{"path": 1, "timestamp": "nope"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	errs := response["errors"].([]interface{})
	require.Len(t, errs, 4)
}

func TestHandleIngestEventRejectsNonObjectBody(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := postEvent(router, `"just a string"`)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleIngestEventReportsQueueFailure(t *testing.T) {
	router, mockQueue, _ := setupTestRouter(t)

	mockQueue.On("Submit", mock.Anything, mock.Anything).
		Return(nil, errors.New("redis down"))

	w := postEvent(router, `{"site_id": "abc", "event_type": "page_view"}`)

	require.Equal(t, http.StatusInternalServerError, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Equal(t, false, response["success"])
	require.Equal(t, "Failed to queue event", response["error"])
}

func TestHandleGetStatsReturnsAggregates(t *testing.T) {
	router, _, mockStore := setupTestRouter(t)

	mockStore.On("CountEvents", mock.Anything, "abc", mock.Anything, mock.Anything).
		Return(int64(3), nil)
	mockStore.On("CountUniqueUsers", mock.Anything, "abc", mock.Anything, mock.Anything).
		Return(int64(2), nil)
	mockStore.On("TopPaths", mock.Anything, "abc", mock.Anything, mock.Anything, 10).
		Return([]models.PathCount{
			{Path: "/home", Views: 2},
			{Path: "/about", Views: 1},
		}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/stats?site_id=abc&date=2024-01-15", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Equal(t, true, response["success"])
	require.Equal(t, "abc", response["site_id"])
	require.Equal(t, "2024-01-15", response["date"])

	stats := response["stats"].(map[string]interface{})
	require.Equal(t, float64(3), stats["total_views"])
	require.Equal(t, float64(2), stats["unique_users"])
	topPaths := stats["top_paths"].([]interface{})
	require.Len(t, topPaths, 2)
	first := topPaths[0].(map[string]interface{})
	require.Equal(t, "/home", first["path"])
	require.Equal(t, float64(2), first["views"])
}

func TestHandleGetStatsRequiresSiteID(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/stats?date=2024-01-15", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetStatsRequiresDate(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/stats?site_id=abc", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetStatsRejectsMalformedDate(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/stats?site_id=abc&date=15-01-2024", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Equal(t, "Invalid date format. Use YYYY-MM-DD", response["error"])
}

func TestHandleGetStatsReportsStoreFailure(t *testing.T) {
	router, _, mockStore := setupTestRouter(t)

	mockStore.On("CountEvents", mock.Anything, "abc", mock.Anything, mock.Anything).
		Return(int64(0), errors.New("database down"))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/stats?site_id=abc&date=2024-01-15", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleSearchEventsRequiresParams(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/events/search?site_id=abc", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}
