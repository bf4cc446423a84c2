package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/giraone/jobpipe"
	"github.com/giraone/jobpipe/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stopperMap map[string]jobpipe.ProcessingStopper

func (m stopperMap) Stopper(stage string) (jobpipe.ProcessingStopper, bool) {
	s, ok := m[stage]
	return s, ok
}

type mockControl struct {
	mock.Mock
}

func (m *mockControl) ChangeStateToPaused(name string, paused bool) (bool, error) {
	args := m.Called(name, paused)
	return args.Bool(0), args.Error(1)
}

func (m *mockControl) State(name string) (jobpipe.BindingState, error) {
	args := m.Called(name)
	return args.Get(0).(jobpipe.BindingState), args.Error(1)
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestErrorStatusAndReset(t *testing.T) {
	stopper := jobpipe.NewDefaultProcessingStopper()
	stopper.AddSuccessAndCheckResume()
	stopper.AddErrorAndCheckStop()
	stopper.AddErrorAndCheckStop()
	router := NewRouter(nil, WithStoppers(stopperMap{"processSchedule": stopper}))

	rec := get(t, router, "/admin-api/error-status/processSchedule")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success_total":1,"error_total":2}`, rec.Body.String())

	rec = get(t, router, "/admin-api/reset-status/processSchedule")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success_total":0,"error_total":0}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, router, "/admin-api/error-status/processNope").Code)
	assert.Equal(t, http.StatusNotFound, get(t, router, "/admin-api/reset-status/processNope").Code)
}

func TestProcessorControl(t *testing.T) {
	control := new(mockControl)
	control.On("ChangeStateToPaused", "processResumeB01", true).Return(true, nil)
	control.On("ChangeStateToPaused", "processResumeB01", false).Return(false, nil)
	control.On("State", "processResumeB01").Return(jobpipe.BindingState{Running: true, Paused: false}, nil)
	control.On("State", "processNope").Return(jobpipe.BindingState{}, fmt.Errorf("%w: processNope", jobpipe.ErrUnknownBinding))
	control.On("ChangeStateToPaused", "processAgentA01", true).Return(false, errors.New("broker gone"))
	router := NewRouter(nil, WithBindingControl(control))

	rec := get(t, router, "/admin-api/processors/processResumeB01/pause")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"paused":true}`, rec.Body.String())

	rec = get(t, router, "/admin-api/processors/processResumeB01/resume")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"paused":false}`, rec.Body.String())

	rec = get(t, router, "/admin-api/processors/processResumeB01/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":true,"paused":false}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, router, "/admin-api/processors/processNope/status").Code)
	assert.Equal(t, http.StatusInternalServerError, get(t, router, "/admin-api/processors/processAgentA01/pause").Code)

	control.AssertExpectations(t)
}

func TestStateRecords(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	record := storage.JobRecord{
		ID:                        "job-1",
		JobAcceptedTimestamp:      now,
		LastEventTimestamp:        now.Add(time.Second),
		LastRecordUpdateTimestamp: now.Add(2 * time.Second),
		Status:                    "COMPLETED",
		ProcessID:                 "V001",
	}

	store := new(storage.MockStore)
	store.On("FindAll", mock.Anything, 1000, 0).Return([]storage.JobRecord{record}, nil)
	store.On("FindAll", mock.Anything, 10, 20).Return([]storage.JobRecord(nil), nil)
	store.On("FindByID", mock.Anything, "job-1").Return(&record, nil)
	store.On("FindByID", mock.Anything, "job-2").Return(nil, storage.ErrNotFound)
	store.On("CountAll", mock.Anything).Return(int64(42), nil)
	router := NewRouter(nil, WithStateRecords(jobpipe.NewStateRecordService(store, nil, nil, nil)))

	rec := get(t, router, "/api/state-records")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]storage.JobRecord](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "job-1", list[0].ID)
	assert.True(t, now.Equal(list[0].JobAcceptedTimestamp))

	rec = get(t, router, "/api/state-records?page=2&size=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, get(t, router, "/api/state-records?size=0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, router, "/api/state-records?page=x").Code)

	rec = get(t, router, "/api/state-records/job-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", decodeBody[storage.JobRecord](t, rec).Status)

	assert.Equal(t, http.StatusNotFound, get(t, router, "/api/state-records/job-2").Code)

	rec = get(t, router, "/api/state-records-count")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())

	store.AssertExpectations(t)
}

func TestStateRecords_StoreError(t *testing.T) {
	store := new(storage.MockStore)
	store.On("CountAll", mock.Anything).Return(int64(0), errors.New("db down"))
	router := NewRouter(nil, WithStateRecords(jobpipe.NewStateRecordService(store, nil, nil, nil)))

	rec := get(t, router, "/api/state-records-count")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobpipe.NewPrometheusMetricsCollector(reg, "jobpipe")
	metrics.IncrementCounter("stage.success", map[string]string{"stage": "processNotify"})

	healthy := true
	router := NewRouter(nil,
		WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		WithHealthCheck(func(context.Context) error {
			if !healthy {
				return errors.New("db down")
			}
			return nil
		}),
	)

	rec := get(t, router, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get(t, router, "/health").Code)

	rec = get(t, router, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `jobpipe_stage_success_total{stage="processNotify"} 1`)
}

func TestRoutesOnlyForConfiguredParts(t *testing.T) {
	router := NewRouter(nil)

	assert.Equal(t, http.StatusOK, get(t, router, "/health").Code)
	assert.Equal(t, http.StatusNotFound, get(t, router, "/metrics").Code)
	assert.Equal(t, http.StatusNotFound, get(t, router, "/admin-api/error-status/processSchedule").Code)
	assert.Equal(t, http.StatusNotFound, get(t, router, "/api/state-records-count").Code)
}
