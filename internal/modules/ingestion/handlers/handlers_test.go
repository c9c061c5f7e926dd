package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/flexledger/internal/domain"
	"github.com/aristath/flexledger/internal/modules/ingestion"
)

type fakeTrigger struct {
	run     *ingestion.RunRecord
	err     error
	runType string
}

func (f *fakeTrigger) TriggerIngestion(_ context.Context, runType string) (*ingestion.RunRecord, error) {
	f.runType = runType
	return f.run, f.err
}

type fakeReprocess struct {
	runs        []*ingestion.RunRecord
	err         error
	periodKey   string
	flexQueryID string
}

func (f *fakeReprocess) Reprocess(_ context.Context, periodKey, flexQueryID string) ([]*ingestion.RunRecord, error) {
	f.periodKey = periodKey
	f.flexQueryID = flexQueryID
	return f.runs, f.err
}

type fakeRunReader struct {
	run  *ingestion.RunRecord
	runs []ingestion.RunRecord
	err  error
}

func (f *fakeRunReader) GetByID(_ context.Context, _ string) (*ingestion.RunRecord, error) {
	return f.run, f.err
}

func (f *fakeRunReader) List(_ context.Context, _, _ int) ([]ingestion.RunRecord, error) {
	return f.runs, f.err
}

func setupRouter(trigger IngestionTrigger, reprocess ReprocessTrigger, runs RunReader) *chi.Mux {
	handler := NewHandler(trigger, reprocess, runs, zerolog.Nop())
	router := chi.NewRouter()
	router.Route("/api", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})
	return router
}

func TestHandleTriggerSuccess(t *testing.T) {
	trigger := &fakeTrigger{run: &ingestion.RunRecord{IngestionRunID: "run-1", Status: "success"}}
	router := setupRouter(trigger, &fakeReprocess{}, &fakeRunReader{})

	req := httptest.NewRequest(http.MethodPost, "/api/ingestion/trigger", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(domain.RunTypeManual), trigger.runType, "empty run_type defaults to manual")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "run-1", data["ingestion_run_id"])
}

func TestHandleTriggerConflict(t *testing.T) {
	trigger := &fakeTrigger{err: ingestion.ErrRunAlreadyActive}
	router := setupRouter(trigger, &fakeReprocess{}, &fakeRunReader{})

	req := httptest.NewRequest(http.MethodPost, "/api/ingestion/trigger", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.ErrCodeRunAlreadyActive, body["error_code"])
}

func TestHandleTriggerFailedRunStillReturnsRow(t *testing.T) {
	failed := &ingestion.RunRecord{IngestionRunID: "run-2", Status: "failed"}
	trigger := &fakeTrigger{run: failed, err: assertionError("statement rejected")}
	router := setupRouter(trigger, &fakeReprocess{}, &fakeRunReader{})

	req := httptest.NewRequest(http.MethodPost, "/api/ingestion/trigger",
		strings.NewReader(`{"run_type":"scheduled"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scheduled", trigger.runType)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "failed", data["status"])
}

func TestHandleTriggerRejectsUnknownRunType(t *testing.T) {
	router := setupRouter(&fakeTrigger{}, &fakeReprocess{}, &fakeRunReader{})

	req := httptest.NewRequest(http.MethodPost, "/api/ingestion/trigger",
		strings.NewReader(`{"run_type":"bogus"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReprocessScoped(t *testing.T) {
	reprocess := &fakeReprocess{runs: []*ingestion.RunRecord{{IngestionRunID: "run-3"}}}
	router := setupRouter(&fakeTrigger{}, reprocess, &fakeRunReader{})

	req := httptest.NewRequest(http.MethodPost, "/api/ingestion/reprocess",
		strings.NewReader(`{"period_key":"2026-02-12","flex_query_id":"q1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-02-12", reprocess.periodKey)
	assert.Equal(t, "q1", reprocess.flexQueryID)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["run_count"])
}

func TestHandleReprocessConflict(t *testing.T) {
	reprocess := &fakeReprocess{err: ingestion.ErrRunAlreadyActive}
	router := setupRouter(&fakeTrigger{}, reprocess, &fakeRunReader{})

	req := httptest.NewRequest(http.MethodPost, "/api/ingestion/reprocess", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleListRuns(t *testing.T) {
	reader := &fakeRunReader{runs: []ingestion.RunRecord{
		{IngestionRunID: "run-1"},
		{IngestionRunID: "run-2"},
	}}
	router := setupRouter(&fakeTrigger{}, &fakeReprocess{}, reader)

	req := httptest.NewRequest(http.MethodGet, "/api/ingestion/runs?limit=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["count"])
}

func TestHandleListRunsRejectsBadLimit(t *testing.T) {
	router := setupRouter(&fakeTrigger{}, &fakeReprocess{}, &fakeRunReader{})

	req := httptest.NewRequest(http.MethodGet, "/api/ingestion/runs?limit=0", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetRunNotFound(t *testing.T) {
	router := setupRouter(&fakeTrigger{}, &fakeReprocess{}, &fakeRunReader{})

	req := httptest.NewRequest(http.MethodGet, "/api/ingestion/runs/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetRunFound(t *testing.T) {
	reader := &fakeRunReader{run: &ingestion.RunRecord{IngestionRunID: "run-9"}}
	router := setupRouter(&fakeTrigger{}, &fakeReprocess{}, reader)

	req := httptest.NewRequest(http.MethodGet, "/api/ingestion/runs/run-9", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

// assertionError is a plain error for exercising failure paths
type assertionError string

func (e assertionError) Error() string { return string(e) }
