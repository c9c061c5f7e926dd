package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/flexledger/internal/modules/ledger"
)

type fakeSnapshotReader struct {
	rows   []ledger.SnapshotRow
	err    error
	filter ledger.SnapshotFilter
}

func (f *fakeSnapshotReader) ListSnapshots(_ context.Context, _ string, filter ledger.SnapshotFilter) ([]ledger.SnapshotRow, error) {
	f.filter = filter
	return f.rows, f.err
}

func setupRouter(reader SnapshotReader) *chi.Mux {
	handler := NewHandler(reader, "U1234567", zerolog.Nop())
	router := chi.NewRouter()
	router.Route("/api", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})
	return router
}

func TestHandleListDefaults(t *testing.T) {
	reader := &fakeSnapshotReader{rows: []ledger.SnapshotRow{
		{
			PnlSnapshotDailyID: "s1",
			AccountID:          "U1234567",
			ReportDateLocal:    time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC),
			InstrumentID:       "inst-1",
			PositionQty:        decimal.NewFromInt(60),
			RealizedPnl:        decimal.RequireFromString("197.25"),
			UnrealizedPnl:      decimal.RequireFromString("119.40"),
			TotalPnl:           decimal.RequireFromString("316.65"),
			Currency:           "USD",
		},
	}}
	router := setupRouter(reader)

	req := httptest.NewRequest(http.MethodGet, "/api/snapshots", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, reader.filter.Limit)
	assert.Equal(t, "report_date_local", reader.filter.SortBy)
	assert.Equal(t, "desc", reader.filter.SortDir)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])
}

func TestHandleListAppliesFilters(t *testing.T) {
	reader := &fakeSnapshotReader{}
	router := setupRouter(reader)

	req := httptest.NewRequest(http.MethodGet,
		"/api/snapshots?limit=10&offset=20&sort_by=total_pnl&sort_dir=asc&report_date_from=2026-02-01&report_date_to=2026-02-28", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, reader.filter.Limit)
	assert.Equal(t, 20, reader.filter.Offset)
	assert.Equal(t, "total_pnl", reader.filter.SortBy)
	assert.Equal(t, "asc", reader.filter.SortDir)
	require.NotNil(t, reader.filter.ReportDateFrom)
	assert.Equal(t, "2026-02-01", *reader.filter.ReportDateFrom)
	require.NotNil(t, reader.filter.ReportDateTo)
	assert.Equal(t, "2026-02-28", *reader.filter.ReportDateTo)
}

func TestHandleListRejectsBadLimit(t *testing.T) {
	router := setupRouter(&fakeSnapshotReader{})

	req := httptest.NewRequest(http.MethodGet, "/api/snapshots?limit=9999", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListRejectsBadDate(t *testing.T) {
	router := setupRouter(&fakeSnapshotReader{})

	req := httptest.NewRequest(http.MethodGet, "/api/snapshots?report_date_from=12-02-2026", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
