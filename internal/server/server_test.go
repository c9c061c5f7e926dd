package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	ingestionhandlers "github.com/aristath/flexledger/internal/modules/ingestion/handlers"
	snapshothandlers "github.com/aristath/flexledger/internal/modules/snapshots/handlers"
)

func newTestServer() *Server {
	return New(Config{
		Log:               zerolog.Nop(),
		Port:              0,
		CORSOrigins:       "*",
		IngestionHandlers: ingestionhandlers.NewHandler(nil, nil, nil, zerolog.Nop()),
		SnapshotHandlers:  snapshothandlers.NewHandler(nil, "U1234567", zerolog.Nop()),
	})
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAPIRoutesMounted(t *testing.T) {
	srv := newTestServer()

	// An unknown API path 404s while a registered one routes to its handler.
	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSplitOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, splitOrigins(""))
	assert.Equal(t, []string{"*"}, splitOrigins(" , "))
	assert.Equal(t,
		[]string{"https://a.example", "https://b.example"},
		splitOrigins("https://a.example, https://b.example"))
}
