// Package handlers provides HTTP handlers for ingestion run operations.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/flexledger/internal/domain"
	"github.com/aristath/flexledger/internal/modules/ingestion"
)

// IngestionTrigger starts one synchronous ingestion run
type IngestionTrigger interface {
	TriggerIngestion(ctx context.Context, runType string) (*ingestion.RunRecord, error)
}

// ReprocessTrigger replays canonical mapping and snapshots from raw rows
type ReprocessTrigger interface {
	Reprocess(ctx context.Context, periodKey, flexQueryID string) ([]*ingestion.RunRecord, error)
}

// RunReader reads persisted ingestion runs
type RunReader interface {
	GetByID(ctx context.Context, ingestionRunID string) (*ingestion.RunRecord, error)
	List(ctx context.Context, limit, offset int) ([]ingestion.RunRecord, error)
}

const (
	defaultRunListLimit = 50
	maxRunListLimit     = 500
)

// Handler handles ingestion HTTP requests
type Handler struct {
	trigger   IngestionTrigger
	reprocess ReprocessTrigger
	runs      RunReader
	log       zerolog.Logger
}

// NewHandler creates a new ingestion handler
func NewHandler(trigger IngestionTrigger, reprocess ReprocessTrigger, runs RunReader, log zerolog.Logger) *Handler {
	return &Handler{
		trigger:   trigger,
		reprocess: reprocess,
		runs:      runs,
		log:       log.With().Str("handler", "ingestion").Logger(),
	}
}

// HandleTrigger handles POST /api/ingestion/trigger. The run executes
// synchronously; a failed run still returns its finalized row so the caller
// sees the error code and timeline.
func (h *Handler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RunType string `json:"run_type"`
	}
	if r.Body != nil {
		// empty body means a manual trigger
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	runType := body.RunType
	if runType == "" {
		runType = string(domain.RunTypeManual)
	}
	if !domain.RunType(runType).Valid() {
		h.writeError(w, http.StatusBadRequest, "", "invalid run_type")
		return
	}

	run, err := h.trigger.TriggerIngestion(r.Context(), runType)
	if errors.Is(err, ingestion.ErrRunAlreadyActive) {
		h.writeError(w, http.StatusConflict, domain.ErrCodeRunAlreadyActive,
			"another run is already active for this account")
		return
	}
	if err != nil && run == nil {
		h.log.Error().Err(err).Msg("Ingestion trigger failed before a run was created")
		h.writeError(w, http.StatusInternalServerError, "", "failed to start ingestion run")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": run,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// HandleReprocess handles POST /api/ingestion/reprocess. An empty body
// replays every known period.
func (h *Handler) HandleReprocess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PeriodKey   string `json:"period_key"`
		FlexQueryID string `json:"flex_query_id"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	runs, err := h.reprocess.Reprocess(r.Context(), body.PeriodKey, body.FlexQueryID)
	if errors.Is(err, ingestion.ErrRunAlreadyActive) {
		h.writeError(w, http.StatusConflict, domain.ErrCodeRunAlreadyActive,
			"another run is already active for this account")
		return
	}
	if err != nil && len(runs) == 0 {
		h.log.Error().Err(err).Msg("Reprocess failed before any run was created")
		h.writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"runs":      runs,
			"run_count": len(runs),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// HandleListRuns handles GET /api/ingestion/runs
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultRunListLimit)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > maxRunListLimit {
		h.writeError(w, http.StatusBadRequest, "", "limit must be between 1 and 500")
		return
	}
	if offset < 0 {
		h.writeError(w, http.StatusBadRequest, "", "offset must be >= 0")
		return
	}

	runs, err := h.runs.List(r.Context(), limit, offset)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list ingestion runs")
		h.writeError(w, http.StatusInternalServerError, "", "failed to list runs")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"runs":  runs,
			"count": len(runs),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// HandleGetRun handles GET /api/ingestion/runs/{id}
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	run, err := h.runs.GetByID(r.Context(), runID)
	if err != nil {
		h.log.Error().Err(err).Str("ingestion_run_id", runID).Msg("Failed to fetch ingestion run")
		h.writeError(w, http.StatusInternalServerError, "", "failed to fetch run")
		return
	}
	if run == nil {
		h.writeError(w, http.StatusNotFound, "", "run not found")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": run,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return value
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a structured error response
func (h *Handler) writeError(w http.ResponseWriter, status int, errorCode, message string) {
	body := map[string]interface{}{
		"error": message,
	}
	if errorCode != "" {
		body["error_code"] = errorCode
	}
	h.writeJSON(w, status, body)
}
