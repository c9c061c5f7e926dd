// Package handlers provides HTTP handlers for daily P&L snapshot reads.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/flexledger/internal/modules/ledger"
)

// SnapshotReader reads persisted daily snapshots
type SnapshotReader interface {
	ListSnapshots(ctx context.Context, accountID string, filter ledger.SnapshotFilter) ([]ledger.SnapshotRow, error)
}

const (
	defaultSnapshotLimit = 100
	maxSnapshotLimit     = 1000
)

// Handler handles snapshot HTTP requests
type Handler struct {
	snapshots SnapshotReader
	accountID string
	log       zerolog.Logger
}

// NewHandler creates a new snapshot handler
func NewHandler(snapshots SnapshotReader, accountID string, log zerolog.Logger) *Handler {
	return &Handler{
		snapshots: snapshots,
		accountID: accountID,
		log:       log.With().Str("handler", "snapshots").Logger(),
	}
}

// HandleList handles GET /api/snapshots
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := ledger.SnapshotFilter{
		Limit:   defaultSnapshotLimit,
		Offset:  0,
		SortBy:  "report_date_local",
		SortDir: "desc",
	}
	if raw := query.Get("limit"); raw != "" {
		limit, ok := parsePositiveInt(raw)
		if !ok || limit > maxSnapshotLimit {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, ok := parseNonNegativeInt(raw)
		if !ok {
			http.Error(w, "offset must be >= 0", http.StatusBadRequest)
			return
		}
		filter.Offset = offset
	}
	if raw := query.Get("sort_by"); raw != "" {
		filter.SortBy = raw
	}
	if raw := query.Get("sort_dir"); raw != "" {
		filter.SortDir = raw
	}
	if raw := query.Get("report_date_from"); raw != "" {
		date, ok := parseDateParam(raw)
		if !ok {
			http.Error(w, "report_date_from must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.ReportDateFrom = &date
	}
	if raw := query.Get("report_date_to"); raw != "" {
		date, ok := parseDateParam(raw)
		if !ok {
			http.Error(w, "report_date_to must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.ReportDateTo = &date
	}

	rows, err := h.snapshots.ListSnapshots(r.Context(), h.accountID, filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list snapshots")
		http.Error(w, "failed to list snapshots", http.StatusBadRequest)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"snapshots": rows,
			"count":     len(rows),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func parsePositiveInt(raw string) (int, bool) {
	value, err := strconv.Atoi(raw)
	return value, err == nil && value >= 1
}

func parseNonNegativeInt(raw string) (int, bool) {
	value, err := strconv.Atoi(raw)
	return value, err == nil && value >= 0
}

func parseDateParam(raw string) (string, bool) {
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return "", false
	}
	return parsed.Format("2006-01-02"), true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
