package ingestion

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/aristath/flexledger/internal/database"
	"github.com/aristath/flexledger/internal/domain"
)

// ErrRunAlreadyActive signals the single-active-run lock rejected a trigger.
// No run row is created on rejection.
var ErrRunAlreadyActive = errors.New("run already active")

// RunRecord is one persisted ingestion run row
type RunRecord struct {
	IngestionRunID  string          `db:"ingestion_run_id" json:"ingestion_run_id"`
	AccountID       string          `db:"account_id" json:"account_id"`
	RunType         string          `db:"run_type" json:"run_type"`
	Status          string          `db:"status" json:"status"`
	PeriodKey       string          `db:"period_key" json:"period_key"`
	FlexQueryID     string          `db:"flex_query_id" json:"flex_query_id"`
	ReportDateLocal *time.Time      `db:"report_date_local" json:"report_date_local,omitempty"`
	StartedAtUTC    time.Time       `db:"started_at_utc" json:"started_at_utc"`
	EndedAtUTC      *time.Time      `db:"ended_at_utc" json:"ended_at_utc,omitempty"`
	DurationMs      *int64          `db:"duration_ms" json:"duration_ms,omitempty"`
	ErrorCode       *string         `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage    *string         `db:"error_message" json:"error_message,omitempty"`
	Diagnostics     json.RawMessage `db:"diagnostics" json:"diagnostics,omitempty"`
	CreatedAtUTC    time.Time       `db:"created_at_utc" json:"created_at_utc"`
}

const runColumns = `ingestion_run_id, account_id, run_type, status, period_key, flex_query_id,
	report_date_local, started_at_utc, ended_at_utc, duration_ms,
	error_code, error_message, diagnostics, created_at_utc`

// RunRepository owns ingestion run lifecycle persistence including the
// single-active-run lock.
type RunRepository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRunRepository creates an ingestion run repository
func NewRunRepository(db *sqlx.DB, log zerolog.Logger) *RunRepository {
	return &RunRepository{
		db:  db,
		log: log.With().Str("repository", "ingestion_run").Logger(),
	}
}

// advisoryLockKeys derives two signed 32-bit keys from the account id. The
// derivation is frozen: changing it would let two deployments lock past each
// other.
func advisoryLockKeys(accountID string) (int32, int32) {
	digest := sha256.Sum256([]byte(accountID))
	key1 := int32(binary.BigEndian.Uint32(digest[0:4]))
	key2 := int32(binary.BigEndian.Uint32(digest[4:8]))
	return key1, key2
}

// CreateStarted creates a started run while enforcing a single active run per
// account. Lock acquisition, the started-row check and the insert happen in
// one transaction; ErrRunAlreadyActive is returned when any of them rejects.
func (r *RunRepository) CreateStarted(ctx context.Context, accountID, runType, periodKey, flexQueryID string, reportDateLocal *string) (*RunRecord, error) {
	if !domain.RunType(runType).Valid() {
		return nil, fmt.Errorf("invalid run type %q", runType)
	}

	key1, key2 := advisoryLockKeys(accountID)

	var record RunRecord
	err := database.WithTransaction(r.db, func(tx *sqlx.Tx) error {
		var lockAcquired bool
		if err := tx.GetContext(ctx, &lockAcquired,
			`SELECT pg_try_advisory_xact_lock($1, $2)`, key1, key2); err != nil {
			return fmt.Errorf("failed to acquire run lock: %w", err)
		}
		if !lockAcquired {
			return ErrRunAlreadyActive
		}

		var activeID string
		err := tx.GetContext(ctx, &activeID,
			`SELECT ingestion_run_id FROM ingestion_run
			 WHERE account_id = $1 AND status = 'started' LIMIT 1`, accountID)
		if err == nil {
			return ErrRunAlreadyActive
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check active runs: %w", err)
		}

		var runID string
		if err := tx.GetContext(ctx, &runID, `
			INSERT INTO ingestion_run (
				account_id, run_type, status, period_key, flex_query_id,
				report_date_local, started_at_utc
			) VALUES ($1, $2, 'started', $3, $4, $5::date, now())
			RETURNING ingestion_run_id`,
			accountID, runType, periodKey, flexQueryID, reportDateLocal); err != nil {
			return fmt.Errorf("failed to insert ingestion run: %w", err)
		}

		return tx.GetContext(ctx, &record,
			`SELECT `+runColumns+` FROM ingestion_run WHERE ingestion_run_id = $1`, runID)
	})
	if err != nil {
		if errors.Is(err, ErrRunAlreadyActive) {
			return nil, ErrRunAlreadyActive
		}
		return nil, err
	}
	return &record, nil
}

// Finalize moves one run to a terminal status with its diagnostics timeline.
// Duration is computed server-side against started_at_utc.
func (r *RunRepository) Finalize(ctx context.Context, ingestionRunID, status string, errorCode, errorMessage *string, timeline []domain.StageEvent) (*RunRecord, error) {
	if status != string(domain.RunStatusSuccess) && status != string(domain.RunStatusFailed) {
		return nil, fmt.Errorf("invalid terminal status %q", status)
	}

	var diagnostics *string
	if timeline != nil {
		encoded, err := json.Marshal(timeline)
		if err != nil {
			return nil, fmt.Errorf("failed to encode diagnostics: %w", err)
		}
		s := string(encoded)
		diagnostics = &s
	}

	var record RunRecord
	err := r.db.GetContext(ctx, &record, `
		UPDATE ingestion_run SET
			status        = $2,
			ended_at_utc  = now(),
			duration_ms   = GREATEST(0, CAST(EXTRACT(EPOCH FROM (now() - started_at_utc)) * 1000 AS BIGINT)),
			error_code    = $3,
			error_message = $4,
			diagnostics   = CAST($5 AS jsonb)
		WHERE ingestion_run_id = $1
		RETURNING `+runColumns,
		ingestionRunID, status, errorCode, errorMessage, diagnostics)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ingestion run %s not found", ingestionRunID)
		}
		return nil, fmt.Errorf("failed to finalize ingestion run: %w", err)
	}
	return &record, nil
}

// GetByID fetches one run, or nil when it does not exist
func (r *RunRepository) GetByID(ctx context.Context, ingestionRunID string) (*RunRecord, error) {
	var record RunRecord
	err := r.db.GetContext(ctx, &record,
		`SELECT `+runColumns+` FROM ingestion_run WHERE ingestion_run_id = $1`, ingestionRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ingestion run: %w", err)
	}
	return &record, nil
}

// List returns runs newest-first
func (r *RunRepository) List(ctx context.Context, limit, offset int) ([]RunRecord, error) {
	if limit < 1 {
		return nil, fmt.Errorf("limit must be >= 1")
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must be >= 0")
	}

	var records []RunRecord
	err := r.db.SelectContext(ctx, &records,
		`SELECT `+runColumns+` FROM ingestion_run
		 ORDER BY started_at_utc DESC, ingestion_run_id DESC
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion runs: %w", err)
	}
	return records, nil
}

// ListPeriodIdentities returns the distinct (period_key, flex_query_id) pairs
// with persisted raw rows for one account. Full reprocess replays iterate
// this set.
func (r *RunRepository) ListPeriodIdentities(ctx context.Context, accountID string) ([]PeriodIdentity, error) {
	var identities []PeriodIdentity
	err := r.db.SelectContext(ctx, &identities,
		`SELECT DISTINCT period_key, flex_query_id FROM raw_record
		 WHERE account_id = $1
		 ORDER BY period_key ASC, flex_query_id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reprocess period identities: %w", err)
	}
	return identities, nil
}

// PeriodIdentity scopes one reprocess replay
type PeriodIdentity struct {
	PeriodKey   string `db:"period_key" json:"period_key"`
	FlexQueryID string `db:"flex_query_id" json:"flex_query_id"`
}
