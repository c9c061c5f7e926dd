package ingestion

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/aristath/flexledger/internal/database"
)

// ArtifactIdentity is the content-addressed raw artifact key
type ArtifactIdentity struct {
	AccountID       string
	PeriodKey       string
	FlexQueryID     string
	PayloadSHA256   string
	ReportDateLocal *string // YYYY-MM-DD
}

// ArtifactUpsertResult reports the persisted artifact and whether the payload
// was already known.
type ArtifactUpsertResult struct {
	RawArtifactID string
	Deduplicated  bool
}

// RowInsertResult reports raw row persistence counters
type RowInsertResult struct {
	Inserted     int
	Deduplicated int
}

// RawRepository owns immutable raw artifact and raw row persistence.
// It has no awareness of canonical semantics; it is the provenance floor.
type RawRepository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRawRepository creates a raw persistence repository
func NewRawRepository(db *sqlx.DB, log zerolog.Logger) *RawRepository {
	return &RawRepository{
		db:  db,
		log: log.With().Str("repository", "raw_persistence").Logger(),
	}
}

// PayloadSHA256 returns the hex digest used as artifact content address
func PayloadSHA256(payload []byte) string {
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}

// UpsertArtifact persists or reuses an immutable raw artifact by its identity
// key. Existing artifacts are never overwritten.
func (r *RawRepository) UpsertArtifact(ctx context.Context, ingestionRunID string, identity ArtifactIdentity, payload []byte) (*ArtifactUpsertResult, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload must not be empty")
	}

	var result ArtifactUpsertResult
	err := database.WithTransaction(r.db, func(tx *sqlx.Tx) error {
		var artifactID string
		err := tx.GetContext(ctx, &artifactID, `
			INSERT INTO raw_artifact (
				ingestion_run_id, account_id, period_key, flex_query_id,
				payload_sha256, report_date_local, source_payload
			) VALUES ($1, $2, $3, $4, $5, $6::date, $7)
			ON CONFLICT (account_id, period_key, flex_query_id, payload_sha256) DO NOTHING
			RETURNING raw_artifact_id`,
			ingestionRunID, identity.AccountID, identity.PeriodKey, identity.FlexQueryID,
			identity.PayloadSHA256, identity.ReportDateLocal, payload)
		if err == nil {
			result = ArtifactUpsertResult{RawArtifactID: artifactID, Deduplicated: false}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to insert raw artifact: %w", err)
		}

		err = tx.GetContext(ctx, &artifactID, `
			SELECT raw_artifact_id FROM raw_artifact
			WHERE account_id = $1 AND period_key = $2
			  AND flex_query_id = $3 AND payload_sha256 = $4`,
			identity.AccountID, identity.PeriodKey, identity.FlexQueryID, identity.PayloadSHA256)
		if err != nil {
			return fmt.Errorf("raw artifact conflict without existing row: %w", err)
		}
		result = ArtifactUpsertResult{RawArtifactID: artifactID, Deduplicated: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// InsertRows persists extracted raw rows for one artifact. Conflicts on
// (artifact, section, source_row_ref) dedupe silently; all rows land in one
// transaction.
func (r *RawRepository) InsertRows(ctx context.Context, rawArtifactID, ingestionRunID string, identity ArtifactIdentity, rows []ExtractedRow) (*RowInsertResult, error) {
	result := &RowInsertResult{}
	if len(rows) == 0 {
		return result, nil
	}

	err := database.WithTransaction(r.db, func(tx *sqlx.Tx) error {
		for _, row := range rows {
			payload, err := json.Marshal(row.SourcePayload)
			if err != nil {
				return fmt.Errorf("failed to encode raw row payload %s: %w", row.SourceRowRef, err)
			}

			var rawRecordID string
			err = tx.GetContext(ctx, &rawRecordID, `
				INSERT INTO raw_record (
					raw_artifact_id, ingestion_run_id, account_id, period_key,
					flex_query_id, payload_sha256, report_date_local,
					section_name, source_row_ref, source_payload
				) VALUES ($1, $2, $3, $4, $5, $6, $7::date, $8, $9, CAST($10 AS jsonb))
				ON CONFLICT ON CONSTRAINT uq_raw_record_artifact_section_source_ref DO NOTHING
				RETURNING raw_record_id`,
				rawArtifactID, ingestionRunID, identity.AccountID, identity.PeriodKey,
				identity.FlexQueryID, identity.PayloadSHA256, identity.ReportDateLocal,
				row.SectionName, row.SourceRowRef, payload)
			if errors.Is(err, sql.ErrNoRows) {
				result.Deduplicated++
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to insert raw row %s: %w", row.SourceRowRef, err)
			}
			result.Inserted++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
