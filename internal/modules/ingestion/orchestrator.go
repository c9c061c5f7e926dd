package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/flexledger/internal/domain"
	"github.com/aristath/flexledger/internal/flex"
	"github.com/aristath/flexledger/internal/modules/canonical"
	"github.com/aristath/flexledger/internal/modules/ledger"
)

// FlexFetcher fetches one statement payload from the upstream service
type FlexFetcher interface {
	Fetch(ctx context.Context, queryID string) (*flex.FetchResult, error)
}

// RunStore owns run lifecycle persistence
type RunStore interface {
	CreateStarted(ctx context.Context, accountID, runType, periodKey, flexQueryID string, reportDateLocal *string) (*RunRecord, error)
	Finalize(ctx context.Context, ingestionRunID, status string, errorCode, errorMessage *string, timeline []domain.StageEvent) (*RunRecord, error)
}

// RawStore owns immutable raw persistence
type RawStore interface {
	UpsertArtifact(ctx context.Context, ingestionRunID string, identity ArtifactIdentity, payload []byte) (*ArtifactUpsertResult, error)
	InsertRows(ctx context.Context, rawArtifactID, ingestionRunID string, identity ArtifactIdentity, rows []ExtractedRow) (*RowInsertResult, error)
}

// CanonicalRunner maps and persists canonical events for one run's raw rows
type CanonicalRunner interface {
	RunForIngestion(ctx context.Context, accountID, functionalCurrency, ingestionRunID string) (*canonical.Counters, error)
}

// SnapshotBuilder regenerates daily P&L snapshots after canonical mapping
type SnapshotBuilder interface {
	BuildForRun(ctx context.Context, ingestionRunID, reportDateLocal string) (*ledger.SnapshotRunSummary, error)
}

// Config holds the single-account execution context
type Config struct {
	AccountID             string
	FlexQueryID           string
	BaseCurrency          string
	ReconciliationEnabled bool
}

// Orchestrator drives one full ingestion execution and owns the run's stage
// timeline. Every path finalizes the run row; no run stays started.
type Orchestrator struct {
	runs      RunStore
	raw       RawStore
	flex      FlexFetcher
	canonical CanonicalRunner
	snapshots SnapshotBuilder
	cfg       Config
	now       func() time.Time
	log       zerolog.Logger
}

// NewOrchestrator creates an ingestion orchestrator
func NewOrchestrator(
	runs RunStore,
	raw RawStore,
	flexFetcher FlexFetcher,
	canonicalRunner CanonicalRunner,
	snapshots SnapshotBuilder,
	cfg Config,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		runs:      runs,
		raw:       raw,
		flex:      flexFetcher,
		canonical: canonicalRunner,
		snapshots: snapshots,
		cfg:       cfg,
		now:       time.Now,
		log:       log.With().Str("service", "ingestion_orchestrator").Logger(),
	}
}

// TriggerIngestion runs the staged pipeline for one statement fetch.
// Returns ErrRunAlreadyActive when another run holds the account lock.
func (o *Orchestrator) TriggerIngestion(ctx context.Context, runType string) (*RunRecord, error) {
	periodKey := o.now().UTC().Format("2006-01-02")

	timeline := &domain.Timeline{}
	timeline.Record(domain.StageRun, domain.StageStatusStarted, nil)

	run, err := o.runs.CreateStarted(ctx, o.cfg.AccountID, runType, periodKey, o.cfg.FlexQueryID, nil)
	if err != nil {
		return nil, err
	}

	log := o.log.With().Str("ingestion_run_id", run.IngestionRunID).Str("run_type", runType).Logger()
	log.Info().Str("period_key", periodKey).Msg("Ingestion run started")

	if err := o.runStages(ctx, run, periodKey, timeline); err != nil {
		errorCode, errorMessage := classifyRunError(err)
		timeline.Record(domain.StageRun, domain.StageStatusFailed, map[string]interface{}{
			"error_code":    errorCode,
			"error_message": errorMessage,
		})
		finalized, finalizeErr := o.runs.Finalize(ctx, run.IngestionRunID,
			string(domain.RunStatusFailed), &errorCode, &errorMessage, timeline.Events())
		if finalizeErr != nil {
			log.Error().Err(finalizeErr).Msg("Failed to finalize failed run")
			return run, err
		}
		log.Error().Err(err).Str("error_code", errorCode).Msg("Ingestion run failed")
		return finalized, err
	}

	timeline.Record(domain.StageRun, domain.StageStatusSuccess, nil)
	finalized, err := o.runs.Finalize(ctx, run.IngestionRunID,
		string(domain.RunStatusSuccess), nil, nil, timeline.Events())
	if err != nil {
		return run, err
	}
	log.Info().Msg("Ingestion run completed")
	return finalized, nil
}

// runStages executes fetch, preflight, persist, canonical mapping and
// snapshot generation, appending every stage outcome to the timeline.
func (o *Orchestrator) runStages(ctx context.Context, run *RunRecord, periodKey string, timeline *domain.Timeline) error {
	fetchResult, err := o.flex.Fetch(ctx, o.cfg.FlexQueryID)
	if fetchResult != nil {
		for _, event := range fetchResult.Timeline {
			timeline.Append(event)
		}
	}
	if err != nil {
		return err
	}
	payload := fetchResult.Payload

	timeline.Record(domain.StagePreflight, domain.StageStatusStarted, nil)
	preflight, err := ValidateRequiredSections(payload, o.cfg.ReconciliationEnabled)
	if err != nil {
		timeline.Record(domain.StagePreflight, domain.StageStatusFailed, map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	if !preflight.Valid() {
		timeline.Record(domain.StagePreflight, domain.StageStatusFailed, map[string]interface{}{
			"error_code":                      domain.ErrCodeMissingSection,
			"missing_sections":                preflight.MissingSections(),
			"missing_hard_required":           preflight.MissingHardRequired,
			"missing_reconciliation_required": preflight.MissingReconciliationRequired,
			"detected_sections":               preflight.DetectedSections,
		})
		return &MissingRequiredSectionError{Result: *preflight}
	}
	timeline.Record(domain.StagePreflight, domain.StageStatusSuccess, map[string]interface{}{
		"detected_sections":     preflight.DetectedSections,
		"future_proof_sections": preflight.FutureProofSections,
	})

	timeline.Record(domain.StagePersist, domain.StageStatusStarted, nil)
	extraction, err := ExtractRows(payload)
	if err != nil {
		timeline.Record(domain.StagePersist, domain.StageStatusFailed, map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	identity := ArtifactIdentity{
		AccountID:     o.cfg.AccountID,
		PeriodKey:     periodKey,
		FlexQueryID:   o.cfg.FlexQueryID,
		PayloadSHA256: PayloadSHA256(payload),
	}
	if extraction.ReportDateLocal != "" {
		identity.ReportDateLocal = &extraction.ReportDateLocal
	}

	artifact, err := o.raw.UpsertArtifact(ctx, run.IngestionRunID, identity, payload)
	if err != nil {
		timeline.Record(domain.StagePersist, domain.StageStatusFailed, map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	rowResult, err := o.raw.InsertRows(ctx, artifact.RawArtifactID, run.IngestionRunID, identity, extraction.Rows)
	if err != nil {
		timeline.Record(domain.StagePersist, domain.StageStatusFailed, map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	timeline.Record(domain.StagePersist, domain.StageStatusSuccess, map[string]interface{}{
		"payload_sha256":        identity.PayloadSHA256,
		"raw_artifact_id":       artifact.RawArtifactID,
		"artifact_deduped":      artifact.Deduplicated,
		"raw_rows_inserted":     rowResult.Inserted,
		"raw_rows_deduplicated": rowResult.Deduplicated,
	})

	timeline.Record(domain.StageCanonicalMapping, domain.StageStatusStarted, nil)
	if artifact.Deduplicated && rowResult.Inserted == 0 {
		timeline.Record(domain.StageCanonicalMapping, domain.StageStatusSkipped, map[string]interface{}{
			"canonical_skip_reason": "no_new_raw_rows_for_run",
		})
	} else {
		counters, err := o.canonical.RunForIngestion(ctx, o.cfg.AccountID, o.cfg.BaseCurrency, run.IngestionRunID)
		if err != nil {
			timeline.Record(domain.StageCanonicalMapping, domain.StageStatusFailed, map[string]interface{}{
				"error": err.Error(),
			})
			return err
		}
		timeline.Record(domain.StageCanonicalMapping, domain.StageStatusSuccess, map[string]interface{}{
			"instrument_upsert_count": counters.InstrumentUpserts,
			"trade_fill_count":        counters.TradeFills,
			"cashflow_count":          counters.Cashflows,
			"fx_count":                counters.FxEvents,
			"corp_action_count":       counters.CorpActions,
		})
	}

	timeline.Record(domain.StageSnapshot, domain.StageStatusStarted, nil)
	summary, err := o.snapshots.BuildForRun(ctx, run.IngestionRunID, extraction.ReportDateLocal)
	if err != nil {
		timeline.Record(domain.StageSnapshot, domain.StageStatusFailed, map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	timeline.Record(domain.StageSnapshot, domain.StageStatusSuccess, map[string]interface{}{
		"report_date_local": summary.ReportDateLocal,
		"instrument_count":  summary.InstrumentCount,
		"snapshot_count":    summary.SnapshotCount,
		"provisional_count": summary.ProvisionalCount,
	})

	return nil
}

// classifyRunError maps failures to deterministic run error codes by their
// typed origin.
func classifyRunError(err error) (code, message string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrCodeCancelled, err.Error()
	}

	var missingSection *MissingRequiredSectionError
	if errors.As(err, &missingSection) {
		return domain.ErrCodeMissingSection, missingSection.Error()
	}

	var violation *canonical.ContractViolationError
	if errors.As(err, &violation) {
		return domain.ErrCodeMappingViolation, violation.Error()
	}

	var invariant *ledger.InvariantViolationError
	if errors.As(err, &invariant) {
		return domain.ErrCodeInternalInvariant, invariant.Error()
	}

	if flexErr, ok := flex.AsFlexError(err); ok {
		switch flexErr.Kind {
		case flex.KindTokenExpired:
			return domain.ErrCodeTokenExpired, flexErr.Message
		case flex.KindTokenInvalid:
			return domain.ErrCodeTokenInvalid, flexErr.Message
		case flex.KindRequest:
			return domain.ErrCodeRequest, flexErr.Message
		case flex.KindStatement:
			return domain.ErrCodeStatement, flexErr.Message
		case flex.KindPollTimeout:
			return domain.ErrCodePollTimeout, flexErr.Message
		case flex.KindConnection, flex.KindTimeout:
			return domain.ErrCodeTransport, flexErr.Message
		}
	}

	return domain.ErrCodeUnexpected, err.Error()
}
