package ingestion

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/flexledger/internal/domain"
	"github.com/aristath/flexledger/internal/modules/canonical"
)

// PeriodLister enumerates the raw-row period identities available for replay
type PeriodLister interface {
	ListPeriodIdentities(ctx context.Context, accountID string) ([]PeriodIdentity, error)
}

// PeriodCanonicalRunner replays canonical mapping over one period's raw rows
type PeriodCanonicalRunner interface {
	RunForPeriod(ctx context.Context, accountID, functionalCurrency, periodKey, flexQueryID string) (*canonical.Counters, error)
}

// Reprocessor replays canonical mapping and snapshot generation from
// immutable raw rows. Two replays over identical raw inputs yield identical
// canonical events and snapshots.
type Reprocessor struct {
	runs      RunStore
	periods   PeriodLister
	canonical PeriodCanonicalRunner
	snapshots SnapshotBuilder
	cfg       Config
	log       zerolog.Logger
}

// NewReprocessor creates a canonical reprocess orchestrator
func NewReprocessor(
	runs RunStore,
	periods PeriodLister,
	canonicalRunner PeriodCanonicalRunner,
	snapshots SnapshotBuilder,
	cfg Config,
	log zerolog.Logger,
) *Reprocessor {
	return &Reprocessor{
		runs:      runs,
		periods:   periods,
		canonical: canonicalRunner,
		snapshots: snapshots,
		cfg:       cfg,
		log:       log.With().Str("service", "reprocess_orchestrator").Logger(),
	}
}

// Reprocess replays one period, or every known period when periodKey is
// empty. Each period replays under its own run row and account lock.
func (r *Reprocessor) Reprocess(ctx context.Context, periodKey, flexQueryID string) ([]*RunRecord, error) {
	var scopes []PeriodIdentity
	if periodKey == "" {
		identities, err := r.periods.ListPeriodIdentities(ctx, r.cfg.AccountID)
		if err != nil {
			return nil, err
		}
		if len(identities) == 0 {
			return nil, fmt.Errorf("no raw records available for reprocess")
		}
		scopes = identities
	} else {
		if flexQueryID == "" {
			flexQueryID = r.cfg.FlexQueryID
		}
		scopes = []PeriodIdentity{{PeriodKey: periodKey, FlexQueryID: flexQueryID}}
	}

	runs := make([]*RunRecord, 0, len(scopes))
	for _, scope := range scopes {
		run, err := r.replayPeriod(ctx, scope)
		if run != nil {
			runs = append(runs, run)
		}
		if err != nil {
			return runs, err
		}
	}
	return runs, nil
}

// replayPeriod replays canonical mapping and snapshots for one period under
// a fresh reprocess run row.
func (r *Reprocessor) replayPeriod(ctx context.Context, scope PeriodIdentity) (*RunRecord, error) {
	timeline := &domain.Timeline{}
	timeline.Record(domain.StageRun, domain.StageStatusStarted, nil)

	run, err := r.runs.CreateStarted(ctx, r.cfg.AccountID, string(domain.RunTypeReprocess),
		scope.PeriodKey, scope.FlexQueryID, nil)
	if err != nil {
		return nil, err
	}

	log := r.log.With().
		Str("ingestion_run_id", run.IngestionRunID).
		Str("period_key", scope.PeriodKey).
		Logger()
	log.Info().Msg("Reprocess run started")

	if err := r.replayStages(ctx, run, scope, timeline); err != nil {
		errorCode, errorMessage := classifyReprocessError(err)
		timeline.Record(domain.StageRun, domain.StageStatusFailed, map[string]interface{}{
			"error_code":    errorCode,
			"error_message": errorMessage,
		})
		finalized, finalizeErr := r.runs.Finalize(ctx, run.IngestionRunID,
			string(domain.RunStatusFailed), &errorCode, &errorMessage, timeline.Events())
		if finalizeErr != nil {
			log.Error().Err(finalizeErr).Msg("Failed to finalize failed reprocess run")
			return run, err
		}
		log.Error().Err(err).Str("error_code", errorCode).Msg("Reprocess run failed")
		return finalized, err
	}

	timeline.Record(domain.StageRun, domain.StageStatusSuccess, nil)
	finalized, err := r.runs.Finalize(ctx, run.IngestionRunID,
		string(domain.RunStatusSuccess), nil, nil, timeline.Events())
	if err != nil {
		return run, err
	}
	log.Info().Msg("Reprocess run completed")
	return finalized, nil
}

func (r *Reprocessor) replayStages(ctx context.Context, run *RunRecord, scope PeriodIdentity, timeline *domain.Timeline) error {
	timeline.Record(domain.StageCanonicalMapping, domain.StageStatusStarted, nil)
	counters, err := r.canonical.RunForPeriod(ctx, r.cfg.AccountID, r.cfg.BaseCurrency,
		scope.PeriodKey, scope.FlexQueryID)
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

	timeline.Record(domain.StageSnapshot, domain.StageStatusStarted, nil)
	summary, err := r.snapshots.BuildForRun(ctx, run.IngestionRunID, "")
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

// classifyReprocessError mirrors ingestion classification but attributes
// unexpected failures to the reprocess workflow.
func classifyReprocessError(err error) (string, string) {
	code, message := classifyRunError(err)
	if code == domain.ErrCodeUnexpected {
		return domain.ErrCodeReprocessFailed, message
	}
	return code, message
}
