package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/flexledger/internal/domain"
	"github.com/aristath/flexledger/internal/modules/ingestion"
)

// ingestionRunTimeout bounds one scheduled run end to end, including the
// statement poll loop.
const ingestionRunTimeout = 30 * time.Minute

// IngestionTrigger starts one ingestion run
type IngestionTrigger interface {
	TriggerIngestion(ctx context.Context, runType string) (*ingestion.RunRecord, error)
}

// IngestionJob runs a scheduled statement ingestion. A run already holding
// the account lock is skipped, not failed; the overlapping run owns the work.
type IngestionJob struct {
	trigger IngestionTrigger
	log     zerolog.Logger
}

// NewIngestionJob creates the scheduled ingestion job
func NewIngestionJob(trigger IngestionTrigger, log zerolog.Logger) *IngestionJob {
	return &IngestionJob{
		trigger: trigger,
		log:     log.With().Str("job", "scheduled_ingestion").Logger(),
	}
}

// Name returns the job name
func (j *IngestionJob) Name() string {
	return "scheduled_ingestion"
}

// Run executes one scheduled ingestion run
func (j *IngestionJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), ingestionRunTimeout)
	defer cancel()

	run, err := j.trigger.TriggerIngestion(ctx, string(domain.RunTypeScheduled))
	if err != nil {
		if errors.Is(err, ingestion.ErrRunAlreadyActive) {
			j.log.Warn().Msg("Skipping scheduled ingestion, another run is active")
			return nil
		}
		if run != nil {
			// The run row is finalized with its error code; the failure is
			// already recorded, so surface it once here.
			j.log.Error().Err(err).Str("ingestion_run_id", run.IngestionRunID).Msg("Scheduled ingestion failed")
			return nil
		}
		return err
	}

	j.log.Info().Str("ingestion_run_id", run.IngestionRunID).Msg("Scheduled ingestion completed")
	return nil
}
