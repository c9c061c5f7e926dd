package scheduler

import (
	"context"
	"errors"
	"testing"

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
	calls   int
}

func (f *fakeTrigger) TriggerIngestion(_ context.Context, runType string) (*ingestion.RunRecord, error) {
	f.calls++
	f.runType = runType
	return f.run, f.err
}

func TestIngestionJobRunsAsScheduled(t *testing.T) {
	trigger := &fakeTrigger{run: &ingestion.RunRecord{IngestionRunID: "run-1", Status: "success"}}
	job := NewIngestionJob(trigger, zerolog.Nop())

	require.NoError(t, job.Run())
	assert.Equal(t, 1, trigger.calls)
	assert.Equal(t, string(domain.RunTypeScheduled), trigger.runType)
}

func TestIngestionJobSkipsWhenRunActive(t *testing.T) {
	trigger := &fakeTrigger{err: ingestion.ErrRunAlreadyActive}
	job := NewIngestionJob(trigger, zerolog.Nop())

	assert.NoError(t, job.Run(), "an active run is a skip, not a failure")
}

func TestIngestionJobSwallowsFinalizedFailure(t *testing.T) {
	trigger := &fakeTrigger{
		run: &ingestion.RunRecord{IngestionRunID: "run-2", Status: "failed"},
		err: errors.New("statement rejected"),
	}
	job := NewIngestionJob(trigger, zerolog.Nop())

	assert.NoError(t, job.Run(), "failures recorded on the run row are not re-raised")
}

func TestIngestionJobPropagatesUnrecordedError(t *testing.T) {
	trigger := &fakeTrigger{err: errors.New("database unavailable")}
	job := NewIngestionJob(trigger, zerolog.Nop())

	assert.Error(t, job.Run())
}
