package canonical

import (
	"context"

	"github.com/rs/zerolog"
)

// PersistenceRepository is the storage surface the pipeline drives
type PersistenceRepository interface {
	ListRawRecordsForPeriod(ctx context.Context, accountID, periodKey, flexQueryID string) ([]RawRecordForMapping, error)
	ListRawRecordsForRun(ctx context.Context, ingestionRunID string) ([]RawRecordForMapping, error)
	UpsertInstrument(ctx context.Context, req InstrumentUpsertRequest) (*InstrumentRecord, error)
	UpsertTradeFill(ctx context.Context, req TradeFillUpsertRequest) error
	UpsertCashflow(ctx context.Context, req CashflowUpsertRequest) error
	UpsertFx(ctx context.Context, req FxUpsertRequest) error
	UpsertCorpAction(ctx context.Context, req CorpActionUpsertRequest) error
}

// Pipeline maps one period's raw rows and persists the canonical events.
// Instruments go first so every event can resolve its instrument identity.
type Pipeline struct {
	repo   PersistenceRepository
	mapper *Mapper
	log    zerolog.Logger
}

// NewPipeline creates a canonical mapping pipeline
func NewPipeline(repo PersistenceRepository, mapper *Mapper, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		repo:   repo,
		mapper: mapper,
		log:    log.With().Str("service", "canonical_pipeline").Logger(),
	}
}

// RunForPeriod maps and persists all raw rows for one account/period/query
// identity. Reprocess replays use this scope.
func (p *Pipeline) RunForPeriod(ctx context.Context, accountID, functionalCurrency, periodKey, flexQueryID string) (*Counters, error) {
	rows, err := p.repo.ListRawRecordsForPeriod(ctx, accountID, periodKey, flexQueryID)
	if err != nil {
		return nil, err
	}
	return p.MapAndPersist(ctx, accountID, functionalCurrency, rows)
}

// RunForIngestion maps and persists only the raw rows inserted by one run
func (p *Pipeline) RunForIngestion(ctx context.Context, accountID, functionalCurrency, ingestionRunID string) (*Counters, error) {
	rows, err := p.repo.ListRawRecordsForRun(ctx, ingestionRunID)
	if err != nil {
		return nil, err
	}
	return p.MapAndPersist(ctx, accountID, functionalCurrency, rows)
}

// MapAndPersist maps raw rows and persists the canonical events. Any contract
// violation fails the whole run before events are written.
func (p *Pipeline) MapAndPersist(ctx context.Context, accountID, functionalCurrency string, rows []RawRecordForMapping) (*Counters, error) {
	batch, err := p.mapper.BuildBatch(accountID, functionalCurrency, rows)
	if err != nil {
		return nil, err
	}

	counters := &Counters{}

	// Dedupe instrument requests by conid before hitting storage; the first
	// mapped request for a conid wins within a run.
	seen := map[string]bool{}
	deduped := make([]InstrumentUpsertRequest, 0, len(batch.Instruments))
	for _, req := range batch.Instruments {
		if seen[req.Conid] {
			continue
		}
		seen[req.Conid] = true
		deduped = append(deduped, req)
	}
	counters.InstrumentUpserts = len(deduped)

	instrumentIDByConid := make(map[string]string, len(deduped))
	for _, req := range deduped {
		record, err := p.repo.UpsertInstrument(ctx, req)
		if err != nil {
			return nil, err
		}
		instrumentIDByConid[record.Conid] = record.InstrumentID
	}

	// Raw rows know their conid; events reference rows, so this index links
	// each event back to its upserted instrument.
	conidByRawRecordID := make(map[string]string, len(rows))
	for i := range rows {
		if conid := optionalText(rows[i].SourcePayload, "conid"); conid != nil {
			conidByRawRecordID[rows[i].RawRecordID] = *conid
		}
	}

	for i := range batch.TradeFills {
		trade := &batch.TradeFills[i]
		conid := conidByRawRecordID[trade.SourceRawRecordID]
		instrumentID, ok := instrumentIDByConid[conid]
		if !ok {
			return nil, &ContractViolationError{
				Section:      sectionTrades,
				SourceRowRef: trade.SourceRawRecordID,
				Field:        "conid",
				RawValue:     conid,
				Reason:       "unresolvable instrument",
			}
		}
		trade.InstrumentID = instrumentID
		if err := p.repo.UpsertTradeFill(ctx, *trade); err != nil {
			return nil, err
		}
		counters.TradeFills++
	}

	for i := range batch.Cashflows {
		cashflow := &batch.Cashflows[i]
		if conid, ok := conidByRawRecordID[cashflow.SourceRawRecordID]; ok {
			if instrumentID, ok := instrumentIDByConid[conid]; ok {
				cashflow.InstrumentID = &instrumentID
			}
		}
		if err := p.repo.UpsertCashflow(ctx, *cashflow); err != nil {
			return nil, err
		}
		counters.Cashflows++
	}

	for i := range batch.FxEvents {
		if err := p.repo.UpsertFx(ctx, batch.FxEvents[i]); err != nil {
			return nil, err
		}
		counters.FxEvents++
	}

	for i := range batch.CorpActions {
		action := &batch.CorpActions[i]
		if instrumentID, ok := instrumentIDByConid[action.Conid]; ok {
			action.InstrumentID = &instrumentID
		}
		if err := p.repo.UpsertCorpAction(ctx, *action); err != nil {
			return nil, err
		}
		counters.CorpActions++
	}

	p.log.Info().
		Str("account_id", accountID).
		Int("raw_rows", len(rows)).
		Int("instrument_upserts", counters.InstrumentUpserts).
		Int("trade_fills", counters.TradeFills).
		Int("cashflows", counters.Cashflows).
		Int("fx_events", counters.FxEvents).
		Int("corp_actions", counters.CorpActions).
		Msg("Canonical mapping completed")

	return counters, nil
}
