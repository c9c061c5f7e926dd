package canonical

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepository struct {
	rows []RawRecordForMapping

	instruments []InstrumentUpsertRequest
	trades      []TradeFillUpsertRequest
	cashflows   []CashflowUpsertRequest
	fxEvents    []FxUpsertRequest
	corpActions []CorpActionUpsertRequest

	instrumentIDs map[string]string
	failTradeErr  error
}

func (f *fakeRepository) ListRawRecordsForPeriod(_ context.Context, _, _, _ string) ([]RawRecordForMapping, error) {
	return f.rows, nil
}

func (f *fakeRepository) ListRawRecordsForRun(_ context.Context, _ string) ([]RawRecordForMapping, error) {
	return f.rows, nil
}

func (f *fakeRepository) UpsertInstrument(_ context.Context, req InstrumentUpsertRequest) (*InstrumentRecord, error) {
	f.instruments = append(f.instruments, req)
	id, ok := f.instrumentIDs[req.Conid]
	if !ok {
		id = "inst-" + req.Conid
	}
	return &InstrumentRecord{InstrumentID: id, AccountID: req.AccountID, Conid: req.Conid}, nil
}

func (f *fakeRepository) UpsertTradeFill(_ context.Context, req TradeFillUpsertRequest) error {
	if f.failTradeErr != nil {
		return f.failTradeErr
	}
	f.trades = append(f.trades, req)
	return nil
}

func (f *fakeRepository) UpsertCashflow(_ context.Context, req CashflowUpsertRequest) error {
	f.cashflows = append(f.cashflows, req)
	return nil
}

func (f *fakeRepository) UpsertFx(_ context.Context, req FxUpsertRequest) error {
	f.fxEvents = append(f.fxEvents, req)
	return nil
}

func (f *fakeRepository) UpsertCorpAction(_ context.Context, req CorpActionUpsertRequest) error {
	f.corpActions = append(f.corpActions, req)
	return nil
}

func TestPipelineRun(t *testing.T) {
	repo := &fakeRepository{
		rows: []RawRecordForMapping{
			rawRow(sectionTrades, "trade:0", tradePayload(nil)),
			rawRow(sectionTrades, "trade:1", tradePayload(map[string]string{
				"ibExecID": "0000e1a1.2",
				"buySell":  "SELL",
			})),
			rawRow(sectionCashTransactions, "cash:0", map[string]string{
				"transactionID": "987654",
				"type":          "Dividends",
				"amount":        "25.00",
				"currency":      "USD",
				"conid":         "265598",
			}),
			rawRow(sectionConversionRates, "rate:0", map[string]string{
				"fromCurrency": "ILS",
				"rate":         "0.275",
			}),
			rawRow(sectionCorporateActions, "ca:0", map[string]string{
				"conid":    "265598",
				"type":     "FS",
				"actionID": "A-100",
			}),
		},
	}

	pipeline := NewPipeline(repo, NewMapper(zerolog.Nop()), zerolog.Nop())
	counters, err := pipeline.RunForPeriod(context.Background(), "U1234567", "USD", "2026-02", "q-42")
	require.NoError(t, err)

	// Four rows name the same conid; the counter reports storage upserts,
	// not raw mentions.
	assert.Equal(t, 1, counters.InstrumentUpserts)
	assert.Equal(t, 2, counters.TradeFills)
	assert.Equal(t, 1, counters.Cashflows)
	assert.Equal(t, 1, counters.FxEvents)
	assert.Equal(t, 1, counters.CorpActions)

	// Same conid everywhere: exactly one storage upsert.
	require.Len(t, repo.instruments, 1)
	assert.Equal(t, "265598", repo.instruments[0].Conid)

	for _, trade := range repo.trades {
		assert.Equal(t, "inst-265598", trade.InstrumentID)
	}
	require.NotNil(t, repo.cashflows[0].InstrumentID)
	assert.Equal(t, "inst-265598", *repo.cashflows[0].InstrumentID)
	require.NotNil(t, repo.corpActions[0].InstrumentID)
	assert.Equal(t, "inst-265598", *repo.corpActions[0].InstrumentID)
}

func TestPipelineRunFailsFastOnViolation(t *testing.T) {
	repo := &fakeRepository{
		rows: []RawRecordForMapping{
			rawRow(sectionTrades, "trade:0", tradePayload(map[string]string{"tradePrice": ""})),
		},
	}

	pipeline := NewPipeline(repo, NewMapper(zerolog.Nop()), zerolog.Nop())
	_, err := pipeline.RunForPeriod(context.Background(), "U1234567", "USD", "2026-02", "q-42")

	var violation *ContractViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "tradePrice", violation.Field)
	assert.Empty(t, repo.instruments)
	assert.Empty(t, repo.trades)
}

func TestPipelineRunPropagatesStorageErrors(t *testing.T) {
	storageErr := errors.New("connection reset")
	repo := &fakeRepository{
		rows: []RawRecordForMapping{
			rawRow(sectionTrades, "trade:0", tradePayload(nil)),
		},
		failTradeErr: storageErr,
	}

	pipeline := NewPipeline(repo, NewMapper(zerolog.Nop()), zerolog.Nop())
	_, err := pipeline.RunForPeriod(context.Background(), "U1234567", "USD", "2026-02", "q-42")
	require.ErrorIs(t, err, storageErr)
}
