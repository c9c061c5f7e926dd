package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/flexledger/internal/domain"
	"github.com/aristath/flexledger/internal/modules/valuation"
)

// Store is the persistence surface the snapshot service depends on
type Store interface {
	ListTradeFills(ctx context.Context, accountID, throughReportDateLocal string) ([]TradeFillRow, error)
	ListCashflows(ctx context.Context, accountID, throughReportDateLocal string) ([]CashflowRow, error)
	ListInstruments(ctx context.Context, accountID string) ([]InstrumentRow, error)
	ListManualCorpActionInstrumentIDs(ctx context.Context, accountID string) ([]string, error)
	ListOpenPositionMarks(ctx context.Context, accountID, reportDateLocal string) ([]valuation.OpenPositionMark, error)
	ListTradeObservations(ctx context.Context, accountID, reportDateLocal string) ([]valuation.TradeObservation, error)
	ListConversionRates(ctx context.Context, accountID, functionalCurrency, reportDateLocal string) ([]valuation.ConversionRateObservation, error)
	UpsertPositionLots(ctx context.Context, lots []LotUpsert) error
	UpsertSnapshots(ctx context.Context, rows []SnapshotUpsert) error
}

// SnapshotService regenerates position lots and daily P&L snapshots from
// canonical events.
type SnapshotService struct {
	store         Store
	accountID     string
	baseCurrency  string
	localTimezone string
	now           func() time.Time
	log           zerolog.Logger
}

// NewSnapshotService creates a snapshot service. localTimezone names the zone
// that anchors report dates; empty selects DefaultReportTimezone.
func NewSnapshotService(store Store, accountID, baseCurrency, localTimezone string, log zerolog.Logger) *SnapshotService {
	return &SnapshotService{
		store:         store,
		accountID:     accountID,
		baseCurrency:  baseCurrency,
		localTimezone: localTimezone,
		now:           time.Now,
		log:           log.With().Str("service", "snapshot").Logger(),
	}
}

// BuildForRun regenerates lots and snapshots for one run's report date. An
// empty report date resolves from the current instant in the local reporting
// zone.
func (s *SnapshotService) BuildForRun(ctx context.Context, ingestionRunID, reportDateLocal string) (*SnapshotRunSummary, error) {
	reportDate := reportDateLocal
	if reportDate == "" {
		resolved, err := ResolveReportDateLocal(s.now().UTC(), s.localTimezone)
		if err != nil {
			return nil, err
		}
		reportDate = resolved
	}

	fills, err := s.store.ListTradeFills(ctx, s.accountID, reportDate)
	if err != nil {
		return nil, err
	}
	cashflows, err := s.store.ListCashflows(ctx, s.accountID, reportDate)
	if err != nil {
		return nil, err
	}
	instruments, err := s.store.ListInstruments(ctx, s.accountID)
	if err != nil {
		return nil, err
	}
	manualIDs, err := s.store.ListManualCorpActionInstrumentIDs(ctx, s.accountID)
	if err != nil {
		return nil, err
	}
	marks, err := s.store.ListOpenPositionMarks(ctx, s.accountID, reportDate)
	if err != nil {
		return nil, err
	}
	observations, err := s.store.ListTradeObservations(ctx, s.accountID, reportDate)
	if err != nil {
		return nil, err
	}
	rates, err := s.store.ListConversionRates(ctx, s.accountID, s.baseCurrency, reportDate)
	if err != nil {
		return nil, err
	}

	instrumentByID := make(map[string]InstrumentRow, len(instruments))
	for _, instrument := range instruments {
		instrumentByID[instrument.InstrumentID] = instrument
	}
	manual := make(map[string]bool, len(manualIDs))
	for _, id := range manualIDs {
		manual[id] = true
	}

	fillsByInstrument := make(map[string][]TradeFillRow)
	for _, fill := range fills {
		fillsByInstrument[fill.InstrumentID] = append(fillsByInstrument[fill.InstrumentID], fill)
	}
	cashByInstrument := make(map[string][]CashflowRow)
	for _, cashflow := range cashflows {
		if cashflow.InstrumentID == nil {
			// account-level cashflows carry no instrument attribution
			continue
		}
		cashByInstrument[*cashflow.InstrumentID] = append(cashByInstrument[*cashflow.InstrumentID], cashflow)
	}

	instrumentIDs := activeInstrumentIDs(fillsByInstrument, cashByInstrument)

	var lotUpserts []LotUpsert
	snapshotRows := make([]SnapshotUpsert, 0, len(instrumentIDs))
	provisionalCount := 0

	for _, instrumentID := range instrumentIDs {
		info, ok := instrumentByID[instrumentID]
		if !ok {
			return nil, &InvariantViolationError{
				Reason: fmt.Sprintf("instrument %s referenced by events but not registered", instrumentID),
			}
		}

		instrumentFills := fillsByInstrument[instrumentID]
		fifoResult, err := ComputeFIFO(toEngineFills(instrumentFills))
		if err != nil {
			return nil, err
		}

		for _, lot := range fifoResult.Lots {
			lotUpserts = append(lotUpserts, LotUpsert{
				PositionLotID:        deterministicLotID(s.accountID, instrumentID, lot.OpenEventTradeFillID),
				AccountID:            s.accountID,
				InstrumentID:         instrumentID,
				OpenEventTradeFillID: lot.OpenEventTradeFillID,
				OpenedAtUTC:          lot.OpenedAtUTC,
				ClosedAtUTC:          lot.ClosedAtUTC,
				OpenQuantity:         lot.OpenQuantity,
				RemainingQuantity:    lot.RemainingQuantity,
				OpenPrice:            lot.OpenPrice,
				CostBasisOpen:        lot.CostBasisOpen,
				RealizedPnlToDate:    lot.RealizedPnlToDate,
				Status:               string(lot.Status),
			})
		}

		row := s.assembleSnapshot(info, instrumentID, ingestionRunID, reportDate,
			fifoResult, instrumentFills, cashByInstrument[instrumentID],
			marks, observations, rates, manual[instrumentID])
		if row.Provisional {
			provisionalCount++
		}
		snapshotRows = append(snapshotRows, row)
	}

	if err := s.store.UpsertPositionLots(ctx, lotUpserts); err != nil {
		return nil, err
	}
	if err := s.store.UpsertSnapshots(ctx, snapshotRows); err != nil {
		return nil, err
	}

	summary := &SnapshotRunSummary{
		ReportDateLocal:  reportDate,
		InstrumentCount:  len(instrumentIDs),
		SnapshotCount:    len(snapshotRows),
		ProvisionalCount: provisionalCount,
	}
	s.log.Info().
		Str("ingestion_run_id", ingestionRunID).
		Str("report_date_local", reportDate).
		Int("instrument_count", summary.InstrumentCount).
		Int("provisional_count", summary.ProvisionalCount).
		Msg("Snapshot regeneration completed")
	return summary, nil
}

// assembleSnapshot computes one instrument's snapshot row for the report
// date.
func (s *SnapshotService) assembleSnapshot(
	info InstrumentRow,
	instrumentID, ingestionRunID, reportDate string,
	fifoResult *Result,
	instrumentFills []TradeFillRow,
	instrumentCash []CashflowRow,
	marks []valuation.OpenPositionMark,
	observations []valuation.TradeObservation,
	rates []valuation.ConversionRateObservation,
	manualCase bool,
) SnapshotUpsert {
	cashFees := decimal.Zero
	withholding := decimal.Zero
	for _, cashflow := range instrumentCash {
		if cashflow.Fees.Valid {
			cashFees = cashFees.Add(cashflow.Fees.Decimal.Abs())
		}
		if cashflow.WithholdingTax.Valid {
			withholding = withholding.Add(cashflow.WithholdingTax.Decimal.Abs())
		}
	}

	tradeCharges := decimal.Zero
	for _, fill := range instrumentFills {
		if fill.Commission.Valid {
			tradeCharges = tradeCharges.Add(fill.Commission.Decimal.Abs())
		}
		if fill.Fees.Valid {
			tradeCharges = tradeCharges.Add(fill.Fees.Decimal.Abs())
		}
	}

	provisional := manualCase

	var costBasis *decimal.Decimal
	openBasis := decimal.Zero
	hasOpenLots := false
	for i := range fifoResult.Lots {
		lot := &fifoResult.Lots[i]
		if lot.Status != domain.LotStatusOpen {
			continue
		}
		hasOpenLots = true
		openBasis = openBasis.Add(lot.CostBasisRemaining())
	}
	if hasOpenLots {
		costBasis = &openBasis
	}

	unrealized := decimal.Zero
	var valuationSource *string
	if !fifoResult.PositionQty.IsZero() {
		resolution := valuation.ResolveEODMark(info.Conid, reportDate, marks, observations)
		source := resolution.Source
		valuationSource = &source
		if resolution.Provisional {
			provisional = true
		}
		if resolution.Price != nil {
			unrealized = fifoResult.PositionQty.Mul(*resolution.Price).Sub(openBasis)
		}
	}

	fx := valuation.ResolveExecutionFx(info.Currency, s.baseCurrency, reportDate,
		latestFxContext(instrumentFills), rates)
	fxSource := fx.Source
	if fx.Provisional {
		provisional = true
	}

	realized := fifoResult.RealizedPnl.Sub(cashFees).Sub(withholding)
	total := realized.Add(unrealized)

	var runID *string
	if ingestionRunID != "" {
		runID = &ingestionRunID
	}

	return SnapshotUpsert{
		AccountID:       s.accountID,
		ReportDateLocal: reportDate,
		InstrumentID:    instrumentID,
		PositionQty:     fifoResult.PositionQty,
		CostBasis:       costBasis,
		RealizedPnl:     realized,
		UnrealizedPnl:   unrealized,
		TotalPnl:        total,
		Fees:            tradeCharges.Add(cashFees),
		WithholdingTax:  withholding,
		Currency:        info.Currency,
		Provisional:     provisional,
		ValuationSource: valuationSource,
		FxSource:        &fxSource,
		IngestionRunID:  runID,
	}
}

// latestFxContext returns the FX fields of the most recent fill, the trade
// whose own rates anchor the execution-FX hierarchy.
func latestFxContext(fills []TradeFillRow) *valuation.TradeFxContext {
	if len(fills) == 0 {
		return nil
	}
	last := fills[len(fills)-1]
	context := &valuation.TradeFxContext{}
	if last.FxRateToBase.Valid {
		rate := last.FxRateToBase.Decimal
		context.FxRateToBase = &rate
	}
	if last.NetCash.Valid {
		netCash := last.NetCash.Decimal
		context.NetCash = &netCash
	}
	if last.NetCashInBase.Valid {
		netCashInBase := last.NetCashInBase.Decimal
		context.NetCashInBase = &netCashInBase
	}
	return context
}

// toEngineFills converts canonical rows to FIFO engine inputs
func toEngineFills(rows []TradeFillRow) []Fill {
	fills := make([]Fill, 0, len(rows))
	for _, row := range rows {
		fill := Fill{
			EventTradeFillID:  row.EventTradeFillID,
			SourceRawRecordID: row.SourceRawRecordID,
			TimestampUTC:      row.TradeTimestampUTC,
			Side:              domain.TradeSide(row.Side),
			Quantity:          row.Quantity,
			Price:             row.Price,
			Commission:        decimal.Zero,
			Fees:              decimal.Zero,
		}
		if row.Commission.Valid {
			fill.Commission = row.Commission.Decimal
		}
		if row.Fees.Valid {
			fill.Fees = row.Fees.Decimal
		}
		fills = append(fills, fill)
	}
	return fills
}

// activeInstrumentIDs returns the sorted union of instruments with trade or
// cashflow activity.
func activeInstrumentIDs(fills map[string][]TradeFillRow, cash map[string][]CashflowRow) []string {
	seen := make(map[string]bool, len(fills)+len(cash))
	for id := range fills {
		seen[id] = true
	}
	for id := range cash {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// deterministicLotID derives a stable lot id from the lot's natural
// identity, so reruns update rather than duplicate.
func deterministicLotID(accountID, instrumentID, openEventTradeFillID string) string {
	name := accountID + ":" + instrumentID + ":" + openEventTradeFillID
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
