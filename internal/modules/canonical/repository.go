package canonical

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Repository persists canonical events with frozen natural-key UPSERT
// semantics. Conflict targets reference the schema constraint names so the
// keys cannot drift silently.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// The UPSERT statements are package-level constants so their replay semantics
// stay assertable without a live database.
const upsertInstrumentSQL = `
	INSERT INTO instrument (
		account_id, conid, symbol, local_symbol, isin, cusip, figi,
		asset_category, currency, description
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (account_id, conid) DO UPDATE SET
		symbol         = EXCLUDED.symbol,
		local_symbol   = COALESCE(EXCLUDED.local_symbol, instrument.local_symbol),
		isin           = COALESCE(EXCLUDED.isin, instrument.isin),
		cusip          = COALESCE(EXCLUDED.cusip, instrument.cusip),
		figi           = COALESCE(EXCLUDED.figi, instrument.figi),
		asset_category = EXCLUDED.asset_category,
		currency       = EXCLUDED.currency,
		description    = COALESCE(EXCLUDED.description, instrument.description),
		updated_at_utc = now()
	RETURNING instrument_id, account_id, conid`

const upsertTradeFillSQL = `
	INSERT INTO event_trade_fill (
		account_id, instrument_id, ingestion_run_id, source_raw_record_id,
		ib_exec_id, transaction_id, trade_timestamp_utc, report_date_local,
		side, quantity, price, cost, commission, fees, realized_pnl,
		net_cash, net_cash_in_base, fx_rate_to_base, currency, functional_currency
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::date, $9, $10, $11, $12, $13,
	          $14, $15, $16, $17, $18, $19, $20)
	ON CONFLICT ON CONSTRAINT uq_event_trade_fill_account_exec DO UPDATE SET
		commission   = EXCLUDED.commission,
		realized_pnl = EXCLUDED.realized_pnl,
		net_cash     = EXCLUDED.net_cash,
		cost         = EXCLUDED.cost`

const upsertCashflowSQL = `
	INSERT INTO event_cashflow (
		account_id, instrument_id, ingestion_run_id, source_raw_record_id,
		transaction_id, cash_action, report_date_local, effective_at_utc,
		amount, amount_in_base, currency, functional_currency,
		withholding_tax, fees, is_correction
	) VALUES ($1, $2, $3, $4, $5, $6, $7::date, $8, $9, $10, $11, $12, $13, $14, false)
	ON CONFLICT ON CONSTRAINT uq_event_cashflow_account_txn_action_ccy DO UPDATE SET
		ingestion_run_id     = EXCLUDED.ingestion_run_id,
		source_raw_record_id = EXCLUDED.source_raw_record_id,
		instrument_id        = COALESCE(EXCLUDED.instrument_id, event_cashflow.instrument_id),
		report_date_local    = EXCLUDED.report_date_local,
		effective_at_utc     = EXCLUDED.effective_at_utc,
		amount               = EXCLUDED.amount,
		amount_in_base       = EXCLUDED.amount_in_base,
		withholding_tax      = EXCLUDED.withholding_tax,
		fees                 = EXCLUDED.fees,
		is_correction        = event_cashflow.is_correction
			OR event_cashflow.amount IS DISTINCT FROM EXCLUDED.amount
			OR event_cashflow.report_date_local IS DISTINCT FROM EXCLUDED.report_date_local`

const upsertFxSQL = `
	INSERT INTO event_fx (
		account_id, ingestion_run_id, source_raw_record_id, transaction_id,
		report_date_local, currency, functional_currency, fx_rate,
		fx_source, provisional, diagnostic_code
	) VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10, $11)
	ON CONFLICT ON CONSTRAINT uq_event_fx_account_txn_ccy_pair DO UPDATE SET
		report_date_local = EXCLUDED.report_date_local,
		fx_rate           = EXCLUDED.fx_rate,
		fx_source         = EXCLUDED.fx_source,
		provisional       = EXCLUDED.provisional,
		diagnostic_code   = EXCLUDED.diagnostic_code`

const upsertCorpActionFallbackSQL = `
	INSERT INTO event_corp_action (
		account_id, instrument_id, conid, ingestion_run_id, source_raw_record_id,
		action_id, transaction_id, reorg_code, report_date_local, description,
		requires_manual, provisional, manual_case_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::date, $10, $11, $12, $13)
	ON CONFLICT ON CONSTRAINT uq_event_corp_action_fallback DO UPDATE SET
		requires_manual = true,
		provisional     = true,
		description     = COALESCE(EXCLUDED.description, event_corp_action.description),
		manual_case_id  = COALESCE(event_corp_action.manual_case_id, EXCLUDED.manual_case_id)`

const upsertCorpActionPrimarySQL = `
	INSERT INTO event_corp_action (
		account_id, instrument_id, conid, ingestion_run_id, source_raw_record_id,
		action_id, transaction_id, reorg_code, report_date_local, description,
		requires_manual, provisional, manual_case_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::date, $10, $11, $12, $13)
	ON CONFLICT ON CONSTRAINT uq_event_corp_action_account_action DO UPDATE SET
		instrument_id   = COALESCE(EXCLUDED.instrument_id, event_corp_action.instrument_id),
		transaction_id  = COALESCE(EXCLUDED.transaction_id, event_corp_action.transaction_id),
		reorg_code      = EXCLUDED.reorg_code,
		report_date_local = EXCLUDED.report_date_local,
		description     = COALESCE(EXCLUDED.description, event_corp_action.description),
		requires_manual = EXCLUDED.requires_manual,
		provisional     = EXCLUDED.provisional,
		manual_case_id  = COALESCE(EXCLUDED.manual_case_id, event_corp_action.manual_case_id)`

// NewRepository creates a canonical persistence repository
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "canonical").Logger(),
	}
}

type rawRecordRow struct {
	RawRecordID     string     `db:"raw_record_id"`
	IngestionRunID  string     `db:"ingestion_run_id"`
	AccountID       string     `db:"account_id"`
	PeriodKey       string     `db:"period_key"`
	FlexQueryID     string     `db:"flex_query_id"`
	ReportDateLocal *time.Time `db:"report_date_local"`
	SectionName     string     `db:"section_name"`
	SourceRowRef    string     `db:"source_row_ref"`
	SourcePayload   []byte     `db:"source_payload"`
}

// ListRawRecordsForPeriod returns all raw rows for one account/period/query
// identity in deterministic order.
func (r *Repository) ListRawRecordsForPeriod(ctx context.Context, accountID, periodKey, flexQueryID string) ([]RawRecordForMapping, error) {
	var rows []rawRecordRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT raw_record_id, ingestion_run_id, account_id, period_key, flex_query_id,
		       report_date_local, section_name, source_row_ref, source_payload
		FROM raw_record
		WHERE account_id = $1 AND period_key = $2 AND flex_query_id = $3
		ORDER BY created_at_utc ASC, raw_record_id ASC`,
		accountID, periodKey, flexQueryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw records for period: %w", err)
	}
	return r.decodeRawRecordRows(rows)
}

func (r *Repository) decodeRawRecordRows(rows []rawRecordRow) ([]RawRecordForMapping, error) {
	records := make([]RawRecordForMapping, 0, len(rows))
	for _, row := range rows {
		payload := map[string]string{}
		if err := json.Unmarshal(row.SourcePayload, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode raw record payload %s: %w", row.RawRecordID, err)
		}
		record := RawRecordForMapping{
			RawRecordID:    row.RawRecordID,
			IngestionRunID: row.IngestionRunID,
			AccountID:      row.AccountID,
			PeriodKey:      row.PeriodKey,
			FlexQueryID:    row.FlexQueryID,
			SectionName:    row.SectionName,
			SourceRowRef:   row.SourceRowRef,
			SourcePayload:  payload,
		}
		if row.ReportDateLocal != nil {
			record.ReportDateLocal = row.ReportDateLocal.Format("2006-01-02")
		}
		records = append(records, record)
	}
	return records, nil
}

// ListRawRecordsForRun returns the raw rows inserted by one ingestion run in
// deterministic order.
func (r *Repository) ListRawRecordsForRun(ctx context.Context, ingestionRunID string) ([]RawRecordForMapping, error) {
	var rows []rawRecordRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT raw_record_id, ingestion_run_id, account_id, period_key, flex_query_id,
		       report_date_local, section_name, source_row_ref, source_payload
		FROM raw_record
		WHERE ingestion_run_id = $1
		ORDER BY created_at_utc ASC, raw_record_id ASC`,
		ingestionRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw records for run: %w", err)
	}
	return r.decodeRawRecordRows(rows)
}

// UpsertInstrument persists or reuses an instrument by (account_id, conid).
// Alias attributes only fill gaps; symbol, asset category and currency follow
// the newest statement.
func (r *Repository) UpsertInstrument(ctx context.Context, req InstrumentUpsertRequest) (*InstrumentRecord, error) {
	var record InstrumentRecord
	err := r.db.GetContext(ctx, &record, upsertInstrumentSQL,
		req.AccountID, req.Conid, req.Symbol, req.LocalSymbol, req.ISIN,
		req.CUSIP, req.FIGI, req.AssetCategory, req.Currency, req.Description)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert instrument conid %s: %w", req.Conid, err)
	}
	return &record, nil
}

// UpsertTradeFill persists one trade fill keyed (account_id, ib_exec_id).
// Replays only refresh the economics fields IBKR restates after settlement.
func (r *Repository) UpsertTradeFill(ctx context.Context, req TradeFillUpsertRequest) error {
	_, err := r.db.ExecContext(ctx, upsertTradeFillSQL,
		req.AccountID, req.InstrumentID, req.IngestionRunID, req.SourceRawRecordID,
		req.IbExecID, req.TransactionID, req.TradeTimestampUTC, req.ReportDateLocal,
		req.Side, req.Quantity, req.Price, req.Cost, req.Commission, req.Fees,
		req.RealizedPnl, req.NetCash, req.NetCashInBase, req.FxRateToBase,
		req.Currency, req.FunctionalCcy)
	if err != nil {
		return fmt.Errorf("failed to upsert trade fill %s: %w", req.IbExecID, err)
	}
	return nil
}

// UpsertCashflow persists one cashflow keyed
// (account_id, transaction_id, cash_action, currency). A replay that changes
// the amount or report date marks the row as a correction; the flag is sticky.
func (r *Repository) UpsertCashflow(ctx context.Context, req CashflowUpsertRequest) error {
	_, err := r.db.ExecContext(ctx, upsertCashflowSQL,
		req.AccountID, req.InstrumentID, req.IngestionRunID, req.SourceRawRecordID,
		req.TransactionID, req.CashAction, req.ReportDateLocal, req.EffectiveAtUTC,
		req.Amount, req.AmountInBase, req.Currency, req.FunctionalCcy,
		req.WithholdingTax, req.Fees)
	if err != nil {
		return fmt.Errorf("failed to upsert cashflow %s/%s: %w", req.TransactionID, req.CashAction, err)
	}
	return nil
}

// UpsertFx persists one FX observation keyed
// (account_id, transaction_id, currency, functional_currency).
func (r *Repository) UpsertFx(ctx context.Context, req FxUpsertRequest) error {
	_, err := r.db.ExecContext(ctx, upsertFxSQL,
		req.AccountID, req.IngestionRunID, req.SourceRawRecordID, req.TransactionID,
		req.ReportDateLocal, req.Currency, req.FunctionalCcy, req.FxRate,
		req.FxSource, req.Provisional, req.DiagnosticCode)
	if err != nil {
		return fmt.Errorf("failed to upsert fx event %s %s->%s: %w", req.TransactionID, req.Currency, req.FunctionalCcy, err)
	}
	return nil
}

// UpsertCorpAction persists one corporate action. Rows carrying an upstream
// action id use (account_id, action_id); rows without one fall back to
// (account_id, transaction_id, conid, report_date_local, reorg_code), and a
// conflict on the fallback key quarantines the row for manual review.
func (r *Repository) UpsertCorpAction(ctx context.Context, req CorpActionUpsertRequest) error {
	args := []interface{}{
		req.AccountID, req.InstrumentID, req.Conid, req.IngestionRunID,
		req.SourceRawRecordID, req.ActionID, req.TransactionID, req.ReorgCode,
		req.ReportDateLocal, req.Description, req.RequiresManual, req.Provisional,
		req.ManualCaseID,
	}

	query := upsertCorpActionPrimarySQL
	if req.ActionID == nil {
		query = upsertCorpActionFallbackSQL
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert corporate action conid %s: %w", req.Conid, err)
	}
	return nil
}
