package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/flexledger/internal/database"
	"github.com/aristath/flexledger/internal/domain"
	"github.com/aristath/flexledger/internal/modules/valuation"
)

// TradeFillRow is one canonical trade fill read for FIFO computation
type TradeFillRow struct {
	EventTradeFillID  string              `db:"event_trade_fill_id"`
	AccountID         string              `db:"account_id"`
	InstrumentID      string              `db:"instrument_id"`
	SourceRawRecordID string              `db:"source_raw_record_id"`
	TradeTimestampUTC time.Time           `db:"trade_timestamp_utc"`
	ReportDateLocal   time.Time           `db:"report_date_local"`
	Side              string              `db:"side"`
	Quantity          decimal.Decimal     `db:"quantity"`
	Price             decimal.Decimal     `db:"price"`
	Commission        decimal.NullDecimal `db:"commission"`
	Fees              decimal.NullDecimal `db:"fees"`
	NetCash           decimal.NullDecimal `db:"net_cash"`
	NetCashInBase     decimal.NullDecimal `db:"net_cash_in_base"`
	FxRateToBase      decimal.NullDecimal `db:"fx_rate_to_base"`
	Currency          string              `db:"currency"`
}

// CashflowRow is one canonical cashflow read for fee and withholding totals
type CashflowRow struct {
	EventCashflowID string              `db:"event_cashflow_id"`
	InstrumentID    *string             `db:"instrument_id"`
	ReportDateLocal time.Time           `db:"report_date_local"`
	Amount          decimal.Decimal     `db:"amount"`
	WithholdingTax  decimal.NullDecimal `db:"withholding_tax"`
	Fees            decimal.NullDecimal `db:"fees"`
	Currency        string              `db:"currency"`
}

// InstrumentRow identifies one instrument for snapshot assembly
type InstrumentRow struct {
	InstrumentID string `db:"instrument_id"`
	Conid        string `db:"conid"`
	Symbol       string `db:"symbol"`
	Currency     string `db:"currency"`
}

// LotUpsert is one deterministic position-lot persistence request
type LotUpsert struct {
	PositionLotID        string
	AccountID            string
	InstrumentID         string
	OpenEventTradeFillID string
	OpenedAtUTC          time.Time
	ClosedAtUTC          *time.Time
	OpenQuantity         decimal.Decimal
	RemainingQuantity    decimal.Decimal
	OpenPrice            decimal.Decimal
	CostBasisOpen        decimal.Decimal
	RealizedPnlToDate    decimal.Decimal
	Status               string
}

// SnapshotUpsert is one daily snapshot persistence request
type SnapshotUpsert struct {
	AccountID       string
	ReportDateLocal string
	InstrumentID    string
	PositionQty     decimal.Decimal
	CostBasis       *decimal.Decimal
	RealizedPnl     decimal.Decimal
	UnrealizedPnl   decimal.Decimal
	TotalPnl        decimal.Decimal
	Fees            decimal.Decimal
	WithholdingTax  decimal.Decimal
	Currency        string
	Provisional     bool
	ValuationSource *string
	FxSource        *string
	IngestionRunID  *string
}

// SnapshotRow is one persisted daily snapshot exposed on read surfaces
type SnapshotRow struct {
	PnlSnapshotDailyID string              `db:"pnl_snapshot_daily_id" json:"pnl_snapshot_daily_id"`
	AccountID          string              `db:"account_id" json:"account_id"`
	ReportDateLocal    time.Time           `db:"report_date_local" json:"report_date_local"`
	InstrumentID       string              `db:"instrument_id" json:"instrument_id"`
	PositionQty        decimal.Decimal     `db:"position_qty" json:"position_qty"`
	CostBasis          decimal.NullDecimal `db:"cost_basis" json:"cost_basis"`
	RealizedPnl        decimal.Decimal     `db:"realized_pnl" json:"realized_pnl"`
	UnrealizedPnl      decimal.Decimal     `db:"unrealized_pnl" json:"unrealized_pnl"`
	TotalPnl           decimal.Decimal     `db:"total_pnl" json:"total_pnl"`
	Fees               decimal.Decimal     `db:"fees" json:"fees"`
	WithholdingTax     decimal.Decimal     `db:"withholding_tax" json:"withholding_tax"`
	Currency           string              `db:"currency" json:"currency"`
	Provisional        bool                `db:"provisional" json:"provisional"`
	ValuationSource    *string             `db:"valuation_source" json:"valuation_source,omitempty"`
	FxSource           *string             `db:"fx_source" json:"fx_source,omitempty"`
	IngestionRunID     *string             `db:"ingestion_run_id" json:"ingestion_run_id,omitempty"`
	CreatedAtUTC       time.Time           `db:"created_at_utc" json:"created_at_utc"`
}

// SnapshotFilter scopes one snapshot list read
type SnapshotFilter struct {
	Limit          int
	Offset         int
	SortBy         string
	SortDir        string
	ReportDateFrom *string
	ReportDateTo   *string
}

const snapshotColumns = `pnl_snapshot_daily_id, account_id, report_date_local, instrument_id,
	position_qty, cost_basis, realized_pnl, unrealized_pnl, total_pnl, fees,
	withholding_tax, currency, provisional, valuation_source, fx_source,
	ingestion_run_id, created_at_utc`

// snapshotSortOrders maps allowed sort keys to full ORDER BY clauses so the
// secondary ordering stays deterministic for every sort choice.
var snapshotSortOrders = map[string]map[string]string{
	"report_date_local": {
		"asc":  "report_date_local ASC, instrument_id ASC",
		"desc": "report_date_local DESC, instrument_id ASC",
	},
	"instrument_id": {
		"asc":  "instrument_id ASC, report_date_local DESC",
		"desc": "instrument_id DESC, report_date_local DESC",
	},
	"total_pnl": {
		"asc":  "total_pnl ASC, report_date_local DESC, instrument_id ASC",
		"desc": "total_pnl DESC, report_date_local DESC, instrument_id ASC",
	},
	"created_at_utc": {
		"asc":  "created_at_utc ASC, pnl_snapshot_daily_id ASC",
		"desc": "created_at_utc DESC, pnl_snapshot_daily_id DESC",
	},
}

// Repository owns ledger reads and lot/snapshot persistence
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository creates a ledger repository
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "ledger").Logger(),
	}
}

// ListTradeFills returns trade fills through the report date in
// deterministic FIFO input order.
func (r *Repository) ListTradeFills(ctx context.Context, accountID, throughReportDateLocal string) ([]TradeFillRow, error) {
	var rows []TradeFillRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT event_trade_fill_id, account_id, instrument_id, source_raw_record_id,
		       trade_timestamp_utc, report_date_local, side, quantity, price,
		       commission, fees, net_cash, net_cash_in_base, fx_rate_to_base, currency
		FROM event_trade_fill
		WHERE account_id = $1 AND report_date_local <= $2::date
		ORDER BY trade_timestamp_utc ASC, source_raw_record_id ASC, event_trade_fill_id ASC`,
		accountID, throughReportDateLocal)
	if err != nil {
		return nil, fmt.Errorf("failed to list trade fills: %w", err)
	}
	return rows, nil
}

// ListCashflows returns cashflows through the report date in deterministic
// order.
func (r *Repository) ListCashflows(ctx context.Context, accountID, throughReportDateLocal string) ([]CashflowRow, error) {
	var rows []CashflowRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT event_cashflow_id, instrument_id, report_date_local, amount,
		       withholding_tax, fees, currency
		FROM event_cashflow
		WHERE account_id = $1 AND report_date_local <= $2::date
		ORDER BY report_date_local ASC, event_cashflow_id ASC`,
		accountID, throughReportDateLocal)
	if err != nil {
		return nil, fmt.Errorf("failed to list cashflows: %w", err)
	}
	return rows, nil
}

// ListInstruments returns the account's instrument registry
func (r *Repository) ListInstruments(ctx context.Context, accountID string) ([]InstrumentRow, error) {
	var rows []InstrumentRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT instrument_id, conid, symbol, currency
		FROM instrument
		WHERE account_id = $1
		ORDER BY conid ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	return rows, nil
}

// ListManualCorpActionInstrumentIDs returns instruments carrying an
// unresolved manual corporate-action case. Their snapshot outputs stay
// provisional until the case is resolved.
func (r *Repository) ListManualCorpActionInstrumentIDs(ctx context.Context, accountID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT instrument_id
		FROM event_corp_action
		WHERE account_id = $1 AND requires_manual AND provisional
		  AND instrument_id IS NOT NULL
		ORDER BY instrument_id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list manual corp action instruments: %w", err)
	}
	return ids, nil
}

// rawCandidateRow is one raw statement row read back for valuation inputs
type rawCandidateRow struct {
	RawRecordID     string     `db:"raw_record_id"`
	ReportDateLocal *time.Time `db:"report_date_local"`
	SourcePayload   []byte     `db:"source_payload"`
	CreatedAtUTC    time.Time  `db:"created_at_utc"`
}

func (r *Repository) listRawCandidates(ctx context.Context, accountID, sectionName, throughReportDateLocal string) ([]rawCandidateRow, error) {
	var rows []rawCandidateRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT raw_record_id, report_date_local, source_payload, created_at_utc
		FROM raw_record
		WHERE account_id = $1 AND section_name = $2
		  AND (report_date_local IS NULL OR report_date_local <= $3::date)
		ORDER BY created_at_utc ASC, raw_record_id ASC`,
		accountID, sectionName, throughReportDateLocal)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s rows: %w", sectionName, err)
	}
	return rows, nil
}

// ListOpenPositionMarks returns OpenPositions mark candidates on or before
// the report date. Parsing is lenient: a row that cannot yield a candidate is
// simply not one, never an error.
func (r *Repository) ListOpenPositionMarks(ctx context.Context, accountID, reportDateLocal string) ([]valuation.OpenPositionMark, error) {
	rows, err := r.listRawCandidates(ctx, accountID, "OpenPositions", reportDateLocal)
	if err != nil {
		return nil, err
	}

	marks := make([]valuation.OpenPositionMark, 0, len(rows))
	for _, row := range rows {
		payload, ok := decodeRawPayload(row.SourcePayload)
		if !ok || payload["conid"] == "" {
			continue
		}
		marks = append(marks, valuation.OpenPositionMark{
			Conid:           payload["conid"],
			ReportDateLocal: candidateReportDate(payload, row.ReportDateLocal),
			MarkPrice:       lenientDecimal(payload["markPrice"]),
		})
	}
	return marks, nil
}

// ListTradeObservations returns Trades mark candidates on or before the
// report date.
func (r *Repository) ListTradeObservations(ctx context.Context, accountID, reportDateLocal string) ([]valuation.TradeObservation, error) {
	rows, err := r.listRawCandidates(ctx, accountID, "Trades", reportDateLocal)
	if err != nil {
		return nil, err
	}

	observations := make([]valuation.TradeObservation, 0, len(rows))
	for _, row := range rows {
		payload, ok := decodeRawPayload(row.SourcePayload)
		if !ok || payload["conid"] == "" {
			continue
		}
		observations = append(observations, valuation.TradeObservation{
			Conid:           payload["conid"],
			ReportDateLocal: candidateReportDate(payload, row.ReportDateLocal),
			DateTime:        lenientTimestamp(payload["dateTime"]),
			TransactionID:   payload["transactionID"],
			RawRecordID:     row.RawRecordID,
			ClosePrice:      lenientDecimal(payload["closePrice"]),
			TradePrice:      lenientDecimal(payload["tradePrice"]),
		})
	}
	return observations, nil
}

// ListConversionRates returns persisted ConversionRates candidates against
// the functional currency on or before the report date.
func (r *Repository) ListConversionRates(ctx context.Context, accountID, functionalCurrency, reportDateLocal string) ([]valuation.ConversionRateObservation, error) {
	type fxRow struct {
		EventFxID       string              `db:"event_fx_id"`
		ReportDateLocal time.Time           `db:"report_date_local"`
		Currency        string              `db:"currency"`
		Functional      string              `db:"functional_currency"`
		FxRate          decimal.NullDecimal `db:"fx_rate"`
		CreatedAtUTC    time.Time           `db:"created_at_utc"`
	}

	var rows []fxRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT event_fx_id, report_date_local, currency, functional_currency,
		       fx_rate, created_at_utc
		FROM event_fx
		WHERE account_id = $1 AND functional_currency = $2 AND fx_source = $3
		  AND fx_rate IS NOT NULL AND report_date_local <= $4::date
		ORDER BY report_date_local ASC, created_at_utc ASC, event_fx_id ASC`,
		accountID, functionalCurrency, domain.FxSourceConversionRates, reportDateLocal)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversion rates: %w", err)
	}

	observations := make([]valuation.ConversionRateObservation, 0, len(rows))
	for _, row := range rows {
		rate := row.FxRate.Decimal
		observations = append(observations, valuation.ConversionRateObservation{
			Currency:           row.Currency,
			FunctionalCurrency: row.Functional,
			ReportDateLocal:    row.ReportDateLocal.Format("2006-01-02"),
			Rate:               &rate,
			CreatedAtUTC:       row.CreatedAtUTC,
			SourceID:           row.EventFxID,
		})
	}
	return observations, nil
}

// UpsertPositionLots persists deterministic lot rows in one transaction.
// Conflicts on the deterministic lot id update only the mutable lifecycle
// fields.
func (r *Repository) UpsertPositionLots(ctx context.Context, lots []LotUpsert) error {
	if len(lots) == 0 {
		return nil
	}
	return database.WithTransaction(r.db, func(tx *sqlx.Tx) error {
		for _, lot := range lots {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO position_lot (
					position_lot_id, account_id, instrument_id, open_event_trade_fill_id,
					opened_at_utc, closed_at_utc, open_quantity, remaining_quantity,
					open_price, cost_basis_open, realized_pnl_to_date, status
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (position_lot_id) DO UPDATE SET
					remaining_quantity   = EXCLUDED.remaining_quantity,
					closed_at_utc        = EXCLUDED.closed_at_utc,
					realized_pnl_to_date = EXCLUDED.realized_pnl_to_date,
					status               = EXCLUDED.status,
					updated_at_utc       = now()`,
				lot.PositionLotID, lot.AccountID, lot.InstrumentID, lot.OpenEventTradeFillID,
				lot.OpenedAtUTC, lot.ClosedAtUTC, lot.OpenQuantity, lot.RemainingQuantity,
				lot.OpenPrice, lot.CostBasisOpen, lot.RealizedPnlToDate, lot.Status)
			if err != nil {
				return fmt.Errorf("failed to upsert position lot %s: %w", lot.PositionLotID, err)
			}
		}
		return nil
	})
}

// UpsertSnapshots persists daily snapshot rows in one transaction keyed by
// (account, report date, instrument); reruns converge.
func (r *Repository) UpsertSnapshots(ctx context.Context, rows []SnapshotUpsert) error {
	if len(rows) == 0 {
		return nil
	}
	return database.WithTransaction(r.db, func(tx *sqlx.Tx) error {
		for _, row := range rows {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO pnl_snapshot_daily (
					account_id, report_date_local, instrument_id, position_qty, cost_basis,
					realized_pnl, unrealized_pnl, total_pnl, fees, withholding_tax,
					currency, provisional, valuation_source, fx_source, ingestion_run_id
				) VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
				ON CONFLICT ON CONSTRAINT uq_pnl_snapshot_daily_account_date_instrument DO UPDATE SET
					position_qty     = EXCLUDED.position_qty,
					cost_basis       = EXCLUDED.cost_basis,
					realized_pnl     = EXCLUDED.realized_pnl,
					unrealized_pnl   = EXCLUDED.unrealized_pnl,
					total_pnl        = EXCLUDED.total_pnl,
					fees             = EXCLUDED.fees,
					withholding_tax  = EXCLUDED.withholding_tax,
					currency         = EXCLUDED.currency,
					provisional      = EXCLUDED.provisional,
					valuation_source = EXCLUDED.valuation_source,
					fx_source        = EXCLUDED.fx_source,
					ingestion_run_id = EXCLUDED.ingestion_run_id`,
				row.AccountID, row.ReportDateLocal, row.InstrumentID, row.PositionQty, row.CostBasis,
				row.RealizedPnl, row.UnrealizedPnl, row.TotalPnl, row.Fees, row.WithholdingTax,
				row.Currency, row.Provisional, row.ValuationSource, row.FxSource, row.IngestionRunID)
			if err != nil {
				return fmt.Errorf("failed to upsert snapshot for instrument %s: %w", row.InstrumentID, err)
			}
		}
		return nil
	})
}

// ListSnapshots returns persisted snapshots for the read API
func (r *Repository) ListSnapshots(ctx context.Context, accountID string, filter SnapshotFilter) ([]SnapshotRow, error) {
	if filter.Limit < 1 {
		return nil, fmt.Errorf("limit must be >= 1")
	}
	if filter.Offset < 0 {
		return nil, fmt.Errorf("offset must be >= 0")
	}

	directions, ok := snapshotSortOrders[filter.SortBy]
	if !ok {
		return nil, fmt.Errorf("unsupported sort_by %q", filter.SortBy)
	}
	orderBy, ok := directions[strings.ToLower(filter.SortDir)]
	if !ok {
		return nil, fmt.Errorf("unsupported sort_dir %q", filter.SortDir)
	}

	var rows []SnapshotRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+snapshotColumns+`
		FROM pnl_snapshot_daily
		WHERE account_id = $1
		  AND ($2::date IS NULL OR report_date_local >= $2::date)
		  AND ($3::date IS NULL OR report_date_local <= $3::date)
		ORDER BY `+orderBy+`
		LIMIT $4 OFFSET $5`,
		accountID, filter.ReportDateFrom, filter.ReportDateTo, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return rows, nil
}

// decodeRawPayload decodes one raw row's attribute mapping
func decodeRawPayload(raw []byte) (map[string]string, bool) {
	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	return payload, true
}

// candidateReportDate prefers the row's own date attributes over the
// artifact-level report date.
func candidateReportDate(payload map[string]string, artifactDate *time.Time) string {
	for _, key := range []string{"reportDate", "tradeDate"} {
		if parsed, ok := lenientDate(payload[key]); ok {
			return parsed
		}
	}
	if artifactDate != nil {
		return artifactDate.Format("2006-01-02")
	}
	return ""
}

var candidateDateLayouts = []string{"2006-01-02", "20060102", "2006/01/02"}

func lenientDate(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", false
	}
	for _, layout := range candidateDateLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.Format("2006-01-02"), true
		}
	}
	return "", false
}

var candidateTimestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02;15:04:05",
	"20060102;150405",
}

func lenientTimestamp(value string) time.Time {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}
	}
	for _, layout := range candidateTimestampLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func lenientDecimal(value string) *decimal.Decimal {
	cleaned := strings.ReplaceAll(strings.TrimSpace(value), ",", "")
	if cleaned == "" || cleaned == "-" || cleaned == "--" || cleaned == "N/A" {
		return nil
	}
	parsed, err := decimal.NewFromString(cleaned)
	if err != nil {
		return nil
	}
	return &parsed
}
