// Package canonical transforms raw statement rows into the four canonical
// business event kinds and persists them with frozen natural-key UPSERT
// semantics. Instruments are identified conid-first.
package canonical

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RawRecordForMapping is one persisted raw row handed to the mapper.
// SourcePayload is the XML element's attributes as a string mapping.
type RawRecordForMapping struct {
	RawRecordID     string
	IngestionRunID  string
	AccountID       string
	PeriodKey       string
	FlexQueryID     string
	ReportDateLocal string // YYYY-MM-DD, empty when the artifact had no date
	SectionName     string
	SourceRowRef    string
	SourcePayload   map[string]string
}

// ContractViolationError is a fail-fast mapping failure. The whole run fails;
// partial canonical commits are not allowed.
type ContractViolationError struct {
	Section      string
	SourceRowRef string
	Field        string
	RawValue     string
	Reason       string
}

func (e *ContractViolationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("mapping contract violation: %s for field %q (value %q) in %s at %s",
			e.Reason, e.Field, e.RawValue, e.Section, e.SourceRowRef)
	}
	return fmt.Sprintf("mapping contract violation: %s in %s at %s", e.Reason, e.Section, e.SourceRowRef)
}

// InstrumentUpsertRequest carries conid-first instrument identity plus alias
// attributes collected from a mapped row.
type InstrumentUpsertRequest struct {
	AccountID     string
	Conid         string
	Symbol        string
	LocalSymbol   *string
	ISIN          *string
	CUSIP         *string
	FIGI          *string
	AssetCategory string
	Currency      string
	Description   *string
}

// InstrumentRecord is the persisted identity returned by an instrument upsert
type InstrumentRecord struct {
	InstrumentID string `db:"instrument_id"`
	AccountID    string `db:"account_id"`
	Conid        string `db:"conid"`
}

// TradeFillUpsertRequest is one canonical execution keyed (account, ib_exec_id)
type TradeFillUpsertRequest struct {
	AccountID         string
	InstrumentID      string // resolved after instrument upsert
	IngestionRunID    string
	SourceRawRecordID string
	IbExecID          string
	TransactionID     *string
	TradeTimestampUTC time.Time
	ReportDateLocal   string
	Side              string
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	Cost              *decimal.Decimal
	Commission        *decimal.Decimal
	Fees              *decimal.Decimal
	RealizedPnl       *decimal.Decimal
	NetCash           *decimal.Decimal
	NetCashInBase     *decimal.Decimal
	FxRateToBase      *decimal.Decimal
	Currency          string
	FunctionalCcy     string
}

// CashflowUpsertRequest is one canonical cashflow keyed
// (account, transaction_id, cash_action, currency)
type CashflowUpsertRequest struct {
	AccountID         string
	InstrumentID      *string
	IngestionRunID    string
	SourceRawRecordID string
	TransactionID     string
	CashAction        string
	ReportDateLocal   string
	EffectiveAtUTC    *time.Time
	Amount            decimal.Decimal
	AmountInBase      *decimal.Decimal
	Currency          string
	FunctionalCcy     string
	WithholdingTax    *decimal.Decimal
	Fees              *decimal.Decimal
}

// FxUpsertRequest is one canonical FX event keyed
// (account, transaction_id, currency, functional_currency)
type FxUpsertRequest struct {
	AccountID         string
	IngestionRunID    string
	SourceRawRecordID string
	TransactionID     string
	ReportDateLocal   string
	Currency          string
	FunctionalCcy     string
	FxRate            *decimal.Decimal
	FxSource          string
	Provisional       bool
	DiagnosticCode    *string
}

// CorpActionUpsertRequest is one canonical corporate action keyed
// (account, action_id), with a fallback key when action_id is absent.
type CorpActionUpsertRequest struct {
	AccountID         string
	InstrumentID      *string
	Conid             string
	IngestionRunID    string
	SourceRawRecordID string
	ActionID          *string
	TransactionID     *string
	ReorgCode         string
	ReportDateLocal   string
	Description       *string
	RequiresManual    bool
	Provisional       bool
	ManualCaseID      *string
}

// Batch groups the canonical upsert requests mapped from one set of raw rows
type Batch struct {
	Instruments []InstrumentUpsertRequest
	TradeFills  []TradeFillUpsertRequest
	Cashflows   []CashflowUpsertRequest
	FxEvents    []FxUpsertRequest
	CorpActions []CorpActionUpsertRequest
}

// Counters reports persisted canonical rows by event kind
type Counters struct {
	InstrumentUpserts int `json:"instrument_upsert_count"`
	TradeFills        int `json:"trade_fill_count"`
	Cashflows         int `json:"cashflow_count"`
	FxEvents          int `json:"fx_count"`
	CorpActions       int `json:"corp_action_count"`
}
