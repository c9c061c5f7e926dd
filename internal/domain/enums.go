// Package domain holds the shared vocabulary of the pipeline: run and lot
// enumerations, deterministic error codes, valuation and FX source labels,
// and the run diagnostics timeline.
package domain

// Closed enumerations shared across the pipeline. Unknown values are rejected
// at the boundary that first sees them.

// RunType identifies what triggered a pipeline run
type RunType string

const (
	RunTypeScheduled RunType = "scheduled"
	RunTypeManual    RunType = "manual"
	RunTypeReprocess RunType = "reprocess"
)

// Valid reports whether the run type is a known trigger source
func (t RunType) Valid() bool {
	switch t {
	case RunTypeScheduled, RunTypeManual, RunTypeReprocess:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of an ingestion run
type RunStatus string

const (
	RunStatusStarted RunStatus = "started"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// TradeSide is the direction of a trade fill
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// Valid reports whether the side is a known direction
func (s TradeSide) Valid() bool {
	return s == TradeSideBuy || s == TradeSideSell
}

// LotStatus is the lifecycle state of a FIFO position lot
type LotStatus string

const (
	LotStatusOpen   LotStatus = "open"
	LotStatusClosed LotStatus = "closed"
)

// Deterministic run error codes surfaced by the orchestrators
const (
	ErrCodeTokenExpired      = "INGESTION_TOKEN_EXPIRED_ERROR"
	ErrCodeTokenInvalid      = "INGESTION_TOKEN_INVALID_ERROR"
	ErrCodeRequest           = "INGESTION_REQUEST_ERROR"
	ErrCodeStatement         = "INGESTION_STATEMENT_ERROR"
	ErrCodePollTimeout       = "INGESTION_POLL_TIMEOUT"
	ErrCodeTransport         = "INGESTION_TRANSPORT_ERROR"
	ErrCodeCancelled         = "INGESTION_CANCELLED"
	ErrCodeMissingSection    = "MISSING_REQUIRED_SECTION"
	ErrCodeMappingViolation  = "CANONICAL_MAPPING_CONTRACT_VIOLATION"
	ErrCodeRunAlreadyActive  = "RUN_ALREADY_ACTIVE"
	ErrCodeUnexpected        = "INGESTION_UNEXPECTED_ERROR"
	ErrCodeReprocessFailed   = "REPROCESS_UNEXPECTED_ERROR"
	ErrCodeInternalInvariant = "INGESTION_INTERNAL_ERROR"
)

// Valuation source labels emitted by the EOD mark resolver
const (
	ValuationSourceOpenPositionsMark  = "open_positions_mark_price"
	ValuationSourceTradesClosePrice   = "trades_close_price"
	ValuationSourceTradePriceOnBefore = "trade_price_on_or_before"
	ValuationSourceMissing            = "missing"
)

// FX source labels emitted by the execution-FX resolver
const (
	FxSourceTradeRateToBase = "trades_fx_rate_to_base"
	FxSourceDerived         = "derived"
	FxSourceConversionRates = "conversion_rates"
	FxSourceIdentity        = "identity"
	FxSourceMissing         = "missing"
)

// Provisional diagnostic codes attached to valuation and FX outputs
const (
	DiagEodMarkFallbackLastTrade = "EOD_MARK_FALLBACK_LAST_TRADE"
	DiagEodMarkMissingAllSources = "EOD_MARK_MISSING_ALL_SOURCES"
	DiagFxRateMissingAllSources  = "FX_RATE_MISSING_ALL_SOURCES"
)
