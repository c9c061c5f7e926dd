package canonical

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/flexledger/internal/domain"
)

// Sections the mapper interprets. Rows from any other section are persisted
// raw but never mapped.
const (
	sectionTrades           = "Trades"
	sectionCashTransactions = "CashTransactions"
	sectionConversionRates  = "ConversionRates"
	sectionCorporateActions = "CorporateActions"
)

const defaultAssetCategory = "STK"

// Mapper builds canonical event batches from raw rows. Routing is strictly
// by section name.
type Mapper struct {
	log zerolog.Logger
}

// NewMapper creates a canonical mapper
func NewMapper(log zerolog.Logger) *Mapper {
	return &Mapper{log: log.With().Str("service", "canonical_mapper").Logger()}
}

// BuildBatch maps raw rows into canonical upsert requests. Any row violating
// a required-field contract fails the whole batch.
func (m *Mapper) BuildBatch(accountID, functionalCurrency string, rows []RawRecordForMapping) (*Batch, error) {
	batch := &Batch{}

	for i := range rows {
		row := &rows[i]
		switch strings.TrimSpace(row.SectionName) {
		case sectionTrades:
			instrument, trade, err := m.mapTrade(accountID, functionalCurrency, row)
			if err != nil {
				return nil, err
			}
			batch.Instruments = append(batch.Instruments, *instrument)
			batch.TradeFills = append(batch.TradeFills, *trade)

		case sectionCashTransactions:
			instrument, cashflow, err := m.mapCashflow(accountID, functionalCurrency, row)
			if err != nil {
				return nil, err
			}
			if instrument != nil {
				batch.Instruments = append(batch.Instruments, *instrument)
			}
			batch.Cashflows = append(batch.Cashflows, *cashflow)

		case sectionConversionRates:
			fx, err := m.mapConversionRate(accountID, functionalCurrency, row)
			if err != nil {
				return nil, err
			}
			batch.FxEvents = append(batch.FxEvents, *fx)

		case sectionCorporateActions:
			instrument, action, err := m.mapCorpAction(accountID, row)
			if err != nil {
				return nil, err
			}
			if instrument != nil {
				batch.Instruments = append(batch.Instruments, *instrument)
			}
			batch.CorpActions = append(batch.CorpActions, *action)
		}
	}

	return batch, nil
}

func (m *Mapper) mapTrade(accountID, functionalCurrency string, row *RawRecordForMapping) (*InstrumentUpsertRequest, *TradeFillUpsertRequest, error) {
	ibExecID, err := requiredText(row, "ibExecID")
	if err != nil {
		return nil, nil, err
	}
	conid, err := requiredText(row, "conid")
	if err != nil {
		return nil, nil, err
	}
	side, err := requiredText(row, "buySell")
	if err != nil {
		return nil, nil, err
	}
	side = strings.ToUpper(side)
	if !domain.TradeSide(side).Valid() {
		return nil, nil, violation(row, "buySell", side, "unknown trade side")
	}
	quantity, err := requiredDecimal(row, "quantity")
	if err != nil {
		return nil, nil, err
	}
	price, err := requiredDecimal(row, "tradePrice")
	if err != nil {
		return nil, nil, err
	}
	currency, err := requiredText(row, "currency")
	if err != nil {
		return nil, nil, err
	}
	reportDate, err := resolveReportDate(row)
	if err != nil {
		return nil, nil, err
	}
	tradeTimestamp, err := resolveTradeTimestamp(row, reportDate)
	if err != nil {
		return nil, nil, err
	}

	optionals := map[string]*decimal.Decimal{}
	for _, field := range []string{"cost", "ibCommission", "fees", "fifoPnlRealized", "netCash", "netCashInBase", "fxRateToBase"} {
		value, err := optionalDecimal(row, field)
		if err != nil {
			return nil, nil, err
		}
		optionals[field] = value
	}

	instrument := m.buildInstrumentRequest(accountID, conid, currency, row.SourcePayload)
	trade := &TradeFillUpsertRequest{
		AccountID:         accountID,
		IngestionRunID:    row.IngestionRunID,
		SourceRawRecordID: row.RawRecordID,
		IbExecID:          ibExecID,
		TransactionID:     optionalText(row.SourcePayload, "transactionID"),
		TradeTimestampUTC: tradeTimestamp,
		ReportDateLocal:   reportDate,
		Side:              side,
		Quantity:          quantity,
		Price:             price,
		Cost:              optionals["cost"],
		Commission:        optionals["ibCommission"],
		Fees:              optionals["fees"],
		RealizedPnl:       optionals["fifoPnlRealized"],
		NetCash:           optionals["netCash"],
		NetCashInBase:     optionals["netCashInBase"],
		FxRateToBase:      optionals["fxRateToBase"],
		Currency:          currency,
		FunctionalCcy:     functionalCurrency,
	}
	return instrument, trade, nil
}

func (m *Mapper) mapCashflow(accountID, functionalCurrency string, row *RawRecordForMapping) (*InstrumentUpsertRequest, *CashflowUpsertRequest, error) {
	transactionID, err := requiredText(row, "transactionID")
	if err != nil {
		return nil, nil, err
	}
	cashAction, err := requiredText(row, "type")
	if err != nil {
		return nil, nil, err
	}
	amount, err := requiredDecimal(row, "amount")
	if err != nil {
		return nil, nil, err
	}
	currency, err := requiredText(row, "currency")
	if err != nil {
		return nil, nil, err
	}
	reportDate, err := resolveReportDate(row)
	if err != nil {
		return nil, nil, err
	}

	var effectiveAt *time.Time
	if raw := optionalText(row.SourcePayload, "dateTime"); raw != nil {
		parsed, err := parseTimestampUTC(*raw)
		if err != nil {
			return nil, nil, violation(row, "dateTime", *raw, "unresolvable timestamp")
		}
		effectiveAt = &parsed
	}

	amountInBase, err := optionalDecimal(row, "amountInBase")
	if err != nil {
		return nil, nil, err
	}
	withholding, err := optionalDecimal(row, "withholdingTax")
	if err != nil {
		return nil, nil, err
	}
	fees, err := optionalDecimal(row, "fees")
	if err != nil {
		return nil, nil, err
	}

	// Cashflows only carry an instrument when the row names a conid.
	var instrument *InstrumentUpsertRequest
	if conid := optionalText(row.SourcePayload, "conid"); conid != nil {
		instrument = m.buildInstrumentRequest(accountID, *conid, currency, row.SourcePayload)
	}

	cashflow := &CashflowUpsertRequest{
		AccountID:         accountID,
		IngestionRunID:    row.IngestionRunID,
		SourceRawRecordID: row.RawRecordID,
		TransactionID:     transactionID,
		CashAction:        cashAction,
		ReportDateLocal:   reportDate,
		EffectiveAtUTC:    effectiveAt,
		Amount:            amount,
		AmountInBase:      amountInBase,
		Currency:          currency,
		FunctionalCcy:     functionalCurrency,
		WithholdingTax:    withholding,
		Fees:              fees,
	}
	return instrument, cashflow, nil
}

func (m *Mapper) mapConversionRate(accountID, functionalCurrency string, row *RawRecordForMapping) (*FxUpsertRequest, error) {
	currency, err := requiredText(row, "fromCurrency")
	if err != nil {
		return nil, err
	}
	reportDate, err := resolveReportDate(row)
	if err != nil {
		return nil, err
	}
	rate, err := optionalDecimal(row, "rate")
	if err != nil {
		return nil, err
	}

	transactionID := row.SourceRowRef
	if txn := optionalText(row.SourcePayload, "transactionID"); txn != nil {
		transactionID = *txn
	}

	functional := functionalCurrency
	if to := optionalText(row.SourcePayload, "toCurrency"); to != nil {
		functional = *to
	}

	fx := &FxUpsertRequest{
		AccountID:         accountID,
		IngestionRunID:    row.IngestionRunID,
		SourceRawRecordID: row.RawRecordID,
		TransactionID:     transactionID,
		ReportDateLocal:   reportDate,
		Currency:          currency,
		FunctionalCcy:     functional,
		FxRate:            rate,
		FxSource:          domain.FxSourceConversionRates,
		Provisional:       rate == nil,
	}
	if rate == nil {
		diag := domain.DiagFxRateMissingAllSources
		fx.DiagnosticCode = &diag
	}
	return fx, nil
}

func (m *Mapper) mapCorpAction(accountID string, row *RawRecordForMapping) (*InstrumentUpsertRequest, *CorpActionUpsertRequest, error) {
	conid, err := requiredText(row, "conid")
	if err != nil {
		return nil, nil, err
	}
	reorgCode, err := requiredText(row, "type")
	if err != nil {
		return nil, nil, err
	}
	reportDate, err := resolveReportDate(row)
	if err != nil {
		return nil, nil, err
	}

	currency := "USD"
	if ccy := optionalText(row.SourcePayload, "currency"); ccy != nil {
		currency = *ccy
	}

	instrument := m.buildInstrumentRequest(accountID, conid, currency, row.SourcePayload)
	action := &CorpActionUpsertRequest{
		AccountID:         accountID,
		Conid:             conid,
		IngestionRunID:    row.IngestionRunID,
		SourceRawRecordID: row.RawRecordID,
		ActionID:          optionalText(row.SourcePayload, "actionID"),
		TransactionID:     optionalText(row.SourcePayload, "transactionID"),
		ReorgCode:         reorgCode,
		ReportDateLocal:   reportDate,
		Description:       optionalText(row.SourcePayload, "description"),
	}
	return instrument, action, nil
}

// buildInstrumentRequest collects conid-first identity plus alias attributes
func (m *Mapper) buildInstrumentRequest(accountID, conid, currency string, payload map[string]string) *InstrumentUpsertRequest {
	symbol := conid
	if s := optionalText(payload, "symbol"); s != nil {
		symbol = *s
	}
	assetCategory := defaultAssetCategory
	if ac := optionalText(payload, "assetCategory"); ac != nil {
		assetCategory = *ac
	}
	return &InstrumentUpsertRequest{
		AccountID:     accountID,
		Conid:         conid,
		Symbol:        symbol,
		LocalSymbol:   optionalText(payload, "localSymbol"),
		ISIN:          optionalText(payload, "isin"),
		CUSIP:         optionalText(payload, "cusip"),
		FIGI:          optionalText(payload, "figi"),
		AssetCategory: assetCategory,
		Currency:      currency,
		Description:   optionalText(payload, "description"),
	}
}

// resolveReportDate prefers the row's own reportDate attribute, falling back
// to the artifact's local report date.
func resolveReportDate(row *RawRecordForMapping) (string, error) {
	if raw := optionalText(row.SourcePayload, "reportDate"); raw != nil {
		parsed, err := parseDate(*raw)
		if err != nil {
			return "", violation(row, "reportDate", *raw, "unsupported date format")
		}
		return parsed, nil
	}
	if row.ReportDateLocal != "" {
		return row.ReportDateLocal, nil
	}
	return "", violation(row, "reportDate", "", "missing report date")
}

// resolveTradeTimestamp uses the row's dateTime when present, else midnight
// UTC of the report date.
func resolveTradeTimestamp(row *RawRecordForMapping, reportDate string) (time.Time, error) {
	if raw := optionalText(row.SourcePayload, "dateTime"); raw != nil {
		parsed, err := parseTimestampUTC(*raw)
		if err != nil {
			return time.Time{}, violation(row, "dateTime", *raw, "unresolvable timestamp")
		}
		return parsed, nil
	}
	parsed, err := time.Parse("2006-01-02", reportDate)
	if err != nil {
		return time.Time{}, violation(row, "reportDate", reportDate, "unsupported date format")
	}
	return parsed.UTC(), nil
}

func requiredText(row *RawRecordForMapping, field string) (string, error) {
	raw, present := row.SourcePayload[field]
	value := normalizeSentinel(raw)
	if !present || value == "" {
		return "", violation(row, field, raw, "missing required field")
	}
	return value, nil
}

func requiredDecimal(row *RawRecordForMapping, field string) (decimal.Decimal, error) {
	raw, present := row.SourcePayload[field]
	if !present || normalizeSentinel(raw) == "" {
		return decimal.Decimal{}, violation(row, field, raw, "missing required field")
	}
	value, err := parseDecimal(raw)
	if err != nil {
		return decimal.Decimal{}, violation(row, field, raw, "invalid numeric value")
	}
	return value, nil
}

func optionalDecimal(row *RawRecordForMapping, field string) (*decimal.Decimal, error) {
	raw, present := row.SourcePayload[field]
	if !present || normalizeSentinel(raw) == "" {
		return nil, nil
	}
	value, err := parseDecimal(raw)
	if err != nil {
		return nil, violation(row, field, raw, "invalid numeric value")
	}
	return &value, nil
}

func optionalText(payload map[string]string, field string) *string {
	value := normalizeSentinel(payload[field])
	if value == "" {
		return nil
	}
	return &value
}

func violation(row *RawRecordForMapping, field, rawValue, reason string) error {
	return &ContractViolationError{
		Section:      row.SectionName,
		SourceRowRef: row.SourceRowRef,
		Field:        field,
		RawValue:     strings.TrimSpace(rawValue),
		Reason:       reason,
	}
}
