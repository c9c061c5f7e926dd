// Package valuation resolves end-of-day marks and execution FX rates from
// frozen source hierarchies. Resolvers are pure functions over candidate
// observations: they never touch storage and never fail. Absent sources
// degrade to provisional outputs carrying a diagnostic code.
package valuation

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/flexledger/internal/domain"
)

// OpenPositionMark is one OpenPositions observation eligible as an EOD mark
type OpenPositionMark struct {
	Conid           string
	ReportDateLocal string
	MarkPrice       *decimal.Decimal
}

// TradeObservation is one Trades row considered by the mark fallbacks
type TradeObservation struct {
	Conid           string
	ReportDateLocal string
	DateTime        time.Time
	TransactionID   string
	RawRecordID     string
	ClosePrice      *decimal.Decimal
	TradePrice      *decimal.Decimal
}

// MarkResolution is the outcome of the EOD mark hierarchy
type MarkResolution struct {
	Price          *decimal.Decimal
	Source         string
	Provisional    bool
	DiagnosticCode string
}

// ResolveEODMark applies the mark hierarchy for one (conid, report date):
// OpenPositions markPrice, then a same-day Trades closePrice, then the last
// tradePrice on or before the report date. The last-trade fallback and total
// absence both mark the output provisional.
func ResolveEODMark(conid, reportDateLocal string, marks []OpenPositionMark, trades []TradeObservation) MarkResolution {
	for _, mark := range marks {
		if mark.Conid == conid && mark.ReportDateLocal == reportDateLocal && mark.MarkPrice != nil {
			return MarkResolution{Price: mark.MarkPrice, Source: domain.ValuationSourceOpenPositionsMark}
		}
	}

	var sameDay *TradeObservation
	for i := range trades {
		trade := &trades[i]
		if trade.Conid != conid || trade.ReportDateLocal != reportDateLocal || trade.ClosePrice == nil {
			continue
		}
		if sameDay == nil || laterTrade(trade, sameDay) {
			sameDay = trade
		}
	}
	if sameDay != nil {
		return MarkResolution{Price: sameDay.ClosePrice, Source: domain.ValuationSourceTradesClosePrice}
	}

	var lastTrade *TradeObservation
	for i := range trades {
		trade := &trades[i]
		if trade.Conid != conid || trade.TradePrice == nil || trade.ReportDateLocal > reportDateLocal {
			continue
		}
		if lastTrade == nil || laterTrade(trade, lastTrade) {
			lastTrade = trade
		}
	}
	if lastTrade != nil {
		return MarkResolution{
			Price:          lastTrade.TradePrice,
			Source:         domain.ValuationSourceTradePriceOnBefore,
			Provisional:    true,
			DiagnosticCode: domain.DiagEodMarkFallbackLastTrade,
		}
	}

	return MarkResolution{
		Source:         domain.ValuationSourceMissing,
		Provisional:    true,
		DiagnosticCode: domain.DiagEodMarkMissingAllSources,
	}
}

// laterTrade reports whether a wins the tie-break over b: latest dateTime,
// then highest numeric transactionID, then highest raw-record id.
func laterTrade(a, b *TradeObservation) bool {
	if !a.DateTime.Equal(b.DateTime) {
		return a.DateTime.After(b.DateTime)
	}
	aID, aNumeric := numericID(a.TransactionID)
	bID, bNumeric := numericID(b.TransactionID)
	if aNumeric && bNumeric && !aID.Equal(bID) {
		return aID.GreaterThan(bID)
	}
	if aNumeric != bNumeric {
		return aNumeric
	}
	return a.RawRecordID > b.RawRecordID
}

func numericID(value string) (decimal.Decimal, bool) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return parsed, true
}

// TradeFxContext carries the FX fields observed on the trade fill itself
type TradeFxContext struct {
	FxRateToBase  *decimal.Decimal
	NetCash       *decimal.Decimal
	NetCashInBase *decimal.Decimal
}

// ConversionRateObservation is one persisted ConversionRates candidate
type ConversionRateObservation struct {
	Currency           string
	FunctionalCurrency string
	ReportDateLocal    string
	Rate               *decimal.Decimal
	CreatedAtUTC       time.Time
	SourceID           string
}

// FxResolution is the outcome of the execution-FX hierarchy
type FxResolution struct {
	Rate           *decimal.Decimal
	Source         string
	Provisional    bool
	DiagnosticCode string
}

// Derived rates round half-even to 10 fractional digits
const derivedFxScale = 10

// ResolveExecutionFx applies the execution-FX hierarchy for one currency
// pair: the trade's own fxRateToBase, then the rate derived from
// abs(netCashInBase)/abs(netCash), then the nearest ConversionRates row on or
// before the report date. A same-currency pair resolves to the identity rate.
func ResolveExecutionFx(currency, functionalCurrency, reportDateLocal string, trade *TradeFxContext, rates []ConversionRateObservation) FxResolution {
	if currency == functionalCurrency {
		one := decimal.NewFromInt(1)
		return FxResolution{Rate: &one, Source: domain.FxSourceIdentity}
	}

	if trade != nil {
		if trade.FxRateToBase != nil && !trade.FxRateToBase.IsZero() {
			return FxResolution{Rate: trade.FxRateToBase, Source: domain.FxSourceTradeRateToBase}
		}
		if trade.NetCash != nil && trade.NetCashInBase != nil && !trade.NetCash.IsZero() {
			derived := trade.NetCashInBase.Abs().
				DivRound(trade.NetCash.Abs(), derivedFxScale+4).
				RoundBank(derivedFxScale)
			return FxResolution{Rate: &derived, Source: domain.FxSourceDerived}
		}
	}

	if best := bestConversionRate(currency, functionalCurrency, reportDateLocal, rates); best != nil {
		return FxResolution{Rate: best.Rate, Source: domain.FxSourceConversionRates}
	}

	return FxResolution{
		Source:         domain.FxSourceMissing,
		Provisional:    true,
		DiagnosticCode: domain.DiagFxRateMissingAllSources,
	}
}

// bestConversionRate picks the exact-date row when one exists, otherwise the
// nearest previous date. Ties within a date go to the latest observation,
// then the highest source id.
func bestConversionRate(currency, functionalCurrency, reportDateLocal string, rates []ConversionRateObservation) *ConversionRateObservation {
	var best *ConversionRateObservation
	for i := range rates {
		rate := &rates[i]
		if rate.Currency != currency || rate.FunctionalCurrency != functionalCurrency || rate.Rate == nil {
			continue
		}
		if rate.ReportDateLocal > reportDateLocal {
			continue
		}
		if best == nil || betterRate(rate, best, reportDateLocal) {
			best = rate
		}
	}
	return best
}

func betterRate(a, b *ConversionRateObservation, reportDateLocal string) bool {
	aExact := a.ReportDateLocal == reportDateLocal
	bExact := b.ReportDateLocal == reportDateLocal
	if aExact != bExact {
		return aExact
	}
	if a.ReportDateLocal != b.ReportDateLocal {
		return a.ReportDateLocal > b.ReportDateLocal
	}
	if !a.CreatedAtUTC.Equal(b.CreatedAtUTC) {
		return a.CreatedAtUTC.After(b.CreatedAtUTC)
	}
	return a.SourceID > b.SourceID
}
