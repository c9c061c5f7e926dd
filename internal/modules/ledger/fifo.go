package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/flexledger/internal/domain"
)

// InvariantViolationError marks a ledger state that is impossible for
// well-formed canonical input, e.g. a sell consuming more than the open
// position. It aborts the run as an internal error rather than an
// operational failure.
type InvariantViolationError struct {
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("ledger invariant violated: %s", e.Reason)
}

// Fill is one canonical trade fill entering the FIFO computation.
// Commission and fees are treated as charge magnitudes; upstream sign
// conventions vary by section.
type Fill struct {
	EventTradeFillID  string
	SourceRawRecordID string
	TimestampUTC      time.Time
	Side              domain.TradeSide
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	Commission        decimal.Decimal
	Fees              decimal.Decimal
}

// Lot is one FIFO acquisition unit. CostBasisOpen includes the opening
// fill's charges, so the per-unit basis carries fees pro rata.
type Lot struct {
	OpenEventTradeFillID string
	OpenedAtUTC          time.Time
	ClosedAtUTC          *time.Time
	OpenQuantity         decimal.Decimal
	RemainingQuantity    decimal.Decimal
	OpenPrice            decimal.Decimal
	CostBasisOpen        decimal.Decimal
	RealizedPnlToDate    decimal.Decimal
	Status               domain.LotStatus
}

// CostBasisRemaining returns the cost attributable to the lot's unconsumed
// quantity, opening charges included pro rata.
func (l *Lot) CostBasisRemaining() decimal.Decimal {
	if l.OpenQuantity.IsZero() {
		return decimal.Zero
	}
	return l.CostBasisOpen.Mul(l.RemainingQuantity).Div(l.OpenQuantity)
}

// Result is the outcome of one per-instrument FIFO computation
type Result struct {
	Lots        []Lot
	RealizedPnl decimal.Decimal
	PositionQty decimal.Decimal
}

// ComputeFIFO replays the fill sequence through a queue of open lots. Fills
// are ordered by timestamp, then source raw record id as the deterministic
// tiebreaker. A BUY appends an open lot; a SELL consumes from the head,
// realizing proceeds minus pro-rata basis minus pro-rata closing charges.
// A sell exceeding the open position violates the ledger invariant.
func ComputeFIFO(fills []Fill) (*Result, error) {
	ordered := make([]Fill, len(fills))
	copy(ordered, fills)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].TimestampUTC.Equal(ordered[j].TimestampUTC) {
			return ordered[i].TimestampUTC.Before(ordered[j].TimestampUTC)
		}
		if ordered[i].SourceRawRecordID != ordered[j].SourceRawRecordID {
			return ordered[i].SourceRawRecordID < ordered[j].SourceRawRecordID
		}
		return ordered[i].EventTradeFillID < ordered[j].EventTradeFillID
	})

	result := &Result{RealizedPnl: decimal.Zero, PositionQty: decimal.Zero}
	var lots []*Lot
	var open []*Lot

	for i := range ordered {
		fill := &ordered[i]
		quantity := fill.Quantity.Abs()
		if quantity.IsZero() {
			continue
		}
		charges := fill.Commission.Abs().Add(fill.Fees.Abs())

		switch fill.Side {
		case domain.TradeSideBuy:
			lot := &Lot{
				OpenEventTradeFillID: fill.EventTradeFillID,
				OpenedAtUTC:          fill.TimestampUTC,
				OpenQuantity:         quantity,
				RemainingQuantity:    quantity,
				OpenPrice:            fill.Price,
				CostBasisOpen:        fill.Price.Mul(quantity).Add(charges),
				RealizedPnlToDate:    decimal.Zero,
				Status:               domain.LotStatusOpen,
			}
			lots = append(lots, lot)
			open = append(open, lot)

		case domain.TradeSideSell:
			remaining := quantity
			for remaining.IsPositive() {
				if len(open) == 0 {
					return nil, &InvariantViolationError{
						Reason: fmt.Sprintf("sell fill %s exceeds open position", fill.EventTradeFillID),
					}
				}
				lot := open[0]
				matched := decimal.Min(remaining, lot.RemainingQuantity)

				proceeds := fill.Price.Mul(matched)
				basis := lot.CostBasisOpen.Mul(matched).Div(lot.OpenQuantity)
				closeCharges := charges.Mul(matched).Div(quantity)
				realized := proceeds.Sub(basis).Sub(closeCharges)

				lot.RemainingQuantity = lot.RemainingQuantity.Sub(matched)
				lot.RealizedPnlToDate = lot.RealizedPnlToDate.Add(realized)
				result.RealizedPnl = result.RealizedPnl.Add(realized)

				if lot.RemainingQuantity.IsZero() {
					closedAt := fill.TimestampUTC
					lot.ClosedAtUTC = &closedAt
					lot.Status = domain.LotStatusClosed
					open = open[1:]
				}
				remaining = remaining.Sub(matched)
			}

		default:
			return nil, &InvariantViolationError{
				Reason: fmt.Sprintf("unknown trade side %q on fill %s", fill.Side, fill.EventTradeFillID),
			}
		}
	}

	for _, lot := range open {
		result.PositionQty = result.PositionQty.Add(lot.RemainingQuantity)
	}
	result.Lots = make([]Lot, len(lots))
	for i, lot := range lots {
		result.Lots[i] = *lot
	}
	return result, nil
}
