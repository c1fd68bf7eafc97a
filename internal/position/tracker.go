// Package position derives position state exclusively from recorded fills.
package position

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfold/backtester/internal/types"
)

// Tracker maintains open positions and finalized trades. All state is a pure
// function of the fill sequence: a position's quantity always equals the
// signed sum of fills since the symbol was last flat.
type Tracker struct {
	mu sync.RWMutex

	instruments map[string]types.Instrument
	positions   map[string]*types.Position
	lastPrice   map[string]decimal.Decimal
	trades      []types.Trade
	realized    decimal.Decimal // net P&L of finalized trades

	logger *slog.Logger
}

// NewTracker creates a tracker for the given instruments.
func NewTracker(instruments []types.Instrument, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	specs := make(map[string]types.Instrument, len(instruments))
	for _, ins := range instruments {
		specs[ins.Symbol] = ins
	}
	return &Tracker{
		instruments: specs,
		positions:   make(map[string]*types.Position),
		lastPrice:   make(map[string]decimal.Decimal),
		logger:      logger,
	}
}

// UpdateFromFill applies a fill and returns the resulting position and, when
// the fill fully closes a position, the finalized trade. A flip (opposite
// fill larger than the current size) is handled as one atomic transaction:
// close-and-realize first, then reopen with the signed remainder. P&L is
// never attributed across the two legs.
func (t *Tracker) UpdateFromFill(fill types.Fill) (*types.Position, *types.Trade, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !fill.Quantity.IsPositive() {
		return nil, nil, fmt.Errorf("%w: fill quantity %s", types.ErrInvalidOrder, fill.Quantity)
	}
	if fill.Side == types.SideFlat {
		return nil, nil, fmt.Errorf("%w: fill with flat side", types.ErrInvalidOrder)
	}

	signed := fill.SignedQuantity()
	pos, open := t.positions[fill.Symbol]

	if !open || pos.Quantity.IsZero() {
		p := t.openPosition(fill, signed, fill.Quantity, fill.Fee)
		cp := *p
		return &cp, nil, nil
	}

	switch {
	case sameSign(pos.Quantity, signed):
		t.increasePosition(pos, fill, signed)
		cp := clonePosition(pos)
		return &cp, nil, nil

	case fill.Quantity.LessThan(pos.Quantity.Abs()):
		t.partialClose(pos, fill)
		cp := clonePosition(pos)
		return &cp, nil, nil

	default:
		// Full close, or flip when the opposite fill exceeds the size.
		remainder := fill.Quantity.Sub(pos.Quantity.Abs())
		closeFee, openFee := splitFee(fill.Fee, pos.Quantity.Abs(), remainder)

		trade := t.fullClose(pos, fill, closeFee)
		t.trades = append(t.trades, trade)
		t.realized = t.realized.Add(trade.NetPnL)

		if remainder.IsPositive() {
			signedRemainder := remainder
			if fill.Side == types.SideShort {
				signedRemainder = remainder.Neg()
			}
			p := t.openPosition(fill, signedRemainder, remainder, openFee)
			cp := *p
			return &cp, &trade, nil
		}

		delete(t.positions, fill.Symbol)
		return nil, &trade, nil
	}
}

// UpdatePrice refreshes a symbol's unrealized P&L and extends the running
// MAE/MFE. MAE only worsens and MFE only improves over a position's life.
func (t *Tracker) UpdatePrice(symbol string, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastPrice[symbol] = price

	pos, ok := t.positions[symbol]
	if !ok || pos.Quantity.IsZero() {
		return
	}

	pos.UnrealizedPnL = unrealized(pos, price)
	if pos.UnrealizedPnL.LessThan(pos.MAE) {
		pos.MAE = pos.UnrealizedPnL
	}
	if pos.UnrealizedPnL.GreaterThan(pos.MFE) {
		pos.MFE = pos.UnrealizedPnL
	}
}

// ConfigureExits attaches the stop-loss, take-profit ladder, and originating
// signal to a freshly opened position. Called once per entry, from the
// approved order; subsequent calls for the same open position are ignored so
// exit state survives same-direction additions.
func (t *Tracker) ConfigureExits(symbol string, stop decimal.Decimal, levels []types.TakeProfitLevel, signalID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[symbol]
	if !ok {
		return
	}
	if !pos.StopLoss.IsZero() || len(pos.TakeProfits) > 0 {
		return
	}
	pos.StopLoss = stop
	pos.TakeProfits = make([]types.TakeProfitLevel, len(levels))
	copy(pos.TakeProfits, levels)
	pos.SignalID = signalID
}

// SetStopLoss replaces a position's stop level (breakeven moves and the like).
func (t *Tracker) SetStopLoss(symbol string, stop decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos, ok := t.positions[symbol]; ok {
		pos.StopLoss = stop
	}
}

// MarkTakeProfitFilled marks one ladder level as consumed so it cannot fire
// again.
func (t *Tracker) MarkTakeProfitFilled(symbol string, level int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[symbol]
	if !ok || level < 0 || level >= len(pos.TakeProfits) {
		return
	}
	pos.TakeProfits[level].Filled = true
}

// Get returns a copy of the position for a symbol.
func (t *Tracker) Get(symbol string) (types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pos, ok := t.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return clonePosition(pos), true
}

// All returns copies of every open position.
func (t *Tracker) All() []types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, clonePosition(pos))
	}
	return out
}

// OpenCount returns the number of open positions.
func (t *Tracker) OpenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// TotalExposure returns the summed notional of open positions at the last
// known prices, falling back to average entry when no price has been seen.
func (t *Tracker) TotalExposure() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := decimal.Zero
	for sym, pos := range t.positions {
		price, ok := t.lastPrice[sym]
		if !ok {
			price = pos.AvgEntryPrice
		}
		total = total.Add(pos.Notional(price))
	}
	return total
}

// TotalUnrealizedPnL sums unrealized P&L across open positions.
func (t *Tracker) TotalUnrealizedPnL() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := decimal.Zero
	for _, pos := range t.positions {
		total = total.Add(pos.UnrealizedPnL)
	}
	return total
}

// TotalRealizedPnL sums finalized trades plus partial exits of positions
// still open, net of fees.
func (t *Tracker) TotalRealizedPnL() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := t.realized
	for _, pos := range t.positions {
		total = total.Add(pos.RealizedPnL).Sub(pos.Fees)
	}
	return total
}

// Trades returns a copy of all finalized trades.
func (t *Tracker) Trades() []types.Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Trade, len(t.trades))
	copy(out, t.trades)
	return out
}

// FinalizeStopped converts every open position into a Stopped trade marked to
// the last known price. Used when a run is stopped with positions open.
func (t *Tracker) FinalizeStopped(at time.Time) []types.Trade {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []types.Trade
	for sym, pos := range t.positions {
		price, ok := t.lastPrice[sym]
		if !ok {
			price = pos.AvgEntryPrice
		}
		fill := types.Fill{
			ID:        uuid.New().String(),
			Symbol:    sym,
			Side:      pos.Side().Opposite(),
			Quantity:  pos.Quantity.Abs(),
			Price:     price,
			Timestamp: at,
			Reason:    types.FillReasonStopRun,
		}
		trade := t.fullClose(pos, fill, decimal.Zero)
		trade.Status = types.StatusStopped()
		t.trades = append(t.trades, trade)
		t.realized = t.realized.Add(trade.NetPnL)
		delete(t.positions, sym)
		out = append(out, trade)
	}
	return out
}

// openPosition creates a new position from an opening fill leg.
func (t *Tracker) openPosition(fill types.Fill, signedQty, absQty, fee decimal.Decimal) *types.Position {
	pos := &types.Position{
		ID:               uuid.New().String(),
		Symbol:           fill.Symbol,
		Quantity:         signedQty,
		AvgEntryPrice:    t.roundToTick(fill.Symbol, fill.Price),
		OriginalQuantity: absQty,
		Fees:             fee,
		OpenedAt:         fill.Timestamp,
		EntryOrderID:     fill.OrderID,
	}
	t.positions[fill.Symbol] = pos

	t.logger.Debug("position opened",
		"symbol", pos.Symbol,
		"side", pos.Side(),
		"quantity", pos.Quantity,
		"entry", pos.AvgEntryPrice,
	)
	return pos
}

// increasePosition recomputes the volume-weighted average entry for a
// same-direction fill, rounded to the instrument tick.
func (t *Tracker) increasePosition(pos *types.Position, fill types.Fill, signed decimal.Decimal) {
	oldAbs := pos.Quantity.Abs()
	newAbs := oldAbs.Add(fill.Quantity)

	weighted := oldAbs.Mul(pos.AvgEntryPrice).Add(fill.Quantity.Mul(fill.Price))
	pos.AvgEntryPrice = t.roundToTick(pos.Symbol, weighted.Div(newAbs))
	pos.Quantity = pos.Quantity.Add(signed)
	pos.Fees = pos.Fees.Add(fill.Fee)
	if newAbs.GreaterThan(pos.OriginalQuantity) {
		pos.OriginalQuantity = newAbs
	}
}

// partialClose realizes proportional P&L and shrinks the position. Average
// entry price is unchanged.
func (t *Tracker) partialClose(pos *types.Position, fill types.Fill) {
	pnl := legPnL(pos.Side(), pos.AvgEntryPrice, fill.Price, fill.Quantity)
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.Fees = pos.Fees.Add(fill.Fee)
	pos.Quantity = pos.Quantity.Add(fill.SignedQuantity())

	t.logger.Debug("position partially closed",
		"symbol", pos.Symbol,
		"closed_qty", fill.Quantity,
		"remaining", pos.Quantity,
		"realized", pnl,
	)
}

// fullClose realizes the entire remaining position and builds the trade
// record. Caller appends the trade and removes or replaces the position.
func (t *Tracker) fullClose(pos *types.Position, fill types.Fill, closeFee decimal.Decimal) types.Trade {
	remaining := pos.Quantity.Abs()
	pnl := legPnL(pos.Side(), pos.AvgEntryPrice, fill.Price, remaining)

	gross := pos.RealizedPnL.Add(pnl)
	fees := pos.Fees.Add(closeFee)
	net := gross.Sub(fees)

	trade := types.Trade{
		ID:         uuid.New().String(),
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side(),
		Quantity:   pos.OriginalQuantity,
		EntryPrice: pos.AvgEntryPrice,
		ExitPrice:  fill.Price,
		EntryTime:  pos.OpenedAt,
		ExitTime:   fill.Timestamp,
		GrossPnL:   gross,
		Fees:       fees,
		NetPnL:     net,
		RMultiple:  rMultiple(pos, net),
		MAE:        pos.MAE,
		MFE:        pos.MFE,
		Status:     types.StatusClosed(fill.Reason),
		SignalID:   pos.SignalID,
	}

	t.logger.Debug("trade closed",
		"symbol", trade.Symbol,
		"side", trade.Side,
		"net_pnl", trade.NetPnL,
		"reason", fill.Reason,
	)
	delete(t.positions, pos.Symbol)
	return trade
}

func (t *Tracker) roundToTick(symbol string, price decimal.Decimal) decimal.Decimal {
	ins, ok := t.instruments[symbol]
	if !ok {
		return price
	}
	return ins.RoundToTick(price)
}

// legPnL computes the realized P&L of closing qty at exitPrice against
// entryPrice for the given direction.
func legPnL(side types.Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == types.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// rMultiple expresses net P&L as a multiple of the initial risk
// (entry-to-stop distance times original size). Zero when no stop was set.
func rMultiple(pos *types.Position, net decimal.Decimal) decimal.Decimal {
	if pos.StopLoss.IsZero() || pos.OriginalQuantity.IsZero() {
		return decimal.Zero
	}
	risk := pos.AvgEntryPrice.Sub(pos.StopLoss).Abs().Mul(pos.OriginalQuantity)
	if risk.IsZero() {
		return decimal.Zero
	}
	return net.Div(risk)
}

func unrealized(pos *types.Position, price decimal.Decimal) decimal.Decimal {
	return legPnL(pos.Side(), pos.AvgEntryPrice, price, pos.Quantity.Abs())
}

func sameSign(a, b decimal.Decimal) bool {
	return (a.IsPositive() && b.IsPositive()) || (a.IsNegative() && b.IsNegative())
}

// splitFee divides a flip fill's fee proportionally between the closing and
// opening legs so neither leg's P&L carries the other's cost.
func splitFee(fee, closeQty, openQty decimal.Decimal) (closeFee, openFee decimal.Decimal) {
	total := closeQty.Add(openQty)
	if total.IsZero() || fee.IsZero() {
		return fee, decimal.Zero
	}
	closeFee = fee.Mul(closeQty).Div(total)
	return closeFee, fee.Sub(closeFee)
}

func clonePosition(pos *types.Position) types.Position {
	cp := *pos
	cp.TakeProfits = make([]types.TakeProfitLevel, len(pos.TakeProfits))
	copy(cp.TakeProfits, pos.TakeProfits)
	return cp
}
