// Package execution simulates order fills against historical candles. The
// simulator never looks ahead: an order submitted on candle N is first
// evaluated against candle N+1.
package execution

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfold/backtester/internal/types"
)

// Config holds fill-model parameters.
type Config struct {
	SlippageBps       decimal.Decimal // applied against the trader on market and stop fills
	CommissionBps     decimal.Decimal // fee as basis points of fill notional
	BreakevenAfterTP1 bool            // move the stop to avg entry once the first TP fills
}

// DefaultConfig returns the fill model used when none is configured.
func DefaultConfig() Config {
	return Config{
		SlippageBps:   decimal.RequireFromString("2"),
		CommissionBps: decimal.RequireFromString("6"),
	}
}

var bpsDivisor = decimal.NewFromInt(10000)

// Cancellation records a pending order the simulator dropped, with the
// reason it could not be filled.
type Cancellation struct {
	Order types.Order
	Err   error
}

// StopMove instructs the caller to relocate a position's protective stop.
type StopMove struct {
	Symbol  string
	NewStop decimal.Decimal
}

// TakeProfitFill identifies a ladder level that fired this candle.
type TakeProfitFill struct {
	Symbol string
	Level  int
}

// ExitResult is everything ResolveExits produced for one candle.
type ExitResult struct {
	Fills     []types.Fill
	StopMoves []StopMove
	FilledTPs []TakeProfitFill
}

type pendingOrder struct {
	order       types.Order
	submittedAt time.Time
}

// Simulator fills orders against candles using a pessimistic intra-candle
// model: the stop loss is always checked before take profits.
type Simulator struct {
	mu sync.Mutex

	cfg         Config
	instruments map[string]types.Instrument
	pending     []pendingOrder
	usedIDs     map[string]bool
	logger      *slog.Logger
}

// NewSimulator creates a simulator with the given fill model.
func NewSimulator(cfg Config, instruments []types.Instrument, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	bySymbol := make(map[string]types.Instrument, len(instruments))
	for _, inst := range instruments {
		bySymbol[inst.Symbol] = inst
	}
	return &Simulator{
		cfg:         cfg,
		instruments: bySymbol,
		usedIDs:     make(map[string]bool),
		logger:      logger,
	}
}

// Submit places an order into the pending book. The order becomes eligible
// for fills on the first candle strictly after at. Resubmitting a client
// order ID is rejected.
func (s *Simulator) Submit(order types.Order, at time.Time) error {
	if err := order.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := order.ClientOrderID
	if key == "" {
		key = order.ID
	}
	if s.usedIDs[key] {
		return fmt.Errorf("%w: %s", types.ErrDuplicateOrder, key)
	}
	s.usedIDs[key] = true

	s.pending = append(s.pending, pendingOrder{order: order, submittedAt: at})
	s.logger.Debug("order submitted",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"type", order.Type.String(),
		"side", order.Side.String(),
		"quantity", order.Quantity,
	)
	return nil
}

// Cancel removes a pending order by client order ID.
func (s *Simulator) Cancel(clientOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.pending {
		if p.order.ClientOrderID == clientOrderID || p.order.ID == clientOrderID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", types.ErrOrderNotFound, clientOrderID)
}

// PendingCount returns the size of the pending book.
func (s *Simulator) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// FillPending evaluates the pending book against one candle and returns the
// fills plus any orders cancelled because the candle could not support a
// fair fill. Orders submitted at or after the candle's timestamp are held
// for a later candle.
func (s *Simulator) FillPending(candle types.Candle) ([]types.Fill, []Cancellation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	degenerateErr := validateForFills(candle)

	var (
		fills     []types.Fill
		cancelled []Cancellation
		remaining []pendingOrder
	)

	for _, p := range s.pending {
		if p.order.Symbol != candle.Symbol || !p.submittedAt.Before(candle.Timestamp) {
			remaining = append(remaining, p)
			continue
		}

		if degenerateErr != nil {
			cancelled = append(cancelled, Cancellation{Order: p.order, Err: degenerateErr})
			s.logger.Warn("order cancelled on degenerate candle",
				"order_id", p.order.ID,
				"symbol", p.order.Symbol,
				"err", degenerateErr,
			)
			continue
		}

		fill, filled := s.tryFill(p.order, candle)
		if filled {
			fills = append(fills, fill)
		} else {
			remaining = append(remaining, p)
		}
	}

	s.pending = remaining
	return fills, cancelled
}

// tryFill attempts one order against one candle.
func (s *Simulator) tryFill(order types.Order, candle types.Candle) (types.Fill, bool) {
	var price decimal.Decimal

	switch order.Type {
	case types.OrderTypeMarket:
		price = s.slip(candle.Open, order.Side)

	case types.OrderTypeLimit:
		// A limit fills at its own price once the candle trades through it.
		if !candle.Contains(order.LimitPrice) {
			return types.Fill{}, false
		}
		price = order.LimitPrice

	case types.OrderTypeStop:
		if !stopTriggered(order, candle) {
			return types.Fill{}, false
		}
		price = s.stopFillPrice(order, candle)

	default:
		return types.Fill{}, false
	}

	price = s.roundToTick(order.Symbol, price)
	return types.Fill{
		ID:        uuid.New().String(),
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  order.Quantity,
		Price:     price,
		Fee:       s.commission(price, order.Quantity),
		Timestamp: candle.Timestamp,
		Reason:    types.FillReasonEntry,
	}, true
}

func stopTriggered(order types.Order, candle types.Candle) bool {
	if order.Side == types.SideLong {
		// Buy stop triggers once price reaches it from below.
		return candle.High.GreaterThanOrEqual(order.StopPrice)
	}
	return candle.Low.LessThanOrEqual(order.StopPrice)
}

// stopFillPrice fills a triggered stop at the stop price plus slippage, but
// never better than the trigger. A gap through the stop fills at the open.
func (s *Simulator) stopFillPrice(order types.Order, candle types.Candle) decimal.Decimal {
	trigger := order.StopPrice
	if order.Side == types.SideLong {
		if candle.Open.GreaterThan(trigger) {
			trigger = candle.Open
		}
		return s.slip(trigger, types.SideLong)
	}
	if candle.Open.LessThan(trigger) {
		trigger = candle.Open
	}
	return s.slip(trigger, types.SideShort)
}

// ResolveExits checks each open position's stop loss and take-profit ladder
// against the candle. The stop is checked first; when both could have fired
// inside one candle the stop wins. TP levels close a fraction of the
// position's original size, each level at most once, with the final portion
// clamped to whatever remains.
func (s *Simulator) ResolveExits(candle types.Candle, positions []types.Position) ExitResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result ExitResult

	if err := validateForFills(candle); err != nil {
		return result
	}

	for _, pos := range positions {
		if pos.Symbol != candle.Symbol || pos.Side() == types.SideFlat {
			continue
		}
		if !pos.OpenedAt.Before(candle.Timestamp) {
			// Opened this candle; exits start on the next one.
			continue
		}

		if fill, ok := s.tryStopLoss(pos, candle); ok {
			result.Fills = append(result.Fills, fill)
			continue
		}

		fills, tps, moved := s.tryTakeProfits(pos, candle)
		result.Fills = append(result.Fills, fills...)
		result.FilledTPs = append(result.FilledTPs, tps...)
		if moved != nil {
			result.StopMoves = append(result.StopMoves, *moved)
		}
	}

	return result
}

func (s *Simulator) tryStopLoss(pos types.Position, candle types.Candle) (types.Fill, bool) {
	if pos.StopLoss.IsZero() {
		return types.Fill{}, false
	}

	side := pos.Side()
	triggered := false
	if side == types.SideLong {
		triggered = candle.Low.LessThanOrEqual(pos.StopLoss)
	} else {
		triggered = candle.High.GreaterThanOrEqual(pos.StopLoss)
	}
	if !triggered {
		return types.Fill{}, false
	}

	// Exit side is opposite the position; slippage works against the exit.
	exitSide := side.Opposite()
	trigger := pos.StopLoss
	if side == types.SideLong && candle.Open.LessThan(trigger) {
		trigger = candle.Open
	} else if side == types.SideShort && candle.Open.GreaterThan(trigger) {
		trigger = candle.Open
	}
	price := s.roundToTick(pos.Symbol, s.slip(trigger, exitSide))
	qty := pos.Quantity.Abs()

	s.logger.Info("stop loss hit",
		"symbol", pos.Symbol,
		"stop", pos.StopLoss,
		"fill_price", price,
		"quantity", qty,
	)
	return types.Fill{
		ID:        uuid.New().String(),
		OrderID:   pos.EntryOrderID,
		Symbol:    pos.Symbol,
		Side:      exitSide,
		Quantity:  qty,
		Price:     price,
		Fee:       s.commission(price, qty),
		Timestamp: candle.Timestamp,
		Reason:    types.FillReasonStopLoss,
	}, true
}

func (s *Simulator) tryTakeProfits(pos types.Position, candle types.Candle) ([]types.Fill, []TakeProfitFill, *StopMove) {
	var (
		fills    []types.Fill
		tpFills  []TakeProfitFill
		stopMove *StopMove
	)

	side := pos.Side()
	exitSide := side.Opposite()
	remaining := pos.Quantity.Abs()

	for i, level := range pos.TakeProfits {
		if level.Filled || remaining.IsZero() {
			continue
		}
		crossed := false
		if side == types.SideLong {
			crossed = candle.High.GreaterThanOrEqual(level.Price)
		} else {
			crossed = candle.Low.LessThanOrEqual(level.Price)
		}
		if !crossed {
			continue
		}

		qty := pos.OriginalQuantity.Mul(level.Fraction)
		if qty.GreaterThan(remaining) || isLastUnfilled(pos.TakeProfits, i) {
			qty = remaining
		}
		if !qty.IsPositive() {
			continue
		}

		// Levels rest as limit orders: filled at the level itself, or at the
		// open when the candle gaps through it.
		fillPrice := level.Price
		if side == types.SideLong && candle.Open.GreaterThan(fillPrice) {
			fillPrice = candle.Open
		} else if side == types.SideShort && candle.Open.LessThan(fillPrice) {
			fillPrice = candle.Open
		}
		price := s.roundToTick(pos.Symbol, fillPrice)
		fills = append(fills, types.Fill{
			ID:        uuid.New().String(),
			OrderID:   pos.EntryOrderID,
			Symbol:    pos.Symbol,
			Side:      exitSide,
			Quantity:  qty,
			Price:     price,
			Fee:       s.commission(price, qty),
			Timestamp: candle.Timestamp,
			Reason:    types.FillReasonTakeProfit,
		})
		tpFills = append(tpFills, TakeProfitFill{Symbol: pos.Symbol, Level: i})
		remaining = remaining.Sub(qty)

		if i == 0 && s.cfg.BreakevenAfterTP1 && !remaining.IsZero() {
			stopMove = &StopMove{Symbol: pos.Symbol, NewStop: pos.AvgEntryPrice}
		}

		s.logger.Info("take profit filled",
			"symbol", pos.Symbol,
			"level", i,
			"price", price,
			"quantity", qty,
			"remaining", remaining,
		)
	}

	return fills, tpFills, stopMove
}

// isLastUnfilled reports whether index i is the final unfilled ladder level,
// in which case the exit takes the whole remainder so rounding never strands
// a sliver of position.
func isLastUnfilled(levels []types.TakeProfitLevel, i int) bool {
	for j := i + 1; j < len(levels); j++ {
		if !levels[j].Filled {
			return false
		}
	}
	return true
}

// slip moves a price against the trader by the configured slippage.
func (s *Simulator) slip(price decimal.Decimal, side types.Side) decimal.Decimal {
	if s.cfg.SlippageBps.IsZero() {
		return price
	}
	adj := price.Mul(s.cfg.SlippageBps).Div(bpsDivisor)
	if side == types.SideLong {
		return price.Add(adj) // buyer pays up
	}
	return price.Sub(adj) // seller receives less
}

func (s *Simulator) commission(price, quantity decimal.Decimal) decimal.Decimal {
	if s.cfg.CommissionBps.IsZero() {
		return decimal.Zero
	}
	return price.Mul(quantity).Mul(s.cfg.CommissionBps).Div(bpsDivisor)
}

func (s *Simulator) roundToTick(symbol string, price decimal.Decimal) decimal.Decimal {
	inst, ok := s.instruments[symbol]
	if !ok {
		return price
	}
	return inst.RoundToTick(price)
}

// validateForFills rejects candles that cannot support a fair fill.
func validateForFills(candle types.Candle) error {
	if err := candle.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrDegenerateCandle, err)
	}
	if candle.High.Equal(candle.Low) {
		return fmt.Errorf("%w: zero range at %s", types.ErrDegenerateCandle, candle.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Reset clears the pending book and the used-ID set.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.usedIDs = make(map[string]bool)
}
