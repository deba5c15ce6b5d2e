package engine

import (
	"context"
	"sync"
	"time"

	"bourse/internal/common"
	"bourse/internal/ledger"
	"bourse/internal/queue"
	"bourse/internal/store"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// This is the main matching engine.

// Reporter receives every trade the engine executes.
type Reporter interface {
	ReportTrade(trade common.Trade) error
}

// Engine is the single matching authority. It drains the order queues into the
// book and matches crossing orders with price-time priority, moving money
// through the ledger and persisting results on a best-effort basis.
type Engine struct {
	// mu serialises matching cycles with cancellations. It is separate from
	// the ledger lock.
	mu sync.Mutex

	book     OrderBook
	cycle    uint64
	buys     *queue.OrderQueue
	sells    *queue.OrderQueue
	ledger   *ledger.Ledger
	store    store.Orders
	reporter Reporter
	now      func() time.Time
}

func New(l *ledger.Ledger, buys, sells *queue.OrderQueue, st store.Orders) *Engine {
	return &Engine{
		book:   NewOrderBook(),
		buys:   buys,
		sells:  sells,
		ledger: l,
		store:  st,
		now:    common.Now,
	}
}

func (engine *Engine) SetReporter(reporter Reporter) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	engine.reporter = reporter
}

// Restore puts persisted resting orders back into the book and the ledger's
// active index. Restored orders count as resting before any cycle.
func (engine *Engine) Restore(orders []common.Order) {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	for _, order := range orders {
		engine.rest(order, 0)
	}
}

// RunMatchingCycle drains both queues completely into the book, then matches
// until nothing crosses. It returns the executed trades.
func (engine *Engine) RunMatchingCycle() []common.Trade {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	engine.cycle++
	drained := engine.drain(engine.buys) + engine.drain(engine.sells)
	trades := engine.match()

	log.Debug().
		Uint64("cycle", engine.cycle).
		Int("drained", drained).
		Int("trades", len(trades)).
		Msg("matching cycle done")
	return trades
}

// RemoveOrder cancels a resting order. Book and active index change together;
// false means the order is not (or no longer) resting.
func (engine *Engine) RemoveOrder(id int64, side common.Side) bool {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	if _, ok := engine.book.remove(id, side); !ok {
		return false
	}
	engine.ledger.RemoveActiveOrder(id, side)
	return true
}

// Resting returns copies of every order in the book, bids then asks, each in
// priority order.
func (engine *Engine) Resting() []common.Order {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return append(engine.book.Orders(common.Buy), engine.book.Orders(common.Sell)...)
}

func (engine *Engine) Levels(side common.Side) []FlatPriceLevel {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.book.Levels(side)
}

func (engine *Engine) Depth() Depth {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.book.Depth()
}

func (engine *Engine) drain(q *queue.OrderQueue) int {
	n := 0
	for {
		order, ok := q.TryPop()
		if !ok {
			return n
		}
		engine.rest(order, engine.cycle)
		n++
	}
}

// rest adds an order to the book and to the ledger's active index in one step.
func (engine *Engine) rest(order common.Order, cycle uint64) {
	if order.Quantity == 0 {
		log.Warn().Int64("order", order.ID).Msg("dropping empty order")
		return
	}
	engine.book.insert(&restingOrder{order: order, cycle: cycle})
	engine.ledger.AddActiveOrder(order)
}

// Match consumes the top of book while it crosses (i.e., bid >= ask within
// epsilon). Each fill is priced at the maker's price.
func (engine *Engine) match() []common.Trade {
	var trades []common.Trade
	for {
		bidLevel, bid, bidOk := engine.book.best(common.Buy)
		askLevel, ask, askOk := engine.book.best(common.Sell)

		// If either side is empty, or prices don't cross, we are done.
		if !bidOk || !askOk || common.PriceLess(bid.order.Price, ask.order.Price) {
			break
		}

		maker := engine.makerSide(bid, ask)
		price := ask.order.Price
		if maker == common.Buy {
			price = bid.order.Price
		}
		matchQty := min(bid.order.Quantity, ask.order.Quantity)
		cost := price.Mul(decimal.NewFromInt(int64(matchQty)))

		// Quantities move first. A failed balance update below does not undo
		// them: the book stays correct and the ledger is flagged.
		now := engine.now()
		engine.book.fill(bid, matchQty)
		engine.book.fill(ask, matchQty)
		engine.settle(bid.order, ask.order, matchQty, cost, now)

		trade := common.Trade{
			Buy:       bid.order,
			Sell:      ask.order,
			Maker:     maker,
			MatchQty:  matchQty,
			Price:     price,
			Cost:      cost,
			Timestamp: now,
		}

		if bid.order.Filled() {
			engine.book.popHead(common.Buy, bidLevel)
			engine.complete(bid.order, price, now)
		}
		if ask.order.Filled() {
			engine.book.popHead(common.Sell, askLevel)
			engine.complete(ask.order, price, now)
		}

		engine.report(trade)
		trades = append(trades, trade)
	}
	return trades
}

// makerSide decides whose price a fill uses. The order that was already
// resting before this cycle is the maker. When both arrived in this cycle the
// sell price is used; when both were resting, the older order's.
func (engine *Engine) makerSide(bid, ask *restingOrder) common.Side {
	bidRests := bid.cycle < engine.cycle
	askRests := ask.cycle < engine.cycle

	switch {
	case bidRests && !askRests:
		return common.Buy
	case askRests && !bidRests:
		return common.Sell
	case bidRests && askRests && bid.order.Before(ask.order):
		return common.Buy
	default:
		return common.Sell
	}
}

// settle applies one fill to the ledger. Orders the fill completes leave the
// active index in the same step.
func (engine *Engine) settle(buy, sell common.Order, qty uint64, cost decimal.Decimal, at time.Time) {
	err := engine.ledger.ApplyMatch(ledger.Match{
		BuyID:    buy.ID,
		SellID:   sell.ID,
		Buyer:    buy.Owner,
		Seller:   sell.Owner,
		Quantity: qty,
		Cost:     cost,
		At:       at,
	})
	if err != nil {
		log.Error().
			Err(err).
			Bool("alarm", true).
			Str("buyer", buy.Owner).
			Str("seller", sell.Owner).
			Uint64("amount", qty).
			Str("cost", cost.String()).
			Msg("failed to apply match to balances")
		return
	}

	log.Info().
		Str("buyer", buy.Owner).
		Str("seller", sell.Owner).
		Uint64("amount", qty).
		Str("cost", cost.String()).
		Msg("matched orders")

	for _, username := range []string{sell.Owner, buy.Owner} {
		balance, err := engine.ledger.Balance(username)
		if err != nil {
			continue
		}
		engine.persistFailed("update balance", engine.store.UpdateBalance(context.Background(), balance))
	}
}

// complete records a quote at the execution price and persists the filled
// order. The order has already left the book and the ledger's active index.
func (engine *Engine) complete(order common.Order, price decimal.Decimal, at time.Time) {
	done := order
	done.CompletedAt = at

	quote := common.Quote{Price: price, Timestamp: at}
	engine.ledger.RecordQuote(quote)

	ctx := context.Background()
	engine.persistFailed("save completed order", engine.store.SaveCompletedOrder(ctx, done, at))
	engine.persistFailed("save quote", engine.store.SaveQuote(ctx, quote))
}

func (engine *Engine) report(trade common.Trade) {
	if engine.reporter == nil {
		return
	}
	if err := engine.reporter.ReportTrade(trade); err != nil {
		log.Warn().Err(err).Msg("unable to report trade")
	}
}

// persistFailed logs a storage error. In-memory state has already moved on
// and stays authoritative.
func (engine *Engine) persistFailed(op string, err error) {
	if err == nil {
		return
	}
	log.Error().
		Err(err).
		Str("op", op).
		Bool("alarm", true).
		Msg(common.ErrPersistence.Error())
}
