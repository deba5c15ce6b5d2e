package engine

import (
	"sort"

	"bourse/internal/common"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// restingOrder is an order sat in the book, tagged with the matching cycle it
// was drained in. Orders from earlier cycles are makers.
type restingOrder struct {
	order common.Order
	cycle uint64
}

type PriceLevel struct {
	priceLevel decimal.Decimal
	orders     []*restingOrder
}

type PriceLevels = btree.BTreeG[*PriceLevel]

// OrderBook holds the resting orders of both sides. It has no lock of its own:
// the engine mutex guards every access.
type OrderBook struct {
	// Price levels to orders sat on the price level, sorted by time priority.
	// Prices within common.PriceEpsilon share a level.
	bids *PriceLevels
	asks *PriceLevels

	// Some book keeping
	nBuyOrders   uint64 // Track the number of bids in the book.
	nSellOrders  uint64 // Track the number of asks in the book.
	buyQuantity  uint64 // Track the bid-side liquidity of the book.
	sellQuantity uint64 // Track the ask-side liquidity of the book.
}

func NewOrderBook() OrderBook {
	// Sorted greatest first.
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return common.PriceLess(b.priceLevel, a.priceLevel)
	})
	// Sorted least first.
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return common.PriceLess(a.priceLevel, b.priceLevel)
	})
	return OrderBook{
		bids: bids,
		asks: asks,
	}
}

func (book *OrderBook) levels(side common.Side) *PriceLevels {
	if side == common.Buy {
		return book.bids
	}
	return book.asks
}

// insert places an order at its price level, behind every order with earlier
// time priority. Queue arrival order does not matter.
func (book *OrderBook) insert(resting *restingOrder) {
	levels := book.levels(resting.order.Side)

	// Levels comparator only accounts for price levels, so we create a dummy price
	// level for the search.
	level, ok := levels.GetMut(&PriceLevel{priceLevel: resting.order.Price})
	if !ok {
		levels.Set(&PriceLevel{
			priceLevel: resting.order.Price,
			orders:     []*restingOrder{resting},
		})
	} else {
		i := sort.Search(len(level.orders), func(i int) bool {
			return resting.order.Before(level.orders[i].order)
		})
		level.orders = append(level.orders, nil)
		copy(level.orders[i+1:], level.orders[i:])
		level.orders[i] = resting
	}

	book.track(resting.order.Side, 1, resting.order.Quantity)
}

func (book *OrderBook) track(side common.Side, orders, quantity uint64) {
	switch side {
	case common.Buy:
		book.nBuyOrders += orders
		book.buyQuantity += quantity
	case common.Sell:
		book.nSellOrders += orders
		book.sellQuantity += quantity
	}
}

func (book *OrderBook) untrack(side common.Side, orders, quantity uint64) {
	switch side {
	case common.Buy:
		book.nBuyOrders -= orders
		book.buyQuantity -= quantity
	case common.Sell:
		book.nSellOrders -= orders
		book.sellQuantity -= quantity
	}
}

// best returns the top of book for a side.
func (book *OrderBook) best(side common.Side) (*PriceLevel, *restingOrder, bool) {
	// Min accounts for bids and asks being in inverse order, based on their
	// comparison method.
	level, ok := book.levels(side).MinMut()
	if !ok {
		return nil, nil, false
	}
	return level, level.orders[0], true
}

// fill reduces a resting order by qty.
func (book *OrderBook) fill(resting *restingOrder, qty uint64) {
	resting.order.Quantity -= qty
	book.untrack(resting.order.Side, 0, qty)
}

// popHead drops the first order of a level, and the level once it is empty.
func (book *OrderBook) popHead(side common.Side, level *PriceLevel) {
	level.orders[0] = nil
	level.orders = level.orders[1:]
	book.untrack(side, 1, 0)
	if len(level.orders) == 0 {
		book.levels(side).Delete(level)
	}
}

// remove takes an order out of the book wherever it sits.
func (book *OrderBook) remove(id int64, side common.Side) (common.Order, bool) {
	levels := book.levels(side)

	var (
		found *PriceLevel
		index int
	)
	levels.Scan(func(level *PriceLevel) bool {
		for i, resting := range level.orders {
			if resting.order.ID == id {
				found, index = level, i
				return false
			}
		}
		return true
	})
	if found == nil {
		return common.Order{}, false
	}

	order := found.orders[index].order
	found.orders = append(found.orders[:index], found.orders[index+1:]...)
	book.untrack(side, 1, order.Quantity)
	if len(found.orders) == 0 {
		levels.Delete(found)
	}
	return order, true
}

// FlatPriceLevel is a copy of a price level for inspection.
type FlatPriceLevel struct {
	PriceLevel decimal.Decimal
	Orders     []common.Order
}

// Levels returns copies of one side's price levels, best first.
func (book *OrderBook) Levels(side common.Side) []FlatPriceLevel {
	var out []FlatPriceLevel
	book.levels(side).Scan(func(level *PriceLevel) bool {
		flat := FlatPriceLevel{
			PriceLevel: level.priceLevel,
			Orders:     make([]common.Order, len(level.orders)),
		}
		for i, resting := range level.orders {
			flat.Orders[i] = resting.order
		}
		out = append(out, flat)
		return true
	})
	return out
}

// Orders returns copies of one side's orders in priority order.
func (book *OrderBook) Orders(side common.Side) []common.Order {
	var out []common.Order
	for _, level := range book.Levels(side) {
		out = append(out, level.Orders...)
	}
	return out
}

// Depth summarises the size of the book.
type Depth struct {
	BuyOrders    uint64
	SellOrders   uint64
	BuyQuantity  uint64
	SellQuantity uint64
}

func (book *OrderBook) Depth() Depth {
	return Depth{
		BuyOrders:    book.nBuyOrders,
		SellOrders:   book.nSellOrders,
		BuyQuantity:  book.buyQuantity,
		SellQuantity: book.sellQuantity,
	}
}
