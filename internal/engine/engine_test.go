package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bourse/internal/common"
	"bourse/internal/ledger"
	"bourse/internal/queue"
	"bourse/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

type MockReporter struct {
	trades []common.Trade
}

func (r *MockReporter) ReportTrade(trade common.Trade) error {
	r.trades = append(r.trades, trade)
	return nil
}

type testExchange struct {
	engine *Engine
	ledger *ledger.Ledger
	buys   *queue.OrderQueue
	sells  *queue.OrderQueue
	store  *store.Memory
	ids    common.IDGenerator
	clock  time.Time
}

func newTestExchange(t *testing.T, users ...string) *testExchange {
	t.Helper()
	x := &testExchange{
		ledger: ledger.New(ledger.DefaultCompletedLimit, ledger.DefaultQuoteLimit),
		buys:   queue.NewOrderQueue(),
		sells:  queue.NewOrderQueue(),
		store:  store.NewMemory(),
		clock:  time.UnixMilli(1_700_000_000_000),
	}
	x.engine = New(x.ledger, x.buys, x.sells, x.store)
	for _, u := range users {
		x.ledger.CreateAccount(u)
	}
	return x
}

// place queues an order. Each order gets a distinct creation time so time
// priority is deterministic.
func (x *testExchange) place(owner string, side common.Side, price string, qty uint64) common.Order {
	x.clock = x.clock.Add(time.Millisecond)
	order := common.Order{
		ID:            x.ids.Next(x.clock),
		Side:          side,
		Price:         dec(price),
		Quantity:      qty,
		TotalQuantity: qty,
		Owner:         owner,
		CreatedAt:     x.clock,
	}
	if side == common.Buy {
		x.buys.Push(order)
	} else {
		x.sells.Push(order)
	}
	return order
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertBalance(t *testing.T, l *ledger.Ledger, username, usd, rub string) {
	t.Helper()
	bal, err := l.Balance(username)
	require.NoError(t, err)
	assert.True(t, dec(usd).Equal(bal.USD), "%s usd: want %s got %s", username, usd, bal.USD)
	assert.True(t, dec(rub).Equal(bal.RUB), "%s rub: want %s got %s", username, rub, bal.RUB)
}

// assertAgreement checks that the book and the ledger's active index hold the
// same orders.
func assertAgreement(t *testing.T, x *testExchange) {
	t.Helper()
	buys, sells := x.ledger.ActiveOrders()
	active := map[int64]uint64{}
	for _, o := range append(buys, sells...) {
		active[o.ID] = o.Quantity
	}
	resting := map[int64]uint64{}
	for _, o := range x.engine.Resting() {
		resting[o.ID] = o.Quantity
	}
	assert.Equal(t, active, resting)
}

// --- Tests ------------------------------------------------------------------

func TestMatching_PriceTimePriority(t *testing.T) {
	x := newTestExchange(t, "User1", "User2", "User3")

	x.place("User1", common.Buy, "62", 10)
	x.place("User2", common.Buy, "63", 20)
	x.engine.RunMatchingCycle()

	x.place("User3", common.Sell, "61", 50)
	trades := x.engine.RunMatchingCycle()

	require.Len(t, trades, 2)
	assert.Equal(t, "User2", trades[0].Buy.Owner)
	assert.Equal(t, "User1", trades[1].Buy.Owner)

	assertBalance(t, x.ledger, "User2", "20", "-1260")
	assertBalance(t, x.ledger, "User1", "10", "-620")
	assertBalance(t, x.ledger, "User3", "-30", "1880")

	buys, sells := x.ledger.ActiveOrders()
	assert.Empty(t, buys)
	require.Len(t, sells, 1)
	assert.Equal(t, uint64(20), sells[0].Quantity)
	assert.Equal(t, uint64(50), sells[0].TotalQuantity)
	assertAgreement(t, x)
}

func TestMatching_ExactMatch(t *testing.T) {
	x := newTestExchange(t, "buyer", "seller")

	x.place("buyer", common.Buy, "72.5", 15)
	x.place("seller", common.Sell, "72.5", 15)
	trades := x.engine.RunMatchingCycle()

	require.Len(t, trades, 1)
	assertBalance(t, x.ledger, "buyer", "15", "-1087.5")
	assertBalance(t, x.ledger, "seller", "-15", "1087.5")

	buys, sells := x.ledger.ActiveOrders()
	assert.Empty(t, buys)
	assert.Empty(t, sells)
	assert.Empty(t, x.engine.Resting())
	assert.Len(t, x.ledger.Completed(0), 2)
	assert.Len(t, x.ledger.Quotes(0), 2)
}

func TestMatching_NonCrossingUntouched(t *testing.T) {
	x := newTestExchange(t, "buyer", "seller")

	x.place("buyer", common.Buy, "60", 10)
	x.place("seller", common.Sell, "61", 10)
	trades := x.engine.RunMatchingCycle()

	assert.Empty(t, trades)
	assertBalance(t, x.ledger, "buyer", "0", "0")
	assertBalance(t, x.ledger, "seller", "0", "0")

	buys, sells := x.ledger.ActiveOrders()
	assert.Len(t, buys, 1)
	assert.Len(t, sells, 1)
	assertAgreement(t, x)
}

func TestMatching_Ladder(t *testing.T) {
	x := newTestExchange(t, "Buyer1", "Buyer2", "Buyer3", "Seller1", "Seller2")

	x.place("Buyer1", common.Buy, "65", 20)
	x.place("Buyer2", common.Buy, "64", 15)
	x.place("Buyer3", common.Buy, "63", 10)
	x.engine.RunMatchingCycle()

	x.place("Seller1", common.Sell, "62", 30)
	x.place("Seller2", common.Sell, "63.5", 25)
	x.engine.RunMatchingCycle()

	assertBalance(t, x.ledger, "Buyer1", "20", "-1300")
	assertBalance(t, x.ledger, "Buyer2", "15", "-960")
	assertBalance(t, x.ledger, "Buyer3", "0", "0")
	assertBalance(t, x.ledger, "Seller1", "-30", "1940")
	assertBalance(t, x.ledger, "Seller2", "-5", "320")

	buys, sells := x.ledger.ActiveOrders()
	require.Len(t, buys, 1)
	require.Len(t, sells, 1)
	assert.Equal(t, "Buyer3", buys[0].Owner)
	assert.Equal(t, uint64(20), sells[0].Quantity)
	assertAgreement(t, x)
}

func TestMatching_MakerPrice(t *testing.T) {
	t.Run("resting sell is maker", func(t *testing.T) {
		x := newTestExchange(t, "b", "s")
		x.place("s", common.Sell, "60", 1)
		x.engine.RunMatchingCycle()
		x.place("b", common.Buy, "70", 1)
		trades := x.engine.RunMatchingCycle()

		require.Len(t, trades, 1)
		assert.Equal(t, common.Sell, trades[0].Maker)
		assert.True(t, dec("60").Equal(trades[0].Price))
	})

	t.Run("resting buy is maker", func(t *testing.T) {
		x := newTestExchange(t, "b", "s")
		x.place("b", common.Buy, "70", 1)
		x.engine.RunMatchingCycle()
		x.place("s", common.Sell, "60", 1)
		trades := x.engine.RunMatchingCycle()

		require.Len(t, trades, 1)
		assert.Equal(t, common.Buy, trades[0].Maker)
		assert.True(t, dec("70").Equal(trades[0].Price))
	})

	t.Run("both new uses sell price", func(t *testing.T) {
		x := newTestExchange(t, "b", "s")
		x.place("b", common.Buy, "70", 1)
		x.place("s", common.Sell, "60", 1)
		trades := x.engine.RunMatchingCycle()

		require.Len(t, trades, 1)
		assert.Equal(t, common.Sell, trades[0].Maker)
		assert.True(t, dec("60").Equal(trades[0].Price))
		assert.True(t, dec("60").Equal(x.ledger.Quotes(0)[0].Price))
	})

	t.Run("both restored uses older price", func(t *testing.T) {
		x := newTestExchange(t, "b", "s")
		x.engine.Restore([]common.Order{
			{ID: 2, Side: common.Sell, Price: dec("60"), Quantity: 1, TotalQuantity: 1, Owner: "s", CreatedAt: time.UnixMilli(2)},
			{ID: 1, Side: common.Buy, Price: dec("70"), Quantity: 1, TotalQuantity: 1, Owner: "b", CreatedAt: time.UnixMilli(1)},
		})
		trades := x.engine.RunMatchingCycle()

		require.Len(t, trades, 1)
		assert.Equal(t, common.Buy, trades[0].Maker)
		assert.True(t, dec("70").Equal(trades[0].Price))
	})
}

func TestMatching_TimePriorityWithinLevel(t *testing.T) {
	x := newTestExchange(t, "early", "late", "s")

	early := x.place("early", common.Buy, "50", 5)
	late := x.place("late", common.Buy, "50", 5)

	// Queue order is reversed relative to creation time.
	x.buys.TryPop()
	x.buys.TryPop()
	x.buys.Push(late)
	x.buys.Push(early)
	x.engine.RunMatchingCycle()

	x.place("s", common.Sell, "50", 5)
	trades := x.engine.RunMatchingCycle()

	require.Len(t, trades, 1)
	assert.Equal(t, early.ID, trades[0].Buy.ID)
	assertBalance(t, x.ledger, "late", "0", "0")
}

func TestMatching_EpsilonPrices(t *testing.T) {
	x := newTestExchange(t, "b", "s")

	x.place("b", common.Buy, "61.9999999", 3)
	x.place("s", common.Sell, "62", 3)
	trades := x.engine.RunMatchingCycle()

	assert.Len(t, trades, 1)
	levels := x.engine.Levels(common.Buy)
	assert.Empty(t, levels)
}

func TestMatching_Conservation(t *testing.T) {
	users := []string{"a", "b", "c", "d"}
	x := newTestExchange(t, users...)

	prices := []string{"60", "61.5", "62", "63.25", "64"}
	for i := 0; i < 40; i++ {
		side := common.Side(i % 2)
		x.place(users[i%len(users)], side, prices[(i*7)%len(prices)], uint64(i%5+1))
		if i%3 == 0 {
			x.engine.RunMatchingCycle()
			assertAgreement(t, x)
		}
	}
	x.engine.RunMatchingCycle()
	assertAgreement(t, x)

	usd, rub := decimal.Zero, decimal.Zero
	for _, bal := range x.ledger.Balances() {
		usd = usd.Add(bal.USD)
		rub = rub.Add(bal.RUB)
	}
	assert.True(t, usd.IsZero(), "usd sum %s", usd)
	assert.True(t, rub.IsZero(), "rub sum %s", rub)

	for _, o := range x.engine.Resting() {
		assert.Positive(t, o.Quantity)
		assert.LessOrEqual(t, o.Quantity, o.TotalQuantity)
	}
}

// Readers running next to the matching loop must see an active index where
// every order still has quantity left and, between cycles, exactly the
// orders resting in the book.
func TestMatching_ConcurrentReadersSeeAgreement(t *testing.T) {
	x := newTestExchange(t, "buyer", "seller")

	bookAndLedger := func() (resting, active map[int64]uint64) {
		x.engine.mu.Lock()
		defer x.engine.mu.Unlock()

		resting = map[int64]uint64{}
		orders := append(x.engine.book.Orders(common.Buy), x.engine.book.Orders(common.Sell)...)
		for _, o := range orders {
			resting[o.ID] = o.Quantity
		}
		active = map[int64]uint64{}
		buys, sells := x.ledger.ActiveOrders()
		for _, o := range append(buys, sells...) {
			active[o.ID] = o.Quantity
		}
		return resting, active
	}

	const cycles = 2000
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			buys, sells := x.ledger.ActiveOrders()
			for _, o := range append(buys, sells...) {
				assert.NotZero(t, o.Quantity, "order %d is active with nothing left", o.ID)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			resting, active := bookAndLedger()
			assert.Equal(t, resting, active)
		}
	}()

	for range cycles {
		x.place("buyer", common.Buy, "70", 3)
		x.place("seller", common.Sell, "70", 2)
		x.engine.RunMatchingCycle()
	}
	close(done)
	wg.Wait()

	assertBalance(t, x.ledger, "seller", "-4000", "280000")
	assertAgreement(t, x)
}

func TestRemoveOrder(t *testing.T) {
	x := newTestExchange(t, "b")

	order := x.place("b", common.Buy, "60", 10)
	x.engine.RunMatchingCycle()

	assert.False(t, x.engine.RemoveOrder(order.ID, common.Sell))
	assert.True(t, x.engine.RemoveOrder(order.ID, common.Buy))
	assert.False(t, x.engine.RemoveOrder(order.ID, common.Buy))

	_, ok := x.ledger.ActiveOrder(order.ID, common.Buy)
	assert.False(t, ok)
	assert.Empty(t, x.engine.Resting())
	assert.Equal(t, Depth{}, x.engine.Depth())
}

func TestMatching_UnknownAccountKeepsGoing(t *testing.T) {
	x := newTestExchange(t, "b", "s2")

	x.place("b", common.Buy, "70", 10)
	x.engine.RunMatchingCycle()
	x.place("ghost", common.Sell, "60", 5)
	x.place("s2", common.Sell, "61", 5)
	trades := x.engine.RunMatchingCycle()

	// Both fills happen even though the first could not move money.
	require.Len(t, trades, 2)
	assertBalance(t, x.ledger, "b", "5", "-350")
	assertBalance(t, x.ledger, "s2", "-5", "350")
	assert.Empty(t, x.engine.Resting())
	assertAgreement(t, x)
}

type failingStore struct {
	*store.Memory
}

var errDiskFull = errors.New("disk full")

func (failingStore) UpdateBalance(context.Context, common.Balance) error { return errDiskFull }
func (failingStore) SaveCompletedOrder(context.Context, common.Order, time.Time) error {
	return errDiskFull
}
func (failingStore) SaveQuote(context.Context, common.Quote) error { return errDiskFull }

func TestMatching_PersistenceFailureIsNotFatal(t *testing.T) {
	x := newTestExchange(t, "b", "s")
	x.engine = New(x.ledger, x.buys, x.sells, failingStore{store.NewMemory()})

	x.place("b", common.Buy, "70", 2)
	x.place("s", common.Sell, "70", 2)
	trades := x.engine.RunMatchingCycle()

	require.Len(t, trades, 1)
	assertBalance(t, x.ledger, "b", "2", "-140")
	assert.Len(t, x.ledger.Completed(0), 2)
}

func TestMatching_Persists(t *testing.T) {
	x := newTestExchange(t, "b", "s")
	ctx := context.Background()

	x.place("b", common.Buy, "70", 2)
	x.place("s", common.Sell, "70", 2)
	x.engine.RunMatchingCycle()

	completed, err := x.store.LoadLastCompleted(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, completed, 2)
	for _, o := range completed {
		assert.False(t, o.CompletedAt.IsZero())
	}

	quotes, err := x.store.LoadQuoteHistory(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, quotes, 2)

	balances, err := x.store.LoadBalances(ctx)
	require.NoError(t, err)
	assert.Len(t, balances, 2)
}

func TestMatching_Reports(t *testing.T) {
	x := newTestExchange(t, "b", "s")
	reporter := &MockReporter{}
	x.engine.SetReporter(reporter)

	x.place("b", common.Buy, "70", 3)
	x.place("s", common.Sell, "69", 1)
	x.place("s", common.Sell, "69.5", 1)
	x.engine.RunMatchingCycle()

	require.Len(t, reporter.trades, 2)
	assert.Equal(t, uint64(1), reporter.trades[0].MatchQty)
	assert.True(t, dec("69").Equal(reporter.trades[0].Price))
	assert.Equal(t, uint64(1), reporter.trades[1].Buy.Quantity)
}
