package ledger

import (
	"sync"
	"testing"
	"time"

	"bourse/internal/common"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testOrder(id int64, side common.Side, price string, qty uint64, owner string) common.Order {
	return common.Order{
		ID:            id,
		Side:          side,
		Price:         dec(price),
		Quantity:      qty,
		TotalQuantity: qty,
		Owner:         owner,
		CreatedAt:     time.UnixMilli(1_700_000_000_000 + id),
	}
}

func assertBalance(t *testing.T, l *Ledger, username, usd, rub string) {
	t.Helper()
	bal, err := l.Balance(username)
	require.NoError(t, err)
	assert.True(t, dec(usd).Equal(bal.USD), "%s usd: want %s got %s", username, usd, bal.USD)
	assert.True(t, dec(rub).Equal(bal.RUB), "%s rub: want %s got %s", username, rub, bal.RUB)
}

// --- Tests ------------------------------------------------------------------

func TestCreateAccount(t *testing.T) {
	l := New(0, 0)

	assert.True(t, l.CreateAccount("alice"))
	require.NoError(t, l.AdjustBalance("alice", common.RUB, dec("100")))

	// A second create must not reset the wallet.
	assert.False(t, l.CreateAccount("alice"))
	assertBalance(t, l, "alice", "0", "100")
	assert.True(t, l.HasAccount("alice"))
	assert.False(t, l.HasAccount("bob"))
}

func TestUnknownAccount(t *testing.T) {
	l := New(0, 0)

	_, err := l.Balance("ghost")
	assert.ErrorIs(t, err, common.ErrAccountNotFound)

	err = l.AdjustBalance("ghost", common.USD, dec("1"))
	assert.ErrorIs(t, err, common.ErrAccountNotFound)
}

func TestAdjustBalance_AllowsNegative(t *testing.T) {
	l := New(0, 0)
	l.CreateAccount("alice")

	require.NoError(t, l.AdjustBalance("alice", common.USD, dec("-15")))
	require.NoError(t, l.AdjustBalance("alice", common.RUB, dec("2.5")))
	assertBalance(t, l, "alice", "-15", "2.5")
}

func TestApplyMatch_Conserves(t *testing.T) {
	l := New(0, 0)
	l.CreateAccount("buyer")
	l.CreateAccount("seller")
	l.AddActiveOrder(testOrder(1, common.Buy, "72.5", 20, "buyer"))
	l.AddActiveOrder(testOrder(2, common.Sell, "72.5", 15, "seller"))

	err := l.ApplyMatch(Match{
		BuyID: 1, SellID: 2,
		Buyer: "buyer", Seller: "seller",
		Quantity: 15, Cost: dec("1087.5"),
	})
	require.NoError(t, err)

	assertBalance(t, l, "buyer", "15", "-1087.5")
	assertBalance(t, l, "seller", "-15", "1087.5")

	usd, rub := decimal.Zero, decimal.Zero
	for _, b := range l.Balances() {
		usd = usd.Add(b.USD)
		rub = rub.Add(b.RUB)
	}
	assert.True(t, usd.IsZero())
	assert.True(t, rub.IsZero())

	buy, ok := l.ActiveOrder(1, common.Buy)
	require.True(t, ok)
	assert.Equal(t, uint64(5), buy.Quantity)
	assert.Equal(t, uint64(20), buy.TotalQuantity)

	_, ok = l.ActiveOrder(2, common.Sell)
	assert.False(t, ok, "a filled order is no longer active")
	completed := l.Completed(0)
	require.Len(t, completed, 1)
	assert.Equal(t, int64(2), completed[0].ID)
}

func TestApplyMatch_UnknownAccountTouchesNoBalance(t *testing.T) {
	l := New(0, 0)
	l.CreateAccount("seller")
	l.AddActiveOrder(testOrder(1, common.Buy, "60", 10, "ghost"))
	l.AddActiveOrder(testOrder(2, common.Sell, "60", 10, "seller"))

	err := l.ApplyMatch(Match{
		BuyID: 1, SellID: 2,
		Buyer: "ghost", Seller: "seller",
		Quantity: 10, Cost: dec("600"),
	})
	assert.ErrorIs(t, err, common.ErrAccountNotFound)

	assertBalance(t, l, "seller", "0", "0")

	// Quantities follow the book even when balances could not be applied.
	_, ok := l.ActiveOrder(1, common.Buy)
	assert.False(t, ok)
	assert.Len(t, l.Completed(0), 2)
}

func TestApplyMatch_CompletesFilledOrders(t *testing.T) {
	l := New(0, 0)
	l.CreateAccount("alice")
	l.CreateAccount("bob")
	l.AddActiveOrder(testOrder(7, common.Sell, "61", 10, "alice"))
	l.AddActiveOrder(testOrder(8, common.Buy, "61", 25, "bob"))

	at := time.UnixMilli(1_700_000_001_000)
	require.NoError(t, l.ApplyMatch(Match{
		BuyID: 8, SellID: 7,
		Buyer: "bob", Seller: "alice",
		Quantity: 10, Cost: dec("610"), At: at,
	}))

	_, ok := l.ActiveOrder(7, common.Sell)
	assert.False(t, ok)
	buy, ok := l.ActiveOrder(8, common.Buy)
	require.True(t, ok)
	assert.Equal(t, uint64(15), buy.Quantity)

	completed := l.Completed(0)
	require.Len(t, completed, 1)
	assert.Equal(t, int64(7), completed[0].ID)
	assert.Equal(t, uint64(0), completed[0].Quantity)
	assert.Equal(t, at, completed[0].CompletedAt)
}

func TestRemoveActiveOrder(t *testing.T) {
	l := New(0, 0)
	l.AddActiveOrder(testOrder(3, common.Buy, "60", 10, "alice"))

	_, ok := l.RemoveActiveOrder(3, common.Sell)
	assert.False(t, ok, "wrong side")

	removed, ok := l.RemoveActiveOrder(3, common.Buy)
	assert.True(t, ok)
	assert.Equal(t, "alice", removed.Owner)
	assert.Empty(t, l.Completed(0), "cancellation is not completion")
}

func TestHistoriesAreBounded(t *testing.T) {
	l := New(3, 2)
	l.CreateAccount("alice")
	for id := int64(1); id <= 5; id++ {
		l.AddActiveOrder(testOrder(id, common.Buy, "60", 1, "alice"))
		l.AddActiveOrder(testOrder(100+id, common.Sell, "60", 1, "alice"))
		require.NoError(t, l.ApplyMatch(Match{
			BuyID: id, SellID: 100 + id,
			Buyer: "alice", Seller: "alice",
			Quantity: 1, Cost: dec("60"), At: time.UnixMilli(id),
		}))
		l.RecordQuote(common.Quote{Price: decimal.NewFromInt(id), Timestamp: time.UnixMilli(id)})
	}

	// Each match completes a buy then a sell.
	completed := l.Completed(0)
	require.Len(t, completed, 3)
	assert.Equal(t, []int64{104, 5, 105}, []int64{completed[0].ID, completed[1].ID, completed[2].ID})

	last := l.Completed(1)
	require.Len(t, last, 1)
	assert.Equal(t, int64(105), last[0].ID)

	quotes := l.Quotes(10)
	require.Len(t, quotes, 2)
	assert.True(t, decimal.NewFromInt(4).Equal(quotes[0].Price))
	assert.True(t, decimal.NewFromInt(5).Equal(quotes[1].Price))
}

func TestSnapshotsAreCopies(t *testing.T) {
	l := New(0, 0)
	l.AddActiveOrder(testOrder(1, common.Buy, "60", 10, "alice"))
	l.AddActiveOrder(testOrder(2, common.Sell, "61", 10, "bob"))
	l.RecordQuote(common.Quote{Price: dec("60")})

	buys, sells := l.ActiveOrders()
	require.Len(t, buys, 1)
	require.Len(t, sells, 1)
	buys[0].Quantity = 0

	quotes := l.Quotes(0)
	quotes[0].Price = dec("1")

	again, _ := l.ActiveOrders()
	assert.Equal(t, uint64(10), again[0].Quantity)
	assert.True(t, dec("60").Equal(l.Quotes(0)[0].Price))

	mine := l.ActiveOrdersOf("bob")
	require.Len(t, mine, 1)
	assert.Equal(t, int64(2), mine[0].ID)
}

func TestRestore(t *testing.T) {
	l := New(2, 2)
	l.Restore(
		[]common.Balance{{Username: "alice", USD: dec("10"), RUB: dec("-620")}},
		[]common.Order{testOrder(1, common.Buy, "1", 1, "a"), testOrder(2, common.Buy, "1", 1, "a"), testOrder(3, common.Buy, "1", 1, "a")},
		[]common.Quote{{Price: dec("62")}},
	)

	assertBalance(t, l, "alice", "10", "-620")
	assert.Len(t, l.Completed(0), 2)
	assert.Len(t, l.Quotes(0), 1)
}

// Readers running next to a writer must only ever observe whole matches:
// the buyer's USD gain always equals the seller's USD loss.
func TestConcurrentReadersSeeWholeMatches(t *testing.T) {
	l := New(0, 0)
	l.CreateAccount("buyer")
	l.CreateAccount("seller")

	const matches = 2000
	done := make(chan struct{})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				balances := l.Balances()
				sum := decimal.Zero
				for _, b := range balances {
					sum = sum.Add(b.USD)
				}
				assert.True(t, sum.IsZero(), "torn read: usd sum %s", sum)
			}
		}()
	}

	for range matches {
		require.NoError(t, l.ApplyMatch(Match{Buyer: "buyer", Seller: "seller", Quantity: 1, Cost: dec("60")}))
	}
	close(done)
	wg.Wait()

	assertBalance(t, l, "buyer", "2000", "-120000")
}

// Readers of the active index never see an order with nothing left to fill:
// completion happens in the same critical section as the fill.
func TestConcurrentReadersNeverSeeFilledActiveOrders(t *testing.T) {
	l := New(0, 0)
	l.CreateAccount("buyer")
	l.CreateAccount("seller")

	const matches = 5000
	done := make(chan struct{})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				buys, sells := l.ActiveOrders()
				for _, o := range append(buys, sells...) {
					assert.NotZero(t, o.Quantity, "order %d is active with nothing left", o.ID)
				}
				for _, o := range l.ActiveOrdersOf("buyer") {
					assert.NotZero(t, o.Quantity, "order %d is active with nothing left", o.ID)
				}
			}
		}()
	}

	for i := range int64(matches) {
		buyID, sellID := 2*i+1, 2*i+2
		l.AddActiveOrder(testOrder(buyID, common.Buy, "70", 1, "buyer"))
		l.AddActiveOrder(testOrder(sellID, common.Sell, "70", 1, "seller"))
		require.NoError(t, l.ApplyMatch(Match{
			BuyID: buyID, SellID: sellID,
			Buyer: "buyer", Seller: "seller",
			Quantity: 1, Cost: dec("70"), At: time.UnixMilli(i),
		}))
	}
	close(done)
	wg.Wait()

	buys, sells := l.ActiveOrders()
	assert.Empty(t, buys)
	assert.Empty(t, sells)
}
