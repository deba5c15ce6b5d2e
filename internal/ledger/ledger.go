// Package ledger holds balances, the active-order index and the bounded
// completed-order and quote histories. Every structure sits behind a single
// reader-writer lock: balance and history queries from sessions share the read
// side while the matching loop takes the write side for each match.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"bourse/internal/common"

	"github.com/shopspring/decimal"
)

const (
	DefaultCompletedLimit = 100
	DefaultQuoteLimit     = 1000
)

// Match is one fill between a buy and a sell order.
type Match struct {
	BuyID    int64
	SellID   int64
	Buyer    string
	Seller   string
	Quantity uint64
	Cost     decimal.Decimal
	At       time.Time
}

type Ledger struct {
	mu sync.RWMutex

	accounts  map[string]*common.Balance
	active    map[common.Side]map[int64]common.Order
	completed []common.Order
	quotes    []common.Quote

	completedLimit int
	quoteLimit     int
}

func New(completedLimit, quoteLimit int) *Ledger {
	if completedLimit <= 0 {
		completedLimit = DefaultCompletedLimit
	}
	if quoteLimit <= 0 {
		quoteLimit = DefaultQuoteLimit
	}
	return &Ledger{
		accounts: make(map[string]*common.Balance),
		active: map[common.Side]map[int64]common.Order{
			common.Buy:  make(map[int64]common.Order),
			common.Sell: make(map[int64]common.Order),
		},
		completedLimit: completedLimit,
		quoteLimit:     quoteLimit,
	}
}

// CreateAccount opens an account with zero balances. It reports false and
// leaves the account alone if the username is already known.
func (l *Ledger) CreateAccount(username string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[username]; ok {
		return false
	}
	l.accounts[username] = &common.Balance{Username: username}
	return true
}

func (l *Ledger) HasAccount(username string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[username]
	return ok
}

func (l *Ledger) Balance(username string) (common.Balance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acc, ok := l.accounts[username]
	if !ok {
		return common.Balance{}, fmt.Errorf("balance of %q: %w", username, common.ErrAccountNotFound)
	}
	return *acc, nil
}

// Balances returns a copy of every account, sorted by username.
func (l *Ledger) Balances() []common.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]common.Balance, 0, len(l.accounts))
	for _, acc := range l.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// AdjustBalance adds delta (which may be negative) to one wallet. Balances are
// allowed to go negative: funds are not reserved when an order is accepted.
func (l *Ledger) AdjustBalance(username string, currency common.Currency, delta decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[username]
	if !ok {
		return fmt.Errorf("adjust %s of %q: %w", currency, username, common.ErrAccountNotFound)
	}
	adjust(acc, currency, delta)
	return nil
}

func adjust(acc *common.Balance, currency common.Currency, delta decimal.Decimal) {
	switch currency {
	case common.USD:
		acc.USD = acc.USD.Add(delta)
	case common.RUB:
		acc.RUB = acc.RUB.Add(delta)
	}
}

// ApplyMatch records a fill: both active orders lose m.Quantity, an order
// left with nothing to fill moves to the completed history, and the four
// balance legs move together. Readers never see a partially applied match.
// When either account is unknown the tracked quantities are still reduced,
// mirroring the book, but no balance is touched.
func (l *Ledger) ApplyMatch(m Match) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reduceActive(common.Buy, m.BuyID, m.Quantity, m.At)
	l.reduceActive(common.Sell, m.SellID, m.Quantity, m.At)

	seller, ok := l.accounts[m.Seller]
	if !ok {
		return fmt.Errorf("apply match to seller %q: %w", m.Seller, common.ErrAccountNotFound)
	}
	buyer, ok := l.accounts[m.Buyer]
	if !ok {
		return fmt.Errorf("apply match to buyer %q: %w", m.Buyer, common.ErrAccountNotFound)
	}

	amount := decimal.NewFromInt(int64(m.Quantity))
	adjust(seller, common.USD, amount.Neg())
	adjust(seller, common.RUB, m.Cost)
	adjust(buyer, common.USD, amount)
	adjust(buyer, common.RUB, m.Cost.Neg())
	return nil
}

func (l *Ledger) reduceActive(side common.Side, id int64, qty uint64, at time.Time) {
	order, ok := l.active[side][id]
	if !ok {
		return
	}
	order.Quantity -= min(qty, order.Quantity)
	if order.Filled() {
		l.complete(order, at)
		return
	}
	l.active[side][id] = order
}

// complete is the only way a filled order leaves the active index. The
// caller holds the write lock.
func (l *Ledger) complete(order common.Order, at time.Time) {
	delete(l.active[order.Side], order.ID)
	order.CompletedAt = at
	l.completed = appendBounded(l.completed, order, l.completedLimit)
}

func (l *Ledger) AddActiveOrder(order common.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active[order.Side][order.ID] = order
}

func (l *Ledger) ActiveOrder(id int64, side common.Side) (common.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	order, ok := l.active[side][id]
	return order, ok
}

// RemoveActiveOrder drops an order from the active index without recording it
// as completed. Used for cancellations.
func (l *Ledger) RemoveActiveOrder(id int64, side common.Side) (common.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.active[side][id]
	if ok {
		delete(l.active[side], id)
	}
	return order, ok
}

func (l *Ledger) RecordQuote(quote common.Quote) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotes = appendBounded(l.quotes, quote, l.quoteLimit)
}

func appendBounded[T any](items []T, item T, limit int) []T {
	items = append(items, item)
	if over := len(items) - limit; over > 0 {
		items = append(items[:0], items[over:]...)
	}
	return items
}

// ActiveOrders returns copies of both sides of the active index, each sorted
// by time priority.
func (l *Ledger) ActiveOrders() (buys, sells []common.Order) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedOrders(l.active[common.Buy]), sortedOrders(l.active[common.Sell])
}

// ActiveOrdersOf returns the active orders owned by one user.
func (l *Ledger) ActiveOrdersOf(username string) []common.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []common.Order
	for _, side := range []common.Side{common.Buy, common.Sell} {
		for _, order := range l.active[side] {
			if order.Owner == username {
				out = append(out, order)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func sortedOrders(orders map[int64]common.Order) []common.Order {
	out := make([]common.Order, 0, len(orders))
	for _, order := range orders {
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Completed returns up to n of the most recently completed orders, oldest
// first. n <= 0 returns the whole retained history.
func (l *Ledger) Completed(n int) []common.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return tail(l.completed, n)
}

// Quotes returns up to n of the most recent quotes, oldest first.
func (l *Ledger) Quotes(n int) []common.Quote {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return tail(l.quotes, n)
}

func tail[T any](items []T, n int) []T {
	if n <= 0 || n > len(items) {
		n = len(items)
	}
	out := make([]T, n)
	copy(out, items[len(items)-n:])
	return out
}

// Restore seeds the ledger from persisted state at startup. Histories are
// expected oldest first and are trimmed to the configured limits.
func (l *Ledger) Restore(balances []common.Balance, completed []common.Order, quotes []common.Quote) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range balances {
		acc := b
		l.accounts[b.Username] = &acc
	}
	for _, order := range completed {
		l.completed = appendBounded(l.completed, order, l.completedLimit)
	}
	for _, quote := range quotes {
		l.quotes = appendBounded(l.quotes, quote, l.quoteLimit)
	}
}
