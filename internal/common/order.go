package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID            int64           // Unique, roughly chronological id
	Side          Side            // Order side
	Price         decimal.Decimal // Limit price in RUB per USD
	Quantity      uint64          // Remaining quantity (USD)
	TotalQuantity uint64          // Total volume requested
	Owner         string          // Who owns this order
	CreatedAt     time.Time       // Time of arrival, used for time priority
	CompletedAt   time.Time       // Time the order was filled, zero while active
}

// Filled reports whether nothing remains to be matched.
func (order Order) Filled() bool {
	return order.Quantity == 0
}

// Before orders two orders by time priority: creation time first, then id.
func (order Order) Before(other Order) bool {
	if !order.CreatedAt.Equal(other.CreatedAt) {
		return order.CreatedAt.Before(other.CreatedAt)
	}
	return order.ID < other.ID
}

func (order Order) String() string {
	return fmt.Sprintf(
		`ID:            %d
Side:          %v
Price:         %s
Quantity:      %d (Total: %d)
CreatedAt:     %v
CompletedAt:   %v
Owner:         %s`,
		order.ID,
		order.Side,
		order.Price.String(),
		order.Quantity,
		order.TotalQuantity,
		order.CreatedAt.Format(time.RFC3339), // Formatted for readability
		order.CompletedAt.Format(time.RFC3339),
		order.Owner,
	)
}

// Balance is a point-in-time copy of an account's wallets.
type Balance struct {
	Username string
	USD      decimal.Decimal
	RUB      decimal.Decimal
}

// Quote is a (price, time) pair recorded whenever an order completes.
type Quote struct {
	Price     decimal.Decimal
	Timestamp time.Time
}
