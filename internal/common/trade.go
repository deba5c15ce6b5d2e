package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade accounts for the two parties who matched. Buy and Sell are copies of
// the orders taken right after the fill was applied.
type Trade struct {
	Buy       Order
	Sell      Order
	Maker     Side // Side whose price was used
	MatchQty  uint64
	Price     decimal.Decimal
	Cost      decimal.Decimal // MatchQty * Price, in RUB
	Timestamp time.Time
}

func (t Trade) String() string {
	return fmt.Sprintf(
		`Buy: [
%s]
Sell: [
%s]
Maker:          %v
Timestamp:      %v
MatchQty:       %d
Price:          %s
Cost:           %s`,
		t.Buy.String(),
		t.Sell.String(),
		t.Maker,
		t.Timestamp.Format(time.RFC3339),
		t.MatchQty,
		t.Price.String(),
		t.Cost.String(),
	)
}
