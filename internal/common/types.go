package common

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Currency is one leg of the synthetic USD/RUB pair. Order quantities are
// denominated in USD and prices in RUB per USD.
type Currency int

const (
	USD Currency = iota
	RUB
)

func (c Currency) String() string {
	switch c {
	case USD:
		return "USD"
	case RUB:
		return "RUB"
	default:
		return fmt.Sprintf("Currency(%d)", int(c))
	}
}

// PriceEpsilon is the tolerance under which two prices are the same price,
// both for book ordering and for crossing tests.
var PriceEpsilon = decimal.New(1, -6)

// PriceEqual reports whether a and b are within PriceEpsilon of each other.
func PriceEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(PriceEpsilon)
}

// PriceLess reports whether a is below b by at least PriceEpsilon.
func PriceLess(a, b decimal.Decimal) bool {
	return b.Sub(a).GreaterThanOrEqual(PriceEpsilon)
}
