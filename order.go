package waterledger

import (
	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = 2
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return "unknown"
}

// Opposite returns the counter side used when scanning for a cross.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Order is the state of a resting limit order. Quantity is the remaining
// unmatched quantity in megalitres; it shrinks as the order fills and the
// order leaves the book when it reaches zero.
type Order struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  uint64          `json:"quantity"`
	Zone      string          `json:"zone"`
	CreatedAt int64           `json:"created_at"` // Unix nano, submission time
	MatchedAt int64           `json:"matched_at"` // Unix nano of first fill, zero while unmatched

	// Intrusive linked list pointers (ignored by JSON)
	next *Order
	prev *Order
}

// Matched reports whether any quantity of the order has been filled.
func (o *Order) Matched() bool {
	return o.MatchedAt != 0
}

func (o *Order) clone() *Order {
	cp := *o
	cp.next = nil
	cp.prev = nil
	return &cp
}
