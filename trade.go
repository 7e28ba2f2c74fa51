package waterledger

import (
	"github.com/shopspring/decimal"
)

// TradeStatus is the settlement lifecycle state of a trade. The lattice is
// one-way: Pending may move to exactly one of the terminal states and no
// transition ever leaves a terminal state.
type TradeStatus uint8

const (
	TradePending TradeStatus = iota
	TradeCompleted
	TradeRejected
	TradeInvalid
)

func (s TradeStatus) String() string {
	switch s {
	case TradePending:
		return "pending"
	case TradeCompleted:
		return "completed"
	case TradeRejected:
		return "rejected"
	case TradeInvalid:
		return "invalid"
	}
	return "unknown"
}

// ParseTradeStatus maps a status name back to its TradeStatus. Unrecognized
// names parse as TradePending.
func ParseTradeStatus(s string) TradeStatus {
	switch s {
	case "completed":
		return TradeCompleted
	case "rejected":
		return TradeRejected
	case "invalid":
		return TradeInvalid
	}
	return TradePending
}

// Terminal reports whether the status permits no further transition.
func (s TradeStatus) Terminal() bool {
	return s != TradePending
}

// Trade is a matched buy/sell pair awaiting settlement. FromZone is the
// sell leg's zone and ToZone the buy leg's zone; they are equal for a
// same-zone trade. Trades are never deleted; terminal trades remain queryable
// and form the permanent history log.
type Trade struct {
	ID          string          `json:"id"`
	Buyer       string          `json:"buyer"`
	Seller      string          `json:"seller"`
	Price       decimal.Decimal `json:"price"`
	Quantity    uint64          `json:"quantity"`
	FromZone    string          `json:"from_zone"`
	ToZone      string          `json:"to_zone"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Status      TradeStatus     `json:"status"`
	CreatedAt   int64           `json:"created_at"` // Unix nano, match time
}

// CrossZone reports whether settlement moves supply between two zones.
func (t *Trade) CrossZone() bool {
	return t.FromZone != t.ToZone
}

// Amount returns the funds leg of the trade: price multiplied by quantity.
func (t *Trade) Amount() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromUint64(t.Quantity))
}

func (t *Trade) clone() *Trade {
	cp := *t
	return &cp
}
