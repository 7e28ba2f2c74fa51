package api

import (
	"github.com/civicledger/waterledger"
)

// SubmitOrderRequest places a limit order.
type SubmitOrderRequest struct {
	Account  string `json:"account"`
	Side     string `json:"side"` // buy | sell
	Price    string `json:"price"`
	Quantity uint64 `json:"quantity"`
	Zone     string `json:"zone"`
}

// AcceptOrderRequest takes a resting order in full.
type AcceptOrderRequest struct {
	Account string `json:"account"`
	Zone    string `json:"zone"`
}

// DeleteOrderRequest identifies the caller cancelling an order.
type DeleteOrderRequest struct {
	Account string `json:"account"`
}

// AddZonesRequest registers zones in one atomic batch.
type AddZonesRequest struct {
	Zones []ZoneSpec `json:"zones"`
}

// ZoneSpec declares one zone with its transfer limits.
type ZoneSpec struct {
	Identifier string `json:"identifier"`
	Min        uint64 `json:"min"`
	Max        uint64 `json:"max"`
}

// AllocateRequest grants entitlements; multiple entries form one atomic batch.
type AllocateRequest struct {
	Allocations []AllocationSpec `json:"allocations"`
}

// AllocationSpec is one allocation row.
type AllocationSpec struct {
	Zone    string `json:"zone"`
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

// AdjustmentRequest is a regulator credit or debit against one account.
type AdjustmentRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

// OrderBookResponse lists both sides of the book, best price first.
type OrderBookResponse struct {
	Buys  []*waterledger.Order `json:"buys"`
	Sells []*waterledger.Order `json:"sells"`
}

// BestOrdersResponse carries the top of each book side; nil means the side is
// empty.
type BestOrdersResponse struct {
	HighestBuy *waterledger.Order `json:"highest_buy"`
	LowestSell *waterledger.Order `json:"lowest_sell"`
}

// DepthResponse is the aggregated price-level view of the book.
type DepthResponse struct {
	Sequence uint64                   `json:"sequence"`
	Bids     []waterledger.DepthLevel `json:"bids"`
	Asks     []waterledger.DepthLevel `json:"asks"`
}

// BalanceResponse reports an account balance in a zone.
type BalanceResponse struct {
	Account string `json:"account"`
	Zone    string `json:"zone"`
	Balance uint64 `json:"balance"`
}

// ZoneResponse reports a zone's supply and limits.
type ZoneResponse struct {
	Identifier string `json:"identifier"`
	Supply     uint64 `json:"supply"`
	Min        uint64 `json:"min"`
	Max        uint64 `json:"max"`
}

// PriceResponse reports the last traded price.
type PriceResponse struct {
	Price string `json:"price"`
}

// ErrorResponse is the error payload for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
