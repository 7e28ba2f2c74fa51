package waterledger

import "errors"

var (
	ErrInsufficientBalance = errors.New("insufficient water allocation")
	ErrInsufficientFunds   = errors.New("insufficient funds for order")
	ErrZoneBoundsExceeded  = errors.New("zone transfer limits exceeded")
	ErrInvalidParam        = errors.New("invalid parameter")
	ErrInvalidOrder        = errors.New("quantity and price must be greater than zero")
	ErrInvalidZoneLimits   = errors.New("zone lower transfer limit exceeds the upper limit")
	ErrInvalidSnapshot     = errors.New("snapshot is malformed or from a different scheme")
	ErrZoneNotFound        = errors.New("zone not found")
	ErrZoneExists          = errors.New("zone already registered")
	ErrOrderNotFound       = errors.New("order not found")
	ErrTradeNotFound       = errors.New("trade not found")
	ErrUnauthorized        = errors.New("caller is not the order owner")
	ErrAlreadyMatched      = errors.New("order has matched quantity and cannot be deleted")
	ErrSelfTrade           = errors.New("an order cannot be accepted by its owner")
	ErrLengthMismatch      = errors.New("batch arrays must have equal length")
	ErrTradeSettled        = errors.New("trade is already in a terminal state")
	ErrTimeout             = errors.New("timeout")
	ErrShutdown            = errors.New("exchange is shutting down")
)
