package waterledger

import (
	"sync"

	"github.com/shopspring/decimal"
)

// FundsLedger is the pricing-currency collaborator. The exchange never creates
// a trade without a confirmed reservation of the buyer's funds; the currency's
// own accounting (issuance, external transfers) lives outside this module.
//
// Reserve locks amount against the account, failing ErrInsufficientFunds when
// the available balance is short. Release returns a reservation unused.
// Pay consumes a reservation and credits the counterparty.
type FundsLedger interface {
	Reserve(account string, amount decimal.Decimal) error
	Release(account string, amount decimal.Decimal)
	Pay(from, to string, amount decimal.Decimal)
}

// MemoryFunds is an in-memory FundsLedger, used by the server binary and
// tests. Safe for concurrent use.
type MemoryFunds struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
	reserved map[string]decimal.Decimal
}

func NewMemoryFunds() *MemoryFunds {
	return &MemoryFunds{
		balances: make(map[string]decimal.Decimal),
		reserved: make(map[string]decimal.Decimal),
	}
}

// Deposit credits spendable funds to the account.
func (f *MemoryFunds) Deposit(account string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = f.balances[account].Add(amount)
}

func (f *MemoryFunds) Reserve(account string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	available := f.balances[account].Sub(f.reserved[account])
	if available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	f.reserved[account] = f.reserved[account].Add(amount)
	return nil
}

func (f *MemoryFunds) Release(account string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.reserved[account].Sub(amount)
	if r.IsNegative() {
		r = decimal.Zero
	}
	f.reserved[account] = r
}

func (f *MemoryFunds) Pay(from, to string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reserved[from] = f.reserved[from].Sub(amount)
	if f.reserved[from].IsNegative() {
		f.reserved[from] = decimal.Zero
	}
	f.balances[from] = f.balances[from].Sub(amount)
	f.balances[to] = f.balances[to].Add(amount)
}

// BalanceOf returns the account's total funds balance.
func (f *MemoryFunds) BalanceOf(account string) decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.balances[account]
}

// Available returns the account's funds balance net of reservations.
func (f *MemoryFunds) Available(account string) decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.balances[account].Sub(f.reserved[account])
}
