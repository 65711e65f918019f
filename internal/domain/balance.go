package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Balance is one asset's holdings with invariant checking.
type Balance struct {
	Asset    string          `json:"asset"`
	Amount   decimal.Decimal `json:"amount"`   // total held
	Reserved decimal.Decimal `json:"reserved"` // locked by resting orders
}

// Available returns the balance not locked by open orders.
func (b *Balance) Available() decimal.Decimal {
	return b.Amount.Sub(b.Reserved)
}

// Credit adds funds to the balance.
func (b *Balance) Credit(amount decimal.Decimal) {
	b.Amount = b.Amount.Add(amount)
}

// Debit removes funds from the balance. Panics if insufficient.
func (b *Balance) Debit(amount decimal.Decimal) {
	if amount.GreaterThan(b.Available()) {
		panic(fmt.Sprintf("BALANCE_INSUFFICIENT: %s need %s, available %s",
			b.Asset, amount, b.Available()))
	}
	b.Amount = b.Amount.Sub(amount)
}

// Reserve locks funds for an order.
func (b *Balance) Reserve(amount decimal.Decimal) {
	if amount.GreaterThan(b.Available()) {
		panic(fmt.Sprintf("BALANCE_RESERVE_INSUFFICIENT: %s need %s, available %s",
			b.Asset, amount, b.Available()))
	}
	b.Reserved = b.Reserved.Add(amount)
}

// Release unlocks reserved funds.
func (b *Balance) Release(amount decimal.Decimal) {
	if amount.GreaterThan(b.Reserved) {
		panic(fmt.Sprintf("BALANCE_RELEASE_EXCEEDS_RESERVED: %s release %s, reserved %s",
			b.Asset, amount, b.Reserved))
	}
	b.Reserved = b.Reserved.Sub(amount)
}

// Settle releases a reservation and debits the same amount in one step (a fill consuming locked funds).
func (b *Balance) Settle(amount decimal.Decimal) {
	b.Release(amount)
	b.Debit(amount)
}

// VerifyInvariant checks that balance satisfies invariants.
func (b *Balance) VerifyInvariant() {
	if b.Amount.IsNegative() {
		panic(fmt.Sprintf("BALANCE_INVARIANT_NEGATIVE_AMOUNT: %s = %s", b.Asset, b.Amount))
	}
	if b.Reserved.IsNegative() {
		panic(fmt.Sprintf("BALANCE_INVARIANT_NEGATIVE_RESERVED: %s = %s", b.Asset, b.Reserved))
	}
	if b.Reserved.GreaterThan(b.Amount) {
		panic(fmt.Sprintf("BALANCE_INVARIANT_RESERVED_EXCEEDS_AMOUNT: %s reserved=%s, amount=%s",
			b.Asset, b.Reserved, b.Amount))
	}
}

// BalanceBook manages multiple balances with invariant checking.
type BalanceBook struct {
	balances map[string]*Balance
}

// NewBalanceBook creates a new balance book.
func NewBalanceBook() *BalanceBook {
	return &BalanceBook{
		balances: make(map[string]*Balance),
	}
}

// Get returns the balance for an asset, creating if not exists.
func (bb *BalanceBook) Get(asset string) *Balance {
	b, ok := bb.balances[asset]
	if !ok {
		b = &Balance{Asset: asset}
		bb.balances[asset] = b
	}
	return b
}

// VerifyAll checks invariants on all balances.
func (bb *BalanceBook) VerifyAll() {
	for _, b := range bb.balances {
		b.VerifyInvariant()
	}
}

// Snapshot returns a copy of all balances.
func (bb *BalanceBook) Snapshot() map[string]Balance {
	result := make(map[string]Balance, len(bb.balances))
	for k, v := range bb.balances {
		result[k] = *v
	}
	return result
}

// AvailableByAsset returns available amounts keyed by asset.
func (bb *BalanceBook) AvailableByAsset() map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal, len(bb.balances))
	for k, v := range bb.balances {
		result[k] = v.Available()
	}
	return result
}
