// Package account keeps the paper-trading ledger: cash, reserved cash and
// stock holdings with weighted average open prices. All arithmetic is
// exact decimal; float rounding never touches the books.
package account

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientCash     = errors.New("insufficient cash")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrInvalidAmount        = errors.New("amount must be positive")
)

// Holding is a position in one symbol.
type Holding struct {
	Quantity     int64
	AvgOpenPrice decimal.Decimal
}

// Account is the ledger. Every mutating method validates fully before
// touching any field, so a failed call leaves the books untouched.
type Account struct {
	mu           sync.Mutex
	cash         decimal.Decimal
	reservedCash decimal.Decimal
	holdings     map[string]Holding
}

// New creates an account with the given opening cash.
func New(openingCash decimal.Decimal) *Account {
	return &Account{
		cash:     openingCash,
		holdings: make(map[string]Holding),
	}
}

// IncreaseCash deposits amount.
func (a *Account) IncreaseCash(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cash = a.cash.Add(amount)
	return nil
}

// DecreaseCash withdraws amount. Cash never goes negative.
func (a *Account) DecreaseCash(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cash.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientCash, a.cash, amount)
	}
	a.cash = a.cash.Sub(amount)
	return nil
}

// ReserveCash moves amount from free cash into the reserve, typically to
// back an open buy order.
func (a *Account) ReserveCash(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cash.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientCash, a.cash, amount)
	}
	a.cash = a.cash.Sub(amount)
	a.reservedCash = a.reservedCash.Add(amount)
	return nil
}

// ReleaseReservedCash moves amount back from the reserve into free cash.
func (a *Account) ReleaseReservedCash(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reservedCash.LessThan(amount) {
		return fmt.Errorf("%w: reserved %s, need %s", ErrInsufficientCash, a.reservedCash, amount)
	}
	a.reservedCash = a.reservedCash.Sub(amount)
	a.cash = a.cash.Add(amount)
	return nil
}

// BuyStock pays quantity*price from free cash and folds the lot into the
// holding's weighted average open price.
func (a *Account) BuyStock(symbol string, quantity int64, price decimal.Decimal) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity %d", ErrInvalidAmount, quantity)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: price %s", ErrInvalidAmount, price)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	qty := decimal.NewFromInt(quantity)
	cost := price.Mul(qty)
	if a.cash.LessThan(cost) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientCash, a.cash, cost)
	}

	h := a.holdings[symbol]
	oldQty := decimal.NewFromInt(h.Quantity)
	newQty := oldQty.Add(qty)
	h.AvgOpenPrice = h.AvgOpenPrice.Mul(oldQty).Add(cost).Div(newQty)
	h.Quantity += quantity
	a.holdings[symbol] = h
	a.cash = a.cash.Sub(cost)
	return nil
}

// SellStock credits quantity*price to free cash. Selling the full position
// removes the holding entirely.
func (a *Account) SellStock(symbol string, quantity int64, price decimal.Decimal) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity %d", ErrInvalidAmount, quantity)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: price %s", ErrInvalidAmount, price)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.holdings[symbol]
	if !ok || h.Quantity < quantity {
		return fmt.Errorf("%w: %s have %d, need %d", ErrInsufficientQuantity, symbol, h.Quantity, quantity)
	}

	proceeds := price.Mul(decimal.NewFromInt(quantity))
	h.Quantity -= quantity
	if h.Quantity == 0 {
		delete(a.holdings, symbol)
	} else {
		a.holdings[symbol] = h
	}
	a.cash = a.cash.Add(proceeds)
	return nil
}

// Balance returns free cash.
func (a *Account) Balance() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash
}

// Reserved returns cash held in the reserve.
func (a *Account) Reserved() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reservedCash
}

// Holdings returns a copy of the current positions.
func (a *Account) Holdings() map[string]Holding {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Holding, len(a.holdings))
	for symbol, h := range a.holdings {
		out[symbol] = h
	}
	return out
}

// Value returns cash plus reserved cash plus holdings at cost basis.
func (a *Account) Value() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.cash.Add(a.reservedCash)
	for _, h := range a.holdings {
		total = total.Add(h.AvgOpenPrice.Mul(decimal.NewFromInt(h.Quantity)))
	}
	return total
}
