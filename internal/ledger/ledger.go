// Package ledger owns balance mutation. Nothing else in the system adjusts a
// balance row; every credit, debit, escrow reservation and refund funnels
// through here so the non-negativity invariant has a single choke point.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"lotex/internal/models"
	"lotex/internal/store"
)

// ErrInsufficientFunds is returned when a debit or reservation would take a
// balance below zero. The balance is left untouched.
var ErrInsufficientFunds = store.ErrInsufficientFunds

// Ledger performs balance reads and adjustments against a Store. Give it a
// store.Tx and every mutation joins that transaction.
type Ledger struct {
	st store.Store
}

// New creates a ledger over the given store.
func New(st store.Store) *Ledger {
	return &Ledger{st: st}
}

// Balance returns the user's current quantity of the lot, zero if the user
// never held it.
func (l *Ledger) Balance(ctx context.Context, userID, lotID int64) (decimal.Decimal, error) {
	return l.st.GetBalance(ctx, userID, lotID)
}

// Balances returns every non-empty holding of the user.
func (l *Ledger) Balances(ctx context.Context, userID int64) ([]models.Balance, error) {
	return l.st.ListBalances(ctx, userID)
}

// Adjust applies delta (positive or negative) to the (user, lot) balance.
// The store performs the floor check and the write as one atomic step, so a
// failed adjustment leaves no partial state behind.
func (l *Ledger) Adjust(ctx context.Context, userID, lotID int64, delta decimal.Decimal) error {
	if err := l.st.AdjustBalance(ctx, userID, lotID, delta); err != nil {
		return fmt.Errorf("adjust balance of user %d lot %d by %s: %w", userID, lotID, delta, err)
	}
	return nil
}

// Reserve removes amount from the user's spendable balance before an order
// is placed, so the same funds cannot back two orders.
func (l *Ledger) Reserve(ctx context.Context, userID, lotID int64, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("reserve amount must not be negative, got %s", amount)
	}
	return l.Adjust(ctx, userID, lotID, amount.Neg())
}

// Release returns previously reserved funds: the inverse of Reserve, used on
// cancellation and on price-improvement refunds.
func (l *Ledger) Release(ctx context.Context, userID, lotID int64, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("release amount must not be negative, got %s", amount)
	}
	return l.Adjust(ctx, userID, lotID, amount)
}
