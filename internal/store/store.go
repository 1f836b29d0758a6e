// Package store is the typed repository over the durable state: lots, pairs,
// users, balances, orders and trades. The rest of the system never builds
// query text; it talks to this interface, so the backing store is swappable
// (Postgres in production, Mem in tests).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"lotex/internal/models"
)

// Sentinel errors. Callers classify store failures with errors.Is.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds means an adjustment would take a balance below
	// zero. The balance is left unchanged.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConflict means a concurrency-control abort; the whole logical
	// operation is safe to retry.
	ErrConflict = errors.New("store conflict")

	// ErrUnavailable means the store could not be reached or timed out.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the repository contract shared by the pooled handle and an open
// transaction. Amounts cross this boundary as decimal values and are
// marshaled as decimal-literal strings underneath, never binary floats.
type Store interface {
	CreateLot(ctx context.Context, name string) (*models.Lot, error)
	ListLots(ctx context.Context) ([]models.Lot, error)

	CreatePair(ctx context.Context, baseLotID, quoteLotID int64) (*models.Pair, error)
	GetPair(ctx context.Context, id int64) (*models.Pair, error)
	ListPairs(ctx context.Context) ([]models.Pair, error)

	CreateUser(ctx context.Context, username, accessKey string) (*models.User, error)
	GetUserByKey(ctx context.Context, accessKey string) (*models.User, error)

	// GetBalance returns the current quantity, zero if no row exists.
	GetBalance(ctx context.Context, userID, lotID int64) (decimal.Decimal, error)
	ListBalances(ctx context.Context, userID int64) ([]models.Balance, error)

	// AdjustBalance applies delta to the (user, lot) balance, creating the
	// row if absent. Fails with ErrInsufficientFunds without writing if the
	// result would be negative. This is the single choke point enforcing
	// balance non-negativity.
	AdjustBalance(ctx context.Context, userID, lotID int64, delta decimal.Decimal) error

	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListOrders(ctx context.Context) ([]models.Order, error)

	// OpenOrders returns open orders on the pair with the given side,
	// oldest first.
	OpenOrders(ctx context.Context, pairID int64, side string) ([]models.Order, error)

	// UpdateOrderQuantity persists a reduced remaining quantity for an open
	// order.
	UpdateOrderQuantity(ctx context.Context, id int64, quantity decimal.Decimal) error

	// CloseOrder stamps the order closed. Status records the reason
	// (filled or cancelled); a closed order is excluded from matching.
	CloseOrder(ctx context.Context, id int64, status string, closedAt time.Time) error

	CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error)
	ListUserTrades(ctx context.Context, userID int64) ([]models.Trade, error)

	// Begin opens a transaction. Everything done through the returned Tx is
	// invisible to other readers until Commit and vanishes on Rollback.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a Store scoped to one transaction. Rollback after Commit is a no-op,
// so `defer tx.Rollback(ctx)` is always safe.
type Tx interface {
	Store
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
