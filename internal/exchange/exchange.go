// Package exchange is the public operation set of the venue: registration,
// order placement and cancellation, and the read projections. It is the only
// component the API adapter calls, and it owns authorization, validation and
// the write-serialization discipline.
package exchange

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lotex/internal/book"
	"lotex/internal/ledger"
	"lotex/internal/models"
	"lotex/internal/store"
)

const maxUsernameLen = 50

// Config tunes the facade.
type Config struct {
	// Lots are the asset names created at bootstrap.
	Lots []string
	// SeedBalance is granted in every lot to each new user.
	SeedBalance decimal.Decimal
	// StoreTimeout bounds every logical operation against the store.
	StoreTimeout time.Duration
	// MaxRetries is the retry budget for transient store failures.
	MaxRetries int
}

// Exchange composes the ledger and the matching engine over one store.
//
// A single write lock serializes placements, cancellations and
// registrations: price-time priority stays deterministic and two orders
// from one account can never pass the escrow check on the same funds. Reads
// go around the lock. Every write path additionally runs inside a store
// transaction, so a failure mid-operation leaves nothing behind.
type Exchange struct {
	st  store.Store
	cfg Config
	log *zap.Logger

	mu sync.Mutex
}

// New creates the facade. The caller is expected to run Initialize once
// before serving traffic.
func New(st store.Store, cfg Config, log *zap.Logger) *Exchange {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Exchange{st: st, cfg: cfg, log: log}
}

// Initialize bootstraps the venue: the configured lots if none exist, then
// the full set of directed pairs over all lots if none exist. Running it
// again is a no-op.
func (e *Exchange) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.retryWrite(ctx, func(ctx context.Context, tx store.Tx) error {
		lots, err := tx.ListLots(ctx)
		if err != nil {
			return wrapStore(err, "list lots")
		}
		if len(lots) == 0 {
			for _, name := range e.cfg.Lots {
				lot, err := tx.CreateLot(ctx, name)
				if err != nil {
					return wrapStore(err, "create lot")
				}
				lots = append(lots, *lot)
			}
			e.log.Info("created lots", zap.Int("count", len(lots)))
		}

		pairs, err := tx.ListPairs(ctx)
		if err != nil {
			return wrapStore(err, "list pairs")
		}
		if len(pairs) == 0 {
			for _, base := range lots {
				for _, quote := range lots {
					if base.ID == quote.ID {
						continue
					}
					if _, err := tx.CreatePair(ctx, base.ID, quote.ID); err != nil {
						return wrapStore(err, "create pair")
					}
				}
			}
			e.log.Info("created pairs", zap.Int("count", len(lots)*(len(lots)-1)))
		}
		return nil
	})
}

// CreateUser registers a user, issues their access key and seeds the
// starting balance in every lot. The key is the sole credential and is never
// reissued.
func (e *Exchange) CreateUser(ctx context.Context, username string) (string, error) {
	if username == "" {
		return "", errf(KindValidation, "username cannot be empty")
	}
	if len(username) > maxUsernameLen {
		return "", errf(KindValidation, "username too long (max %d characters)", maxUsernameLen)
	}

	id := uuid.New()
	key := hex.EncodeToString(id[:])

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.retryWrite(ctx, func(ctx context.Context, tx store.Tx) error {
		user, err := tx.CreateUser(ctx, username, key)
		if err != nil {
			return wrapStore(err, "create user")
		}
		lots, err := tx.ListLots(ctx)
		if err != nil {
			return wrapStore(err, "list lots")
		}
		led := ledger.New(tx)
		for _, lot := range lots {
			if err := led.Adjust(ctx, user.ID, lot.ID, e.cfg.SeedBalance); err != nil {
				return wrapStore(err, "seed balance")
			}
		}
		e.log.Info("user registered", zap.Int64("user_id", user.ID), zap.String("username", username))
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// GetUserByKey resolves the caller identity; it is the sole authentication
// lookup. An unknown key fails with Unauthorized.
func (e *Exchange) GetUserByKey(ctx context.Context, key string) (*models.User, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	user, err := e.st.GetUserByKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errf(KindUnauthorized, "invalid user key")
		}
		return nil, wrapStore(err, "resolve user key")
	}
	return user, nil
}

// CreateOrder validates, escrows and matches a new order. If the order is
// fully filled by the match it never rests and the returned id is zero;
// otherwise the remainder is persisted and its id returned.
func (e *Exchange) CreateOrder(ctx context.Context, key string, pairID int64, quantity, price decimal.Decimal, side string) (int64, error) {
	if side != models.SideBuy && side != models.SideSell {
		return 0, errf(KindValidation, "type must be %q or %q", models.SideBuy, models.SideSell)
	}
	if !quantity.IsPositive() {
		return 0, errf(KindValidation, "quantity must be positive")
	}
	if !price.IsPositive() {
		return 0, errf(KindValidation, "price must be positive")
	}

	user, err := e.GetUserByKey(ctx, key)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var orderID int64
	err = e.retryWrite(ctx, func(ctx context.Context, tx store.Tx) error {
		orderID = 0
		pair, err := tx.GetPair(ctx, pairID)
		if err != nil {
			return wrapStore(err, "pair")
		}

		// Escrow before anything else: a buy locks quantity×price of the
		// quote lot, a sell locks quantity of the base lot.
		escrowLot := pair.BaseLotID
		escrowAmount := quantity
		if side == models.SideBuy {
			escrowLot = pair.QuoteLotID
			escrowAmount = quantity.Mul(price)
		}
		led := ledger.New(tx)
		if err := led.Reserve(ctx, user.ID, escrowLot, escrowAmount); err != nil {
			return wrapStore(err, "reserve escrow")
		}

		incoming := &models.Order{
			UserID:   user.ID,
			PairID:   pair.ID,
			Side:     side,
			Quantity: quantity,
			Price:    price,
			Status:   models.StatusOpen,
		}
		eng := book.New(tx, led, e.log)
		remaining, err := eng.Match(ctx, incoming, pair)
		if err != nil {
			return wrapStore(err, "match")
		}

		if remaining.IsPositive() {
			incoming.Quantity = remaining
			created, err := tx.CreateOrder(ctx, incoming)
			if err != nil {
				return wrapStore(err, "create order")
			}
			orderID = created.ID
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.log.Info("order placed",
		zap.Int64("user_id", user.ID),
		zap.Int64("pair_id", pairID),
		zap.String("side", side),
		zap.Int64("order_id", orderID))
	return orderID, nil
}

// CancelOrder closes the caller's open order and refunds the unused escrow:
// remaining×price of the quote lot for a buy, the remaining base quantity
// for a sell.
func (e *Exchange) CancelOrder(ctx context.Context, key string, orderID int64) error {
	user, err := e.GetUserByKey(ctx, key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.retryWrite(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return wrapStore(err, "order")
		}
		if order.UserID != user.ID {
			return errf(KindForbidden, "order %d does not belong to the caller", orderID)
		}
		if !order.Open() {
			return errf(KindAlreadyClosed, "order %d is already closed", orderID)
		}

		pair, err := tx.GetPair(ctx, order.PairID)
		if err != nil {
			return wrapStore(err, "pair")
		}
		refundLot := pair.BaseLotID
		refund := order.Quantity
		if order.Side == models.SideBuy {
			refundLot = pair.QuoteLotID
			refund = order.Quantity.Mul(order.Price)
		}

		led := ledger.New(tx)
		if err := led.Release(ctx, user.ID, refundLot, refund); err != nil {
			return wrapStore(err, "refund escrow")
		}
		if err := tx.CloseOrder(ctx, orderID, models.StatusCancelled, time.Now()); err != nil {
			return wrapStore(err, "close order")
		}
		e.log.Info("order cancelled", zap.Int64("order_id", orderID), zap.Int64("user_id", user.ID))
		return nil
	})
}

// Balances returns the caller's holdings in every lot they have touched.
func (e *Exchange) Balances(ctx context.Context, key string) ([]models.Balance, error) {
	user, err := e.GetUserByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	balances, err := ledger.New(e.st).Balances(ctx, user.ID)
	if err != nil {
		return nil, wrapStore(err, "list balances")
	}
	return balances, nil
}

// Trades returns the caller's settlement history.
func (e *Exchange) Trades(ctx context.Context, key string) ([]models.Trade, error) {
	user, err := e.GetUserByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	trades, err := e.st.ListUserTrades(ctx, user.ID)
	if err != nil {
		return nil, wrapStore(err, "list trades")
	}
	return trades, nil
}

// ListOrders returns every order, open and closed. Public.
func (e *Exchange) ListOrders(ctx context.Context) ([]models.Order, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	orders, err := e.st.ListOrders(ctx)
	if err != nil {
		return nil, wrapStore(err, "list orders")
	}
	return orders, nil
}

// ListLots returns all lots. Public.
func (e *Exchange) ListLots(ctx context.Context) ([]models.Lot, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	lots, err := e.st.ListLots(ctx)
	if err != nil {
		return nil, wrapStore(err, "list lots")
	}
	return lots, nil
}

// ListPairs returns all pairs. Public.
func (e *Exchange) ListPairs(ctx context.Context) ([]models.Pair, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	pairs, err := e.st.ListPairs(ctx)
	if err != nil {
		return nil, wrapStore(err, "list pairs")
	}
	return pairs, nil
}

func (e *Exchange) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

// retryWrite runs fn inside a transaction, retrying the whole unit a bounded
// number of times when the store aborts it with a transient failure. A
// rollback happens before every retry, so no partial write survives an
// attempt.
func (e *Exchange) retryWrite(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.log.Warn("retrying after transient store failure",
				zap.Int("attempt", attempt), zap.Error(err))
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		err = e.writeOnce(ctx, fn)
		if err == nil || !transient(err) {
			return err
		}
	}
	return wrapStore(err, "retry budget exhausted")
}

func (e *Exchange) writeOnce(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	tx, err := e.st.Begin(ctx)
	if err != nil {
		return wrapStore(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStore(err, "commit transaction")
	}
	return nil
}
