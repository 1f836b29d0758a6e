package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"lotex/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every repository
// method works identically inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	q    querier
}

var _ Store = (*Postgres)(nil)

// NewPostgres initializes a new connection pool.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Postgres{pool: pool, q: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// classify maps driver failures onto the store sentinels so callers never
// inspect Postgres error codes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization failure, deadlock
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case "23514": // check constraint (quantity >= 0)
			return ErrInsufficientFunds
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (p *Postgres) CreateLot(ctx context.Context, name string) (*models.Lot, error) {
	lot := &models.Lot{}
	err := p.q.QueryRow(ctx,
		"INSERT INTO lots (name) VALUES ($1) RETURNING id, name",
		name).Scan(&lot.ID, &lot.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create lot: %w", classify(err))
	}
	return lot, nil
}

func (p *Postgres) ListLots(ctx context.Context) ([]models.Lot, error) {
	rows, err := p.q.Query(ctx, "SELECT id, name FROM lots ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list lots: %w", classify(err))
	}
	defer rows.Close()

	var lots []models.Lot
	for rows.Next() {
		var lot models.Lot
		if err := rows.Scan(&lot.ID, &lot.Name); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (p *Postgres) CreatePair(ctx context.Context, baseLotID, quoteLotID int64) (*models.Pair, error) {
	pair := &models.Pair{}
	err := p.q.QueryRow(ctx,
		"INSERT INTO pairs (base_lot_id, quote_lot_id) VALUES ($1, $2) RETURNING id, base_lot_id, quote_lot_id",
		baseLotID, quoteLotID).Scan(&pair.ID, &pair.BaseLotID, &pair.QuoteLotID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pair: %w", classify(err))
	}
	return pair, nil
}

func (p *Postgres) GetPair(ctx context.Context, id int64) (*models.Pair, error) {
	pair := &models.Pair{}
	err := p.q.QueryRow(ctx,
		"SELECT id, base_lot_id, quote_lot_id FROM pairs WHERE id = $1",
		id).Scan(&pair.ID, &pair.BaseLotID, &pair.QuoteLotID)
	if err != nil {
		return nil, classify(err)
	}
	return pair, nil
}

func (p *Postgres) ListPairs(ctx context.Context) ([]models.Pair, error) {
	rows, err := p.q.Query(ctx, "SELECT id, base_lot_id, quote_lot_id FROM pairs ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list pairs: %w", classify(err))
	}
	defer rows.Close()

	var pairs []models.Pair
	for rows.Next() {
		var pair models.Pair
		if err := rows.Scan(&pair.ID, &pair.BaseLotID, &pair.QuoteLotID); err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

func (p *Postgres) CreateUser(ctx context.Context, username, accessKey string) (*models.User, error) {
	user := &models.User{}
	err := p.q.QueryRow(ctx,
		"INSERT INTO users (username, access_key) VALUES ($1, $2) RETURNING id, username, access_key, created_at",
		username, accessKey).Scan(&user.ID, &user.Username, &user.AccessKey, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", classify(err))
	}
	return user, nil
}

func (p *Postgres) GetUserByKey(ctx context.Context, accessKey string) (*models.User, error) {
	user := &models.User{}
	err := p.q.QueryRow(ctx,
		"SELECT id, username, access_key, created_at FROM users WHERE access_key = $1",
		accessKey).Scan(&user.ID, &user.Username, &user.AccessKey, &user.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return user, nil
}

func (p *Postgres) GetBalance(ctx context.Context, userID, lotID int64) (decimal.Decimal, error) {
	var raw string
	err := p.q.QueryRow(ctx,
		"SELECT quantity::text FROM balances WHERE user_id = $1 AND lot_id = $2",
		userID, lotID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", classify(err))
	}
	return decimal.NewFromString(raw)
}

func (p *Postgres) ListBalances(ctx context.Context, userID int64) ([]models.Balance, error) {
	rows, err := p.q.Query(ctx,
		"SELECT user_id, lot_id, quantity::text FROM balances WHERE user_id = $1 ORDER BY lot_id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", classify(err))
	}
	defer rows.Close()

	var balances []models.Balance
	for rows.Next() {
		var (
			b   models.Balance
			raw string
		)
		if err := rows.Scan(&b.UserID, &b.LotID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		if b.Quantity, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("failed to parse balance quantity: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// AdjustBalance is a single atomic read-modify-write: the floor check and the
// update happen in one statement, so two concurrent adjustments can never
// both pass the check and overdraw the account.
func (p *Postgres) AdjustBalance(ctx context.Context, userID, lotID int64, delta decimal.Decimal) error {
	tag, err := p.q.Exec(ctx, `
		INSERT INTO balances (user_id, lot_id, quantity)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (user_id, lot_id) DO UPDATE
		SET quantity = balances.quantity + EXCLUDED.quantity
		WHERE balances.quantity + EXCLUDED.quantity >= 0`,
		userID, lotID, delta.String())
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (p *Postgres) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	created := &models.Order{}
	var qty, price string
	err := p.q.QueryRow(ctx, `
		INSERT INTO orders (user_id, pair_id, side, quantity, price, status)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)
		RETURNING id, user_id, pair_id, side, quantity::text, price::text, status, created_at, closed_at`,
		order.UserID, order.PairID, order.Side, order.Quantity.String(), order.Price.String(), order.Status).Scan(
		&created.ID, &created.UserID, &created.PairID, &created.Side, &qty, &price,
		&created.Status, &created.CreatedAt, &created.ClosedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", classify(err))
	}
	if err := parseOrderAmounts(created, qty, price); err != nil {
		return nil, err
	}
	return created, nil
}

func (p *Postgres) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	order := &models.Order{}
	var qty, price string
	err := p.q.QueryRow(ctx, `
		SELECT id, user_id, pair_id, side, quantity::text, price::text, status, created_at, closed_at
		FROM orders WHERE id = $1`,
		id).Scan(&order.ID, &order.UserID, &order.PairID, &order.Side, &qty, &price,
		&order.Status, &order.CreatedAt, &order.ClosedAt)
	if err != nil {
		return nil, classify(err)
	}
	if err := parseOrderAmounts(order, qty, price); err != nil {
		return nil, err
	}
	return order, nil
}

func (p *Postgres) ListOrders(ctx context.Context) ([]models.Order, error) {
	return p.queryOrders(ctx, `
		SELECT id, user_id, pair_id, side, quantity::text, price::text, status, created_at, closed_at
		FROM orders ORDER BY id`)
}

func (p *Postgres) OpenOrders(ctx context.Context, pairID int64, side string) ([]models.Order, error) {
	return p.queryOrders(ctx, `
		SELECT id, user_id, pair_id, side, quantity::text, price::text, status, created_at, closed_at
		FROM orders
		WHERE pair_id = $1 AND side = $2 AND status = 'open'
		ORDER BY created_at ASC, id ASC`,
		pairID, side)
}

func (p *Postgres) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := p.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", classify(err))
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var (
			order      models.Order
			qty, price string
		)
		if err := rows.Scan(&order.ID, &order.UserID, &order.PairID, &order.Side, &qty, &price,
			&order.Status, &order.CreatedAt, &order.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		if err := parseOrderAmounts(&order, qty, price); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (p *Postgres) UpdateOrderQuantity(ctx context.Context, id int64, quantity decimal.Decimal) error {
	tag, err := p.q.Exec(ctx,
		"UPDATE orders SET quantity = $1::numeric WHERE id = $2 AND status = 'open'",
		quantity.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update order quantity: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CloseOrder(ctx context.Context, id int64, status string, closedAt time.Time) error {
	tag, err := p.q.Exec(ctx,
		"UPDATE orders SET status = $1, closed_at = $2 WHERE id = $3 AND status = 'open'",
		status, closedAt, id)
	if err != nil {
		return fmt.Errorf("failed to close order: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	created := &models.Trade{}
	var qty, price string
	err := p.q.QueryRow(ctx, `
		INSERT INTO trades (pair_id, buyer_id, seller_id, quantity, price)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric)
		RETURNING id, pair_id, buyer_id, seller_id, quantity::text, price::text, executed_at`,
		trade.PairID, trade.BuyerID, trade.SellerID, trade.Quantity.String(), trade.Price.String()).Scan(
		&created.ID, &created.PairID, &created.BuyerID, &created.SellerID, &qty, &price, &created.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", classify(err))
	}
	if created.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("failed to parse trade quantity: %w", err)
	}
	if created.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("failed to parse trade price: %w", err)
	}
	return created, nil
}

func (p *Postgres) ListUserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	rows, err := p.q.Query(ctx, `
		SELECT id, pair_id, buyer_id, seller_id, quantity::text, price::text, executed_at
		FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", classify(err))
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var (
			trade      models.Trade
			qty, price string
		)
		if err := rows.Scan(&trade.ID, &trade.PairID, &trade.BuyerID, &trade.SellerID,
			&qty, &price, &trade.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if trade.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("failed to parse trade quantity: %w", err)
		}
		if trade.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse trade price: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// Begin opens a pgx transaction. The returned Tx runs every repository
// method against the transaction connection.
func (p *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	return &pgTx{Postgres: Postgres{pool: p.pool, q: tx}, tx: tx}, nil
}

type pgTx struct {
	Postgres
	tx pgx.Tx
}

var _ Tx = (*pgTx)(nil)

func (t *pgTx) Begin(ctx context.Context) (Tx, error) {
	return nil, fmt.Errorf("transaction already open")
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func parseOrderAmounts(order *models.Order, qty, price string) error {
	var err error
	if order.Quantity, err = decimal.NewFromString(qty); err != nil {
		return fmt.Errorf("failed to parse order quantity: %w", err)
	}
	if order.Price, err = decimal.NewFromString(price); err != nil {
		return fmt.Errorf("failed to parse order price: %w", err)
	}
	return nil
}
