package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"lotex/internal/models"
)

// Mem is an in-memory Store. It backs the test suites and is a faithful
// stand-in for Postgres: the same sentinels, the same adjust-with-floor
// atomicity, and snapshot transactions (a Tx works on a private copy that
// replaces the live data on Commit, so readers never observe partial writes).
type Mem struct {
	mu   sync.RWMutex
	data *memData
}

var _ Store = (*Mem)(nil)

type balKey struct {
	userID int64
	lotID  int64
}

type memData struct {
	lots     []models.Lot
	pairs    []models.Pair
	users    []models.User
	balances map[balKey]decimal.Decimal
	orders   map[int64]models.Order
	trades   []models.Trade

	nextLot   int64
	nextPair  int64
	nextUser  int64
	nextOrder int64
	nextTrade int64
}

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{data: &memData{
		balances:  make(map[balKey]decimal.Decimal),
		orders:    make(map[int64]models.Order),
		nextLot:   1,
		nextPair:  1,
		nextUser:  1,
		nextOrder: 1,
		nextTrade: 1,
	}}
}

func (d *memData) clone() *memData {
	c := &memData{
		lots:      append([]models.Lot(nil), d.lots...),
		pairs:     append([]models.Pair(nil), d.pairs...),
		users:     append([]models.User(nil), d.users...),
		balances:  make(map[balKey]decimal.Decimal, len(d.balances)),
		orders:    make(map[int64]models.Order, len(d.orders)),
		trades:    append([]models.Trade(nil), d.trades...),
		nextLot:   d.nextLot,
		nextPair:  d.nextPair,
		nextUser:  d.nextUser,
		nextOrder: d.nextOrder,
		nextTrade: d.nextTrade,
	}
	for k, v := range d.balances {
		c.balances[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	return c
}

func (d *memData) createLot(name string) (*models.Lot, error) {
	for _, lot := range d.lots {
		if lot.Name == name {
			return nil, fmt.Errorf("lot %q already exists", name)
		}
	}
	lot := models.Lot{ID: d.nextLot, Name: name}
	d.nextLot++
	d.lots = append(d.lots, lot)
	return &lot, nil
}

func (d *memData) createPair(baseLotID, quoteLotID int64) (*models.Pair, error) {
	if baseLotID == quoteLotID {
		return nil, fmt.Errorf("pair lots must be distinct")
	}
	pair := models.Pair{ID: d.nextPair, BaseLotID: baseLotID, QuoteLotID: quoteLotID}
	d.nextPair++
	d.pairs = append(d.pairs, pair)
	return &pair, nil
}

func (d *memData) createUser(username, accessKey string) (*models.User, error) {
	for _, u := range d.users {
		if u.AccessKey == accessKey {
			return nil, fmt.Errorf("access key already in use")
		}
	}
	user := models.User{ID: d.nextUser, Username: username, AccessKey: accessKey, CreatedAt: time.Now()}
	d.nextUser++
	d.users = append(d.users, user)
	return &user, nil
}

func (d *memData) adjustBalance(userID, lotID int64, delta decimal.Decimal) error {
	key := balKey{userID, lotID}
	next := d.balances[key].Add(delta)
	if next.IsNegative() {
		return ErrInsufficientFunds
	}
	d.balances[key] = next
	return nil
}

func (d *memData) createOrder(order *models.Order) (*models.Order, error) {
	created := *order
	created.ID = d.nextOrder
	d.nextOrder++
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}
	if created.Status == "" {
		created.Status = models.StatusOpen
	}
	d.orders[created.ID] = created
	return &created, nil
}

func (d *memData) openOrders(pairID int64, side string) []models.Order {
	var orders []models.Order
	for _, o := range d.orders {
		if o.PairID == pairID && o.Side == side && o.Open() {
			orders = append(orders, o)
		}
	}
	// oldest first, id as the tiebreak
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders
}

func (m *Mem) CreateLot(ctx context.Context, name string) (*models.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createLot(name)
}

func (m *Mem) ListLots(ctx context.Context) ([]models.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Lot(nil), m.data.lots...), nil
}

func (m *Mem) CreatePair(ctx context.Context, baseLotID, quoteLotID int64) (*models.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createPair(baseLotID, quoteLotID)
}

func (m *Mem) GetPair(ctx context.Context, id int64) (*models.Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pair := range m.data.pairs {
		if pair.ID == id {
			p := pair
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Mem) ListPairs(ctx context.Context) ([]models.Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Pair(nil), m.data.pairs...), nil
}

func (m *Mem) CreateUser(ctx context.Context, username, accessKey string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createUser(username, accessKey)
}

func (m *Mem) GetUserByKey(ctx context.Context, accessKey string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, user := range m.data.users {
		if user.AccessKey == accessKey {
			u := user
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Mem) GetBalance(ctx context.Context, userID, lotID int64) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.balances[balKey{userID, lotID}], nil
}

func (m *Mem) ListBalances(ctx context.Context, userID int64) ([]models.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var balances []models.Balance
	for key, qty := range m.data.balances {
		if key.userID == userID {
			balances = append(balances, models.Balance{UserID: userID, LotID: key.lotID, Quantity: qty})
		}
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].LotID < balances[j].LotID })
	return balances, nil
}

func (m *Mem) AdjustBalance(ctx context.Context, userID, lotID int64, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.adjustBalance(userID, lotID, delta)
}

func (m *Mem) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createOrder(order)
}

func (m *Mem) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if order, ok := m.data.orders[id]; ok {
		return &order, nil
	}
	return nil, ErrNotFound
}

func (m *Mem) ListOrders(ctx context.Context) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orders := make([]models.Order, 0, len(m.data.orders))
	for _, order := range m.data.orders {
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

func (m *Mem) OpenOrders(ctx context.Context, pairID int64, side string) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.openOrders(pairID, side), nil
}

func (m *Mem) UpdateOrderQuantity(ctx context.Context, id int64, quantity decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.data.orders[id]
	if !ok || !order.Open() {
		return ErrNotFound
	}
	order.Quantity = quantity
	m.data.orders[id] = order
	return nil
}

func (m *Mem) CloseOrder(ctx context.Context, id int64, status string, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.data.orders[id]
	if !ok || !order.Open() {
		return ErrNotFound
	}
	order.Status = status
	order.ClosedAt = &closedAt
	m.data.orders[id] = order
	return nil
}

func (m *Mem) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := *trade
	created.ID = m.data.nextTrade
	m.data.nextTrade++
	if created.ExecutedAt.IsZero() {
		created.ExecutedAt = time.Now()
	}
	m.data.trades = append(m.data.trades, created)
	return &created, nil
}

func (m *Mem) ListUserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var trades []models.Trade
	for _, trade := range m.data.trades {
		if trade.BuyerID == userID || trade.SellerID == userID {
			trades = append(trades, trade)
		}
	}
	return trades, nil
}

// Begin snapshots the store. The transaction mutates its own copy; Commit
// publishes the copy atomically, Rollback drops it.
func (m *Mem) Begin(ctx context.Context) (Tx, error) {
	m.mu.RLock()
	snapshot := m.data.clone()
	m.mu.RUnlock()
	return &memTx{Mem: &Mem{data: snapshot}, parent: m}, nil
}

type memTx struct {
	*Mem
	parent *Mem
	done   bool
}

var _ Tx = (*memTx)(nil)

func (t *memTx) Begin(ctx context.Context) (Tx, error) {
	return nil, fmt.Errorf("transaction already open")
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	t.parent.mu.Lock()
	t.parent.data = t.Mem.data
	t.parent.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}
