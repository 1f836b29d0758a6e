package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lot is a tradeable asset type (a currency or token). Immutable once created.
type Lot struct {
	ID   int64  `json:"lot_id"`
	Name string `json:"name"`
}

// Pair is a directed market: selling/buying BaseLotID priced in QuoteLotID.
// (A, B) and (B, A) are distinct pairs; both exist after bootstrap.
type Pair struct {
	ID         int64 `json:"pair_id"`
	BaseLotID  int64 `json:"base_lot_id"`
	QuoteLotID int64 `json:"quote_lot_id"`
}

// User represents a registered user. AccessKey is the sole credential:
// an opaque random token issued once at registration and never reissued.
type User struct {
	ID        int64
	Username  string
	AccessKey string
	CreatedAt time.Time
}

// Balance is one (user, lot) holding. A missing row means quantity zero.
type Balance struct {
	UserID   int64           `json:"-"`
	LotID    int64           `json:"lot_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order statuses. An order is matchable only while open; once closed it is
// immutable. ClosedAt records when, Status records why.
const (
	StatusOpen      = "open"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
)

// Order is a resting or incoming limit order. Quantity is the remaining
// (unfilled) amount and only ever decreases while the order is open.
type Order struct {
	ID        int64           `json:"order_id"`
	UserID    int64           `json:"user_id"`
	PairID    int64           `json:"pair_id"`
	Side      string          `json:"type"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"` // used for time priority
	ClosedAt  *time.Time      `json:"closed_at,omitempty"`
}

// Open reports whether the order is still matchable.
func (o *Order) Open() bool {
	return o.Status == StatusOpen
}

// Trade is the audit record of one settlement: Quantity of the pair's base
// lot changed hands at Price (the resting order's price) per unit.
type Trade struct {
	ID         int64           `json:"trade_id"`
	PairID     int64           `json:"pair_id"`
	BuyerID    int64           `json:"buyer_id"`
	SellerID   int64           `json:"seller_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	ExecutedAt time.Time       `json:"executed_at"`
}
