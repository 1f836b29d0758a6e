// Package book implements the order book's matching engine: price-time
// priority selection of resting orders and trade settlement through the
// ledger.
package book

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lotex/internal/ledger"
	"lotex/internal/models"
	"lotex/internal/store"
)

// Engine matches incoming orders against the resting book of one store. Run
// it over a store.Tx so a failed settlement rolls back whole.
type Engine struct {
	st  store.Store
	led *ledger.Ledger
	log *zap.Logger
}

// New creates a matching engine over the given store and ledger.
func New(st store.Store, led *ledger.Ledger, log *zap.Logger) *Engine {
	return &Engine{st: st, led: led, log: log}
}

// Match walks open opposite-side orders on the pair in price-time priority
// and settles trades until the incoming order is filled or no eligible
// candidate remains. Trades execute at the resting order's price; price
// improvement is refunded to an incoming buy from its escrow. Returns the
// incoming order's remaining quantity (zero if fully filled).
//
// The incoming order's escrow must already be reserved: quantity×price of
// the quote lot for a buy, quantity of the base lot for a sell.
func (e *Engine) Match(ctx context.Context, incoming *models.Order, pair *models.Pair) (decimal.Decimal, error) {
	opposite := models.SideSell
	if incoming.Side == models.SideSell {
		opposite = models.SideBuy
	}

	// OpenOrders returns oldest-first; the stable sort by price keeps that
	// as the tiebreak, giving price-time priority.
	resting, err := e.st.OpenOrders(ctx, pair.ID, opposite)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load resting orders: %w", err)
	}
	if incoming.Side == models.SideBuy {
		// cheapest sellers first
		sort.SliceStable(resting, func(i, j int) bool {
			return resting[i].Price.LessThan(resting[j].Price)
		})
	} else {
		// highest bidders first
		sort.SliceStable(resting, func(i, j int) bool {
			return resting[i].Price.GreaterThan(resting[j].Price)
		})
	}

	remaining := incoming.Quantity
	for i := range resting {
		cand := &resting[i]

		// A candidate must not disadvantage the incoming limit price.
		if incoming.Side == models.SideBuy && cand.Price.GreaterThan(incoming.Price) {
			continue
		}
		if incoming.Side == models.SideSell && cand.Price.LessThan(incoming.Price) {
			continue
		}

		qty := decimal.Min(remaining, cand.Quantity)
		if err := e.settle(ctx, incoming, cand, pair, qty); err != nil {
			return decimal.Zero, err
		}

		left := cand.Quantity.Sub(qty)
		if left.IsZero() {
			if err := e.st.CloseOrder(ctx, cand.ID, models.StatusFilled, time.Now()); err != nil {
				return decimal.Zero, fmt.Errorf("close filled order %d: %w", cand.ID, err)
			}
		} else {
			if err := e.st.UpdateOrderQuantity(ctx, cand.ID, left); err != nil {
				return decimal.Zero, fmt.Errorf("reduce order %d: %w", cand.ID, err)
			}
		}

		remaining = remaining.Sub(qty)
		if remaining.IsZero() {
			break
		}
	}

	return remaining, nil
}

// settle posts one trade's balance legs and records it. Both parties'
// outgoing funds were escrowed at placement (the resting side at exactly the
// maker price this trade executes at), so settlement only credits: the buyer
// receives base, the seller receives quote, and an incoming buy gets the
// difference between its limit and the maker price released back.
func (e *Engine) settle(ctx context.Context, incoming, cand *models.Order, pair *models.Pair, qty decimal.Decimal) error {
	price := cand.Price
	cost := qty.Mul(price)

	buyerID, sellerID := incoming.UserID, cand.UserID
	if incoming.Side == models.SideSell {
		buyerID, sellerID = cand.UserID, incoming.UserID
	}

	if err := e.led.Adjust(ctx, buyerID, pair.BaseLotID, qty); err != nil {
		return fmt.Errorf("credit buyer: %w", err)
	}
	if err := e.led.Adjust(ctx, sellerID, pair.QuoteLotID, cost); err != nil {
		return fmt.Errorf("credit seller: %w", err)
	}
	if incoming.Side == models.SideBuy && incoming.Price.GreaterThan(price) {
		refund := qty.Mul(incoming.Price.Sub(price))
		if err := e.led.Release(ctx, buyerID, pair.QuoteLotID, refund); err != nil {
			return fmt.Errorf("refund price improvement: %w", err)
		}
	}

	if _, err := e.st.CreateTrade(ctx, &models.Trade{
		PairID:   pair.ID,
		BuyerID:  buyerID,
		SellerID: sellerID,
		Quantity: qty,
		Price:    price,
	}); err != nil {
		return fmt.Errorf("record trade: %w", err)
	}

	e.log.Debug("trade settled",
		zap.Int64("pair_id", pair.ID),
		zap.Int64("buyer_id", buyerID),
		zap.Int64("seller_id", sellerID),
		zap.String("quantity", qty.String()),
		zap.String("price", price.String()))
	return nil
}
