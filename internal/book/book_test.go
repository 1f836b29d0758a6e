package book

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lotex/internal/ledger"
	"lotex/internal/models"
	"lotex/internal/store"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fixture is one market (base GOLD, quote USD) over the in-memory store.
type fixture struct {
	st   *store.Mem
	led  *ledger.Ledger
	eng  *Engine
	pair *models.Pair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMem()

	base, err := st.CreateLot(ctx, "GOLD")
	if err != nil {
		t.Fatalf("create base lot: %v", err)
	}
	quote, err := st.CreateLot(ctx, "USD")
	if err != nil {
		t.Fatalf("create quote lot: %v", err)
	}
	pair, err := st.CreatePair(ctx, base.ID, quote.ID)
	if err != nil {
		t.Fatalf("create pair: %v", err)
	}

	led := ledger.New(st)
	return &fixture{st: st, led: led, eng: New(st, led, zap.NewNop()), pair: pair}
}

// rest funds exactly the escrow, reserves it and persists a resting order,
// the same way the facade places one that found no match.
func (f *fixture) rest(t *testing.T, userID int64, side, qty, price string, at time.Time) *models.Order {
	t.Helper()
	ctx := context.Background()
	q, p := dec(qty), dec(price)

	escrowLot, escrowAmt := f.pair.BaseLotID, q
	if side == models.SideBuy {
		escrowLot, escrowAmt = f.pair.QuoteLotID, q.Mul(p)
	}
	if err := f.led.Adjust(ctx, userID, escrowLot, escrowAmt); err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	if err := f.led.Reserve(ctx, userID, escrowLot, escrowAmt); err != nil {
		t.Fatalf("reserve escrow: %v", err)
	}

	order, err := f.st.CreateOrder(ctx, &models.Order{
		UserID:    userID,
		PairID:    f.pair.ID,
		Side:      side,
		Quantity:  q,
		Price:     p,
		Status:    models.StatusOpen,
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("create resting order: %v", err)
	}
	return order
}

// incoming builds an order whose escrow is already reserved, ready for Match.
func (f *fixture) incoming(t *testing.T, userID int64, side, qty, price string) *models.Order {
	t.Helper()
	ctx := context.Background()
	q, p := dec(qty), dec(price)

	escrowLot, escrowAmt := f.pair.BaseLotID, q
	if side == models.SideBuy {
		escrowLot, escrowAmt = f.pair.QuoteLotID, q.Mul(p)
	}
	if err := f.led.Adjust(ctx, userID, escrowLot, escrowAmt); err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	if err := f.led.Reserve(ctx, userID, escrowLot, escrowAmt); err != nil {
		t.Fatalf("reserve escrow: %v", err)
	}
	return &models.Order{
		UserID:   userID,
		PairID:   f.pair.ID,
		Side:     side,
		Quantity: q,
		Price:    p,
		Status:   models.StatusOpen,
	}
}

func (f *fixture) balance(t *testing.T, userID, lotID int64) decimal.Decimal {
	t.Helper()
	bal, err := f.led.Balance(context.Background(), userID, lotID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func TestEngine_PriceTimePriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()

	// Resting sells at 10, 9, 11 placed in that order.
	at10 := f.rest(t, 2, models.SideSell, "1", "10", base)
	at9 := f.rest(t, 2, models.SideSell, "1", "9", base.Add(time.Second))
	at11 := f.rest(t, 2, models.SideSell, "1", "11", base.Add(2*time.Second))

	// A buy at 12 sized for the first two must take price 9 fully before
	// price 10, at the resting prices.
	buy := f.incoming(t, 1, models.SideBuy, "2", "12")
	remaining, err := f.eng.Match(ctx, buy, f.pair)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !remaining.IsZero() {
		t.Fatalf("expected full fill, remaining %s", remaining)
	}

	trades, err := f.st.ListUserTrades(ctx, 1)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if !trades[0].Price.Equal(dec("9")) || !trades[1].Price.Equal(dec("10")) {
		t.Errorf("expected maker prices [9 10], got [%s %s]", trades[0].Price, trades[1].Price)
	}

	for _, id := range []int64{at9.ID, at10.ID} {
		order, _ := f.st.GetOrder(ctx, id)
		if order.Status != models.StatusFilled {
			t.Errorf("order %d should be filled, is %s", id, order.Status)
		}
	}
	if order, _ := f.st.GetOrder(ctx, at11.ID); !order.Open() {
		t.Errorf("order at 11 must stay open, is %s", order.Status)
	}

	// Buyer escrowed 24 at limit 12, paid 9+10 and got 3+2 back.
	if got := f.balance(t, 1, f.pair.BaseLotID); !got.Equal(dec("2")) {
		t.Errorf("buyer base balance: expected 2, got %s", got)
	}
	if got := f.balance(t, 1, f.pair.QuoteLotID); !got.Equal(dec("5")) {
		t.Errorf("buyer price-improvement refund: expected 5, got %s", got)
	}
	if got := f.balance(t, 2, f.pair.QuoteLotID); !got.Equal(dec("19")) {
		t.Errorf("seller proceeds: expected 19, got %s", got)
	}
}

func TestEngine_TimeTiebreakAtSamePrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()

	older := f.rest(t, 2, models.SideSell, "1", "10", base)
	newer := f.rest(t, 3, models.SideSell, "1", "10", base.Add(time.Second))

	buy := f.incoming(t, 1, models.SideBuy, "1", "10")
	remaining, err := f.eng.Match(ctx, buy, f.pair)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !remaining.IsZero() {
		t.Fatalf("expected full fill, remaining %s", remaining)
	}

	if order, _ := f.st.GetOrder(ctx, older.ID); order.Open() {
		t.Error("older order at equal price should fill first")
	}
	if order, _ := f.st.GetOrder(ctx, newer.ID); !order.Open() {
		t.Error("newer order at equal price should remain open")
	}
}

func TestEngine_PartialFillLeavesRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resting := f.rest(t, 2, models.SideSell, "3", "10", time.Now())

	buy := f.incoming(t, 1, models.SideBuy, "5", "10")
	remaining, err := f.eng.Match(ctx, buy, f.pair)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !remaining.Equal(dec("2")) {
		t.Fatalf("expected remaining 2, got %s", remaining)
	}

	order, _ := f.st.GetOrder(ctx, resting.ID)
	if order.Status != models.StatusFilled {
		t.Errorf("resting order should be fully closed, is %s", order.Status)
	}
	if got := f.balance(t, 1, f.pair.BaseLotID); !got.Equal(dec("3")) {
		t.Errorf("buyer settled quantity: expected 3, got %s", got)
	}
	if got := f.balance(t, 2, f.pair.QuoteLotID); !got.Equal(dec("30")) {
		t.Errorf("seller proceeds: expected 30, got %s", got)
	}
}

func TestEngine_SellMatchesHighestBidFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()

	best := f.rest(t, 2, models.SideBuy, "1", "10", base)
	worse := f.rest(t, 3, models.SideBuy, "1", "9", base.Add(time.Second))

	sell := f.incoming(t, 1, models.SideSell, "1", "9")
	remaining, err := f.eng.Match(ctx, sell, f.pair)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !remaining.IsZero() {
		t.Fatalf("expected full fill, remaining %s", remaining)
	}

	if order, _ := f.st.GetOrder(ctx, best.ID); order.Open() {
		t.Error("highest bid should fill first")
	}
	if order, _ := f.st.GetOrder(ctx, worse.ID); !order.Open() {
		t.Error("lower bid should remain open")
	}

	// Maker price 10: improvement accrues to the incoming seller.
	if got := f.balance(t, 1, f.pair.QuoteLotID); !got.Equal(dec("10")) {
		t.Errorf("seller proceeds at maker price: expected 10, got %s", got)
	}
	if got := f.balance(t, 2, f.pair.BaseLotID); !got.Equal(dec("1")) {
		t.Errorf("buyer settled quantity: expected 1, got %s", got)
	}
}

func TestEngine_PriceProtection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resting := f.rest(t, 2, models.SideSell, "1", "15", time.Now())

	buy := f.incoming(t, 1, models.SideBuy, "1", "10")
	remaining, err := f.eng.Match(ctx, buy, f.pair)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !remaining.Equal(dec("1")) {
		t.Fatalf("no trade should happen, remaining %s", remaining)
	}

	if order, _ := f.st.GetOrder(ctx, resting.ID); !order.Open() {
		t.Error("overpriced ask must stay open")
	}
	trades, _ := f.st.ListUserTrades(ctx, 1)
	if len(trades) != 0 {
		t.Errorf("expected no trades, got %d", len(trades))
	}
}

func TestEngine_ExactDecimalFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Fractional quantities settle on exact decimal equality, no epsilon.
	f.rest(t, 2, models.SideSell, "0.1", "0.3", time.Now())
	f.rest(t, 2, models.SideSell, "0.2", "0.3", time.Now().Add(time.Second))

	buy := f.incoming(t, 1, models.SideBuy, "0.3", "0.3")
	remaining, err := f.eng.Match(ctx, buy, f.pair)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !remaining.IsZero() {
		t.Fatalf("expected exact full fill, remaining %s", remaining)
	}
	if got := f.balance(t, 1, f.pair.BaseLotID); !got.Equal(dec("0.3")) {
		t.Errorf("buyer base: expected 0.3, got %s", got)
	}
	if got := f.balance(t, 2, f.pair.QuoteLotID); !got.Equal(dec("0.09")) {
		t.Errorf("seller quote: expected 0.09, got %s", got)
	}
}
