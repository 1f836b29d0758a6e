package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"lotex/internal/models"
)

func TestMem_AdjustBalanceFloor(t *testing.T) {
	ctx := context.Background()
	m := NewMem()

	if err := m.AdjustBalance(ctx, 1, 1, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	err := m.AdjustBalance(ctx, 1, 1, decimal.NewFromInt(-11))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// The failed debit must not have touched the balance.
	bal, err := m.GetBalance(ctx, 1, 1)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected balance 10 after failed debit, got %s", bal)
	}

	if err := m.AdjustBalance(ctx, 1, 1, decimal.NewFromInt(-10)); err != nil {
		t.Fatalf("exact debit failed: %v", err)
	}
	bal, _ = m.GetBalance(ctx, 1, 1)
	if !bal.IsZero() {
		t.Errorf("expected zero balance, got %s", bal)
	}
}

func TestMem_GetBalanceMissingRow(t *testing.T) {
	m := NewMem()
	bal, err := m.GetBalance(context.Background(), 42, 7)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !bal.IsZero() {
		t.Errorf("missing row should read as zero, got %s", bal)
	}
}

func TestMem_TxRollbackDiscards(t *testing.T) {
	ctx := context.Background()
	m := NewMem()

	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.CreateLot(ctx, "BTC"); err != nil {
		t.Fatalf("create lot in tx: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	lots, _ := m.ListLots(ctx)
	if len(lots) != 0 {
		t.Errorf("rollback leaked %d lots", len(lots))
	}
}

func TestMem_TxCommitPublishesAtomically(t *testing.T) {
	ctx := context.Background()
	m := NewMem()

	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.CreateLot(ctx, "BTC"); err != nil {
		t.Fatalf("create lot: %v", err)
	}
	if err := tx.AdjustBalance(ctx, 1, 1, decimal.NewFromInt(5)); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	// Nothing is visible before commit.
	if lots, _ := m.ListLots(ctx); len(lots) != 0 {
		t.Fatal("tx writes visible before commit")
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	lots, _ := m.ListLots(ctx)
	if len(lots) != 1 || lots[0].Name != "BTC" {
		t.Errorf("unexpected lots after commit: %v", lots)
	}
	bal, _ := m.GetBalance(ctx, 1, 1)
	if !bal.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected balance 5 after commit, got %s", bal)
	}
}

func TestMem_OpenOrdersFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	base := time.Now()

	mk := func(side string, at time.Time, status string) *models.Order {
		o := &models.Order{
			UserID:    1,
			PairID:    1,
			Side:      side,
			Quantity:  decimal.NewFromInt(1),
			Price:     decimal.NewFromInt(10),
			Status:    status,
			CreatedAt: at,
		}
		created, err := m.CreateOrder(ctx, o)
		if err != nil {
			t.Fatalf("create order: %v", err)
		}
		return created
	}

	newest := mk(models.SideSell, base.Add(2*time.Second), models.StatusOpen)
	oldest := mk(models.SideSell, base, models.StatusOpen)
	mk(models.SideBuy, base, models.StatusOpen)
	closed := mk(models.SideSell, base.Add(time.Second), models.StatusOpen)
	if err := m.CloseOrder(ctx, closed.ID, models.StatusCancelled, time.Now()); err != nil {
		t.Fatalf("close order: %v", err)
	}

	orders, err := m.OpenOrders(ctx, 1, models.SideSell)
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 open sell orders, got %d", len(orders))
	}
	if orders[0].ID != oldest.ID || orders[1].ID != newest.ID {
		t.Errorf("expected oldest-first [%d %d], got [%d %d]",
			oldest.ID, newest.ID, orders[0].ID, orders[1].ID)
	}
}

func TestMem_CloseOrderIsOneWay(t *testing.T) {
	ctx := context.Background()
	m := NewMem()

	order, err := m.CreateOrder(ctx, &models.Order{
		UserID: 1, PairID: 1, Side: models.SideBuy,
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(2),
		Status: models.StatusOpen,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if err := m.CloseOrder(ctx, order.ID, models.StatusFilled, time.Now()); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A closed order is immutable: no re-close, no quantity update.
	if err := m.CloseOrder(ctx, order.ID, models.StatusCancelled, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound re-closing, got %v", err)
	}
	if err := m.UpdateOrderQuantity(ctx, order.ID, decimal.NewFromInt(1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating closed order, got %v", err)
	}

	got, err := m.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != models.StatusFilled || got.ClosedAt == nil {
		t.Errorf("unexpected closed order state: %+v", got)
	}
}
