package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// DB-free checks of the weighted-average arithmetic. The roll-forward DB path
// is covered by the integration tests in the workflow package.

func TestCostSnapshotRecalc_BlendsReceipts(t *testing.T) {
	// 10 on hand @ 2.00, receive 10 @ 3.00 -> avg 2.50.
	s := &CostSnapshot{
		OnHandQty:   decimal.RequireFromString("10"),
		OnHandValue: decimal.RequireFromString("20.00"),
	}
	s.OnHandQty = s.OnHandQty.Add(decimal.RequireFromString("10"))
	s.OnHandValue = s.OnHandValue.Add(decimal.RequireFromString("30.00"))
	s.Recalc()

	if !s.AvgUnitCost.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("expected avg 2.5, got %s", s.AvgUnitCost)
	}

	// Ship 5 at the blended average: amount 12.50, remaining 15 @ 2.50.
	qty := decimal.RequireFromString("5")
	amount := qty.Mul(s.AvgUnitCost).Round(4)
	if !amount.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("expected amount 12.5, got %s", amount)
	}
	s.OnHandQty = s.OnHandQty.Sub(qty)
	s.OnHandValue = s.OnHandValue.Sub(amount)
	s.Recalc()
	if !s.AvgUnitCost.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("consumption must not move the average, got %s", s.AvgUnitCost)
	}
}

func TestCostSnapshotRecalc_ZeroQtyZerosAverage(t *testing.T) {
	s := &CostSnapshot{
		OnHandQty:   decimal.Zero,
		OnHandValue: decimal.Zero,
	}
	s.Recalc()
	if !s.AvgUnitCost.IsZero() {
		t.Fatalf("expected zero avg on zero qty, got %s", s.AvgUnitCost)
	}
}

func TestCostSnapshotRecalc_RoundsToEightPlaces(t *testing.T) {
	s := &CostSnapshot{
		OnHandQty:   decimal.RequireFromString("3"),
		OnHandValue: decimal.RequireFromString("10.00"),
	}
	s.Recalc()
	if !s.AvgUnitCost.Equal(decimal.RequireFromString("3.33333333")) {
		t.Fatalf("expected 3.33333333, got %s", s.AvgUnitCost)
	}
}

func TestCostSnapshotBeforeSave_RejectsNegativeState(t *testing.T) {
	s := &CostSnapshot{
		Sku:         "SKU-A",
		OnHandQty:   decimal.RequireFromString("-1"),
		OnHandValue: decimal.Zero,
	}
	if err := s.BeforeSave(nil); err == nil {
		t.Fatalf("expected error for negative on_hand_qty")
	}

	s = &CostSnapshot{
		Sku:         "SKU-A",
		OnHandQty:   decimal.Zero,
		OnHandValue: decimal.RequireFromString("-0.01"),
	}
	if err := s.BeforeSave(nil); err == nil {
		t.Fatalf("expected error for negative on_hand_value")
	}
}

func TestDateOnly_TruncatesToUTCDate(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	in := time.Date(2026, 3, 2, 5, 30, 0, 0, loc) // 2026-03-01T22:30Z
	got := DateOnly(in)
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestReceiptLayerBeforeSave_Invariants(t *testing.T) {
	l := &ReceiptLayer{
		Sku:          "SKU-A",
		QtyReceived:  decimal.RequireFromString("10"),
		QtyRemaining: decimal.RequireFromString("-1"),
		UnitCost:     decimal.RequireFromString("5"),
	}
	if err := l.BeforeSave(nil); err == nil {
		t.Fatalf("expected error for negative qty_remaining")
	}

	l.QtyRemaining = decimal.RequireFromString("11")
	if err := l.BeforeSave(nil); err == nil {
		t.Fatalf("expected error for qty_remaining above qty_received")
	}

	l.QtyRemaining = decimal.RequireFromString("10")
	if err := l.BeforeSave(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.IsVoided == nil || *l.IsVoided {
		t.Fatalf("expected is_voided defaulted to false")
	}
}
