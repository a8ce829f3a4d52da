package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CostSnapshot is one per-(owner, sku, date) row of the rolling weighted
// average ledger. Rows are versioned by as_of_date: the "current" snapshot is
// the latest row, history stays queryable. Consumption and receipt both roll
// the ledger forward by updating the row for their date or appending a new one
// seeded from the previous row.
type CostSnapshot struct {
	ID          int             `gorm:"primary_key" json:"id"`
	OwnerId     string          `gorm:"size:64;not null;index:uniq_snapshot_owner_sku_date,unique" json:"owner_id"`
	Sku         string          `gorm:"size:100;not null;index:uniq_snapshot_owner_sku_date,unique" json:"sku"`
	AsOfDate    time.Time       `gorm:"type:date;not null;index:uniq_snapshot_owner_sku_date,unique" json:"as_of_date"`
	OnHandQty   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"on_hand_qty"`
	OnHandValue decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"on_hand_value"`
	AvgUnitCost decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"avg_unit_cost"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Recalc derives avg_unit_cost from value/qty (0 when the SKU is out of stock).
func (s *CostSnapshot) Recalc() {
	if s.OnHandQty.IsZero() {
		s.AvgUnitCost = decimal.Zero
		return
	}
	s.AvgUnitCost = s.OnHandValue.DivRound(s.OnHandQty, 8)
}

// BeforeSave enforces internal invariants for the snapshot ledger.
func (s *CostSnapshot) BeforeSave(tx *gorm.DB) error {
	_ = tx
	if s == nil {
		return nil
	}
	if s.OnHandQty.IsNegative() {
		return fmt.Errorf("cost snapshot %s: on_hand_qty would become negative (%s)", s.Sku, s.OnHandQty)
	}
	if s.OnHandValue.IsNegative() {
		return fmt.Errorf("cost snapshot %s: on_hand_value would become negative (%s)", s.Sku, s.OnHandValue)
	}
	return nil
}

// DateOnly truncates a timestamp to its UTC calendar date, the snapshot grain.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CostSnapshotAsOf returns the latest snapshot with as_of_date <= date,
// optionally locked FOR UPDATE for the duration of tx.
func CostSnapshotAsOf(tx *gorm.DB, ownerId, sku string, date time.Time, forUpdate bool) (*CostSnapshot, error) {
	q := tx
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var snap CostSnapshot
	err := q.
		Where("owner_id = ? AND sku = ? AND as_of_date <= ?", ownerId, sku, DateOnly(date)).
		Order("as_of_date DESC, id DESC").
		First(&snap).Error
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// CurrentCostSnapshot returns the latest snapshot regardless of date,
// optionally locked FOR UPDATE.
func CurrentCostSnapshot(tx *gorm.DB, ownerId, sku string, forUpdate bool) (*CostSnapshot, error) {
	q := tx
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var snap CostSnapshot
	err := q.
		Where("owner_id = ? AND sku = ?", ownerId, sku).
		Order("as_of_date DESC, id DESC").
		First(&snap).Error
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// RollSnapshotForward applies a qty/value delta as of the given date.
// If a row already exists for that date it is updated in place; otherwise a
// new row is appended, seeded from the latest prior row. The caller must hold
// the per-SKU allocation lock.
func RollSnapshotForward(tx *gorm.DB, ownerId, sku string, date time.Time, qtyDelta, valueDelta decimal.Decimal) (*CostSnapshot, error) {
	date = DateOnly(date)

	prev, err := CostSnapshotAsOf(tx, ownerId, sku, date, true)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if prev != nil && prev.AsOfDate.Equal(date) {
		prev.OnHandQty = prev.OnHandQty.Add(qtyDelta)
		prev.OnHandValue = prev.OnHandValue.Add(valueDelta)
		prev.Recalc()
		if err := tx.Save(prev).Error; err != nil {
			return nil, err
		}
		return prev, nil
	}

	next := &CostSnapshot{
		OwnerId:  ownerId,
		Sku:      sku,
		AsOfDate: date,
	}
	if prev != nil {
		next.OnHandQty = prev.OnHandQty
		next.OnHandValue = prev.OnHandValue
	}
	next.OnHandQty = next.OnHandQty.Add(qtyDelta)
	next.OnHandValue = next.OnHandValue.Add(valueDelta)
	next.Recalc()
	if err := tx.Create(next).Error; err != nil {
		return nil, err
	}
	return next, nil
}
