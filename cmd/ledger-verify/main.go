package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ledger-verify cross-checks the three ledgers for one owner (optionally one
// SKU) and prints every disagreement. Read-only; exit code 1 when any check
// fails so it can run under cron.
func main() {
	ownerID := flag.String("owner-id", "", "Required: owner id")
	sku := flag.String("sku", "", "Optional: restrict to one SKU")
	flag.Parse()

	if strings.TrimSpace(*ownerID) == "" {
		fmt.Fprintln(os.Stderr, "--owner-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	skus, err := resolveSkus(db, *ownerID, *sku)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listing skus failed: %v\n", err)
		os.Exit(1)
	}

	problems := 0
	for _, s := range skus {
		problems += verifyLayers(db, *ownerID, s)
		problems += verifySnapshots(db, *ownerID, s)
	}
	problems += verifyAllocationDraws(db, *ownerID, *sku)

	if problems > 0 {
		fmt.Printf("FAIL: %d problem(s) found\n", problems)
		os.Exit(1)
	}
	fmt.Println("OK: all checks passed")
}

func resolveSkus(db *gorm.DB, ownerID, sku string) ([]string, error) {
	if sku != "" {
		return []string{sku}, nil
	}
	var skus []string
	err := db.Model(&models.InventoryItem{}).
		Where("owner_id = ? AND is_bundle = 0", ownerID).
		Order("sku ASC").
		Pluck("sku", &skus).Error
	return skus, err
}

// verifyLayers checks 0 <= qty_remaining <= qty_received per layer, and that
// FIFO consumption recorded against each layer matches what the layer lost.
func verifyLayers(db *gorm.DB, ownerID, sku string) int {
	var layers []*models.ReceiptLayer
	if err := db.
		Where("owner_id = ? AND sku = ?", ownerID, sku).
		Order("id ASC").
		Find(&layers).Error; err != nil {
		fmt.Fprintf(os.Stderr, "sku=%s: reading layers failed: %v\n", sku, err)
		return 1
	}

	problems := 0
	for _, l := range layers {
		if l.QtyRemaining.IsNegative() {
			fmt.Printf("sku=%s layer=%d: qty_remaining is negative (%s)\n", sku, l.ID, l.QtyRemaining)
			problems++
		}
		if l.QtyRemaining.GreaterThan(l.QtyReceived) {
			fmt.Printf("sku=%s layer=%d: qty_remaining %s exceeds qty_received %s\n", sku, l.ID, l.QtyRemaining, l.QtyReceived)
			problems++
		}

		// Net draw recorded against this layer: allocations minus the draws
		// given back by reversals (the reversal stamps the original).
		var netDrawn decimal.Decimal
		err := db.Model(&models.CogsAllocationLayer{}).
			Joins("JOIN cogs_allocations ON cogs_allocations.id = cogs_allocation_layers.allocation_id").
			Where("cogs_allocation_layers.layer_id = ? AND cogs_allocations.owner_id = ? AND cogs_allocations.is_reversal = 0 AND cogs_allocations.reversed_by_allocation_id IS NULL", l.ID, ownerID).
			Select("COALESCE(SUM(cogs_allocation_layers.qty), 0)").
			Scan(&netDrawn).Error
		if err != nil {
			fmt.Fprintf(os.Stderr, "sku=%s layer=%d: reading draws failed: %v\n", sku, l.ID, err)
			problems++
			continue
		}
		expected := l.QtyReceived.Sub(netDrawn)
		if !l.QtyRemaining.Equal(expected) {
			fmt.Printf("sku=%s layer=%d: qty_remaining %s disagrees with received-minus-live-draws %s\n", sku, l.ID, l.QtyRemaining, expected)
			problems++
		}
	}
	return problems
}

func verifySnapshots(db *gorm.DB, ownerID, sku string) int {
	var snaps []*models.CostSnapshot
	if err := db.
		Where("owner_id = ? AND sku = ?", ownerID, sku).
		Order("as_of_date ASC, id ASC").
		Find(&snaps).Error; err != nil {
		fmt.Fprintf(os.Stderr, "sku=%s: reading snapshots failed: %v\n", sku, err)
		return 1
	}

	problems := 0
	for _, s := range snaps {
		if s.OnHandQty.IsNegative() {
			fmt.Printf("sku=%s snapshot=%d (%s): on_hand_qty is negative (%s)\n", sku, s.ID, s.AsOfDate.Format("2006-01-02"), s.OnHandQty)
			problems++
		}
		if s.OnHandValue.IsNegative() {
			fmt.Printf("sku=%s snapshot=%d (%s): on_hand_value is negative (%s)\n", sku, s.ID, s.AsOfDate.Format("2006-01-02"), s.OnHandValue)
			problems++
		}
		if s.OnHandQty.IsZero() && !s.AvgUnitCost.IsZero() {
			fmt.Printf("sku=%s snapshot=%d (%s): avg_unit_cost %s on zero qty\n", sku, s.ID, s.AsOfDate.Format("2006-01-02"), s.AvgUnitCost)
			problems++
		}
	}
	return problems
}

// verifyAllocationDraws checks that every FIFO header's qty and amount equal
// the sum of its layer draws.
func verifyAllocationDraws(db *gorm.DB, ownerID, sku string) int {
	q := db.Where("owner_id = ? AND method = ? AND is_reversal = 0", ownerID, models.CostingMethodFifo)
	if sku != "" {
		q = q.Where("sku = ?", sku)
	}
	var allocs []*models.CogsAllocation
	if err := q.Order("id ASC").Find(&allocs).Error; err != nil {
		fmt.Fprintf(os.Stderr, "reading allocations failed: %v\n", err)
		return 1
	}

	problems := 0
	for _, a := range allocs {
		var draws []*models.CogsAllocationLayer
		if err := db.Where("allocation_id = ?", a.ID).Find(&draws).Error; err != nil {
			fmt.Fprintf(os.Stderr, "allocation=%d: reading draws failed: %v\n", a.ID, err)
			problems++
			continue
		}
		qty, amount := decimal.Zero, decimal.Zero
		for _, d := range draws {
			qty = qty.Add(d.Qty)
			amount = amount.Add(d.Qty.Mul(d.UnitCost))
		}
		if !qty.Equal(a.Qty) {
			fmt.Printf("allocation=%d sku=%s: header qty %s disagrees with draw sum %s\n", a.ID, a.Sku, a.Qty, qty)
			problems++
		}
		if !amount.Round(4).Equal(a.Amount) {
			fmt.Printf("allocation=%d sku=%s: header amount %s disagrees with draw value %s\n", a.ID, a.Sku, a.Amount, amount.Round(4))
			problems++
		}
	}
	return problems
}
