package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// snapshot-rebuild replays an AVG SKU's receipts and allocations in time order
// and rewrites its cost snapshots from scratch. For recovery after a bad
// backfill; live traffic for the SKU should be paused while it runs.
func main() {
	ownerID := flag.String("owner-id", "", "Required: owner id")
	sku := flag.String("sku", "", "Required: AVG-costed sku to rebuild")
	dryRun := flag.Bool("dry-run", true, "Print the replayed snapshots without writing")
	confirm := flag.String("confirm", "", "Type REBUILD to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*ownerID) == "" || strings.TrimSpace(*sku) == "" {
		fmt.Fprintln(os.Stderr, "--owner-id and --sku are required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REBUILD" {
		fmt.Fprintln(os.Stderr, "set --confirm=REBUILD to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	item, err := models.GetInventoryItemTx(db, *ownerID, *sku)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sku lookup failed: %v\n", err)
		os.Exit(1)
	}
	if item.CostingMethod != models.CostingMethodAvg {
		fmt.Fprintf(os.Stderr, "sku %s is %s-costed; only AVG snapshots can be rebuilt\n", *sku, item.CostingMethod)
		os.Exit(1)
	}

	snaps, err := replaySnapshots(db, *ownerID, *sku)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}

	for _, s := range snaps {
		fmt.Printf("date=%s qty=%s value=%s avg=%s\n",
			s.AsOfDate.Format("2006-01-02"), s.OnHandQty, s.OnHandValue, s.AvgUnitCost)
	}
	if *dryRun {
		fmt.Printf("dry run: %d snapshot(s) would be written\n", len(snaps))
		return
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("owner_id = ? AND sku = ?", *ownerID, *sku).
			Delete(&models.CostSnapshot{}).Error; err != nil {
			return err
		}
		for _, s := range snaps {
			if err := tx.Create(s).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("rebuilt %d snapshot(s) for %s\n", len(snaps), *sku)
}

// ledgerEvent is one qty/value delta at a point in time.
type ledgerEvent struct {
	at    time.Time
	qty   decimal.Decimal
	value decimal.Decimal
}

func replaySnapshots(db *gorm.DB, ownerID, sku string) ([]*models.CostSnapshot, error) {
	var layers []*models.ReceiptLayer
	if err := db.
		Where("owner_id = ? AND sku = ? AND is_voided = 0", ownerID, sku).
		Order("received_at ASC, id ASC").
		Find(&layers).Error; err != nil {
		return nil, err
	}

	var allocs []*models.CogsAllocation
	if err := db.
		Where("owner_id = ? AND sku = ?", ownerID, sku).
		Order("shipped_at ASC, id ASC").
		Find(&allocs).Error; err != nil {
		return nil, err
	}

	events := make([]ledgerEvent, 0, len(layers)+len(allocs))
	for _, l := range layers {
		events = append(events, ledgerEvent{
			at:    l.ReceivedAt,
			qty:   l.QtyReceived,
			value: l.QtyReceived.Mul(l.UnitCost).Round(4),
		})
	}
	// Allocation rows carry their own sign: originals debit, reversals credit.
	for _, a := range allocs {
		events = append(events, ledgerEvent{
			at:    a.ShippedAt,
			qty:   a.Qty.Neg(),
			value: a.Amount.Neg(),
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })

	var out []*models.CostSnapshot
	for _, e := range events {
		date := models.DateOnly(e.at)
		var cur *models.CostSnapshot
		if n := len(out); n > 0 && out[n-1].AsOfDate.Equal(date) {
			cur = out[n-1]
		} else {
			cur = &models.CostSnapshot{OwnerId: ownerID, Sku: sku, AsOfDate: date}
			if n > 0 {
				cur.OnHandQty = out[n-1].OnHandQty
				cur.OnHandValue = out[n-1].OnHandValue
			}
			out = append(out, cur)
		}
		cur.OnHandQty = cur.OnHandQty.Add(e.qty)
		cur.OnHandValue = cur.OnHandValue.Add(e.value)
		cur.Recalc()
	}
	return out, nil
}
