package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/models"
	"github.com/mmdatafocus/sellerledger_backend/utils"
	"github.com/mmdatafocus/sellerledger_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func main() {
	ownerID := flag.String("owner-id", "", "Required: owner id")
	allocationID := flag.Int("allocation-id", 0, "Required: cogs_allocations.id to reverse")
	reason := flag.String("reason", "Manual allocation correction", "Reversal reason")
	dryRun := flag.Bool("dry-run", true, "Show record only (no writes)")
	confirm := flag.String("confirm", "", "Type REVERSE to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*ownerID) == "" || *allocationID <= 0 {
		fmt.Fprintln(os.Stderr, "--owner-id and --allocation-id are required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REVERSE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REVERSE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	if *dryRun {
		printRecord(db, *ownerID, *allocationID)
		return
	}

	ctx := utils.SetOwnerIdInContext(context.Background(), *ownerID)
	rev, err := workflow.ReverseAllocation(ctx, logrus.New(), *allocationID, *reason)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reverse failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("allocation reversed: reversal_id=%d reverses=%d amount=%s\n", rev.ID, *allocationID, rev.Amount.String())
}

func printRecord(db *gorm.DB, ownerID string, allocationID int) {
	var a models.CogsAllocation
	if err := db.
		Where("owner_id = ? AND id = ?", ownerID, allocationID).
		First(&a).Error; err != nil {
		fmt.Fprintf(os.Stderr, "not found: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("id=%d owner_id=%s order_id=%s sku=%s method=%s qty=%s unit_cost_used=%s amount=%s shipped_at=%s is_reversal=%v reversed_by=%d\n",
		a.ID, a.OwnerId, a.OrderId, a.Sku, a.Method, a.Qty.String(), a.UnitCostUsed.String(), a.Amount.String(),
		a.ShippedAt.Format("2006-01-02 15:04:05"), a.IsReversal, utils.DereferencePtr(a.ReversedByAllocationId))
}
