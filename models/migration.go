package models

import (
	"log"

	"github.com/mmdatafocus/sellerledger_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&InventoryItem{}, &BundleComponent{},
		&ReceiptLayer{}, &CostSnapshot{},
		&OrderLine{},
		&CogsAllocation{}, &CogsAllocationLayer{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
