package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/models"
	"github.com/mmdatafocus/sellerledger_backend/utils"
	"github.com/mmdatafocus/sellerledger_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func setupIntegration(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "sellerledger_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	models.MigrateTable()
	return context.Background()
}

func mustCreateItem(t *testing.T, ctx context.Context, sku string, method models.CostingMethod, isBundle bool) {
	t.Helper()
	bundle := utils.NewFalse()
	if isBundle {
		bundle = utils.NewTrue()
	}
	if _, err := models.CreateInventoryItem(ctx, &models.NewInventoryItem{
		Sku:           sku,
		Name:          sku,
		IsBundle:      bundle,
		CostingMethod: method,
	}); err != nil {
		t.Fatalf("CreateInventoryItem(%s): %v", sku, err)
	}
}

func mustReceive(t *testing.T, ctx context.Context, sku string, receivedAt time.Time, qty, unitCost string) {
	t.Helper()
	if _, err := workflow.ReceiveStock(ctx, logrus.New(), &models.NewReceiptLayer{
		Sku:        sku,
		ReceivedAt: receivedAt,
		Qty:        decimal.RequireFromString(qty),
		UnitCost:   decimal.RequireFromString(unitCost),
		Reference:  "PO-TEST",
	}); err != nil {
		t.Fatalf("ReceiveStock(%s): %v", sku, err)
	}
}

func shipmentMsg(ownerID, orderID, sku, qty string, shippedAt time.Time) *config.ShipmentMessage {
	return &config.ShipmentMessage{
		OwnerId:   ownerID,
		OrderId:   orderID,
		Sku:       sku,
		Qty:       decimal.RequireFromString(qty),
		ShippedAt: shippedAt,
	}
}

func liveAllocations(t *testing.T, ctx context.Context, orderID string) []*models.CogsAllocation {
	t.Helper()
	rows, err := models.GetAllocationsByOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("GetAllocationsByOrder(%s): %v", orderID, err)
	}
	var live []*models.CogsAllocation
	for _, r := range rows {
		if !r.IsReversal && r.ReversedByAllocationId == nil {
			live = append(live, r)
		}
	}
	return live
}

func TestFifoAllocationLifecycle(t *testing.T) {
	ctx := setupIntegration(t)
	const ownerID = "owner-fifo"
	ctx = utils.SetOwnerIdInContext(ctx, ownerID)
	logger := logrus.New()

	mustCreateItem(t, ctx, "WIDGET", models.CostingMethodFifo, false)
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	mustReceive(t, ctx, "WIDGET", base, "10", "5.00")
	mustReceive(t, ctx, "WIDGET", base.AddDate(0, 0, 2), "10", "7.00")

	onHand, err := models.PhysicalOnHand(ctx, "WIDGET")
	if err != nil {
		t.Fatalf("PhysicalOnHand: %v", err)
	}
	if !onHand.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("expected on hand 20, got %s", onHand)
	}

	// Open order line reserves stock until the shipment lands.
	if _, err := models.CreateOrderLine(ctx, &models.NewOrderLine{
		OrderId:   "ORD-1",
		SellerSku: "WIDGET",
		Qty:       decimal.RequireFromString("15"),
	}); err != nil {
		t.Fatalf("CreateOrderLine: %v", err)
	}
	available, err := models.AvailableToSell(ctx, "WIDGET")
	if err != nil {
		t.Fatalf("AvailableToSell: %v", err)
	}
	if !available.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("expected available 5 (20 on hand - 15 reserved), got %s", available)
	}

	// Ship 15: drains layer 1 and draws 5 from layer 2 -> 10*5 + 5*7 = 85.
	shippedAt := base.AddDate(0, 0, 5)
	msg := shipmentMsg(ownerID, "ORD-1", "WIDGET", "15", shippedAt)
	if err := workflow.ProcessShipmentMessage(ctx, logger, msg, "msg-1"); err != nil {
		t.Fatalf("ProcessShipmentMessage: %v", err)
	}

	live := liveAllocations(t, ctx, "ORD-1")
	if len(live) != 1 {
		t.Fatalf("expected 1 live allocation, got %d", len(live))
	}
	alloc := live[0]
	if alloc.Method != models.CostingMethodFifo {
		t.Fatalf("expected FIFO allocation, got %s", alloc.Method)
	}
	if !alloc.Amount.Equal(decimal.RequireFromString("85")) {
		t.Fatalf("expected amount 85, got %s", alloc.Amount)
	}
	if alloc.LayerId != nil {
		t.Fatalf("multi-layer draw must not pin a single layer id")
	}

	// Redelivery of the same message and a different message for the same
	// (order, sku) must both be no-ops.
	if err := workflow.ProcessShipmentMessage(ctx, logger, msg, "msg-1"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if err := workflow.ProcessShipmentMessage(ctx, logger, msg, "msg-1-retry"); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if got := len(liveAllocations(t, ctx, "ORD-1")); got != 1 {
		t.Fatalf("expected allocation to stay unique, got %d live rows", got)
	}

	// Shipment released the reservation.
	reserved, err := models.ReservedQty(ctx, "WIDGET")
	if err != nil {
		t.Fatalf("ReservedQty: %v", err)
	}
	if !reserved.IsZero() {
		t.Fatalf("expected zero reserved after shipment, got %s", reserved)
	}
	onHand, _ = models.PhysicalOnHand(ctx, "WIDGET")
	if !onHand.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("expected on hand 5 after shipment, got %s", onHand)
	}

	// Overselling the remaining 5 is rejected with the shortfall.
	err = workflow.ProcessShipmentMessage(ctx, logger, shipmentMsg(ownerID, "ORD-2", "WIDGET", "6", shippedAt), "msg-2")
	var insufficient *workflow.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if !insufficient.Shortfall.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("expected shortfall 1, got %s", insufficient.Shortfall)
	}

	// Reversal restores the exact per-layer draws.
	rev, err := workflow.ReverseAllocation(ctx, logger, alloc.ID, "mis-ship")
	if err != nil {
		t.Fatalf("ReverseAllocation: %v", err)
	}
	if !rev.Amount.Equal(decimal.RequireFromString("-85")) {
		t.Fatalf("expected reversal amount -85, got %s", rev.Amount)
	}
	onHand, _ = models.PhysicalOnHand(ctx, "WIDGET")
	if !onHand.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("expected on hand 20 after reversal, got %s", onHand)
	}

	// Reversing twice, or reversing the reversal row, is refused.
	if _, err := workflow.ReverseAllocation(ctx, logger, alloc.ID, "again"); !errors.Is(err, workflow.ErrAlreadyReversed) {
		t.Fatalf("expected ErrAlreadyReversed, got %v", err)
	}
	if _, err := workflow.ReverseAllocation(ctx, logger, rev.ID, "reverse the reversal"); !errors.Is(err, workflow.ErrNotReversible) {
		t.Fatalf("expected ErrNotReversible, got %v", err)
	}

	// A reversed original no longer blocks re-allocation of the same order.
	if err := workflow.ProcessShipmentMessage(ctx, logger, msg, "msg-3"); err != nil {
		t.Fatalf("re-allocation after reversal: %v", err)
	}
	if got := len(liveAllocations(t, ctx, "ORD-1")); got != 1 {
		t.Fatalf("expected exactly one live allocation after re-allocation, got %d", got)
	}

	// Replays through the direct API report themselves instead of posing as a
	// fresh write.
	res, err := workflow.AllocateCogs(ctx, logger, &workflow.AllocationRequest{
		OrderId:   "ORD-1",
		Sku:       "WIDGET",
		Qty:       decimal.RequireFromString("15"),
		ShippedAt: shippedAt,
	})
	if err != nil {
		t.Fatalf("AllocateCogs replay: %v", err)
	}
	if !res.AlreadyAllocated {
		t.Fatalf("expected AlreadyAllocated on replay")
	}

	// Reservation counts every unshipped, uncancelled line, whatever status
	// the order sync last wrote for it.
	line, err := models.CreateOrderLine(ctx, &models.NewOrderLine{
		OrderId:   "ORD-4",
		SellerSku: "WIDGET",
		Qty:       decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatalf("CreateOrderLine: %v", err)
	}
	if err := config.GetDB().Model(&models.OrderLine{}).
		Where("id = ?", line.ID).
		Update("status_group", models.OrderStatusGroupShipped).Error; err != nil {
		t.Fatalf("forcing status group: %v", err)
	}
	reserved, err = models.ReservedQty(ctx, "WIDGET")
	if err != nil {
		t.Fatalf("ReservedQty: %v", err)
	}
	if !reserved.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("line with null shipped_at must stay reserved regardless of status, got %s", reserved)
	}

	// Cross-owner reversal attempts see "not found".
	otherCtx := utils.SetOwnerIdInContext(context.Background(), "owner-other")
	if _, err := workflow.ReverseAllocation(otherCtx, logger, alloc.ID, "not mine"); !errors.Is(err, workflow.ErrOwnershipMismatch) {
		t.Fatalf("expected ErrOwnershipMismatch, got %v", err)
	}
}

func TestAvgAndBundleAllocation(t *testing.T) {
	ctx := setupIntegration(t)
	const ownerID = "owner-avg"
	ctx = utils.SetOwnerIdInContext(ctx, ownerID)
	logger := logrus.New()

	mustCreateItem(t, ctx, "CANDLE", models.CostingMethodAvg, false)
	mustCreateItem(t, ctx, "HOLDER", models.CostingMethodFifo, false)
	mustCreateItem(t, ctx, "GIFT-SET", models.CostingMethodFifo, true)
	if _, err := models.SetBundleComponents(ctx, "GIFT-SET", []*models.NewBundleComponent{
		{ComponentSku: "CANDLE", Multiplier: decimal.RequireFromString("2")},
		{ComponentSku: "HOLDER", Multiplier: decimal.RequireFromString("1")},
	}); err != nil {
		t.Fatalf("SetBundleComponents: %v", err)
	}

	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	// CANDLE blends to avg 2.50: 10 @ 2.00 + 10 @ 3.00.
	mustReceive(t, ctx, "CANDLE", base, "10", "2.00")
	mustReceive(t, ctx, "CANDLE", base.AddDate(0, 0, 1), "10", "3.00")
	mustReceive(t, ctx, "HOLDER", base, "5", "10.00")

	// Ship 2 gift sets: explodes to 4 CANDLE + 2 HOLDER.
	shippedAt := base.AddDate(0, 0, 3)
	msg := shipmentMsg(ownerID, "ORD-10", "GIFT-SET", "2", shippedAt)
	if err := workflow.ProcessShipmentMessage(ctx, logger, msg, "msg-10"); err != nil {
		t.Fatalf("ProcessShipmentMessage: %v", err)
	}

	live := liveAllocations(t, ctx, "ORD-10")
	if len(live) != 2 {
		t.Fatalf("expected one allocation per component, got %d", len(live))
	}
	bySku := map[string]*models.CogsAllocation{}
	for _, a := range live {
		bySku[a.Sku] = a
	}
	if bySku["GIFT-SET"] != nil {
		t.Fatalf("bundle sku must never be allocated directly")
	}
	candle, holder := bySku["CANDLE"], bySku["HOLDER"]
	if candle == nil || holder == nil {
		t.Fatalf("missing component allocations: %+v", bySku)
	}
	if candle.Method != models.CostingMethodAvg || !candle.Amount.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("expected CANDLE AVG amount 10 (4 x 2.50), got %s %s", candle.Method, candle.Amount)
	}
	if holder.Method != models.CostingMethodFifo || !holder.Amount.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("expected HOLDER FIFO amount 20 (2 x 10.00), got %s %s", holder.Method, holder.Amount)
	}

	// Snapshot debited: 20 - 4 = 16 on hand, value 50 - 10 = 40, avg stays 2.50.
	onHand, err := models.PhysicalOnHand(ctx, "CANDLE")
	if err != nil {
		t.Fatalf("PhysicalOnHand: %v", err)
	}
	if !onHand.Equal(decimal.RequireFromString("16")) {
		t.Fatalf("expected CANDLE on hand 16, got %s", onHand)
	}

	// Reversing the AVG allocation credits the snapshot back.
	if _, err := workflow.ReverseAllocation(ctx, logger, candle.ID, "carrier lost parcel"); err != nil {
		t.Fatalf("ReverseAllocation: %v", err)
	}
	onHand, _ = models.PhysicalOnHand(ctx, "CANDLE")
	if !onHand.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("expected CANDLE on hand 20 after reversal, got %s", onHand)
	}

	// An AVG SKU with no snapshot history cannot be costed.
	mustCreateItem(t, ctx, "NO-HISTORY", models.CostingMethodAvg, false)
	err = workflow.ProcessShipmentMessage(ctx, logger, shipmentMsg(ownerID, "ORD-11", "NO-HISTORY", "1", shippedAt), "msg-11")
	var noSnap *workflow.NoCostSnapshotError
	if !errors.As(err, &noSnap) {
		t.Fatalf("expected NoCostSnapshotError, got %v", err)
	}

	// Receiving into a bundle SKU directly is refused.
	if _, err := workflow.ReceiveStock(ctx, logger, &models.NewReceiptLayer{
		Sku:        "GIFT-SET",
		ReceivedAt: base,
		Qty:        decimal.RequireFromString("1"),
		UnitCost:   decimal.RequireFromString("1"),
	}); !errors.Is(err, models.ErrBundleNotStockable) {
		t.Fatalf("expected ErrBundleNotStockable, got %v", err)
	}

	// The validated write path refuses cycles outright.
	one := decimal.RequireFromString("1")
	mustCreateItem(t, ctx, "LOOP-A", models.CostingMethodFifo, true)
	mustCreateItem(t, ctx, "LOOP-B", models.CostingMethodFifo, true)
	if _, err := models.SetBundleComponents(ctx, "LOOP-A", []*models.NewBundleComponent{
		{ComponentSku: "LOOP-A", Multiplier: one},
	}); !errors.Is(err, models.ErrBundleCycleDetected) {
		t.Fatalf("expected ErrBundleCycleDetected, got %v", err)
	}

	// A cycle written around the validated path is corruption: the expansion
	// overflow must surface as an invariant violation (acked at the handler),
	// never as a retryable error.
	db := config.GetDB()
	for _, edge := range []*models.BundleComponent{
		{OwnerId: ownerID, BundleSku: "LOOP-A", ComponentSku: "LOOP-B", Multiplier: one},
		{OwnerId: ownerID, BundleSku: "LOOP-B", ComponentSku: "LOOP-A", Multiplier: one},
	} {
		if err := db.Create(edge).Error; err != nil {
			t.Fatalf("seeding cycle edge: %v", err)
		}
	}
	err = workflow.ProcessShipmentMessage(ctx, logger, shipmentMsg(ownerID, "ORD-12", "LOOP-A", "1", shippedAt), "msg-12")
	var inv *workflow.InvariantViolationError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvariantViolationError for bundle cycle, got %v", err)
	}
}

func TestConcurrentShipmentsNeverOverAllocate(t *testing.T) {
	ctx := setupIntegration(t)
	const ownerID = "owner-conc"
	ctx = utils.SetOwnerIdInContext(ctx, ownerID)
	logger := logrus.New()

	mustCreateItem(t, ctx, "GADGET", models.CostingMethodFifo, false)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mustReceive(t, ctx, "GADGET", base, "10", "4.00")

	// Eight distinct orders of 2 each compete for 10 on hand: exactly five can
	// win, and the live allocations must sum to exactly the stock that existed.
	shippedAt := base.AddDate(0, 0, 1)
	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = workflow.ProcessShipmentMessage(ctx, logger,
				shipmentMsg(ownerID, fmt.Sprintf("ORD-C%d", i), "GADGET", "2", shippedAt),
				fmt.Sprintf("msg-c%d", i))
		}(i)
	}
	wg.Wait()

	wins, shorts := 0, 0
	for i, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var insufficient *workflow.InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Fatalf("order %d: unexpected error %v", i, err)
		}
		shorts++
	}
	if wins != 5 || shorts != 3 {
		t.Fatalf("expected 5 allocations and 3 rejections, got %d/%d", wins, shorts)
	}

	total := decimal.Zero
	for i := 0; i < 8; i++ {
		for _, a := range liveAllocations(t, ctx, fmt.Sprintf("ORD-C%d", i)) {
			total = total.Add(a.Qty)
		}
	}
	if !total.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("live allocations must sum to the 10 on hand, got %s", total)
	}
	onHand, err := models.PhysicalOnHand(ctx, "GADGET")
	if err != nil {
		t.Fatalf("PhysicalOnHand: %v", err)
	}
	if !onHand.IsZero() {
		t.Fatalf("expected zero on hand, got %s", onHand)
	}

	// Duplicate deliveries of one shipment under fresh message ids race for
	// the same (order, sku); the live unique index admits exactly one row and
	// the losers retry into a clean replay.
	mustReceive(t, ctx, "GADGET", base.AddDate(0, 0, 2), "4", "4.50")
	dupErrs := make([]error, 6)
	var dupWg sync.WaitGroup
	for i := 0; i < 6; i++ {
		dupWg.Add(1)
		go func(i int) {
			defer dupWg.Done()
			dupErrs[i] = workflow.ProcessShipmentMessage(ctx, logger,
				shipmentMsg(ownerID, "ORD-DUP", "GADGET", "3", shippedAt),
				fmt.Sprintf("msg-dup%d", i))
		}(i)
	}
	dupWg.Wait()
	for i, err := range dupErrs {
		if err != nil {
			t.Fatalf("duplicate delivery %d: %v", i, err)
		}
	}
	if got := len(liveAllocations(t, ctx, "ORD-DUP")); got != 1 {
		t.Fatalf("expected exactly one live allocation for ORD-DUP, got %d", got)
	}
	onHand, _ = models.PhysicalOnHand(ctx, "GADGET")
	if !onHand.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("expected on hand 1 after duplicate race, got %s", onHand)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("sellerledger-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("sellerledger-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=sellerledger_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
