package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/models"
	"github.com/mmdatafocus/sellerledger_backend/utils"
	"github.com/mmdatafocus/sellerledger_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("sellerledger")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func shipmentPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := config.GetLogger()

		reqCtx, span := tracer.Start(c.Request.Context(), "shipmentPubSubHandler")
		defer span.End()

		// Redis lock is a best-effort optimization.
		// Reliability must not depend on Redis: allocation is also serialized
		// via MySQL advisory locks inside workflow.ProcessShipmentMessage.
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "shipmentPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "shipmentPubSubHandler", "Unmarshal body", body, err)
			// Malformed request: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		var m config.ShipmentMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "shipmentPubSubHandler", "Unmarshal shipment message", msg.Message.Data, err)
			// Malformed Pub/Sub payload: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if m.OwnerId == "" || m.OrderId == "" || m.Sku == "" || !m.Qty.IsPositive() {
			config.LogError(logger, "server.go", "shipmentPubSubHandler", "Invalid shipment message (missing required fields)", m, fmt.Errorf("owner_id/order_id/sku/qty required"))
			c.Status(http.StatusNoContent)
			return
		}

		// Correlation ID propagation: prefer payload correlation_id; fall back to Pub/Sub message ID.
		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
			m.CorrelationId = correlationID
		}

		// Best-effort: try to obtain a lock for the owner/sku to avoid long in-request blocking.
		// If Redis is unavailable / lock cannot be obtained, continue anyway.
		var lock *redislock.Lock
		if redisLock == nil {
			logger.WithFields(logrus.Fields{
				"field":      "shipmentPubSubHandler",
				"owner_id":   m.OwnerId,
				"order_id":   m.OrderId,
				"sku":        m.Sku,
				"message_id": msg.Message.ID,
			}).Warn("redis lock not ready; proceeding without redis lock")
		} else {
			lock, err = redisLock.Obtain(reqCtx, fmt.Sprintf("lock:%s:%s", m.OwnerId, m.Sku), 30*time.Second, nil)
			if err == redislock.ErrNotObtained {
				logger.WithFields(logrus.Fields{
					"field":      "shipmentPubSubHandler",
					"owner_id":   m.OwnerId,
					"order_id":   m.OrderId,
					"sku":        m.Sku,
					"message_id": msg.Message.ID,
				}).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			} else if err != nil {
				logger.WithFields(logrus.Fields{
					"field":      "shipmentPubSubHandler",
					"owner_id":   m.OwnerId,
					"order_id":   m.OrderId,
					"sku":        m.Sku,
					"message_id": msg.Message.ID,
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(reqCtx); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":      "shipmentPubSubHandler",
					"owner_id":   m.OwnerId,
					"order_id":   m.OrderId,
					"message_id": msg.Message.ID,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		ctx := utils.SetCorrelationIdInContext(reqCtx, correlationID)
		if err := workflow.ProcessShipmentMessage(ctx, logger, &m, msg.Message.ID); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "shipmentPubSubHandler",
				"owner_id":       m.OwnerId,
				"order_id":       m.OrderId,
				"sku":            m.Sku,
				"message_id":     msg.Message.ID,
				"correlation_id": correlationID,
			}).Error("shipment processing failed: " + err.Error())
			var inv *workflow.InvariantViolationError
			if errors.As(err, &inv) {
				// Redelivering into a corrupted ledger cannot help; ack and alert.
				c.Status(http.StatusNoContent)
				return
			}
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		// Success: ack.
		c.Status(http.StatusNoContent)
	}
}

// ownerMiddleware resolves the acting owner from the x-owner-id header set by
// the API gateway. Requests without it never reach owner-scoped data.
func ownerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerId := strings.TrimSpace(c.GetHeader("x-owner-id"))
		if ownerId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "x-owner-id is required"})
			return
		}
		c.Request = c.Request.WithContext(utils.SetOwnerIdInContext(c.Request.Context(), ownerId))
		c.Next()
	}
}

// badRequest renders an error, expanding validator errors into field detail.
func badRequest(c *gin.Context, err error) {
	if fields := utils.ProcessValidationErrors(err); len(fields) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func createItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewInventoryItem
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		item, err := models.CreateInventoryItem(c.Request.Context(), &req)
		if err != nil {
			badRequest(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func getItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		item, err := models.GetInventoryItem(c.Request.Context(), c.Param("sku"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

type updateItemNameRequest struct {
	Name string `json:"name"`
}

func updateItemNameHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateItemNameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		item, err := models.UpdateInventoryItemName(c.Request.Context(), c.Param("sku"), req.Name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

type setBundleComponentsRequest struct {
	Components []*models.NewBundleComponent `json:"components"`
}

func setBundleComponentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setBundleComponentsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		components, err := models.SetBundleComponents(c.Request.Context(), c.Param("sku"), req.Components)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"bundle_sku": c.Param("sku"), "components": components})
	}
}

func receiveStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewReceiptLayer
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		layer, err := workflow.ReceiveStock(c.Request.Context(), config.GetLogger(), &req)
		if err != nil {
			badRequest(c, err)
			return
		}
		c.JSON(http.StatusOK, layer)
	}
}

func listLayersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		layers, err := models.GetReceiptLayers(c.Request.Context(), c.Param("sku"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sku": c.Param("sku"), "layers": layers})
	}
}

func availabilityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sku := c.Param("sku")
		onHand, err := models.PhysicalOnHand(c.Request.Context(), sku)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reserved, err := models.ReservedQty(c.Request.Context(), sku)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"sku":               sku,
			"physical_on_hand":  onHand,
			"reserved":          reserved,
			"available_to_sell": onHand.Sub(reserved),
		})
	}
}

func getAllocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid allocation id"})
			return
		}
		ownerId, _ := utils.GetOwnerIdFromContext(c.Request.Context())
		alloc, err := utils.FetchModel[models.CogsAllocation](c.Request.Context(), ownerId, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "allocation not found"})
			return
		}
		c.JSON(http.StatusOK, alloc)
	}
}

func orderAllocationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := models.GetAllocationsByOrder(c.Request.Context(), c.Param("orderId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_id": c.Param("orderId"), "allocations": rows})
	}
}

func skuAllocationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, err := time.Parse(time.RFC3339, c.Query("from"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		to, err := time.Parse(time.RFC3339, c.Query("to"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		rows, err := models.GetAllocationsBySkuAndRange(c.Request.Context(), c.Param("sku"), from, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sku": c.Param("sku"), "allocations": rows})
	}
}

func createOrderLineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewOrderLine
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		line, err := models.CreateOrderLine(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, line)
	}
}

func cancelOrderLineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order line id"})
			return
		}
		if err := models.CancelOrderLine(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_line_id": id, "status_group": models.OrderStatusGroupCancelled})
	}
}

type recordAllocationRequest struct {
	OrderId   string          `json:"order_id"`
	Sku       string          `json:"sku"`
	Qty       decimal.Decimal `json:"qty"`
	ShippedAt time.Time       `json:"shipped_at"`
}

// Ops/backfill flow: record an allocation for an order line the event feed
// missed. Same exactly-once rules as the Pub/Sub path, but the order must
// already be visible to the owner.
func recordAllocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recordAllocationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.OrderId == "" || req.Sku == "" || !req.Qty.IsPositive() || req.ShippedAt.IsZero() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "order_id, sku, qty and shipped_at are required"})
			return
		}

		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		res, err := workflow.AllocateCogs(c.Request.Context(), config.GetLogger(), &workflow.AllocationRequest{
			OrderId:       req.OrderId,
			Sku:           req.Sku,
			Qty:           req.Qty,
			ShippedAt:     req.ShippedAt,
			CorrelationId: cid,
		})
		if err != nil {
			status := http.StatusBadRequest
			switch {
			case errors.Is(err, workflow.ErrOwnershipMismatch):
				status = http.StatusNotFound
			case errors.Is(err, workflow.ErrContention):
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"allocation":        res.Allocation,
			"already_allocated": res.AlreadyAllocated,
		})
	}
}

type reverseAllocationRequest struct {
	AllocationId int    `json:"allocation_id"`
	Reason       string `json:"reason"`
}

// Internal ops flow: reverse a mis-recorded allocation. The original row stays
// in place; a negating reversal row is appended and stock is restored.
func reverseAllocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reverseAllocationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.AllocationId <= 0 || strings.TrimSpace(req.Reason) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "allocation_id and reason are required"})
			return
		}
		ownerId, _ := utils.GetOwnerIdFromContext(c.Request.Context())
		if err := utils.ValidateResourceId[models.CogsAllocation](c.Request.Context(), ownerId, req.AllocationId); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "allocation not found"})
			return
		}

		rev, err := workflow.ReverseAllocation(c.Request.Context(), config.GetLogger(), req.AllocationId, req.Reason)
		if err != nil {
			status := http.StatusBadRequest
			switch {
			case errors.Is(err, workflow.ErrOwnershipMismatch):
				status = http.StatusNotFound
			case errors.Is(err, workflow.ErrAlreadyReversed), errors.Is(err, workflow.ErrNotReversible):
				status = http.StatusConflict
			case errors.Is(err, workflow.ErrContention):
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"reversal_id":            rev.ID,
			"reverses_allocation_id": req.AllocationId,
			"amount":                 rev.Amount,
			"correlation_id":         cid,
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT_2")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-owner-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Shipment intake: Pub/Sub push carries the owner in the payload.
	r.POST("/pubsub", shipmentPubSubHandler())

	// Owner-scoped API surface.
	api := r.Group("/", ownerMiddleware())
	api.POST("/items", createItemHandler())
	api.GET("/items/:sku", getItemHandler())
	api.PUT("/items/:sku/name", updateItemNameHandler())
	api.PUT("/items/:sku/components", setBundleComponentsHandler())
	api.POST("/receipts", receiveStockHandler())
	api.GET("/skus/:sku/layers", listLayersHandler())
	api.GET("/skus/:sku/availability", availabilityHandler())
	api.GET("/skus/:sku/allocations", skuAllocationsHandler())
	api.GET("/allocations/:id", getAllocationHandler())
	api.GET("/orders/:orderId/allocations", orderAllocationsHandler())
	api.POST("/order-lines", createOrderLineHandler())
	api.POST("/order-lines/:id/cancel", cancelOrderLineHandler())
	// Ops tooling: backfill a missed allocation, or reverse a mis-recorded one.
	api.POST("/internal/allocations/record", recordAllocationHandler())
	api.POST("/internal/allocations/reverse", reverseAllocationHandler())

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
