package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/idempotency"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// GuestHeader carries the guest session id when there is no customer id
const GuestHeader = "X-Guest-ID"

// ReadinessCheck reports whether a dependency is reachable
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	reservations *service.ReservationManager
	ledger       *service.StockLedger
	checks       map[string]ReadinessCheck
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orderService *service.OrderService,
	reservations *service.ReservationManager,
	ledger *service.StockLedger,
	checks map[string]ReadinessCheck,
) *Handler {
	return &Handler{
		orderService: orderService,
		reservations: reservations,
		ledger:       ledger,
		checks:       checks,
		logger:       util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(requestLogger(h.logger))
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/reservations", h.listReservations)
		v1.POST("/orders/:id/commit", h.commitOrder)
		v1.POST("/orders/:id/release", h.releaseOrder)
		v1.POST("/orders/:id/restock", h.restockOrder)

		v1.GET("/stock/:product_id", h.getStock)
		v1.PUT("/stock/:product_id", h.setStock)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	identity := req.CustomerID
	if identity == "" {
		identity = c.GetHeader(GuestHeader)
	}
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "customer_id or " + GuestHeader + " header is required",
		})
		return
	}

	key := idempotency.Key(c.GetHeader(idempotency.Header))
	scope := idempotency.Scope(idempotency.OpOrderCreate, identity)

	result, err := h.orderService.CreateOrder(c.Request.Context(), key, scope, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if result.Replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	status := result.StatusCode
	if status == 0 {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	result, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) listReservations(c *gin.Context) {
	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	reservations, err := h.reservations.ListReservationsByOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":     orderID,
		"reservations": reservations,
	})
}

func (h *Handler) commitOrder(c *gin.Context) {
	h.lifecycle(c, h.orderService.CommitOrder)
}

func (h *Handler) releaseOrder(c *gin.Context) {
	h.lifecycle(c, h.orderService.ReleaseOrder)
}

func (h *Handler) restockOrder(c *gin.Context) {
	h.lifecycle(c, h.orderService.RestockOrder)
}

func (h *Handler) lifecycle(c *gin.Context, op func(context.Context, int64) (service.TransitionResult, error)) {
	orderID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	result, err := op(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) getStock(c *gin.Context) {
	productID, ok := parseIDParam(c, "product_id")
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id":    productID,
		"available_qty": h.ledger.GetStock(c.Request.Context(), productID),
	})
}

type setStockRequest struct {
	AvailableQty *int `json:"available_qty" binding:"required"`
}

func (h *Handler) setStock(c *gin.Context) {
	productID, ok := parseIDParam(c, "product_id")
	if !ok {
		return
	}

	var req setStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	qty, err := h.ledger.SetStock(c.Request.Context(), productID, *req.AvailableQty)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id":    productID,
		"available_qty": qty,
	})
}

// writeError maps service errors to status codes
func (h *Handler) writeError(c *gin.Context, err error) {
	var oos *service.OutOfStockError
	switch {
	case errors.As(err, &oos):
		c.JSON(http.StatusConflict, gin.H{
			"error":      "Item unavailable",
			"product_id": oos.ProductID,
			"requested":  oos.Requested,
			"available":  oos.Available,
		})
	case errors.Is(err, service.ErrIdempotencyKeyReuse):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "Idempotency key was already used with a different request",
		})
	case errors.Is(err, service.ErrInvalidOrder):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid order",
			"details": err.Error(),
		})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Not found",
		})
	default:
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal error",
		})
	}
}

func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + name,
		})
		return 0, false
	}
	return id, true
}

// requestLogger writes one line per request
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("idempotency_key", c.GetHeader(idempotency.Header)))
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
