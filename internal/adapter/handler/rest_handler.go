package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/service"
)

const HeaderIdempotencyKey = "Idempotency-Key"

// TaskEnqueuer stores background jobs.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, jobType domain.JobType, payload any, dedupeKey string) (*domain.Job, bool, error)
}

type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}

type RESTServer struct {
	engine      *gin.Engine
	orders      *service.OrderService
	ledger      *service.InventoryLedger
	tasks       TaskEnqueuer
	deadLetters DeadLetterLister
	logger      *zap.Logger
}

func NewRESTServer(orders *service.OrderService, ledger *service.InventoryLedger, tasks TaskEnqueuer, deadLetters DeadLetterLister, logger *zap.Logger) *RESTServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(requestLogger(logger), gin.Recovery())
	s := &RESTServer{
		engine:      r,
		orders:      orders,
		ledger:      ledger,
		tasks:       tasks,
		deadLetters: deadLetters,
		logger:      logger,
	}
	s.registerRoutes()
	return s
}

func (s *RESTServer) Handler() http.Handler { return s.engine }

func (s *RESTServer) registerRoutes() {
	s.engine.GET("/health", s.healthCheck)

	v1 := s.engine.Group("/api/v1")
	{
		orders := v1.Group("/orders")
		orders.POST("", s.placeOrder)
		orders.GET(":id", s.getOrder)
		orders.POST(":id/status", s.updateOrderStatus)
		orders.POST(":id/cancel", s.cancelOrder)

		v1.GET("/stats/orders", s.orderStats)
		v1.POST("/products/:id/restock", s.restockProduct)
		v1.POST("/vendors/:id/inventory-sync", s.syncVendorInventory)
		v1.GET("/jobs/dead-letters", s.listDeadLetters)
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *RESTServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type orderLineReq struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type placeOrderReq struct {
	CustomerID        int64          `json:"customer_id"`
	ShippingAddressID int64          `json:"shipping_address_id"`
	BillingAddressID  int64          `json:"billing_address_id"`
	Items             []orderLineReq `json:"items"`
	Notes             string         `json:"notes"`
}

func (s *RESTServer) placeOrder(c *gin.Context) {
	var req placeOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid json")
		return
	}
	lines := make([]domain.OrderLine, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, domain.OrderLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	order, err := s.orders.PlaceOrder(c.Request.Context(), service.PlaceOrderRequest{
		CustomerID:        req.CustomerID,
		ShippingAddressID: req.ShippingAddressID,
		BillingAddressID:  req.BillingAddressID,
		Lines:             lines,
		Notes:             req.Notes,
		IdempotencyKey:    c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newOrderView(order))
}

func (s *RESTServer) getOrder(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	order, err := s.orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderView(order))
}

type updateStatusReq struct {
	Status  string `json:"status"`
	ActorID int64  `json:"actor_id"`
	Note    string `json:"note"`
}

func (s *RESTServer) updateOrderStatus(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var req updateStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid json")
		return
	}
	status, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	order, err := s.orders.UpdateOrderStatus(c.Request.Context(), id, status, req.ActorID, req.Note)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderView(order))
}

type cancelReq struct {
	ActorID int64 `json:"actor_id"`
}

func (s *RESTServer) cancelOrder(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var req cancelReq
	// the body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "invalid json")
			return
		}
	}
	order, err := s.orders.CancelOrder(c.Request.Context(), id, req.ActorID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderView(order))
}

func (s *RESTServer) orderStats(c *gin.Context) {
	stats, err := s.orders.GetOrderStats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_orders":        stats.TotalOrders,
		"delivered_orders":    stats.DeliveredOrders,
		"total_revenue":       stats.TotalRevenue,
		"average_order_value": stats.AverageOrderValue,
	})
}

type restockReq struct {
	Quantity int `json:"quantity"`
}

func (s *RESTServer) restockProduct(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	var req restockReq
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid json")
		return
	}
	if req.Quantity == 0 {
		s.badRequest(c, "quantity must not be zero")
		return
	}
	level, err := s.ledger.Adjust(c.Request.Context(), id, req.Quantity)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"product_id":     level.ProductID,
		"previous_stock": level.Previous,
		"stock_quantity": level.Current,
	})
}

func (s *RESTServer) syncVendorInventory(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	job, added, err := s.tasks.Enqueue(c.Request.Context(), domain.JobPropagateStockSync,
		domain.StockSyncPayload{VendorID: id}, "stock-sync:"+strconv.FormatInt(id, 10))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "enqueued": added})
}

func (s *RESTServer) listDeadLetters(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.badRequest(c, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	dead, err := s.deadLetters.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(dead))
	for _, d := range dead {
		out = append(out, gin.H{
			"job_id":       d.JobID,
			"type":         d.Type,
			"payload":      d.Payload,
			"attempts":     d.Attempts,
			"max_attempts": d.MaxAttempts,
			"reason":       d.Reason,
			"failed_at":    d.FailedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *RESTServer) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		s.badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *RESTServer) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": kindValidation.code, "message": message})
}

func (s *RESTServer) fail(c *gin.Context, err error) {
	kind := classifyError(err)
	if kind == kindInternal {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(kind.httpStatus, gin.H{"error": kind.code, "message": publicMessage(kind, err)})
}
