package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/graphql-go/graphql"
	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/service"
)

// graphQLError carries the error code in the response's extensions.
type graphQLError struct {
	kind    errorKind
	message string
}

func (e *graphQLError) Error() string { return e.message }

func (e *graphQLError) Extensions() map[string]any {
	return map[string]any{"code": e.kind.code}
}

type GraphQLHandler struct {
	schema graphql.Schema
	orders *service.OrderService
	logger *zap.Logger
}

func NewGraphQLHandler(orders *service.OrderService, logger *zap.Logger) (*GraphQLHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &GraphQLHandler{orders: orders, logger: logger}
	schema, err := h.buildSchema()
	if err != nil {
		return nil, err
	}
	h.schema = schema
	return h, nil
}

// Router serves POST /graphql.
func (h *GraphQLHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Post("/graphql", h.serveGraphQL)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (h *GraphQLHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Info("graphql request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

type graphQLRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
	OperationName string         `json:"operationName"`
}

func (h *GraphQLHandler) serveGraphQL(w http.ResponseWriter, r *http.Request) {
	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": kindValidation.code, "message": "body must be a JSON object with a query",
		})
		return
	}
	result := graphql.Do(graphql.Params{
		Schema:         h.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        r.Context(),
	})
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *GraphQLHandler) resolveError(err error) error {
	kind := classifyError(err)
	if kind == kindInternal {
		h.logger.Error("graphql resolver failed", zap.Error(err))
	}
	return &graphQLError{kind: kind, message: publicMessage(kind, err)}
}

func (h *GraphQLHandler) buildSchema() (graphql.Schema, error) {
	orderItemType := graphql.NewObject(graphql.ObjectConfig{
		Name: "OrderItem",
		Fields: graphql.Fields{
			"productId":  &graphql.Field{Type: graphql.Int},
			"quantity":   &graphql.Field{Type: graphql.Int},
			"unitPrice":  &graphql.Field{Type: graphql.String},
			"totalPrice": &graphql.Field{Type: graphql.String},
		},
	})
	statusEventType := graphql.NewObject(graphql.ObjectConfig{
		Name: "OrderStatusEvent",
		Fields: graphql.Fields{
			"status":    &graphql.Field{Type: graphql.String},
			"notes":     &graphql.Field{Type: graphql.String},
			"createdBy": &graphql.Field{Type: graphql.Int},
			"createdAt": &graphql.Field{Type: graphql.String},
		},
	})
	orderType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Order",
		Fields: graphql.Fields{
			"id":                &graphql.Field{Type: graphql.Int},
			"orderNumber":       &graphql.Field{Type: graphql.String},
			"customerId":        &graphql.Field{Type: graphql.Int},
			"status":            &graphql.Field{Type: graphql.String},
			"subtotal":          &graphql.Field{Type: graphql.String},
			"taxAmount":         &graphql.Field{Type: graphql.String},
			"shippingCost":      &graphql.Field{Type: graphql.String},
			"totalAmount":       &graphql.Field{Type: graphql.String},
			"shippingAddressId": &graphql.Field{Type: graphql.Int},
			"billingAddressId":  &graphql.Field{Type: graphql.Int},
			"notes":             &graphql.Field{Type: graphql.String},
			"items":             &graphql.Field{Type: graphql.NewList(orderItemType)},
			"statusHistory":     &graphql.Field{Type: graphql.NewList(statusEventType)},
			"createdAt":         &graphql.Field{Type: graphql.String},
			"updatedAt":         &graphql.Field{Type: graphql.String},
		},
	})
	statsType := graphql.NewObject(graphql.ObjectConfig{
		Name: "OrderStats",
		Fields: graphql.Fields{
			"totalOrders":       &graphql.Field{Type: graphql.Int},
			"deliveredOrders":   &graphql.Field{Type: graphql.Int},
			"totalRevenue":      &graphql.Field{Type: graphql.String},
			"averageOrderValue": &graphql.Field{Type: graphql.String},
		},
	})
	lineInput := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: "OrderItemInput",
		Fields: graphql.InputObjectConfigFieldMap{
			"productId": &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.Int)},
			"quantity":  &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.Int)},
		},
	})

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"order": &graphql.Field{
				Type: orderType,
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					order, err := h.orders.GetOrder(p.Context, int64(p.Args["id"].(int)))
					if err != nil {
						return nil, h.resolveError(err)
					}
					return orderFields(order), nil
				},
			},
			"orderStats": &graphql.Field{
				Type: statsType,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					stats, err := h.orders.GetOrderStats(p.Context)
					if err != nil {
						return nil, h.resolveError(err)
					}
					return statsFields(stats), nil
				},
			},
		},
	})

	mutation := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"createOrder": &graphql.Field{
				Type: orderType,
				Args: graphql.FieldConfigArgument{
					"customerId":        &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
					"shippingAddressId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
					"billingAddressId":  &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
					"items":             &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(lineInput)))},
					"notes":             &graphql.ArgumentConfig{Type: graphql.String},
					"idempotencyKey":    &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: h.createOrder,
			},
			"updateOrderStatus": &graphql.Field{
				Type: orderType,
				Args: graphql.FieldConfigArgument{
					"id":      &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
					"status":  &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"actorId": &graphql.ArgumentConfig{Type: graphql.Int},
					"note":    &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					next, err := domain.ParseOrderStatus(p.Args["status"].(string))
					if err != nil {
						return nil, h.resolveError(err)
					}
					note, _ := p.Args["note"].(string)
					order, err := h.orders.UpdateOrderStatus(p.Context, int64(p.Args["id"].(int)), next, optionalInt(p.Args, "actorId"), note)
					if err != nil {
						return nil, h.resolveError(err)
					}
					return orderFields(order), nil
				},
			},
			"cancelOrder": &graphql.Field{
				Type: orderType,
				Args: graphql.FieldConfigArgument{
					"id":      &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
					"actorId": &graphql.ArgumentConfig{Type: graphql.Int},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					order, err := h.orders.CancelOrder(p.Context, int64(p.Args["id"].(int)), optionalInt(p.Args, "actorId"))
					if err != nil {
						return nil, h.resolveError(err)
					}
					return orderFields(order), nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: query, Mutation: mutation})
}

func (h *GraphQLHandler) createOrder(p graphql.ResolveParams) (any, error) {
	var lines []domain.OrderLine
	items, _ := p.Args["items"].([]any)
	for _, raw := range items {
		item, _ := raw.(map[string]any)
		lines = append(lines, domain.OrderLine{
			ProductID: int64(optionalInt(item, "productId")),
			Quantity:  int(optionalInt(item, "quantity")),
		})
	}
	notes, _ := p.Args["notes"].(string)
	key, _ := p.Args["idempotencyKey"].(string)

	order, err := h.orders.PlaceOrder(p.Context, service.PlaceOrderRequest{
		CustomerID:        int64(p.Args["customerId"].(int)),
		ShippingAddressID: int64(p.Args["shippingAddressId"].(int)),
		BillingAddressID:  int64(p.Args["billingAddressId"].(int)),
		Lines:             lines,
		Notes:             notes,
		IdempotencyKey:    key,
	})
	if err != nil {
		return nil, h.resolveError(err)
	}
	return orderFields(order), nil
}

func optionalInt(args map[string]any, name string) int64 {
	n, _ := args[name].(int)
	return int64(n)
}
