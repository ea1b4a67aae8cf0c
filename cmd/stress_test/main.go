package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/adapter/notify"
	"github.com/rl1809/marketplace-orders/internal/adapter/storage"
	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/money"
	"github.com/rl1809/marketplace-orders/internal/core/pipeline"
	"github.com/rl1809/marketplace-orders/internal/core/service"
	"github.com/rl1809/marketplace-orders/internal/port"
	"github.com/rl1809/marketplace-orders/internal/telemetry"
)

const (
	initialStock  = 20
	totalRequests = 50
)

func main() {
	mysqlDSN := flag.String("mysql", "", "MySQL DSN; a temporary SQLite file is used when empty")
	redisAddr := flag.String("redis", "", "optional Redis address for the stock mirror")
	flag.Parse()

	logger, err := telemetry.NewLogger("warn", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	ctx := context.Background()

	store, cleanup, err := openStore(ctx, *mysqlDSN, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer cleanup()

	var (
		rdb   *redis.Client
		cache port.CacheRepository
	)
	if *redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		defer rdb.Close()
		cache = storage.NewRedisAdapter(rdb)
	}

	// Seed a buyer and a single scarce product
	run := time.Now().UnixNano()
	vendor := domain.Customer{Username: fmt.Sprintf("vendor-%d", run), Email: "vendor@example.com", IsVendor: true}
	buyer := domain.Customer{Username: fmt.Sprintf("buyer-%d", run), Email: "buyer@example.com"}
	for _, c := range []*domain.Customer{&vendor, &buyer} {
		if err := store.CreateCustomer(ctx, c); err != nil {
			logger.Fatal("failed to create customer", zap.Error(err))
		}
	}
	address := domain.Address{CustomerID: buyer.ID, Street: "1 Main St", City: "Springfield", Country: "US"}
	if err := store.CreateAddress(ctx, &address); err != nil {
		logger.Fatal("failed to create address", zap.Error(err))
	}
	product := domain.Product{
		VendorID:      vendor.ID,
		SKU:           fmt.Sprintf("STRESS-%d", run),
		Name:          "Limited item",
		Price:         money.MustParse("9.99"),
		StockQuantity: initialStock,
	}
	if err := store.CreateProduct(ctx, &product); err != nil {
		logger.Fatal("failed to create product", zap.Error(err))
	}

	// Jobs are only persisted; no workers run during the test.
	tasks := pipeline.New(store, pipeline.Config{}, pipeline.WithLogger(logger))
	(&pipeline.Handlers{DB: store, Notifier: notify.NewLogNotifier(logger), Logger: logger}).Register(tasks)

	ledger := service.NewInventoryLedger(store, cache, logger)
	orderService := service.NewOrderService(store, ledger, tasks, service.WithLogger(logger))

	// Counters
	var successCount atomic.Int32
	var outOfStockCount atomic.Int32
	var errorCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := orderService.PlaceOrder(ctx, service.PlaceOrderRequest{
				CustomerID:        buyer.ID,
				ShippingAddressID: address.ID,
				BillingAddressID:  address.ID,
				Lines:             []domain.OrderLine{{ProductID: product.ID, Quantity: 1}},
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				outOfStockCount.Add(1)
			default:
				errorCount.Add(1)
				logger.Error("place order", zap.Error(err))
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	outOfStock := outOfStockCount.Load()
	failed := errorCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Out of stock:     %d\n", outOfStock)
	fmt.Printf("Errors:           %d\n", failed)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if success == int32(initialStock) && outOfStock == int32(totalRequests-initialStock) {
		fmt.Printf("PASS: Exactly %d orders succeeded, %d were out of stock\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d out of stock, got %d/%d (%d errors)\n",
			initialStock, totalRequests-initialStock, success, outOfStock, failed)
	}

	// Verify final stock in the database
	final, err := store.GetProduct(ctx, product.ID)
	if err != nil {
		logger.Fatal("failed to read product", zap.Error(err))
	}
	fmt.Printf("Final Stock:      %d\n", final.StockQuantity)

	if final.StockQuantity == 0 {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", final.StockQuantity)
	}

	if cache != nil {
		mirrored, found, err := cache.StockLevel(ctx, product.ID)
		if err != nil {
			logger.Fatal("failed to read stock mirror", zap.Error(err))
		}
		fmt.Printf("Redis Mirror:     %d (found=%t)\n", mirrored, found)
	}
}

func openStore(ctx context.Context, dsn string, logger *zap.Logger) (*storage.SQLStore, func(), error) {
	if dsn == "" {
		dir, err := os.MkdirTemp("", "stress-*")
		if err != nil {
			return nil, nil, err
		}
		store, err := storage.OpenSQLite(ctx, filepath.Join(dir, "stress.db"), logger)
		if err != nil {
			os.RemoveAll(dir)
			return nil, nil, err
		}
		return store, func() {
			store.Close()
			os.RemoveAll(dir)
		}, nil
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewMySQLAdapter(db, logger)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}
