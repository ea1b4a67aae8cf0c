package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/core/domain"
	"github.com/rl1809/marketplace-orders/internal/core/money"
	"github.com/rl1809/marketplace-orders/internal/port"
)

const DefaultTimeout = 5 * time.Second

// HTTPInventorySource reads supplier stock from GET {base}/product/{sku}.
type HTTPInventorySource struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

var _ port.ExternalInventorySource = (*HTTPInventorySource)(nil)

func NewHTTPInventorySource(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPInventorySource {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPInventorySource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type productResponse struct {
	Stock *int          `json:"stock"`
	Price *money.Amount `json:"price"`
}

func (s *HTTPInventorySource) Fetch(ctx context.Context, sku string) (port.ExternalSnapshot, error) {
	endpoint := s.baseURL + "/product/" + url.PathEscape(sku)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return port.ExternalSnapshot{}, fmt.Errorf("%w: build request: %w", domain.ErrPermanent, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return port.ExternalSnapshot{}, fmt.Errorf("%w: fetch %s: %w", domain.ErrTransient, sku, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return port.ExternalSnapshot{}, fmt.Errorf("%w: sku %s unknown to supplier: %w", domain.ErrPermanent, sku, domain.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return port.ExternalSnapshot{}, fmt.Errorf("%w: supplier returned %d for %s", domain.ErrTransient, resp.StatusCode, sku)
	default:
		return port.ExternalSnapshot{}, fmt.Errorf("%w: supplier returned %d for %s", domain.ErrPermanent, resp.StatusCode, sku)
	}

	var body productResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return port.ExternalSnapshot{}, fmt.Errorf("%w: decode response for %s: %w", domain.ErrPermanent, sku, err)
	}
	if body.Stock == nil || body.Price == nil {
		return port.ExternalSnapshot{}, fmt.Errorf("%w: response for %s lacks stock or price", domain.ErrPermanent, sku)
	}

	s.logger.Debug("supplier snapshot", zap.String("sku", sku), zap.Int("stock", *body.Stock))
	return port.ExternalSnapshot{Stock: *body.Stock, Price: *body.Price}, nil
}
