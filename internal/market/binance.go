package market

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"
)

// BinanceProvider reads mark prices and contract status from the Binance
// USD-M futures API. Contract status is cached and refreshed lazily since
// exchange info is heavy and changes rarely.
type BinanceProvider struct {
	client      *futures.Client
	rateLimiter *rate.Limiter
	maxRetries  int
	backoffBase time.Duration

	mu              sync.Mutex
	contractStatus  map[string]string // exchange symbol -> status
	statusFetchedAt time.Time
}

const contractStatusTTL = 15 * time.Minute

func NewBinanceProvider(apiKey, secretKey string) *BinanceProvider {
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	client := futures.NewClient(apiKey, secretKey)
	client.HTTPClient = httpClient

	return &BinanceProvider{
		client:         client,
		rateLimiter:    rate.NewLimiter(rate.Limit(10), 20),
		maxRetries:     3,
		backoffBase:    100 * time.Millisecond,
		contractStatus: map[string]string{},
	}
}

// exchangeSymbol maps a base asset to its USD-M perp ticker.
func exchangeSymbol(symbol string) string {
	return strings.ToUpper(symbol) + "USDT"
}

func (p *BinanceProvider) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	pair := exchangeSymbol(symbol)

	premium, err := p.fetchPremiumIndex(ctx, pair)
	if err != nil {
		return nil, err
	}

	status, err := p.getContractStatus(ctx, pair)
	if err != nil {
		return nil, err
	}

	mark, err := strconv.ParseFloat(premium.MarkPrice, 64)
	if err != nil {
		return nil, NewProviderError(symbol, "unparseable mark price", err)
	}
	index, _ := strconv.ParseFloat(premium.IndexPrice, 64)
	funding, _ := strconv.ParseFloat(premium.LastFundingRate, 64)

	ts := time.UnixMilli(premium.Time).UTC()
	return &Snapshot{
		Symbol:         symbol,
		MarkPrice:      mark,
		IndexPrice:     index,
		FundingRate:    funding,
		Timestamp:      ts,
		ContractActive: status == "TRADING",
		Source:         "binance",
		StalenessMs:    time.Since(ts).Milliseconds(),
	}, nil
}

func (p *BinanceProvider) GetSnapshots(ctx context.Context, symbols []string) (map[string]*Snapshot, error) {
	results := make(map[string]*Snapshot)
	for _, symbol := range symbols {
		snap, err := p.GetSnapshot(ctx, symbol)
		if err != nil {
			continue
		}
		results[snap.Symbol] = snap
	}
	return results, nil
}

func (p *BinanceProvider) fetchPremiumIndex(ctx context.Context, pair string) (*futures.PremiumIndex, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := p.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		rows, err := p.client.NewPremiumIndexService().Symbol(pair).Do(ctx)
		if err == nil {
			if len(rows) == 0 {
				return nil, NewBadSymbolError(pair, "no premium index returned")
			}
			return rows[0], nil
		}
		lastErr = err

		if attempt == p.maxRetries {
			break
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * p.backoffBase
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, NewNetworkError(pair, "premium index fetch failed", lastErr)
}

func (p *BinanceProvider) getContractStatus(ctx context.Context, pair string) (string, error) {
	p.mu.Lock()
	fresh := time.Since(p.statusFetchedAt) < contractStatusTTL
	status, known := p.contractStatus[pair]
	p.mu.Unlock()

	if fresh && known {
		return status, nil
	}

	if err := p.rateLimiter.Wait(ctx); err != nil {
		return "", err
	}
	info, err := p.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		// Serve the cached status if the refresh failed but we have one.
		if known {
			return status, nil
		}
		return "", NewNetworkError(pair, "exchange info fetch failed", err)
	}

	p.mu.Lock()
	p.contractStatus = make(map[string]string, len(info.Symbols))
	for _, s := range info.Symbols {
		p.contractStatus[s.Symbol] = s.Status
	}
	p.statusFetchedAt = time.Now()
	status, known = p.contractStatus[pair]
	p.mu.Unlock()

	if !known {
		return "", NewBadSymbolError(pair, "contract not listed")
	}
	return status, nil
}

func (p *BinanceProvider) HealthCheck(ctx context.Context) error {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return err
	}
	return p.client.NewPingService().Do(ctx)
}

func (p *BinanceProvider) Close() error { return nil }
