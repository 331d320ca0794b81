package market

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// SimProvider serves snapshots from an in-memory perp universe with a
// random-walk mark price. Tests and sim mode drive failure cases through
// SetActive, SetPrice and Remove.
type SimProvider struct {
	mu        sync.Mutex
	contracts map[string]*simContract
	random    *rand.Rand
}

type simContract struct {
	Symbol      string
	MarkPrice   float64
	FundingRate float64
	Volatility  float64 // daily volatility as decimal
	Volume24h   float64
	Active      bool
}

// NewSimProvider seeds the default perp universe.
func NewSimProvider() *SimProvider {
	return &SimProvider{
		contracts: map[string]*simContract{
			"BTC":  {Symbol: "BTC", MarkPrice: 65000.0, FundingRate: 0.0001, Volatility: 0.030, Volume24h: 2.1e10, Active: true},
			"ETH":  {Symbol: "ETH", MarkPrice: 3300.0, FundingRate: 0.0001, Volatility: 0.038, Volume24h: 9.5e9, Active: true},
			"SOL":  {Symbol: "SOL", MarkPrice: 152.0, FundingRate: 0.0002, Volatility: 0.055, Volume24h: 2.4e9, Active: true},
			"BNB":  {Symbol: "BNB", MarkPrice: 585.0, FundingRate: 0.0001, Volatility: 0.032, Volume24h: 1.1e9, Active: true},
			"XRP":  {Symbol: "XRP", MarkPrice: 0.52, FundingRate: 0.0001, Volatility: 0.045, Volume24h: 8.0e8, Active: true},
			"DOGE": {Symbol: "DOGE", MarkPrice: 0.12, FundingRate: 0.0003, Volatility: 0.065, Volume24h: 6.5e8, Active: true},
		},
		random: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *SimProvider) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.contracts[symbol]
	if !ok {
		return nil, NewBadSymbolError(symbol, "symbol not listed on sim exchange")
	}

	// Random walk scaled to a per-minute step so repeated cycles drift
	// rather than jump.
	step := c.Volatility / math.Sqrt(1440)
	c.MarkPrice *= 1 + p.random.NormFloat64()*step
	index := c.MarkPrice * (1 + (p.random.Float64()-0.5)*0.0004)

	return &Snapshot{
		Symbol:         symbol,
		MarkPrice:      c.MarkPrice,
		IndexPrice:     index,
		FundingRate:    c.FundingRate,
		Volume24h:      c.Volume24h * (0.8 + p.random.Float64()*0.4),
		Timestamp:      time.Now().UTC(),
		ContractActive: c.Active,
		Source:         "sim",
		StalenessMs:    0,
	}, nil
}

func (p *SimProvider) GetSnapshots(ctx context.Context, symbols []string) (map[string]*Snapshot, error) {
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

func (p *SimProvider) HealthCheck(ctx context.Context) error { return nil }

func (p *SimProvider) Close() error { return nil }

// SetActive flips the contract's tradable flag.
func (p *SimProvider) SetActive(symbol string, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.contracts[strings.ToUpper(symbol)]; ok {
		c.Active = active
	}
}

// SetPrice pins the mark price, including invalid values for failure tests.
func (p *SimProvider) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.contracts[strings.ToUpper(symbol)]; ok {
		c.MarkPrice = price
		c.Volatility = 0
	}
}

// Remove delists the symbol so fetches fail.
func (p *SimProvider) Remove(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.contracts, strings.ToUpper(symbol))
}

// List returns the currently listed symbols.
func (p *SimProvider) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.contracts))
	for s := range p.contracts {
		out = append(out, s)
	}
	return out
}
