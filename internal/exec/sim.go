package exec

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/perpdesk/perp-trader/internal/plan"
	"github.com/perpdesk/perp-trader/internal/position"
)

// SimExchange is an in-memory exchange with deterministic enough fills for
// sim mode and tests. Failures are injected per symbol with FailNext, so a
// test can script "timeout, timeout, fill" and assert exactly one order
// landed.
type SimExchange struct {
	mu         sync.Mutex
	equity     float64
	positions  map[string]*position.Position
	openOrders map[string]Order
	failures   map[string][]error
	accepted   []Order
	orderSeq   int
	random     *rand.Rand

	slippageBpsMax int
}

func NewSimExchange(initialEquity float64) *SimExchange {
	return &SimExchange{
		equity:         initialEquity,
		positions:      map[string]*position.Position{},
		openOrders:     map[string]Order{},
		failures:       map[string][]error{},
		random:         rand.New(rand.NewSource(time.Now().UnixNano())),
		slippageBpsMax: 5,
	}
}

// FailNext queues outcomes for upcoming submits on the symbol. A nil
// entry lets that submit succeed, so a script can target the Nth order.
func (s *SimExchange) FailNext(symbol string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	s.failures[symbol] = append(s.failures[symbol], errs...)
}

func (s *SimExchange) SubmitOrder(ctx context.Context, ord Order) (OrderResult, error) {
	select {
	case <-ctx.Done():
		return OrderResult{}, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	symbol := strings.ToUpper(ord.Symbol)
	if queue := s.failures[symbol]; len(queue) > 0 {
		err := queue[0]
		s.failures[symbol] = queue[1:]
		if err != nil {
			return OrderResult{}, err
		}
	}

	s.orderSeq++
	orderID := fmt.Sprintf("sim-%d", s.orderSeq)
	s.accepted = append(s.accepted, ord)

	if ord.Type != OrderTypeMarket {
		s.openOrders[orderID] = ord
		return OrderResult{OrderID: orderID, Status: "NEW"}, nil
	}

	fillPrice := s.applySlippage(ord)

	if ord.ReduceOnly {
		if pos, ok := s.positions[symbol]; ok {
			s.equity += pos.UnrealizedPnL(fillPrice)
			delete(s.positions, symbol)
		}
		return OrderResult{
			OrderID: orderID, Status: "FILLED",
			AvgFillPrice: fillPrice, FilledQuantity: ord.Quantity,
		}, nil
	}

	side := plan.DirectionLong
	if ord.Side == SideSell {
		side = plan.DirectionShort
	}
	s.positions[symbol] = &position.Position{
		Symbol:     symbol,
		Side:       side,
		SizeUSD:    ord.Quantity * fillPrice,
		Quantity:   ord.Quantity,
		EntryPrice: fillPrice,
		State:      position.StateMonitoring,
		OpenedAt:   time.Now().UTC(),
	}

	return OrderResult{
		OrderID: orderID, Status: "FILLED",
		AvgFillPrice: fillPrice, FilledQuantity: ord.Quantity,
	}, nil
}

func (s *SimExchange) applySlippage(ord Order) float64 {
	if ord.Price <= 0 {
		return ord.Price
	}
	bps := float64(s.random.Intn(s.slippageBpsMax + 1))
	adj := ord.Price * bps / 10000
	if ord.Side == SideBuy {
		return ord.Price + adj
	}
	return ord.Price - adj
}

func (s *SimExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.openOrders[orderID]; !ok {
		return NewRejectedError(symbol, "unknown order "+orderID, nil)
	}
	delete(s.openOrders, orderID)
	return nil
}

func (s *SimExchange) OpenPositions(ctx context.Context) ([]position.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]position.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (s *SimExchange) Equity(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.equity, nil
}

func (s *SimExchange) Mode() string { return "sim" }

func (s *SimExchange) Close() error { return nil }

// SetEquity pins equity, for breaker tests.
func (s *SimExchange) SetEquity(equity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.equity = equity
}

// RemovePosition drops the exchange-side position, simulating an external
// close for reconciliation tests.
func (s *SimExchange) RemovePosition(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, strings.ToUpper(symbol))
}

// AcceptedOrders returns every order the exchange accepted, in order.
func (s *SimExchange) AcceptedOrders() []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Order, len(s.accepted))
	copy(out, s.accepted)
	return out
}

// AcceptedCount counts accepted orders for a symbol and type.
func (s *SimExchange) AcceptedCount(symbol, orderType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.accepted {
		if strings.EqualFold(o.Symbol, symbol) && o.Type == orderType {
			n++
		}
	}
	return n
}

// OpenOrderCount reports resting protective orders.
func (s *SimExchange) OpenOrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.openOrders)
}
