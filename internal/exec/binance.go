package exec

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"github.com/perpdesk/perp-trader/internal/plan"
	"github.com/perpdesk/perp-trader/internal/position"
)

// BinanceExchange executes against Binance USD-M futures. Quantities and
// prices are formatted to fixed precision; anything finer is truncated
// rather than rejected round-tripping the exchange filter.
type BinanceExchange struct {
	client      *futures.Client
	rateLimiter *rate.Limiter
	quoteAsset  string
}

func NewBinanceExchange(apiKey, secretKey string) *BinanceExchange {
	return &BinanceExchange{
		client:      futures.NewClient(apiKey, secretKey),
		rateLimiter: rate.NewLimiter(rate.Limit(5), 10),
		quoteAsset:  "USDT",
	}
}

func (b *BinanceExchange) pair(symbol string) string {
	return strings.ToUpper(symbol) + b.quoteAsset
}

func (b *BinanceExchange) SubmitOrder(ctx context.Context, ord Order) (OrderResult, error) {
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return OrderResult{}, err
	}

	svc := b.client.NewCreateOrderService().
		Symbol(b.pair(ord.Symbol)).
		Side(futures.SideType(ord.Side)).
		Type(futures.OrderType(ord.Type)).
		Quantity(formatQuantity(ord.Quantity)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if ord.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if ord.Type == OrderTypeStopMarket || ord.Type == OrderTypeTakeProfitMarket {
		svc = svc.StopPrice(formatPrice(ord.Price))
	}
	if ord.IdempotencyKey != "" {
		// Binance enforces client order id uniqueness, which backs our
		// idempotency key on the exchange side too.
		svc = svc.NewClientOrderID("pd-" + ord.IdempotencyKey[:20])
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, classifyError(ord.Symbol, err)
	}

	avg, _ := strconv.ParseFloat(res.AvgPrice, 64)
	filled, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)
	return OrderResult{
		OrderID:        strconv.FormatInt(res.OrderID, 10),
		Status:         string(res.Status),
		AvgFillPrice:   avg,
		FilledQuantity: filled,
	}, nil
}

func (b *BinanceExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("order id %q is not numeric: %w", orderID, err)
	}
	_, err = b.client.NewCancelOrderService().
		Symbol(b.pair(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return classifyError(symbol, err)
	}
	return nil
}

func (b *BinanceExchange) OpenPositions(ctx context.Context) ([]position.Position, error) {
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classifyError("", err)
	}

	var out []position.Position
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		lev, _ := strconv.ParseFloat(r.Leverage, 64)

		side := plan.DirectionLong
		qty := amt
		if amt < 0 {
			side = plan.DirectionShort
			qty = -amt
		}
		out = append(out, position.Position{
			Symbol:     strings.TrimSuffix(r.Symbol, b.quoteAsset),
			Side:       side,
			SizeUSD:    qty * mark,
			Quantity:   qty,
			Leverage:   lev,
			EntryPrice: entry,
			State:      position.StateMonitoring,
		})
	}
	return out, nil
}

func (b *BinanceExchange) Equity(ctx context.Context) (float64, error) {
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return 0, err
	}
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, classifyError("", err)
	}
	for _, bal := range balances {
		if bal.Asset != b.quoteAsset {
			continue
		}
		wallet, _ := strconv.ParseFloat(bal.Balance, 64)
		unrealized, _ := strconv.ParseFloat(bal.CrossUnPnl, 64)
		return wallet + unrealized, nil
	}
	return 0, fmt.Errorf("no %s balance on account", b.quoteAsset)
}

func (b *BinanceExchange) Mode() string { return "live" }

func (b *BinanceExchange) Close() error { return nil }

// classifyError maps transport and API failures onto the retry taxonomy.
func classifyError(symbol string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTimeoutError(symbol, err.Error())
		}
		return NewNetworkError(symbol, "transport failure", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(symbol, err.Error())
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003: // WAF rate limit
			return NewRateLimitError(symbol, apiErr.Message)
		case -1001, -1007: // internal error, gateway timeout
			return NewNetworkError(symbol, apiErr.Message, err)
		}
		return NewRejectedError(symbol, apiErr.Message, err)
	}
	return NewNetworkError(symbol, "request failed", err)
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', 3, 64)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 4, 64)
}
