// Package oracle talks to the external decision model. The model is a
// collaborator, never embedded: we send it one cycle's market and account
// context and get back free-form text that plan.Extract parses.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/perpdesk/perp-trader/internal/market"
)

// PositionSummary is the open-position view shared with the oracle.
type PositionSummary struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	SizeUSD    float64 `json:"size_usd"`
	Leverage   float64 `json:"leverage"`
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
	PnLUSD     float64 `json:"pnl_usd"`
}

// RiskSummary tells the oracle how much room it has. The oracle may
// propose anything; clamping still happens on our side.
type RiskSummary struct {
	EquityUSD        float64 `json:"equity_usd"`
	DrawdownPct      float64 `json:"drawdown_pct"`
	DailyLossPct     float64 `json:"daily_loss_pct"`
	TradingHalted    bool    `json:"trading_halted"`
	MaxPositionPct   float64 `json:"max_position_pct"`
	MaxTotalExposure float64 `json:"max_total_exposure_pct"`
	MaxLeverage      float64 `json:"max_leverage"`
}

// Request is the full context for one plan solicitation.
type Request struct {
	CycleTime   time.Time                   `json:"cycle_time"`
	Snapshots   map[string]*market.Snapshot `json:"snapshots"`
	Positions   []PositionSummary           `json:"positions"`
	Risk        RiskSummary                 `json:"risk"`
	PlanHistory []string                    `json:"plan_history,omitempty"` // summaries of recent plans
}

// Client produces raw plan text for a cycle.
type Client interface {
	ProposePlan(ctx context.Context, req Request) (string, error)
}

const systemPrompt = `You are a disciplined crypto perpetual futures trader.
Respond with a single JSON object: {"timestamp","market_view","candidates":
[{"symbol","action","direction","entry":{"type","price"},"stop_loss",
"take_profit","position":{"size_pct","leverage_hint"},"confidence",
"rationale"}],"next_actions"}. size_pct is a fraction of equity in (0,1].
Only propose symbols present in the provided snapshots. Every OPEN needs a
stop_loss on the losing side of entry.`

// HTTPClient calls an OpenAI-compatible chat-completions endpoint.
type HTTPClient struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, model, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *HTTPClient) ProposePlan(ctx context.Context, req Request) (string, error) {
	userPayload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal oracle request: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(userPayload)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read oracle response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oracle returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode oracle response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("oracle error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("oracle returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ScriptedClient replays canned responses in order, then repeats the last
// one. Used by sim mode and tests.
type ScriptedClient struct {
	responses []string
	idx       int
}

func NewScriptedClient(responses ...string) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

func (c *ScriptedClient) ProposePlan(ctx context.Context, _ Request) (string, error) {
	if len(c.responses) == 0 {
		return "", fmt.Errorf("scripted oracle has no responses")
	}
	r := c.responses[c.idx]
	if c.idx < len(c.responses)-1 {
		c.idx++
	}
	return r, nil
}

// History keeps short summaries of recent plans for the next request.
type History struct {
	depth   int
	entries []string
}

func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = 5
	}
	return &History{depth: depth}
}

func (h *History) Add(summary string) {
	h.entries = append(h.entries, summary)
	if len(h.entries) > h.depth {
		h.entries = h.entries[len(h.entries)-h.depth:]
	}
}

func (h *History) Entries() []string {
	out := make([]string, len(h.entries))
	copy(out, h.entries)
	return out
}
