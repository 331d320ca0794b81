package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPlanJSON = `{
	"timestamp": "2025-06-01T12:00:00Z",
	"market_view": "ranging",
	"candidates": [
		{
			"symbol": "btc",
			"direction": "long",
			"entry": {"type": "market"},
			"stop_loss": 63000,
			"take_profit": 70000,
			"position": {"size_pct": 0.2, "leverage_hint": 3},
			"confidence": 0.7
		}
	]
}`

func TestExtractBareJSON(t *testing.T) {
	p, err := Extract(validPlanJSON)
	require.NoError(t, err)
	require.Len(t, p.Candidates, 1)

	d := p.Candidates[0]
	assert.Equal(t, "BTC", d.Symbol)
	assert.Equal(t, ActionOpen, d.Action, "omitted action defaults to OPEN")
	assert.Equal(t, DirectionLong, d.Direction)
	assert.Equal(t, 0.2, d.Position.SizePct)
}

func TestExtractJSONFence(t *testing.T) {
	raw := "Here is my plan for this cycle.\n```json\n" + validPlanJSON + "\n```\nGood luck."
	p, err := Extract(raw)
	require.NoError(t, err)
	assert.Len(t, p.Candidates, 1)
}

func TestExtractBareFence(t *testing.T) {
	raw := "```\n" + validPlanJSON + "\n```"
	p, err := Extract(raw)
	require.NoError(t, err)
	assert.Len(t, p.Candidates, 1)
}

func TestExtractSurroundingProse(t *testing.T) {
	raw := "Considering funding rates I propose: " + validPlanJSON + " -- end of plan"
	p, err := Extract(raw)
	require.NoError(t, err)
	assert.Len(t, p.Candidates, 1)
}

func TestExtractFailsClosed(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{"empty response", ""},
		{"whitespace only", "   \n\t "},
		{"no json at all", "I cannot produce a plan right now."},
		{"truncated json", `{"candidates": [{"symbol": "BTC"`},
		{"wrong shape", `{"orders": []}`},
		{"empty candidates", `{"candidates": []}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Extract(tc.raw)
			require.Error(t, err)
			assert.Empty(t, p.Candidates, "failed extraction must not yield candidates")
		})
	}
}
