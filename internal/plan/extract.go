package plan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extract parses a trading plan out of raw oracle output. Oracles wrap
// JSON in markdown fences or surround it with prose, so extraction tries,
// in order: a ```json fence, any ``` fence, then the outermost braces.
// Any failure rejects the whole response; no partial plan is ever acted on.
func Extract(raw string) (TradingPlan, error) {
	var p TradingPlan

	text := strings.TrimSpace(raw)
	if text == "" {
		return p, fmt.Errorf("empty oracle response")
	}

	candidate := extractFenced(text, "```json")
	if candidate == "" {
		candidate = extractFenced(text, "```")
	}
	// A bare ``` fence still carries the language token on its first line.
	if candidate != "" && !strings.HasPrefix(candidate, "{") {
		if i := strings.Index(candidate, "{"); i >= 0 {
			if j := strings.LastIndex(candidate, "}"); j > i {
				candidate = candidate[i : j+1]
			}
		}
	}
	if candidate == "" {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start == -1 || end == -1 || end <= start {
			return p, fmt.Errorf("no JSON object in oracle response")
		}
		candidate = text[start : end+1]
	}

	if err := json.Unmarshal([]byte(candidate), &p); err != nil {
		return TradingPlan{}, fmt.Errorf("unmarshal trading plan: %w", err)
	}
	if len(p.Candidates) == 0 {
		return TradingPlan{}, fmt.Errorf("trading plan has no candidates")
	}
	for i := range p.Candidates {
		p.Candidates[i].Normalize()
	}
	return p, nil
}

func extractFenced(text, opener string) string {
	start := strings.Index(text, opener)
	if start == -1 {
		return ""
	}
	rest := text[start+len(opener):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
