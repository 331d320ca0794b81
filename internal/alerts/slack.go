// Package alerts pushes operator notifications for the events that need a
// human: circuit-breaker halts, exhausted submissions, unprotected fills.
package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/perpdesk/perp-trader/internal/observ"
)

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

// Notifier sends events to a Slack webhook from a single worker with a
// bounded queue. A full queue drops the alert; trading never blocks on
// Slack.
type Notifier struct {
	enabled    bool
	webhookURL string
	channel    string
	httpClient *http.Client

	mu     sync.Mutex
	dedupe map[string]time.Time

	queue  chan slackMessage
	cancel context.CancelFunc
}

const dedupeWindow = 5 * time.Minute

func NewNotifier(enabled bool, webhookURL, channel string) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		enabled:    enabled && webhookURL != "",
		webhookURL: webhookURL,
		channel:    channel,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dedupe:     map[string]time.Time{},
		queue:      make(chan slackMessage, 100),
		cancel:     cancel,
	}
	go n.worker(ctx)
	return n
}

// Notify queues an alert. Identical event+fields inside the dedupe window
// are sent once.
func (n *Notifier) Notify(event string, fields map[string]string) {
	if !n.enabled {
		return
	}

	hash := dedupeHash(event, fields)
	n.mu.Lock()
	if last, ok := n.dedupe[hash]; ok && time.Since(last) < dedupeWindow {
		n.mu.Unlock()
		return
	}
	n.dedupe[hash] = time.Now()
	// Opportunistic cleanup so the map does not grow unbounded.
	for k, t := range n.dedupe {
		if time.Since(t) > dedupeWindow {
			delete(n.dedupe, k)
		}
	}
	n.mu.Unlock()

	msg := slackMessage{
		Channel: n.channel,
		Text:    fmt.Sprintf(":rotating_light: %s", event),
		Attachments: []slackAttachment{{
			Color:  colorFor(event),
			Fields: toFields(fields),
		}},
	}

	select {
	case n.queue <- msg:
	default:
		observ.Log("alert_dropped", map[string]any{"alert_event": event, "reason": "queue_full"})
	}
}

func (n *Notifier) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			n.post(ctx, msg)
		}
	}
}

func (n *Notifier) post(ctx context.Context, msg slackMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		observ.Log("alert_send_failed", map[string]any{"error": err.Error()})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		observ.Log("alert_send_failed", map[string]any{"status": resp.StatusCode})
	}
}

func (n *Notifier) Close() { n.cancel() }

func colorFor(event string) string {
	switch event {
	case "trading_halted":
		return "danger"
	case "execution_failed", "protection_incomplete":
		return "warning"
	}
	return "#439FE0"
}

func toFields(fields map[string]string) []slackField {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]slackField, 0, len(keys))
	for _, k := range keys {
		out = append(out, slackField{Title: k, Value: fields[k], Short: true})
	}
	return out
}

func dedupeHash(event string, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	h.Write([]byte(event))
	for _, k := range keys {
		h.Write([]byte("|" + k + "=" + fields[k]))
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}
