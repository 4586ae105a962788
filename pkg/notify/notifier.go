// Package notify delivers budget and anomaly alerts to Slack, email, generic
// webhooks and Microsoft Teams.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/quantumlayerhq/ql-billing/pkg/config"
	"github.com/quantumlayerhq/ql-billing/pkg/logger"
	"github.com/quantumlayerhq/ql-billing/pkg/metrics"
	"github.com/quantumlayerhq/ql-billing/pkg/resilience"
)

// Supported channels.
const (
	ChannelSlack   = "slack"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelTeams   = "teams"
)

// Sender is the notification contract used by the budget and anomaly
// services. *Notifier implements it.
type Sender interface {
	Send(ctx context.Context, title, message string, channels []string) map[string]bool
}

// Message is the payload handed to every channel.
type Message struct {
	Title     string    `json:"title"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type mailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Notifier fans a message out to the requested channels.
type Notifier struct {
	cfg      config.NotificationConfig
	log      *logger.Logger
	client   *http.Client
	breakers *resilience.Registry
	metrics  *metrics.Collector
	sendMail mailFunc
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithMetrics records delivery outcomes.
func WithMetrics(c *metrics.Collector) Option {
	return func(n *Notifier) { n.metrics = c }
}

// WithHTTPClient replaces the HTTP client used for webhook channels.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithBreakerConfig overrides the per-channel circuit breaker settings.
func WithBreakerConfig(cfg resilience.BreakerConfig) Option {
	return func(n *Notifier) { n.breakers = resilience.NewRegistry(cfg) }
}

// New creates a Notifier.
func New(cfg config.NotificationConfig, log *logger.Logger, opts ...Option) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	n := &Notifier{
		cfg:      cfg,
		log:      log.WithComponent("notifier"),
		client:   &http.Client{Timeout: timeout},
		breakers: resilience.NewRegistry(resilience.DefaultBreakerConfig("")),
		sendMail: smtp.SendMail,
	}
	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Enabled reports whether channel is configured and switched on.
func (n *Notifier) Enabled(channel string) bool {
	switch channel {
	case ChannelSlack:
		return n.cfg.SlackEnabled && n.cfg.SlackWebhookURL != ""
	case ChannelEmail:
		return n.cfg.EmailEnabled && n.cfg.SMTPHost != "" && len(n.cfg.EmailRecipients) > 0
	case ChannelWebhook:
		return n.cfg.WebhookEnabled && n.cfg.WebhookURL != ""
	case ChannelTeams:
		return n.cfg.TeamsEnabled && n.cfg.TeamsWebhookURL != ""
	default:
		return false
	}
}

// BreakerStats returns the circuit breaker counters of every channel used so far.
func (n *Notifier) BreakerStats() []resilience.BreakerStats {
	return n.breakers.Stats()
}

// Send delivers the message to every requested channel and reports the
// outcome per channel. Unknown and disabled channels report false without an
// attempt. Failures are logged, never returned.
func (n *Notifier) Send(ctx context.Context, title, message string, channels []string) map[string]bool {
	msg := Message{Title: title, Text: message, Timestamp: time.Now().UTC()}
	results := make(map[string]bool, len(channels))

	for _, channel := range channels {
		channel = strings.ToLower(strings.TrimSpace(channel))
		if _, seen := results[channel]; seen {
			continue
		}

		if !n.Enabled(channel) {
			n.log.Debug("notification channel not enabled", "channel", channel)
			results[channel] = false
			continue
		}

		err := n.breakers.Get(channel).Do(ctx, func(ctx context.Context) error {
			return n.deliver(ctx, channel, msg)
		})
		switch {
		case resilience.IsOpen(err):
			n.log.Warn("notification skipped, circuit open", "channel", channel, "title", title, "error", err)
		case err != nil:
			n.log.Error("failed to send notification", "channel", channel, "title", title, "error", err)
		}

		results[channel] = err == nil
		n.metrics.Notification(channel, err == nil)
	}

	return results
}

func (n *Notifier) deliver(ctx context.Context, channel string, msg Message) error {
	switch channel {
	case ChannelSlack:
		return n.postJSON(ctx, n.cfg.SlackWebhookURL, n.slackPayload(msg), nil)
	case ChannelTeams:
		return n.postJSON(ctx, n.cfg.TeamsWebhookURL, teamsPayload(msg), nil)
	case ChannelWebhook:
		return n.sendWebhook(ctx, msg)
	case ChannelEmail:
		return n.sendEmail(msg)
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}
}

func (n *Notifier) slackPayload(msg Message) map[string]any {
	return map[string]any{
		"channel":    n.cfg.SlackChannel,
		"username":   "QL Billing",
		"icon_emoji": ":money_with_wings:",
		"attachments": []map[string]any{
			{
				"color":     "#FF0000",
				"title":     msg.Title,
				"text":      msg.Text,
				"footer":    "QL Billing",
				"ts":        msg.Timestamp.Unix(),
				"mrkdwn_in": []string{"text"},
			},
		},
	}
}

func teamsPayload(msg Message) map[string]any {
	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"summary":    msg.Title,
		"themeColor": "FF0000",
		"title":      msg.Title,
		"text":       msg.Text,
	}
}

func (n *Notifier) sendWebhook(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	headers := map[string]string{"X-QLB-Event": "billing.alert"}
	if n.cfg.WebhookSecret != "" {
		headers["X-QLB-Signature"] = Sign(n.cfg.WebhookSecret, payload)
	}
	return n.post(ctx, n.cfg.WebhookURL, payload, headers)
}

// Sign computes the HMAC-SHA256 signature sent with webhook payloads.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func (n *Notifier) postJSON(ctx context.Context, url string, body any, headers map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return n.post(ctx, url, payload, headers)
}

func (n *Notifier) post(ctx context.Context, url string, payload []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", req.URL.Host, resp.StatusCode)
	}
	return nil
}

func (n *Notifier) sendEmail(msg Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.EmailFrom)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.cfg.EmailRecipients, ","))
	fmt.Fprintf(&b, "Subject: [QL Billing] %s\r\n", msg.Title)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(msg.Text)
	b.WriteString("\r\n")

	var auth smtp.Auth
	if n.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUser, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	if err := n.sendMail(addr, auth, n.cfg.EmailFrom, n.cfg.EmailRecipients, []byte(b.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
