// Package notify posts best-effort operational alerts to Slack: admission
// queues stuck at capacity, nodes accumulating errors, and registration
// token pool exhaustion. None of these ever block the code path that
// detects them.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/wisbric/probemesh/internal/telemetry"
)

// Notifier posts operational alerts to a single configured Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier builds a Notifier. If botToken is empty, the Notifier is a
// noop: callers can call its methods unconditionally.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the Notifier has a usable Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

func (n *Notifier) post(ctx context.Context, kind, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, dropping notification", "type", kind)
		return
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Error("posting slack notification", "type", kind, "error", err)
		return
	}
	telemetry.NotificationsTotal.WithLabelValues(kind).Inc()
}

// QueueSaturated alerts that a tenant's admission queue has stayed at
// capacity across a sweep cycle.
func (n *Notifier) QueueSaturated(ctx context.Context, principalKey string, queueDepth, capacity int) {
	text := fmt.Sprintf(":rotating_light: admission queue saturated for `%s` (%d/%d queued)", principalKey, queueDepth, capacity)
	n.post(ctx, "queue_saturated", text)
}

// NodeErrorThreshold alerts that a probe node's error_count crossed the
// configured threshold.
func (n *Notifier) NodeErrorThreshold(ctx context.Context, nodeUUID string, errorCount, threshold int) {
	text := fmt.Sprintf(":warning: node `%s` error_count=%d exceeds threshold %d", nodeUUID, errorCount, threshold)
	n.post(ctx, "node_error_threshold", text)
}

// RegistrationTokenPoolExhausted alerts that no unused, unexpired
// registration tokens remain for a region.
func (n *Notifier) RegistrationTokenPoolExhausted(ctx context.Context, region string) {
	text := fmt.Sprintf(":warning: registration token pool exhausted for region `%s`", region)
	n.post(ctx, "token_pool_exhausted", text)
}
