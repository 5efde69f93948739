/**
 * @description
 * Package notify fans flow notifications out to their sinks: partner webhooks, the
 * operator chat channel and the internal event exchange. Sends are fire-and-forget;
 * failures are logged and never reach the flow engine.
 */

package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/settlement-service/pkg/rabbitmq"
)

// Routing keys published on the events exchange.
const (
	RoutingKeyPartnerWebhook  = "settlement.partner_webhook"
	RoutingKeyOperatorMessage = "settlement.operator_message"
)

const sendTimeout = 10 * time.Second

// WebhookSender posts a JSON payload.
type WebhookSender interface {
	Enabled() bool
	Post(ctx context.Context, payload any) error
}

// Notifier implements the notification sink.
type Notifier struct {
	partner   WebhookSender
	operator  WebhookSender
	publisher rabbitmq.Publisher
	exchange  string
	logger    *slog.Logger
}

// NewNotifier creates a Notifier. Any sink may be nil.
func NewNotifier(partner, operator WebhookSender, publisher rabbitmq.Publisher, exchange string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		partner:   partner,
		operator:  operator,
		publisher: publisher,
		exchange:  exchange,
		logger:    logger.With("component", "notifier"),
	}
}

// detach keeps a send alive after the caller's request ends, bounded by sendTimeout.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
}

// PartnerWebhook delivers an event to the partner and mirrors it on the events exchange.
func (n *Notifier) PartnerWebhook(ctx context.Context, payload map[string]any) {
	ctx, cancel := detach(ctx)
	defer cancel()

	if n.partner != nil && n.partner.Enabled() {
		if err := n.partner.Post(ctx, payload); err != nil {
			n.logger.Warn("partner webhook failed", "event", payload["event"], "error", err)
		}
	}
	n.publish(ctx, RoutingKeyPartnerWebhook, payload)
}

// OperatorMessage posts a plain-text message to the operator channel.
func (n *Notifier) OperatorMessage(ctx context.Context, message string) {
	ctx, cancel := detach(ctx)
	defer cancel()

	if n.operator != nil && n.operator.Enabled() {
		if err := n.operator.Post(ctx, map[string]any{"text": message}); err != nil {
			n.logger.Warn("operator message failed", "error", err)
		}
	} else {
		n.logger.Info("operator message", "text", message)
	}
	n.publish(ctx, RoutingKeyOperatorMessage, map[string]any{"text": message})
}

// Publish sends a payload to the internal events exchange.
func (n *Notifier) Publish(ctx context.Context, routingKey string, payload map[string]any) {
	ctx, cancel := detach(ctx)
	defer cancel()
	n.publish(ctx, routingKey, payload)
}

func (n *Notifier) publish(ctx context.Context, routingKey string, payload map[string]any) {
	if n.publisher == nil || n.exchange == "" {
		return
	}
	if err := n.publisher.Publish(ctx, n.exchange, routingKey, payload); err != nil {
		n.logger.Warn("event publish failed", "exchange", n.exchange, "routing_key", routingKey, "error", err)
	}
}
