package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/providers/email"
	"github.com/smallbiznis/settlement/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// receiptTemplates maps event kinds to buyer-facing email templates.
var receiptTemplates = map[domain.Kind]string{
	domain.KindPurchaseCompleted: "purchase_completed",
	domain.KindPurchaseRefunded:  "purchase_refunded",
	domain.KindBatchFinished:     "batch_finished",
}

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Email email.Provider
	Slack slack.Provider
}

type Notifier struct {
	log     *zap.Logger
	email   email.Provider
	slack   slack.Provider
	channel string
}

func NewNotifier(p Params) domain.Notifier {
	return &Notifier{
		log:     p.Log.Named("notification.service"),
		email:   p.Email,
		slack:   p.Slack,
		channel: p.Cfg.Alerts.Channel,
	}
}

func (n *Notifier) Notify(ctx context.Context, event domain.Event) error {
	var errs error

	if recipient := strings.TrimSpace(event.Recipient); recipient != "" {
		if tmpl, ok := receiptTemplates[event.Kind]; ok {
			if err := n.email.SendTemplate(ctx, []string{recipient}, tmpl, event.Data); err != nil {
				errs = errors.Join(errs, fmt.Errorf("email %s: %w", event.Kind, err))
			}
		}
	}

	if alert := strings.TrimSpace(event.Alert); alert != "" {
		msg := fmt.Sprintf("[%s] %s", event.Kind, alert)
		if err := n.slack.PostMessage(ctx, n.channel, msg); err != nil {
			errs = errors.Join(errs, fmt.Errorf("slack %s: %w", event.Kind, err))
		}
	}

	if errs != nil {
		n.log.Warn("notification delivery failed",
			zap.String("kind", string(event.Kind)),
			zap.Error(errs),
		)
	}
	return errs
}
