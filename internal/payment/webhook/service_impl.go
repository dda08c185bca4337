package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/settlement/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	paymentservice "github.com/smallbiznis/settlement/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc *paymentservice.Service
	Adapters   *adapters.Registry
}

type Service struct {
	log        *zap.Logger
	paymentSvc *paymentservice.Service
	adapters   *adapters.Registry
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:        p.Log.Named("payment.webhook"),
		paymentSvc: p.PaymentSvc,
		adapters:   p.Adapters,
	}
}

// IngestWebhook verifies a delivery against the provider's secret, parses
// it and hands it to the event processor. Events the system does not act
// on are acknowledged without being recorded.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		if errors.Is(err, paymentdomain.ErrMissingSecret) {
			s.log.Error("webhook secret not configured", zap.String("provider", provider))
		} else {
			s.log.Warn("webhook signature rejected", zap.String("provider", provider), zap.Error(err))
		}
		return err
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.log.Debug("webhook event ignored", zap.String("provider", provider))
			return nil
		}
		return err
	}
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	event.Provider = provider
	return s.paymentSvc.ProcessEvent(ctx, event)
}
