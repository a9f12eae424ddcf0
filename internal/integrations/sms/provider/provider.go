// Package provider picks the SMS client named in the config.
package provider

import (
	"time"

	"github.com/BearBump/FarmaTurn/config"
	"github.com/BearBump/FarmaTurn/internal/integrations/sms"
	"github.com/BearBump/FarmaTurn/internal/integrations/sms/fake"
	"github.com/BearBump/FarmaTurn/internal/integrations/sms/gateway"
	"github.com/BearBump/FarmaTurn/internal/integrations/sms/webhook"
	"github.com/pkg/errors"
)

const (
	Fake    = "fake"
	Webhook = "webhook"
	Gateway = "gateway"
)

func New(cfg config.FarmaTurnConfig) (sms.Client, error) {
	timeout := time.Duration(cfg.SMSTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	switch cfg.SMSProvider {
	case "", Fake:
		return fake.New(), nil
	case Webhook:
		if cfg.SMSWebhookURL == "" {
			return nil, errors.New("sms_webhook_url is required for the webhook provider")
		}
		return webhook.New(cfg.SMSWebhookURL, cfg.SMSWebhookToken, timeout), nil
	case Gateway:
		if cfg.SMSGatewayBaseURL == "" || cfg.SMSGatewayAPIKey == "" {
			return nil, errors.New("sms_gateway_base_url and sms_gateway_api_key are required for the gateway provider")
		}
		return gateway.New(cfg.SMSGatewayBaseURL, cfg.SMSGatewayAPIKey, cfg.SMSSenderID, timeout), nil
	default:
		return nil, errors.Errorf("unknown sms provider %q", cfg.SMSProvider)
	}
}
