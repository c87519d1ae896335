package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
)

const webhookPrefix = "/webhooks"

// WebhookConfig guards the provider callback endpoints.
type WebhookConfig struct {
	// Secret, when set, must be echoed by the provider in X-Webhook-Secret.
	Secret        string
	RatePerSecond float64
	Burst         int
}

type DirectCallback struct {
	Token  string `json:"token" doc:"payment link token"`
	Status string `json:"status" example:"PAID"`
}

type EscrowCallback struct {
	CheckoutID string `json:"checkout_id"`
	Status     string `json:"status" example:"PAID"`
}

type webhookOutput struct {
	Body WebhookResponse `json:"body"`
}

func checkSecret(cfg WebhookConfig, got string) huma.StatusError {
	want := strings.TrimSpace(cfg.Secret)
	if want == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.TrimSpace(got))) != 1 {
		return newAPIError(http.StatusUnauthorized, "invalid_signature", "webhook secret mismatch", nil)
	}
	return nil
}

func webhookResult(t domain.Tranche) *webhookOutput {
	return &webhookOutput{Body: WebhookResponse{TrancheID: t.ID, Status: string(t.Status)}}
}

// registerProviderWebhooks mounts the provider callbacks. They answer 200 for any status on
// a known token; unknown statuses are recorded, not rejected.
func registerProviderWebhooks(api huma.API, e engine.Engine, cfg WebhookConfig) {
	errs := []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusTooManyRequests}

	huma.Register(api, huma.Operation{
		OperationID: "webhook-direct",
		Method:      http.MethodPost,
		Path:        webhookPrefix + "/direct",
		Summary:     "Direct payment link callback",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		Secret string         `header:"X-Webhook-Secret"`
		Body   DirectCallback `json:"body"`
	}) (*webhookOutput, error) {
		if err := checkSecret(cfg, input.Secret); err != nil {
			return nil, err
		}
		t, err := e.HandleDirectWebhook(ctx, input.Body.Token, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return webhookResult(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "webhook-escrow",
		Method:      http.MethodPost,
		Path:        webhookPrefix + "/escrow",
		Summary:     "Escrow checkout callback",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		Secret string         `header:"X-Webhook-Secret"`
		Body   EscrowCallback `json:"body"`
	}) (*webhookOutput, error) {
		if err := checkSecret(cfg, input.Secret); err != nil {
			return nil, err
		}
		t, err := e.HandleEscrowWebhook(ctx, input.Body.CheckoutID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return webhookResult(t), nil
	})
}
