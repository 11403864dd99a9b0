package stripeclient

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

type Config struct {
	APIKey string
}

// Client wraps the Stripe SDK behind an explicit instance so no package-level
// key is shared between components.
type Client struct {
	api *client.API
}

type IntentInput struct {
	Amount   int64
	Currency string
	Metadata map[string]string
}

type IntentResult struct {
	ProviderIntentID string
	ClientSecret     string
}

func New(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("stripe api key is required")
	}

	api := &client.API{}
	api.Init(key, nil)

	return &Client{api: api}, nil
}

func (c *Client) CreateIntent(ctx context.Context, in IntentInput) (IntentResult, error) {
	if c == nil || c.api == nil {
		return IntentResult{}, fmt.Errorf("stripe client is not configured")
	}
	if in.Amount <= 0 || strings.TrimSpace(in.Currency) == "" {
		return IntentResult{}, fmt.Errorf("invalid intent input")
	}

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: in.Metadata,
		},
		Amount:   stripe.Int64(in.Amount),
		Currency: stripe.String(strings.ToLower(in.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}

	intent, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return IntentResult{}, fmt.Errorf("create stripe payment intent: %w", err)
	}
	if intent == nil || intent.ID == "" || intent.ClientSecret == "" {
		return IntentResult{}, fmt.Errorf("stripe returned an incomplete payment intent")
	}

	return IntentResult{
		ProviderIntentID: intent.ID,
		ClientSecret:     intent.ClientSecret,
	}, nil
}
