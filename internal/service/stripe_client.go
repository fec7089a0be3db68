package service

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"billing-service/config"
)

// providerCallTimeout bounds outbound calls to Stripe during request
// handling. A timeout during identity resolution is recoverable and must not
// fall back to minting a duplicate tenant.
const providerCallTimeout = 10 * time.Second

// StripeClient wraps the Stripe SDK client for session creation and
// customer lookups.
type StripeClient struct {
	api        *client.API
	successURL string
	cancelURL  string
}

func NewStripeClient(cfg config.StripeConfig) *StripeClient {
	var api client.API
	api.Init(cfg.APIKey, nil)

	return &StripeClient{
		api:        &api,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
	}
}

// CheckoutSessionInput carries everything needed to open a provider-hosted
// checkout flow for one tenant.
type CheckoutSessionInput struct {
	Email    string
	PriceRef string
	PlanID   string
	TenantID string
}

// CreateCheckoutSession opens a subscription-mode checkout session and
// returns its redirect URL. Plan and tenant ids travel in the session and
// subscription metadata so webhook events can be tied back to the local row.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: ctx},
		Mode:   stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(in.PriceRef),
				Quantity: stripe.Int64(1),
			},
		},
		CustomerEmail: stripe.String(in.Email),
		SuccessURL:    stripe.String(c.successURL + "?checkout_session={CHECKOUT_SESSION_ID}"),
		CancelURL:     stripe.String(c.cancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"plan_id":   in.PlanID,
				"tenant_id": in.TenantID,
			},
		},
	}
	params.AddMetadata("plan_id", in.PlanID)
	params.AddMetadata("tenant_id", in.TenantID)

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	return session.URL, nil
}

// GetCustomerEmail fetches the email Stripe holds for a customer id. Used
// during reconciliation when the event payload itself carries no email.
func (c *StripeClient) GetCustomerEmail(ctx context.Context, customerID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	customer, err := c.api.Customers.Get(customerID, &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch customer %s: %w", customerID, err)
	}

	return customer.Email, nil
}
