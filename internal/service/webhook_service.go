package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"
	"go.uber.org/zap"

	"billing-service/internal/models"
	"billing-service/internal/util"
)

// Handled Stripe event types; everything else is acknowledged and dropped.
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// Reconciler is the downstream the router hands verified events to.
type Reconciler interface {
	Reconcile(ctx context.Context, in ReconcileInput) error
}

// WebhookService authenticates raw provider callbacks and routes them by
// event type. Verification runs over the raw body bytes; parsing happens
// only after the signature checks out.
type WebhookService struct {
	secret     string
	reconciler Reconciler
	catalog    *PlanCatalog
	logger     *zap.Logger
}

func NewWebhookService(secret string, reconciler Reconciler, catalog *PlanCatalog) *WebhookService {
	return &WebhookService{
		secret:     secret,
		reconciler: reconciler,
		catalog:    catalog,
		logger:     util.GetLogger(),
	}
}

// HandleEvent verifies one delivery and dispatches it. The returned error is
// nil for handled and intentionally ignored events alike; an unrecognized
// type must never error, or the provider would retry it forever.
func (ws *WebhookService) HandleEvent(ctx context.Context, body []byte, signature string) error {
	ctx, span := util.StartSpan(ctx, "WebhookService.HandleEvent")
	defer span.End()

	if signature == "" {
		util.WebhookRejectedTotal.WithLabelValues("missing_signature").Inc()
		return &AuthenticationError{Err: ErrMissingSignature}
	}

	// ConstructEvent recomputes the HMAC over the raw bytes and compares it
	// in constant time before any JSON is parsed.
	event, err := webhook.ConstructEventWithOptions(body, signature, ws.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		util.WebhookRejectedTotal.WithLabelValues("bad_signature").Inc()
		return &AuthenticationError{Err: err}
	}

	util.WebhookEventsTotal.WithLabelValues(event.Type).Inc()
	ws.logger.Info("Webhook event received",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	switch event.Type {
	case eventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return &FatalEventError{Msg: "malformed checkout session payload"}
		}
		return ws.reconciler.Reconcile(ctx, ws.checkoutInput(&event, &session))

	case eventSubscriptionUpdated, eventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return &FatalEventError{Msg: "malformed subscription payload"}
		}
		return ws.reconciler.Reconcile(ctx, ws.subscriptionInput(&event, &sub))

	default:
		ws.logger.Info("Ignoring unhandled event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type))
		return nil
	}
}

func (ws *WebhookService) checkoutInput(event *stripe.Event, session *stripe.CheckoutSession) ReconcileInput {
	in := ReconcileInput{
		SubscriptionStatus: models.StatusActive,
		PlanID:             session.Metadata["plan_id"],
		EventID:            event.ID,
		EventTime:          time.Unix(event.Created, 0),
	}

	if session.Customer != nil {
		in.ExternalCustomerID = session.Customer.ID
	}

	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		in.Email = session.CustomerDetails.Email
	} else {
		in.Email = session.CustomerEmail
	}

	return in
}

func (ws *WebhookService) subscriptionInput(event *stripe.Event, sub *stripe.Subscription) ReconcileInput {
	in := ReconcileInput{
		SubscriptionStatus: ws.mapStatus(event.Type, sub.Status),
		PlanID:             sub.Metadata["plan_id"],
		EventID:            event.ID,
		EventTime:          time.Unix(event.Created, 0),
	}

	if sub.Customer != nil {
		in.ExternalCustomerID = sub.Customer.ID
	}

	if in.PlanID == "" && sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		in.PlanID = ws.catalog.PlanForPrice(sub.Items.Data[0].Price.ID)
	}

	return in
}

// mapStatus folds the provider's subscription statuses into the local enum.
func (ws *WebhookService) mapStatus(eventType string, status stripe.SubscriptionStatus) string {
	if eventType == eventSubscriptionDeleted {
		return models.StatusCanceled
	}

	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.StatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.StatusCanceled
	default:
		return models.StatusPending
	}
}
