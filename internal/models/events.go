package models

import "time"

// Event types published to the billing topic
const (
	EventTypeCheckoutInitiated     = "CHECKOUT_INITIATED"
	EventTypeSubscriptionActivated = "SUBSCRIPTION_ACTIVATED"
	EventTypeSubscriptionUpdated   = "SUBSCRIPTION_UPDATED"
	EventTypeSubscriptionCanceled  = "SUBSCRIPTION_CANCELED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckoutInitiatedEvent published when a checkout session is created
type CheckoutInitiatedEvent struct {
	BaseEvent
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	PlanID   string `json:"plan_id"`
}

// SubscriptionEvent published after a reconciliation write succeeds
type SubscriptionEvent struct {
	BaseEvent
	TenantID           string `json:"tenant_id"`
	Email              string `json:"email"`
	ExternalCustomerID string `json:"external_customer_id"`
	SubscriptionStatus string `json:"subscription_status"`
	PlanID             string `json:"plan_id,omitempty"`
	ProviderEventID    string `json:"provider_event_id,omitempty"`
}
