package models

import "time"

// Customer is the single source of truth for one paying (or prospective)
// customer, keyed by email. TenantID is the stable identity the rest of the
// platform uses and never changes once assigned.
type Customer struct {
	Email              string    `db:"email" json:"email"`
	ExternalCustomerID string    `db:"external_customer_id" json:"external_customer_id,omitempty"`
	SubscriptionStatus string    `db:"subscription_status" json:"subscription_status"`
	PlanID             string    `db:"plan_id" json:"plan_id,omitempty"`
	TenantID           string    `db:"tenant_id" json:"tenant_id"`
	LastEventAt        time.Time `db:"last_event_at" json:"last_event_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Agreement captures the legally significant facts of consent at checkout.
// It is only ever created or fully overwritten together with a fresh
// checkout attempt, never partially mutated.
type Agreement struct {
	Email            string    `db:"email" json:"email"`
	SignerName       string    `db:"signer_name" json:"signer_name"`
	SignedAt         time.Time `db:"signed_at" json:"signed_at"`
	SourceIP         string    `db:"source_ip" json:"source_ip"`
	PlanID           string    `db:"plan_id" json:"plan_id"`
	AgreeTerms       bool      `db:"agree_terms" json:"agree_terms"`
	AgreePrivacy     bool      `db:"agree_privacy" json:"agree_privacy"`
	AgreeCommerce    bool      `db:"agree_commerce" json:"agree_commerce"`
	AgreePublicOrder bool      `db:"agree_public_order" json:"agree_public_order"`
	AgreeNoRefund    bool      `db:"agree_no_refund" json:"agree_no_refund"`
}

// Subscription statuses
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// Plan is one entry of the product catalog, resolved from configuration.
type Plan struct {
	ID       string `json:"id"`
	PriceRef string `json:"price_ref"`
	Name     string `json:"name"`
}
