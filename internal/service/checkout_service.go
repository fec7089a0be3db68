package service

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"billing-service/internal/models"
	"billing-service/internal/util"
)

// agreementTimezone is the fixed timezone agreement timestamps are recorded
// in, per the storefront's commerce-law disclosure requirements.
const agreementTimezone = "Asia/Tokyo"

// CheckoutStore is the slice of the identity store the checkout path uses.
type CheckoutStore interface {
	GetCustomerByEmail(ctx context.Context, email string) (*models.Customer, error)
	CreatePendingCustomer(ctx context.Context, customer *models.Customer, agreement *models.Agreement) error
}

// SessionCreator opens a provider-hosted checkout flow.
type SessionCreator interface {
	CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (string, error)
}

// CheckoutEventPublisher announces initiated checkouts downstream.
type CheckoutEventPublisher interface {
	PublishCheckoutInitiated(ctx context.Context, event *models.CheckoutInitiatedEvent) error
}

// CheckoutService validates a purchase request, persists the pending
// customer and agreement, and requests a checkout session. The durable write
// always precedes the provider call: a checkout session must never exist
// without a corresponding local record.
type CheckoutService struct {
	store     CheckoutStore
	sessions  SessionCreator
	catalog   *PlanCatalog
	publisher CheckoutEventPublisher
	signedLoc *time.Location
	logger    *zap.Logger
}

func NewCheckoutService(
	store CheckoutStore,
	sessions SessionCreator,
	catalog *PlanCatalog,
	publisher CheckoutEventPublisher,
) (*CheckoutService, error) {
	loc, err := time.LoadLocation(agreementTimezone)
	if err != nil {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("cannot load timezone %s: %v", agreementTimezone, err)}
	}

	return &CheckoutService{
		store:     store,
		sessions:  sessions,
		catalog:   catalog,
		publisher: publisher,
		signedLoc: loc,
		logger:    util.GetLogger(),
	}, nil
}

// CheckoutRequest is one purchase attempt as received at the API boundary.
type CheckoutRequest struct {
	PlanID           string `json:"plan_id"`
	Email            string `json:"email"`
	Name             string `json:"name"`
	AgreeTerms       bool   `json:"agree_terms"`
	AgreePrivacy     bool   `json:"agree_privacy"`
	AgreeCommerce    bool   `json:"agree_commerce"`
	AgreePublicOrder bool   `json:"agree_public_order"`
	AgreeNoRefund    bool   `json:"agree_no_refund"`

	SourceIP string `json:"-"`
}

// CheckoutResponse carries the provider redirect URL.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

// InitiateCheckout runs the full synchronous checkout path: validate,
// resolve-or-mint the tenant, durably write the pending record plus
// agreement, then ask the provider for a session.
func (cs *CheckoutService) InitiateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.InitiateCheckout")
	defer span.End()

	if err := validateCheckoutRequest(req); err != nil {
		util.CheckoutFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	plan, err := cs.catalog.Resolve(req.PlanID)
	if err != nil {
		util.CheckoutFailedTotal.WithLabelValues("plan").Inc()
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	tenantID := uuid.New().String()
	existing, err := cs.store.GetCustomerByEmail(ctx, email)
	if err != nil {
		util.CheckoutFailedTotal.WithLabelValues("db_error").Inc()
		return nil, &RecoverableError{Op: "lookup customer", Err: err}
	}
	if existing != nil {
		tenantID = existing.TenantID
	}

	customer := &models.Customer{
		Email:    email,
		TenantID: tenantID,
		PlanID:   plan.ID,
	}
	agreement := &models.Agreement{
		Email:            email,
		SignerName:       strings.TrimSpace(req.Name),
		SignedAt:         time.Now().In(cs.signedLoc),
		SourceIP:         req.SourceIP,
		PlanID:           plan.ID,
		AgreeTerms:       req.AgreeTerms,
		AgreePrivacy:     req.AgreePrivacy,
		AgreeCommerce:    req.AgreeCommerce,
		AgreePublicOrder: req.AgreePublicOrder,
		AgreeNoRefund:    req.AgreeNoRefund,
	}

	if err := cs.store.CreatePendingCustomer(ctx, customer, agreement); err != nil {
		util.CheckoutFailedTotal.WithLabelValues("db_error").Inc()
		return nil, &RecoverableError{Op: "persist pending customer", Err: err}
	}

	cs.logger.Info("Pending customer written",
		zap.String("email", email),
		zap.String("tenant_id", customer.TenantID),
		zap.String("plan_id", plan.ID))

	// Session creation is deliberately at-most-once: it is not idempotent on
	// the provider side and has no retry-without-duplication semantics.
	checkoutURL, err := cs.sessions.CreateCheckoutSession(ctx, CheckoutSessionInput{
		Email:    email,
		PriceRef: plan.PriceRef,
		PlanID:   plan.ID,
		TenantID: customer.TenantID,
	})
	if err != nil {
		util.CheckoutFailedTotal.WithLabelValues("provider").Inc()
		return nil, &RecoverableError{Op: "create checkout session", Err: err}
	}

	util.CheckoutSessionsCreatedTotal.Inc()

	event := &models.CheckoutInitiatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCheckoutInitiated,
			Timestamp: time.Now(),
		},
		TenantID: customer.TenantID,
		Email:    email,
		PlanID:   plan.ID,
	}
	if err := cs.publisher.PublishCheckoutInitiated(ctx, event); err != nil {
		cs.logger.Error("Failed to publish checkout event", zap.Error(err))
	}

	return &CheckoutResponse{CheckoutURL: checkoutURL}, nil
}

// validateCheckoutRequest fails closed: every consent flag must be
// explicitly true, and the first missing one is named in the error.
func validateCheckoutRequest(req *CheckoutRequest) error {
	if strings.TrimSpace(req.Email) == "" {
		return &ValidationError{Field: "email", Msg: "email is required"}
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(req.Email)); err != nil {
		return &ValidationError{Field: "email", Msg: "email is invalid"}
	}
	if strings.TrimSpace(req.Name) == "" {
		return &ValidationError{Field: "name", Msg: "name is required"}
	}
	if strings.TrimSpace(req.PlanID) == "" {
		return &ValidationError{Field: "plan_id", Msg: "plan_id is required"}
	}

	consents := []struct {
		agreed bool
		field  string
	}{
		{req.AgreeTerms, "agree_terms"},
		{req.AgreePrivacy, "agree_privacy"},
		{req.AgreeCommerce, "agree_commerce"},
		{req.AgreePublicOrder, "agree_public_order"},
		{req.AgreeNoRefund, "agree_no_refund"},
	}
	for _, c := range consents {
		if !c.agreed {
			return &ValidationError{Field: c.field, Msg: "consent is required"}
		}
	}

	return nil
}
