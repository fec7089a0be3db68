package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"billing-service/internal/models"
	"billing-service/internal/store"
	"billing-service/internal/util"
)

// CustomerStore is the slice of the identity store the reconciler writes
// through. The concrete implementation is store.Store; tests substitute an
// in-memory fake.
type CustomerStore interface {
	ResolveCustomer(ctx context.Context, externalID, email string) (*models.Customer, store.LookupMatch, error)
	UpsertReconciled(ctx context.Context, customer *models.Customer) (*models.Customer, bool, error)
}

// CustomerEmailFetcher looks up the email the payment provider holds for a
// customer reference, for events whose payload carries none.
type CustomerEmailFetcher interface {
	GetCustomerEmail(ctx context.Context, customerID string) (string, error)
}

// Notifier delivers best-effort courtesy notifications.
type Notifier interface {
	Notify(ctx context.Context, email, kind string) error
}

// SubscriptionEventPublisher announces reconciliation outcomes downstream.
type SubscriptionEventPublisher interface {
	PublishSubscriptionEvent(ctx context.Context, event *models.SubscriptionEvent) error
}

// ReconcileInput is one provider event normalized down to the facts the
// identity store cares about.
type ReconcileInput struct {
	ExternalCustomerID string
	Email              string // candidate email, may be empty
	SubscriptionStatus string
	PlanID             string // may be empty: keep the stored plan
	EventID            string
	EventTime          time.Time
}

// ReconcileService folds authoritative payment-provider events into the
// single customer record per email. Both the checkout path and every webhook
// delivery write through its upsert contract.
type ReconcileService struct {
	store     CustomerStore
	provider  CustomerEmailFetcher
	notifier  Notifier
	publisher SubscriptionEventPublisher
	logger    *zap.Logger
}

func NewReconcileService(
	store CustomerStore,
	provider CustomerEmailFetcher,
	notifier Notifier,
	publisher SubscriptionEventPublisher,
) *ReconcileService {
	return &ReconcileService{
		store:     store,
		provider:  provider,
		notifier:  notifier,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Reconcile resolves the event to exactly one customer row and applies it
// with a single atomic upsert.
//
// Identity resolution is a tagged two-step lookup: by external customer id
// first, then by candidate email. When neither matches, a fresh row is
// bootstrapped with a newly minted tenant id; an existing tenant id is never
// overwritten. Stale deliveries (older event timestamp than the stored row)
// degrade to no-ops and still count as success.
func (rs *ReconcileService) Reconcile(ctx context.Context, in ReconcileInput) error {
	ctx, span := util.StartSpan(ctx, "ReconcileService.Reconcile")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileLatency.Observe(time.Since(start).Seconds())
	}()

	if in.ExternalCustomerID == "" {
		util.ReconciliationsTotal.WithLabelValues("fatal").Inc()
		rs.logger.Error("Event has no customer reference, dropping",
			zap.String("event_id", in.EventID))
		return &FatalEventError{Msg: "event has no customer reference"}
	}

	email := in.Email
	if email == "" {
		fetched, err := rs.provider.GetCustomerEmail(ctx, in.ExternalCustomerID)
		if err != nil {
			util.ReconciliationsTotal.WithLabelValues("recoverable").Inc()
			return &RecoverableError{Op: "fetch customer email", Err: err}
		}
		email = fetched
	}

	existing, match, err := rs.store.ResolveCustomer(ctx, in.ExternalCustomerID, email)
	if err != nil {
		util.ReconciliationsTotal.WithLabelValues("recoverable").Inc()
		return &RecoverableError{Op: "resolve customer", Err: err}
	}

	target := models.Customer{
		Email:              email,
		TenantID:           uuid.New().String(),
		ExternalCustomerID: in.ExternalCustomerID,
		SubscriptionStatus: in.SubscriptionStatus,
		PlanID:             in.PlanID,
		LastEventAt:        in.EventTime,
	}

	if existing != nil {
		// The stored row is the target. Upserts are keyed on email, so the
		// row's own email wins over a possibly divergent candidate, and the
		// tenant identity is carried forward.
		target.Email = existing.Email
		target.TenantID = existing.TenantID
	}

	if target.Email == "" {
		util.ReconciliationsTotal.WithLabelValues("fatal").Inc()
		rs.logger.Error("Event resolves to no email, dropping",
			zap.String("event_id", in.EventID),
			zap.String("customer_ref", in.ExternalCustomerID))
		return &FatalEventError{Msg: "event resolves to no email"}
	}

	result, applied, err := rs.store.UpsertReconciled(ctx, &target)
	if err != nil {
		util.ReconciliationsTotal.WithLabelValues("recoverable").Inc()
		return &RecoverableError{Op: "upsert customer", Err: err}
	}

	if !applied {
		util.ReconciliationsTotal.WithLabelValues("stale").Inc()
		rs.logger.Info("Stale event ignored",
			zap.String("event_id", in.EventID),
			zap.String("email", result.Email),
			zap.Time("event_time", in.EventTime),
			zap.Time("last_event_at", result.LastEventAt))
		return nil
	}

	util.ReconciliationsTotal.WithLabelValues("applied").Inc()
	rs.logger.Info("Customer reconciled",
		zap.String("event_id", in.EventID),
		zap.String("email", result.Email),
		zap.String("tenant_id", result.TenantID),
		zap.String("status", result.SubscriptionStatus),
		zap.String("matched_by", match.String()))

	rs.publishOutcome(ctx, result, in.EventID)
	rs.notifyOutcome(ctx, existing, result)

	return nil
}

// publishOutcome announces the new state downstream. Best-effort: the
// durable write already happened.
func (rs *ReconcileService) publishOutcome(ctx context.Context, customer *models.Customer, providerEventID string) {
	var eventType string
	switch customer.SubscriptionStatus {
	case models.StatusActive:
		eventType = models.EventTypeSubscriptionActivated
	case models.StatusCanceled:
		eventType = models.EventTypeSubscriptionCanceled
	default:
		eventType = models.EventTypeSubscriptionUpdated
	}

	event := &models.SubscriptionEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		TenantID:           customer.TenantID,
		Email:              customer.Email,
		ExternalCustomerID: customer.ExternalCustomerID,
		SubscriptionStatus: customer.SubscriptionStatus,
		PlanID:             customer.PlanID,
		ProviderEventID:    providerEventID,
	}

	if err := rs.publisher.PublishSubscriptionEvent(ctx, event); err != nil {
		rs.logger.Error("Failed to publish subscription event", zap.Error(err))
	}
}

// notifyOutcome fires the courtesy message on a status transition.
// Notification failures never propagate: the state change already succeeded
// and must not be retried for the sake of a courtesy mail.
func (rs *ReconcileService) notifyOutcome(ctx context.Context, previous, current *models.Customer) {
	var kind string
	switch current.SubscriptionStatus {
	case models.StatusActive:
		if previous != nil && previous.SubscriptionStatus == models.StatusActive {
			return
		}
		kind = NotificationSubscriptionActivated
	case models.StatusCanceled:
		if previous == nil || previous.SubscriptionStatus == models.StatusCanceled {
			return
		}
		kind = NotificationSubscriptionCanceled
	default:
		return
	}

	if err := rs.notifier.Notify(ctx, current.Email, kind); err != nil {
		rs.logger.Error("Failed to send notification",
			zap.String("kind", kind),
			zap.String("email", current.Email),
			zap.Error(err))
	}
}
