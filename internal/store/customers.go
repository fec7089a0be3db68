package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"billing-service/internal/models"
)

// LookupMatch tags how a customer row was resolved. The two lookup keys are
// queried explicitly, in order, instead of a single OR filter so that the
// branch taken is visible to callers and tests.
type LookupMatch int

const (
	MatchNone LookupMatch = iota
	MatchExternalID
	MatchEmail
)

func (m LookupMatch) String() string {
	switch m {
	case MatchExternalID:
		return "external_id"
	case MatchEmail:
		return "email"
	default:
		return "none"
	}
}

const customerColumns = "email, external_customer_id, subscription_status, plan_id, tenant_id, last_event_at, updated_at"

// GetCustomerByEmail retrieves a customer by email. Returns (nil, nil) when
// no row exists.
func (s *Store) GetCustomerByEmail(ctx context.Context, email string) (*models.Customer, error) {
	var customer models.Customer
	err := s.db.GetContext(ctx, &customer,
		"SELECT "+customerColumns+" FROM customers WHERE email = $1", email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetCustomerByExternalID retrieves a customer by the payment provider's
// customer id. Returns (nil, nil) when no row exists.
func (s *Store) GetCustomerByExternalID(ctx context.Context, externalID string) (*models.Customer, error) {
	var customer models.Customer
	err := s.db.GetContext(ctx, &customer,
		"SELECT "+customerColumns+" FROM customers WHERE external_customer_id = $1", externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// ResolveCustomer locates the customer row for a provider customer id and a
// candidate email. The external id wins when both would match; once assigned
// it is authoritative for all lookups.
func (s *Store) ResolveCustomer(ctx context.Context, externalID, email string) (*models.Customer, LookupMatch, error) {
	if externalID != "" {
		customer, err := s.GetCustomerByExternalID(ctx, externalID)
		if err != nil {
			return nil, MatchNone, err
		}
		if customer != nil {
			return customer, MatchExternalID, nil
		}
	}

	if email != "" {
		customer, err := s.GetCustomerByEmail(ctx, email)
		if err != nil {
			return nil, MatchNone, err
		}
		if customer != nil {
			return customer, MatchEmail, nil
		}
	}

	return nil, MatchNone, nil
}

// CreatePendingCustomer writes the pending customer row and the full
// agreement record in one transaction. The customer upsert never touches an
// existing tenant_id; the agreement is fully overwritten with the fresh
// checkout attempt.
func (s *Store) CreatePendingCustomer(ctx context.Context, customer *models.Customer, agreement *models.Agreement) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, customer, `
		INSERT INTO customers (email, tenant_id, subscription_status, plan_id, last_event_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (email) DO UPDATE SET
			subscription_status = EXCLUDED.subscription_status,
			plan_id = EXCLUDED.plan_id,
			last_event_at = NOW(),
			updated_at = NOW()
		RETURNING `+customerColumns,
		customer.Email, customer.TenantID, models.StatusPending, customer.PlanID)
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agreements (email, signer_name, signed_at, source_ip, plan_id,
			agree_terms, agree_privacy, agree_commerce, agree_public_order, agree_no_refund)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (email) DO UPDATE SET
			signer_name = EXCLUDED.signer_name,
			signed_at = EXCLUDED.signed_at,
			source_ip = EXCLUDED.source_ip,
			plan_id = EXCLUDED.plan_id,
			agree_terms = EXCLUDED.agree_terms,
			agree_privacy = EXCLUDED.agree_privacy,
			agree_commerce = EXCLUDED.agree_commerce,
			agree_public_order = EXCLUDED.agree_public_order,
			agree_no_refund = EXCLUDED.agree_no_refund`,
		agreement.Email, agreement.SignerName, agreement.SignedAt, agreement.SourceIP, agreement.PlanID,
		agreement.AgreeTerms, agreement.AgreePrivacy, agreement.AgreeCommerce,
		agreement.AgreePublicOrder, agreement.AgreeNoRefund)
	if err != nil {
		return fmt.Errorf("failed to upsert agreement: %w", err)
	}

	return tx.Commit()
}

// UpsertReconciled folds an authoritative provider event into the customer
// row with a single atomic statement keyed on email. The conflict branch
// never overwrites tenant_id and only applies when the incoming event is not
// older than the last applied one, so duplicate and out-of-order deliveries
// degrade to no-ops. An empty plan id keeps the stored plan.
//
// Returns the row as it exists after the statement and whether the event was
// applied.
func (s *Store) UpsertReconciled(ctx context.Context, customer *models.Customer) (*models.Customer, bool, error) {
	var result models.Customer
	err := s.db.GetContext(ctx, &result, `
		INSERT INTO customers (email, tenant_id, external_customer_id, subscription_status, plan_id, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO UPDATE SET
			external_customer_id = EXCLUDED.external_customer_id,
			subscription_status = EXCLUDED.subscription_status,
			plan_id = CASE WHEN EXCLUDED.plan_id <> '' THEN EXCLUDED.plan_id ELSE customers.plan_id END,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = NOW()
		WHERE customers.last_event_at <= EXCLUDED.last_event_at
		RETURNING `+customerColumns,
		customer.Email, customer.TenantID, customer.ExternalCustomerID,
		customer.SubscriptionStatus, customer.PlanID, customer.LastEventAt)

	if errors.Is(err, sql.ErrNoRows) {
		// Stale event: the guard suppressed the update. Surface the row
		// that won so callers still see the current tenant identity.
		existing, getErr := s.GetCustomerByEmail(ctx, customer.Email)
		if getErr != nil {
			return nil, false, getErr
		}
		if existing == nil {
			return nil, false, fmt.Errorf("customer vanished during upsert: %s", customer.Email)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return &result, true, nil
}

// GetAgreementByEmail retrieves the agreement record for an email. Returns
// (nil, nil) when no row exists.
func (s *Store) GetAgreementByEmail(ctx context.Context, email string) (*models.Agreement, error) {
	var agreement models.Agreement
	err := s.db.GetContext(ctx, &agreement,
		"SELECT * FROM agreements WHERE email = $1", email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agreement, nil
}
