package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"billing-service/internal/models"
	"billing-service/internal/store"
)

// fakeStore mimics the identity store's upsert semantics in memory: keyed by
// email, atomic under one mutex, tenant id immutable once set, event
// timestamp guard on the reconcile path.
type fakeStore struct {
	mu        sync.Mutex
	customers map[string]*models.Customer
	agreement map[string]*models.Agreement

	failResolve bool
	failUpsert  bool
	failLookup  bool
	failCreate  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		customers: make(map[string]*models.Customer),
		agreement: make(map[string]*models.Agreement),
	}
}

func (f *fakeStore) get(email string) *models.Customer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.customers[email]; ok {
		copied := *c
		return &copied
	}
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.customers)
}

func (f *fakeStore) GetCustomerByEmail(ctx context.Context, email string) (*models.Customer, error) {
	if f.failLookup {
		return nil, errors.New("store down")
	}
	return f.get(email), nil
}

func (f *fakeStore) ResolveCustomer(ctx context.Context, externalID, email string) (*models.Customer, store.LookupMatch, error) {
	if f.failResolve {
		return nil, store.MatchNone, errors.New("store down")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if externalID != "" {
		for _, c := range f.customers {
			if c.ExternalCustomerID == externalID {
				copied := *c
				return &copied, store.MatchExternalID, nil
			}
		}
	}
	if email != "" {
		if c, ok := f.customers[email]; ok {
			copied := *c
			return &copied, store.MatchEmail, nil
		}
	}
	return nil, store.MatchNone, nil
}

func (f *fakeStore) CreatePendingCustomer(ctx context.Context, customer *models.Customer, agreement *models.Agreement) error {
	if f.failCreate {
		return errors.New("store down")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	if existing, ok := f.customers[customer.Email]; ok {
		existing.SubscriptionStatus = models.StatusPending
		existing.PlanID = customer.PlanID
		existing.LastEventAt = now
		existing.UpdatedAt = now
		*customer = *existing
	} else {
		customer.SubscriptionStatus = models.StatusPending
		customer.LastEventAt = now
		customer.UpdatedAt = now
		copied := *customer
		f.customers[customer.Email] = &copied
	}

	agreementCopy := *agreement
	f.agreement[agreement.Email] = &agreementCopy
	return nil
}

func (f *fakeStore) UpsertReconciled(ctx context.Context, customer *models.Customer) (*models.Customer, bool, error) {
	if f.failUpsert {
		return nil, false, errors.New("store down")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.customers[customer.Email]
	if !ok {
		copied := *customer
		copied.UpdatedAt = time.Now()
		f.customers[customer.Email] = &copied
		result := copied
		return &result, true, nil
	}

	if existing.LastEventAt.After(customer.LastEventAt) {
		result := *existing
		return &result, false, nil
	}

	existing.ExternalCustomerID = customer.ExternalCustomerID
	existing.SubscriptionStatus = customer.SubscriptionStatus
	if customer.PlanID != "" {
		existing.PlanID = customer.PlanID
	}
	existing.LastEventAt = customer.LastEventAt
	existing.UpdatedAt = time.Now()
	result := *existing
	return &result, true, nil
}

type fakeEmailFetcher struct {
	email string
	err   error
	calls int
}

func (f *fakeEmailFetcher) GetCustomerEmail(ctx context.Context, customerID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.email, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	err   error
	sent  []string
	kinds []string
}

func (f *fakeNotifier) Notify(ctx context.Context, email, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, email)
	f.kinds = append(f.kinds, kind)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	subEvents []*models.SubscriptionEvent
	checkouts []*models.CheckoutInitiatedEvent
}

func (f *fakePublisher) PublishSubscriptionEvent(ctx context.Context, event *models.SubscriptionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subEvents = append(f.subEvents, event)
	return nil
}

func (f *fakePublisher) PublishCheckoutInitiated(ctx context.Context, event *models.CheckoutInitiatedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.checkouts = append(f.checkouts, event)
	return nil
}

type fakeSessionCreator struct {
	url   string
	err   error
	calls int
	last  CheckoutSessionInput
}

func (f *fakeSessionCreator) CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (string, error) {
	f.calls++
	f.last = in
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}
