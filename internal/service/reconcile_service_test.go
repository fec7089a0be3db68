package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-service/internal/models"
)

func newTestReconciler(st *fakeStore) (*ReconcileService, *fakeEmailFetcher, *fakeNotifier, *fakePublisher) {
	fetcher := &fakeEmailFetcher{email: "fetched@example.com"}
	notifier := &fakeNotifier{}
	publisher := &fakePublisher{}
	return NewReconcileService(st, fetcher, notifier, publisher), fetcher, notifier, publisher
}

func activationInput(ref, email string, at time.Time) ReconcileInput {
	return ReconcileInput{
		ExternalCustomerID: ref,
		Email:              email,
		SubscriptionStatus: models.StatusActive,
		PlanID:             "standard",
		EventID:            "evt_1",
		EventTime:          at,
	}
}

func TestReconcileIdempotent(t *testing.T) {
	st := newFakeStore()
	rs, _, _, _ := newTestReconciler(st)
	ctx := context.Background()

	in := activationInput("cus_123", "new@example.com", time.Now())

	require.NoError(t, rs.Reconcile(ctx, in))
	first := st.get("new@example.com")
	require.NotNil(t, first)

	require.NoError(t, rs.Reconcile(ctx, in))
	second := st.get("new@example.com")
	require.NotNil(t, second)

	assert.Equal(t, first.TenantID, second.TenantID)
	assert.Equal(t, first.ExternalCustomerID, second.ExternalCustomerID)
	assert.Equal(t, first.SubscriptionStatus, second.SubscriptionStatus)
	assert.Equal(t, first.PlanID, second.PlanID)
	assert.Equal(t, first.LastEventAt, second.LastEventAt)
	assert.Equal(t, 1, st.count())
}

func TestReconcileTenantStability(t *testing.T) {
	st := newFakeStore()
	rs, _, _, _ := newTestReconciler(st)
	ctx := context.Background()

	// Checkout writes the pending row first.
	pending := &models.Customer{Email: "new@example.com", TenantID: "tenant-1", PlanID: "standard"}
	require.NoError(t, st.CreatePendingCustomer(ctx, pending, &models.Agreement{Email: "new@example.com"}))

	base := time.Now()
	events := []ReconcileInput{
		activationInput("cus_123", "new@example.com", base.Add(time.Second)),
		{ExternalCustomerID: "cus_123", SubscriptionStatus: models.StatusPastDue, EventID: "evt_2", EventTime: base.Add(2 * time.Second)},
		{ExternalCustomerID: "cus_123", SubscriptionStatus: models.StatusActive, EventID: "evt_3", EventTime: base.Add(3 * time.Second)},
		{ExternalCustomerID: "cus_123", SubscriptionStatus: models.StatusCanceled, EventID: "evt_4", EventTime: base.Add(4 * time.Second)},
	}

	for _, in := range events {
		require.NoError(t, rs.Reconcile(ctx, in))
		row := st.get("new@example.com")
		require.NotNil(t, row)
		assert.Equal(t, "tenant-1", row.TenantID)
	}

	final := st.get("new@example.com")
	assert.Equal(t, models.StatusCanceled, final.SubscriptionStatus)
	assert.Equal(t, 1, st.count())
}

func TestReconcileNoDuplicateTenants(t *testing.T) {
	st := newFakeStore()
	rs, _, _, _ := newTestReconciler(st)
	ctx := context.Background()

	at := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rs.Reconcile(ctx, activationInput("cus_race", "race@example.com", at))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, st.count())
	row := st.get("race@example.com")
	require.NotNil(t, row)
	assert.NotEmpty(t, row.TenantID)
}

func TestReconcileMissingCustomerRefIsFatal(t *testing.T) {
	st := newFakeStore()
	rs, fetcher, _, publisher := newTestReconciler(st)

	err := rs.Reconcile(context.Background(), ReconcileInput{
		Email:              "new@example.com",
		SubscriptionStatus: models.StatusActive,
		EventTime:          time.Now(),
	})

	var fatal *FatalEventError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 0, st.count())
	assert.Equal(t, 0, fetcher.calls)
	assert.Empty(t, publisher.subEvents)
}

func TestReconcileLazyBootstrapOnCancel(t *testing.T) {
	st := newFakeStore()
	rs, _, _, _ := newTestReconciler(st)

	err := rs.Reconcile(context.Background(), ReconcileInput{
		ExternalCustomerID: "cus_unseen",
		Email:              "stranger@example.com",
		SubscriptionStatus: models.StatusCanceled,
		EventID:            "evt_cancel",
		EventTime:          time.Now(),
	})
	require.NoError(t, err)

	row := st.get("stranger@example.com")
	require.NotNil(t, row)
	assert.Equal(t, models.StatusCanceled, row.SubscriptionStatus)
	assert.NotEmpty(t, row.TenantID)
	assert.Equal(t, "cus_unseen", row.ExternalCustomerID)
}

func TestReconcileFetchesEmailWhenPayloadHasNone(t *testing.T) {
	st := newFakeStore()
	rs, fetcher, _, _ := newTestReconciler(st)
	fetcher.email = "looked-up@example.com"

	err := rs.Reconcile(context.Background(), ReconcileInput{
		ExternalCustomerID: "cus_123",
		SubscriptionStatus: models.StatusActive,
		EventTime:          time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.calls)
	assert.NotNil(t, st.get("looked-up@example.com"))
}

func TestReconcileProviderLookupFailureIsRecoverable(t *testing.T) {
	st := newFakeStore()
	rs, fetcher, _, _ := newTestReconciler(st)
	fetcher.err = errors.New("provider timeout")

	err := rs.Reconcile(context.Background(), ReconcileInput{
		ExternalCustomerID: "cus_123",
		SubscriptionStatus: models.StatusActive,
		EventTime:          time.Now(),
	})

	var recoverable *RecoverableError
	require.ErrorAs(t, err, &recoverable)
	// A provider timeout must never fall back to creating a tenant.
	assert.Equal(t, 0, st.count())
}

func TestReconcileStoreFailureIsRecoverable(t *testing.T) {
	st := newFakeStore()
	st.failUpsert = true
	rs, _, _, _ := newTestReconciler(st)

	err := rs.Reconcile(context.Background(), activationInput("cus_123", "new@example.com", time.Now()))

	var recoverable *RecoverableError
	require.ErrorAs(t, err, &recoverable)
}

func TestReconcileStaleEventIgnored(t *testing.T) {
	st := newFakeStore()
	rs, _, _, _ := newTestReconciler(st)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, rs.Reconcile(ctx, activationInput("cus_123", "new@example.com", now)))

	stale := ReconcileInput{
		ExternalCustomerID: "cus_123",
		SubscriptionStatus: models.StatusCanceled,
		EventID:            "evt_old",
		EventTime:          now.Add(-time.Hour),
	}
	require.NoError(t, rs.Reconcile(ctx, stale))

	row := st.get("new@example.com")
	assert.Equal(t, models.StatusActive, row.SubscriptionStatus)
}

func TestReconcileExternalIDWinsOverEmail(t *testing.T) {
	st := newFakeStore()
	rs, _, _, _ := newTestReconciler(st)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, rs.Reconcile(ctx, activationInput("cus_123", "original@example.com", now)))
	original := st.get("original@example.com")

	// A later event for the same provider customer carries a different
	// email; the row found by external id keeps its identity.
	err := rs.Reconcile(ctx, ReconcileInput{
		ExternalCustomerID: "cus_123",
		Email:              "changed@example.com",
		SubscriptionStatus: models.StatusPastDue,
		EventID:            "evt_2",
		EventTime:          now.Add(time.Minute),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, st.count())
	row := st.get("original@example.com")
	require.NotNil(t, row)
	assert.Equal(t, original.TenantID, row.TenantID)
	assert.Equal(t, models.StatusPastDue, row.SubscriptionStatus)
}

func TestReconcileNotifierFailureIsSwallowed(t *testing.T) {
	st := newFakeStore()
	rs, _, notifier, _ := newTestReconciler(st)
	notifier.err = errors.New("mail transport down")

	err := rs.Reconcile(context.Background(), activationInput("cus_123", "new@example.com", time.Now()))

	require.NoError(t, err)
	row := st.get("new@example.com")
	require.NotNil(t, row)
	assert.Equal(t, models.StatusActive, row.SubscriptionStatus)
}

func TestReconcileNotifiesOnTransitionsOnly(t *testing.T) {
	st := newFakeStore()
	rs, _, notifier, _ := newTestReconciler(st)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, rs.Reconcile(ctx, activationInput("cus_123", "new@example.com", now)))
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, NotificationSubscriptionActivated, notifier.kinds[0])

	// A repeat active event for an already-active customer stays quiet.
	repeat := activationInput("cus_123", "new@example.com", now.Add(time.Minute))
	repeat.EventID = "evt_2"
	require.NoError(t, rs.Reconcile(ctx, repeat))
	assert.Len(t, notifier.sent, 1)

	// Cancellation of an active subscription sends the cancellation notice.
	require.NoError(t, rs.Reconcile(ctx, ReconcileInput{
		ExternalCustomerID: "cus_123",
		SubscriptionStatus: models.StatusCanceled,
		EventID:            "evt_3",
		EventTime:          now.Add(2 * time.Minute),
	}))
	require.Len(t, notifier.sent, 2)
	assert.Equal(t, NotificationSubscriptionCanceled, notifier.kinds[1])

	// A past-due transition is not a notification trigger.
	require.NoError(t, rs.Reconcile(ctx, ReconcileInput{
		ExternalCustomerID: "cus_123",
		SubscriptionStatus: models.StatusPastDue,
		EventID:            "evt_4",
		EventTime:          now.Add(3 * time.Minute),
	}))
	assert.Len(t, notifier.sent, 2)
}

func TestReconcileCancelOfUnknownCustomerStaysQuiet(t *testing.T) {
	st := newFakeStore()
	rs, _, notifier, _ := newTestReconciler(st)

	require.NoError(t, rs.Reconcile(context.Background(), ReconcileInput{
		ExternalCustomerID: "cus_unseen",
		Email:              "stranger@example.com",
		SubscriptionStatus: models.StatusCanceled,
		EventID:            "evt_cancel",
		EventTime:          time.Now(),
	}))
	assert.Empty(t, notifier.sent)
}

func TestReconcilePublishesOutcome(t *testing.T) {
	st := newFakeStore()
	rs, _, _, publisher := newTestReconciler(st)

	require.NoError(t, rs.Reconcile(context.Background(), activationInput("cus_123", "new@example.com", time.Now())))

	require.Len(t, publisher.subEvents, 1)
	event := publisher.subEvents[0]
	assert.Equal(t, models.EventTypeSubscriptionActivated, event.EventType)
	assert.Equal(t, "new@example.com", event.Email)
	assert.Equal(t, "cus_123", event.ExternalCustomerID)
	assert.NotEmpty(t, event.TenantID)
}
