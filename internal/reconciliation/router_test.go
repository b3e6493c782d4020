package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/estimator-billing/internal/billing"
	"github.com/angelmondragon/estimator-billing/internal/customers"
	"github.com/angelmondragon/estimator-billing/internal/entitlements"
	"github.com/angelmondragon/estimator-billing/internal/orgs"
	"github.com/angelmondragon/estimator-billing/internal/reconciliation/reconciliationtest"
	"github.com/angelmondragon/estimator-billing/internal/subscriptions"
	"github.com/angelmondragon/estimator-billing/internal/testdb"
	"github.com/angelmondragon/estimator-billing/pkg/db"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
	"github.com/angelmondragon/estimator-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
)

type routerFixture struct {
	conn    *gorm.DB
	router  *Router
	gateway *reconciliationtest.Gateway
	subs    billing.Repository
	orgID   uuid.UUID
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	conn := testdb.Open(t)
	client := db.FromGorm(conn)
	subsRepo := billing.NewRepository(conn)
	reconciler, err := subscriptions.NewReconciler(subscriptions.ReconcilerParams{
		Repo:              subsRepo,
		Resolver:          entitlements.NewResolverFromTiers([]string{"price_pro_monthly"}, []string{"price_elite_monthly"}),
		TransactionRunner: client,
	})
	require.NoError(t, err)
	directory, err := customers.NewDirectory(customers.NewRepository(conn), nil)
	require.NoError(t, err)

	gateway := reconciliationtest.NewGateway()
	router, err := NewRouter(RouterParams{
		TransactionRunner: client,
		Orgs:              orgs.NewRepository(conn),
		Customers:         directory,
		Subscriptions:     subsRepo,
		Reconciler:        reconciler,
		Gateway:           gateway,
	})
	require.NoError(t, err)

	return &routerFixture{
		conn:    conn,
		router:  router,
		gateway: gateway,
		subs:    subsRepo,
		orgID:   testdb.SeedOrg(t, conn, "Acme").ID,
	}
}

func event(id string, typ stripe.EventType, object string) stripe.Event {
	return stripe.Event{
		ID:   id,
		Type: typ,
		Data: &stripe.EventData{Raw: json.RawMessage(object)},
	}
}

func (f *routerFixture) stored(t *testing.T) *models.Subscription {
	t.Helper()
	sub, err := f.subs.FindSubscriptionByOrg(context.Background(), f.orgID, false)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func TestHandleEvent_CheckoutCompletedFetchesThroughSession(t *testing.T) {
	f := newRouterFixture(t)
	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_1", "cus_1", "price_pro_monthly", stripe.SubscriptionStatusActive, uuid.Nil))

	raw := fmt.Sprintf(`{"id":"cs_1","object":"checkout.session","mode":"subscription","subscription":"sub_1","customer":"cus_1","client_reference_id":%q,"metadata":{"org_id":%q},"customer_details":{"email":"owner@acme.test"}}`,
		f.orgID.String(), f.orgID.String())
	res, err := f.router.HandleEvent(context.Background(), enums.ReconcileFlowWebhook, event("evt_1", stripe.EventTypeCheckoutSessionCompleted, raw))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, f.orgID, res.OrgID)
	assert.Equal(t, []string{"subscription:sub_1"}, f.gateway.Calls())

	sub := f.stored(t)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "price_pro_monthly", *sub.PriceID)
	assert.Contains(t, sub.Entitlements, entitlements.FeatureExportsPDF)
	assert.Contains(t, sub.Entitlements, entitlements.FeatureExportsCSV)
	assert.NotContains(t, sub.Entitlements, entitlements.FeatureAssembliesAdvanced)

	var customer models.BillingCustomer
	require.NoError(t, f.conn.Where("external_customer_id = ?", "cus_1").First(&customer).Error)
	require.NotNil(t, customer.OrgID)
	assert.Equal(t, f.orgID, *customer.OrgID)
	require.NotNil(t, customer.BillingEmail)
	assert.Equal(t, "owner@acme.test", *customer.BillingEmail)
}

func TestHandleEvent_CheckoutWithoutSubscriptionIsIgnored(t *testing.T) {
	f := newRouterFixture(t)
	raw := `{"id":"cs_pay","object":"checkout.session","mode":"payment","subscription":null}`
	res, err := f.router.HandleEvent(context.Background(), enums.ReconcileFlowWebhook, event("evt_2", stripe.EventTypeCheckoutSessionCompleted, raw))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Empty(t, f.gateway.Calls())
}

func TestHandleEvent_SubscriptionEventUsesCarriedObject(t *testing.T) {
	f := newRouterFixture(t)
	raw := fmt.Sprintf(`{"id":"sub_9","object":"subscription","status":"trialing","customer":"cus_9","cancel_at_period_end":true,
"metadata":{"org_id":%q},
"items":{"object":"list","data":[{"id":"si_1","quantity":3,"current_period_end":1900000000,"price":{"id":"price_elite_monthly","product":"prod_estimator"}}]}}`,
		f.orgID.String())

	res, err := f.router.HandleEvent(context.Background(), enums.ReconcileFlowWebhook, event("evt_3", stripe.EventTypeCustomerSubscriptionCreated, raw))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Empty(t, f.gateway.Calls())

	sub := f.stored(t)
	assert.Equal(t, enums.SubscriptionStatusTrialing, sub.Status)
	assert.Equal(t, 3, sub.Quantity)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Contains(t, sub.Entitlements, entitlements.FeatureAssembliesAdvanced)
}

func TestHandleEvent_InvoicePaymentFailedRefetchesSubscription(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	active := reconciliationtest.Subscription("sub_1", "cus_1", "price_pro_monthly", stripe.SubscriptionStatusActive, f.orgID)
	active.CancelAtPeriodEnd = true
	f.gateway.PutSubscription(active)
	_, err := f.router.ResyncSubscription(ctx, "sub_1")
	require.NoError(t, err)
	before := f.stored(t)

	pastDue := reconciliationtest.Subscription("sub_1", "cus_1", "price_pro_monthly", stripe.SubscriptionStatusPastDue, uuid.Nil)
	pastDue.CancelAtPeriodEnd = true
	f.gateway.PutSubscription(pastDue)

	raw := `{"id":"in_1","object":"invoice","customer":"cus_1","parent":{"subscription_details":{"subscription":"sub_1"}}}`
	res, err := f.router.HandleEvent(ctx, enums.ReconcileFlowWebhook, event("evt_4", stripe.EventTypeInvoicePaymentFailed, raw))
	require.NoError(t, err)
	assert.True(t, res.Changed)

	after := f.stored(t)
	assert.Equal(t, enums.SubscriptionStatusPastDue, after.Status)
	assert.Equal(t, before.Entitlements, after.Entitlements)
	assert.Equal(t, before.CancelAtPeriodEnd, after.CancelAtPeriodEnd)
	assert.Equal(t, before.ID, after.ID)
}

func TestHandleEvent_InvoiceWithoutSubscriptionIsIgnored(t *testing.T) {
	f := newRouterFixture(t)
	raw := `{"id":"in_2","object":"invoice","customer":"cus_1","subscription":null}`
	res, err := f.router.HandleEvent(context.Background(), enums.ReconcileFlowWebhook, event("evt_5", stripe.EventTypeInvoicePaid, raw))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}

func TestHandleEvent_UnknownTypeIsIgnored(t *testing.T) {
	f := newRouterFixture(t)
	res, err := f.router.HandleEvent(context.Background(), enums.ReconcileFlowWebhook, event("evt_6", "customer.created", `{"id":"cus_1"}`))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, int64(0), testdb.Count(t, f.conn, "subscriptions"))
}

func TestHandleEvent_UnresolvedOrg(t *testing.T) {
	f := newRouterFixture(t)
	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_x", "cus_x", "price_pro_monthly", stripe.SubscriptionStatusActive, uuid.Nil))

	raw := `{"id":"in_3","object":"invoice","customer":"cus_x","subscription":"sub_x"}`
	_, err := f.router.HandleEvent(context.Background(), enums.ReconcileFlowWebhook, event("evt_7", stripe.EventTypeInvoicePaid, raw))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
	assert.Equal(t, ErrOrgUnresolved, pkgerrors.As(err).Message())
}

func TestHandleEvent_ResolvesOrgFromCustomerRow(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	directory, err := customers.NewDirectory(customers.NewRepository(f.conn), nil)
	require.NoError(t, err)
	_, err = directory.Upsert(ctx, customers.UpsertInput{OrgID: f.orgID, ExternalCustomerID: "cus_known"})
	require.NoError(t, err)

	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_k", "cus_known", "price_pro_monthly", stripe.SubscriptionStatusActive, uuid.Nil))
	res, err := f.router.ResyncSubscription(ctx, "sub_k")
	require.NoError(t, err)
	assert.Equal(t, f.orgID, res.OrgID)
}

func TestHandleEvent_UnknownOrgIsRejected(t *testing.T) {
	f := newRouterFixture(t)
	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_g", "cus_g", "price_pro_monthly", stripe.SubscriptionStatusActive, uuid.New()))

	_, err := f.router.ResyncSubscription(context.Background(), "sub_g")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
	assert.Equal(t, int64(0), testdb.Count(t, f.conn, "billing_customers"))
}

func TestHandleEvent_GatewayFailureSurfaces(t *testing.T) {
	f := newRouterFixture(t)
	f.gateway.FailWith(pkgerrors.New(pkgerrors.CodeDependency, "stripe timeout"))

	raw := `{"id":"in_4","object":"invoice","subscription":"sub_1"}`
	_, err := f.router.HandleEvent(context.Background(), enums.ReconcileFlowWebhook, event("evt_8", stripe.EventTypeInvoicePaid, raw))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.CodeOf(err))
}

func TestCompleteCheckout(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.gateway.PutSession(reconciliationtest.CheckoutSession("cs_ok", "sub_1", "cus_1", f.orgID))
	f.gateway.PutSession(reconciliationtest.CheckoutSession("cs_open", "", "cus_1", f.orgID))
	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_1", "cus_1", "price_pro_monthly", stripe.SubscriptionStatusActive, f.orgID))

	t.Run("reconciles for the owning org", func(t *testing.T) {
		res, err := f.router.CompleteCheckout(ctx, "cs_ok", f.orgID)
		require.NoError(t, err)
		require.NotNil(t, res.Subscription)
		assert.Equal(t, "sub_1", res.Subscription.ExternalSubscriptionID)
	})

	t.Run("rejects another org", func(t *testing.T) {
		other := testdb.SeedOrg(t, f.conn, "Other")
		_, err := f.router.CompleteCheckout(ctx, "cs_ok", other.ID)
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeForbidden, pkgerrors.CodeOf(err))
	})

	t.Run("session without subscription", func(t *testing.T) {
		_, err := f.router.CompleteCheckout(ctx, "cs_open", f.orgID)
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.CodeOf(err))
	})

	t.Run("missing org context", func(t *testing.T) {
		_, err := f.router.CompleteCheckout(ctx, "cs_ok", uuid.Nil)
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeUnauthorized, pkgerrors.CodeOf(err))
	})

	assert.Equal(t, int64(1), testdb.Count(t, f.conn, "subscriptions"))
}

func TestCompleteCheckout_ResubscribeUnderNewCustomer(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	f.gateway.PutSession(reconciliationtest.CheckoutSession("cs_first", "sub_1", "cus_1", f.orgID))
	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_1", "cus_1", "price_pro_monthly", stripe.SubscriptionStatusCanceled, f.orgID))
	_, err := f.router.CompleteCheckout(ctx, "cs_first", f.orgID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusCanceled, f.stored(t).Status)

	f.gateway.PutSession(reconciliationtest.CheckoutSession("cs_second", "sub_2", "cus_2", f.orgID))
	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_2", "cus_2", "price_pro_monthly", stripe.SubscriptionStatusActive, f.orgID))
	res, err := f.router.CompleteCheckout(ctx, "cs_second", f.orgID)
	require.NoError(t, err)
	require.NotNil(t, res.Subscription)
	assert.Equal(t, "sub_2", res.Subscription.ExternalSubscriptionID)

	sub := f.stored(t)
	assert.Equal(t, "sub_2", sub.ExternalSubscriptionID)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	assert.NotEmpty(t, sub.Entitlements)

	var owner models.BillingCustomer
	require.NoError(t, f.conn.Where("org_id = ?", f.orgID).First(&owner).Error)
	assert.Equal(t, "cus_2", owner.ExternalCustomerID)
	assert.Equal(t, int64(2), testdb.Count(t, f.conn, "billing_customers"))
}

func TestHandleEvent_RetiredSubscriptionKeepsOrgCustomer(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_live", "cus_live", "price_pro_monthly", stripe.SubscriptionStatusActive, f.orgID))
	_, err := f.router.ResyncSubscription(ctx, "sub_live")
	require.NoError(t, err)

	raw := fmt.Sprintf(`{"id":"sub_old","object":"subscription","status":"canceled","customer":"cus_old","metadata":{"org_id":%q},
"items":{"object":"list","data":[{"id":"si_old","quantity":1,"price":{"id":"price_pro_monthly","product":"prod_estimator"}}]}}`,
		f.orgID.String())
	_, err = f.router.HandleEvent(ctx, enums.ReconcileFlowWebhook, event("evt_old", stripe.EventTypeCustomerSubscriptionDeleted, raw))
	require.NoError(t, err)

	sub := f.stored(t)
	assert.Equal(t, "sub_live", sub.ExternalSubscriptionID)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)

	var owner models.BillingCustomer
	require.NoError(t, f.conn.Where("org_id = ?", f.orgID).First(&owner).Error)
	assert.Equal(t, "cus_live", owner.ExternalCustomerID)
	assert.Equal(t, int64(1), testdb.Count(t, f.conn, "billing_customers"))
}

func TestWebhookAndRedirectRaceKeepsOneRow(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.gateway.PutSession(reconciliationtest.CheckoutSession("cs_race", "sub_r", "cus_r", f.orgID))
	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_r", "cus_r", "price_pro_monthly", stripe.SubscriptionStatusActive, f.orgID))

	raw := fmt.Sprintf(`{"id":"cs_race","object":"checkout.session","mode":"subscription","subscription":"sub_r","customer":"cus_r","metadata":{"org_id":%q}}`, f.orgID.String())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := f.router.HandleEvent(ctx, enums.ReconcileFlowWebhook, event(fmt.Sprintf("evt_race_%d", i), stripe.EventTypeCheckoutSessionCompleted, raw))
			errs <- err
		}(i)
		go func() {
			defer wg.Done()
			_, err := f.router.CompleteCheckout(ctx, "cs_race", f.orgID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), testdb.Count(t, f.conn, "subscriptions"))
	assert.Equal(t, int64(1), testdb.Count(t, f.conn, "billing_customers"))
}

func TestNewRouterRequiresCollaborators(t *testing.T) {
	_, err := NewRouter(RouterParams{})
	require.Error(t, err)
}
