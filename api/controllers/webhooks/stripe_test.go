package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
	"gorm.io/gorm"

	"github.com/angelmondragon/estimator-billing/internal/billing"
	"github.com/angelmondragon/estimator-billing/internal/customers"
	"github.com/angelmondragon/estimator-billing/internal/entitlements"
	"github.com/angelmondragon/estimator-billing/internal/ledger"
	"github.com/angelmondragon/estimator-billing/internal/orgs"
	"github.com/angelmondragon/estimator-billing/internal/reconciliation"
	"github.com/angelmondragon/estimator-billing/internal/reconciliation/reconciliationtest"
	"github.com/angelmondragon/estimator-billing/internal/subscriptions"
	"github.com/angelmondragon/estimator-billing/internal/testdb"
	stripewebhook "github.com/angelmondragon/estimator-billing/internal/webhooks/stripe"
	"github.com/angelmondragon/estimator-billing/pkg/db"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
	"github.com/angelmondragon/estimator-billing/pkg/enums"
	"github.com/angelmondragon/estimator-billing/pkg/metrics"
)

const testSecret = "whsec_test"

type webhookFixture struct {
	conn    *gorm.DB
	handler http.Handler
	router  *reconciliation.Router
	gateway *reconciliationtest.Gateway
	orgID   uuid.UUID
}

func newWebhookFixture(t *testing.T, secret string) *webhookFixture {
	t.Helper()
	conn := testdb.Open(t)
	client := db.FromGorm(conn)
	subsRepo := billing.NewRepository(conn)

	reconciler, err := subscriptions.NewReconciler(subscriptions.ReconcilerParams{
		Repo:              subsRepo,
		Resolver:          entitlements.NewResolverFromTiers([]string{"price_pro_monthly"}, []string{"price_elite_monthly"}),
		TransactionRunner: client,
	})
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	directory, err := customers.NewDirectory(customers.NewRepository(conn), nil)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	gateway := reconciliationtest.NewGateway()
	router, err := reconciliation.NewRouter(reconciliation.RouterParams{
		TransactionRunner: client,
		Orgs:              orgs.NewRepository(conn),
		Customers:         directory,
		Subscriptions:     subsRepo,
		Reconciler:        reconciler,
		Gateway:           gateway,
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(conn))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	svc, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Verifier: stripewebhook.NewVerifier(secret, time.Minute),
		Ledger:   ledgerSvc,
		Router:   router,
	})
	if err != nil {
		t.Fatalf("webhook service: %v", err)
	}

	return &webhookFixture{
		conn:    conn,
		handler: StripeWebhook(svc, metrics.NewBillingMetrics(prometheus.NewRegistry()), nil),
		router:  router,
		gateway: gateway,
		orgID:   testdb.SeedOrg(t, conn, "Acme Estimating").ID,
	}
}

func (f *webhookFixture) post(t *testing.T, payload []byte, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	if header != "" {
		req.Header.Set(signatureHeader, header)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *webhookFixture) subscription(t *testing.T) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	if err := f.conn.Where("org_id = ?", f.orgID).First(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	return &sub
}

func (f *webhookFixture) count(t *testing.T, table string) int64 {
	return testdb.Count(t, f.conn, table)
}

func sign(t *testing.T, body string) ([]byte, string) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func checkoutCompleted(eventID string, orgID uuid.UUID) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","mode":"subscription","subscription":"sub_1","customer":"cus_1","client_reference_id":%q,"metadata":{"org_id":%q}}}}`,
		eventID, orgID.String(), orgID.String())
}

func expectAck(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["ok"] != true {
		t.Fatalf("expected {\"ok\":true}, got %s", rec.Body.String())
	}
}

func TestStripeWebhook_CheckoutCompletedCreatesSubscription(t *testing.T) {
	f := newWebhookFixture(t, testSecret)
	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_1", "cus_1", "price_pro_monthly", stripe.SubscriptionStatusActive, uuid.Nil))

	payload, header := sign(t, checkoutCompleted("evt_1", f.orgID))
	expectAck(t, f.post(t, payload, header))

	sub := f.subscription(t)
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("expected status from fetched subscription, got %s", sub.Status)
	}
	if sub.PriceID == nil || *sub.PriceID != "price_pro_monthly" {
		t.Fatalf("unexpected price %v", sub.PriceID)
	}
	got := strings.Join(sub.Entitlements, ",")
	for _, want := range []string{entitlements.FeatureExportsPDF, entitlements.FeatureExportsCSV} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %s in entitlements %v", want, sub.Entitlements)
		}
	}
	if strings.Contains(got, entitlements.FeatureAssembliesAdvanced) {
		t.Fatalf("pro must not include %s", entitlements.FeatureAssembliesAdvanced)
	}
	if f.count(t, "billing_customers") != 1 {
		t.Fatalf("expected billing customer row")
	}
}

func TestStripeWebhook_DuplicateDeliveryIsNoop(t *testing.T) {
	f := newWebhookFixture(t, testSecret)
	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_1", "cus_1", "price_pro_monthly", stripe.SubscriptionStatusActive, uuid.Nil))

	payload, header := sign(t, checkoutCompleted("evt_dup", f.orgID))
	expectAck(t, f.post(t, payload, header))
	before := f.subscription(t)

	// The provider state moves, but a redelivered event must not re-apply.
	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_1", "cus_1", "price_elite_monthly", stripe.SubscriptionStatusActive, uuid.Nil))
	expectAck(t, f.post(t, payload, header))

	after := f.subscription(t)
	if f.count(t, "billing_event_logs") != 1 {
		t.Fatalf("expected one ledger row, got %d", f.count(t, "billing_event_logs"))
	}
	if *after.PriceID != *before.PriceID || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("duplicate delivery changed the subscription")
	}
	if calls := f.gateway.Calls(); len(calls) != 1 {
		t.Fatalf("expected one provider fetch, got %v", calls)
	}
}

func TestStripeWebhook_InvalidSignature(t *testing.T) {
	f := newWebhookFixture(t, testSecret)
	payload, _ := sign(t, checkoutCompleted("evt_forged", f.orgID))

	for name, header := range map[string]string{
		"missing header": "",
		"bad signature":  fmt.Sprintf("t=%d,v1=%s", time.Now().Unix(), strings.Repeat("0", 64)),
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.post(t, payload, header)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), `"invalid_signature"`) {
				t.Fatalf("unexpected body %s", rec.Body.String())
			}
		})
	}
	if f.count(t, "billing_event_logs") != 0 {
		t.Fatalf("invalid signatures must not be ledgered")
	}
}

func TestStripeWebhook_MissingEventID(t *testing.T) {
	f := newWebhookFixture(t, testSecret)
	payload, header := sign(t, `{"object":"event","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)

	rec := f.post(t, payload, header)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"malformed_event"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if f.count(t, "billing_event_logs") != 0 {
		t.Fatalf("expected zero ledger rows")
	}
}

func TestStripeWebhook_MissingSecretIs500(t *testing.T) {
	f := newWebhookFixture(t, "")
	payload, header := sign(t, checkoutCompleted("evt_cfg", f.orgID))

	rec := f.post(t, payload, header)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "webhook_secret_missing") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestStripeWebhook_PaymentFailedMovesToPastDue(t *testing.T) {
	f := newWebhookFixture(t, testSecret)
	active := reconciliationtest.Subscription("sub_1", "cus_1", "price_pro_monthly", stripe.SubscriptionStatusActive, uuid.Nil)
	active.CancelAtPeriodEnd = true
	active.CancelAt = time.Now().Add(30 * 24 * time.Hour).Unix()
	f.gateway.PutSubscription(active)

	payload, header := sign(t, checkoutCompleted("evt_co", f.orgID))
	expectAck(t, f.post(t, payload, header))
	before := f.subscription(t)

	pastDue := *active
	pastDue.Status = stripe.SubscriptionStatusPastDue
	f.gateway.PutSubscription(&pastDue)

	payload, header = sign(t, `{"id":"evt_pf","object":"event","type":"invoice.payment_failed","data":{"object":{"id":"in_1","object":"invoice","customer":"cus_1","subscription":"sub_1"}}}`)
	expectAck(t, f.post(t, payload, header))

	after := f.subscription(t)
	if after.Status != enums.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due, got %s", after.Status)
	}
	if strings.Join(after.Entitlements, ",") != strings.Join(before.Entitlements, ",") {
		t.Fatalf("entitlements should be unchanged: %v vs %v", before.Entitlements, after.Entitlements)
	}
	if after.CancelAtPeriodEnd != before.CancelAtPeriodEnd {
		t.Fatalf("cancel_at_period_end changed")
	}
	if (after.CancelAt == nil) != (before.CancelAt == nil) || (after.CancelAt != nil && !after.CancelAt.Equal(*before.CancelAt)) {
		t.Fatalf("cancel_at changed")
	}
}

func TestStripeWebhook_HandlerFailureStillAcknowledged(t *testing.T) {
	f := newWebhookFixture(t, testSecret)
	// sub_1 is unknown to the gateway, so the fetch fails after ledgering.
	payload, header := sign(t, checkoutCompleted("evt_fail", f.orgID))
	expectAck(t, f.post(t, payload, header))

	var entry models.BillingEventLog
	if err := f.conn.Where("external_event_id = ?", "evt_fail").First(&entry).Error; err != nil {
		t.Fatalf("load ledger row: %v", err)
	}
	if entry.Notes == nil || !strings.HasPrefix(*entry.Notes, "handler_error:") {
		t.Fatalf("expected handler note, got %v", entry.Notes)
	}
	if entry.ProcessedAt != nil {
		t.Fatalf("failed row must not be marked processed")
	}
	if f.count(t, "subscriptions") != 0 {
		t.Fatalf("no subscription expected")
	}
}

func TestStripeWebhook_UnknownEventAcknowledged(t *testing.T) {
	f := newWebhookFixture(t, testSecret)
	payload, header := sign(t, `{"id":"evt_unknown","object":"event","type":"product.created","data":{"object":{"id":"prod_1"}}}`)
	expectAck(t, f.post(t, payload, header))
	if f.count(t, "billing_event_logs") != 1 || f.count(t, "subscriptions") != 0 {
		t.Fatalf("unknown events are ledgered and otherwise ignored")
	}
}

func TestStripeWebhook_ConcurrentWithRedirectKeepsOneRow(t *testing.T) {
	f := newWebhookFixture(t, testSecret)
	f.gateway.PutSession(reconciliationtest.CheckoutSession("cs_1", "sub_1", "cus_1", f.orgID))
	f.gateway.PutSubscription(reconciliationtest.Subscription("sub_1", "cus_1", "price_pro_monthly", stripe.SubscriptionStatusActive, f.orgID))

	payload, header := sign(t, checkoutCompleted("evt_race", f.orgID))

	var wg sync.WaitGroup
	codes := make(chan int, 3)
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			codes <- f.post(t, payload, header).Code
		}()
		go func() {
			defer wg.Done()
			_, err := f.router.CompleteCheckout(context.Background(), "cs_1", f.orgID)
			errs <- err
		}()
	}
	wg.Wait()
	close(codes)
	close(errs)

	for code := range codes {
		if code != http.StatusOK {
			t.Fatalf("expected 200 from webhook, got %d", code)
		}
	}
	for err := range errs {
		if err != nil {
			t.Fatalf("redirect reconcile failed: %v", err)
		}
	}
	if f.count(t, "subscriptions") != 1 {
		t.Fatalf("expected exactly one subscription row, got %d", f.count(t, "subscriptions"))
	}
	if f.count(t, "billing_event_logs") != 1 {
		t.Fatalf("expected exactly one ledger row")
	}
}

func TestStripeWebhook_BodyTooLarge(t *testing.T) {
	f := newWebhookFixture(t, testSecret)
	rec := f.post(t, bytes.Repeat([]byte("a"), MaxBodyBytes+1), "t=1,v1=x")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
