package subscriptions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/estimator-billing/internal/billing"
	"github.com/angelmondragon/estimator-billing/internal/entitlements"
	"github.com/angelmondragon/estimator-billing/internal/testdb"
	"github.com/angelmondragon/estimator-billing/pkg/db"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
	"github.com/angelmondragon/estimator-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
)

type reconcilerFixture struct {
	conn       *gorm.DB
	reconciler *Reconciler
	repo       billing.Repository
	orgID      uuid.UUID
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	conn := testdb.Open(t)
	repo := billing.NewRepository(conn)
	reconciler, err := NewReconciler(ReconcilerParams{
		Repo:              repo,
		Resolver:          entitlements.NewResolverFromTiers([]string{"price_pro_monthly"}, []string{"price_elite_monthly"}),
		TransactionRunner: db.FromGorm(conn),
	})
	require.NoError(t, err)
	return &reconcilerFixture{
		conn:       conn,
		reconciler: reconciler,
		repo:       repo,
		orgID:      testdb.SeedOrg(t, conn, "Acme").ID,
	}
}

func at(unix int64) *time.Time {
	t := time.Unix(unix, 0).UTC()
	return &t
}

func proSnapshot() Snapshot {
	return Snapshot{
		ExternalSubscriptionID: "sub_1",
		Status:                 enums.SubscriptionStatusActive,
		ProductID:              "prod_estimator",
		PriceID:                "price_pro_monthly",
		Quantity:               1,
		CurrentPeriodEnd:       at(1_900_000_000),
	}
}

func TestReconcile_CreatesRowWithEntitlements(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	res, err := f.reconciler.Reconcile(ctx, f.orgID, proSnapshot())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Changed)

	stored, err := f.repo.FindSubscriptionByOrg(ctx, f.orgID, false)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "price_pro_monthly", *stored.PriceID)
	assert.Contains(t, stored.Entitlements, entitlements.FeatureExportsPDF)
	assert.Contains(t, stored.Entitlements, entitlements.FeatureExportsCSV)
	assert.NotContains(t, stored.Entitlements, entitlements.FeatureAssembliesAdvanced)
	assert.True(t, stored.CurrentPeriodEnd.Equal(*at(1_900_000_000)))
}

func TestReconcile_IsIdempotent(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := f.reconciler.Reconcile(ctx, f.orgID, proSnapshot())
	require.NoError(t, err)
	first, err := f.repo.FindSubscriptionByOrg(ctx, f.orgID, false)
	require.NoError(t, err)

	res, err := f.reconciler.Reconcile(ctx, f.orgID, proSnapshot())
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.False(t, res.Changed)

	second, err := f.repo.FindSubscriptionByOrg(ctx, f.orgID, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
	assert.Equal(t, first.Entitlements, second.Entitlements)
	assert.Equal(t, int64(1), testdb.Count(t, f.conn, "subscriptions"))
}

func TestReconcile_UpgradeRecomputesEntitlements(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := f.reconciler.Reconcile(ctx, f.orgID, proSnapshot())
	require.NoError(t, err)

	upgraded := proSnapshot()
	upgraded.PriceID = "price_elite_monthly"
	upgraded.Quantity = 0
	res, err := f.reconciler.Reconcile(ctx, f.orgID, upgraded)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Contains(t, res.Subscription.Entitlements, entitlements.FeatureAssembliesAdvanced)
	assert.Equal(t, 1, res.Subscription.Quantity)

	downgraded := proSnapshot()
	downgraded.PriceID = "price_retired"
	res, err = f.reconciler.Reconcile(ctx, f.orgID, downgraded)
	require.NoError(t, err)
	assert.Empty(t, res.Subscription.Entitlements)
}

func TestReconcile_ReplacesRetiredSubscription(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	canceled := proSnapshot()
	canceled.Status = enums.SubscriptionStatusCanceled
	_, err := f.reconciler.Reconcile(ctx, f.orgID, canceled)
	require.NoError(t, err)

	next := proSnapshot()
	next.ExternalSubscriptionID = "sub_2"
	res, err := f.reconciler.Reconcile(ctx, f.orgID, next)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "sub_2", res.Subscription.ExternalSubscriptionID)
	assert.Equal(t, enums.SubscriptionStatusActive, res.Subscription.Status)
	assert.Equal(t, int64(1), testdb.Count(t, f.conn, "subscriptions"))
}

func TestReconcile_IgnoresRetiredSnapshotOfReplacedSubscription(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	live := proSnapshot()
	live.ExternalSubscriptionID = "sub_2"
	_, err := f.reconciler.Reconcile(ctx, f.orgID, live)
	require.NoError(t, err)

	late := proSnapshot()
	late.Status = enums.SubscriptionStatusCanceled
	res, err := f.reconciler.Reconcile(ctx, f.orgID, late)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	stored, err := f.repo.FindSubscriptionByOrg(ctx, f.orgID, false)
	require.NoError(t, err)
	assert.Equal(t, "sub_2", stored.ExternalSubscriptionID)
	assert.Equal(t, enums.SubscriptionStatusActive, stored.Status)
}

func TestReconcile_ConcurrentWritersShareOneRow(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.reconciler.Reconcile(ctx, f.orgID, proSnapshot())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), testdb.Count(t, f.conn, "subscriptions"))
}

func TestReconcile_RejectsForeignExternalSubscription(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	other := testdb.SeedOrg(t, f.conn, "Other").ID

	_, err := f.reconciler.Reconcile(ctx, f.orgID, proSnapshot())
	require.NoError(t, err)

	_, err = f.reconciler.Reconcile(ctx, other, proSnapshot())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
	assert.Equal(t, int64(1), testdb.Count(t, f.conn, "subscriptions"))
}

func TestReconcile_ValidatesInput(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := f.reconciler.Reconcile(ctx, uuid.Nil, proSnapshot())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	bad := proSnapshot()
	bad.Status = "paused"
	_, err = f.reconciler.Reconcile(ctx, f.orgID, bad)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	missing := proSnapshot()
	missing.ExternalSubscriptionID = " "
	_, err = f.reconciler.Reconcile(ctx, f.orgID, missing)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestMerge_PreservesPeriodEndAndCancellationIntent(t *testing.T) {
	current := models.Subscription{
		ExternalSubscriptionID: "sub_1",
		Status:                 enums.SubscriptionStatusActive,
		PriceID:                optional("price_pro_monthly"),
		Quantity:               1,
		CurrentPeriodEnd:       at(1_900_000_000),
		CancelAtPeriodEnd:      true,
		CancelAt:               at(1_900_000_000),
		Entitlements:           []string{"exports.pdf"},
	}

	canceled := Snapshot{
		ExternalSubscriptionID: "sub_1",
		Status:                 enums.SubscriptionStatusCanceled,
		PriceID:                "price_pro_monthly",
		Quantity:               1,
	}
	next, changed := merge(current, canceled, []string{"exports.pdf"})
	assert.True(t, changed)
	assert.Equal(t, enums.SubscriptionStatusCanceled, next.Status)
	assert.True(t, next.CancelAtPeriodEnd, "intent must survive a canceled snapshot")
	require.NotNil(t, next.CancelAt)
	require.NotNil(t, next.CurrentPeriodEnd, "period end must never revert to null")

	reactivated := canceled
	reactivated.Status = enums.SubscriptionStatusActive
	next, changed = merge(current, reactivated, []string{"exports.pdf"})
	assert.True(t, changed)
	assert.False(t, next.CancelAtPeriodEnd)
	assert.Nil(t, next.CancelAt)
	require.NotNil(t, next.CurrentPeriodEnd)
}

func TestMerge_NoChangeForIdenticalSnapshot(t *testing.T) {
	current := models.Subscription{
		ExternalSubscriptionID: "sub_1",
		Status:                 enums.SubscriptionStatusPastDue,
		PriceID:                optional("price_pro_monthly"),
		ProductID:              optional("prod_estimator"),
		Quantity:               3,
		CurrentPeriodEnd:       at(1_900_000_000),
		Entitlements:           []string{"a", "b"},
	}
	snap := Snapshot{
		ExternalSubscriptionID: "sub_1",
		Status:                 enums.SubscriptionStatusPastDue,
		PriceID:                "price_pro_monthly",
		ProductID:              "prod_estimator",
		Quantity:               3,
		CurrentPeriodEnd:       at(1_900_000_000),
	}
	_, changed := merge(current, snap, []string{"a", "b"})
	assert.False(t, changed)
}
