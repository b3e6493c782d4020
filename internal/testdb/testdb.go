// Package testdb opens isolated in-memory sqlite databases carrying the billing
// schema, for repository and end-to-end tests.
package testdb

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/estimator-billing/pkg/db"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS orgs (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME
);
CREATE TABLE IF NOT EXISTS billing_customers (
  id TEXT PRIMARY KEY,
  org_id TEXT UNIQUE,
  external_customer_id TEXT NOT NULL UNIQUE,
  billing_email TEXT,
  default_payment_method TEXT,
  billing_address TEXT,
  tax_ids TEXT,
  created_at DATETIME,
  updated_at DATETIME
);
CREATE TABLE IF NOT EXISTS subscriptions (
  id TEXT PRIMARY KEY,
  org_id TEXT NOT NULL UNIQUE,
  external_subscription_id TEXT NOT NULL UNIQUE,
  product_id TEXT,
  price_id TEXT,
  status TEXT NOT NULL,
  cancel_at DATETIME,
  cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
  current_period_end DATETIME,
  quantity INTEGER NOT NULL DEFAULT 1 CHECK (quantity >= 1),
  entitlements TEXT NOT NULL DEFAULT '[]',
  created_at DATETIME,
  updated_at DATETIME
);
CREATE TABLE IF NOT EXISTS billing_event_logs (
  id TEXT PRIMARY KEY,
  external_event_id TEXT NOT NULL UNIQUE,
  event_type TEXT NOT NULL,
  signature_valid INTEGER NOT NULL,
  org_ref TEXT,
  raw_payload TEXT NOT NULL,
  retries INTEGER NOT NULL DEFAULT 0,
  notes TEXT,
  processed_at DATETIME,
  created_at DATETIME
);`

// Open returns a fresh database. A single connection serializes concurrent
// writers the way row locks do on Postgres.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.Exec(schema).Error)
	return conn
}

// Client wraps Open in the pkg/db client so tests can use WithTx.
func Client(t testing.TB) *db.Client {
	t.Helper()
	return db.FromGorm(Open(t))
}

// SeedOrg inserts an active org and returns it.
func SeedOrg(t testing.TB, conn *gorm.DB, name string) *models.Org {
	t.Helper()
	org := &models.Org{Name: name, Active: true}
	require.NoError(t, conn.WithContext(context.Background()).Create(org).Error)
	return org
}

// Count returns the number of rows in table.
func Count(t testing.TB, conn *gorm.DB, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Table(table).Count(&n).Error)
	return n
}
