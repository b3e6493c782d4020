package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type widget struct {
	ID   int    `gorm:"primaryKey"`
	Code string `gorm:"uniqueIndex"`
	Name string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(&widget{}))
	return conn
}

func TestBaseDB_BindsContext(t *testing.T) {
	db := newTestDB(t)
	base := NewBase(db)

	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "value")
	withCtx := base.DB(ctx)
	require.NotNil(t, withCtx.Statement)
	assert.Equal(t, ctx, withCtx.Statement.Context)

	assert.Same(t, db, base.DB(nil))
}

func TestFirstOrNil(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&widget{ID: 1, Code: "a", Name: "first"}).Error)

	found, err := FirstOrNil[widget](db.Where("code = ?", "a"))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "first", found.Name)

	missing, err := FirstOrNil[widget](db.Where("code = ?", "zzz"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInsertIfAbsent(t *testing.T) {
	db := newTestDB(t)

	inserted, err := InsertIfAbsent(db, &widget{ID: 1, Code: "a", Name: "first"}, "code")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = InsertIfAbsent(db, &widget{ID: 2, Code: "a", Name: "second"}, "code")
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = InsertIfAbsent(db, &widget{ID: 3, Code: "b", Name: "third"})
	require.NoError(t, err)
	assert.True(t, inserted)

	var count int64
	require.NoError(t, db.Model(&widget{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestLockedIsNoopWithoutForUpdate(t *testing.T) {
	db := newTestDB(t)
	q := db.Model(&widget{})
	assert.Same(t, q, Locked(q, false))

	found, err := FirstOrNil[widget](Locked(db.Where("code = ?", "none"), true))
	require.NoError(t, err)
	assert.Nil(t, found)
}
