// Package repo holds the gorm plumbing every billing repository shares.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Base binds a repository to one connection or transaction.
type Base struct {
	db *gorm.DB
}

func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the connection bound to ctx.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// FirstOrNil loads the first row matching q. A missing row is (nil, nil).
func FirstOrNil[T any](q *gorm.DB) (*T, error) {
	var row T
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// Locked takes a row lock when forUpdate is set. Engines without row locks
// (sqlite) ignore the clause.
func Locked(q *gorm.DB, forUpdate bool) *gorm.DB {
	if !forUpdate {
		return q
	}
	return q.Clauses(clause.Locking{Strength: "UPDATE"})
}

// InsertIfAbsent inserts row unless a unique constraint already holds a
// matching one, and reports whether this call inserted it. With no columns
// any unique constraint counts as the conflict target.
func InsertIfAbsent(q *gorm.DB, row any, conflictColumns ...string) (bool, error) {
	onConflict := clause.OnConflict{DoNothing: true}
	for _, name := range conflictColumns {
		onConflict.Columns = append(onConflict.Columns, clause.Column{Name: name})
	}
	res := q.Clauses(onConflict).Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
