package repository

import (
	"context"

	"gorm.io/gorm"
)

// Repositories bundles the repositories that share one *gorm.DB, so a
// service can run several of them inside a single transaction.
type Repositories struct {
	db       *gorm.DB
	Elements *ElementRepositoryImpl
	Changes  *ChangeRepositoryImpl
	Cursors  *CursorRepositoryImpl
}

func New(db *gorm.DB) *Repositories {
	return &Repositories{
		db:       db,
		Elements: NewElementRepository(db),
		Changes:  NewChangeRepository(db),
		Cursors:  NewCursorRepository(db),
	}
}

// Transaction runs fn with repositories bound to one transaction.
// Returning an error from fn rolls everything back.
func (r *Repositories) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(New(tx))
	})
}
