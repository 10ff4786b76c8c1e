package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/outreachly/campd/internal/model"
)

// ContactsRepository reads resolved contact lists. Contacts are immutable
// from the dispatch core's point of view.
type ContactsRepository interface {
	CountByList(ctx context.Context, listID int64) (int64, error)
	GetByID(ctx context.Context, id int64) (*model.Contact, error)
}

type ContactsRepositoryImpl struct {
	db *sqlx.DB
}

func NewContactsRepository(db *sqlx.DB) *ContactsRepositoryImpl {
	return &ContactsRepositoryImpl{db: db}
}

var _ ContactsRepository = (*ContactsRepositoryImpl)(nil)

func (r *ContactsRepositoryImpl) CountByList(ctx context.Context, listID int64) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM contacts WHERE list_id = ?`, listID)
	return n, err
}

func (r *ContactsRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Contact, error) {
	var c model.Contact
	err := r.db.GetContext(ctx, &c, `
		SELECT id, list_id, email, first_name, last_name, preferred_name, created_at
		  FROM contacts
		 WHERE id = ? LIMIT 1
	`, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
