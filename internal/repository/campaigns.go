package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/outreachly/campd/internal/model"
)

var ErrCampaignNotFound = errors.New("campaign not found")

// CampaignsRepository is the narrow campaign-store contract the dispatch
// core consumes. CRUD beyond this lives with the external backend.
type CampaignsRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	SetStatus(ctx context.Context, id int64, status model.CampaignStatus, failureReason string) error
	// IncrementCounters moves the aggregate counters by atomic SQL
	// increments; they only ever grow.
	IncrementCounters(ctx context.Context, id int64, sentDelta, failedDelta int64) error
}

type CampaignsRepositoryImpl struct {
	db *sqlx.DB
}

func NewCampaignsRepository(db *sqlx.DB) *CampaignsRepositoryImpl {
	return &CampaignsRepositoryImpl{db: db}
}

var _ CampaignsRepository = (*CampaignsRepositoryImpl)(nil)

func (r *CampaignsRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db.GetContext(ctx, &c, `
		SELECT id, name, contact_list_id, subject, body, status, failure_reason,
		       sent_count, failed_count, created_at, updated_at
		  FROM campaigns
		 WHERE id = ? LIMIT 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignsRepositoryImpl) SetStatus(ctx context.Context, id int64, status model.CampaignStatus, failureReason string) error {
	var reason any
	if failureReason != "" {
		reason = failureReason
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		   SET status = ?, failure_reason = ?, updated_at = NOW()
		 WHERE id = ?
	`, status.String(), reason, id)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// status unchanged counts as affected=0 on MySQL only with
		// CLIENT_FOUND_ROWS off; tolerate it and verify existence instead
		var one int
		if err := r.db.GetContext(ctx, &one, `SELECT 1 FROM campaigns WHERE id = ? LIMIT 1`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrCampaignNotFound
			}
			return err
		}
	}
	return nil
}

func (r *CampaignsRepositoryImpl) IncrementCounters(ctx context.Context, id int64, sentDelta, failedDelta int64) error {
	if sentDelta == 0 && failedDelta == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		   SET sent_count = sent_count + ?, failed_count = failed_count + ?, updated_at = NOW()
		 WHERE id = ?
	`, sentDelta, failedDelta, id)
	if err != nil {
		return fmt.Errorf("increment campaign counters: %w", err)
	}
	return nil
}
