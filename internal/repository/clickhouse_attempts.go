package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// AttemptReport is one row of the per-recipient outcome report.
type AttemptReport struct {
	CampaignID        int64  `db:"campaign_id" json:"campaign_id"`
	ContactID         int64  `db:"contact_id" json:"contact_id"`
	Email             string `db:"email" json:"email"`
	State             string `db:"state" json:"state"`
	AttemptCount      int    `db:"attempt_count" json:"attempt_count"`
	FailReason        string `db:"fail_reason" json:"fail_reason,omitempty"`
	LastError         string `db:"last_error" json:"last_error,omitempty"`
	ProviderMessageID string `db:"provider_message_id" json:"provider_message_id,omitempty"`
}

// CHAttemptsRepository lists per-recipient outcomes from ClickHouse. The
// replica table is populated by the external analytics pipeline from the
// run-event topic; the core only reads it.
type CHAttemptsRepository interface {
	ListByCampaign(ctx context.Context, campaignID int64, state string, limit, offset int) ([]AttemptReport, error)
}

type chAttemptsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHAttemptsRepository(ch *sqlx.DB) CHAttemptsRepository {
	return &chAttemptsRepository{ch: ch}
}

func (r *chAttemptsRepository) ListByCampaign(ctx context.Context, campaignID int64, state string, limit, offset int) ([]AttemptReport, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT campaign_id, contact_id, email, state, attempt_count,
		       fail_reason, last_error, provider_message_id
		FROM campd.attempts_latest
		WHERE campaign_id = ?
	`
	args := []any{campaignID}

	if state != "" {
		q += " AND state = ?"
		args = append(args, state)
	}

	q += " ORDER BY contact_id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []AttemptReport
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
