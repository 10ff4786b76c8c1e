package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/outreachly/campd/internal/model"
)

// ClaimResult reports why an atomic claim did or did not go through.
type ClaimResult int

const (
	// ClaimAccepted: this worker now owns the only in-flight attempt for
	// the (campaign, contact) pair.
	ClaimAccepted ClaimResult = iota
	// ClaimAlreadyInFlight: another worker holds the claim.
	ClaimAlreadyInFlight
	// ClaimAlreadySucceeded: the recipient was delivered in an earlier
	// attempt; never send again.
	ClaimAlreadySucceeded
	// ClaimNotEligible: terminal failure, or backoff delay not yet elapsed.
	ClaimNotEligible
)

func (c ClaimResult) String() string {
	switch c {
	case ClaimAccepted:
		return "accepted"
	case ClaimAlreadyInFlight:
		return "already_in_flight"
	case ClaimAlreadySucceeded:
		return "already_succeeded"
	default:
		return "not_eligible"
	}
}

// DispatchLedger is the durable idempotency record of per-recipient send
// outcomes: the single source of truth for "has this recipient been
// handled". Rows are created lazily on first claim and never deleted for
// the life of the campaign.
// Claim is the one place that enforces "at most one attempt in flight per
// contact". attemptCount is how many attempts were already made, so the
// worker can hand the right number to the backoff controller.
type DispatchLedger interface {
	Claim(ctx context.Context, campaignID, contactID int64) (result ClaimResult, attemptCount int, err error)
	RecordSuccess(ctx context.Context, campaignID, contactID int64, providerMessageID string) error
	RecordTransientFailure(ctx context.Context, campaignID, contactID int64, nextEligibleAt time.Time, sendErr string) error
	RecordPermanentFailure(ctx context.Context, campaignID, contactID int64, reason, sendErr string) error
	ReleaseClaim(ctx context.Context, campaignID, contactID int64, sendErr string) error

	// PendingContacts returns the next batch of contacts, in list order,
	// whose ledger state is absent or transient_failed with an elapsed
	// next_eligible_at. Keyset cursor on contact id makes it restartable.
	PendingContacts(ctx context.Context, campaignID, listID, afterContactID int64, limit int) ([]model.Contact, error)

	// NextRetryAt reports how many retryable rows are waiting out their
	// backoff and the earliest moment one becomes eligible.
	NextRetryAt(ctx context.Context, campaignID int64) (waiting int64, earliest time.Time, err error)

	// ReapStale releases in_flight claims older than olderThan back to
	// transient_failed, eligible immediately. Run-start crash recovery.
	ReapStale(ctx context.Context, campaignID int64, olderThan time.Duration) (int64, error)

	// CancelPending marks every non-terminal recipient of the list as
	// permanent_failed(cancelled) and returns how many it closed out.
	CancelPending(ctx context.Context, campaignID, listID int64) (int64, error)

	// CountStates returns how many recipients finished terminally.
	CountStates(ctx context.Context, campaignID int64) (succeeded, permanentFailed int64, err error)
}

type DispatchLedgerImpl struct {
	db *sqlx.DB
}

func NewDispatchLedger(db *sqlx.DB) *DispatchLedgerImpl {
	return &DispatchLedgerImpl{db: db}
}

var _ DispatchLedger = (*DispatchLedgerImpl)(nil)

const mysqlErrDuplicateKey = 1062

// Claim atomically reserves the (campaign, contact) pair for exactly one
// in-flight attempt. First claim inserts the row; later claims go through a
// conditional UPDATE guarded by state and next_eligible_at, so two workers
// can never both win.
func (r *DispatchLedgerImpl) Claim(ctx context.Context, campaignID, contactID int64) (ClaimResult, int, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dispatch_attempts
		    (campaign_id, contact_id, state, attempt_count, created_at, updated_at)
		VALUES
		    (?, ?, 'in_flight', 0, NOW(), NOW())
	`, campaignID, contactID)
	if err == nil {
		return ClaimAccepted, 0, nil
	}

	var me *mysql.MySQLError
	if !errors.As(err, &me) || me.Number != mysqlErrDuplicateKey {
		return ClaimNotEligible, 0, fmt.Errorf("ledger claim insert: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_attempts
		   SET state = 'in_flight', updated_at = NOW()
		 WHERE campaign_id = ? AND contact_id = ?
		   AND state = 'transient_failed'
		   AND (next_eligible_at IS NULL OR next_eligible_at <= NOW())
	`, campaignID, contactID)
	if err != nil {
		return ClaimNotEligible, 0, fmt.Errorf("ledger claim update: %w", err)
	}

	var row struct {
		State        string `db:"state"`
		AttemptCount int    `db:"attempt_count"`
	}
	if err := r.db.GetContext(ctx, &row, `
		SELECT state, attempt_count FROM dispatch_attempts
		 WHERE campaign_id = ? AND contact_id = ? LIMIT 1
	`, campaignID, contactID); err != nil {
		return ClaimNotEligible, 0, fmt.Errorf("ledger claim read-back: %w", err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return ClaimNotEligible, 0, err
	} else if n == 1 {
		return ClaimAccepted, row.AttemptCount, nil
	}

	switch model.AttemptState(row.State) {
	case model.AttemptInFlight:
		return ClaimAlreadyInFlight, row.AttemptCount, nil
	case model.AttemptSucceeded:
		return ClaimAlreadySucceeded, row.AttemptCount, nil
	default:
		return ClaimNotEligible, row.AttemptCount, nil
	}
}

// ReleaseClaim puts a claimed row back to retryable without consuming the
// attempt budget. Used when the run halts (auth expiry) before the recipient
// could be meaningfully attempted.
func (r *DispatchLedgerImpl) ReleaseClaim(ctx context.Context, campaignID, contactID int64, sendErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_attempts
		   SET state = 'transient_failed', last_error = ?, next_eligible_at = NOW(), updated_at = NOW()
		 WHERE campaign_id = ? AND contact_id = ? AND state = 'in_flight'
	`, truncateErr(sendErr), campaignID, contactID)
	if err != nil {
		return fmt.Errorf("ledger release claim: %w", err)
	}
	return nil
}

func (r *DispatchLedgerImpl) RecordSuccess(ctx context.Context, campaignID, contactID int64, providerMessageID string) error {
	var msgID any
	if providerMessageID != "" {
		msgID = providerMessageID
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_attempts
		   SET state = 'succeeded',
		       attempt_count = attempt_count + 1,
		       provider_message_id = ?,
		       last_error = NULL,
		       next_eligible_at = NULL,
		       last_attempt_at = NOW(),
		       updated_at = NOW()
		 WHERE campaign_id = ? AND contact_id = ?
	`, msgID, campaignID, contactID)
	if err != nil {
		return fmt.Errorf("ledger record success: %w", err)
	}
	return nil
}

func (r *DispatchLedgerImpl) RecordTransientFailure(ctx context.Context, campaignID, contactID int64, nextEligibleAt time.Time, sendErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_attempts
		   SET state = 'transient_failed',
		       attempt_count = attempt_count + 1,
		       last_error = ?,
		       next_eligible_at = ?,
		       last_attempt_at = NOW(),
		       updated_at = NOW()
		 WHERE campaign_id = ? AND contact_id = ?
	`, truncateErr(sendErr), nextEligibleAt, campaignID, contactID)
	if err != nil {
		return fmt.Errorf("ledger record transient failure: %w", err)
	}
	return nil
}

func (r *DispatchLedgerImpl) RecordPermanentFailure(ctx context.Context, campaignID, contactID int64, reason, sendErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_attempts
		   SET state = 'permanent_failed',
		       attempt_count = attempt_count + 1,
		       fail_reason = ?,
		       last_error = ?,
		       next_eligible_at = NULL,
		       last_attempt_at = NOW(),
		       updated_at = NOW()
		 WHERE campaign_id = ? AND contact_id = ?
	`, reason, truncateErr(sendErr), campaignID, contactID)
	if err != nil {
		return fmt.Errorf("ledger record permanent failure: %w", err)
	}
	return nil
}

func (r *DispatchLedgerImpl) PendingContacts(ctx context.Context, campaignID, listID, afterContactID int64, limit int) ([]model.Contact, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []model.Contact
	err := r.db.SelectContext(ctx, &rows, `
		SELECT c.id, c.list_id, c.email, c.first_name, c.last_name, c.preferred_name, c.created_at
		  FROM contacts c
		  LEFT JOIN dispatch_attempts a
		    ON a.campaign_id = ? AND a.contact_id = c.id
		 WHERE c.list_id = ? AND c.id > ?
		   AND (a.contact_id IS NULL
		        OR (a.state = 'transient_failed'
		            AND (a.next_eligible_at IS NULL OR a.next_eligible_at <= NOW())))
		 ORDER BY c.id ASC
		 LIMIT ?
	`, campaignID, listID, afterContactID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger pending contacts: %w", err)
	}
	return rows, nil
}

func (r *DispatchLedgerImpl) NextRetryAt(ctx context.Context, campaignID int64) (int64, time.Time, error) {
	var row struct {
		Waiting  int64        `db:"waiting"`
		Earliest sql.NullTime `db:"earliest"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS waiting, MIN(next_eligible_at) AS earliest
		  FROM dispatch_attempts
		 WHERE campaign_id = ? AND state = 'transient_failed'
	`, campaignID)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ledger next retry: %w", err)
	}
	return row.Waiting, row.Earliest.Time, nil
}

func (r *DispatchLedgerImpl) ReapStale(ctx context.Context, campaignID int64, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_attempts
		   SET state = 'transient_failed', next_eligible_at = NOW(), updated_at = NOW()
		 WHERE campaign_id = ? AND state = 'in_flight'
		   AND updated_at <= NOW() - INTERVAL ? SECOND
	`, campaignID, int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("ledger reap stale: %w", err)
	}
	return res.RowsAffected()
}

func (r *DispatchLedgerImpl) CancelPending(ctx context.Context, campaignID, listID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_attempts
		   SET state = 'permanent_failed', fail_reason = ?, next_eligible_at = NULL, updated_at = NOW()
		 WHERE campaign_id = ? AND state IN ('in_flight', 'transient_failed')
	`, model.FailReasonCancelled, campaignID)
	if err != nil {
		return 0, fmt.Errorf("ledger cancel reopened: %w", err)
	}
	reopened, _ := res.RowsAffected()

	res, err = r.db.ExecContext(ctx, `
		INSERT INTO dispatch_attempts
		    (campaign_id, contact_id, state, attempt_count, fail_reason, created_at, updated_at)
		SELECT ?, c.id, 'permanent_failed', 0, ?, NOW(), NOW()
		  FROM contacts c
		  LEFT JOIN dispatch_attempts a
		    ON a.campaign_id = ? AND a.contact_id = c.id
		 WHERE c.list_id = ? AND a.contact_id IS NULL
	`, campaignID, model.FailReasonCancelled, campaignID, listID)
	if err != nil {
		return 0, fmt.Errorf("ledger cancel untouched: %w", err)
	}
	inserted, _ := res.RowsAffected()

	return reopened + inserted, nil
}

func (r *DispatchLedgerImpl) CountStates(ctx context.Context, campaignID int64) (int64, int64, error) {
	var row struct {
		Succeeded int64 `db:"succeeded"`
		Permanent int64 `db:"permanent"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT COALESCE(SUM(state = 'succeeded'), 0)        AS succeeded,
		       COALESCE(SUM(state = 'permanent_failed'), 0) AS permanent
		  FROM dispatch_attempts
		 WHERE campaign_id = ?
	`, campaignID)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger count states: %w", err)
	}
	return row.Succeeded, row.Permanent, nil
}

// MySQL TEXT is plenty, but keep provider noise bounded.
func truncateErr(s string) any {
	if s == "" {
		return nil
	}
	if len(s) > 1024 {
		s = s[:1024]
	}
	return s
}
