package model

import (
	"database/sql"
	"time"
)

// AttemptState is the ledger state of one (campaign, contact) pair.
// "pending" has no constant: it is represented by row absence, rows are
// created lazily on the first claim.
type AttemptState string

const (
	AttemptInFlight        AttemptState = "in_flight"
	AttemptSucceeded       AttemptState = "succeeded"
	AttemptTransientFailed AttemptState = "transient_failed"
	AttemptPermanentFailed AttemptState = "permanent_failed"
)

func (s AttemptState) String() string { return string(s) }

func (s AttemptState) Valid() bool {
	switch s {
	case AttemptInFlight, AttemptSucceeded, AttemptTransientFailed, AttemptPermanentFailed:
		return true
	}
	return false
}

// Permanent-failure reasons recorded in the ledger.
const (
	FailReasonRecipientRejected = "recipient_rejected"
	FailReasonMaxAttempts       = "max_attempts_exceeded"
	FailReasonCancelled         = "cancelled"
)

// Campaign-level failure reasons.
const (
	RunFailureAuth    = "auth_expired"
	RunFailureStorage = "storage_unavailable"
)

// DispatchAttempt is a ledger row: the durable idempotency record for one
// recipient within one campaign. Never deleted for the life of the campaign.
type DispatchAttempt struct {
	CampaignID        int64          `db:"campaign_id"`
	ContactID         int64          `db:"contact_id"`
	State             AttemptState   `db:"state"`
	AttemptCount      int            `db:"attempt_count"`
	ProviderMessageID sql.NullString `db:"provider_message_id"`
	LastError         sql.NullString `db:"last_error"`
	FailReason        sql.NullString `db:"fail_reason"`
	LastAttemptAt     sql.NullTime   `db:"last_attempt_at"`
	NextEligibleAt    sql.NullTime   `db:"next_eligible_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}
