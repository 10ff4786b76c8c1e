package model

import (
	"database/sql"
	"strings"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft               CampaignStatus = "draft"
	CampaignReady               CampaignStatus = "ready"
	CampaignSending             CampaignStatus = "sending"
	CampaignPaused              CampaignStatus = "paused"
	CampaignCompleted           CampaignStatus = "completed"
	CampaignCompletedWithErrors CampaignStatus = "completed_with_errors"
	CampaignFailed              CampaignStatus = "failed"
)

func (s CampaignStatus) String() string { return string(s) }

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignReady, CampaignSending, CampaignPaused,
		CampaignCompleted, CampaignCompletedWithErrors, CampaignFailed:
		return true
	}
	return false
}

// Terminal reports whether no further dispatch run may change this status.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCompletedWithErrors
}

// Dispatchable reports whether a new run may start from this status.
// `sending` is included so a run can re-enter after a crash, and `failed`
// so an operator can retry after fixing the credential.
func (s CampaignStatus) Dispatchable() bool {
	switch s {
	case CampaignReady, CampaignSending, CampaignPaused, CampaignFailed:
		return true
	}
	return false
}

func ParseCampaignStatus(raw string) (CampaignStatus, bool) {
	s := CampaignStatus(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Campaign is the DB entity persisted in the campaigns table. The dispatch
// core only ever mutates status, failure_reason and the two counters; the
// rest is owned by the external CRUD layer.
type Campaign struct {
	ID            int64          `db:"id"`
	Name          string         `db:"name"`
	ContactListID int64          `db:"contact_list_id"`
	Subject       string         `db:"subject"`
	Body          string         `db:"body"`
	Status        CampaignStatus `db:"status"`
	FailureReason sql.NullString `db:"failure_reason"`
	SentCount     int64          `db:"sent_count"`
	FailedCount   int64          `db:"failed_count"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}
