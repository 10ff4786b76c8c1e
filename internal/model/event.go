package model

import "time"

type RunEventType string

const (
	RunEventStarted   RunEventType = "run_started"
	RunEventRecipient RunEventType = "recipient_outcome"
	RunEventFinished  RunEventType = "run_finished"
)

// RunEvent is the payload published to the run-event topic for the external
// analytics pipeline. Recipient events carry a terminal per-recipient
// outcome; lifecycle events leave those fields empty.
type RunEvent struct {
	RunID      string       `json:"run_id"`
	CampaignID int64        `json:"campaign_id"`
	Type       RunEventType `json:"type"`
	ContactID  int64        `json:"contact_id,omitempty"`
	Outcome    string       `json:"outcome,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Status     string       `json:"status,omitempty"`
	At         time.Time    `json:"at"`
}
