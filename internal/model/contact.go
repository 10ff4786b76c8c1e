package model

import "time"

// Contact is one recipient record. Immutable from the dispatch core's point
// of view; email is required and unique within a list, the display fields
// feed template tokens and may be empty.
type Contact struct {
	ID            int64     `db:"id"`
	ListID        int64     `db:"list_id"`
	Email         string    `db:"email"`
	FirstName     string    `db:"first_name"`
	LastName      string    `db:"last_name"`
	PreferredName string    `db:"preferred_name"`
	CreatedAt     time.Time `db:"created_at"`
}
