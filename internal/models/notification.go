package models

import "time"

const (
	NotifyOutcomeQueued  = "queued"
	NotifyOutcomeSkipped = "skipped"
	NotifyOutcomeFailed  = "failed"
)

// NotifyOutcome is reported next to a ticket; it never changes whether the
// ticket itself was created.
type NotifyOutcome struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	NotificationStatusPending = "pending"
	NotificationStatusSent    = "sent"
	NotificationStatusFailed  = "failed"
)

type Notification struct {
	ID            uint64
	EventID       string
	TicketID      int64
	Phone         string
	TurnNumber    int
	PharmacyName  string
	UserName      string
	Status        string
	Attempts      int32
	LastError     *string
	NextAttemptAt time.Time
	SentAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type NotificationCreateInput struct {
	EventID      string
	TicketID     int64
	Phone        string
	TurnNumber   int
	PharmacyName string
	UserName     string
}
