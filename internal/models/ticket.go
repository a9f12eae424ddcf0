package models

import "time"

const (
	TicketStatusPending   = "pending"
	TicketStatusCalled    = "called"
	TicketStatusAttended  = "attended"
	TicketStatusCancelled = "cancelled"
)

const (
	RequestTypeDigital  = "digital"
	RequestTypeInPerson = "in_person"
)

type Ticket struct {
	ID           int64      `json:"id"`
	PharmacyID   int64      `json:"pharmacy_id"`
	UserID       string     `json:"user_id"`
	UserName     string     `json:"user_name"`
	UserDocument string     `json:"user_document"`
	UserPhone    string     `json:"user_phone,omitempty"`
	TurnNumber   int        `json:"turn_number"`
	ServiceDay   string     `json:"service_day"`
	Status       string     `json:"status"`
	RequestType  string     `json:"request_type"`
	RequestedAt  time.Time  `json:"requested_at"`
	CalledAt     *time.Time `json:"called_at,omitempty"`
	AttendedAt   *time.Time `json:"attended_at,omitempty"`
}

type TicketRequest struct {
	PharmacyID   int64
	UserID       string
	UserName     string
	UserDocument string
	RequestType  string
	Phone        string
}

func ValidTicketStatus(status string) bool {
	switch status {
	case TicketStatusPending, TicketStatusCalled, TicketStatusAttended, TicketStatusCancelled:
		return true
	}
	return false
}

func ValidRequestType(t string) bool {
	return t == RequestTypeDigital || t == RequestTypeInPerson
}

func IsTerminalStatus(status string) bool {
	return status == TicketStatusAttended || status == TicketStatusCancelled
}

// AllowedTransition reports whether from -> to is accepted under the strict
// policy. Re-applying the current status is always allowed.
func AllowedTransition(from, to string) bool {
	if from == to {
		return true
	}
	if IsTerminalStatus(from) {
		return false
	}
	return to != TicketStatusPending
}

// ServiceDay formats t as the calendar day in loc, the scope of turn numbering.
func ServiceDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}
