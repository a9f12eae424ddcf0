// Package messages holds the JSON payloads exchanged over Kafka.
package messages

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	TopicTurns     = "pharmacy.turns"
	TopicInventory = "pharmacy.inventory"
	TopicNotify    = "pharmacy.notify"
)

const (
	TurnCreated       = "turn.created"
	TurnStatusChanged = "turn.status_changed"
)

func NewEventID() string {
	return uuid.NewString()
}

// PharmacyKey partitions every pharmacy-scoped message by pharmacy.
func PharmacyKey(pharmacyID int64) []byte {
	return []byte(strconv.FormatInt(pharmacyID, 10))
}

type TurnEvent struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	TicketID    int64     `json:"ticket_id"`
	PharmacyID  int64     `json:"pharmacy_id"`
	TurnNumber  int       `json:"turn_number"`
	ServiceDay  string    `json:"service_day"`
	Status      string    `json:"status"`
	RequestType string    `json:"request_type"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type InventoryDispensed struct {
	EventID        string    `json:"event_id"`
	PharmacyID     int64     `json:"pharmacy_id"`
	MedicationCode string    `json:"medication_code"`
	Quantity       int       `json:"quantity"`
	CurrentStock   int       `json:"current_stock"`
	StockStatus    string    `json:"stock_status"`
	BatchNumber    string    `json:"batch_number,omitempty"`
	OperatorID     string    `json:"operator_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type NotifyRequested struct {
	EventID      string    `json:"event_id"`
	TicketID     int64     `json:"ticket_id"`
	PharmacyID   int64     `json:"pharmacy_id"`
	Phone        string    `json:"phone"`
	TurnNumber   int       `json:"turn_number"`
	PharmacyName string    `json:"pharmacy_name"`
	UserName     string    `json:"user_name"`
	RequestedAt  time.Time `json:"requested_at"`
}
