// Package storage holds the contracts shared by the pharmacy store backends.
package storage

import (
	"context"

	"github.com/BearBump/FarmaTurn/internal/models"
)

// TurnDay is a serialized view of one pharmacy's current calendar day. It is
// only valid inside the callback passed to InPharmacyDay; no other writer can
// issue turns for the same pharmacy while it is open.
type TurnDay interface {
	Pharmacy() *models.Pharmacy
	// ServiceDay is the pharmacy-local date evaluated from the store clock.
	ServiceDay() string
	CountDigital(ctx context.Context) (int, error)
	MaxTurnNumber(ctx context.Context) (int, error)
	// InsertTicket persists t for ServiceDay and fills ID and RequestedAt.
	InsertTicket(ctx context.Context, t *models.Ticket) error
}

// StatusGuard inspects the current status before a status change is applied.
type StatusGuard func(from, to string) error
