package models

import "github.com/pkg/errors"

// Error kinds shared by the ticket engine, the stock ledger and their stores.
// Callers classify with errors.Is; the HTTP layer maps them to status codes.
var (
	ErrNotFound          = errors.New("not found")
	ErrQuotaExceeded     = errors.New("daily digital turn limit reached")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnavailable       = errors.New("store unavailable")
	ErrConflict          = errors.New("conflicting concurrent write")
)
