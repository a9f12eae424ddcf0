package models

import "time"

const (
	StockStatusAvailable  = "available"
	StockStatusLowStock   = "low_stock"
	StockStatusOutOfStock = "out_of_stock"
)

const TransactionDispensed = "dispensed"

type InventoryEntry struct {
	PharmacyID     int64     `json:"pharmacy_id"`
	MedicationCode string    `json:"code"`
	MedicationName string    `json:"name"`
	CurrentStock   int       `json:"current_stock"`
	MinThreshold   int       `json:"min_threshold"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Status is derived from stock and threshold, never stored.
func (e *InventoryEntry) Status() string {
	return StockStatus(e.CurrentStock, e.MinThreshold)
}

func StockStatus(current, threshold int) string {
	switch {
	case current <= 0:
		return StockStatusOutOfStock
	case current <= threshold:
		return StockStatusLowStock
	default:
		return StockStatusAvailable
	}
}

type DispenseRequest struct {
	PharmacyID     int64
	MedicationCode string
	Quantity       int
	BatchNumber    string
	OperatorID     string
}

type InventoryTransaction struct {
	ID             int64
	PharmacyID     int64
	MedicationCode string
	Type           string
	Quantity       int
	BatchNumber    string
	OperatorID     string
	CreatedAt      time.Time
}
