package pgpharmacy

import (
	"context"

	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) ListInventory(ctx context.Context, pharmacyID int64) ([]*models.InventoryEntry, error) {
	if _, err := s.GetPharmacy(ctx, pharmacyID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
SELECT i.pharmacy_id, i.medication_code, m.name, i.current_stock, i.min_threshold, i.last_updated
FROM inventory i
JOIN medications m ON m.code = i.medication_code
WHERE i.pharmacy_id = $1
ORDER BY m.name ASC, i.medication_code ASC
`, pharmacyID)
	if err != nil {
		return nil, classify(err, "select inventory")
	}
	defer rows.Close()

	var out []*models.InventoryEntry
	for rows.Next() {
		var e models.InventoryEntry
		if err := rows.Scan(&e.PharmacyID, &e.MedicationCode, &e.MedicationName, &e.CurrentStock, &e.MinThreshold, &e.LastUpdated); err != nil {
			return nil, classify(err, "scan inventory")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, classify(rows.Err(), "rows")
	}
	return out, nil
}

// Dispense decrements stock with a single conditional update, so concurrent
// dispenses can never take the row below zero. The audit row commits with it.
func (s *Storage) Dispense(ctx context.Context, req models.DispenseRequest) (*models.InventoryEntry, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classify(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var e models.InventoryEntry
	err = tx.QueryRow(ctx, `
UPDATE inventory i
SET current_stock = i.current_stock - $3, last_updated = now()
FROM medications m
WHERE i.pharmacy_id = $1
  AND i.medication_code = $2
  AND i.current_stock >= $3
  AND m.code = i.medication_code
RETURNING i.pharmacy_id, i.medication_code, m.name, i.current_stock, i.min_threshold, i.last_updated
`, req.PharmacyID, req.MedicationCode, req.Quantity).Scan(
		&e.PharmacyID, &e.MedicationCode, &e.MedicationName, &e.CurrentStock, &e.MinThreshold, &e.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainShortage(ctx, tx, req)
	}
	if err != nil {
		return nil, classify(err, "dispense")
	}

	_, err = tx.Exec(ctx, `
INSERT INTO inventory_transactions (
  pharmacy_id, medication_code, transaction_type, quantity, batch_number, operator_id, created_at
) VALUES ($1, $2, $3, $4, $5, $6, now())
`, req.PharmacyID, req.MedicationCode, models.TransactionDispensed, req.Quantity, req.BatchNumber, req.OperatorID)
	if err != nil {
		return nil, classify(err, "insert inventory transaction")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err, "commit tx")
	}
	return &e, nil
}

func (s *Storage) explainShortage(ctx context.Context, tx pgx.Tx, req models.DispenseRequest) error {
	var stock int
	err := tx.QueryRow(ctx, `
SELECT current_stock FROM inventory WHERE pharmacy_id = $1 AND medication_code = $2
`, req.PharmacyID, req.MedicationCode).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(models.ErrInsufficientStock, "no inventory for %s at pharmacy %d", req.MedicationCode, req.PharmacyID)
	}
	if err != nil {
		return classify(err, "select inventory")
	}
	return errors.Wrapf(models.ErrInsufficientStock, "%s: have %d, want %d", req.MedicationCode, stock, req.Quantity)
}

func (s *Storage) ListTransactions(ctx context.Context, pharmacyID int64, code string, limit int) ([]models.InventoryTransaction, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, pharmacy_id, medication_code, transaction_type, quantity, batch_number, operator_id, created_at
FROM inventory_transactions
WHERE pharmacy_id = $1 AND medication_code = $2
ORDER BY created_at DESC, id DESC
LIMIT $3
`, pharmacyID, code, limit)
	if err != nil {
		return nil, classify(err, "select inventory transactions")
	}
	defer rows.Close()

	var out []models.InventoryTransaction
	for rows.Next() {
		var tr models.InventoryTransaction
		if err := rows.Scan(&tr.ID, &tr.PharmacyID, &tr.MedicationCode, &tr.Type, &tr.Quantity, &tr.BatchNumber, &tr.OperatorID, &tr.CreatedAt); err != nil {
			return nil, classify(err, "scan inventory transaction")
		}
		out = append(out, tr)
	}
	if rows.Err() != nil {
		return nil, classify(rows.Err(), "rows")
	}
	return out, nil
}
