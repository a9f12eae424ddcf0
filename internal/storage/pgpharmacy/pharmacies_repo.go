package pgpharmacy

import (
	"context"

	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const pharmacyColumns = `id, name, address, phone, timezone, daily_digital_turn_limit`

func scanPharmacy(row rowScanner) (*models.Pharmacy, error) {
	var p models.Pharmacy
	if err := row.Scan(&p.ID, &p.Name, &p.Address, &p.Phone, &p.Timezone, &p.DailyDigitalTurnLimit); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Storage) GetPharmacy(ctx context.Context, id int64) (*models.Pharmacy, error) {
	p, err := scanPharmacy(s.db.QueryRow(ctx, `SELECT `+pharmacyColumns+` FROM pharmacies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "pharmacy %d", id)
	}
	if err != nil {
		return nil, classify(err, "select pharmacy")
	}
	return p, nil
}

// CreatePharmacy is used by seeding and tests; the engine never creates pharmacies.
func (s *Storage) CreatePharmacy(ctx context.Context, p models.Pharmacy) (*models.Pharmacy, error) {
	if p.Timezone == "" {
		p.Timezone = models.DefaultTimezone
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO pharmacies (name, address, phone, timezone, daily_digital_turn_limit)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+pharmacyColumns, p.Name, p.Address, p.Phone, p.Timezone, p.DailyDigitalTurnLimit)
	created, err := scanPharmacy(row)
	if err != nil {
		return nil, classify(err, "insert pharmacy")
	}
	return created, nil
}

func (s *Storage) UpsertMedication(ctx context.Context, m models.Medication) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO medications (code, name, description) VALUES ($1, $2, $3)
ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description
`, m.Code, m.Name, m.Description)
	return classify(err, "upsert medication")
}

func (s *Storage) UpsertInventory(ctx context.Context, pharmacyID int64, code string, stock, threshold int) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO inventory (pharmacy_id, medication_code, current_stock, min_threshold, last_updated)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (pharmacy_id, medication_code) DO UPDATE
SET current_stock = EXCLUDED.current_stock, min_threshold = EXCLUDED.min_threshold, last_updated = now()
`, pharmacyID, code, stock, threshold)
	return classify(err, "upsert inventory")
}
