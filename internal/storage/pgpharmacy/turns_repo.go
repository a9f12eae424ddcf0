package pgpharmacy

import (
	"context"
	"time"

	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/BearBump/FarmaTurn/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const ticketColumns = `
  id, pharmacy_id, user_id, user_name, user_document, user_phone,
  turn_number, service_day, status, request_type,
  requested_at, called_at, attended_at`

func scanTicket(row rowScanner) (*models.Ticket, error) {
	var t models.Ticket
	var day time.Time
	if err := row.Scan(
		&t.ID, &t.PharmacyID, &t.UserID, &t.UserName, &t.UserDocument, &t.UserPhone,
		&t.TurnNumber, &day, &t.Status, &t.RequestType,
		&t.RequestedAt, &t.CalledAt, &t.AttendedAt,
	); err != nil {
		return nil, err
	}
	t.ServiceDay = day.Format(time.DateOnly)
	return &t, nil
}

// InPharmacyDay runs fn in a transaction holding the pharmacy's advisory
// lock. The service day is taken from the database clock in the pharmacy
// timezone, so every instance agrees on "today".
func (s *Storage) InPharmacyDay(ctx context.Context, pharmacyID int64, fn func(ctx context.Context, day storage.TurnDay) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, pharmacyID); err != nil {
		return classify(err, "lock pharmacy")
	}

	// now() is the transaction start, which may precede a long lock wait.
	// Everything stamped under the lock reads clock_timestamp() instead, so
	// requested_at follows turn_number order.
	var p models.Pharmacy
	var day time.Time
	err = tx.QueryRow(ctx, `
SELECT `+pharmacyColumns+`, (clock_timestamp() AT TIME ZONE timezone)::date
FROM pharmacies WHERE id = $1
`, pharmacyID).Scan(&p.ID, &p.Name, &p.Address, &p.Phone, &p.Timezone, &p.DailyDigitalTurnLimit, &day)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(models.ErrNotFound, "pharmacy %d", pharmacyID)
	}
	if err != nil {
		return classify(err, "select pharmacy")
	}

	if err := fn(ctx, &pgTurnDay{tx: tx, p: &p, day: day}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(err, "commit tx")
	}
	return nil
}

type pgTurnDay struct {
	tx  pgx.Tx
	p   *models.Pharmacy
	day time.Time
}

func (d *pgTurnDay) Pharmacy() *models.Pharmacy { return d.p }
func (d *pgTurnDay) ServiceDay() string         { return d.day.Format(time.DateOnly) }

func (d *pgTurnDay) CountDigital(ctx context.Context) (int, error) {
	var n int
	err := d.tx.QueryRow(ctx, `
SELECT COUNT(*) FROM turns
WHERE pharmacy_id = $1 AND service_day = $2 AND request_type = $3
`, d.p.ID, d.day, models.RequestTypeDigital).Scan(&n)
	if err != nil {
		return 0, classify(err, "count digital turns")
	}
	return n, nil
}

func (d *pgTurnDay) MaxTurnNumber(ctx context.Context) (int, error) {
	var n int
	err := d.tx.QueryRow(ctx, `
SELECT COALESCE(MAX(turn_number), 0) FROM turns
WHERE pharmacy_id = $1 AND service_day = $2
`, d.p.ID, d.day).Scan(&n)
	if err != nil {
		return 0, classify(err, "max turn number")
	}
	return n, nil
}

func (d *pgTurnDay) InsertTicket(ctx context.Context, t *models.Ticket) error {
	err := d.tx.QueryRow(ctx, `
INSERT INTO turns (
  pharmacy_id, user_id, user_name, user_document, user_phone,
  turn_number, service_day, status, request_type, requested_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, clock_timestamp())
RETURNING id, requested_at
`, d.p.ID, t.UserID, t.UserName, t.UserDocument, t.UserPhone,
		t.TurnNumber, d.day, models.TicketStatusPending, t.RequestType,
	).Scan(&t.ID, &t.RequestedAt)
	if err != nil {
		return classify(err, "insert turn")
	}
	t.PharmacyID = d.p.ID
	t.ServiceDay = d.ServiceDay()
	t.Status = models.TicketStatusPending
	return nil
}

func (s *Storage) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	t, err := scanTicket(s.db.QueryRow(ctx, `SELECT `+ticketColumns+` FROM turns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "ticket %d", id)
	}
	if err != nil {
		return nil, classify(err, "select turn")
	}
	return t, nil
}

// SetTicketStatus locks the row, lets guard veto the change and stamps
// called_at or attended_at from the database clock.
func (s *Storage) SetTicketStatus(ctx context.Context, id int64, status string, guard storage.StatusGuard) (*models.Ticket, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classify(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM turns WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "ticket %d", id)
	}
	if err != nil {
		return nil, classify(err, "lock turn")
	}

	if guard != nil {
		if err := guard(current, status); err != nil {
			return nil, err
		}
	}

	t, err := scanTicket(tx.QueryRow(ctx, `
UPDATE turns SET
  status = $2::text,
  called_at = CASE WHEN $2::text = 'called' THEN clock_timestamp() ELSE called_at END,
  attended_at = CASE WHEN $2::text = 'attended' THEN clock_timestamp() ELSE attended_at END
WHERE id = $1
RETURNING `+ticketColumns, id, status))
	if err != nil {
		return nil, classify(err, "update turn status")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err, "commit tx")
	}
	return t, nil
}

// ListTodayTickets returns the pharmacy's tickets for its current local day:
// pending first by turn number, then the rest by most recent call.
func (s *Storage) ListTodayTickets(ctx context.Context, pharmacyID int64) ([]*models.Ticket, error) {
	if _, err := s.GetPharmacy(ctx, pharmacyID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
SELECT `+prefixed("t", ticketColumns)+`
FROM turns t
JOIN pharmacies p ON p.id = t.pharmacy_id
WHERE t.pharmacy_id = $1
  AND t.service_day = (now() AT TIME ZONE p.timezone)::date
ORDER BY
  CASE WHEN t.status = 'pending' THEN 0 ELSE 1 END,
  CASE WHEN t.status = 'pending' THEN t.turn_number END ASC,
  t.called_at DESC NULLS LAST,
  t.turn_number ASC
`, pharmacyID)
	if err != nil {
		return nil, classify(err, "select today turns")
	}
	defer rows.Close()

	var out []*models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, classify(err, "scan turn")
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, classify(rows.Err(), "rows")
	}
	return out, nil
}
