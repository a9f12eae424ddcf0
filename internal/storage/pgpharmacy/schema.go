package pgpharmacy

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS pharmacies (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  address TEXT NOT NULL DEFAULT '',
  phone TEXT NOT NULL DEFAULT '',
  timezone TEXT NOT NULL DEFAULT 'UTC',
  daily_digital_turn_limit INT NOT NULL DEFAULT 100 CHECK (daily_digital_turn_limit > 0),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS medications (
  code TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS inventory (
  pharmacy_id BIGINT NOT NULL REFERENCES pharmacies(id),
  medication_code TEXT NOT NULL REFERENCES medications(code),
  current_stock INT NOT NULL DEFAULT 0 CHECK (current_stock >= 0),
  min_threshold INT NOT NULL DEFAULT 10 CHECK (min_threshold >= 0),
  last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (pharmacy_id, medication_code)
)`,
		`
CREATE TABLE IF NOT EXISTS inventory_transactions (
  id BIGSERIAL PRIMARY KEY,
  pharmacy_id BIGINT NOT NULL REFERENCES pharmacies(id),
  medication_code TEXT NOT NULL REFERENCES medications(code),
  transaction_type TEXT NOT NULL,
  quantity INT NOT NULL,
  batch_number TEXT NOT NULL DEFAULT '',
  operator_id TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_inventory_transactions_item ON inventory_transactions(pharmacy_id, medication_code, created_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS turns (
  id BIGSERIAL PRIMARY KEY,
  pharmacy_id BIGINT NOT NULL REFERENCES pharmacies(id),
  user_id TEXT NOT NULL DEFAULT '',
  user_name TEXT NOT NULL,
  user_document TEXT NOT NULL,
  user_phone TEXT NOT NULL DEFAULT '',
  turn_number INT NOT NULL CHECK (turn_number > 0),
  service_day DATE NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'called', 'attended', 'cancelled')),
  request_type TEXT NOT NULL DEFAULT 'digital' CHECK (request_type IN ('digital', 'in_person')),
  requested_at TIMESTAMPTZ NOT NULL,
  called_at TIMESTAMPTZ NULL,
  attended_at TIMESTAMPTZ NULL
)`,
		// Last line of defence for numbering: a duplicate turn is a conflict, not a second ticket.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_turns_pharmacy_day_number ON turns(pharmacy_id, service_day, turn_number)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_pharmacy_day_type ON turns(pharmacy_id, service_day, request_type)`,
		`
CREATE TABLE IF NOT EXISTS notifications (
  id BIGSERIAL PRIMARY KEY,
  event_id TEXT NOT NULL,
  ticket_id BIGINT NOT NULL REFERENCES turns(id),
  phone TEXT NOT NULL,
  turn_number INT NOT NULL,
  pharmacy_name TEXT NOT NULL,
  user_name TEXT NOT NULL,
  status TEXT NOT NULL,
  attempts INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  next_attempt_at TIMESTAMPTZ NOT NULL,
  sent_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (event_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(status, next_attempt_at)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
