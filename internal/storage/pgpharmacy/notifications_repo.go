package pgpharmacy

import (
	"context"
	"time"

	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const notificationColumns = `
  id, event_id, ticket_id, phone, turn_number, pharmacy_name, user_name,
  status, attempts, last_error, next_attempt_at, sent_at, created_at, updated_at`

func scanNotification(row rowScanner) (*models.Notification, error) {
	var n models.Notification
	if err := row.Scan(
		&n.ID, &n.EventID, &n.TicketID, &n.Phone, &n.TurnNumber, &n.PharmacyName, &n.UserName,
		&n.Status, &n.Attempts, &n.LastError, &n.NextAttemptAt, &n.SentAt, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &n, nil
}

// EnqueueNotification stores a pending notification once per event id. The
// second return value reports whether a new row was created.
func (s *Storage) EnqueueNotification(ctx context.Context, in models.NotificationCreateInput) (*models.Notification, bool, error) {
	n, err := scanNotification(s.db.QueryRow(ctx, `
INSERT INTO notifications (
  event_id, ticket_id, phone, turn_number, pharmacy_name, user_name,
  status, attempts, next_attempt_at, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, now(), now(), now())
ON CONFLICT (event_id) DO NOTHING
RETURNING `+notificationColumns,
		in.EventID, in.TicketID, in.Phone, in.TurnNumber, in.PharmacyName, in.UserName,
		models.NotificationStatusPending,
	))
	if err == nil {
		return n, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, classify(err, "insert notification")
	}

	n, err = scanNotification(s.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE event_id = $1`, in.EventID))
	if err != nil {
		return nil, false, classify(err, "select notification")
	}
	return n, false, nil
}

// ClaimDueNotifications picks pending notifications whose next attempt is due
// and pushes next_attempt_at forward by lease so other workers skip them.
func (s *Storage) ClaimDueNotifications(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Notification, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classify(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+notificationColumns+`
FROM notifications
WHERE status = $1
  AND next_attempt_at <= $2
ORDER BY next_attempt_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, models.NotificationStatusPending, now.UTC(), limit)
	if err != nil {
		return nil, classify(err, "select due notifications")
	}

	var picked []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			rows.Close()
			return nil, classify(err, "scan due notification")
		}
		picked = append(picked, n)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, classify(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, n := range picked {
		if _, err := tx.Exec(ctx, `UPDATE notifications SET next_attempt_at = $2, updated_at = now() WHERE id = $1`, n.ID, leaseUntil); err != nil {
			return nil, classify(err, "lease notification")
		}
		n.NextAttemptAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err, "commit tx")
	}
	return picked, nil
}

func (s *Storage) MarkNotificationSent(ctx context.Context, id uint64, sentAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE notifications
SET status = $2, attempts = attempts + 1, sent_at = $3, last_error = NULL, updated_at = now()
WHERE id = $1
`, id, models.NotificationStatusSent, sentAt.UTC())
	return classify(err, "mark notification sent")
}

// MarkNotificationFailed records a failed attempt. A final failure leaves the
// outbox for good; otherwise the row becomes due again at nextAttemptAt.
func (s *Storage) MarkNotificationFailed(ctx context.Context, id uint64, errText string, nextAttemptAt time.Time, final bool) error {
	status := models.NotificationStatusPending
	if final {
		status = models.NotificationStatusFailed
	}
	_, err := s.db.Exec(ctx, `
UPDATE notifications
SET status = $2, attempts = attempts + 1, last_error = $3, next_attempt_at = $4, updated_at = now()
WHERE id = $1
`, id, status, errText, nextAttemptAt.UTC())
	return classify(err, "mark notification failed")
}

func (s *Storage) GetNotification(ctx context.Context, id uint64) (*models.Notification, error) {
	n, err := scanNotification(s.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "notification %d", id)
	}
	if err != nil {
		return nil, classify(err, "select notification")
	}
	return n, nil
}
