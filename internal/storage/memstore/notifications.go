package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/pkg/errors"
)

func (s *Store) EnqueueNotification(ctx context.Context, in models.NotificationCreateInput) (*models.Notification, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.notifByEvent[in.EventID]; ok && in.EventID != "" {
		cp := *s.notifications[id]
		return &cp, false, nil
	}

	now := s.now()
	s.nextNotifID++
	n := &models.Notification{
		ID:            s.nextNotifID,
		EventID:       in.EventID,
		TicketID:      in.TicketID,
		Phone:         in.Phone,
		TurnNumber:    in.TurnNumber,
		PharmacyName:  in.PharmacyName,
		UserName:      in.UserName,
		Status:        models.NotificationStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.notifications[n.ID] = n
	if in.EventID != "" {
		s.notifByEvent[in.EventID] = n.ID
	}
	cp := *n
	return &cp, true, nil
}

func (s *Store) ClaimDueNotifications(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Notification, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Notification
	for _, n := range s.notifications {
		if n.Status == models.NotificationStatusPending && !n.NextAttemptAt.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.Notification, 0, len(due))
	for _, n := range due {
		n.NextAttemptAt = now.Add(lease)
		n.UpdatedAt = now
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) MarkNotificationSent(ctx context.Context, id uint64, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.notifications[id]; ok {
		n.Status = models.NotificationStatusSent
		n.Attempts++
		n.SentAt = &sentAt
		n.LastError = nil
		n.UpdatedAt = sentAt
	}
	return nil
}

func (s *Store) MarkNotificationFailed(ctx context.Context, id uint64, errText string, nextAttemptAt time.Time, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.notifications[id]; ok {
		n.Attempts++
		n.LastError = &errText
		n.NextAttemptAt = nextAttemptAt
		n.UpdatedAt = s.now()
		if final {
			n.Status = models.NotificationStatusFailed
		}
	}
	return nil
}

func (s *Store) GetNotification(ctx context.Context, id uint64) (*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "notification %d", id)
	}
	cp := *n
	return &cp, nil
}
