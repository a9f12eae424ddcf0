package tickets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/FarmaTurn/internal/broker/messages"
	"github.com/BearBump/FarmaTurn/internal/cache"
	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/BearBump/FarmaTurn/internal/storage"
	"github.com/pkg/errors"
)

type Repository interface {
	GetPharmacy(ctx context.Context, id int64) (*models.Pharmacy, error)
	InPharmacyDay(ctx context.Context, pharmacyID int64, fn func(ctx context.Context, day storage.TurnDay) error) error
	GetTicket(ctx context.Context, id int64) (*models.Ticket, error)
	SetTicketStatus(ctx context.Context, id int64, status string, guard storage.StatusGuard) (*models.Ticket, error)
	ListTodayTickets(ctx context.Context, pharmacyID int64) ([]*models.Ticket, error)
}

// Notifier hands a notification request to whatever delivers SMS.
type Notifier interface {
	Notify(ctx context.Context, req messages.NotifyRequested) error
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Options struct {
	QueueTTL      time.Duration
	StoreTimeout  time.Duration
	NotifyTimeout time.Duration
	// PublishTimeout bounds the post-commit event publish.
	PublishTimeout    time.Duration
	StrictTransitions bool
	// ConflictRetries bounds how many times a numbering conflict is retried.
	ConflictRetries int
}

const (
	defaultStoreTimeout    = 5 * time.Second
	defaultNotifyTimeout   = 3 * time.Second
	defaultPublishTimeout  = 3 * time.Second
	defaultConflictRetries = 3
)

type Service struct {
	repo      Repository
	cache     cache.BytesCache
	notifier  Notifier
	publisher EventPublisher
	opts      Options
}

func New(repo Repository, c cache.BytesCache, n Notifier, p EventPublisher, opts Options) *Service {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = defaultConflictRetries
	}
	return &Service{repo: repo, cache: c, notifier: n, publisher: p, opts: opts}
}

type RequestResult struct {
	Ticket       *models.Ticket       `json:"ticket"`
	Notification models.NotifyOutcome `json:"notification"`
}

func (s *Service) RequestTicket(ctx context.Context, req models.TicketRequest) (*RequestResult, error) {
	req.UserName = strings.TrimSpace(req.UserName)
	req.UserDocument = strings.TrimSpace(req.UserDocument)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.RequestType == "" {
		req.RequestType = models.RequestTypeDigital
	}
	switch {
	case req.PharmacyID <= 0:
		return nil, errors.Wrap(models.ErrInvalidArgument, "pharmacy_id is required")
	case req.UserName == "":
		return nil, errors.Wrap(models.ErrInvalidArgument, "user_name is required")
	case req.UserDocument == "":
		return nil, errors.Wrap(models.ErrInvalidArgument, "user_document is required")
	case !models.ValidRequestType(req.RequestType):
		return nil, errors.Wrapf(models.ErrInvalidArgument, "unknown request_type %q", req.RequestType)
	}

	var (
		ticket       *models.Ticket
		pharmacyName string
		err          error
	)
	for attempt := 1; attempt <= s.opts.ConflictRetries; attempt++ {
		ticket, pharmacyName, err = s.issue(ctx, req)
		if !errors.Is(err, models.ErrConflict) {
			break
		}
		slog.Warn("turn number conflict", "pharmacy_id", req.PharmacyID, "attempt", attempt)
	}
	if errors.Is(err, models.ErrConflict) {
		return nil, errors.Wrap(models.ErrUnavailable, "turn numbering contention")
	}
	if err != nil {
		return nil, err
	}

	s.invalidateQueue(ctx, ticket.PharmacyID)
	s.publishTurn(ctx, messages.TurnCreated, ticket)

	return &RequestResult{
		Ticket:       ticket,
		Notification: s.notify(ctx, ticket, pharmacyName),
	}, nil
}

// issue runs the quota check and numbering inside the pharmacy's serialized day.
func (s *Service) issue(ctx context.Context, req models.TicketRequest) (*models.Ticket, string, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	var (
		out  *models.Ticket
		name string
	)
	err := s.repo.InPharmacyDay(sctx, req.PharmacyID, func(ctx context.Context, day storage.TurnDay) error {
		p := day.Pharmacy()
		if req.RequestType == models.RequestTypeDigital {
			issued, err := day.CountDigital(ctx)
			if err != nil {
				return err
			}
			if issued >= p.DailyDigitalTurnLimit {
				return errors.Wrapf(models.ErrQuotaExceeded, "pharmacy %d issued %d of %d digital turns on %s",
					p.ID, issued, p.DailyDigitalTurnLimit, day.ServiceDay())
			}
		}

		last, err := day.MaxTurnNumber(ctx)
		if err != nil {
			return err
		}

		t := &models.Ticket{
			PharmacyID:   p.ID,
			UserID:       req.UserID,
			UserName:     req.UserName,
			UserDocument: req.UserDocument,
			UserPhone:    req.Phone,
			TurnNumber:   last + 1,
			Status:       models.TicketStatusPending,
			RequestType:  req.RequestType,
		}
		if err := day.InsertTicket(ctx, t); err != nil {
			return err
		}
		out = t
		name = p.Name
		return nil
	})
	if err != nil {
		return nil, "", storeErr(err)
	}
	return out, name, nil
}

// SetStatus applies newStatus to the ticket. Any transition is accepted
// unless StrictTransitions is set.
func (s *Service) SetStatus(ctx context.Context, ticketID int64, newStatus string) (*models.Ticket, error) {
	if ticketID <= 0 {
		return nil, errors.Wrap(models.ErrInvalidArgument, "ticket id is required")
	}
	if !models.ValidTicketStatus(newStatus) {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "unknown status %q", newStatus)
	}

	var guard storage.StatusGuard
	if s.opts.StrictTransitions {
		guard = func(from, to string) error {
			if !models.AllowedTransition(from, to) {
				return errors.Wrapf(models.ErrInvalidArgument, "transition %s -> %s is not allowed", from, to)
			}
			return nil
		}
	}

	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	t, err := s.repo.SetTicketStatus(sctx, ticketID, newStatus, guard)
	if err != nil {
		return nil, storeErr(err)
	}

	s.invalidateQueue(ctx, t.PharmacyID)
	s.publishTurn(ctx, messages.TurnStatusChanged, t)
	return t, nil
}

func (s *Service) ListTodayQueue(ctx context.Context, pharmacyID int64) ([]*models.Ticket, error) {
	if pharmacyID <= 0 {
		return nil, errors.Wrap(models.ErrInvalidArgument, "pharmacy id is required")
	}

	key := queueKey(pharmacyID)
	if s.cacheEnabled() {
		if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var out []*models.Ticket
			if json.Unmarshal(b, &out) == nil {
				return out, nil
			}
		}
	}

	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	out, err := s.repo.ListTodayTickets(sctx, pharmacyID)
	if err != nil {
		return nil, storeErr(err)
	}
	if out == nil {
		out = []*models.Ticket{}
	}

	if s.cacheEnabled() {
		b, _ := json.Marshal(out)
		_ = s.cache.Set(ctx, key, b, s.opts.QueueTTL)
	}
	return out, nil
}

// NotifyTicket sends the turn SMS for an existing ticket again.
func (s *Service) NotifyTicket(ctx context.Context, ticketID int64) (models.NotifyOutcome, error) {
	if ticketID <= 0 {
		return models.NotifyOutcome{}, errors.Wrap(models.ErrInvalidArgument, "ticket id is required")
	}

	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	t, err := s.repo.GetTicket(sctx, ticketID)
	if err != nil {
		return models.NotifyOutcome{}, storeErr(err)
	}
	p, err := s.repo.GetPharmacy(sctx, t.PharmacyID)
	if err != nil {
		return models.NotifyOutcome{}, storeErr(err)
	}
	return s.notify(ctx, t, p.Name), nil
}

// ApplyTurnEvent drops the cached queue of the pharmacy a turn event belongs
// to. Undecodable payloads are logged and skipped.
func (s *Service) ApplyTurnEvent(ctx context.Context, _, value []byte) error {
	var ev messages.TurnEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		slog.Warn("skip undecodable turn event", "error", err.Error())
		return nil
	}
	if ev.PharmacyID <= 0 {
		return nil
	}
	if s.cacheEnabled() {
		if err := s.cache.Del(ctx, queueKey(ev.PharmacyID)); err != nil {
			return errors.Wrap(err, "invalidate queue cache")
		}
	}
	return nil
}

func (s *Service) notify(ctx context.Context, t *models.Ticket, pharmacyName string) models.NotifyOutcome {
	if t.UserPhone == "" || s.notifier == nil {
		return models.NotifyOutcome{Status: models.NotifyOutcomeSkipped}
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.NotifyTimeout)
	defer cancel()
	err := s.notifier.Notify(nctx, messages.NotifyRequested{
		EventID:      messages.NewEventID(),
		TicketID:     t.ID,
		PharmacyID:   t.PharmacyID,
		Phone:        t.UserPhone,
		TurnNumber:   t.TurnNumber,
		PharmacyName: pharmacyName,
		UserName:     t.UserName,
		RequestedAt:  time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("notify ticket", "ticket_id", t.ID, "error", err.Error())
		return models.NotifyOutcome{Status: models.NotifyOutcomeFailed, Error: err.Error()}
	}
	return models.NotifyOutcome{Status: models.NotifyOutcomeQueued}
}

func (s *Service) publishTurn(ctx context.Context, typ string, t *models.Ticket) {
	if s.publisher == nil {
		return
	}
	b, err := json.Marshal(messages.TurnEvent{
		EventID:     messages.NewEventID(),
		Type:        typ,
		TicketID:    t.ID,
		PharmacyID:  t.PharmacyID,
		TurnNumber:  t.TurnNumber,
		ServiceDay:  t.ServiceDay,
		Status:      t.Status,
		RequestType: t.RequestType,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PublishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pctx, messages.TopicTurns, messages.PharmacyKey(t.PharmacyID), b); err != nil {
		slog.Warn("publish turn event", "type", typ, "ticket_id", t.ID, "error", err.Error())
	}
}

func (s *Service) invalidateQueue(ctx context.Context, pharmacyID int64) {
	if !s.cacheEnabled() {
		return
	}
	if err := s.cache.Del(ctx, queueKey(pharmacyID)); err != nil {
		slog.Warn("invalidate queue cache", "pharmacy_id", pharmacyID, "error", err.Error())
	}
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.opts.QueueTTL > 0
}

func queueKey(pharmacyID int64) string {
	return fmt.Sprintf("farmaturn:queue:%d", pharmacyID)
}

// storeErr reports a store call that ran out of time as ErrUnavailable.
func storeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, models.ErrUnavailable) {
		return errors.Wrap(models.ErrUnavailable, err.Error())
	}
	return err
}
