package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/FarmaTurn/internal/broker/messages"
	"github.com/BearBump/FarmaTurn/internal/integrations/sms"
	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	EnqueueNotification(ctx context.Context, in models.NotificationCreateInput) (*models.Notification, bool, error)
	ClaimDueNotifications(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Notification, error)
	MarkNotificationSent(ctx context.Context, id uint64, sentAt time.Time) error
	MarkNotificationFailed(ctx context.Context, id uint64, errText string, nextAttemptAt time.Time, final bool) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

const rateLimitKey = "rl:sms"

// Dispatcher drains the notifications outbox: it claims due rows, sends them
// through the SMS client and records the outcome.
type Dispatcher struct {
	repo   Repository
	client sms.Client
	rl     RateLimiter

	planner *Planner
	now     func() time.Time

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	maxAttempts        int32

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalEnqueued       atomic.Int64
	totalClaimed        atomic.Int64
	totalSent           atomic.Int64
	totalFailed         atomic.Int64
	totalGaveUp         atomic.Int64
	totalRateLimited    atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, client sms.Client, rl RateLimiter) *Dispatcher {
	return &Dispatcher{
		repo: repo, client: client, rl: rl,
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		now:                func() time.Time { return time.Now().UTC() },
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              60 * time.Second,
		rateLimitPerMinute: 60,
		maxAttempts:        5,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (d *Dispatcher) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Dispatcher {
	if pollInterval > 0 {
		d.pollInterval = pollInterval
	}
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	if concurrency > 0 {
		d.concurrency = concurrency
	}
	if lease > 0 {
		d.lease = lease
	}
	if rlPerMin > 0 {
		d.rateLimitPerMinute = rlPerMin
	}
	return d
}

func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = int32(n)
	}
	return d
}

func (d *Dispatcher) WithPlanner(cfg PlannerConfig) *Dispatcher {
	d.planner = NewPlanner(cfg, nil)
	return d
}

// Trigger forces an immediate dispatch cycle (best-effort, non-blocking).
func (d *Dispatcher) Trigger() {
	d.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"startedAt"`
	LastCycleAt      *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt    *time.Time `json:"lastTriggerAt,omitempty"`
	TotalEnqueued    int64      `json:"totalEnqueued"`
	TotalClaimed     int64      `json:"totalClaimed"`
	TotalSent        int64      `json:"totalSent"`
	TotalFailed      int64      `json:"totalFailed"`
	TotalGaveUp      int64      `json:"totalGaveUp"`
	TotalRateLimited int64      `json:"totalRateLimited"`
	InFlight         int64      `json:"inFlight"`
	LastError        string     `json:"lastError,omitempty"`
}

func (d *Dispatcher) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, d.startedAtUnixNano).UTC(),
		TotalEnqueued:    d.totalEnqueued.Load(),
		TotalClaimed:     d.totalClaimed.Load(),
		TotalSent:        d.totalSent.Load(),
		TotalFailed:      d.totalFailed.Load(),
		TotalGaveUp:      d.totalGaveUp.Load(),
		TotalRateLimited: d.totalRateLimited.Load(),
		InFlight:         d.inFlight.Load(),
	}
	if n := d.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := d.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	d.lastErrorMu.Lock()
	st.LastError = d.lastError
	d.lastErrorMu.Unlock()
	return st
}

func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(d.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.runOnce(ctx)
		case <-d.triggerCh:
			d.runOnce(ctx)
		}
	}
}

// HandleNotifyRequest stores a NotifyRequested message in the outbox. It is
// meant to be the Kafka consumer handler; malformed messages are dropped.
func (d *Dispatcher) HandleNotifyRequest(ctx context.Context, _, value []byte) error {
	var msg messages.NotifyRequested
	if err := json.Unmarshal(value, &msg); err != nil {
		slog.Warn("skip undecodable notify request", "error", err.Error())
		return nil
	}
	msg.Phone = strings.TrimSpace(msg.Phone)
	if msg.EventID == "" || msg.Phone == "" || msg.TicketID <= 0 {
		slog.Warn("skip incomplete notify request", "event_id", msg.EventID, "ticket_id", msg.TicketID)
		return nil
	}

	_, created, err := d.repo.EnqueueNotification(ctx, models.NotificationCreateInput{
		EventID:      msg.EventID,
		TicketID:     msg.TicketID,
		Phone:        msg.Phone,
		TurnNumber:   msg.TurnNumber,
		PharmacyName: msg.PharmacyName,
		UserName:     msg.UserName,
	})
	if err != nil {
		return errors.Wrap(err, "enqueue notification")
	}
	if created {
		d.totalEnqueued.Add(1)
		d.Trigger()
	}
	return nil
}

func (d *Dispatcher) runOnce(ctx context.Context) {
	now := d.now()
	d.lastCycleUnixNano.Store(now.UnixNano())

	items, err := d.repo.ClaimDueNotifications(ctx, now, d.batchSize, d.lease)
	if err != nil {
		slog.Error("claim due notifications", "error", err.Error())
		d.setLastError(err)
		return
	}
	d.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	for _, n := range items {
		sem <- struct{}{}
		wg.Add(1)
		nCopy := n
		d.inFlight.Add(1)
		go func() {
			defer func() {
				d.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := d.sendOne(ctx, nCopy); err != nil {
				d.setLastError(err)
				slog.Error("send notification", "notification_id", nCopy.ID, "ticket_id", nCopy.TicketID, "error", err.Error())
			}
		}()
	}
	wg.Wait()
}

// sendOne delivers one claimed notification. A rate-limited row is left
// alone and becomes due again when its lease runs out.
func (d *Dispatcher) sendOne(ctx context.Context, n *models.Notification) error {
	if d.rl != nil && d.rateLimitPerMinute > 0 {
		allowed, count, err := d.rl.Allow(ctx, rateLimitKey, d.rateLimitPerMinute, time.Minute)
		if err != nil {
			return err
		}
		if !allowed {
			d.totalRateLimited.Add(1)
			slog.Warn("sms rate limit exceeded", "count", count, "notification_id", n.ID)
			return nil
		}
	}

	sendErr := d.client.Notify(ctx, n.Phone, n.TurnNumber, n.PharmacyName, n.UserName)
	now := d.now()
	if sendErr == nil {
		d.totalSent.Add(1)
		return errors.Wrap(d.repo.MarkNotificationSent(ctx, n.ID, now), "mark sent")
	}

	d.totalFailed.Add(1)
	attempt := n.Attempts + 1
	final := attempt >= d.maxAttempts || errors.Is(sendErr, sms.ErrRejected)
	if final {
		d.totalGaveUp.Add(1)
	}
	next := now.Add(d.planner.BackoffDelay(attempt))
	if err := d.repo.MarkNotificationFailed(ctx, n.ID, sendErr.Error(), next, final); err != nil {
		return errors.Wrap(err, "mark failed")
	}
	return sendErr
}

func (d *Dispatcher) setLastError(err error) {
	d.lastErrorMu.Lock()
	d.lastError = err.Error()
	d.lastErrorMu.Unlock()
}
