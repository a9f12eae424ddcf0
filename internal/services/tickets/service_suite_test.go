package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/FarmaTurn/internal/broker/messages"
	cachemocks "github.com/BearBump/FarmaTurn/internal/cache/mocks"
	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/BearBump/FarmaTurn/internal/storage/memstore"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type notifierMock struct {
	mock.Mock
}

func (m *notifierMock) Notify(ctx context.Context, req messages.NotifyRequested) error {
	return m.Called(ctx, req).Error(0)
}

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, topic string, key, value []byte) error {
	return m.Called(ctx, topic, key, value).Error(0)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type ServiceSuite struct {
	suite.Suite

	store     *memstore.Store
	clk       *clock
	cache     *cachemocks.MockBytesCache
	notifier  *notifierMock
	publisher *publisherMock
	svc       *Service
}

func (s *ServiceSuite) SetupTest() {
	s.clk = &clock{now: time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)}
	s.store = memstore.New().WithClock(s.clk.Now)
	s.store.PutPharmacy(models.Pharmacy{ID: 1, Name: "Central", Timezone: "America/Bogota", DailyDigitalTurnLimit: 2})
	s.store.PutPharmacy(models.Pharmacy{ID: 2, Name: "Norte", DailyDigitalTurnLimit: 100})

	s.cache = &cachemocks.MockBytesCache{}
	s.notifier = &notifierMock{}
	s.publisher = &publisherMock{}
	s.publisher.On("Publish", mock.Anything, messages.TopicTurns, mock.Anything, mock.Anything).Return(nil).Maybe()
	s.cache.On("Del", mock.Anything, mock.Anything).Return(nil).Maybe()

	s.svc = New(s.store, s.cache, s.notifier, s.publisher, Options{QueueTTL: time.Minute})
}

func (s *ServiceSuite) request(pharmacyID int64, requestType string) (*RequestResult, error) {
	return s.svc.RequestTicket(context.Background(), models.TicketRequest{
		PharmacyID:   pharmacyID,
		UserID:       "u1",
		UserName:     "Ana",
		UserDocument: "CC123",
		RequestType:  requestType,
	})
}

func (s *ServiceSuite) TestRequestTicket_QuotaEndToEnd() {
	r1, err := s.request(1, models.RequestTypeDigital)
	s.Require().NoError(err)
	s.Require().Equal(1, r1.Ticket.TurnNumber)
	s.Require().Equal(models.TicketStatusPending, r1.Ticket.Status)
	s.Require().Equal("2024-03-10", r1.Ticket.ServiceDay)

	r2, err := s.request(1, models.RequestTypeDigital)
	s.Require().NoError(err)
	s.Require().Equal(2, r2.Ticket.TurnNumber)

	_, err = s.request(1, models.RequestTypeDigital)
	s.Require().ErrorIs(err, models.ErrQuotaExceeded)

	// in-person requests bypass the quota but consume numbers
	r3, err := s.request(1, models.RequestTypeInPerson)
	s.Require().NoError(err)
	s.Require().Equal(3, r3.Ticket.TurnNumber)

	s.cache.On("Get", mock.Anything, "farmaturn:queue:1").Return(nil, false, nil).Once()
	s.cache.On("Set", mock.Anything, "farmaturn:queue:1", mock.Anything, time.Minute).Return(nil).Once()
	queue, err := s.svc.ListTodayQueue(context.Background(), 1)
	s.Require().NoError(err)
	s.Require().Len(queue, 3)
}

func (s *ServiceSuite) TestRequestTicket_DefaultsToDigital() {
	r, err := s.request(1, "")
	s.Require().NoError(err)
	s.Require().Equal(models.RequestTypeDigital, r.Ticket.RequestType)
}

func (s *ServiceSuite) TestRequestTicket_ConcurrentNumbering() {
	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.request(2, models.RequestTypeDigital)
			if !s.NoError(err) {
				return
			}
			mu.Lock()
			seen[r.Ticket.TurnNumber] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	s.Require().Len(seen, n)
	for i := 1; i <= n; i++ {
		s.Require().True(seen[i], "missing turn %d", i)
	}
}

func (s *ServiceSuite) TestRequestTicket_ConcurrentQuota() {
	s.store.PutPharmacy(models.Pharmacy{ID: 3, Name: "Sur", DailyDigitalTurnLimit: 5})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, quota := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.request(3, models.RequestTypeDigital)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, models.ErrQuotaExceeded):
				quota++
			}
		}()
	}
	wg.Wait()

	s.Require().Equal(5, ok)
	s.Require().Equal(15, quota)

	s.cache.On("Get", mock.Anything, mock.Anything).Return(nil, false, nil).Once()
	s.cache.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	queue, err := s.svc.ListTodayQueue(context.Background(), 3)
	s.Require().NoError(err)
	s.Require().Len(queue, 5)
}

func (s *ServiceSuite) TestRequestTicket_DayRollover() {
	r, err := s.request(1, models.RequestTypeDigital)
	s.Require().NoError(err)
	s.Require().Equal(1, r.Ticket.TurnNumber)
	_, err = s.request(1, models.RequestTypeDigital)
	s.Require().NoError(err)

	s.clk.Advance(24 * time.Hour)
	r, err = s.request(1, models.RequestTypeDigital)
	s.Require().NoError(err)
	s.Require().Equal(1, r.Ticket.TurnNumber)
	s.Require().Equal("2024-03-11", r.Ticket.ServiceDay)
}

func (s *ServiceSuite) TestRequestTicket_Validation() {
	ctx := context.Background()
	cases := []models.TicketRequest{
		{PharmacyID: 0, UserName: "Ana", UserDocument: "1"},
		{PharmacyID: 1, UserName: "  ", UserDocument: "1"},
		{PharmacyID: 1, UserName: "Ana", UserDocument: ""},
		{PharmacyID: 1, UserName: "Ana", UserDocument: "1", RequestType: "phone"},
	}
	for _, tc := range cases {
		_, err := s.svc.RequestTicket(ctx, tc)
		s.Require().ErrorIs(err, models.ErrInvalidArgument)
	}

	_, err := s.request(99, models.RequestTypeDigital)
	s.Require().ErrorIs(err, models.ErrNotFound)
}

func (s *ServiceSuite) TestRequestTicket_NotifyOutcomes() {
	ctx := context.Background()

	r, err := s.request(2, models.RequestTypeDigital)
	s.Require().NoError(err)
	s.Require().Equal(models.NotifyOutcomeSkipped, r.Notification.Status)
	s.notifier.AssertNotCalled(s.T(), "Notify", mock.Anything, mock.Anything)

	s.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(m messages.NotifyRequested) bool {
		return m.Phone == "+57300" && m.TurnNumber == 2 && m.PharmacyName == "Norte" && m.UserName == "Ana" && m.EventID != ""
	})).Return(nil).Once()
	r, err = s.svc.RequestTicket(ctx, models.TicketRequest{PharmacyID: 2, UserName: "Ana", UserDocument: "1", Phone: "+57300"})
	s.Require().NoError(err)
	s.Require().Equal(models.NotifyOutcomeQueued, r.Notification.Status)
	s.Require().Equal("+57300", r.Ticket.UserPhone)

	s.notifier.On("Notify", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()
	r, err = s.svc.RequestTicket(ctx, models.TicketRequest{PharmacyID: 2, UserName: "Ana", UserDocument: "1", Phone: "+57300"})
	s.Require().NoError(err)
	s.Require().Equal(3, r.Ticket.TurnNumber)
	s.Require().Equal(models.NotifyOutcomeFailed, r.Notification.Status)
	s.Require().Contains(r.Notification.Error, "broker down")

	s.notifier.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestRequestTicket_PublishesAndInvalidates() {
	pub := &publisherMock{}
	pub.On("Publish", mock.Anything, messages.TopicTurns, []byte("2"), mock.MatchedBy(func(b []byte) bool {
		var ev messages.TurnEvent
		return json.Unmarshal(b, &ev) == nil && ev.Type == messages.TurnCreated && ev.TurnNumber == 1 && ev.PharmacyID == 2
	})).Return(errors.New("kafka down")).Once()
	c := &cachemocks.MockBytesCache{}
	c.On("Del", mock.Anything, []string{"farmaturn:queue:2"}).Return(nil).Once()

	svc := New(s.store, c, nil, pub, Options{QueueTTL: time.Minute})
	r, err := svc.RequestTicket(context.Background(), models.TicketRequest{PharmacyID: 2, UserName: "Ana", UserDocument: "1"})
	s.Require().NoError(err)
	s.Require().Equal(1, r.Ticket.TurnNumber)

	pub.AssertExpectations(s.T())
	c.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestSetStatus_Permissive() {
	ctx := context.Background()
	r, err := s.request(2, models.RequestTypeDigital)
	s.Require().NoError(err)
	id := r.Ticket.ID

	t1, err := s.svc.SetStatus(ctx, id, models.TicketStatusCalled)
	s.Require().NoError(err)
	s.Require().Equal(s.clk.Now(), *t1.CalledAt)

	s.clk.Advance(time.Minute)
	t2, err := s.svc.SetStatus(ctx, id, models.TicketStatusCalled)
	s.Require().NoError(err)
	s.Require().Equal(s.clk.Now(), *t2.CalledAt)

	t3, err := s.svc.SetStatus(ctx, id, models.TicketStatusAttended)
	s.Require().NoError(err)
	s.Require().NotNil(t3.AttendedAt)

	back, err := s.svc.SetStatus(ctx, id, models.TicketStatusPending)
	s.Require().NoError(err)
	s.Require().Equal(models.TicketStatusPending, back.Status)

	_, err = s.svc.SetStatus(ctx, id, "done")
	s.Require().ErrorIs(err, models.ErrInvalidArgument)

	_, err = s.svc.SetStatus(ctx, 999, models.TicketStatusCalled)
	s.Require().ErrorIs(err, models.ErrNotFound)
}

func (s *ServiceSuite) TestSetStatus_Strict() {
	ctx := context.Background()
	svc := New(s.store, nil, nil, nil, Options{StrictTransitions: true})

	r, err := svc.RequestTicket(ctx, models.TicketRequest{PharmacyID: 2, UserName: "Ana", UserDocument: "1"})
	s.Require().NoError(err)
	id := r.Ticket.ID

	_, err = svc.SetStatus(ctx, id, models.TicketStatusCalled)
	s.Require().NoError(err)
	_, err = svc.SetStatus(ctx, id, models.TicketStatusCalled)
	s.Require().NoError(err)
	_, err = svc.SetStatus(ctx, id, models.TicketStatusPending)
	s.Require().ErrorIs(err, models.ErrInvalidArgument)
	_, err = svc.SetStatus(ctx, id, models.TicketStatusCancelled)
	s.Require().NoError(err)
	_, err = svc.SetStatus(ctx, id, models.TicketStatusAttended)
	s.Require().ErrorIs(err, models.ErrInvalidArgument)

	cur, err := s.store.GetTicket(ctx, id)
	s.Require().NoError(err)
	s.Require().Equal(models.TicketStatusCancelled, cur.Status)
}

func (s *ServiceSuite) TestListTodayQueue_Ordering() {
	ctx := context.Background()
	svc := New(s.store, nil, nil, nil, Options{})

	var ids []int64
	for i := 0; i < 5; i++ {
		r, err := svc.RequestTicket(ctx, models.TicketRequest{PharmacyID: 2, UserName: "Ana", UserDocument: "1"})
		s.Require().NoError(err)
		ids = append(ids, r.Ticket.ID)
	}
	_, err := svc.SetStatus(ctx, ids[0], models.TicketStatusCalled)
	s.Require().NoError(err)
	s.clk.Advance(time.Minute)
	_, err = svc.SetStatus(ctx, ids[1], models.TicketStatusCalled)
	s.Require().NoError(err)
	_, err = svc.SetStatus(ctx, ids[2], models.TicketStatusCancelled)
	s.Require().NoError(err)

	queue, err := svc.ListTodayQueue(ctx, 2)
	s.Require().NoError(err)
	var got []int
	for _, t := range queue {
		got = append(got, t.TurnNumber)
	}
	s.Require().Equal([]int{4, 5, 2, 1, 3}, got)

	_, err = svc.ListTodayQueue(ctx, 99)
	s.Require().ErrorIs(err, models.ErrNotFound)
	_, err = svc.ListTodayQueue(ctx, 0)
	s.Require().ErrorIs(err, models.ErrInvalidArgument)
}

func (s *ServiceSuite) TestListTodayQueue_CacheHit() {
	cached, _ := json.Marshal([]*models.Ticket{{ID: 77, PharmacyID: 2, TurnNumber: 9}})
	s.cache.On("Get", mock.Anything, "farmaturn:queue:2").Return(cached, true, nil).Once()

	queue, err := s.svc.ListTodayQueue(context.Background(), 2)
	s.Require().NoError(err)
	s.Require().Len(queue, 1)
	s.Require().Equal(int64(77), queue[0].ID)
	s.cache.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestNotifyTicket() {
	ctx := context.Background()

	_, err := s.svc.NotifyTicket(ctx, 404)
	s.Require().ErrorIs(err, models.ErrNotFound)

	r, err := s.request(1, models.RequestTypeDigital)
	s.Require().NoError(err)
	out, err := s.svc.NotifyTicket(ctx, r.Ticket.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.NotifyOutcomeSkipped, out.Status)

	s.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Twice()
	r, err = s.svc.RequestTicket(ctx, models.TicketRequest{PharmacyID: 1, UserName: "Luis", UserDocument: "2", Phone: "+57311"})
	s.Require().NoError(err)
	out, err = s.svc.NotifyTicket(ctx, r.Ticket.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.NotifyOutcomeQueued, out.Status)
	s.notifier.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestApplyTurnEvent() {
	ctx := context.Background()
	c := &cachemocks.MockBytesCache{}
	c.On("Del", mock.Anything, []string{"farmaturn:queue:5"}).Return(nil).Once()
	svc := New(s.store, c, nil, nil, Options{QueueTTL: time.Minute})

	b, _ := json.Marshal(messages.TurnEvent{Type: messages.TurnCreated, PharmacyID: 5})
	s.Require().NoError(svc.ApplyTurnEvent(ctx, nil, b))
	s.Require().NoError(svc.ApplyTurnEvent(ctx, nil, []byte("{broken")))
	c.AssertExpectations(s.T())
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
