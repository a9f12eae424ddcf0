// Package memstore is an in-process pharmacy store. Turn issuance is
// serialized with one lock per pharmacy; every other mutation happens under
// the store-wide mutex.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/BearBump/FarmaTurn/internal/storage"
	"github.com/pkg/errors"
)

type inventoryKey struct {
	pharmacyID int64
	code       string
}

type turnKey struct {
	pharmacyID int64
	day        string
	number     int
}

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	pharmacies    map[int64]*models.Pharmacy
	pharmacyLocks map[int64]chan struct{}
	medications   map[string]*models.Medication
	inventory     map[inventoryKey]*models.InventoryEntry
	transactions  []*models.InventoryTransaction

	tickets      map[int64]*models.Ticket
	turnNumbers  map[turnKey]int64
	nextTicketID int64

	notifications map[uint64]*models.Notification
	notifByEvent  map[string]uint64
	nextNotifID   uint64
	nextTxID      int64
}

func New() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		pharmacies:    map[int64]*models.Pharmacy{},
		pharmacyLocks: map[int64]chan struct{}{},
		medications:   map[string]*models.Medication{},
		inventory:     map[inventoryKey]*models.InventoryEntry{},
		tickets:       map[int64]*models.Ticket{},
		turnNumbers:   map[turnKey]int64{},
		notifications: map[uint64]*models.Notification{},
		notifByEvent:  map[string]uint64{},
	}
}

// WithClock replaces the store clock; "today" and every timestamp come from it.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *Store) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

func (s *Store) PutPharmacy(p models.Pharmacy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Timezone == "" {
		p.Timezone = models.DefaultTimezone
	}
	s.pharmacies[p.ID] = &p
	if _, ok := s.pharmacyLocks[p.ID]; !ok {
		s.pharmacyLocks[p.ID] = make(chan struct{}, 1)
	}
}

func (s *Store) PutMedication(m models.Medication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.medications[m.Code] = &m
}

func (s *Store) PutInventory(pharmacyID int64, code string, stock, threshold int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := code
	if m, ok := s.medications[code]; ok {
		name = m.Name
	}
	s.inventory[inventoryKey{pharmacyID, code}] = &models.InventoryEntry{
		PharmacyID:     pharmacyID,
		MedicationCode: code,
		MedicationName: name,
		CurrentStock:   stock,
		MinThreshold:   threshold,
		LastUpdated:    s.now(),
	}
}

func (s *Store) GetPharmacy(ctx context.Context, id int64) (*models.Pharmacy, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pharmacies[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "pharmacy %d", id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) InPharmacyDay(ctx context.Context, pharmacyID int64, fn func(ctx context.Context, day storage.TurnDay) error) error {
	p, err := s.GetPharmacy(ctx, pharmacyID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	lock := s.pharmacyLocks[pharmacyID]
	s.mu.Unlock()

	// A one-slot channel so waiting for the pharmacy gives up with ctx.
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrapf(models.ErrUnavailable, "wait for pharmacy %d: %s", pharmacyID, ctx.Err())
	}
	defer func() { <-lock }()
	if err := ctxErr(ctx); err != nil {
		return err
	}

	now := s.clock()
	return fn(ctx, &turnDay{
		s:   s,
		p:   p,
		day: models.ServiceDay(now, p.Location()),
	})
}

type turnDay struct {
	s   *Store
	p   *models.Pharmacy
	day string
}

func (d *turnDay) Pharmacy() *models.Pharmacy { return d.p }
func (d *turnDay) ServiceDay() string         { return d.day }

func (d *turnDay) CountDigital(ctx context.Context) (int, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	n := 0
	for _, t := range d.s.tickets {
		if t.PharmacyID == d.p.ID && t.ServiceDay == d.day && t.RequestType == models.RequestTypeDigital {
			n++
		}
	}
	return n, nil
}

func (d *turnDay) MaxTurnNumber(ctx context.Context) (int, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	max := 0
	for _, t := range d.s.tickets {
		if t.PharmacyID == d.p.ID && t.ServiceDay == d.day && t.TurnNumber > max {
			max = t.TurnNumber
		}
	}
	return max, nil
}

func (d *turnDay) InsertTicket(ctx context.Context, t *models.Ticket) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	key := turnKey{pharmacyID: d.p.ID, day: d.day, number: t.TurnNumber}
	if _, taken := d.s.turnNumbers[key]; taken {
		return errors.Wrapf(models.ErrConflict, "turn %d already issued for %s", t.TurnNumber, d.day)
	}

	d.s.nextTicketID++
	t.ID = d.s.nextTicketID
	t.PharmacyID = d.p.ID
	t.ServiceDay = d.day
	t.Status = models.TicketStatusPending
	t.RequestedAt = d.s.now()
	cp := *t
	d.s.tickets[t.ID] = &cp
	d.s.turnNumbers[key] = t.ID
	return nil
}

func (s *Store) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "ticket %d", id)
	}
	return copyTicket(t), nil
}

func (s *Store) SetTicketStatus(ctx context.Context, id int64, status string, guard storage.StatusGuard) (*models.Ticket, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "ticket %d", id)
	}
	if guard != nil {
		if err := guard(t.Status, status); err != nil {
			return nil, err
		}
	}

	now := s.now()
	t.Status = status
	switch status {
	case models.TicketStatusCalled:
		t.CalledAt = &now
	case models.TicketStatusAttended:
		t.AttendedAt = &now
	}
	return copyTicket(t), nil
}

func (s *Store) ListTodayTickets(ctx context.Context, pharmacyID int64) ([]*models.Ticket, error) {
	p, err := s.GetPharmacy(ctx, pharmacyID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	day := models.ServiceDay(s.now(), p.Location())

	out := []*models.Ticket{}
	for _, t := range s.tickets {
		if t.PharmacyID == pharmacyID && t.ServiceDay == day {
			out = append(out, copyTicket(t))
		}
	}
	models.SortQueue(out)
	return out, nil
}

func (s *Store) ListInventory(ctx context.Context, pharmacyID int64) ([]*models.InventoryEntry, error) {
	if _, err := s.GetPharmacy(ctx, pharmacyID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.InventoryEntry{}
	for k, e := range s.inventory {
		if k.pharmacyID == pharmacyID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MedicationName != out[j].MedicationName {
			return out[i].MedicationName < out[j].MedicationName
		}
		return out[i].MedicationCode < out[j].MedicationCode
	})
	return out, nil
}

func (s *Store) Dispense(ctx context.Context, req models.DispenseRequest) (*models.InventoryEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.inventory[inventoryKey{req.PharmacyID, req.MedicationCode}]
	if !ok {
		return nil, errors.Wrapf(models.ErrInsufficientStock, "medication %s not stocked at pharmacy %d", req.MedicationCode, req.PharmacyID)
	}
	if e.CurrentStock < req.Quantity {
		return nil, errors.Wrapf(models.ErrInsufficientStock, "medication %s has %d, requested %d", req.MedicationCode, e.CurrentStock, req.Quantity)
	}

	now := s.now()
	e.CurrentStock -= req.Quantity
	e.LastUpdated = now

	s.nextTxID++
	s.transactions = append(s.transactions, &models.InventoryTransaction{
		ID:             s.nextTxID,
		PharmacyID:     req.PharmacyID,
		MedicationCode: req.MedicationCode,
		Type:           models.TransactionDispensed,
		Quantity:       req.Quantity,
		BatchNumber:    req.BatchNumber,
		OperatorID:     req.OperatorID,
		CreatedAt:      now,
	})

	cp := *e
	return &cp, nil
}

// Transactions returns the dispense audit trail in insertion order.
func (s *Store) Transactions() []models.InventoryTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.InventoryTransaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		out = append(out, *tx)
	}
	return out
}

func copyTicket(t *models.Ticket) *models.Ticket {
	cp := *t
	if t.CalledAt != nil {
		v := *t.CalledAt
		cp.CalledAt = &v
	}
	if t.AttendedAt != nil {
		v := *t.AttendedAt
		cp.AttendedAt = &v
	}
	return &cp
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(models.ErrUnavailable, err.Error())
	}
	return nil
}
