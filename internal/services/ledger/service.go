package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/FarmaTurn/internal/broker/messages"
	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	ListInventory(ctx context.Context, pharmacyID int64) ([]*models.InventoryEntry, error)
	Dispense(ctx context.Context, req models.DispenseRequest) (*models.InventoryEntry, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Service struct {
	repo           Repository
	publisher      EventPublisher
	storeTimeout   time.Duration
	publishTimeout time.Duration
}

func New(repo Repository, p EventPublisher, storeTimeout time.Duration) *Service {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Service{repo: repo, publisher: p, storeTimeout: storeTimeout, publishTimeout: 3 * time.Second}
}

// WithPublishTimeout bounds the InventoryDispensed publish that follows a
// committed dispense.
func (s *Service) WithPublishTimeout(d time.Duration) *Service {
	if d > 0 {
		s.publishTimeout = d
	}
	return s
}

// GetInventory lists the pharmacy's stock ordered by medication name.
func (s *Service) GetInventory(ctx context.Context, pharmacyID int64) ([]*models.InventoryEntry, error) {
	if pharmacyID <= 0 {
		return nil, errors.Wrap(models.ErrInvalidArgument, "pharmacy id is required")
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	out, err := s.repo.ListInventory(sctx, pharmacyID)
	if err != nil {
		return nil, storeErr(err)
	}
	if out == nil {
		out = []*models.InventoryEntry{}
	}
	return out, nil
}

func (s *Service) Dispense(ctx context.Context, req models.DispenseRequest) (*models.InventoryEntry, error) {
	req.MedicationCode = strings.TrimSpace(req.MedicationCode)
	switch {
	case req.PharmacyID <= 0:
		return nil, errors.Wrap(models.ErrInvalidArgument, "pharmacy_id is required")
	case req.MedicationCode == "":
		return nil, errors.Wrap(models.ErrInvalidArgument, "medication_code is required")
	case req.Quantity <= 0:
		return nil, errors.Wrapf(models.ErrInvalidArgument, "quantity must be positive, got %d", req.Quantity)
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	e, err := s.repo.Dispense(sctx, req)
	if err != nil {
		return nil, storeErr(err)
	}

	s.publishDispensed(ctx, req, e)
	return e, nil
}

func (s *Service) publishDispensed(ctx context.Context, req models.DispenseRequest, e *models.InventoryEntry) {
	if s.publisher == nil {
		return
	}
	b, err := json.Marshal(messages.InventoryDispensed{
		EventID:        messages.NewEventID(),
		PharmacyID:     req.PharmacyID,
		MedicationCode: req.MedicationCode,
		Quantity:       req.Quantity,
		CurrentStock:   e.CurrentStock,
		StockStatus:    e.Status(),
		BatchNumber:    req.BatchNumber,
		OperatorID:     req.OperatorID,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pctx, messages.TopicInventory, messages.PharmacyKey(req.PharmacyID), b); err != nil {
		slog.Warn("publish inventory event", "pharmacy_id", req.PharmacyID, "code", req.MedicationCode, "error", err.Error())
	}
}

func storeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, models.ErrUnavailable) {
		return errors.Wrap(models.ErrUnavailable, err.Error())
	}
	return err
}
