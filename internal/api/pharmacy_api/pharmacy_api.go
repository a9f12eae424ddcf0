package pharmacy_api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/BearBump/FarmaTurn/internal/services/ledger"
	"github.com/BearBump/FarmaTurn/internal/services/tickets"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
)

type PharmacyAPI struct {
	tickets *tickets.Service
	ledger  *ledger.Service
}

func New(t *tickets.Service, l *ledger.Service) *PharmacyAPI {
	return &PharmacyAPI{tickets: t, ledger: l}
}

func (a *PharmacyAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, RequestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/turns/request", a.requestTurn)
		r.Put("/turns/{id}/status", a.setTurnStatus)
		r.Post("/turns/{id}/notify", a.notifyTurn)
		r.Get("/pharmacy/{id}/turns", a.listTurns)
		r.Get("/pharmacy/{id}/inventory", a.listInventory)
		r.Post("/inventory/dispense", a.dispense)
	})
	return r
}

type requestTurnRequest struct {
	PharmacyID   int64  `json:"pharmacy_id"`
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name"`
	UserDocument string `json:"user_document"`
	RequestType  string `json:"request_type"`
	Phone        string `json:"phone"`
}

type requestTurnResponse struct {
	Success      bool                 `json:"success"`
	TurnID       int64                `json:"turn_id"`
	TurnNumber   int                  `json:"turn_number"`
	Ticket       *models.Ticket       `json:"ticket"`
	Notification models.NotifyOutcome `json:"notification"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type dispenseRequest struct {
	PharmacyID     int64  `json:"pharmacy_id"`
	MedicationCode string `json:"medication_code"`
	Quantity       int    `json:"quantity"`
	BatchNumber    string `json:"batch_number"`
	OperatorID     string `json:"operator_id"`
}

type inventoryItem struct {
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	CurrentStock int       `json:"current_stock"`
	MinThreshold int       `json:"min_threshold"`
	Status       string    `json:"status"`
	LastUpdated  time.Time `json:"last_updated"`
}

func (a *PharmacyAPI) requestTurn(w http.ResponseWriter, r *http.Request) {
	var req requestTurnRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := a.tickets.RequestTicket(r.Context(), models.TicketRequest{
		PharmacyID:   req.PharmacyID,
		UserID:       req.UserID,
		UserName:     req.UserName,
		UserDocument: req.UserDocument,
		RequestType:  req.RequestType,
		Phone:        req.Phone,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, requestTurnResponse{
		Success:      true,
		TurnID:       res.Ticket.ID,
		TurnNumber:   res.Ticket.TurnNumber,
		Ticket:       res.Ticket,
		Notification: res.Notification,
	})
}

func (a *PharmacyAPI) setTurnStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req setStatusRequest
	if !decode(w, r, &req) {
		return
	}

	t, err := a.tickets.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ticket": t})
}

func (a *PharmacyAPI) notifyTurn(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	out, err := a.tickets.NotifyTicket(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notification": out})
}

func (a *PharmacyAPI) listTurns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	turns, err := a.tickets.ListTodayQueue(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (a *PharmacyAPI) listInventory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, err := a.ledger.GetInventory(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]inventoryItem, 0, len(inv))
	for _, e := range inv {
		out = append(out, toInventoryItem(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"medications": out})
}

func (a *PharmacyAPI) dispense(w http.ResponseWriter, r *http.Request) {
	var req dispenseRequest
	if !decode(w, r, &req) {
		return
	}

	e, err := a.ledger.Dispense(r.Context(), models.DispenseRequest{
		PharmacyID:     req.PharmacyID,
		MedicationCode: req.MedicationCode,
		Quantity:       req.Quantity,
		BatchNumber:    req.BatchNumber,
		OperatorID:     req.OperatorID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "inventory": toInventoryItem(e)})
}

func toInventoryItem(e *models.InventoryEntry) inventoryItem {
	return inventoryItem{
		Code:         e.MedicationCode,
		Name:         e.MedicationName,
		CurrentStock: e.CurrentStock,
		MinThreshold: e.MinThreshold,
		Status:       e.Status(),
		LastUpdated:  e.LastUpdated,
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, errors.Wrap(models.ErrInvalidArgument, "id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, errors.Wrap(models.ErrInvalidArgument, "invalid JSON payload"))
		return false
	}
	return true
}
