package pharmacy_api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/FarmaTurn/internal/integrations/sms/fake"
	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/BearBump/FarmaTurn/internal/notify"
	"github.com/BearBump/FarmaTurn/internal/services/ledger"
	"github.com/BearBump/FarmaTurn/internal/services/tickets"
	"github.com/BearBump/FarmaTurn/internal/storage/memstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store  *memstore.Store
	sms    *fake.FakeClient
	direct *notify.Direct
	srv    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := memstore.New()
	st.PutPharmacy(models.Pharmacy{ID: 1, Name: "Central", DailyDigitalTurnLimit: 2})
	st.PutMedication(models.Medication{Code: "PARA500", Name: "Paracetamol 500mg"})
	st.PutMedication(models.Medication{Code: "AMOX250", Name: "Amoxicillin 250mg"})
	st.PutInventory(1, "PARA500", 20, 10)
	st.PutInventory(1, "AMOX250", 3, 5)

	client := fake.New()
	direct := notify.NewDirect(client, time.Second)
	tsvc := tickets.New(st, nil, direct, nil, tickets.Options{StrictTransitions: true})
	lsvc := ledger.New(st, nil, time.Second)

	srv := httptest.NewServer(New(tsvc, lsvc).Routes())
	t.Cleanup(srv.Close)
	t.Cleanup(direct.Wait)
	return &testEnv{store: st, sms: client, direct: direct, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestPharmacyAPI_RequestTurn(t *testing.T) {
	e := newTestEnv(t)

	var got requestTurnResponse
	code := e.do(t, http.MethodPost, "/api/turns/request", map[string]any{
		"pharmacy_id":   1,
		"user_id":       "u-1",
		"user_name":     "Ana",
		"user_document": "CC-1",
		"phone":         "+573001112233",
	}, &got)
	require.Equal(t, http.StatusCreated, code)
	require.True(t, got.Success)
	require.Equal(t, 1, got.TurnNumber)
	require.Equal(t, got.Ticket.ID, got.TurnID)
	require.Equal(t, models.RequestTypeDigital, got.Ticket.RequestType)
	require.Equal(t, models.NotifyOutcomeQueued, got.Notification.Status)
	e.direct.Wait()
	require.Len(t, e.sms.Sent(), 1)

	var second requestTurnResponse
	code = e.do(t, http.MethodPost, "/api/turns/request", map[string]any{
		"pharmacy_id":   1,
		"user_name":     "Luis",
		"user_document": "CC-2",
		"request_type":  "in_person",
	}, &second)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, 2, second.TurnNumber)
	require.Equal(t, models.NotifyOutcomeSkipped, second.Notification.Status)
}

func TestPharmacyAPI_RequestTurnErrors(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < 2; i++ {
		code := e.do(t, http.MethodPost, "/api/turns/request", map[string]any{
			"pharmacy_id": 1, "user_name": "Ana", "user_document": "CC-1",
		}, nil)
		require.Equal(t, http.StatusCreated, code)
	}

	var er errorResponse
	code := e.do(t, http.MethodPost, "/api/turns/request", map[string]any{
		"pharmacy_id": 1, "user_name": "Ana", "user_document": "CC-1",
	}, &er)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "quota_exceeded", er.Error.Code)

	code = e.do(t, http.MethodPost, "/api/turns/request", map[string]any{
		"pharmacy_id": 99, "user_name": "Ana", "user_document": "CC-1",
	}, &er)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", er.Error.Code)

	code = e.do(t, http.MethodPost, "/api/turns/request", map[string]any{
		"pharmacy_id": 1, "user_name": "", "user_document": "CC-1",
	}, &er)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_argument", er.Error.Code)

	code = e.do(t, http.MethodPost, "/api/turns/request", map[string]any{
		"pharmacy_id": 1, "bogus": true,
	}, &er)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestPharmacyAPI_StatusAndQueue(t *testing.T) {
	e := newTestEnv(t)

	ids := make([]int64, 0, 3)
	for _, doc := range []string{"A", "B", "C"} {
		var got requestTurnResponse
		e.do(t, http.MethodPost, "/api/turns/request", map[string]any{
			"pharmacy_id": 1, "user_name": doc, "user_document": doc, "request_type": "in_person",
		}, &got)
		ids = append(ids, got.TurnID)
	}

	var ok map[string]any
	code := e.do(t, http.MethodPut, "/api/turns/"+itoa(ids[0])+"/status", map[string]string{"status": "called"}, &ok)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, ok["success"])

	var er errorResponse
	code = e.do(t, http.MethodPut, "/api/turns/"+itoa(ids[0])+"/status", map[string]string{"status": "pending"}, &er)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, er.Error.Message, "not allowed")

	code = e.do(t, http.MethodPut, "/api/turns/"+itoa(ids[1])+"/status", map[string]string{"status": "done"}, &er)
	require.Equal(t, http.StatusBadRequest, code)

	code = e.do(t, http.MethodPut, "/api/turns/abc/status", map[string]string{"status": "called"}, &er)
	require.Equal(t, http.StatusBadRequest, code)

	code = e.do(t, http.MethodPut, "/api/turns/999/status", map[string]string{"status": "called"}, &er)
	require.Equal(t, http.StatusNotFound, code)

	var q struct {
		Turns []models.Ticket `json:"turns"`
	}
	code = e.do(t, http.MethodGet, "/api/pharmacy/1/turns", nil, &q)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, q.Turns, 3)
	assert.Equal(t, 2, q.Turns[0].TurnNumber)
	assert.Equal(t, 3, q.Turns[1].TurnNumber)
	assert.Equal(t, 1, q.Turns[2].TurnNumber)
	assert.NotNil(t, q.Turns[2].CalledAt)

	code = e.do(t, http.MethodGet, "/api/pharmacy/42/turns", nil, &er)
	require.Equal(t, http.StatusNotFound, code)
}

func TestPharmacyAPI_NotifyTurn(t *testing.T) {
	e := newTestEnv(t)

	var got requestTurnResponse
	e.do(t, http.MethodPost, "/api/turns/request", map[string]any{
		"pharmacy_id": 1, "user_name": "Ana", "user_document": "CC-1", "phone": "+571",
	}, &got)

	var out struct {
		Notification models.NotifyOutcome `json:"notification"`
	}
	code := e.do(t, http.MethodPost, "/api/turns/"+itoa(got.TurnID)+"/notify", nil, &out)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, models.NotifyOutcomeQueued, out.Notification.Status)
	e.direct.Wait()
	require.Len(t, e.sms.Sent(), 2)

	// A failing gateway is only seen by the background send.
	e.sms.FailWith(errors.New("gateway down"))
	code = e.do(t, http.MethodPost, "/api/turns/"+itoa(got.TurnID)+"/notify", nil, &out)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, models.NotifyOutcomeQueued, out.Notification.Status)
	e.direct.Wait()
	require.Len(t, e.sms.Sent(), 2)
}

func TestPharmacyAPI_Inventory(t *testing.T) {
	e := newTestEnv(t)

	var inv struct {
		Medications []inventoryItem `json:"medications"`
	}
	code := e.do(t, http.MethodGet, "/api/pharmacy/1/inventory", nil, &inv)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, inv.Medications, 2)
	require.Equal(t, "AMOX250", inv.Medications[0].Code)
	require.Equal(t, models.StockStatusLowStock, inv.Medications[0].Status)
	require.Equal(t, models.StockStatusAvailable, inv.Medications[1].Status)

	var disp struct {
		Success   bool          `json:"success"`
		Inventory inventoryItem `json:"inventory"`
	}
	code = e.do(t, http.MethodPost, "/api/inventory/dispense", map[string]any{
		"pharmacy_id": 1, "medication_code": "PARA500", "quantity": 15, "batch_number": "L-1", "operator_id": "op-7",
	}, &disp)
	require.Equal(t, http.StatusOK, code)
	require.True(t, disp.Success)
	require.Equal(t, 5, disp.Inventory.CurrentStock)
	require.Equal(t, models.StockStatusLowStock, disp.Inventory.Status)

	var er errorResponse
	code = e.do(t, http.MethodPost, "/api/inventory/dispense", map[string]any{
		"pharmacy_id": 1, "medication_code": "PARA500", "quantity": 6,
	}, &er)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "insufficient_stock", er.Error.Code)

	code = e.do(t, http.MethodPost, "/api/inventory/dispense", map[string]any{
		"pharmacy_id": 1, "medication_code": "PARA500", "quantity": 0,
	}, &er)
	require.Equal(t, http.StatusBadRequest, code)

	require.Len(t, e.store.Transactions(), 1)
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{errors.Wrap(models.ErrUnavailable, "db"), http.StatusServiceUnavailable},
		{errors.Wrap(models.ErrConflict, "race"), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		got, _ := statusOf(c.err)
		assert.Equal(t, c.code, got, c.err.Error())
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	var out map[string]string
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil, &out))
	require.Equal(t, "ok", out["status"])
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
