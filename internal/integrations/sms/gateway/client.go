package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/FarmaTurn/internal/integrations/sms"
	"github.com/pkg/errors"
)

// Client talks to a query-string SMS gateway:
// GET <base>/api/send.json?apiKey=..&sender=..&to=..&text=..
type Client struct {
	baseURL  string
	apiKey   string
	senderID string
	httpc    *http.Client
}

func New(baseURL, apiKey, senderID string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		senderID: senderID,
		httpc:    &http.Client{Timeout: timeout},
	}
}

type gatewayResp struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

func (c *Client) Notify(ctx context.Context, phone string, turnNumber int, pharmacyName, userName string) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/send.json"

	q := u.Query()
	q.Set("apiKey", c.apiKey)
	q.Set("sender", c.senderID)
	q.Set("to", phone)
	q.Set("text", sms.FormatMessage(turnNumber, pharmacyName, userName))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if err := sms.CheckStatus("sms gateway", resp.StatusCode); err != nil {
		return err
	}

	var r gatewayResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return errors.Wrap(err, "decode")
	}
	if r.Status != "ok" {
		return errors.Wrapf(sms.ErrRejected, "sms gateway status=%s: %s", r.Status, r.Error)
	}
	return nil
}
