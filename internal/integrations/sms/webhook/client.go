package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BearBump/FarmaTurn/internal/integrations/sms"
	"github.com/pkg/errors"
)

type Client struct {
	url   string
	token string
	httpc *http.Client
}

func New(url, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url:   url,
		token: token,
		httpc: &http.Client{Timeout: timeout},
	}
}

type payload struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

func (c *Client) Notify(ctx context.Context, phone string, turnNumber int, pharmacyName, userName string) error {
	body, err := json.Marshal(payload{
		Channel:   "sms",
		Recipient: phone,
		Message:   sms.FormatMessage(turnNumber, pharmacyName, userName),
	})
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	return sms.CheckStatus("sms webhook", resp.StatusCode)
}
