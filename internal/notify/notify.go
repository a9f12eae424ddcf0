// Package notify holds the ticket service's notification back-ends: one that
// hands requests to the notify worker over Kafka and one that sends SMS from
// the API process itself.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/BearBump/FarmaTurn/internal/broker/messages"
	"github.com/BearBump/FarmaTurn/internal/integrations/sms"
	"github.com/pkg/errors"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type KafkaDispatcher struct {
	p     Publisher
	topic string
}

func NewKafkaDispatcher(p Publisher, topic string) *KafkaDispatcher {
	if topic == "" {
		topic = messages.TopicNotify
	}
	return &KafkaDispatcher{p: p, topic: topic}
}

func (k *KafkaDispatcher) Notify(ctx context.Context, req messages.NotifyRequested) error {
	b, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshal notify request")
	}
	return k.p.Publish(ctx, k.topic, []byte(strconv.FormatInt(req.TicketID, 10)), b)
}

// Direct sends the SMS in the background; used when no broker is configured.
// Notify returns as soon as the send has started, so a slow gateway never
// holds a request open. Failures are only logged.
type Direct struct {
	client  sms.Client
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDirect(client sms.Client, timeout time.Duration) *Direct {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Direct{client: client, timeout: timeout}
}

func (d *Direct) Notify(ctx context.Context, req messages.NotifyRequested) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.client.Notify(sctx, req.Phone, req.TurnNumber, req.PharmacyName, req.UserName); err != nil {
			slog.Warn("direct sms", "ticket_id", req.TicketID, "phone", req.Phone, "error", err.Error())
		}
	}()
	return nil
}

// Wait blocks until every send started by Notify has finished.
func (d *Direct) Wait() {
	d.wg.Wait()
}
