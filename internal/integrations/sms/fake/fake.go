package fake

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BearBump/FarmaTurn/internal/integrations/sms"
)

type Message struct {
	Phone string
	Text  string
}

// FakeClient logs messages instead of sending them and keeps what it sent.
type FakeClient struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func New() *FakeClient { return &FakeClient{} }

// FailWith makes every later Notify return err; nil restores success.
func (f *FakeClient) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *FakeClient) Notify(ctx context.Context, phone string, turnNumber int, pharmacyName, userName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	text := sms.FormatMessage(turnNumber, pharmacyName, userName)
	f.sent = append(f.sent, Message{Phone: phone, Text: text})
	slog.Info("fake sms", "phone", phone, "text", text)
	return nil
}

func (f *FakeClient) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}
