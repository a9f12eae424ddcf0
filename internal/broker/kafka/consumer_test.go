package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      []kafka.Message
	err       error
	i         int
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.i < len(r.msgs) {
		m := r.msgs[r.i]
		r.i++
		return m, nil
	}
	if r.err != nil {
		return kafka.Message{}, r.err
	}
	return kafka.Message{}, errors.New("eof")
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_Consume_CallsHandlerAndCommits(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}},
		err:  errors.New("stop"),
	}
	c := newConsumerWithReader(fr, "turns")

	var gotK, gotV []byte
	err := c.Consume(context.Background(), func(_ context.Context, k, v []byte) error {
		gotK, gotV = k, v
		return nil
	})
	require.Error(t, err)
	require.Equal(t, []byte("k"), gotK)
	require.Equal(t, []byte("v"), gotV)
	require.Len(t, fr.committed, 1)
}

func TestConsumer_Consume_HandlerErrorStopsWithoutCommit(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Topic: "turns", Partition: 2, Offset: 41, Key: []byte("k"), Value: []byte("v")}}}
	c := newConsumerWithReader(fr, "turns", WithHandlerRetry(2, 0))

	calls := 0
	want := errors.New("handler failed")
	err := c.Consume(context.Background(), func(context.Context, []byte, []byte) error {
		calls++
		return want
	})
	require.ErrorIs(t, err, want)
	require.Contains(t, err.Error(), "turns/2@41 after 2 attempts")
	require.Equal(t, 2, calls)
	require.Empty(t, fr.committed)
}

func TestConsumer_Consume_RetriesSameMessage(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{{Offset: 1, Value: []byte("a")}, {Offset: 2, Value: []byte("b")}},
		err:  errors.New("stop"),
	}
	c := newConsumerWithReader(fr, "notify", WithHandlerRetry(3, time.Millisecond))

	var seen []string
	failures := 2
	err := c.Consume(context.Background(), func(_ context.Context, _, v []byte) error {
		seen = append(seen, string(v))
		if string(v) == "a" && failures > 0 {
			failures--
			return errors.New("redis busy")
		}
		return nil
	})
	require.Error(t, err)
	require.Equal(t, []string{"a", "a", "a", "b"}, seen)
	require.Len(t, fr.committed, 2)
	require.EqualValues(t, 1, fr.committed[0].Offset)
	require.EqualValues(t, 2, fr.committed[1].Offset)
}

func TestConsumer_Consume_CancelDuringRetryPause(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Value: []byte("a")}}}
	c := newConsumerWithReader(fr, "notify", WithHandlerRetry(5, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	err := c.Consume(ctx, func(context.Context, []byte, []byte) error {
		cancel()
		return errors.New("db down")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, fr.committed)
}

func TestConsumer_Consume_FetchErrorNamesTopic(t *testing.T) {
	c := newConsumerWithReader(&fakeReader{err: errors.New("broker gone")}, "inventory")

	err := c.Consume(context.Background(), func(context.Context, []byte, []byte) error { return nil })
	require.ErrorContains(t, err, "fetch from inventory: broker gone")
}

func TestNewConsumer_Close(t *testing.T) {
	c := NewConsumer([]string{"localhost:0"}, "t", "g")
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}
