package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"tx-lab-tpc-go/pkg/contracts"
	"tx-lab-tpc-go/pkg/logging"
)

const DefaultTopic = "tpc.events"

var ErrDisabled = errors.New("kafka disabled")

type Client struct {
	Brokers []string
}

func NewClient(brokersCSV string) *Client {
	brokers := []string{}
	for _, b := range strings.Split(brokersCSV, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return &Client{Brokers: brokers}
}

func (c *Client) Enabled() bool {
	return len(c.Brokers) > 0
}

func (c *Client) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

func (c *Client) NewReader(topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.Brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher writes committed-transaction events, keyed by order so one
// order's events stay on one partition.
type Publisher struct {
	Writer MessageWriter
}

func (p *Publisher) Publish(ctx context.Context, ev contracts.Event) error {
	if p == nil || p.Writer == nil {
		return ErrDisabled
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	key := ev.OrderID
	if key == "" {
		key = ev.TxID
	}
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Time:    time.Now().UTC(),
		Headers: []kafka.Header{{Key: "event-id", Value: []byte(ev.EventID)}},
	})
}

// Consume hands every event to handle and commits its offset afterwards, so
// delivery is at least once; handlers dedupe by EventID. Undecodable
// messages are logged and skipped. Fetch and handler errors are retried with
// backoff until ctx is done.
func Consume(ctx context.Context, r MessageReader, log *zap.Logger, handle func(context.Context, contracts.Event) error) error {
	log = logging.OrNop(log)
	retry := func(what string, fields ...zap.Field) backoff.RetryOption {
		return backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn(what, append(fields, zap.Error(err), zap.Duration("retry_in", next))...)
		})
	}
	for {
		msg, err := backoff.Retry(ctx, func() (kafka.Message, error) {
			return r.FetchMessage(ctx)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(0), retry("kafka fetch failed"))
		if err != nil {
			return err
		}

		var ev contracts.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil || ev.EventID == "" {
			log.Warn("skipping undecodable event", zap.Int64("offset", msg.Offset), zap.Error(err))
		} else {
			_, err := backoff.Retry(ctx, func() (struct{}, error) {
				return struct{}{}, handle(ctx, ev)
			}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(0),
				retry("event handling failed", logging.Fields{TxID: ev.TxID, EventID: ev.EventID}.Zap()...))
			if err != nil {
				return err
			}
		}
		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn("kafka commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}
