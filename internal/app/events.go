package app

import (
	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"tx-lab-tpc-go/pkg/config"
	"tx-lab-tpc-go/pkg/kafka"
	"tx-lab-tpc-go/pkg/outbox"
	"tx-lab-tpc-go/pkg/participant"
)

// Events is where a participant's committed-transaction events go. With
// the outbox on they land in the participant's database first and Relay
// forwards them; otherwise they are written to Kafka directly. Both are nil
// when neither is configured.
type Events struct {
	Sink   participant.EventSink
	Relay  *outbox.Relay
	writer *kafkago.Writer
}

func NewEvents(pool *pgxpool.Pool, c config.Participant, logger *zap.Logger) *Events {
	client := kafka.NewClient(c.KafkaBrokers)
	topic := c.KafkaTopic
	if topic == "" {
		topic = kafka.DefaultTopic
	}
	ev := &Events{}
	if client.Enabled() {
		ev.writer = client.NewWriter(topic)
	}
	switch {
	case c.Outbox:
		store := outbox.NewPostgres(pool)
		ev.Sink = &outbox.Sink{Store: store, Topic: topic}
		if ev.writer != nil {
			ev.Relay = &outbox.Relay{Store: store, Publisher: &kafka.Publisher{Writer: ev.writer}, Logger: logger}
		} else {
			logger.Warn("kafka disabled, outbox records stay pending")
		}
	case ev.writer != nil:
		ev.Sink = &kafka.Publisher{Writer: ev.writer}
	}
	return ev
}

func (e *Events) Close() error {
	if e.writer == nil {
		return nil
	}
	return e.writer.Close()
}
