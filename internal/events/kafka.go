package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by the sink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards dialer events to a Kafka topic, keyed by campaign so a
// campaign's events stay ordered within one partition.
type KafkaSink struct {
	log     *slog.Logger
	writer  MessageWriter
	topic   string
	timeout time.Duration
}

func NewKafkaSink(log *slog.Logger, brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
		Async:        true,
	}
	return newKafkaSink(log, w, topic), nil
}

func newKafkaSink(log *slog.Logger, w MessageWriter, topic string) *KafkaSink {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaSink{log: log, writer: w, topic: topic, timeout: 2 * time.Second}
}

// Attach subscribes the sink to every event type on the bus.
func (s *KafkaSink) Attach(b *Bus) {
	b.Subscribe(s.Handle,
		TypeAgentStatusChanged,
		TypeRecordClaimed,
		TypeRecordReleased,
		TypeCallStarted,
		TypeCallConnected,
		TypeCallEnded,
		TypeDispositionApplied,
		TypeContactDNC,
		TypeDialDecision,
	)
}

func (s *KafkaSink) Handle(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.log.Error("kafka sink marshal failed", "type", e.Type, "err", err)
		return
	}
	key := e.CampaignID
	if key == "" {
		key = e.AgentID
	}
	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.writer.WriteMessages(wctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}); err != nil {
		s.log.Warn("kafka sink publish failed", "type", e.Type, "campaign_id", e.CampaignID, "err", err)
	}
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
