package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds Kafka event-source settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumer_group"`
	MinBytes      int           `yaml:"min_bytes"`
	MaxBytes      int           `yaml:"max_bytes"`
	MaxWait       time.Duration `yaml:"max_wait"`
}

// DefaultKafkaConfig returns the default Kafka source configuration.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		Topic:         "purple-operation-events",
		ConsumerGroup: "purpletrace",
		MinBytes:      1,
		MaxBytes:      1024 * 1024,
		MaxWait:       500 * time.Millisecond,
	}
}

// envelope is the wire format on the operations topic: the event payload
// plus the bus topic it belongs on.
type envelope struct {
	Topic string `json:"topic"`
	OperationEvent
}

// KafkaSource consumes host lifecycle events from a Kafka topic and
// republishes them onto the bus. It stands in for the host platform's
// callback dispatch when the service runs out of process.
type KafkaSource struct {
	reader *kafka.Reader
	bus    *Bus
	logger *slog.Logger

	consumed atomic.Int64
	dropped  atomic.Int64
}

// NewKafkaSource creates a Kafka-backed event source.
func NewKafkaSource(cfg KafkaConfig, bus *Bus, logger *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("events: kafka topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: 5 * time.Second,
	})

	return &KafkaSource{reader: reader, bus: bus, logger: logger}, nil
}

// Run consumes until the context is cancelled. Undecodable messages and
// unknown topics are counted and skipped, never fatal.
func (s *KafkaSource) Run(ctx context.Context) error {
	s.logger.Info("kafka event source started", "topic", s.reader.Config().Topic)

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.Error("kafka read failed", "error", err)
			return err
		}

		var env envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			s.dropped.Add(1)
			s.logger.Warn("dropping undecodable event",
				"offset", msg.Offset, "error", err)
			continue
		}

		topic := Topic(env.Topic)
		switch topic {
		case TopicOperationCompleted, TopicOperationStateChanged, TopicLinkStatusChanged:
		default:
			s.dropped.Add(1)
			s.logger.Warn("dropping event with unknown topic", "topic", env.Topic)
			continue
		}

		s.consumed.Add(1)
		s.bus.Publish(ctx, topic, env.OperationEvent)
	}
}

// Stats returns consumed/dropped counters for diagnostics.
func (s *KafkaSource) Stats() (consumed, dropped int64) {
	return s.consumed.Load(), s.dropped.Load()
}

// Close closes the underlying reader.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
