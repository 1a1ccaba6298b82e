package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaDriver writes the JSON notification keyed by slot; on a compacted topic
// only the latest notification per slot survives.
type kafkaDriver struct {
	w kafkaWriter
}

func NewKafka(cfg KafkaConfig) (Driver, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		WriteTimeout:           10 * time.Second,
	}
	return &kafkaDriver{w: w}, nil
}

func (d *kafkaDriver) Name() string { return "kafka" }

func (d *kafkaDriver) Notify(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return d.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.Slot),
		Value: b,
		Time:  n.At,
	})
}

func (d *kafkaDriver) Close() error { return d.w.Close() }
